// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package monitoring derives orchestrator statistics from persisted saga
// state, exports them to Prometheus and reports component health.
package monitoring

import (
	"context"
	"fmt"

	"github.com/xilian/saga-orchestrator/pkg/saga"
)

// StatusCounter counts saga instances per status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[saga.SagaStatus]int, error)
}

// DeadLetterCounter counts parked dead-letter entries.
type DeadLetterCounter interface {
	Count(ctx context.Context, filter saga.DeadLetterFilter) (int, error)
}

// DefinitionCounter reports the number of registered saga definitions.
type DefinitionCounter interface {
	Len() int
}

// EngineState reports whether the execution engine is running.
type EngineState interface {
	IsRunning() bool
}

// Aggregator computes Stats on demand. Nothing it returns is stored.
type Aggregator struct {
	instances   StatusCounter
	deadLetters DeadLetterCounter
	definitions DefinitionCounter
	engine      EngineState
}

// NewAggregator creates an aggregator. engine may be nil, in which case the
// orchestrator is reported as not running.
func NewAggregator(instances StatusCounter, deadLetters DeadLetterCounter, definitions DefinitionCounter, engine EngineState) *Aggregator {
	return &Aggregator{
		instances:   instances,
		deadLetters: deadLetters,
		definitions: definitions,
		engine:      engine,
	}
}

// Stats counts every instance by status together with the dead-letter backlog.
func (a *Aggregator) Stats(ctx context.Context) (*saga.Stats, error) {
	counts, err := a.instances.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count sagas: %w", err)
	}
	backlog, err := a.deadLetters.Count(ctx, saga.DeadLetterFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}

	stats := &saga.Stats{
		Running:      counts[saga.StatusRunning],
		Completed:    counts[saga.StatusCompleted],
		Failed:       counts[saga.StatusFailed],
		Compensating: counts[saga.StatusCompensating],
		Compensated:  counts[saga.StatusCompensated],
		Partial:      counts[saga.StatusPartial],
		DeadLetters:  backlog,
	}
	for _, n := range counts {
		stats.Total += n
	}
	stats.OrchestratorMetrics = a.orchestratorMetrics(stats)
	return stats, nil
}

// OrchestratorMetrics returns the engine-level summary of Stats.
func (a *Aggregator) OrchestratorMetrics(ctx context.Context) (saga.OrchestratorMetrics, error) {
	stats, err := a.Stats(ctx)
	if err != nil {
		return saga.OrchestratorMetrics{}, err
	}
	return stats.OrchestratorMetrics, nil
}

func (a *Aggregator) orchestratorMetrics(stats *saga.Stats) saga.OrchestratorMetrics {
	m := saga.OrchestratorMetrics{
		TotalExecuted: stats.Total,
		Completed:     stats.Completed,
		Compensated:   stats.Compensated,
		Failed:        stats.Failed,
	}
	if a.definitions != nil {
		m.RegisteredSagas = a.definitions.Len()
	}
	if a.engine != nil {
		m.IsRunning = a.engine.IsRunning()
	}
	return m
}
