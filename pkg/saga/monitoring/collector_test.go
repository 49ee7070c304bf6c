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

package monitoring

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/pkg/logger"
	"github.com/xilian/saga-orchestrator/pkg/saga"
)

func init() {
	logger.Logger, _ = zap.NewDevelopment()
}

type fakeStatusCounter struct {
	counts map[saga.SagaStatus]int
	err    error
}

func (f *fakeStatusCounter) CountByStatus(ctx context.Context) (map[saga.SagaStatus]int, error) {
	return f.counts, f.err
}

type fakeDeadLetterCounter struct {
	n   int
	err error
}

func (f *fakeDeadLetterCounter) Count(ctx context.Context, filter saga.DeadLetterFilter) (int, error) {
	return f.n, f.err
}

type fakeDefinitions int

func (f fakeDefinitions) Len() int { return int(f) }

type fakeEngine struct {
	running bool
	depth   int
}

func (f *fakeEngine) IsRunning() bool { return f.running }
func (f *fakeEngine) QueueDepth() int { return f.depth }

func newTestAggregator() (*Aggregator, *fakeStatusCounter, *fakeDeadLetterCounter) {
	instances := &fakeStatusCounter{counts: map[saga.SagaStatus]int{
		saga.StatusRunning:     2,
		saga.StatusCompleted:   5,
		saga.StatusCompensated: 1,
		saga.StatusPartial:     1,
		saga.StatusFailed:      3,
	}}
	deadLetters := &fakeDeadLetterCounter{n: 4}
	return NewAggregator(instances, deadLetters, fakeDefinitions(2), &fakeEngine{running: true}), instances, deadLetters
}

func TestAggregator_Stats(t *testing.T) {
	aggregator, _, _ := newTestAggregator()

	stats, err := aggregator.Stats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12, stats.Total)
	assert.Equal(t, 2, stats.Running)
	assert.Equal(t, 5, stats.Completed)
	assert.Equal(t, 0, stats.Compensating)
	assert.Equal(t, 1, stats.Compensated)
	assert.Equal(t, 1, stats.Partial)
	assert.Equal(t, 3, stats.Failed)
	assert.Equal(t, 4, stats.DeadLetters)

	assert.Equal(t, saga.OrchestratorMetrics{
		IsRunning:       true,
		RegisteredSagas: 2,
		TotalExecuted:   12,
		Completed:       5,
		Compensated:     1,
		Failed:          3,
	}, stats.OrchestratorMetrics)
}

func TestAggregator_NilEngine(t *testing.T) {
	aggregator := NewAggregator(&fakeStatusCounter{}, &fakeDeadLetterCounter{}, nil, nil)

	metrics, err := aggregator.OrchestratorMetrics(context.Background())
	require.NoError(t, err)
	assert.False(t, metrics.IsRunning)
	assert.Zero(t, metrics.RegisteredSagas)
	assert.Zero(t, metrics.TotalExecuted)
}

func TestAggregator_Errors(t *testing.T) {
	t.Run("instance count fails", func(t *testing.T) {
		aggregator, instances, _ := newTestAggregator()
		instances.err = errors.New("connection refused")

		_, err := aggregator.Stats(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to count sagas")
	})

	t.Run("dead letter count fails", func(t *testing.T) {
		aggregator, _, deadLetters := newTestAggregator()
		deadLetters.err = errors.New("connection refused")

		_, err := aggregator.OrchestratorMetrics(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to count dead letters")
	})
}

func TestNewStatsCollector_Defaults(t *testing.T) {
	aggregator, _, _ := newTestAggregator()

	collector := NewStatsCollector(aggregator, &Config{})
	assert.Equal(t, DefaultConfig().Timeout, collector.timeout)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(collector))
}

func TestStatsCollector_Collect(t *testing.T) {
	aggregator, _, _ := newTestAggregator()
	collector := NewStatsCollector(aggregator, nil)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	expected := `
# HELP saga_dlq_backlog Current number of unresolved dead-letter entries
# TYPE saga_dlq_backlog gauge
saga_dlq_backlog 4
# HELP saga_engine_running Whether the execution engine is running (1) or not (0)
# TYPE saga_engine_running gauge
saga_engine_running 1
# HELP saga_registered_definitions Number of registered saga definitions
# TYPE saga_registered_definitions gauge
saga_registered_definitions 2
# HELP saga_stats_scrape_error Whether the last stats scrape failed (1) or not (0)
# TYPE saga_stats_scrape_error gauge
saga_stats_scrape_error 0
`
	err := testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"saga_dlq_backlog", "saga_engine_running", "saga_registered_definitions", "saga_stats_scrape_error")
	require.NoError(t, err)

	families, err := registry.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, mf := range families {
		if mf.GetName() != "saga_instances" {
			continue
		}
		for _, m := range mf.GetMetric() {
			values[m.GetLabel()[0].GetValue()] = m.GetGauge().GetValue()
		}
	}
	assert.Len(t, values, len(saga.AllStatuses))
	assert.Equal(t, 2.0, values[string(saga.StatusRunning)])
	assert.Equal(t, 5.0, values[string(saga.StatusCompleted)])
	assert.Equal(t, 0.0, values[string(saga.StatusCompensating)])
	assert.Equal(t, 3.0, values[string(saga.StatusFailed)])
}

func TestStatsCollector_ScrapeError(t *testing.T) {
	aggregator, instances, _ := newTestAggregator()
	instances.err = errors.New("store unavailable")

	collector := NewStatsCollector(aggregator, &Config{Namespace: "orchestrator"})
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	expected := `
# HELP orchestrator_stats_scrape_error Whether the last stats scrape failed (1) or not (0)
# TYPE orchestrator_stats_scrape_error gauge
orchestrator_stats_scrape_error 1
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected)))
	assert.Equal(t, 1, testutil.CollectAndCount(collector))
}
