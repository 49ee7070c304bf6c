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

// Package dlq manages the dead-letter queue of the saga engine.
//
// An entry parks a step whose retries were exhausted and whose failure does
// not roll the saga back. Entries survive restarts because they live in the
// saga.DeadLetterStore; the queue adds IDs, error truncation, logging and
// Prometheus counters on top of it.
package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/pkg/logger"
	"github.com/xilian/saga-orchestrator/pkg/saga"
)

// Failure describes the exhausted step being parked.
type Failure struct {
	SagaID    string
	SagaName  string
	StepIndex int
	StepName  string
	Kind      saga.DeadLetterKind
	Err       error
}

// Queue is the dead-letter queue.
type Queue struct {
	store   saga.DeadLetterStore
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithMetrics records queue operations in m.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New creates a queue persisting into store.
func New(store saga.DeadLetterStore, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		logger: logger.GetLogger().Named("dlq"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push parks a failure and returns the stored entry.
func (q *Queue) Push(ctx context.Context, f Failure) (*saga.DeadLetterEntry, error) {
	if f.SagaID == "" {
		return nil, saga.NewValidationError("dead letter requires a saga ID", nil)
	}
	if f.Kind == "" {
		f.Kind = saga.DeadLetterForward
	}
	msg := "unknown error"
	if f.Err != nil {
		msg = f.Err.Error()
	}

	now := q.now().UTC()
	entry := &saga.DeadLetterEntry{
		ID:           uuid.NewString(),
		SagaID:       f.SagaID,
		SagaName:     f.SagaName,
		StepIndex:    f.StepIndex,
		StepName:     f.StepName,
		Kind:         f.Kind,
		ErrorMessage: saga.TruncateError(msg),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := q.store.PushDeadLetter(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to push dead letter for saga %s: %w", f.SagaID, err)
	}

	q.metrics.recordCreated(entry.Kind)
	q.logger.Warn("step parked in dead-letter queue",
		zap.String("dead_letter_id", entry.ID),
		zap.String("saga_id", entry.SagaID),
		zap.String("saga_name", entry.SagaName),
		zap.Int("step_index", entry.StepIndex),
		zap.String("step_name", entry.StepName),
		zap.String("kind", string(entry.Kind)),
		zap.String("error", entry.ErrorMessage),
	)
	return entry, nil
}

// Get returns one entry.
func (q *Queue) Get(ctx context.Context, id string) (*saga.DeadLetterEntry, error) {
	return q.store.GetDeadLetter(ctx, id)
}

// List returns entries ordered by creation time.
func (q *Queue) List(ctx context.Context, filter saga.DeadLetterFilter) ([]*saga.DeadLetterEntry, error) {
	return q.store.ListDeadLetters(ctx, filter)
}

// Count counts entries matching filter.
func (q *Queue) Count(ctx context.Context, filter saga.DeadLetterFilter) (int, error) {
	return q.store.CountDeadLetters(ctx, filter)
}

// Pending reports whether the saga still has parked entries.
func (q *Queue) Pending(ctx context.Context, sagaID string) (bool, error) {
	n, err := q.store.CountDeadLetters(ctx, saga.DeadLetterFilter{SagaID: sagaID})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Resolve removes an entry after its step succeeded on retry.
func (q *Queue) Resolve(ctx context.Context, entry *saga.DeadLetterEntry) error {
	if err := q.store.DeleteDeadLetter(ctx, entry.ID); err != nil {
		return err
	}
	q.metrics.recordResolved(entry.Kind)
	q.logger.Info("dead letter resolved",
		zap.String("dead_letter_id", entry.ID),
		zap.String("saga_id", entry.SagaID),
		zap.Int("retry_count", entry.RetryCount+1),
	)
	return nil
}

// RecordFailure counts a failed manual retry and stores its error.
func (q *Queue) RecordFailure(ctx context.Context, entry *saga.DeadLetterEntry, cause error) (*saga.DeadLetterEntry, error) {
	updated := entry.Clone()
	updated.RetryCount++
	if cause != nil {
		updated.ErrorMessage = saga.TruncateError(cause.Error())
	}
	updated.UpdatedAt = q.now().UTC()
	if err := q.store.UpdateDeadLetter(ctx, updated); err != nil {
		return nil, err
	}

	q.metrics.recordRetryFailed(updated.Kind)
	q.logger.Warn("dead letter retry failed",
		zap.String("dead_letter_id", updated.ID),
		zap.String("saga_id", updated.SagaID),
		zap.Int("retry_count", updated.RetryCount),
		zap.String("error", updated.ErrorMessage),
	)
	return updated, nil
}
