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

package saga

import (
	"context"
)

// InstanceStore persists saga instances. Instances are never deleted.
type InstanceStore interface {
	// CreateInstance stores a new instance; the ID must be unused.
	CreateInstance(ctx context.Context, instance *SagaInstance) error

	// UpdateInstance replaces a stored instance.
	UpdateInstance(ctx context.Context, instance *SagaInstance) error

	// GetInstance returns a copy of the instance or an ErrSagaNotFound error.
	GetInstance(ctx context.Context, sagaID string) (*SagaInstance, error)

	// ListInstances returns instances ordered by creation time.
	ListInstances(ctx context.Context, filter SagaFilter) ([]*SagaInstance, error)

	// CountByStatus returns the number of instances per status.
	CountByStatus(ctx context.Context) (map[SagaStatus]int, error)
}

// CheckpointStore records per-step outcomes. A write must be durable when
// WriteCheckpoint returns, since the engine advances only afterwards.
type CheckpointStore interface {
	// WriteCheckpoint inserts or replaces the (SagaID, StepIndex) checkpoint.
	WriteCheckpoint(ctx context.Context, checkpoint *StepCheckpoint) error

	// ReadCheckpoints returns the saga's checkpoints ordered by step index.
	ReadCheckpoints(ctx context.Context, sagaID string) ([]*StepCheckpoint, error)
}

// DeadLetterStore persists dead-letter entries.
type DeadLetterStore interface {
	PushDeadLetter(ctx context.Context, entry *DeadLetterEntry) error
	GetDeadLetter(ctx context.Context, id string) (*DeadLetterEntry, error)
	UpdateDeadLetter(ctx context.Context, entry *DeadLetterEntry) error
	DeleteDeadLetter(ctx context.Context, id string) error
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetterEntry, error)
	CountDeadLetters(ctx context.Context, filter DeadLetterFilter) (int, error)
}

// Store bundles every persistence concern of the orchestrator.
type Store interface {
	InstanceStore
	CheckpointStore
	DeadLetterStore
	Close() error
}

// EventPublisher forwards saga events to an external transport.
type EventPublisher interface {
	Publish(ctx context.Context, event *SagaEvent) error
	Close() error
}
