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

package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/xilian/saga-orchestrator/pkg/saga"
)

// orderKey orders records by creation time, then ID.
type orderKey struct {
	createdAt time.Time
	id        string
}

func lessOrderKey(a, b orderKey) bool {
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.id < b.id
}

// MemoryStore is an in-memory saga.Store.
// All values are copied on the way in and out, so callers never share state with the store.
type MemoryStore struct {
	// mu protects every map and index below
	mu sync.RWMutex

	instances     map[string]*saga.SagaInstance
	instanceOrder *btree.BTreeG[orderKey]

	// checkpoints is indexed by saga ID, then step index
	checkpoints map[string]map[int]*saga.StepCheckpoint

	deadLetters     map[string]*saga.DeadLetterEntry
	deadLetterOrder *btree.BTreeG[orderKey]

	closed bool
}

var _ saga.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:       make(map[string]*saga.SagaInstance),
		instanceOrder:   btree.NewBTreeG(lessOrderKey),
		checkpoints:     make(map[string]map[int]*saga.StepCheckpoint),
		deadLetters:     make(map[string]*saga.DeadLetterEntry),
		deadLetterOrder: btree.NewBTreeG(lessOrderKey),
	}
}

func (m *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return ErrStorageClosed
	}
	return nil
}

// CreateInstance stores a new instance.
func (m *MemoryStore) CreateInstance(ctx context.Context, instance *saga.SagaInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx); err != nil {
		return err
	}
	if instance == nil || instance.ID == "" {
		return ErrInvalidID
	}
	if _, exists := m.instances[instance.ID]; exists {
		return ErrDuplicateID
	}

	m.instances[instance.ID] = instance.Clone()
	m.instanceOrder.Set(orderKey{createdAt: instance.CreatedAt, id: instance.ID})
	return nil
}

// UpdateInstance replaces a stored instance. CreatedAt is immutable.
func (m *MemoryStore) UpdateInstance(ctx context.Context, instance *saga.SagaInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx); err != nil {
		return err
	}
	if instance == nil || instance.ID == "" {
		return ErrInvalidID
	}
	existing, ok := m.instances[instance.ID]
	if !ok {
		return saga.NewSagaNotFoundError(instance.ID)
	}

	updated := instance.Clone()
	updated.CreatedAt = existing.CreatedAt
	m.instances[instance.ID] = updated
	return nil
}

// GetInstance returns a copy of the instance.
func (m *MemoryStore) GetInstance(ctx context.Context, sagaID string) (*saga.SagaInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx); err != nil {
		return nil, err
	}
	instance, ok := m.instances[sagaID]
	if !ok {
		return nil, saga.NewSagaNotFoundError(sagaID)
	}
	return instance.Clone(), nil
}

// ListInstances walks the creation-time index and applies the filter.
func (m *MemoryStore) ListInstances(ctx context.Context, filter saga.SagaFilter) ([]*saga.SagaInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx); err != nil {
		return nil, err
	}

	matched := make([]*saga.SagaInstance, 0)
	m.instanceOrder.Scan(func(key orderKey) bool {
		if instance := m.instances[key.id]; instance != nil && filter.Matches(instance) {
			matched = append(matched, instance)
		}
		return true
	})

	start, end := saga.Page(len(matched), filter.Offset, filter.Limit)
	out := make([]*saga.SagaInstance, 0, end-start)
	for _, instance := range matched[start:end] {
		out = append(out, instance.Clone())
	}
	return out, nil
}

// CountByStatus counts instances per status.
func (m *MemoryStore) CountByStatus(ctx context.Context) (map[saga.SagaStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx); err != nil {
		return nil, err
	}
	counts := make(map[saga.SagaStatus]int)
	for _, instance := range m.instances {
		counts[instance.Status]++
	}
	return counts, nil
}

// WriteCheckpoint inserts or replaces a checkpoint.
func (m *MemoryStore) WriteCheckpoint(ctx context.Context, checkpoint *saga.StepCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx); err != nil {
		return err
	}
	if checkpoint == nil || checkpoint.SagaID == "" {
		return ErrInvalidID
	}

	steps, ok := m.checkpoints[checkpoint.SagaID]
	if !ok {
		steps = make(map[int]*saga.StepCheckpoint)
		m.checkpoints[checkpoint.SagaID] = steps
	}
	steps[checkpoint.StepIndex] = checkpoint.Clone()
	return nil
}

// ReadCheckpoints returns the checkpoints of a saga ordered by step index.
func (m *MemoryStore) ReadCheckpoints(ctx context.Context, sagaID string) ([]*saga.StepCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx); err != nil {
		return nil, err
	}

	steps := m.checkpoints[sagaID]
	out := make([]*saga.StepCheckpoint, 0, len(steps))
	for _, cp := range steps {
		out = append(out, cp.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

// PushDeadLetter stores a new dead-letter entry.
func (m *MemoryStore) PushDeadLetter(ctx context.Context, entry *saga.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx); err != nil {
		return err
	}
	if entry == nil || entry.ID == "" {
		return ErrInvalidID
	}
	if _, exists := m.deadLetters[entry.ID]; exists {
		return ErrDuplicateID
	}

	m.deadLetters[entry.ID] = entry.Clone()
	m.deadLetterOrder.Set(orderKey{createdAt: entry.CreatedAt, id: entry.ID})
	return nil
}

// GetDeadLetter returns a copy of the entry.
func (m *MemoryStore) GetDeadLetter(ctx context.Context, id string) (*saga.DeadLetterEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx); err != nil {
		return nil, err
	}
	entry, ok := m.deadLetters[id]
	if !ok {
		return nil, saga.NewDeadLetterNotFoundError(id)
	}
	return entry.Clone(), nil
}

// UpdateDeadLetter replaces an entry. CreatedAt is immutable.
func (m *MemoryStore) UpdateDeadLetter(ctx context.Context, entry *saga.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx); err != nil {
		return err
	}
	if entry == nil || entry.ID == "" {
		return ErrInvalidID
	}
	existing, ok := m.deadLetters[entry.ID]
	if !ok {
		return saga.NewDeadLetterNotFoundError(entry.ID)
	}
	updated := entry.Clone()
	updated.CreatedAt = existing.CreatedAt
	m.deadLetters[entry.ID] = updated
	return nil
}

// DeleteDeadLetter removes an entry.
func (m *MemoryStore) DeleteDeadLetter(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx); err != nil {
		return err
	}
	entry, ok := m.deadLetters[id]
	if !ok {
		return saga.NewDeadLetterNotFoundError(id)
	}
	delete(m.deadLetters, id)
	m.deadLetterOrder.Delete(orderKey{createdAt: entry.CreatedAt, id: id})
	return nil
}

// ListDeadLetters returns entries ordered by creation time.
func (m *MemoryStore) ListDeadLetters(ctx context.Context, filter saga.DeadLetterFilter) ([]*saga.DeadLetterEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx); err != nil {
		return nil, err
	}

	matched := make([]*saga.DeadLetterEntry, 0)
	m.deadLetterOrder.Scan(func(key orderKey) bool {
		if entry := m.deadLetters[key.id]; entry != nil && filter.Matches(entry) {
			matched = append(matched, entry)
		}
		return true
	})

	start, end := saga.Page(len(matched), filter.Offset, filter.Limit)
	out := make([]*saga.DeadLetterEntry, 0, end-start)
	for _, entry := range matched[start:end] {
		out = append(out, entry.Clone())
	}
	return out, nil
}

// CountDeadLetters counts entries matching the filter; Limit and Offset are ignored.
func (m *MemoryStore) CountDeadLetters(ctx context.Context, filter saga.DeadLetterFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range m.deadLetters {
		if filter.Matches(entry) {
			n++
		}
	}
	return n, nil
}

// Close marks the store closed. Further calls fail with ErrStorageClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
