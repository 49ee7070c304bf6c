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

package rollback

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrTargetNotFound is returned for a target the switcher does not manage.
	ErrTargetNotFound = errors.New("rollback target not found")
	// ErrVersionNotFound is returned when the requested version was never published.
	ErrVersionNotFound = errors.New("version not found")
	// ErrVersionMismatch is returned when the live version is not the expected one.
	ErrVersionMismatch = errors.New("version mismatch")
)

// VersionSwitcher reads and changes the live version of targets.
type VersionSwitcher interface {
	CurrentVersion(ctx context.Context, target Target) (string, error)
	HasVersion(ctx context.Context, target Target, version string) (bool, error)
	// SwitchVersion makes version live. Switching to the live version is a no-op.
	SwitchVersion(ctx context.Context, target Target, version string) error
}

// Snapshot records the version that was live before a rollback started.
type Snapshot struct {
	SagaID  string    `json:"sagaId"`
	Target  Target    `json:"target"`
	Version string    `json:"version"`
	TakenAt time.Time `json:"takenAt"`
}

// SnapshotStore keeps one snapshot per saga.
type SnapshotStore interface {
	// SaveSnapshot stores s unless the saga already has a snapshot.
	SaveSnapshot(ctx context.Context, s *Snapshot) error
	GetSnapshot(ctx context.Context, sagaID string) (*Snapshot, bool, error)
	DropSnapshot(ctx context.Context, sagaID string) error
}

// AuditRecord is the permanent trace of a completed version switch.
type AuditRecord struct {
	SagaID      string    `json:"sagaId"`
	TriggerID   string    `json:"triggerId,omitempty"`
	Target      Target    `json:"target"`
	FromVersion string    `json:"fromVersion"`
	ToVersion   string    `json:"toVersion"`
	Reason      string    `json:"reason,omitempty"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// AuditLog appends audit records. Recording the same saga twice keeps the first record.
type AuditLog interface {
	Record(ctx context.Context, record *AuditRecord) error
	Records(ctx context.Context, limit int) ([]*AuditRecord, error)
}

type versionState struct {
	current string
	known   map[string]struct{}
}

// MemorySwitcher is an in-process VersionSwitcher.
type MemorySwitcher struct {
	mu      sync.RWMutex
	targets map[Target]*versionState
}

// NewMemorySwitcher creates an empty switcher.
func NewMemorySwitcher() *MemorySwitcher {
	return &MemorySwitcher{targets: make(map[Target]*versionState)}
}

// Publish registers versions for target and makes current live.
func (m *MemorySwitcher) Publish(target Target, current string, versions ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.targets[target]
	if !ok {
		st = &versionState{known: make(map[string]struct{})}
		m.targets[target] = st
	}
	st.current = current
	st.known[current] = struct{}{}
	for _, v := range versions {
		st.known[v] = struct{}{}
	}
}

func (m *MemorySwitcher) CurrentVersion(ctx context.Context, target Target) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.targets[target]
	if !ok {
		return "", ErrTargetNotFound
	}
	return st.current, nil
}

func (m *MemorySwitcher) HasVersion(ctx context.Context, target Target, version string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.targets[target]
	if !ok {
		return false, ErrTargetNotFound
	}
	_, known := st.known[version]
	return known, nil
}

func (m *MemorySwitcher) SwitchVersion(ctx context.Context, target Target, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.targets[target]
	if !ok {
		return ErrTargetNotFound
	}
	if _, known := st.known[version]; !known {
		return ErrVersionNotFound
	}
	st.current = version
	return nil
}

// MemorySnapshots is an in-process SnapshotStore.
type MemorySnapshots struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{snapshots: make(map[string]Snapshot)}
}

func (m *MemorySnapshots) SaveSnapshot(ctx context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.snapshots[s.SagaID]; !exists {
		m.snapshots[s.SagaID] = *s
	}
	return nil
}

func (m *MemorySnapshots) GetSnapshot(ctx context.Context, sagaID string) (*Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[sagaID]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (m *MemorySnapshots) DropSnapshot(ctx context.Context, sagaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, sagaID)
	return nil
}

// MemoryAuditLog is an in-process AuditLog.
type MemoryAuditLog struct {
	mu      sync.RWMutex
	records map[string]AuditRecord
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{records: make(map[string]AuditRecord)}
}

func (m *MemoryAuditLog) Record(ctx context.Context, record *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[record.SagaID]; !exists {
		m.records[record.SagaID] = *record
	}
	return nil
}

// Records returns the newest records first.
func (m *MemoryAuditLog) Records(ctx context.Context, limit int) ([]*AuditRecord, error) {
	m.mu.RLock()
	out := make([]*AuditRecord, 0, len(m.records))
	for _, r := range m.records {
		r := r
		out = append(out, &r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].SagaID < out[j].SagaID
		}
		return out[i].RecordedAt.After(out[j].RecordedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
