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

// Package saga defines the core data model of the saga orchestrator: saga
// instances, step checkpoints, dead-letter entries, the step contract and the
// error taxonomy shared by every other package.
package saga

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SagaStatus represents the lifecycle state of a saga instance.
type SagaStatus string

const (
	// StatusRunning indicates forward steps are being executed.
	StatusRunning SagaStatus = "running"
	// StatusCompleted indicates every forward step succeeded.
	StatusCompleted SagaStatus = "completed"
	// StatusFailed indicates a no-progress failure or a failed rollback.
	StatusFailed SagaStatus = "failed"
	// StatusCompensating indicates succeeded steps are being rolled back.
	StatusCompensating SagaStatus = "compensating"
	// StatusCompensated indicates every succeeded step was rolled back.
	StatusCompensated SagaStatus = "compensated"
	// StatusPartial indicates progress is frozen until a dead letter is resolved.
	StatusPartial SagaStatus = "partial"
)

// AllStatuses lists every saga status in lifecycle order.
var AllStatuses = []SagaStatus{
	StatusRunning,
	StatusCompensating,
	StatusCompleted,
	StatusCompensated,
	StatusPartial,
	StatusFailed,
}

// String returns the string representation of the status.
func (s SagaStatus) String() string {
	return string(s)
}

// IsValid reports whether s is a known status.
func (s SagaStatus) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the engine stops driving an instance in this status.
// Partial is not terminal: it returns to running once its dead letter is resolved.
func (s SagaStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

// IsActive reports whether workers are expected to advance the instance.
func (s SagaStatus) IsActive() bool {
	return s == StatusRunning || s == StatusCompensating
}

// ParseSagaStatus converts a case-insensitive name into a SagaStatus.
func ParseSagaStatus(value string) (SagaStatus, error) {
	s := SagaStatus(strings.ToLower(strings.TrimSpace(value)))
	if !s.IsValid() {
		return "", NewValidationError(fmt.Sprintf("unknown saga status %q", value), nil)
	}
	return s, nil
}

// CheckpointOutcome is the recorded result of one step of one saga instance.
type CheckpointOutcome string

const (
	// OutcomePending is written before every invocation of the forward action.
	OutcomePending CheckpointOutcome = "pending"
	// OutcomeSucceeded is written once the forward action returned successfully.
	OutcomeSucceeded CheckpointOutcome = "succeeded"
	// OutcomeFailed is written when the forward action exhausted its retries.
	OutcomeFailed CheckpointOutcome = "failed"
	// OutcomeCompensated is written once the compensation action succeeded.
	OutcomeCompensated CheckpointOutcome = "compensated"
)

// String returns the string representation of the outcome.
func (o CheckpointOutcome) String() string {
	return string(o)
}

// Params is the JSON payload a saga was submitted with. It is validated
// against the definition's schema at submission and handed to every action.
type Params json.RawMessage

// EmptyParams is the payload used when a saga is submitted without parameters.
var EmptyParams = Params(`{}`)

// NewParams encodes v as a Params payload.
func NewParams(v interface{}) (Params, error) {
	if raw, ok := v.(Params); ok {
		return raw.normalize(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, NewValidationError("params are not JSON encodable", err)
	}
	return Params(data).normalize(), nil
}

// MustParams is NewParams for literals known to encode.
func MustParams(v interface{}) Params {
	p, err := NewParams(v)
	if err != nil {
		panic(err)
	}
	return p
}

// Decode unmarshals the payload into target.
func (p Params) Decode(target interface{}) error {
	if err := json.Unmarshal(p.normalize(), target); err != nil {
		return NewValidationError("decode saga params", err)
	}
	return nil
}

// MarshalJSON embeds the payload verbatim.
func (p Params) MarshalJSON() ([]byte, error) {
	return p.normalize(), nil
}

// UnmarshalJSON stores a copy of the raw payload.
func (p *Params) UnmarshalJSON(data []byte) error {
	if p == nil {
		return fmt.Errorf("saga: UnmarshalJSON on nil Params")
	}
	*p = append((*p)[0:0], data...)
	return nil
}

func (p Params) normalize() Params {
	trimmed := strings.TrimSpace(string(p))
	if trimmed == "" || trimmed == "null" {
		return EmptyParams
	}
	return p
}

// Clone returns an independent copy of the payload.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	copy(out, p)
	return out
}

// SagaInstance is one execution of a registered saga definition.
type SagaInstance struct {
	ID               string     `json:"sagaId"`
	Name             string     `json:"sagaName"`
	Status           SagaStatus `json:"status"`
	CurrentStepIndex int        `json:"currentStepIndex"`
	TotalSteps       int        `json:"totalSteps"`
	Params           Params     `json:"params"`
	LastError        string     `json:"lastError,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy of the instance.
func (s *SagaInstance) Clone() *SagaInstance {
	if s == nil {
		return nil
	}
	c := *s
	c.Params = s.Params.Clone()
	return &c
}

// StepCheckpoint is the durable outcome of one step of one saga instance.
// There is exactly one checkpoint per (SagaID, StepIndex); writes replace it.
type StepCheckpoint struct {
	SagaID               string            `json:"sagaId"`
	StepIndex            int               `json:"stepIndex"`
	StepName             string            `json:"stepName"`
	Outcome              CheckpointOutcome `json:"outcome"`
	Attempts             int               `json:"attempts"`
	CompensationAttempts int               `json:"compensationAttempts,omitempty"`
	LastError            string            `json:"lastError,omitempty"`
	CompletedAt          *time.Time        `json:"completedAt,omitempty"`
	CompensatedAt        *time.Time        `json:"compensatedAt,omitempty"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy of the checkpoint.
func (c *StepCheckpoint) Clone() *StepCheckpoint {
	if c == nil {
		return nil
	}
	out := *c
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	if c.CompensatedAt != nil {
		t := *c.CompensatedAt
		out.CompensatedAt = &t
	}
	return &out
}

// DeadLetterKind tells which action of a step exhausted its retries.
type DeadLetterKind string

const (
	// DeadLetterForward marks a forward action that could not complete.
	DeadLetterForward DeadLetterKind = "forward"
	// DeadLetterCompensation marks a compensation action that could not complete.
	DeadLetterCompensation DeadLetterKind = "compensation"
)

// MaxErrorMessageLength bounds the error text kept on a dead-letter entry.
const MaxErrorMessageLength = 2048

// DeadLetterEntry holds a step that needs operator action.
type DeadLetterEntry struct {
	ID           string         `json:"id"`
	SagaID       string         `json:"sagaId"`
	SagaName     string         `json:"sagaName"`
	StepIndex    int            `json:"stepIndex"`
	StepName     string         `json:"stepName"`
	Kind         DeadLetterKind `json:"kind"`
	ErrorMessage string         `json:"errorMessage"`
	RetryCount   int            `json:"retryCount"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Clone returns a copy of the entry.
func (d *DeadLetterEntry) Clone() *DeadLetterEntry {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// TruncateError shortens msg to MaxErrorMessageLength bytes without splitting a rune.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorMessageLength {
		return msg
	}
	cut := MaxErrorMessageLength
	for cut > 0 && !isRuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// SagaFilter narrows instance listings. Results are ordered by creation time.
type SagaFilter struct {
	Statuses []SagaStatus
	Name     string
	Limit    int
	Offset   int
}

// Matches reports whether instance passes the status and name criteria.
func (f SagaFilter) Matches(instance *SagaInstance) bool {
	if f.Name != "" && instance.Name != f.Name {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if instance.Status == s {
			return true
		}
	}
	return false
}

// DeadLetterFilter narrows dead-letter listings. Results are ordered by creation time.
type DeadLetterFilter struct {
	SagaID string
	Kind   DeadLetterKind
	Limit  int
	Offset int
}

// Matches reports whether entry passes the saga and kind criteria.
func (f DeadLetterFilter) Matches(entry *DeadLetterEntry) bool {
	if f.SagaID != "" && entry.SagaID != f.SagaID {
		return false
	}
	if f.Kind != "" && entry.Kind != f.Kind {
		return false
	}
	return true
}

// Page applies offset and limit to n ordered items and returns the [start, end) window.
func Page(n, offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}

// OrchestratorMetrics is derived from instance state and never persisted.
type OrchestratorMetrics struct {
	IsRunning       bool `json:"isRunning"`
	RegisteredSagas int  `json:"registeredSagas"`
	TotalExecuted   int  `json:"totalExecuted"`
	Completed       int  `json:"completed"`
	Compensated     int  `json:"compensated"`
	Failed          int  `json:"failed"`
}

// Stats summarises every saga instance and the dead-letter backlog.
type Stats struct {
	Total               int                 `json:"total"`
	Running             int                 `json:"running"`
	Completed           int                 `json:"completed"`
	Failed              int                 `json:"failed"`
	Compensating        int                 `json:"compensating"`
	Compensated         int                 `json:"compensated"`
	Partial             int                 `json:"partial"`
	DeadLetters         int                 `json:"deadLetters"`
	OrchestratorMetrics OrchestratorMetrics `json:"orchestratorMetrics"`
}

// SagaEventType names a notification emitted by the engine.
type SagaEventType string

const (
	EventSagaStarted               SagaEventType = "saga.started"
	EventStepStarted               SagaEventType = "saga.step.started"
	EventStepSucceeded             SagaEventType = "saga.step.succeeded"
	EventStepFailed                SagaEventType = "saga.step.failed"
	EventStepRetrying              SagaEventType = "saga.step.retrying"
	EventCompensationStarted       SagaEventType = "saga.compensation.started"
	EventCompensationStepSucceeded SagaEventType = "saga.compensation.step.succeeded"
	EventCompensationStepFailed    SagaEventType = "saga.compensation.step.failed"
	EventSagaCompleted             SagaEventType = "saga.completed"
	EventSagaCompensated           SagaEventType = "saga.compensated"
	EventSagaFailed                SagaEventType = "saga.failed"
	EventSagaPartial               SagaEventType = "saga.partial"
	EventSagaResumed               SagaEventType = "saga.resumed"
	EventDeadLetterCreated         SagaEventType = "deadletter.created"
	EventDeadLetterResolved        SagaEventType = "deadletter.resolved"
	EventDeadLetterRetryFailed     SagaEventType = "deadletter.retry_failed"
)

// SagaEvent is published on the engine's event bus and forwarded to brokers.
type SagaEvent struct {
	ID           string        `json:"id"`
	Type         SagaEventType `json:"type"`
	SagaID       string        `json:"sagaId"`
	SagaName     string        `json:"sagaName"`
	Status       SagaStatus    `json:"status,omitempty"`
	StepIndex    int           `json:"stepIndex"`
	StepName     string        `json:"stepName,omitempty"`
	Attempt      int           `json:"attempt,omitempty"`
	DeadLetterID string        `json:"deadLetterId,omitempty"`
	Error        string        `json:"error,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}
