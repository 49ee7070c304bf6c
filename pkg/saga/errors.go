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
	"errors"
	"fmt"
	"time"
)

// ErrorType groups error codes by how callers should react to them.
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeState        ErrorType = "state"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeStep         ErrorType = "step"
	ErrorTypeCompensation ErrorType = "compensation"
	ErrorTypeSystem       ErrorType = "system"
)

// predefined error codes
const (
	ErrCodeTransientStepFailure = "TRANSIENT_STEP_FAILURE"
	ErrCodePermanentStepFailure = "PERMANENT_STEP_FAILURE"
	ErrCodeCompensationFailed   = "COMPENSATION_FAILED"
	ErrCodeInvalidSagaState     = "INVALID_SAGA_STATE"
	ErrCodeDefinitionNotFound   = "DEFINITION_NOT_FOUND"
	ErrCodeDuplicateDefinition  = "DUPLICATE_DEFINITION"
	ErrCodeSagaNotFound         = "SAGA_NOT_FOUND"
	ErrCodeDeadLetterNotFound   = "DEAD_LETTER_NOT_FOUND"
	ErrCodeValidationError      = "VALIDATION_ERROR"
	ErrCodeStorageError         = "STORAGE_ERROR"
	ErrCodeEngineStopped        = "ENGINE_STOPPED"
)

// SagaError is the structured error returned across package boundaries.
type SagaError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Type      ErrorType              `json:"type"`
	Retryable bool                   `json:"retryable"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
}

// NewSagaError creates a new SagaError with the specified parameters.
func NewSagaError(code, message string, errorType ErrorType, retryable bool) *SagaError {
	return &SagaError{
		Code:      code,
		Message:   message,
		Type:      errorType,
		Retryable: retryable,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an existing error into a SagaError. It returns nil for a nil err.
func WrapError(err error, code, message string, errorType ErrorType, retryable bool) *SagaError {
	if err == nil {
		return nil
	}
	sagaErr := NewSagaError(code, message, errorType, retryable)
	sagaErr.Cause = err
	return sagaErr
}

// Error implements the error interface for SagaError.
func (e *SagaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *SagaError) Unwrap() error {
	return e.Cause
}

// Is matches another SagaError by code so sentinel comparisons work.
func (e *SagaError) Is(target error) bool {
	var other *SagaError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// WithDetail adds a detail to the SagaError.
func (e *SagaError) WithDetail(key string, value interface{}) *SagaError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons; they match any SagaError with the same code.
var (
	ErrTransientStepFailure = NewSagaError(ErrCodeTransientStepFailure, "transient step failure", ErrorTypeStep, true)
	ErrPermanentStepFailure = NewSagaError(ErrCodePermanentStepFailure, "permanent step failure", ErrorTypeStep, false)
	ErrCompensationFailure  = NewSagaError(ErrCodeCompensationFailed, "compensation failed", ErrorTypeCompensation, false)
	ErrInvalidState         = NewSagaError(ErrCodeInvalidSagaState, "invalid saga state", ErrorTypeState, false)
	ErrDefinitionNotFound   = NewSagaError(ErrCodeDefinitionNotFound, "saga definition not found", ErrorTypeNotFound, false)
	ErrDuplicateDefinition  = NewSagaError(ErrCodeDuplicateDefinition, "saga definition already registered", ErrorTypeConflict, false)
	ErrSagaNotFound         = NewSagaError(ErrCodeSagaNotFound, "saga not found", ErrorTypeNotFound, false)
	ErrDeadLetterNotFound   = NewSagaError(ErrCodeDeadLetterNotFound, "dead letter not found", ErrorTypeNotFound, false)
	ErrValidation           = NewSagaError(ErrCodeValidationError, "validation failed", ErrorTypeValidation, false)
	ErrStorage              = NewSagaError(ErrCodeStorageError, "storage failure", ErrorTypeSystem, true)
	ErrEngineStopped        = NewSagaError(ErrCodeEngineStopped, "engine stopped", ErrorTypeSystem, false)
)

// Permanent marks an action failure as permanent: the engine skips the
// remaining retries and goes straight to compensation or the dead-letter queue.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return WrapError(err, ErrCodePermanentStepFailure, "permanent step failure", ErrorTypeStep, false)
}

// NewTransientStepFailure reports a failed attempt that may succeed when retried.
func NewTransientStepFailure(step string, cause error) *SagaError {
	return WrapError(causeOrUnknown(cause), ErrCodeTransientStepFailure,
		fmt.Sprintf("step %q failed", step), ErrorTypeStep, true).
		WithDetail("step", step)
}

// NewCompensationFailure reports a compensation action that exhausted its retries.
func NewCompensationFailure(step string, cause error) *SagaError {
	return WrapError(causeOrUnknown(cause), ErrCodeCompensationFailed,
		fmt.Sprintf("compensation of step %q failed", step), ErrorTypeCompensation, false).
		WithDetail("step", step)
}

// NewInvalidStateError reports an operation that is illegal for the instance's status.
func NewInvalidStateError(sagaID string, status SagaStatus, operation string) *SagaError {
	return NewSagaError(ErrCodeInvalidSagaState,
		fmt.Sprintf("cannot %s saga %s in status %s", operation, sagaID, status), ErrorTypeState, false).
		WithDetail("sagaId", sagaID).
		WithDetail("status", string(status))
}

// NewDefinitionNotFoundError reports an unknown saga name.
func NewDefinitionNotFoundError(name string) *SagaError {
	return NewSagaError(ErrCodeDefinitionNotFound,
		fmt.Sprintf("saga definition %q is not registered", name), ErrorTypeNotFound, false).
		WithDetail("sagaName", name)
}

// NewDuplicateDefinitionError reports a second registration of the same name.
func NewDuplicateDefinitionError(name string) *SagaError {
	return NewSagaError(ErrCodeDuplicateDefinition,
		fmt.Sprintf("saga definition %q is already registered", name), ErrorTypeConflict, false).
		WithDetail("sagaName", name)
}

// NewSagaNotFoundError reports an unknown saga ID.
func NewSagaNotFoundError(sagaID string) *SagaError {
	return NewSagaError(ErrCodeSagaNotFound,
		fmt.Sprintf("saga %s not found", sagaID), ErrorTypeNotFound, false).
		WithDetail("sagaId", sagaID)
}

// NewDeadLetterNotFoundError reports an unknown or already resolved dead-letter ID.
func NewDeadLetterNotFoundError(id string) *SagaError {
	return NewSagaError(ErrCodeDeadLetterNotFound,
		fmt.Sprintf("dead letter %s not found", id), ErrorTypeNotFound, false).
		WithDetail("deadLetterId", id)
}

// NewValidationError reports invalid input; cause may be nil.
func NewValidationError(message string, cause error) *SagaError {
	e := NewSagaError(ErrCodeValidationError, message, ErrorTypeValidation, false)
	e.Cause = cause
	return e
}

// NewStorageError wraps a store failure.
func NewStorageError(op string, cause error) *SagaError {
	return WrapError(causeOrUnknown(cause), ErrCodeStorageError, op, ErrorTypeSystem, true)
}

func causeOrUnknown(err error) error {
	if err == nil {
		return errors.New("unknown error")
	}
	return err
}

func hasCode(err error, code string) bool {
	var sagaErr *SagaError
	for err != nil {
		if !errors.As(err, &sagaErr) {
			return false
		}
		if sagaErr.Code == code {
			return true
		}
		err = sagaErr.Cause
	}
	return false
}

// CodeOf returns the outermost SagaError code in err's chain, or "".
func CodeOf(err error) string {
	var sagaErr *SagaError
	if errors.As(err, &sagaErr) {
		return sagaErr.Code
	}
	return ""
}

// IsTransient reports whether err is a transient step failure.
func IsTransient(err error) bool { return hasCode(err, ErrCodeTransientStepFailure) }

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool { return hasCode(err, ErrCodePermanentStepFailure) }

// IsCompensationFailure reports whether err is a compensation failure.
func IsCompensationFailure(err error) bool { return hasCode(err, ErrCodeCompensationFailed) }

// IsInvalidState reports whether err is an invalid state error.
func IsInvalidState(err error) bool { return hasCode(err, ErrCodeInvalidSagaState) }

// IsDefinitionNotFound reports whether err is an unknown saga name.
func IsDefinitionNotFound(err error) bool { return hasCode(err, ErrCodeDefinitionNotFound) }

// IsDuplicateDefinition reports whether err is a duplicate registration.
func IsDuplicateDefinition(err error) bool { return hasCode(err, ErrCodeDuplicateDefinition) }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidationError) }

// IsNotFound reports whether err names an unknown saga, dead letter or definition.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeSagaNotFound) ||
		hasCode(err, ErrCodeDeadLetterNotFound) ||
		hasCode(err, ErrCodeDefinitionNotFound)
}

// IsStepFailure reports whether err came from a step or compensation action.
func IsStepFailure(err error) bool {
	return IsTransient(err) || IsPermanent(err) || IsCompensationFailure(err)
}
