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
	"time"

	"github.com/xilian/saga-orchestrator/pkg/saga/retry"
)

// StepContext describes the invocation an action is running for.
type StepContext struct {
	SagaID    string
	SagaName  string
	StepIndex int
	StepName  string
	// Attempt is 1 for the first invocation within one execution pass.
	Attempt int
	Params  Params
}

// ActionFunc is a forward or compensation action. Actions must be idempotent
// and must honor ctx, which carries the step's execution deadline. Returning
// an error wrapped with Permanent skips the remaining retries.
type ActionFunc func(ctx context.Context, sc StepContext) error

// NoopAction is a compensation that has nothing to undo.
func NoopAction(context.Context, StepContext) error { return nil }

// Typed adapts an action that works on a decoded params struct. A payload that
// does not decode into T fails permanently.
func Typed[T any](fn func(ctx context.Context, sc StepContext, params T) error) ActionFunc {
	return func(ctx context.Context, sc StepContext) error {
		var params T
		if err := sc.Params.Decode(&params); err != nil {
			return Permanent(err)
		}
		return fn(ctx, sc, params)
	}
}

// StepDefinition is the unit of work of a saga definition.
type StepDefinition struct {
	// Name identifies the step within its saga; it must be unique there.
	Name string

	// Forward performs the step.
	Forward ActionFunc

	// Compensate undoes a succeeded Forward. Nil means the step cannot be
	// compensated, and its exhausted failures go to the dead-letter queue.
	Compensate ActionFunc

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Backoff computes the delay before each retry. Nil uses the engine default.
	Backoff retry.BackoffPolicy

	// Timeout bounds each invocation. Zero uses the engine default.
	Timeout time.Duration

	// DeadLetterOnFailure parks exhausted failures in the dead-letter queue even
	// when a compensation action exists.
	DeadLetterOnFailure bool
}

// CompensatesOnFailure reports whether exhausting this step's retries rolls the
// saga back rather than freezing it in the dead-letter queue.
func (s StepDefinition) CompensatesOnFailure() bool {
	return s.Compensate != nil && !s.DeadLetterOnFailure
}
