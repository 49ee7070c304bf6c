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

package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/pkg/saga"
	"github.com/xilian/saga-orchestrator/pkg/saga/registry"
)

// RetryDeadLetter invokes the parked action of a dead-letter entry once.
//
// When the action succeeds the checkpoint is updated, the entry is removed and
// the saga continues: a forward entry resumes the saga, a compensation entry
// continues its rollback. When it fails the entry's retry count and error
// are updated and the failure is returned.
func (e *Engine) RetryDeadLetter(ctx context.Context, entryID string) error {
	if e.isClosed() {
		return saga.ErrEngineStopped
	}
	entry, err := e.deadLetters.Get(ctx, entryID)
	if err != nil {
		return err
	}

	unlock := e.lock(entry.SagaID)
	defer unlock()

	// a concurrent retry may have resolved it while we waited
	entry, err = e.deadLetters.Get(ctx, entryID)
	if err != nil {
		return err
	}
	inst, err := e.store.GetInstance(ctx, entry.SagaID)
	if err != nil {
		return err
	}
	if !retryableStatus(entry.Kind, inst.Status) {
		return saga.NewInvalidStateError(inst.ID, inst.Status, "retry dead letter of")
	}
	def, err := e.registry.Resolve(inst.Name)
	if err != nil {
		return err
	}
	step, ok := def.Step(entry.StepIndex)
	if !ok {
		return saga.NewValidationError("dead letter refers to an unknown step", nil).
			WithDetail("stepIndex", entry.StepIndex)
	}

	cps, err := e.store.ReadCheckpoints(ctx, inst.ID)
	if err != nil {
		return err
	}
	cp := checkpointAt(cps, entry.StepIndex)
	if cp == nil {
		cp = &saga.StepCheckpoint{SagaID: inst.ID, StepIndex: entry.StepIndex, StepName: step.Name}
	} else {
		cp = cp.Clone()
	}

	sc := saga.StepContext{
		SagaID:    inst.ID,
		SagaName:  inst.Name,
		StepIndex: entry.StepIndex,
		StepName:  step.Name,
		Attempt:   entry.RetryCount + 1,
		Params:    inst.Params.Clone(),
	}

	if entry.Kind == saga.DeadLetterCompensation {
		return e.retryCompensation(ctx, inst, step, cp, entry, sc)
	}
	return e.retryForward(ctx, inst, def, step, cp, entry, sc)
}

func retryableStatus(kind saga.DeadLetterKind, status saga.SagaStatus) bool {
	if kind == saga.DeadLetterCompensation {
		return status == saga.StatusFailed
	}
	return status == saga.StatusPartial || status == saga.StatusFailed
}

func (e *Engine) retryForward(ctx context.Context, inst *saga.SagaInstance, def *registry.Definition, step saga.StepDefinition, cp *saga.StepCheckpoint, entry *saga.DeadLetterEntry, sc saga.StepContext) error {
	started := e.now()
	invokeErr := invoke(ctx, step.Forward, sc, e.stepTimeout(step))
	e.metrics.RecordStepExecuted(inst.Name, step.Name, invokeErr == nil, e.now().Sub(started))

	now := e.now().UTC()
	cp.StepName = step.Name
	cp.Attempts++
	cp.UpdatedAt = now

	if invokeErr != nil {
		cp.Outcome = saga.OutcomeFailed
		cp.LastError = saga.TruncateError(invokeErr.Error())
		if err := e.store.WriteCheckpoint(ctx, cp); err != nil {
			return err
		}
		return e.recordRetryFailure(ctx, inst, entry, invokeErr, saga.NewTransientStepFailure(step.Name, invokeErr))
	}

	cp.Outcome = saga.OutcomeSucceeded
	cp.LastError = ""
	cp.CompletedAt = &now
	if err := e.store.WriteCheckpoint(ctx, cp); err != nil {
		return err
	}
	if err := e.resolve(ctx, inst, entry); err != nil {
		return err
	}

	pending, err := e.deadLetters.Pending(ctx, inst.ID)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}
	return e.resumeLocked(ctx, inst, def)
}

func (e *Engine) retryCompensation(ctx context.Context, inst *saga.SagaInstance, step saga.StepDefinition, cp *saga.StepCheckpoint, entry *saga.DeadLetterEntry, sc saga.StepContext) error {
	action := step.Compensate
	if action == nil {
		action = saga.NoopAction
	}
	started := e.now()
	invokeErr := invoke(ctx, action, sc, e.stepTimeout(step))
	e.metrics.RecordCompensationExecuted(inst.Name, step.Name, invokeErr == nil, e.now().Sub(started))

	now := e.now().UTC()
	cp.CompensationAttempts++
	cp.UpdatedAt = now

	if invokeErr != nil {
		cp.LastError = saga.TruncateError(invokeErr.Error())
		if err := e.store.WriteCheckpoint(ctx, cp); err != nil {
			return err
		}
		return e.recordRetryFailure(ctx, inst, entry, invokeErr, saga.NewCompensationFailure(step.Name, invokeErr))
	}

	cp.Outcome = saga.OutcomeCompensated
	cp.LastError = ""
	cp.CompensatedAt = &now
	if err := e.store.WriteCheckpoint(ctx, cp); err != nil {
		return err
	}
	if err := e.resolve(ctx, inst, entry); err != nil {
		return err
	}

	inst.Status = saga.StatusCompensating
	if err := e.saveInstance(ctx, inst); err != nil {
		return err
	}
	e.logger.Info("compensation continued after dead letter retry",
		zap.String("saga_id", inst.ID),
		zap.String("step_name", step.Name))
	return e.scheduleCompensation(ctx, inst)
}

func (e *Engine) resolve(ctx context.Context, inst *saga.SagaInstance, entry *saga.DeadLetterEntry) error {
	if err := e.deadLetters.Resolve(ctx, entry); err != nil {
		return err
	}
	ev := stepEvent(saga.EventDeadLetterResolved, inst, entry.StepIndex, entry.StepName, entry.RetryCount+1)
	ev.DeadLetterID = entry.ID
	e.publish(ev)
	return nil
}

// recordRetryFailure updates the entry and returns the step failure. Errors
// already classified as step failures are returned unchanged.
func (e *Engine) recordRetryFailure(ctx context.Context, inst *saga.SagaInstance, entry *saga.DeadLetterEntry, cause, wrapped error) error {
	updated, err := e.deadLetters.RecordFailure(ctx, entry, cause)
	if err != nil {
		return err
	}
	ev := stepEvent(saga.EventDeadLetterRetryFailed, inst, updated.StepIndex, updated.StepName, updated.RetryCount)
	ev.DeadLetterID = updated.ID
	ev.Error = updated.ErrorMessage
	e.publish(ev)

	if saga.IsStepFailure(cause) {
		return cause
	}
	return wrapped
}
