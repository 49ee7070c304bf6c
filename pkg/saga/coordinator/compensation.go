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
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/pkg/saga"
	"github.com/xilian/saga-orchestrator/pkg/saga/dlq"
	"github.com/xilian/saga-orchestrator/pkg/saga/registry"
	"github.com/xilian/saga-orchestrator/pkg/saga/retry"
)

// scheduleCompensation enqueues the highest succeeded step below the
// instance's current index, or the final unit when none is left.
func (e *Engine) scheduleCompensation(ctx context.Context, inst *saga.SagaInstance) error {
	unit, err := e.compensationUnit(ctx, inst)
	if err != nil {
		return err
	}
	e.enqueue(unit)
	return nil
}

func (e *Engine) compensationUnit(ctx context.Context, inst *saga.SagaInstance) (workUnit, error) {
	cps, err := e.store.ReadCheckpoints(ctx, inst.ID)
	if err != nil {
		return workUnit{}, err
	}
	return workUnit{
		sagaID:    inst.ID,
		phase:     phaseCompensate,
		stepIndex: highestSucceeded(cps, inst.CurrentStepIndex),
	}, nil
}

// runCompensation undoes step target of a compensating instance. Steps are
// undone strictly in reverse order, one unit at a time; target -1 means every
// succeeded step has been undone. The caller holds the instance lock.
func (e *Engine) runCompensation(ctx context.Context, inst *saga.SagaInstance, def *registry.Definition, target int) error {
	if inst.Status != saga.StatusCompensating {
		e.logger.Debug("dropping stale compensation unit",
			zap.String("saga_id", inst.ID),
			zap.String("status", string(inst.Status)),
			zap.Int("unit_step", target))
		return nil
	}
	cps, err := e.store.ReadCheckpoints(ctx, inst.ID)
	if err != nil {
		return err
	}
	if expected := highestSucceeded(cps, inst.CurrentStepIndex); expected != target {
		e.logger.Debug("dropping out of order compensation unit",
			zap.String("saga_id", inst.ID),
			zap.Int("expected_step", expected),
			zap.Int("unit_step", target))
		return nil
	}
	if target < 0 {
		inst.Status = saga.StatusCompensated
		if err := e.saveInstance(ctx, inst); err != nil {
			return err
		}
		e.finish(inst, saga.EventSagaCompensated)
		return nil
	}

	step, ok := def.Step(target)
	if !ok {
		return saga.NewValidationError("checkpoint refers to an unknown step", nil).
			WithDetail("stepIndex", target)
	}
	action := step.Compensate
	if action == nil {
		action = saga.NoopAction
	}
	cp := checkpointAt(cps, target).Clone()
	base := cp.CompensationAttempts

	spanCtx, span := e.startSpan(e.ctx, "saga.compensate", inst, target, step.Name)
	defer span.End()

	attemptFn := func(attemptCtx context.Context, attempt int) error {
		cp.CompensationAttempts = base + attempt
		cp.UpdatedAt = e.now().UTC()
		if err := e.store.WriteCheckpoint(ctx, cp); err != nil {
			return &storageAbort{err: err}
		}
		sc := saga.StepContext{
			SagaID:    inst.ID,
			SagaName:  inst.Name,
			StepIndex: target,
			StepName:  step.Name,
			Attempt:   attempt,
			Params:    inst.Params.Clone(),
		}
		started := e.now()
		err := invoke(attemptCtx, action, sc, e.stepTimeout(step))
		e.metrics.RecordCompensationExecuted(inst.Name, step.Name, err == nil, e.now().Sub(started))
		return err
	}
	onRetry := func(attempt int, err error) {
		e.logger.Warn("compensation attempt failed, retrying",
			zap.String("saga_id", inst.ID),
			zap.String("step_name", step.Name),
			zap.Int("attempt", base+attempt),
			zap.Error(err))
	}

	res, runErr := retry.Run(spanCtx, step.MaxRetries, e.backoffFor(step), attemptFn,
		retry.WithPermanentClassifier(isPermanentOrAbort),
		retry.WithOnRetry(onRetry),
	)
	span.SetAttributes(attribute.Int("saga.step.attempts", res.Attempts))

	var abort *storageAbort
	switch {
	case runErr == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(runErr, retry.ErrRetryAborted):
		span.SetStatus(codes.Error, "aborted")
		return nil
	case errors.As(runErr, &abort):
		span.RecordError(abort.err)
		span.SetStatus(codes.Error, "checkpoint write failed")
		return abort.err
	default:
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return e.failCompensation(ctx, inst, step, cp, runErr)
	}

	now := e.now().UTC()
	cp.Outcome = saga.OutcomeCompensated
	cp.CompensatedAt = &now
	cp.UpdatedAt = now
	if err := e.store.WriteCheckpoint(ctx, cp); err != nil {
		return err
	}
	e.publish(stepEvent(saga.EventCompensationStepSucceeded, inst, target, step.Name, cp.CompensationAttempts))
	e.enqueue(workUnit{
		sagaID:    inst.ID,
		phase:     phaseCompensate,
		stepIndex: highestSucceeded(cps, target),
	})
	return nil
}

// failCompensation parks an exhausted compensation and fails the saga.
func (e *Engine) failCompensation(ctx context.Context, inst *saga.SagaInstance, step saga.StepDefinition, cp *saga.StepCheckpoint, cause error) error {
	failure := saga.NewCompensationFailure(step.Name, cause)
	msg := saga.TruncateError(failure.Error())

	cp.LastError = msg
	cp.UpdatedAt = e.now().UTC()
	if err := e.store.WriteCheckpoint(ctx, cp); err != nil {
		return err
	}
	entry, err := e.deadLetters.Push(ctx, dlq.Failure{
		SagaID:    inst.ID,
		SagaName:  inst.Name,
		StepIndex: cp.StepIndex,
		StepName:  step.Name,
		Kind:      saga.DeadLetterCompensation,
		Err:       cause,
	})
	if err != nil {
		// the instance stays compensating and is dispatched again
		return err
	}
	e.metrics.RecordDeadLetter(inst.Name, step.Name, saga.DeadLetterCompensation)

	inst.Status = saga.StatusFailed
	inst.LastError = msg
	if err := e.saveInstance(ctx, inst); err != nil {
		return err
	}

	failed := stepEvent(saga.EventCompensationStepFailed, inst, cp.StepIndex, step.Name, cp.CompensationAttempts)
	failed.Error = msg
	e.publish(failed)
	created := stepEvent(saga.EventDeadLetterCreated, inst, cp.StepIndex, step.Name, cp.CompensationAttempts)
	created.DeadLetterID = entry.ID
	created.Error = entry.ErrorMessage
	e.publish(created)
	e.finish(inst, saga.EventSagaFailed)
	return nil
}
