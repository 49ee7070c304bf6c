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
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/pkg/saga"
	"github.com/xilian/saga-orchestrator/pkg/saga/dlq"
	"github.com/xilian/saga-orchestrator/pkg/saga/registry"
	"github.com/xilian/saga-orchestrator/pkg/saga/retry"
)

// storageAbort stops the retry loop when a checkpoint cannot be written.
type storageAbort struct {
	err error
}

func (s *storageAbort) Error() string { return s.err.Error() }
func (s *storageAbort) Unwrap() error { return s.err }

func isPermanentOrAbort(err error) bool {
	var abort *storageAbort
	return errors.As(err, &abort) || saga.IsPermanent(err)
}

// runForward executes step index of inst. The caller holds the instance lock.
func (e *Engine) runForward(ctx context.Context, inst *saga.SagaInstance, def *registry.Definition, index int) error {
	if inst.Status != saga.StatusRunning || inst.CurrentStepIndex != index {
		e.logger.Debug("dropping stale forward unit",
			zap.String("saga_id", inst.ID),
			zap.String("status", string(inst.Status)),
			zap.Int("current_step", inst.CurrentStepIndex),
			zap.Int("unit_step", index))
		return nil
	}
	step, ok := def.Step(index)
	if !ok {
		return e.complete(ctx, inst)
	}

	cps, err := e.store.ReadCheckpoints(ctx, inst.ID)
	if err != nil {
		return err
	}
	prev := checkpointAt(cps, index)
	if prev != nil && prev.Outcome == saga.OutcomeSucceeded {
		// the step finished before a crash; only the advance was lost
		return e.advance(ctx, inst, def, index)
	}
	base := 0
	if prev != nil {
		base = prev.Attempts
	}

	e.publish(stepEvent(saga.EventStepStarted, inst, index, step.Name, base+1))

	spanCtx, span := e.startSpan(e.ctx, "saga.step", inst, index, step.Name)
	defer span.End()

	var lastErr error
	attemptFn := func(attemptCtx context.Context, attempt int) error {
		pending := &saga.StepCheckpoint{
			SagaID:    inst.ID,
			StepIndex: index,
			StepName:  step.Name,
			Outcome:   saga.OutcomePending,
			Attempts:  base + attempt,
			UpdatedAt: e.now().UTC(),
		}
		if lastErr != nil {
			pending.LastError = saga.TruncateError(lastErr.Error())
		}
		if err := e.store.WriteCheckpoint(ctx, pending); err != nil {
			return &storageAbort{err: err}
		}

		sc := saga.StepContext{
			SagaID:    inst.ID,
			SagaName:  inst.Name,
			StepIndex: index,
			StepName:  step.Name,
			Attempt:   attempt,
			Params:    inst.Params.Clone(),
		}
		started := e.now()
		err := invoke(attemptCtx, step.Forward, sc, e.stepTimeout(step))
		e.metrics.RecordStepExecuted(inst.Name, step.Name, err == nil, e.now().Sub(started))
		lastErr = err
		return err
	}
	onRetry := func(attempt int, err error) {
		e.metrics.RecordStepRetried(inst.Name, step.Name, base+attempt)
		ev := stepEvent(saga.EventStepRetrying, inst, index, step.Name, base+attempt)
		ev.Error = err.Error()
		e.publish(ev)
		e.logger.Warn("step attempt failed, retrying",
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
		return e.succeedStep(ctx, inst, def, step, index, base+res.Attempts)
	case errors.Is(runErr, retry.ErrRetryAborted):
		span.SetStatus(codes.Error, "aborted")
		e.logger.Info("step aborted by shutdown",
			zap.String("saga_id", inst.ID),
			zap.String("step_name", step.Name))
		return nil
	case errors.As(runErr, &abort):
		span.RecordError(abort.err)
		span.SetStatus(codes.Error, "checkpoint write failed")
		return abort.err
	default:
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return e.failStep(ctx, inst, step, index, base+res.Attempts, runErr)
	}
}

func (e *Engine) succeedStep(ctx context.Context, inst *saga.SagaInstance, def *registry.Definition, step saga.StepDefinition, index, attempts int) error {
	now := e.now().UTC()
	cp := &saga.StepCheckpoint{
		SagaID:      inst.ID,
		StepIndex:   index,
		StepName:    step.Name,
		Outcome:     saga.OutcomeSucceeded,
		Attempts:    attempts,
		CompletedAt: &now,
		UpdatedAt:   now,
	}
	if err := e.store.WriteCheckpoint(ctx, cp); err != nil {
		return err
	}
	e.publish(stepEvent(saga.EventStepSucceeded, inst, index, step.Name, attempts))
	return e.advance(ctx, inst, def, index)
}

// advance moves the instance past a succeeded step and schedules the next one.
func (e *Engine) advance(ctx context.Context, inst *saga.SagaInstance, def *registry.Definition, index int) error {
	inst.CurrentStepIndex = index + 1
	inst.LastError = ""
	if inst.CurrentStepIndex >= def.Len() {
		return e.complete(ctx, inst)
	}
	if err := e.saveInstance(ctx, inst); err != nil {
		return err
	}
	e.enqueue(workUnit{sagaID: inst.ID, phase: phaseForward, stepIndex: inst.CurrentStepIndex})
	return nil
}

func (e *Engine) complete(ctx context.Context, inst *saga.SagaInstance) error {
	inst.Status = saga.StatusCompleted
	inst.CurrentStepIndex = inst.TotalSteps
	inst.LastError = ""
	if err := e.saveInstance(ctx, inst); err != nil {
		return err
	}
	e.finish(inst, saga.EventSagaCompleted)
	return nil
}

// failStep handles a step that exhausted its retries: compensable steps roll
// the saga back, the others are parked in the dead-letter queue.
func (e *Engine) failStep(ctx context.Context, inst *saga.SagaInstance, step saga.StepDefinition, index, attempts int, cause error) error {
	msg := saga.TruncateError(cause.Error())
	cp := &saga.StepCheckpoint{
		SagaID:    inst.ID,
		StepIndex: index,
		StepName:  step.Name,
		Outcome:   saga.OutcomeFailed,
		Attempts:  attempts,
		LastError: msg,
		UpdatedAt: e.now().UTC(),
	}
	if err := e.store.WriteCheckpoint(ctx, cp); err != nil {
		return err
	}
	ev := stepEvent(saga.EventStepFailed, inst, index, step.Name, attempts)
	ev.Error = msg
	e.publish(ev)

	e.logger.Warn("step exhausted its retries",
		zap.String("saga_id", inst.ID),
		zap.String("step_name", step.Name),
		zap.Int("attempts", attempts),
		zap.Bool("compensate", step.CompensatesOnFailure()),
		zap.Error(cause))

	if step.CompensatesOnFailure() {
		inst.Status = saga.StatusCompensating
		inst.LastError = msg
		if err := e.saveInstance(ctx, inst); err != nil {
			return err
		}
		started := newEvent(saga.EventCompensationStarted, inst)
		started.Error = msg
		e.publish(started)
		return e.scheduleCompensation(ctx, inst)
	}

	entry, err := e.deadLetters.Push(ctx, dlq.Failure{
		SagaID:    inst.ID,
		SagaName:  inst.Name,
		StepIndex: index,
		StepName:  step.Name,
		Kind:      saga.DeadLetterForward,
		Err:       cause,
	})
	if err != nil {
		// the instance stays running and is dispatched again
		return err
	}
	e.metrics.RecordDeadLetter(inst.Name, step.Name, saga.DeadLetterForward)

	inst.Status = saga.StatusPartial
	eventType := saga.EventSagaPartial
	if index == 0 {
		inst.Status = saga.StatusFailed
		eventType = saga.EventSagaFailed
	}
	inst.LastError = msg
	if err := e.saveInstance(ctx, inst); err != nil {
		return err
	}

	created := stepEvent(saga.EventDeadLetterCreated, inst, index, step.Name, attempts)
	created.DeadLetterID = entry.ID
	created.Error = entry.ErrorMessage
	e.publish(created)
	e.finish(inst, eventType)
	return nil
}

func (e *Engine) stepTimeout(step saga.StepDefinition) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return e.cfg.StepTimeout
}

func (e *Engine) backoffFor(step saga.StepDefinition) retry.BackoffPolicy {
	if step.Backoff != nil {
		return step.Backoff
	}
	return e.defaultBackoff
}

func (e *Engine) startSpan(ctx context.Context, name string, inst *saga.SagaInstance, index int, stepName string) (context.Context, oteltrace.Span) {
	return e.tracer.Start(ctx, name,
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(
			attribute.String("saga.id", inst.ID),
			attribute.String("saga.name", inst.Name),
			attribute.Int("saga.step.index", index),
			attribute.String("saga.step.name", stepName),
		))
}

// invoke runs action once under timeout. A panicking action fails the attempt.
func invoke(ctx context.Context, action saga.ActionFunc, sc saga.StepContext, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("step %s panicked: %v", sc.StepName, r)
			}
		}()
		done <- action(ctx, sc)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("step %s: %w", sc.StepName, ctx.Err())
	}
}
