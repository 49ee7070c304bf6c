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

// Package coordinator implements the saga execution engine. The engine drives
// registered saga definitions step by step on a pool of workers, checkpoints
// every step outcome, retries failed steps with backoff, compensates succeeded
// steps in reverse order and parks unrecoverable steps in the dead-letter queue.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/pkg/logger"
	"github.com/xilian/saga-orchestrator/pkg/saga"
	"github.com/xilian/saga-orchestrator/pkg/saga/dlq"
	"github.com/xilian/saga-orchestrator/pkg/saga/events"
	"github.com/xilian/saga-orchestrator/pkg/saga/registry"
	"github.com/xilian/saga-orchestrator/pkg/saga/retry"
)

const tracerName = "github.com/xilian/saga-orchestrator/pkg/saga/coordinator"

var (
	// ErrEngineAlreadyStarted is returned by a second call to Start.
	ErrEngineAlreadyStarted = errors.New("engine already started")

	// ErrRegistryNotConfigured indicates New was called without a registry.
	ErrRegistryNotConfigured = errors.New("saga registry not configured")

	// ErrStoreNotConfigured indicates New was called without a store.
	ErrStoreNotConfigured = errors.New("saga store not configured")
)

// Engine executes saga instances.
//
// Every state transition of an instance happens while holding that instance's
// lock, so Submit, Resume, RetryDeadLetter and the workers can run concurrently
// without corrupting checkpoints. Work units that no longer match the
// persisted state when a worker picks them up are dropped.
type Engine struct {
	cfg      *Config
	registry *registry.Registry
	store    saga.Store

	// deadLetters parks steps that exhausted their retries.
	deadLetters *dlq.Queue

	// bus carries lifecycle notifications; ownsBus is set when New created it.
	bus     *events.Bus
	ownsBus bool

	metrics MetricsCollector
	tracer  oteltrace.Tracer
	logger  *zap.Logger
	now     func() time.Time

	defaultBackoff retry.BackoffPolicy

	queue *workQueue
	locks *xsync.MapOf[string, *sagaLock]

	// ctx is canceled by Close and aborts running actions and backoff waits.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithDeadLetterQueue sets the dead-letter queue. By default the engine
// creates one on top of its store.
func WithDeadLetterQueue(q *dlq.Queue) Option {
	return func(e *Engine) {
		e.deadLetters = q
	}
}

// WithEventBus publishes engine events on bus. The caller keeps ownership of
// a bus passed this way and closes it after the engine.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithMetricsCollector records engine measurements in collector.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(e *Engine) {
		e.metrics = collector
	}
}

// WithTracer sets the tracer used for step and compensation spans.
func WithTracer(tracer oteltrace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an engine. Work may be submitted before Start; it is queued
// until the workers run.
func New(cfg *Config, reg *registry.Registry, store saga.Store, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if reg == nil {
		return nil, ErrRegistryNotConfigured
	}
	if store == nil {
		return nil, ErrStoreNotConfigured
	}

	e := &Engine{
		cfg:            cfg,
		registry:       reg,
		store:          store,
		logger:         logger.GetLogger().Named("coordinator"),
		now:            time.Now,
		defaultBackoff: cfg.Backoff.Policy(),
		queue:          newWorkQueue(),
		locks:          xsync.NewMapOf[string, *sagaLock](),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.deadLetters == nil {
		e.deadLetters = dlq.New(store)
	}
	if e.bus == nil {
		e.bus = events.NewBus()
		e.ownsBus = true
	}
	if e.metrics == nil {
		e.metrics = &noOpMetricsCollector{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Start launches the worker pool and, when configured, re-enqueues every
// running and compensating instance left behind by a previous process.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return saga.ErrEngineStopped
	}
	if e.started {
		e.mu.Unlock()
		return ErrEngineAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.logger.Info("saga engine started", zap.Int("workers", e.cfg.Workers))

	if !e.cfg.RecoverOnStart {
		return nil
	}
	n, err := e.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover sagas: %w", err)
	}
	if n > 0 {
		e.logger.Info("recovered in-flight sagas", zap.Int("count", n))
	}
	return nil
}

// Close stops accepting work, aborts running actions and backoff waits and
// waits for the workers until ctx ends. Queued units are dropped; the
// instances they belong to are picked up again by Recover.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.queue.close()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timed out waiting for saga workers: %w", ctx.Err())
	}
	if e.ownsBus {
		e.bus.Close()
	}
	e.logger.Info("saga engine stopped")
	return err
}

// IsRunning reports whether the workers are running.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.closed
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Submit persists a new running instance of the named saga and schedules
// its first step. It returns without waiting for any step to run.
func (e *Engine) Submit(ctx context.Context, name string, params interface{}) (string, error) {
	if e.isClosed() {
		return "", saga.ErrEngineStopped
	}
	def, err := e.registry.Resolve(name)
	if err != nil {
		return "", err
	}
	payload, err := saga.NewParams(params)
	if err != nil {
		return "", err
	}
	if err := def.ValidateParams(payload); err != nil {
		return "", err
	}

	now := e.now().UTC()
	inst := &saga.SagaInstance{
		ID:         uuid.NewString(),
		Name:       def.Name,
		Status:     saga.StatusRunning,
		TotalSteps: def.Len(),
		Params:     payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return "", fmt.Errorf("failed to persist saga %s: %w", name, err)
	}

	e.metrics.RecordSagaStarted(inst.Name)
	e.publish(newEvent(saga.EventSagaStarted, inst))
	e.logger.Info("saga submitted",
		zap.String("saga_id", inst.ID),
		zap.String("saga_name", inst.Name),
		zap.Int("total_steps", inst.TotalSteps))

	e.enqueue(workUnit{sagaID: inst.ID, phase: phaseForward, stepIndex: 0})
	return inst.ID, nil
}

// Resume restarts forward execution of a running or partial instance from
// its first step without a succeeded checkpoint. A partial instance with
// unresolved dead letters cannot be resumed.
func (e *Engine) Resume(ctx context.Context, sagaID string) error {
	if e.isClosed() {
		return saga.ErrEngineStopped
	}
	unlock := e.lock(sagaID)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, sagaID)
	if err != nil {
		return err
	}
	switch inst.Status {
	case saga.StatusRunning:
	case saga.StatusPartial:
		pending, err := e.deadLetters.Pending(ctx, sagaID)
		if err != nil {
			return err
		}
		if pending {
			return saga.NewInvalidStateError(sagaID, inst.Status, "resume").
				WithDetail("reason", "unresolved dead letters")
		}
	default:
		return saga.NewInvalidStateError(sagaID, inst.Status, "resume")
	}

	def, err := e.registry.Resolve(inst.Name)
	if err != nil {
		return err
	}
	return e.resumeLocked(ctx, inst, def)
}

// resumeLocked moves inst back to running at its first non-succeeded step.
// The caller holds the instance lock.
func (e *Engine) resumeLocked(ctx context.Context, inst *saga.SagaInstance, def *registry.Definition) error {
	cps, err := e.store.ReadCheckpoints(ctx, inst.ID)
	if err != nil {
		return err
	}
	next := firstNonSucceeded(cps)
	if next > def.Len() {
		next = def.Len()
	}

	inst.Status = saga.StatusRunning
	inst.CurrentStepIndex = next
	inst.LastError = ""
	if next >= def.Len() {
		return e.complete(ctx, inst)
	}
	if err := e.saveInstance(ctx, inst); err != nil {
		return err
	}

	e.publish(newEvent(saga.EventSagaResumed, inst))
	e.logger.Info("saga resumed",
		zap.String("saga_id", inst.ID),
		zap.Int("step_index", next))
	e.enqueue(workUnit{sagaID: inst.ID, phase: phaseForward, stepIndex: next})
	return nil
}

// Recover schedules every running and compensating instance and returns how
// many were found. Work already queued for them is deduplicated by the workers.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	insts, err := e.store.ListInstances(ctx, saga.SagaFilter{
		Statuses: []saga.SagaStatus{saga.StatusRunning, saga.StatusCompensating},
	})
	if err != nil {
		return 0, err
	}
	for _, inst := range insts {
		if err := e.schedule(ctx, inst, 0); err != nil {
			return 0, err
		}
	}
	return len(insts), nil
}

// schedule enqueues the unit matching the persisted state of inst. Instances
// that are neither running nor compensating need no work.
func (e *Engine) schedule(ctx context.Context, inst *saga.SagaInstance, failures int) error {
	switch inst.Status {
	case saga.StatusRunning:
		e.enqueue(workUnit{sagaID: inst.ID, phase: phaseForward, stepIndex: inst.CurrentStepIndex, failures: failures})
	case saga.StatusCompensating:
		unit, err := e.compensationUnit(ctx, inst)
		if err != nil {
			return err
		}
		unit.failures = failures
		e.enqueue(unit)
	}
	return nil
}

// Get returns the instance.
func (e *Engine) Get(ctx context.Context, sagaID string) (*saga.SagaInstance, error) {
	return e.store.GetInstance(ctx, sagaID)
}

// ListSagas returns instances ordered by creation time.
func (e *Engine) ListSagas(ctx context.Context, filter saga.SagaFilter) ([]*saga.SagaInstance, error) {
	return e.store.ListInstances(ctx, filter)
}

// Checkpoints returns the instance's checkpoints ordered by step index.
func (e *Engine) Checkpoints(ctx context.Context, sagaID string) ([]*saga.StepCheckpoint, error) {
	if _, err := e.store.GetInstance(ctx, sagaID); err != nil {
		return nil, err
	}
	return e.store.ReadCheckpoints(ctx, sagaID)
}

// Subscribe returns a channel of engine events of the given types, or of
// every type when none is given, and a function that ends the subscription.
func (e *Engine) Subscribe(types ...saga.SagaEventType) (<-chan *saga.SagaEvent, func()) {
	return e.bus.Subscribe(types...)
}

// Bus returns the event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// DeadLetters returns the dead-letter queue.
func (e *Engine) DeadLetters() *dlq.Queue { return e.deadLetters }

// Registry returns the definition registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// QueueDepth returns the number of queued work units.
func (e *Engine) QueueDepth() int { return e.queue.len() }

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		unit, ok := e.queue.pop(e.ctx)
		if !ok {
			return
		}
		e.process(unit)
	}
}

func (e *Engine) process(unit workUnit) {
	err := e.run(unit)
	if err == nil {
		return
	}
	e.logger.Error("work unit failed",
		zap.String("saga_id", unit.sagaID),
		zap.String("phase", unit.phase.String()),
		zap.Int("step_index", unit.stepIndex),
		zap.Error(err))
	if saga.IsValidation(err) {
		return
	}
	e.retryLater(unit)
}

// run executes one work unit under the instance lock. A returned error means
// the unit stopped on a storage failure and the saga needs another dispatch.
func (e *Engine) run(unit workUnit) error {
	unlock := e.lock(unit.sagaID)
	defer unlock()

	// state transitions must not be torn by Close
	storeCtx := context.WithoutCancel(e.ctx)

	inst, err := e.store.GetInstance(storeCtx, unit.sagaID)
	if err != nil {
		if saga.IsNotFound(err) {
			e.logger.Warn("work unit for unknown saga dropped", zap.String("saga_id", unit.sagaID))
			return nil
		}
		return err
	}
	def, err := e.registry.Resolve(inst.Name)
	if err != nil {
		e.logger.Error("saga definition missing, instance left untouched",
			zap.String("saga_id", inst.ID),
			zap.String("saga_name", inst.Name),
			zap.Error(err))
		return nil
	}

	if unit.phase == phaseCompensate {
		return e.runCompensation(storeCtx, inst, def, unit.stepIndex)
	}
	return e.runForward(storeCtx, inst, def, unit.stepIndex)
}

// retryLater dispatches the saga of a failed unit again after a delay taken
// from the engine backoff. The delay grows with every consecutive failure.
func (e *Engine) retryLater(unit workUnit) {
	if e.isClosed() {
		return
	}
	unit.failures++
	delay := e.defaultBackoff.GetRetryDelay(unit.failures)
	e.logger.Warn("saga dispatch scheduled after storage failure",
		zap.String("saga_id", unit.sagaID),
		zap.Int("failures", unit.failures),
		zap.Duration("retry_in", delay))

	// called from a worker or a previous redispatch, both counted in wg
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
		}
		e.redispatch(unit)
	}()
}

// redispatch reloads the instance and enqueues whatever its persisted state
// calls for, so a unit torn by a storage failure cannot go stale.
func (e *Engine) redispatch(unit workUnit) {
	unlock := e.lock(unit.sagaID)
	defer unlock()

	ctx := context.WithoutCancel(e.ctx)
	inst, err := e.store.GetInstance(ctx, unit.sagaID)
	if err == nil {
		err = e.schedule(ctx, inst, unit.failures)
	}
	if err == nil || saga.IsNotFound(err) {
		return
	}
	e.logger.Error("failed to dispatch saga",
		zap.String("saga_id", unit.sagaID),
		zap.Error(err))
	e.retryLater(unit)
}

func (e *Engine) enqueue(unit workUnit) {
	if !e.queue.push(unit) {
		e.logger.Debug("engine closed, work unit dropped",
			zap.String("saga_id", unit.sagaID),
			zap.String("phase", unit.phase.String()),
			zap.Int("step_index", unit.stepIndex))
	}
}

// sagaLock serializes the work of one instance. refs counts holders and
// waiters; the map entry is dropped when it reaches zero.
type sagaLock struct {
	mu   sync.Mutex
	refs int
}

func (e *Engine) lock(sagaID string) func() {
	l, _ := e.locks.Compute(sagaID, func(old *sagaLock, loaded bool) (*sagaLock, bool) {
		if !loaded {
			old = &sagaLock{}
		}
		old.refs++
		return old, false
	})
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locks.Compute(sagaID, func(old *sagaLock, loaded bool) (*sagaLock, bool) {
			if !loaded {
				return old, true
			}
			old.refs--
			return old, old.refs == 0
		})
	}
}

func (e *Engine) saveInstance(ctx context.Context, inst *saga.SagaInstance) error {
	inst.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("failed to update saga %s: %w", inst.ID, err)
	}
	return nil
}

// finish records a saga that reached a final or frozen status.
func (e *Engine) finish(inst *saga.SagaInstance, eventType saga.SagaEventType) {
	final := inst.Status == saga.StatusCompleted || inst.Status == saga.StatusCompensated
	if final {
		e.metrics.RecordSagaFinished(inst.Name, inst.Status, e.now().Sub(inst.CreatedAt))
	} else {
		e.metrics.RecordSagaStalled(inst.Name, inst.Status)
	}
	ev := newEvent(eventType, inst)
	ev.Error = inst.LastError
	e.publish(ev)
	e.logger.Info("saga finished",
		zap.String("saga_id", inst.ID),
		zap.String("saga_name", inst.Name),
		zap.String("status", string(inst.Status)))
}

func (e *Engine) publish(ev *saga.SagaEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	e.bus.Publish(ev)
}

func newEvent(t saga.SagaEventType, inst *saga.SagaInstance) *saga.SagaEvent {
	return &saga.SagaEvent{
		Type:      t,
		SagaID:    inst.ID,
		SagaName:  inst.Name,
		Status:    inst.Status,
		StepIndex: inst.CurrentStepIndex,
	}
}

func stepEvent(t saga.SagaEventType, inst *saga.SagaInstance, index int, name string, attempt int) *saga.SagaEvent {
	ev := newEvent(t, inst)
	ev.StepIndex = index
	ev.StepName = name
	ev.Attempt = attempt
	return ev
}

// firstNonSucceeded returns the length of the contiguous succeeded prefix.
func firstNonSucceeded(cps []*saga.StepCheckpoint) int {
	next := 0
	for _, cp := range cps {
		if cp.StepIndex != next || cp.Outcome != saga.OutcomeSucceeded {
			break
		}
		next++
	}
	return next
}

// highestSucceeded returns the largest index below limit with a succeeded
// checkpoint, or -1.
func highestSucceeded(cps []*saga.StepCheckpoint, limit int) int {
	for i := len(cps) - 1; i >= 0; i-- {
		cp := cps[i]
		if cp.StepIndex < limit && cp.Outcome == saga.OutcomeSucceeded {
			return cp.StepIndex
		}
	}
	return -1
}

func checkpointAt(cps []*saga.StepCheckpoint, index int) *saga.StepCheckpoint {
	for _, cp := range cps {
		if cp.StepIndex == index {
			return cp
		}
	}
	return nil
}
