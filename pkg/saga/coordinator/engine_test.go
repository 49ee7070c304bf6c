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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/pkg/logger"
	"github.com/xilian/saga-orchestrator/pkg/saga"
	"github.com/xilian/saga-orchestrator/pkg/saga/registry"
	"github.com/xilian/saga-orchestrator/pkg/saga/retry"
	"github.com/xilian/saga-orchestrator/pkg/saga/state/storage"
)

func init() {
	logger.Logger, _ = zap.NewDevelopment()
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errBoom = errors.New("boom")

// callLog records action invocations in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == call {
			n++
		}
	}
	return n
}

func (l *callLog) forward(name string, fail func() error) saga.ActionFunc {
	return func(ctx context.Context, sc saga.StepContext) error {
		l.add("forward:" + name)
		if fail != nil {
			return fail()
		}
		return nil
	}
}

func (l *callLog) compensate(name string, fail func() error) saga.ActionFunc {
	return func(ctx context.Context, sc saga.StepContext) error {
		l.add("compensate:" + name)
		if fail != nil {
			return fail()
		}
		return nil
	}
}

type harness struct {
	engine  *Engine
	store   *storage.MemoryStore
	reg     *registry.Registry
	metrics *PrometheusMetricsCollector
	log     *callLog
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.StepTimeout = time.Second
	cfg.Backoff = retry.Config{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
	return cfg
}

func newHarness(t *testing.T, cfg *Config, opts ...Option) *harness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	collector, err := NewPrometheusMetricsCollector(nil)
	require.NoError(t, err)

	h := &harness{
		store:   storage.NewMemoryStore(),
		reg:     registry.New(),
		metrics: collector,
		log:     &callLog{},
	}
	opts = append([]Option{WithMetricsCollector(collector)}, opts...)
	h.engine, err = New(cfg, h.reg, h.store, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.engine.Close(ctx))
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Start(context.Background()))
}

func (h *harness) waitFor(t *testing.T, sagaID string, status saga.SagaStatus) *saga.SagaInstance {
	t.Helper()
	var inst *saga.SagaInstance
	require.Eventually(t, func() bool {
		got, err := h.engine.Get(context.Background(), sagaID)
		if err != nil {
			return false
		}
		inst = got
		return got.Status == status
	}, 5*time.Second, 5*time.Millisecond, "saga %s never reached %s", sagaID, status)
	return inst
}

func (h *harness) checkpoints(t *testing.T, sagaID string) map[int]*saga.StepCheckpoint {
	t.Helper()
	cps, err := h.engine.Checkpoints(context.Background(), sagaID)
	require.NoError(t, err)
	out := make(map[int]*saga.StepCheckpoint, len(cps))
	for _, cp := range cps {
		out[cp.StepIndex] = cp
	}
	return out
}

func fastBackoff() retry.BackoffPolicy {
	return retry.NewFixedIntervalPolicy(time.Millisecond)
}

func collectUntil(t *testing.T, ch <-chan *saga.SagaEvent, last saga.SagaEventType) []saga.SagaEventType {
	t.Helper()
	var types []saga.SagaEventType
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed early")
			types = append(types, ev.Type)
			if ev.Type == last {
				return types
			}
		case <-timeout:
			t.Fatalf("did not observe %s, got %v", last, types)
			return nil
		}
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(DefaultConfig(), nil, storage.NewMemoryStore())
	assert.ErrorIs(t, err, ErrRegistryNotConfigured)

	_, err = New(DefaultConfig(), registry.New(), nil)
	assert.ErrorIs(t, err, ErrStoreNotConfigured)

	bad := DefaultConfig()
	bad.Workers = 0
	_, err = New(bad, registry.New(), storage.NewMemoryStore())
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "no workers", mutate: func(c *Config) { c.Workers = 0 }, wantErr: true},
		{name: "no step timeout", mutate: func(c *Config) { c.StepTimeout = 0 }, wantErr: true},
		{name: "bad jitter", mutate: func(c *Config) { c.Backoff.Jitter = 2 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestEngine_StartTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	assert.True(t, h.engine.IsRunning())
	assert.ErrorIs(t, h.engine.Start(context.Background()), ErrEngineAlreadyStarted)
}

func TestEngine_CompletesAllSteps(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.reg.Register("three", []saga.StepDefinition{
		{Name: "a", Forward: h.log.forward("a", nil)},
		{Name: "b", Forward: h.log.forward("b", nil)},
		{Name: "c", Forward: h.log.forward("c", nil)},
	}))
	h.start(t)

	id, err := h.engine.Submit(context.Background(), "three", map[string]string{"k": "v"})
	require.NoError(t, err)

	inst := h.waitFor(t, id, saga.StatusCompleted)
	assert.Equal(t, 3, inst.CurrentStepIndex)
	assert.Equal(t, 3, inst.TotalSteps)
	assert.JSONEq(t, `{"k":"v"}`, string(inst.Params))
	assert.Equal(t, []string{"forward:a", "forward:b", "forward:c"}, h.log.snapshot())

	cps := h.checkpoints(t, id)
	require.Len(t, cps, 3)
	for i := 0; i < 3; i++ {
		assert.Equal(t, saga.OutcomeSucceeded, cps[i].Outcome)
		assert.Equal(t, 1, cps[i].Attempts)
		assert.NotNil(t, cps[i].CompletedAt)
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.sagaStartedTotal.WithLabelValues("three")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.sagaFinishedTotal.WithLabelValues("three", "completed")))
}

func TestEngine_PassesParamsToActions(t *testing.T) {
	type payload struct {
		Target string `json:"target"`
	}
	h := newHarness(t, nil)
	got := make(chan string, 1)
	require.NoError(t, h.reg.Register("typed", []saga.StepDefinition{{
		Name: "read",
		Forward: saga.Typed(func(ctx context.Context, sc saga.StepContext, p payload) error {
			got <- p.Target
			return nil
		}),
	}}))
	h.start(t)

	id, err := h.engine.Submit(context.Background(), "typed", payload{Target: "model-7"})
	require.NoError(t, err)
	h.waitFor(t, id, saga.StatusCompleted)
	assert.Equal(t, "model-7", <-got)
}

// A compensable step fails permanently after two steps succeeded.
func TestEngine_CompensatesInReverseOrder(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.reg.Register("rollback", []saga.StepDefinition{
		{Name: "a", Forward: h.log.forward("a", nil), Compensate: h.log.compensate("a", nil)},
		{Name: "b", Forward: h.log.forward("b", nil), Compensate: h.log.compensate("b", nil)},
		{
			Name:       "c",
			Forward:    h.log.forward("c", func() error { return saga.Permanent(errBoom) }),
			Compensate: h.log.compensate("c", nil),
			MaxRetries: 5,
		},
	}))
	events, unsubscribe := h.engine.Subscribe()
	defer unsubscribe()
	h.start(t)

	id, err := h.engine.Submit(context.Background(), "rollback", nil)
	require.NoError(t, err)

	types := collectUntil(t, events, saga.EventSagaCompensated)
	inst := h.waitFor(t, id, saga.StatusCompensated)
	assert.Contains(t, inst.LastError, "boom")

	assert.Equal(t, []string{
		"forward:a", "forward:b", "forward:c",
		"compensate:b", "compensate:a",
	}, h.log.snapshot())

	cps := h.checkpoints(t, id)
	assert.Equal(t, saga.OutcomeCompensated, cps[0].Outcome)
	assert.Equal(t, saga.OutcomeCompensated, cps[1].Outcome)
	assert.NotNil(t, cps[1].CompensatedAt)
	assert.Equal(t, saga.OutcomeFailed, cps[2].Outcome)
	assert.Equal(t, 1, cps[2].Attempts, "permanent failures are not retried")

	assert.Equal(t, saga.EventSagaStarted, types[0])
	assert.Contains(t, types, saga.EventStepFailed)
	assert.Contains(t, types, saga.EventCompensationStarted)
	assert.NotContains(t, types, saga.EventDeadLetterCreated)

	n, err := h.engine.DeadLetters().Count(context.Background(), saga.DeadLetterFilter{SagaID: id})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.compensationExecutedTotal.WithLabelValues("rollback", "b", "true")))
}

func TestEngine_CompensableFailureAtFirstStep(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.reg.Register("first", []saga.StepDefinition{{
		Name:       "a",
		Forward:    h.log.forward("a", func() error { return saga.Permanent(errBoom) }),
		Compensate: h.log.compensate("a", nil),
	}}))
	h.start(t)

	id, err := h.engine.Submit(context.Background(), "first", nil)
	require.NoError(t, err)
	h.waitFor(t, id, saga.StatusCompensated)
	assert.Equal(t, []string{"forward:a"}, h.log.snapshot())
}

func TestEngine_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, nil)
	var failures atomic.Int32
	failures.Store(2)
	require.NoError(t, h.reg.Register("flaky", []saga.StepDefinition{{
		Name: "a",
		Forward: h.log.forward("a", func() error {
			if failures.Add(-1) >= 0 {
				return errBoom
			}
			return nil
		}),
		MaxRetries: 3,
		Backoff:    fastBackoff(),
	}}))
	h.start(t)

	id, err := h.engine.Submit(context.Background(), "flaky", nil)
	require.NoError(t, err)
	h.waitFor(t, id, saga.StatusCompleted)

	cps := h.checkpoints(t, id)
	assert.Equal(t, 3, cps[0].Attempts)
	assert.Equal(t, saga.OutcomeSucceeded, cps[0].Outcome)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.stepExecutedTotal.WithLabelValues("flaky", "a", "false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.stepRetriedTotal.WithLabelValues("flaky", "a", "1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.stepRetriedTotal.WithLabelValues("flaky", "a", "2")))
}

// A non-compensable step exhausts its retries, then succeeds once
// its dependency is fixed and the dead letter is retried.
func TestEngine_DeadLetterAndRetry(t *testing.T) {
	h := newHarness(t, nil)
	var broken atomic.Bool
	broken.Store(true)
	require.NoError(t, h.reg.Register("audit", []saga.StepDefinition{
		{Name: "a", Forward: h.log.forward("a", nil)},
		{
			Name: "b",
			Forward: h.log.forward("b", func() error {
				if broken.Load() {
					return errBoom
				}
				return nil
			}),
			MaxRetries: 3,
			Backoff:    fastBackoff(),
		},
		{Name: "c", Forward: h.log.forward("c", nil)},
	}))
	events, unsubscribe := h.engine.Subscribe(saga.EventDeadLetterCreated, saga.EventDeadLetterResolved)
	defer unsubscribe()
	h.start(t)

	ctx := context.Background()
	id, err := h.engine.Submit(ctx, "audit", nil)
	require.NoError(t, err)

	inst := h.waitFor(t, id, saga.StatusPartial)
	assert.Equal(t, 1, inst.CurrentStepIndex)
	assert.Equal(t, 4, h.log.count("forward:b"))
	assert.Zero(t, h.log.count("forward:c"))

	entries, err := h.engine.DeadLetters().List(ctx, saga.DeadLetterFilter{SagaID: id})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, saga.DeadLetterForward, entry.Kind)
	assert.Equal(t, 1, entry.StepIndex)
	assert.Equal(t, "b", entry.StepName)
	assert.Contains(t, entry.ErrorMessage, "boom")

	select {
	case ev := <-events:
		assert.Equal(t, saga.EventDeadLetterCreated, ev.Type)
		assert.Equal(t, entry.ID, ev.DeadLetterID)
	case <-time.After(time.Second):
		t.Fatal("no dead letter event")
	}

	cps := h.checkpoints(t, id)
	assert.Equal(t, saga.OutcomeFailed, cps[1].Outcome)
	assert.Equal(t, 4, cps[1].Attempts)

	// resume is refused while the dead letter is pending
	err = h.engine.Resume(ctx, id)
	assert.True(t, saga.IsInvalidState(err), "got %v", err)

	// a retry against the still broken dependency keeps the entry
	err = h.engine.RetryDeadLetter(ctx, entry.ID)
	require.Error(t, err)
	assert.True(t, saga.IsTransient(err))
	stored, err := h.engine.DeadLetters().Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount)

	broken.Store(false)
	require.NoError(t, h.engine.RetryDeadLetter(ctx, entry.ID))

	inst = h.waitFor(t, id, saga.StatusCompleted)
	assert.Equal(t, 3, inst.CurrentStepIndex)
	assert.Empty(t, inst.LastError)
	assert.Equal(t, 1, h.log.count("forward:a"))
	assert.Equal(t, 1, h.log.count("forward:c"))

	cps = h.checkpoints(t, id)
	assert.Equal(t, saga.OutcomeSucceeded, cps[1].Outcome)
	assert.Equal(t, 6, cps[1].Attempts)

	_, err = h.engine.DeadLetters().Get(ctx, entry.ID)
	assert.True(t, saga.IsNotFound(err))
	assert.True(t, saga.IsNotFound(h.engine.RetryDeadLetter(ctx, entry.ID)))

	select {
	case ev := <-events:
		assert.Equal(t, saga.EventDeadLetterResolved, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no resolved event")
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.deadLettersTotal.WithLabelValues("audit", "b", "forward")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.sagaStalledTotal.WithLabelValues("audit", "partial")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.sagaFinishedTotal.WithLabelValues("audit", "completed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.sagaFinishedTotal.WithLabelValues("audit", "partial")))
}

func TestEngine_DeadLetterAtFirstStepFails(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.reg.Register("nothing-done", []saga.StepDefinition{
		{Name: "a", Forward: h.log.forward("a", func() error { return errBoom })},
		{Name: "b", Forward: h.log.forward("b", nil)},
	}))
	h.start(t)

	ctx := context.Background()
	id, err := h.engine.Submit(ctx, "nothing-done", nil)
	require.NoError(t, err)
	inst := h.waitFor(t, id, saga.StatusFailed)
	assert.Zero(t, inst.CurrentStepIndex)

	n, err := h.engine.DeadLetters().Count(ctx, saga.DeadLetterFilter{SagaID: id, Kind: saga.DeadLetterForward})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = h.engine.Resume(ctx, id)
	assert.True(t, saga.IsInvalidState(err))
}

func TestEngine_DeadLetterOnFailureSkipsCompensation(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.reg.Register("audit-last", []saga.StepDefinition{
		{Name: "a", Forward: h.log.forward("a", nil), Compensate: h.log.compensate("a", nil)},
		{
			Name:                "b",
			Forward:             h.log.forward("b", func() error { return saga.Permanent(errBoom) }),
			Compensate:          h.log.compensate("b", nil),
			DeadLetterOnFailure: true,
		},
	}))
	h.start(t)

	id, err := h.engine.Submit(context.Background(), "audit-last", nil)
	require.NoError(t, err)
	h.waitFor(t, id, saga.StatusPartial)
	assert.Zero(t, h.log.count("compensate:a"))
}

func TestEngine_CompensationFailureAndRetry(t *testing.T) {
	h := newHarness(t, nil)
	var broken atomic.Bool
	broken.Store(true)
	require.NoError(t, h.reg.Register("stuck", []saga.StepDefinition{
		{Name: "a", Forward: h.log.forward("a", nil), Compensate: h.log.compensate("a", nil)},
		{
			Name:    "b",
			Forward: h.log.forward("b", nil),
			Compensate: h.log.compensate("b", func() error {
				if broken.Load() {
					return errBoom
				}
				return nil
			}),
			MaxRetries: 2,
			Backoff:    fastBackoff(),
		},
		{
			Name:       "c",
			Forward:    h.log.forward("c", func() error { return saga.Permanent(errBoom) }),
			Compensate: h.log.compensate("c", nil),
		},
	}))
	h.start(t)

	ctx := context.Background()
	id, err := h.engine.Submit(ctx, "stuck", nil)
	require.NoError(t, err)

	inst := h.waitFor(t, id, saga.StatusFailed)
	assert.Contains(t, inst.LastError, "compensation")
	assert.Equal(t, 3, h.log.count("compensate:b"))
	assert.Zero(t, h.log.count("compensate:a"), "earlier steps wait for the failed compensation")

	entries, err := h.engine.DeadLetters().List(ctx, saga.DeadLetterFilter{SagaID: id})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, saga.DeadLetterCompensation, entries[0].Kind)

	cps := h.checkpoints(t, id)
	assert.Equal(t, saga.OutcomeSucceeded, cps[1].Outcome)
	assert.Equal(t, 3, cps[1].CompensationAttempts)

	err = h.engine.RetryDeadLetter(ctx, entries[0].ID)
	assert.True(t, saga.IsCompensationFailure(err))

	broken.Store(false)
	require.NoError(t, h.engine.RetryDeadLetter(ctx, entries[0].ID))
	h.waitFor(t, id, saga.StatusCompensated)
	assert.Equal(t, 1, h.log.count("compensate:a"))

	cps = h.checkpoints(t, id)
	assert.Equal(t, saga.OutcomeCompensated, cps[0].Outcome)
	assert.Equal(t, saga.OutcomeCompensated, cps[1].Outcome)
}

func TestEngine_StepTimeout(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.reg.Register("slow", []saga.StepDefinition{{
		Name: "wait",
		Forward: func(ctx context.Context, sc saga.StepContext) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Timeout: 20 * time.Millisecond,
	}}))
	h.start(t)

	id, err := h.engine.Submit(context.Background(), "slow", nil)
	require.NoError(t, err)
	inst := h.waitFor(t, id, saga.StatusFailed)
	assert.Contains(t, inst.LastError, context.DeadlineExceeded.Error())
}

func TestEngine_PanickingStepFails(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.reg.Register("panics", []saga.StepDefinition{{
		Name: "explode",
		Forward: func(context.Context, saga.StepContext) error {
			panic("kaboom")
		},
	}}))
	h.start(t)

	id, err := h.engine.Submit(context.Background(), "panics", nil)
	require.NoError(t, err)
	inst := h.waitFor(t, id, saga.StatusFailed)
	assert.Contains(t, inst.LastError, "kaboom")
}

func TestEngine_SubmitErrors(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.reg.Register("schema", []saga.StepDefinition{
		{Name: "a", Forward: saga.NoopAction},
	}, registry.WithParamsSchema(`{"type":"object","required":["targetId"]}`)))
	h.start(t)

	ctx := context.Background()
	_, err := h.engine.Submit(ctx, "missing", nil)
	assert.True(t, saga.IsDefinitionNotFound(err))

	_, err = h.engine.Submit(ctx, "schema", map[string]string{"other": "x"})
	assert.True(t, saga.IsValidation(err))

	_, err = h.engine.Submit(ctx, "schema", func() {})
	assert.True(t, saga.IsValidation(err))

	id, err := h.engine.Submit(ctx, "schema", map[string]string{"targetId": "r-1"})
	require.NoError(t, err)
	h.waitFor(t, id, saga.StatusCompleted)
}

func TestEngine_ResumeErrors(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.reg.Register("one", []saga.StepDefinition{{Name: "a", Forward: saga.NoopAction}}))
	h.start(t)

	ctx := context.Background()
	assert.True(t, saga.IsNotFound(h.engine.Resume(ctx, "nope")))

	id, err := h.engine.Submit(ctx, "one", nil)
	require.NoError(t, err)
	h.waitFor(t, id, saga.StatusCompleted)
	assert.True(t, saga.IsInvalidState(h.engine.Resume(ctx, id)))

	_, err = h.engine.Checkpoints(ctx, "nope")
	assert.True(t, saga.IsNotFound(err))
	assert.True(t, saga.IsNotFound(h.engine.RetryDeadLetter(ctx, "nope")))
}

func seedInstance(t *testing.T, store saga.Store, id, name string, status saga.SagaStatus, current, total int) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.CreateInstance(context.Background(), &saga.SagaInstance{
		ID:               id,
		Name:             name,
		Status:           status,
		CurrentStepIndex: current,
		TotalSteps:       total,
		Params:           saga.EmptyParams,
		CreatedAt:        now,
		UpdatedAt:        now,
	}))
}

func seedCheckpoint(t *testing.T, store saga.Store, sagaID string, index int, outcome saga.CheckpointOutcome, attempts int) {
	t.Helper()
	require.NoError(t, store.WriteCheckpoint(context.Background(), &saga.StepCheckpoint{
		SagaID:    sagaID,
		StepIndex: index,
		StepName:  fmt.Sprintf("step-%d", index),
		Outcome:   outcome,
		Attempts:  attempts,
		UpdatedAt: time.Now().UTC(),
	}))
}

func TestEngine_RecoverSkipsSucceededSteps(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.reg.Register("recover", []saga.StepDefinition{
		{Name: "a", Forward: h.log.forward("a", nil)},
		{Name: "b", Forward: h.log.forward("b", nil)},
		{Name: "c", Forward: h.log.forward("c", nil)},
	}))

	// crashed mid-step: b was being attempted
	seedInstance(t, h.store, "mid-step", "recover", saga.StatusRunning, 1, 3)
	seedCheckpoint(t, h.store, "mid-step", 0, saga.OutcomeSucceeded, 1)
	seedCheckpoint(t, h.store, "mid-step", 1, saga.OutcomePending, 2)

	h.start(t)
	h.waitFor(t, "mid-step", saga.StatusCompleted)

	assert.Equal(t, []string{"forward:b", "forward:c"}, h.log.snapshot())
	cps := h.checkpoints(t, "mid-step")
	assert.Equal(t, 3, cps[1].Attempts, "attempts accumulate across passes")
}

func TestEngine_RecoverAfterLostAdvance(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.reg.Register("recover", []saga.StepDefinition{
		{Name: "a", Forward: h.log.forward("a", nil)},
		{Name: "b", Forward: h.log.forward("b", nil)},
	}))

	// b succeeded but the instance was not advanced before the crash
	seedInstance(t, h.store, "lost-advance", "recover", saga.StatusRunning, 1, 2)
	seedCheckpoint(t, h.store, "lost-advance", 0, saga.OutcomeSucceeded, 1)
	seedCheckpoint(t, h.store, "lost-advance", 1, saga.OutcomeSucceeded, 1)

	h.start(t)
	h.waitFor(t, "lost-advance", saga.StatusCompleted)
	assert.Empty(t, h.log.snapshot())
}

func TestEngine_RecoverCompensating(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.reg.Register("recover", []saga.StepDefinition{
		{Name: "a", Forward: h.log.forward("a", nil), Compensate: h.log.compensate("a", nil)},
		{Name: "b", Forward: h.log.forward("b", nil), Compensate: h.log.compensate("b", nil)},
		{Name: "c", Forward: h.log.forward("c", nil), Compensate: h.log.compensate("c", nil)},
	}))

	seedInstance(t, h.store, "undoing", "recover", saga.StatusCompensating, 2, 3)
	seedCheckpoint(t, h.store, "undoing", 0, saga.OutcomeSucceeded, 1)
	seedCheckpoint(t, h.store, "undoing", 1, saga.OutcomeCompensated, 1)
	seedCheckpoint(t, h.store, "undoing", 2, saga.OutcomeFailed, 1)

	h.start(t)
	h.waitFor(t, "undoing", saga.StatusCompensated)
	assert.Equal(t, []string{"compensate:a"}, h.log.snapshot())
}

func TestEngine_ResumeRunningIsIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.RecoverOnStart = false
	h := newHarness(t, cfg)
	require.NoError(t, h.reg.Register("replay", []saga.StepDefinition{
		{Name: "a", Forward: h.log.forward("a", nil)},
		{Name: "b", Forward: h.log.forward("b", nil)},
	}))

	ctx := context.Background()
	id, err := h.engine.Submit(ctx, "replay", nil)
	require.NoError(t, err)

	// queued twice before any worker runs
	require.NoError(t, h.engine.Resume(ctx, id))
	require.NoError(t, h.engine.Resume(ctx, id))
	assert.Equal(t, 3, h.engine.QueueDepth())

	h.start(t)
	h.waitFor(t, id, saga.StatusCompleted)
	assert.Equal(t, []string{"forward:a", "forward:b"}, h.log.snapshot())
}

func TestEngine_ConcurrentSagas(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 8
	h := newHarness(t, cfg)
	require.NoError(t, h.reg.Register("batch", []saga.StepDefinition{
		{Name: "a", Forward: saga.NoopAction},
		{Name: "b", Forward: saga.NoopAction},
	}))
	h.start(t)

	ctx := context.Background()
	ids := make([]string, 20)
	for i := range ids {
		id, err := h.engine.Submit(ctx, "batch", map[string]int{"n": i})
		require.NoError(t, err)
		ids[i] = id
	}
	for _, id := range ids {
		h.waitFor(t, id, saga.StatusCompleted)
	}

	counts, err := h.store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, counts[saga.StatusCompleted])
	assert.Equal(t, float64(20), testutil.ToFloat64(h.metrics.sagaStartedTotal.WithLabelValues("batch")))
}

func TestEngine_CloseAbortsBackoff(t *testing.T) {
	h := newHarness(t, nil)
	started := make(chan struct{}, 1)
	require.NoError(t, h.reg.Register("long-wait", []saga.StepDefinition{{
		Name: "a",
		Forward: func(context.Context, saga.StepContext) error {
			select {
			case started <- struct{}{}:
			default:
			}
			return errBoom
		},
		MaxRetries: 3,
		Backoff:    retry.NewFixedIntervalPolicy(time.Hour),
	}}))
	h.start(t)

	ctx := context.Background()
	id, err := h.engine.Submit(ctx, "long-wait", nil)
	require.NoError(t, err)
	<-started

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Close(closeCtx))
	assert.False(t, h.engine.IsRunning())

	inst, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusRunning, inst.Status, "aborted sagas stay recoverable")

	_, err = h.engine.Submit(ctx, "long-wait", nil)
	assert.ErrorIs(t, err, saga.ErrEngineStopped)
	assert.ErrorIs(t, h.engine.Start(ctx), saga.ErrEngineStopped)
}

func TestEngine_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	h := newHarness(t, nil, WithTracer(provider.Tracer("test")))
	require.NoError(t, h.reg.Register("traced", []saga.StepDefinition{
		{Name: "a", Forward: saga.NoopAction, Compensate: saga.NoopAction},
		{Name: "b", Forward: func(context.Context, saga.StepContext) error { return saga.Permanent(errBoom) }, Compensate: saga.NoopAction},
	}))
	h.start(t)

	id, err := h.engine.Submit(context.Background(), "traced", nil)
	require.NoError(t, err)
	h.waitFor(t, id, saga.StatusCompensated)

	// the last span may end just after the status change
	require.Eventually(t, func() bool {
		return len(recorder.Ended()) == 3
	}, time.Second, 5*time.Millisecond)

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	assert.ElementsMatch(t, []string{"saga.step", "saga.step", "saga.compensate"}, names)
}

var errStoreDown = errors.New("store unavailable")

// flakyStore fails selected writes of an in-memory store.
type flakyStore struct {
	*storage.MemoryStore
	checkpointFault func(cp *saga.StepCheckpoint) bool
	pushFaults      atomic.Int32
}

func (s *flakyStore) WriteCheckpoint(ctx context.Context, cp *saga.StepCheckpoint) error {
	if s.checkpointFault != nil && s.checkpointFault(cp) {
		return errStoreDown
	}
	return s.MemoryStore.WriteCheckpoint(ctx, cp)
}

func (s *flakyStore) PushDeadLetter(ctx context.Context, entry *saga.DeadLetterEntry) error {
	if s.pushFaults.Add(-1) >= 0 {
		return errStoreDown
	}
	return s.MemoryStore.PushDeadLetter(ctx, entry)
}

// failOnce matches the first checkpoint accepted by match.
func failOnce(match func(cp *saga.StepCheckpoint) bool) func(cp *saga.StepCheckpoint) bool {
	var fired atomic.Bool
	return func(cp *saga.StepCheckpoint) bool {
		return match(cp) && fired.CompareAndSwap(false, true)
	}
}

func newFlakyHarness(t *testing.T, store *flakyStore) *harness {
	t.Helper()
	collector, err := NewPrometheusMetricsCollector(nil)
	require.NoError(t, err)
	h := &harness{
		store:   store.MemoryStore,
		reg:     registry.New(),
		metrics: collector,
		log:     &callLog{},
	}
	h.engine, err = New(testConfig(), h.reg, store, WithMetricsCollector(collector))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.engine.Close(ctx))
	})
	return h
}

func TestEngine_RedispatchesAfterCheckpointFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	store.checkpointFault = failOnce(func(cp *saga.StepCheckpoint) bool { return cp.StepIndex == 1 })
	h := newFlakyHarness(t, store)
	require.NoError(t, h.reg.Register("flaky", []saga.StepDefinition{
		{Name: "a", Forward: h.log.forward("a", nil)},
		{Name: "b", Forward: h.log.forward("b", nil), MaxRetries: 3, Backoff: fastBackoff()},
		{Name: "c", Forward: h.log.forward("c", nil)},
	}))
	h.start(t)

	id, err := h.engine.Submit(context.Background(), "flaky", nil)
	require.NoError(t, err)

	inst := h.waitFor(t, id, saga.StatusCompleted)
	assert.Equal(t, 3, inst.CurrentStepIndex)
	assert.Equal(t, []string{"forward:a", "forward:b", "forward:c"}, h.log.snapshot())
	assert.Equal(t, saga.OutcomeSucceeded, h.checkpoints(t, id)[1].Outcome)
}

func TestEngine_RedispatchesAfterCompensationCheckpointFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	store.checkpointFault = failOnce(func(cp *saga.StepCheckpoint) bool {
		return cp.StepIndex == 1 && cp.CompensationAttempts > 0
	})
	h := newFlakyHarness(t, store)
	require.NoError(t, h.reg.Register("flaky-undo", []saga.StepDefinition{
		{Name: "a", Forward: h.log.forward("a", nil), Compensate: h.log.compensate("a", nil)},
		{Name: "b", Forward: h.log.forward("b", nil), Compensate: h.log.compensate("b", nil)},
		{
			Name:       "c",
			Forward:    h.log.forward("c", func() error { return saga.Permanent(errBoom) }),
			Compensate: h.log.compensate("c", nil),
		},
	}))
	h.start(t)

	id, err := h.engine.Submit(context.Background(), "flaky-undo", nil)
	require.NoError(t, err)

	h.waitFor(t, id, saga.StatusCompensated)
	assert.Equal(t, []string{
		"forward:a", "forward:b", "forward:c",
		"compensate:b", "compensate:a",
	}, h.log.snapshot())
}

func TestEngine_RedispatchesAfterDeadLetterPushFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	store.pushFaults.Store(1)
	h := newFlakyHarness(t, store)
	require.NoError(t, h.reg.Register("parked", []saga.StepDefinition{
		{Name: "a", Forward: h.log.forward("a", nil)},
		{Name: "b", Forward: h.log.forward("b", func() error { return errBoom }), MaxRetries: 1, Backoff: fastBackoff()},
	}))
	h.start(t)

	ctx := context.Background()
	id, err := h.engine.Submit(ctx, "parked", nil)
	require.NoError(t, err)

	inst := h.waitFor(t, id, saga.StatusPartial)
	assert.Equal(t, 1, inst.CurrentStepIndex)
	// the first round ran out of retries but could not park the step
	assert.Equal(t, 4, h.log.count("forward:b"))
	assert.Equal(t, 4, h.checkpoints(t, id)[1].Attempts)

	n, err := h.engine.DeadLetters().Count(ctx, saga.DeadLetterFilter{SagaID: id})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.sagaStalledTotal.WithLabelValues("parked", "partial")))
}

func TestEngine_ConcurrentResume(t *testing.T) {
	h := newHarness(t, nil)
	slow := func(name string) saga.ActionFunc {
		forward := h.log.forward(name, nil)
		return func(ctx context.Context, sc saga.StepContext) error {
			time.Sleep(5 * time.Millisecond)
			return forward(ctx, sc)
		}
	}
	require.NoError(t, h.reg.Register("busy", []saga.StepDefinition{
		{Name: "a", Forward: slow("a")},
		{Name: "b", Forward: slow("b")},
		{Name: "c", Forward: slow("c")},
		{Name: "d", Forward: slow("d")},
	}))
	h.start(t)

	ctx := context.Background()
	id, err := h.engine.Submit(ctx, "busy", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 16*5)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if err := h.engine.Resume(ctx, id); err != nil {
					errs <- err
				}
				time.Sleep(2 * time.Millisecond)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.True(t, saga.IsInvalidState(err), "unexpected resume error: %v", err)
	}

	h.waitFor(t, id, saga.StatusCompleted)
	for _, name := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, 1, h.log.count("forward:"+name), "step %s", name)
	}
	for _, cp := range h.checkpoints(t, id) {
		assert.Equal(t, 1, cp.Attempts, "step %d", cp.StepIndex)
	}
}

func TestEngine_ConcurrentRetryDeadLetter(t *testing.T) {
	h := newHarness(t, nil)
	var broken atomic.Bool
	broken.Store(true)
	require.NoError(t, h.reg.Register("contended", []saga.StepDefinition{
		{Name: "a", Forward: h.log.forward("a", nil)},
		{Name: "b", Forward: h.log.forward("b", func() error {
			if broken.Load() {
				return errBoom
			}
			return nil
		})},
		{Name: "c", Forward: h.log.forward("c", nil)},
	}))
	h.start(t)

	ctx := context.Background()
	id, err := h.engine.Submit(ctx, "contended", nil)
	require.NoError(t, err)
	h.waitFor(t, id, saga.StatusPartial)

	entries, err := h.engine.DeadLetters().List(ctx, saga.DeadLetterFilter{SagaID: id})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	broken.Store(false)

	start := make(chan struct{})
	results := make(chan error, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results <- h.engine.RetryDeadLetter(ctx, entries[0].ID)
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, saga.IsNotFound(err), "unexpected retry error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	h.waitFor(t, id, saga.StatusCompleted)
	assert.Equal(t, 2, h.log.count("forward:b"), "one failed run and one retry")
	assert.Equal(t, 1, h.log.count("forward:c"))
}

// lockRefs reads the holder count of a saga lock.
func lockRefs(e *Engine, sagaID string) int {
	refs := 0
	e.locks.Compute(sagaID, func(old *sagaLock, loaded bool) (*sagaLock, bool) {
		if loaded {
			refs = old.refs
		}
		return old, !loaded
	})
	return refs
}

func TestEngine_LockKeptWhileWaited(t *testing.T) {
	h := newHarness(t, nil)

	unlock := h.engine.lock("saga-1")
	acquired := make(chan struct{})
	release := make(chan struct{})
	go func() {
		second := h.engine.lock("saga-1")
		close(acquired)
		<-release
		second()
	}()

	require.Eventually(t, func() bool { return lockRefs(h.engine, "saga-1") == 2 },
		time.Second, time.Millisecond)
	unlock()
	<-acquired

	// a third caller must queue behind the waiter that now holds the lock
	third := make(chan struct{})
	go func() {
		defer close(third)
		h.engine.lock("saga-1")()
	}()
	require.Eventually(t, func() bool { return lockRefs(h.engine, "saga-1") == 2 },
		time.Second, time.Millisecond)
	select {
	case <-third:
		t.Fatal("lock acquired twice")
	default:
	}

	close(release)
	<-third
	assert.Zero(t, h.engine.locks.Size())
}

func TestEngine_LocksDroppedAfterCompletion(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.reg.Register("short", []saga.StepDefinition{
		{Name: "a", Forward: saga.NoopAction},
	}))
	h.start(t)

	id, err := h.engine.Submit(context.Background(), "short", nil)
	require.NoError(t, err)
	h.waitFor(t, id, saga.StatusCompleted)
	require.Eventually(t, func() bool { return h.engine.locks.Size() == 0 }, time.Second, time.Millisecond)
}
