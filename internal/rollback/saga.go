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

// Package rollback implements the version-rollback saga: it switches a rule,
// model, config or firmware target back to an earlier version, snapshotting
// the live version first and writing an audit record last.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/pkg/logger"
	"github.com/xilian/saga-orchestrator/pkg/saga"
	"github.com/xilian/saga-orchestrator/pkg/saga/registry"
	"github.com/xilian/saga-orchestrator/pkg/saga/retry"
)

// SagaName is the registry name of the version-rollback saga.
const SagaName = "version-rollback"

// Step names, in execution order.
const (
	StepValidateTarget  = "validate_target"
	StepSnapshotCurrent = "snapshot_current"
	StepSwitchVersion   = "switch_version"
	StepVerifyVersion   = "verify_version"
	StepRecordAudit     = "record_audit"
)

// Dependencies are the collaborators the saga steps act on.
type Dependencies struct {
	Switcher  VersionSwitcher
	Snapshots SnapshotStore
	Audit     AuditLog
}

func (d Dependencies) validate() error {
	if d.Switcher == nil {
		return errors.New("version switcher is required")
	}
	if d.Snapshots == nil {
		return errors.New("snapshot store is required")
	}
	if d.Audit == nil {
		return errors.New("audit log is required")
	}
	return nil
}

// StepOptions tune retries and timeouts of every rollback step.
type StepOptions struct {
	MaxRetries int
	Timeout    time.Duration
	Backoff    retry.BackoffPolicy
}

// DefaultStepOptions retries each step three times with the engine's backoff.
func DefaultStepOptions() StepOptions {
	return StepOptions{MaxRetries: 3, Timeout: 30 * time.Second}
}

type steps struct {
	deps   Dependencies
	now    func() time.Time
	logger *zap.Logger
}

// Definition returns the step list of the version-rollback saga.
func Definition(deps Dependencies, opts StepOptions) ([]saga.StepDefinition, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	s := &steps{deps: deps, now: time.Now, logger: logger.GetLogger().Named("rollback")}

	step := func(name string, forward, compensate saga.ActionFunc) saga.StepDefinition {
		return saga.StepDefinition{
			Name:       name,
			Forward:    forward,
			Compensate: compensate,
			MaxRetries: opts.MaxRetries,
			Backoff:    opts.Backoff,
			Timeout:    opts.Timeout,
		}
	}

	audit := step(StepRecordAudit, saga.Typed(s.recordAudit), nil)
	audit.DeadLetterOnFailure = true

	return []saga.StepDefinition{
		step(StepValidateTarget, saga.Typed(s.validateTarget), saga.NoopAction),
		step(StepSnapshotCurrent, saga.Typed(s.snapshotCurrent), saga.Typed(s.dropSnapshot)),
		step(StepSwitchVersion, saga.Typed(s.switchVersion), saga.Typed(s.switchBack)),
		step(StepVerifyVersion, saga.Typed(s.verifyVersion), saga.NoopAction),
		audit,
	}, nil
}

// Register adds the version-rollback saga to reg with its params schema.
func Register(reg *registry.Registry, deps Dependencies, opts StepOptions, regOpts ...registry.Option) error {
	def, err := Definition(deps, opts)
	if err != nil {
		return err
	}
	regOpts = append([]registry.Option{registry.WithParamsSchema(ParamsSchema)}, regOpts...)
	return reg.Register(SagaName, def, regOpts...)
}

// permanentIfTargetMissing stops retrying failures no retry can fix.
func permanentIfTargetMissing(err error) error {
	if errors.Is(err, ErrTargetNotFound) || errors.Is(err, ErrVersionNotFound) {
		return saga.Permanent(err)
	}
	return err
}

func (s *steps) validateTarget(ctx context.Context, sc saga.StepContext, req Request) error {
	target := req.Target()
	current, err := s.deps.Switcher.CurrentVersion(ctx, target)
	if err != nil {
		return permanentIfTargetMissing(err)
	}
	known, err := s.deps.Switcher.HasVersion(ctx, target, req.ToVersion)
	if err != nil {
		return permanentIfTargetMissing(err)
	}
	if !known {
		return saga.Permanent(fmt.Errorf("%w: %s has no version %s", ErrVersionNotFound, target, req.ToVersion))
	}
	if current != req.FromVersion && current != req.ToVersion {
		return saga.Permanent(fmt.Errorf("%w: %s is at %s, expected %s", ErrVersionMismatch, target, current, req.FromVersion))
	}
	return nil
}

func (s *steps) snapshotCurrent(ctx context.Context, sc saga.StepContext, req Request) error {
	target := req.Target()
	current, err := s.deps.Switcher.CurrentVersion(ctx, target)
	if err != nil {
		return permanentIfTargetMissing(err)
	}
	return s.deps.Snapshots.SaveSnapshot(ctx, &Snapshot{
		SagaID:  sc.SagaID,
		Target:  target,
		Version: current,
		TakenAt: s.now().UTC(),
	})
}

func (s *steps) dropSnapshot(ctx context.Context, sc saga.StepContext, req Request) error {
	return s.deps.Snapshots.DropSnapshot(ctx, sc.SagaID)
}

func (s *steps) switchVersion(ctx context.Context, sc saga.StepContext, req Request) error {
	if err := s.deps.Switcher.SwitchVersion(ctx, req.Target(), req.ToVersion); err != nil {
		return permanentIfTargetMissing(err)
	}
	s.logger.Info("switched version",
		zap.String("saga_id", sc.SagaID),
		zap.String("target", req.Target().String()),
		zap.String("from", req.FromVersion),
		zap.String("to", req.ToVersion))
	return nil
}

func (s *steps) switchBack(ctx context.Context, sc saga.StepContext, req Request) error {
	if err := s.deps.Switcher.SwitchVersion(ctx, req.Target(), req.FromVersion); err != nil {
		return err
	}
	s.logger.Warn("restored previous version",
		zap.String("saga_id", sc.SagaID),
		zap.String("target", req.Target().String()),
		zap.String("version", req.FromVersion))
	return nil
}

func (s *steps) verifyVersion(ctx context.Context, sc saga.StepContext, req Request) error {
	current, err := s.deps.Switcher.CurrentVersion(ctx, req.Target())
	if err != nil {
		return permanentIfTargetMissing(err)
	}
	if current != req.ToVersion {
		return fmt.Errorf("%w: %s is at %s after switching to %s", ErrVersionMismatch, req.Target(), current, req.ToVersion)
	}
	return nil
}

func (s *steps) recordAudit(ctx context.Context, sc saga.StepContext, req Request) error {
	return s.deps.Audit.Record(ctx, &AuditRecord{
		SagaID:      sc.SagaID,
		TriggerID:   req.TriggerID,
		Target:      req.Target(),
		FromVersion: req.FromVersion,
		ToVersion:   req.ToVersion,
		Reason:      req.Reason,
		RecordedAt:  s.now().UTC(),
	})
}
