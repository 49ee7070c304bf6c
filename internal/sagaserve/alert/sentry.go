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

// Package alert raises operator alerts in Sentry for saga events that need a
// human: dead letters, failed compensations and failed sagas.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/pkg/logger"
	"github.com/xilian/saga-orchestrator/pkg/saga"
)

// SentryConfig holds Sentry configuration options
type SentryConfig struct {
	Enabled      bool              `mapstructure:"enabled" json:"enabled"`
	DSN          string            `mapstructure:"dsn" json:"dsn"`
	Environment  string            `mapstructure:"environment" json:"environment"`
	Release      string            `mapstructure:"release" json:"release"`
	SampleRate   float64           `mapstructure:"sample_rate" json:"sampleRate"`
	Debug        bool              `mapstructure:"debug" json:"debug"`
	FlushTimeout time.Duration     `mapstructure:"flush_timeout" json:"flushTimeout"`
	Tags         map[string]string `mapstructure:"tags" json:"tags"`
}

// DefaultSentryConfig returns a disabled configuration.
func DefaultSentryConfig() SentryConfig {
	return SentryConfig{
		Environment:  "production",
		SampleRate:   1.0,
		FlushTimeout: 2 * time.Second,
	}
}

// Validate checks the configuration.
func (c SentryConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.DSN == "" {
		return errors.New("sentry DSN is required when enabled")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sentry sample rate must be between 0 and 1, got %v", c.SampleRate)
	}
	return nil
}

// AlertEvents are the event types that raise an alert.
var AlertEvents = []saga.SagaEventType{
	saga.EventDeadLetterCreated,
	saga.EventDeadLetterRetryFailed,
	saga.EventCompensationStepFailed,
	saga.EventSagaFailed,
}

// EventSource is the engine's subscribe side.
type EventSource interface {
	Subscribe(types ...saga.SagaEventType) (<-chan *saga.SagaEvent, func())
}

// Option customises the Sentry client.
type Option func(*sentry.ClientOptions)

// WithBeforeSend installs a hook that sees, and may drop, every outgoing event.
func WithBeforeSend(fn func(*sentry.Event, *sentry.EventHint) *sentry.Event) Option {
	return func(o *sentry.ClientOptions) { o.BeforeSend = fn }
}

// Alerter captures alert events on its own Sentry hub.
type Alerter struct {
	config SentryConfig
	hub    *sentry.Hub
	logger *zap.Logger

	mu   sync.Mutex
	stop func()
	done chan struct{}
}

// NewAlerter creates an alerter. It returns nil, nil when alerts are disabled.
func NewAlerter(config SentryConfig, opts ...Option) (*Alerter, error) {
	if !config.Enabled {
		return nil, nil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	options := sentry.ClientOptions{
		Dsn:         config.DSN,
		Environment: config.Environment,
		Release:     config.Release,
		SampleRate:  config.SampleRate,
		Debug:       config.Debug,
	}
	for _, opt := range opts {
		opt(&options)
	}
	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Sentry: %w", err)
	}

	scope := sentry.NewScope()
	for key, value := range config.Tags {
		scope.SetTag(key, value)
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = 2 * time.Second
	}
	return &Alerter{
		config: config,
		hub:    sentry.NewHub(client, scope),
		logger: logger.GetLogger().Named("alert"),
	}, nil
}

// Start raises alerts for events from source until Stop or until ctx ends.
func (a *Alerter) Start(ctx context.Context, source EventSource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return
	}

	ch, unsubscribe := source.Subscribe(AlertEvents...)
	ctx, cancel := context.WithCancel(ctx)
	a.stop = func() {
		cancel()
		unsubscribe()
	}
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				a.Notify(ev)
			}
		}
	}()
	a.logger.Info("sentry alerts enabled", zap.String("environment", a.config.Environment))
}

// Notify captures one event. Events that do not need an operator are ignored.
func (a *Alerter) Notify(ev *saga.SagaEvent) {
	level, title := classify(ev.Type)
	if title == "" {
		return
	}

	a.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		scope.SetTag("saga_name", ev.SagaName)
		scope.SetTag("event_type", string(ev.Type))
		scope.SetFingerprint([]string{string(ev.Type), ev.SagaName, ev.StepName})
		scope.SetContext("saga", sentry.Context{
			"saga_id":        ev.SagaID,
			"step_index":     ev.StepIndex,
			"step_name":      ev.StepName,
			"dead_letter_id": ev.DeadLetterID,
			"status":         string(ev.Status),
		})
		msg := fmt.Sprintf("%s: saga %s (%s)", title, ev.SagaID, ev.SagaName)
		if ev.StepName != "" {
			msg += fmt.Sprintf(" step %s", ev.StepName)
		}
		if ev.Error != "" {
			msg += ": " + ev.Error
		}
		a.hub.CaptureMessage(msg)
	})
}

func classify(t saga.SagaEventType) (sentry.Level, string) {
	switch t {
	case saga.EventDeadLetterCreated:
		return sentry.LevelWarning, "dead letter created"
	case saga.EventDeadLetterRetryFailed:
		return sentry.LevelWarning, "dead letter retry failed"
	case saga.EventCompensationStepFailed:
		return sentry.LevelError, "compensation failed"
	case saga.EventSagaFailed:
		return sentry.LevelError, "saga failed"
	default:
		return sentry.LevelInfo, ""
	}
}

// Stop ends the subscription and flushes buffered alerts.
func (a *Alerter) Stop() {
	a.mu.Lock()
	stop, done := a.stop, a.done
	a.stop, a.done = nil, nil
	a.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	a.hub.Flush(a.config.FlushTimeout)
}
