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

package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/pkg/logger"
	"github.com/xilian/saga-orchestrator/pkg/saga"
)

// Forwarder relays bus events to an external publisher.
type Forwarder struct {
	bus       *Bus
	publisher saga.EventPublisher
	timeout   time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	cancel func()
	done   chan struct{}
}

// NewForwarder creates a forwarder; publishTimeout bounds each publish call.
func NewForwarder(bus *Bus, publisher saga.EventPublisher, publishTimeout time.Duration) *Forwarder {
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	return &Forwarder{
		bus:       bus,
		publisher: publisher,
		timeout:   publishTimeout,
		logger:    logger.GetLogger().Named("event-forwarder"),
	}
}

// Start subscribes to the bus and forwards events until Stop or until ctx ends.
func (f *Forwarder) Start(ctx context.Context, types ...saga.SagaEventType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done != nil {
		return
	}

	ch, unsubscribe := f.bus.Subscribe(types...)
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = func() {
		cancel()
		unsubscribe()
	}
	f.done = make(chan struct{})

	go func() {
		defer close(f.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				f.forward(ctx, event)
			}
		}
	}()
}

func (f *Forwarder) forward(ctx context.Context, event *saga.SagaEvent) {
	pubCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.publisher.Publish(pubCtx, event); err != nil {
		f.logger.Warn("failed to forward saga event",
			zap.String("event_type", string(event.Type)),
			zap.String("saga_id", event.SagaID),
			zap.Error(err))
	}
}

// Stop ends forwarding and waits for the relay goroutine.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
