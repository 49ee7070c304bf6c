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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/xilian/saga-orchestrator/pkg/saga"
)

// ErrPublisherClosed is returned by publishers after Close.
var ErrPublisherClosed = errors.New("event publisher is closed")

// natsConn is the subset of *nats.Conn used by NATSPublisher.
type natsConn interface {
	PublishMsg(msg *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSPublisher publishes events on <prefix>.<event type> subjects.
type NATSPublisher struct {
	conn   natsConn
	prefix string

	mu     sync.RWMutex
	closed bool
}

var _ saga.EventPublisher = (*NATSPublisher)(nil)

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(conn natsConn, subjectPrefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: subjectPrefix}
}

// DialNATS connects to url and returns a publisher.
func DialNATS(url, subjectPrefix, clientName string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return NewNATSPublisher(conn, subjectPrefix), nil
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(t saga.SagaEventType) string {
	if p.prefix == "" {
		return string(t)
	}
	return p.prefix + "." + string(t)
}

// Publish sends the event as JSON and flushes.
func (p *NATSPublisher) Publish(ctx context.Context, event *saga.SagaEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode saga event: %w", err)
	}
	msg := nats.NewMsg(p.Subject(event.Type))
	msg.Data = payload
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set("Saga-Id", event.SagaID)
	msg.Header.Set("Event-Id", event.ID)

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish failed: %w", err)
	}
	if _, ok := ctx.Deadline(); ok {
		if err := p.conn.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("nats flush failed: %w", err)
		}
	}
	return nil
}

// Close closes the connection.
func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.conn.Close()
	return nil
}
