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

package dlq

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xilian/saga-orchestrator/pkg/saga"
)

// Metrics holds the Prometheus counters of the dead-letter queue.
type Metrics struct {
	createdTotal     *prometheus.CounterVec
	resolvedTotal    *prometheus.CounterVec
	retryFailedTotal *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with registry.
func NewMetrics(namespace, subsystem string, registry prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "saga"
	}
	if subsystem == "" {
		subsystem = "dlq"
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		createdTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "entries_created_total",
				Help:      "Total number of steps parked in the dead-letter queue",
			},
			[]string{"kind"},
		),
		resolvedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "entries_resolved_total",
				Help:      "Total number of dead letters resolved by a successful retry",
			},
			[]string{"kind"},
		),
		retryFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "retry_failed_total",
				Help:      "Total number of failed manual dead-letter retries",
			},
			[]string{"kind"},
		),
	}

	for _, c := range []prometheus.Collector{m.createdTotal, m.resolvedTotal, m.retryFailedTotal} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) recordCreated(kind saga.DeadLetterKind) {
	if m != nil {
		m.createdTotal.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) recordResolved(kind saga.DeadLetterKind) {
	if m != nil {
		m.resolvedTotal.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) recordRetryFailed(kind saga.DeadLetterKind) {
	if m != nil {
		m.retryFailedTotal.WithLabelValues(string(kind)).Inc()
	}
}
