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
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xilian/saga-orchestrator/pkg/saga"
)

// MetricsCollector receives the engine's runtime measurements.
type MetricsCollector interface {
	// RecordSagaStarted counts a submitted saga.
	RecordSagaStarted(sagaName string)

	// RecordSagaFinished counts a saga reaching completed or compensated, with
	// its age at that moment. No operation moves a saga out of these statuses.
	RecordSagaFinished(sagaName string, status saga.SagaStatus, duration time.Duration)

	// RecordSagaStalled counts a saga frozen as partial or failed behind a
	// dead letter. A retried dead letter may still move it on.
	RecordSagaStalled(sagaName string, status saga.SagaStatus)

	// RecordStepExecuted counts one forward attempt.
	RecordStepExecuted(sagaName, stepName string, success bool, duration time.Duration)

	// RecordStepRetried counts a retry scheduled after a failed attempt.
	RecordStepRetried(sagaName, stepName string, attempt int)

	// RecordCompensationExecuted counts one compensation attempt.
	RecordCompensationExecuted(sagaName, stepName string, success bool, duration time.Duration)

	// RecordDeadLetter counts a step parked in the dead-letter queue.
	RecordDeadLetter(sagaName, stepName string, kind saga.DeadLetterKind)
}

// PrometheusMetricsCollector implements MetricsCollector using Prometheus metrics.
type PrometheusMetricsCollector struct {
	// Saga lifecycle metrics
	sagaStartedTotal  *prometheus.CounterVec
	sagaFinishedTotal *prometheus.CounterVec
	sagaStalledTotal  *prometheus.CounterVec
	sagaDuration      *prometheus.HistogramVec

	// Step execution metrics
	stepExecutedTotal *prometheus.CounterVec
	stepRetriedTotal  *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec

	// Compensation metrics
	compensationExecutedTotal *prometheus.CounterVec
	compensationDuration      *prometheus.HistogramVec

	deadLettersTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// PrometheusMetricsConfig contains configuration for Prometheus metrics.
type PrometheusMetricsConfig struct {
	// Namespace is the Prometheus namespace for all metrics (default: "saga")
	Namespace string

	// Subsystem is the Prometheus subsystem for all metrics (default: "coordinator")
	Subsystem string

	// Registry is the Prometheus registry to use. If nil, a new registry is created.
	Registry *prometheus.Registry

	// DurationBuckets defines the buckets for duration histograms.
	DurationBuckets []float64
}

var defaultDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0}

// DefaultPrometheusMetricsConfig returns a default configuration for Prometheus metrics.
func DefaultPrometheusMetricsConfig() *PrometheusMetricsConfig {
	return &PrometheusMetricsConfig{
		Namespace:       "saga",
		Subsystem:       "coordinator",
		Registry:        prometheus.NewRegistry(),
		DurationBuckets: defaultDurationBuckets,
	}
}

// NewPrometheusMetricsCollector creates the collector and registers its metrics.
//
// Example:
//
//	collector, err := NewPrometheusMetricsCollector(nil)
//	if err != nil {
//	    return err
//	}
//	engine, err := New(cfg, reg, store, WithMetricsCollector(collector))
func NewPrometheusMetricsCollector(config *PrometheusMetricsConfig) (*PrometheusMetricsCollector, error) {
	if config == nil {
		config = DefaultPrometheusMetricsConfig()
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	if config.Namespace == "" {
		config.Namespace = "saga"
	}
	if config.Subsystem == "" {
		config.Subsystem = "coordinator"
	}
	if config.DurationBuckets == nil {
		config.DurationBuckets = defaultDurationBuckets
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
			Buckets:   config.DurationBuckets,
		}, labels)
	}

	collector := &PrometheusMetricsCollector{
		sagaStartedTotal:          counter("saga_started_total", "Total number of sagas submitted", "saga_name"),
		sagaFinishedTotal:         counter("saga_finished_total", "Total number of sagas that completed or were compensated", "saga_name", "status"),
		sagaStalledTotal:          counter("saga_stalled_total", "Total number of times a saga froze as partial or failed", "saga_name", "status"),
		sagaDuration:              histogram("saga_duration_seconds", "Saga age in seconds when it completed or was compensated", "saga_name", "status"),
		stepExecutedTotal:         counter("step_executed_total", "Total number of forward step attempts", "saga_name", "step_name", "success"),
		stepRetriedTotal:          counter("step_retried_total", "Total number of step retries", "saga_name", "step_name", "attempt"),
		stepDuration:              histogram("step_duration_seconds", "Duration of forward step attempts in seconds", "saga_name", "step_name", "success"),
		compensationExecutedTotal: counter("compensation_executed_total", "Total number of compensation attempts", "saga_name", "step_name", "success"),
		compensationDuration:      histogram("compensation_duration_seconds", "Duration of compensation attempts in seconds", "saga_name", "step_name", "success"),
		deadLettersTotal:          counter("dead_letters_total", "Total number of steps parked in the dead-letter queue", "saga_name", "step_name", "kind"),
		registry:                  config.Registry,
	}

	metrics := []prometheus.Collector{
		collector.sagaStartedTotal,
		collector.sagaFinishedTotal,
		collector.sagaStalledTotal,
		collector.sagaDuration,
		collector.stepExecutedTotal,
		collector.stepRetriedTotal,
		collector.stepDuration,
		collector.compensationExecutedTotal,
		collector.compensationDuration,
		collector.deadLettersTotal,
	}
	for _, metric := range metrics {
		if err := config.Registry.Register(metric); err != nil {
			return nil, err
		}
	}
	return collector, nil
}

// RecordSagaStarted increments the count of started sagas.
func (pmc *PrometheusMetricsCollector) RecordSagaStarted(sagaName string) {
	pmc.sagaStartedTotal.WithLabelValues(sagaName).Inc()
}

// RecordSagaFinished counts the outcome and observes the saga's age.
func (pmc *PrometheusMetricsCollector) RecordSagaFinished(sagaName string, status saga.SagaStatus, duration time.Duration) {
	pmc.sagaFinishedTotal.WithLabelValues(sagaName, string(status)).Inc()
	pmc.sagaDuration.WithLabelValues(sagaName, string(status)).Observe(duration.Seconds())
}

// RecordSagaStalled increments the count of frozen sagas.
func (pmc *PrometheusMetricsCollector) RecordSagaStalled(sagaName string, status saga.SagaStatus) {
	pmc.sagaStalledTotal.WithLabelValues(sagaName, string(status)).Inc()
}

// RecordStepExecuted increments the count of executed steps and records the duration.
func (pmc *PrometheusMetricsCollector) RecordStepExecuted(sagaName, stepName string, success bool, duration time.Duration) {
	successLabel := strconv.FormatBool(success)
	pmc.stepExecutedTotal.WithLabelValues(sagaName, stepName, successLabel).Inc()
	pmc.stepDuration.WithLabelValues(sagaName, stepName, successLabel).Observe(duration.Seconds())
}

// RecordStepRetried increments the count of step retries.
func (pmc *PrometheusMetricsCollector) RecordStepRetried(sagaName, stepName string, attempt int) {
	attemptLabel := "0"
	if attempt > 0 {
		// Limit attempt labels to reduce cardinality (1, 2, 3, 4+)
		if attempt <= 3 {
			attemptLabel = strconv.Itoa(attempt)
		} else {
			attemptLabel = "4+"
		}
	}
	pmc.stepRetriedTotal.WithLabelValues(sagaName, stepName, attemptLabel).Inc()
}

// RecordCompensationExecuted increments the count of compensation executions and records the duration.
func (pmc *PrometheusMetricsCollector) RecordCompensationExecuted(sagaName, stepName string, success bool, duration time.Duration) {
	successLabel := strconv.FormatBool(success)
	pmc.compensationExecutedTotal.WithLabelValues(sagaName, stepName, successLabel).Inc()
	pmc.compensationDuration.WithLabelValues(sagaName, stepName, successLabel).Observe(duration.Seconds())
}

// RecordDeadLetter increments the count of dead-lettered steps.
func (pmc *PrometheusMetricsCollector) RecordDeadLetter(sagaName, stepName string, kind saga.DeadLetterKind) {
	pmc.deadLettersTotal.WithLabelValues(sagaName, stepName, string(kind)).Inc()
}

// GetRegistry returns the Prometheus registry used by this collector.
// This can be used to expose the metrics via an HTTP handler.
//
// Example:
//
//	http.Handle("/metrics", promhttp.HandlerFor(
//	    collector.GetRegistry(),
//	    promhttp.HandlerOpts{},
//	))
func (pmc *PrometheusMetricsCollector) GetRegistry() *prometheus.Registry {
	return pmc.registry
}

type noOpMetricsCollector struct{}

func (noOpMetricsCollector) RecordSagaStarted(string)                                       {}
func (noOpMetricsCollector) RecordSagaFinished(string, saga.SagaStatus, time.Duration)      {}
func (noOpMetricsCollector) RecordSagaStalled(string, saga.SagaStatus)                      {}
func (noOpMetricsCollector) RecordStepExecuted(string, string, bool, time.Duration)         {}
func (noOpMetricsCollector) RecordStepRetried(string, string, int)                          {}
func (noOpMetricsCollector) RecordCompensationExecuted(string, string, bool, time.Duration) {}
func (noOpMetricsCollector) RecordDeadLetter(string, string, saga.DeadLetterKind)           {}
