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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilian/saga-orchestrator/pkg/saga"
)

func TestNewPrometheusMetricsCollector(t *testing.T) {
	tests := []struct {
		name   string
		config *PrometheusMetricsConfig
	}{
		{
			name:   "with nil config",
			config: nil,
		},
		{
			name:   "with default config",
			config: DefaultPrometheusMetricsConfig(),
		},
		{
			name: "with custom config",
			config: &PrometheusMetricsConfig{
				Namespace:       "custom_saga",
				Subsystem:       "custom_engine",
				Registry:        prometheus.NewRegistry(),
				DurationBuckets: []float64{0.1, 1.0, 10.0},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector, err := NewPrometheusMetricsCollector(tt.config)
			require.NoError(t, err)
			assert.NotNil(t, collector)
			assert.NotNil(t, collector.GetRegistry())
		})
	}
}

func TestNewPrometheusMetricsCollector_DuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewPrometheusMetricsCollector(&PrometheusMetricsConfig{Registry: registry})
	require.NoError(t, err)

	_, err = NewPrometheusMetricsCollector(&PrometheusMetricsConfig{Registry: registry})
	assert.Error(t, err)
}

func TestPrometheusMetricsCollector_RecordSagaStarted(t *testing.T) {
	collector, err := NewPrometheusMetricsCollector(nil)
	require.NoError(t, err)

	collector.RecordSagaStarted("version-rollback")
	collector.RecordSagaStarted("version-rollback")

	assert.Equal(t, float64(2), getCounterValue(t, collector.sagaStartedTotal, "version-rollback"))
}

func TestPrometheusMetricsCollector_RecordSagaFinished(t *testing.T) {
	collector, err := NewPrometheusMetricsCollector(nil)
	require.NoError(t, err)

	collector.RecordSagaFinished("version-rollback", saga.StatusCompleted, 5*time.Second)
	collector.RecordSagaFinished("version-rollback", saga.StatusCompensated, 3*time.Second)
	collector.RecordSagaFinished("version-rollback", saga.StatusCompensated, time.Second)

	assert.Equal(t, float64(1), getCounterValue(t, collector.sagaFinishedTotal, "version-rollback", "completed"))
	assert.Equal(t, float64(2), getCounterValue(t, collector.sagaFinishedTotal, "version-rollback", "compensated"))
	assert.Equal(t, uint64(2), getHistogramCount(t, collector.sagaDuration, "version-rollback", "compensated"))
}

func TestPrometheusMetricsCollector_RecordStepExecuted(t *testing.T) {
	collector, err := NewPrometheusMetricsCollector(nil)
	require.NoError(t, err)

	collector.RecordStepExecuted("s", "switch_version", true, 100*time.Millisecond)
	collector.RecordStepExecuted("s", "switch_version", false, 200*time.Millisecond)
	collector.RecordStepExecuted("s", "switch_version", false, 50*time.Millisecond)

	assert.Equal(t, float64(1), getCounterValue(t, collector.stepExecutedTotal, "s", "switch_version", "true"))
	assert.Equal(t, float64(2), getCounterValue(t, collector.stepExecutedTotal, "s", "switch_version", "false"))
	assert.Equal(t, uint64(2), getHistogramCount(t, collector.stepDuration, "s", "switch_version", "false"))
}

func TestPrometheusMetricsCollector_RecordStepRetried(t *testing.T) {
	collector, err := NewPrometheusMetricsCollector(nil)
	require.NoError(t, err)

	tests := []struct {
		attempt       int
		expectedLabel string
	}{
		{attempt: 0, expectedLabel: "0"},
		{attempt: 1, expectedLabel: "1"},
		{attempt: 3, expectedLabel: "3"},
		{attempt: 4, expectedLabel: "4+"},
		{attempt: 12, expectedLabel: "4+"},
	}
	for _, tt := range tests {
		collector.RecordStepRetried("s", "step", tt.attempt)
	}

	assert.Equal(t, float64(1), getCounterValue(t, collector.stepRetriedTotal, "s", "step", "1"))
	assert.Equal(t, float64(2), getCounterValue(t, collector.stepRetriedTotal, "s", "step", "4+"))
}

func TestPrometheusMetricsCollector_RecordCompensationAndDeadLetter(t *testing.T) {
	collector, err := NewPrometheusMetricsCollector(nil)
	require.NoError(t, err)

	collector.RecordCompensationExecuted("s", "snapshot_current", true, time.Millisecond)
	collector.RecordDeadLetter("s", "record_audit", saga.DeadLetterForward)
	collector.RecordDeadLetter("s", "switch_version", saga.DeadLetterCompensation)

	assert.Equal(t, float64(1), getCounterValue(t, collector.compensationExecutedTotal, "s", "snapshot_current", "true"))
	assert.Equal(t, uint64(1), getHistogramCount(t, collector.compensationDuration, "s", "snapshot_current", "true"))
	assert.Equal(t, float64(1), getCounterValue(t, collector.deadLettersTotal, "s", "record_audit", "forward"))
	assert.Equal(t, float64(1), getCounterValue(t, collector.deadLettersTotal, "s", "switch_version", "compensation"))
}

func TestPrometheusMetricsCollector_RecordSagaStalled(t *testing.T) {
	collector, err := NewPrometheusMetricsCollector(nil)
	require.NoError(t, err)

	collector.RecordSagaStalled("version-rollback", saga.StatusPartial)
	collector.RecordSagaStalled("version-rollback", saga.StatusFailed)
	collector.RecordSagaStalled("version-rollback", saga.StatusPartial)

	assert.Equal(t, float64(2), getCounterValue(t, collector.sagaStalledTotal, "version-rollback", "partial"))
	assert.Equal(t, float64(1), getCounterValue(t, collector.sagaStalledTotal, "version-rollback", "failed"))
	assert.Equal(t, float64(0), getCounterValue(t, collector.sagaFinishedTotal, "version-rollback", "partial"))
}

func TestPrometheusMetricsCollector_Gather(t *testing.T) {
	collector, err := NewPrometheusMetricsCollector(nil)
	require.NoError(t, err)

	collector.RecordSagaStarted("s")
	families, err := collector.GetRegistry().Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "saga_coordinator_saga_started_total")
}

func TestNoOpMetricsCollector(t *testing.T) {
	var collector MetricsCollector = &noOpMetricsCollector{}
	assert.NotPanics(t, func() {
		collector.RecordSagaStarted("s")
		collector.RecordSagaFinished("s", saga.StatusCompleted, time.Second)
		collector.RecordSagaStalled("s", saga.StatusPartial)
		collector.RecordStepExecuted("s", "a", true, time.Second)
		collector.RecordStepRetried("s", "a", 1)
		collector.RecordCompensationExecuted("s", "a", false, time.Second)
		collector.RecordDeadLetter("s", "a", saga.DeadLetterForward)
	})
}

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, counter.WithLabelValues(labels...).Write(metric))
	return metric.GetCounter().GetValue()
}

func getHistogramCount(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	observer, err := histogram.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	metric := &dto.Metric{}
	require.NoError(t, observer.(prometheus.Metric).Write(metric))
	return metric.GetHistogram().GetSampleCount()
}
