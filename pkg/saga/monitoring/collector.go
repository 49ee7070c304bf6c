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

package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/pkg/logger"
	"github.com/xilian/saga-orchestrator/pkg/saga"
)

// Config contains configuration options for StatsCollector.
type Config struct {
	// Namespace for Prometheus metrics (default: "saga")
	Namespace string

	// Timeout bounds the store queries of one scrape (default: 5s)
	Timeout time.Duration
}

// DefaultConfig returns a default configuration for StatsCollector.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "saga",
		Timeout:   5 * time.Second,
	}
}

// StatsCollector exports Aggregator stats as gauges computed at scrape time.
// It implements prometheus.Collector.
type StatsCollector struct {
	aggregator *Aggregator
	timeout    time.Duration
	logger     *zap.Logger

	instances   *prometheus.Desc
	dlqBacklog  *prometheus.Desc
	definitions *prometheus.Desc
	running     *prometheus.Desc
	scrapeError *prometheus.Desc
}

// NewStatsCollector creates a collector over aggregator. Register it with
// a prometheus.Registerer to expose it.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	registry.MustRegister(monitoring.NewStatsCollector(aggregator, nil))
func NewStatsCollector(aggregator *Aggregator, config *Config) *StatsCollector {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Namespace == "" {
		config.Namespace = "saga"
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	name := func(n string) string {
		return prometheus.BuildFQName(config.Namespace, "", n)
	}
	return &StatsCollector{
		aggregator: aggregator,
		timeout:    config.Timeout,
		logger:     logger.GetLogger().Named("monitoring"),

		instances: prometheus.NewDesc(name("instances"),
			"Current number of saga instances by status", []string{"status"}, nil),
		dlqBacklog: prometheus.NewDesc(name("dlq_backlog"),
			"Current number of unresolved dead-letter entries", nil, nil),
		definitions: prometheus.NewDesc(name("registered_definitions"),
			"Number of registered saga definitions", nil, nil),
		running: prometheus.NewDesc(name("engine_running"),
			"Whether the execution engine is running (1) or not (0)", nil, nil),
		scrapeError: prometheus.NewDesc(name("stats_scrape_error"),
			"Whether the last stats scrape failed (1) or not (0)", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.instances
	ch <- c.dlqBacklog
	ch <- c.definitions
	ch <- c.running
	ch <- c.scrapeError
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.aggregator.Stats(ctx)
	if err != nil {
		c.logger.Warn("failed to collect saga stats", zap.Error(err))
		ch <- prometheus.MustNewConstMetric(c.scrapeError, prometheus.GaugeValue, 1)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.scrapeError, prometheus.GaugeValue, 0)

	byStatus := map[saga.SagaStatus]int{
		saga.StatusRunning:      stats.Running,
		saga.StatusCompensating: stats.Compensating,
		saga.StatusCompleted:    stats.Completed,
		saga.StatusCompensated:  stats.Compensated,
		saga.StatusPartial:      stats.Partial,
		saga.StatusFailed:       stats.Failed,
	}
	for _, status := range saga.AllStatuses {
		ch <- prometheus.MustNewConstMetric(c.instances, prometheus.GaugeValue,
			float64(byStatus[status]), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.dlqBacklog, prometheus.GaugeValue, float64(stats.DeadLetters))
	ch <- prometheus.MustNewConstMetric(c.definitions, prometheus.GaugeValue,
		float64(stats.OrchestratorMetrics.RegisteredSagas))

	running := 0.0
	if stats.OrchestratorMetrics.IsRunning {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, running)
}
