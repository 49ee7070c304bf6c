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
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	// HealthStatusHealthy indicates the component is healthy.
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusUnhealthy indicates the component is unhealthy.
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	// HealthStatusDegraded indicates the component is degraded but operational.
	HealthStatusDegraded HealthStatus = "degraded"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name          string        `json:"name"`
	Status        HealthStatus  `json:"status"`
	Message       string        `json:"message,omitempty"`
	Error         string        `json:"error,omitempty"`
	CheckDuration time.Duration `json:"checkDuration"`
	Timestamp     time.Time     `json:"timestamp"`
}

// HealthReport contains the overall health status of the orchestrator.
type HealthReport struct {
	Status     HealthStatus                `json:"status"`
	Components map[string]*ComponentHealth `json:"components"`
	Timestamp  time.Time                   `json:"timestamp"`
}

// HealthChecker defines the interface for health check implementations.
type HealthChecker interface {
	// Check performs a health check and returns the component health.
	Check(ctx context.Context) *ComponentHealth
	// GetName returns the name of the component being checked.
	GetName() string
}

// EngineProbe is the part of the execution engine inspected by health checks.
type EngineProbe interface {
	IsRunning() bool
	QueueDepth() int
}

// EngineHealthChecker reports an engine that is not running as unhealthy and
// a work queue deeper than maxQueueDepth as degraded.
type EngineHealthChecker struct {
	engine        EngineProbe
	maxQueueDepth int
}

// NewEngineHealthChecker creates an engine checker. A zero maxQueueDepth
// disables the degraded state.
func NewEngineHealthChecker(engine EngineProbe, maxQueueDepth int) *EngineHealthChecker {
	return &EngineHealthChecker{engine: engine, maxQueueDepth: maxQueueDepth}
}

// Check performs the engine health check.
func (c *EngineHealthChecker) Check(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{Name: c.GetName(), Timestamp: start}
	defer func() { health.CheckDuration = time.Since(start) }()

	if !c.engine.IsRunning() {
		health.Status = HealthStatusUnhealthy
		health.Message = "engine is not running"
		return health
	}
	depth := c.engine.QueueDepth()
	if c.maxQueueDepth > 0 && depth > c.maxQueueDepth {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("work queue depth (%d) exceeds threshold (%d)", depth, c.maxQueueDepth)
		return health
	}
	health.Status = HealthStatusHealthy
	health.Message = fmt.Sprintf("engine healthy with %d queued work units", depth)
	return health
}

// GetName returns the component name.
func (c *EngineHealthChecker) GetName() string {
	return "engine"
}

// StorageHealthChecker queries the saga store and reports slow answers as degraded.
type StorageHealthChecker struct {
	name    string
	store   StatusCounter
	timeout time.Duration
}

// NewStorageHealthChecker creates a storage checker; timeout defaults to 5s.
func NewStorageHealthChecker(name string, store StatusCounter, timeout time.Duration) *StorageHealthChecker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &StorageHealthChecker{name: name, store: store, timeout: timeout}
}

// Check performs the storage health check.
func (s *StorageHealthChecker) Check(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{Name: s.name, Timestamp: start}

	checkCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.store.CountByStatus(checkCtx)
	health.CheckDuration = time.Since(start)
	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Error = err.Error()
		health.Message = "storage health check failed"
		return health
	}

	health.Status = HealthStatusHealthy
	health.Message = "storage is healthy"
	if health.CheckDuration > s.timeout/2 {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("storage response time degraded (%v)", health.CheckDuration)
	}
	return health
}

// GetName returns the storage name.
func (s *StorageHealthChecker) GetName() string {
	return s.name
}

// CheckFunc adapts a connectivity probe, such as a broker ping, to HealthChecker.
type CheckFunc struct {
	name  string
	probe func(ctx context.Context) error
}

// NewCheckFunc creates a checker named name around probe.
func NewCheckFunc(name string, probe func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, probe: probe}
}

// Check runs the probe.
func (f *CheckFunc) Check(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{Name: f.name, Timestamp: start, Status: HealthStatusHealthy}
	if err := f.probe(ctx); err != nil {
		health.Status = HealthStatusUnhealthy
		health.Error = err.Error()
	}
	health.CheckDuration = time.Since(start)
	return health
}

// GetName returns the checker name.
func (f *CheckFunc) GetName() string {
	return f.name
}

// HealthManager aggregates health checkers and caches their report.
type HealthManager struct {
	mu             sync.RWMutex
	checkers       map[string]HealthChecker
	lastReport     *HealthReport
	lastReportTime time.Time
	cacheDuration  time.Duration
	checkTimeout   time.Duration
	ready          atomic.Bool
}

// HealthManagerConfig contains configuration for the health manager.
type HealthManagerConfig struct {
	// CacheDuration is how long to cache health check results (default: 5s).
	CacheDuration time.Duration
	// CheckTimeout is the timeout for individual health checks (default: 10s).
	CheckTimeout time.Duration
}

// DefaultHealthManagerConfig returns a default configuration.
func DefaultHealthManagerConfig() *HealthManagerConfig {
	return &HealthManagerConfig{
		CacheDuration: 5 * time.Second,
		CheckTimeout:  10 * time.Second,
	}
}

// NewHealthManager creates a health manager. It starts not ready.
func NewHealthManager(config *HealthManagerConfig) *HealthManager {
	if config == nil {
		config = DefaultHealthManagerConfig()
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 10 * time.Second
	}
	return &HealthManager{
		checkers:      make(map[string]HealthChecker),
		cacheDuration: config.CacheDuration,
		checkTimeout:  config.CheckTimeout,
	}
}

// RegisterChecker registers a health checker. Names must be unique.
func (h *HealthManager) RegisterChecker(checker HealthChecker) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	name := checker.GetName()
	if _, exists := h.checkers[name]; exists {
		return fmt.Errorf("health checker %s already registered", name)
	}
	h.checkers[name] = checker
	return nil
}

// CheckHealth runs every checker concurrently, or returns the cached report.
func (h *HealthManager) CheckHealth(ctx context.Context) *HealthReport {
	h.mu.RLock()
	if h.lastReport != nil && time.Since(h.lastReportTime) < h.cacheDuration {
		report := h.lastReport
		h.mu.RUnlock()
		return report
	}
	checkers := make([]HealthChecker, 0, len(h.checkers))
	for _, checker := range h.checkers {
		checkers = append(checkers, checker)
	}
	h.mu.RUnlock()

	report := &HealthReport{
		Status:     HealthStatusHealthy,
		Components: h.runHealthChecks(ctx, checkers),
		Timestamp:  time.Now(),
	}
	for _, comp := range report.Components {
		if comp.Status == HealthStatusUnhealthy {
			report.Status = HealthStatusUnhealthy
			break
		}
		if comp.Status == HealthStatusDegraded {
			report.Status = HealthStatusDegraded
		}
	}

	h.mu.Lock()
	h.lastReport = report
	h.lastReportTime = time.Now()
	h.mu.Unlock()
	return report
}

func (h *HealthManager) runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]*ComponentHealth {
	results := make(map[string]*ComponentHealth, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, h.checkTimeout)
			defer cancel()

			result := c.Check(checkCtx)
			mu.Lock()
			results[result.Name] = result
			mu.Unlock()
		}(checker)
	}
	wg.Wait()
	return results
}

// CheckReadiness reports whether the orchestrator was marked ready and no
// component is unhealthy.
func (h *HealthManager) CheckReadiness(ctx context.Context) bool {
	if !h.ready.Load() {
		return false
	}
	return h.CheckHealth(ctx).Status != HealthStatusUnhealthy
}

// SetReady sets the readiness state, typically after startup and before shutdown.
func (h *HealthManager) SetReady(ready bool) {
	h.ready.Store(ready)
}

// ClearCache forces a fresh check on the next request.
func (h *HealthManager) ClearCache() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastReport = nil
	h.lastReportTime = time.Time{}
}
