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

// Package server assembles the saga orchestrator: storage, engine, rollback
// saga, event forwarding, alerts, tracing, metrics and the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xilian/saga-orchestrator/internal/rollback"
	"github.com/xilian/saga-orchestrator/internal/sagaserve/alert"
	"github.com/xilian/saga-orchestrator/internal/sagaserve/config"
	"github.com/xilian/saga-orchestrator/internal/sagaserve/handler"
	"github.com/xilian/saga-orchestrator/pkg/logger"
	"github.com/xilian/saga-orchestrator/pkg/middleware"
	"github.com/xilian/saga-orchestrator/pkg/saga"
	"github.com/xilian/saga-orchestrator/pkg/saga/coordinator"
	"github.com/xilian/saga-orchestrator/pkg/saga/dlq"
	"github.com/xilian/saga-orchestrator/pkg/saga/events"
	"github.com/xilian/saga-orchestrator/pkg/saga/monitoring"
	"github.com/xilian/saga-orchestrator/pkg/saga/registry"
	"github.com/xilian/saga-orchestrator/pkg/saga/state/storage"
	"github.com/xilian/saga-orchestrator/pkg/tracing"
)

const serviceName = "saga-orchestrator"

// ErrAlreadyStarted is returned by Start on a running server.
var ErrAlreadyStarted = errors.New("server already started")

// Server owns every long-lived component of the orchestrator process.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	store       saga.Store
	redis       redis.UniversalClient
	rollbacks   rollback.Dependencies
	engine      *coordinator.Engine
	bus         *events.Bus
	aggregator  *monitoring.Aggregator
	health      *monitoring.HealthManager
	metrics     *prometheus.Registry
	tracer      *tracing.Provider
	publisher   saga.EventPublisher
	forwarder   *events.Forwarder
	alerter     *alert.Alerter
	router      *gin.Engine
	alertOpts   []alert.Option
	traceOpts   []tracing.Option
	ownsStore   bool
	hasRollback bool

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	serveErr chan error
}

// Option customises a Server.
type Option func(*Server)

// WithStore uses store instead of opening the configured driver. The caller
// keeps ownership of store.
func WithStore(store saga.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithRollbackDependencies replaces the configured rollback backend.
func WithRollbackDependencies(deps rollback.Dependencies) Option {
	return func(s *Server) {
		s.rollbacks = deps
		s.hasRollback = true
	}
}

// WithAlertOptions passes options to the Sentry alerter.
func WithAlertOptions(opts ...alert.Option) Option {
	return func(s *Server) {
		s.alertOpts = append(s.alertOpts, opts...)
	}
}

// WithTracingOptions passes options to the tracer provider.
func WithTracingOptions(opts ...tracing.Option) Option {
	return func(s *Server) {
		s.traceOpts = append(s.traceOpts, opts...)
	}
}

// New builds the orchestrator from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (srv *Server, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger.GetLogger().Named("server"),
		metrics:  prometheus.NewRegistry(),
		serveErr: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	defer func() {
		if err != nil {
			s.release(context.Background())
		}
	}()

	if s.tracer, err = tracing.Setup(ctx, &cfg.Tracing, append([]tracing.Option{tracing.WithGlobal()}, s.traceOpts...)...); err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	if s.store == nil {
		if s.store, err = openStore(ctx, cfg); err != nil {
			return nil, err
		}
		s.ownsStore = true
	}
	if !s.hasRollback {
		if s.rollbacks, err = s.openRollbackBackend(); err != nil {
			return nil, err
		}
	}

	reg := registry.New()
	stepOpts := rollback.DefaultStepOptions()
	stepOpts.MaxRetries = cfg.Rollback.MaxRetries
	stepOpts.Timeout = cfg.Rollback.Timeout
	if err = rollback.Register(reg, s.rollbacks, stepOpts); err != nil {
		return nil, fmt.Errorf("failed to register rollback saga: %w", err)
	}

	if err = s.buildEngine(reg); err != nil {
		return nil, err
	}
	if err = s.buildMonitoring(reg); err != nil {
		return nil, err
	}

	if s.publisher, err = events.NewPublisher(cfg.Events, serviceName); err != nil {
		return nil, fmt.Errorf("failed to connect event transports: %w", err)
	}
	if s.publisher != nil {
		s.forwarder = events.NewForwarder(s.bus, s.publisher, cfg.Events.PublishTimeout)
	}
	if s.alerter, err = alert.NewAlerter(cfg.Alerts, s.alertOpts...); err != nil {
		return nil, fmt.Errorf("failed to set up alerts: %w", err)
	}

	if err = s.buildRouter(); err != nil {
		return nil, err
	}
	return s, nil
}

func openStore(ctx context.Context, cfg *config.Config) (saga.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite, config.DriverPostgres:
		store, err := storage.NewSQLStore(cfg.SQLConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Driver, err)
		}
		return store, nil
	case config.DriverRedis:
		store, err := storage.NewRedisStore(&cfg.Storage.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		return store, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

func (s *Server) openRollbackBackend() (rollback.Dependencies, error) {
	if s.cfg.Rollback.Backend != config.DriverRedis {
		return rollback.Dependencies{
			Switcher:  rollback.NewMemorySwitcher(),
			Snapshots: rollback.NewMemorySnapshots(),
			Audit:     rollback.NewMemoryAuditLog(),
		}, nil
	}
	client, err := storage.NewRedisClient(&s.cfg.Storage.Redis)
	if err != nil {
		return rollback.Dependencies{}, fmt.Errorf("failed to open rollback backend: %w", err)
	}
	s.redis = client
	backend := rollback.NewRedisBackend(client, s.cfg.Rollback.KeyPrefix)
	return rollback.Dependencies{Switcher: backend, Snapshots: backend, Audit: backend}, nil
}

func (s *Server) buildEngine(reg *registry.Registry) error {
	ns := s.cfg.Monitoring.Namespace
	collector, err := coordinator.NewPrometheusMetricsCollector(&coordinator.PrometheusMetricsConfig{
		Namespace: ns,
		Subsystem: "coordinator",
		Registry:  s.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to register engine metrics: %w", err)
	}
	dlqMetrics, err := dlq.NewMetrics(ns, "dlq", s.metrics)
	if err != nil {
		return fmt.Errorf("failed to register dead-letter metrics: %w", err)
	}

	s.bus = events.NewBus(events.WithBufferSize(s.cfg.Events.BufferSize))
	s.engine, err = coordinator.New(&s.cfg.Engine, reg, s.store,
		coordinator.WithEventBus(s.bus),
		coordinator.WithDeadLetterQueue(dlq.New(s.store, dlq.WithMetrics(dlqMetrics))),
		coordinator.WithMetricsCollector(collector),
		coordinator.WithTracer(s.tracer.Tracer(serviceName)),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	return nil
}

func (s *Server) buildMonitoring(reg *registry.Registry) error {
	s.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.aggregator = monitoring.NewAggregator(s.store, s.engine.DeadLetters(), reg, s.engine)
	if err := s.metrics.Register(monitoring.NewStatsCollector(s.aggregator, &monitoring.Config{
		Namespace: s.cfg.Monitoring.Namespace,
	})); err != nil {
		return fmt.Errorf("failed to register stats collector: %w", err)
	}

	s.health = monitoring.NewHealthManager(nil)
	checkers := []monitoring.HealthChecker{
		monitoring.NewEngineHealthChecker(s.engine, s.cfg.Monitoring.MaxQueueDepth),
		monitoring.NewStorageHealthChecker("storage", s.store, 0),
	}
	if s.redis != nil {
		client := s.redis
		checkers = append(checkers, monitoring.NewCheckFunc("rollback-backend", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}
	for _, checker := range checkers {
		if err := s.health.RegisterChecker(checker); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) buildRouter() error {
	gin.SetMode(s.cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(s.cfg.Server.CORSOrigins) > 0 {
		router.Use(corsMiddleware(s.cfg.Server.CORSOrigins))
	}

	httpMetrics, err := middleware.NewHTTPMetrics(s.cfg.Monitoring.Namespace, s.metrics, "/metrics", "/healthz", "/readyz")
	if err != nil {
		return fmt.Errorf("failed to register http metrics: %w", err)
	}
	router.Use(
		middleware.RequestLogger(),
		middleware.Tracing(s.tracer),
		httpMetrics.Middleware(),
	)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})))
	router.GET("/healthz", s.healthz)
	router.GET("/readyz", s.readyz)

	api := handler.New(s.engine, s.aggregator, s.engine.DeadLetters(), rollback.NewService(s.engine))
	api.RegisterRoutes(router)

	s.router = router
	return nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	for _, origin := range origins {
		if origin == "*" {
			corsConfig.AllowAllOrigins = true
			break
		}
	}
	if !corsConfig.AllowAllOrigins {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AddAllowHeaders(middleware.RequestIDHeader)
	corsConfig.AddExposeHeaders(middleware.RequestIDHeader)
	return cors.New(corsConfig)
}

func (s *Server) healthz(c *gin.Context) {
	report := s.health.CheckHealth(c.Request.Context())
	status := http.StatusOK
	if report.Status == monitoring.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) readyz(c *gin.Context) {
	if !s.health.CheckReadiness(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// Start starts the engine, event forwarding and alerts, then serves HTTP on
// the configured address. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return ErrAlreadyStarted
	}

	// subscribers first so events of recovered sagas are not missed
	if s.forwarder != nil {
		s.forwarder.Start(context.Background())
	}
	if s.alerter != nil {
		s.alerter.Start(context.Background(), s.engine)
	}
	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	ln, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to create HTTP listener: %w", err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
	}

	go func(server *http.Server) {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed to serve", zap.Error(err))
			s.serveErr <- err
		}
	}(s.http)

	s.health.SetReady(true)
	s.logger.Info("saga orchestrator started",
		zap.String("address", ln.Addr().String()),
		zap.String("storage", s.cfg.Storage.Driver),
		zap.Strings("sagas", s.engine.Registry().Names()),
		zap.Bool("tracing", s.tracer.Enabled()),
		zap.Bool("events", s.publisher != nil),
		zap.Bool("alerts", s.alerter != nil))
	return nil
}

// Address returns the bound HTTP address, or "" before Start.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Errors reports a failure of the HTTP listener after Start.
func (s *Server) Errors() <-chan error {
	return s.serveErr
}

// Router exposes the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// Engine returns the saga engine.
func (s *Server) Engine() *coordinator.Engine {
	return s.engine
}

// Shutdown drains HTTP, stops the engine and closes every backend. It keeps
// going after a failure and returns every error it saw.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.SetReady(false)

	var result *multierror.Error
	s.mu.Lock()
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("http: %w", err))
		}
	}
	s.mu.Unlock()

	if err := s.release(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		s.logger.Error("shutdown finished with errors", zap.Error(err))
		return err
	}
	s.logger.Info("saga orchestrator stopped")
	return nil
}

func (s *Server) release(ctx context.Context) error {
	var result *multierror.Error
	appendErr := func(component string, err error) {
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", component, err))
		}
	}

	if s.forwarder != nil {
		s.forwarder.Stop()
	}
	if s.alerter != nil {
		s.alerter.Stop()
	}
	if s.engine != nil {
		appendErr("engine", s.engine.Close(ctx))
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.publisher != nil {
		appendErr("events", s.publisher.Close())
	}
	if s.redis != nil {
		appendErr("rollback backend", s.redis.Close())
	}
	if s.ownsStore && s.store != nil {
		appendErr("storage", s.store.Close())
	}
	if s.tracer != nil {
		appendErr("tracing", s.tracer.Shutdown(ctx))
	}
	return result.ErrorOrNil()
}
