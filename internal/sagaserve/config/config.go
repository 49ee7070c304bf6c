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

// Package config defines the configuration of the saga-orchestrator server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"

	"github.com/xilian/saga-orchestrator/internal/sagaserve/alert"
	"github.com/xilian/saga-orchestrator/pkg/config"
	"github.com/xilian/saga-orchestrator/pkg/saga/coordinator"
	"github.com/xilian/saga-orchestrator/pkg/saga/events"
	"github.com/xilian/saga-orchestrator/pkg/saga/state/storage"
	"github.com/xilian/saga-orchestrator/pkg/tracing"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address           string        `mapstructure:"address" json:"address"`
	Mode              string        `mapstructure:"mode" json:"mode"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" json:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" json:"shutdownTimeout"`
	CORSOrigins       []string      `mapstructure:"cors_origins" json:"corsOrigins"`
}

// StorageConfig selects and configures the saga store.
type StorageConfig struct {
	Driver string              `mapstructure:"driver" json:"driver"`
	SQL    storage.SQLConfig   `mapstructure:"sql" json:"sql"`
	Redis  storage.RedisConfig `mapstructure:"redis" json:"redis"`
}

// RollbackConfig tunes the version-rollback saga.
type RollbackConfig struct {
	// Backend is memory or redis. The redis backend shares storage.redis.
	Backend    string        `mapstructure:"backend" json:"backend"`
	MaxRetries int           `mapstructure:"max_retries" json:"maxRetries"`
	Timeout    time.Duration `mapstructure:"timeout" json:"timeout"`
	KeyPrefix  string        `mapstructure:"key_prefix" json:"keyPrefix"`
}

// MonitoringConfig configures metrics and health.
type MonitoringConfig struct {
	Namespace     string `mapstructure:"namespace" json:"namespace"`
	MaxQueueDepth int    `mapstructure:"max_queue_depth" json:"maxQueueDepth"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" json:"level"`
}

// Config is the complete server configuration.
type Config struct {
	Server     ServerConfig          `mapstructure:"server" json:"server"`
	Engine     coordinator.Config    `mapstructure:"engine" json:"engine"`
	Storage    StorageConfig         `mapstructure:"storage" json:"storage"`
	Rollback   RollbackConfig        `mapstructure:"rollback" json:"rollback"`
	Events     events.Config         `mapstructure:"events" json:"events"`
	Tracing    tracing.TracingConfig `mapstructure:"tracing" json:"tracing"`
	Alerts     alert.SentryConfig    `mapstructure:"alerts" json:"alerts"`
	Monitoring MonitoringConfig      `mapstructure:"monitoring" json:"monitoring"`
	Logging    LoggingConfig         `mapstructure:"logging" json:"logging"`
}

// Default returns a configuration that runs everything in memory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":8080",
			Mode:              "release",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			CORSOrigins:       []string{"*"},
		},
		Engine: *coordinator.DefaultConfig(),
		Storage: StorageConfig{
			Driver: DriverMemory,
			SQL:    *storage.DefaultSQLConfig(),
			Redis:  *storage.DefaultRedisConfig(),
		},
		Rollback: RollbackConfig{
			Backend:    DriverMemory,
			MaxRetries: 3,
			Timeout:    30 * time.Second,
			KeyPrefix:  "rollback:",
		},
		Events:  events.DefaultConfig(),
		Tracing: *tracing.DefaultTracingConfig(),
		Alerts:  alert.DefaultSentryConfig(),
		Monitoring: MonitoringConfig{
			Namespace:     "saga",
			MaxQueueDepth: 1000,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(section string, err error) {
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", section, err))
		}
	}

	if c.Server.Address == "" {
		add("server", errors.New("address is required"))
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		add("server", fmt.Errorf("unsupported mode %q", c.Server.Mode))
	}
	add("engine", c.Engine.Validate())

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		sqlCfg := c.SQLConfig()
		add("storage.sql", sqlCfg.Validate())
	case DriverRedis:
		add("storage.redis", c.Storage.Redis.Validate())
	default:
		add("storage", fmt.Errorf("unsupported driver %q", c.Storage.Driver))
	}

	switch c.Rollback.Backend {
	case DriverMemory:
	case DriverRedis:
		add("rollback", c.Storage.Redis.Validate())
	default:
		add("rollback", fmt.Errorf("unsupported backend %q", c.Rollback.Backend))
	}
	if c.Rollback.MaxRetries < 0 {
		add("rollback", errors.New("max_retries must be >= 0"))
	}

	add("events", c.Events.Validate())
	add("tracing", c.Tracing.Validate())
	add("alerts", c.Alerts.Validate())

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging", fmt.Errorf("unsupported level %q", c.Logging.Level))
	}
	return result.ErrorOrNil()
}

// SQLConfig returns the SQL store configuration with the dialect implied by
// the storage driver.
func (c *Config) SQLConfig() *storage.SQLConfig {
	sqlCfg := c.Storage.SQL
	sqlCfg.Dialect = storage.Dialect(c.Storage.Driver)
	return &sqlCfg
}

// Load reads the layered configuration of manager on top of Default.
func Load(manager *config.Manager) (*Config, error) {
	manager.SetDefaults(envKeys())
	if err := manager.Load(); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := manager.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Tracing.ApplyEnvironmentOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKeys registers the keys that SAGA_* environment variables may override.
// Viper only resolves variables for keys it already knows.
// Flag names registered by AddFlags.
const (
	FlagConfigDir = "config-dir"
	FlagEnv       = "env"
)

// AddFlags registers the flags read by LoadFromFlags.
func AddFlags(flags *pflag.FlagSet) {
	flags.String(FlagConfigDir, ".", "directory holding saga.yaml and its overrides")
	flags.String(FlagEnv, "", "environment file suffix, e.g. dev loads saga.dev.yaml (default $SAGA_ENV)")
}

// NewManager returns a manager reading saga*.yaml from dir with SAGA_
// environment overrides. An empty env falls back to $SAGA_ENV.
func NewManager(dir, env string) *config.Manager {
	opts := config.DefaultOptions()
	if dir != "" {
		opts.WorkDir = dir
	}
	if env != "" {
		opts.EnvironmentName = env
	}
	return config.NewManager(opts)
}

// LoadFromFlags loads the configuration selected by the AddFlags flags.
func LoadFromFlags(flags *pflag.FlagSet) (*Config, error) {
	dir, err := flags.GetString(FlagConfigDir)
	if err != nil {
		return nil, err
	}
	env, err := flags.GetString(FlagEnv)
	if err != nil {
		return nil, err
	}
	return Load(NewManager(dir, env))
}

func envKeys() map[string]interface{} {
	d := Default()
	return map[string]interface{}{
		"server.address":             d.Server.Address,
		"server.mode":                d.Server.Mode,
		"engine.workers":             d.Engine.Workers,
		"engine.step_timeout":        d.Engine.StepTimeout,
		"engine.recover_on_start":    d.Engine.RecoverOnStart,
		"engine.backoff.max_retries": d.Engine.Backoff.MaxRetries,
		"storage.driver":             d.Storage.Driver,
		"storage.sql.dsn":            d.Storage.SQL.DSN,
		"storage.redis.addr":         d.Storage.Redis.Addr,
		"storage.redis.password":     d.Storage.Redis.Password,
		"rollback.backend":           d.Rollback.Backend,
		"events.nats.enabled":        d.Events.NATS.Enabled,
		"events.nats.url":            d.Events.NATS.URL,
		"events.kafka.enabled":       d.Events.Kafka.Enabled,
		"events.amqp.enabled":        d.Events.AMQP.Enabled,
		"events.amqp.url":            d.Events.AMQP.URL,
		"alerts.enabled":             d.Alerts.Enabled,
		"alerts.dsn":                 d.Alerts.DSN,
		"logging.level":              d.Logging.Level,
	}
}
