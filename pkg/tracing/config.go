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

// Package tracing configures OpenTelemetry for the saga orchestrator: the
// tracer provider, its span exporter and the propagators used by the HTTP API.
package tracing

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Exporter types.
const (
	ExporterConsole = "console"
	ExporterOTLP    = "otlp"
)

// OTLP transport protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

const envPrefix = "SAGA_TRACING_"

// TracingConfig represents the complete tracing configuration
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`

	Sampling SamplingConfig `yaml:"sampling" mapstructure:"sampling"`
	Exporter ExporterConfig `yaml:"exporter" mapstructure:"exporter"`

	// ResourceAttributes are added to every span's resource.
	ResourceAttributes map[string]string `yaml:"resource_attributes" mapstructure:"resource_attributes"`

	// Propagators lists the propagation formats: tracecontext, baggage.
	Propagators []string `yaml:"propagators" mapstructure:"propagators"`
}

// SamplingConfig represents sampling strategy configuration
type SamplingConfig struct {
	Type string  `yaml:"type" mapstructure:"type"` // always_on, always_off, traceidratio
	Rate float64 `yaml:"rate" mapstructure:"rate"` // 0.0-1.0 for traceidratio
}

// ExporterConfig represents the exporter configuration
type ExporterConfig struct {
	Type     string        `yaml:"type" mapstructure:"type"` // console, otlp
	Endpoint string        `yaml:"endpoint" mapstructure:"endpoint"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`

	OTLP OTLPConfig `yaml:"otlp" mapstructure:"otlp"`
}

// OTLPConfig represents OTLP-specific configuration
type OTLPConfig struct {
	Protocol    string            `yaml:"protocol" mapstructure:"protocol"` // grpc, http
	Insecure    bool              `yaml:"insecure" mapstructure:"insecure"`
	Headers     map[string]string `yaml:"headers" mapstructure:"headers"`
	Compression string            `yaml:"compression" mapstructure:"compression"` // gzip, none
}

// DefaultTracingConfig returns a default tracing configuration
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		Enabled:     false,
		ServiceName: "saga-orchestrator",
		Sampling: SamplingConfig{
			Type: "always_on",
			Rate: 1.0,
		},
		Exporter: ExporterConfig{
			Type:    ExporterConsole,
			Timeout: 10 * time.Second,
			OTLP: OTLPConfig{
				Protocol: ProtocolGRPC,
			},
		},
		ResourceAttributes: map[string]string{
			"deployment.environment": "unknown",
		},
		Propagators: []string{"tracecontext", "baggage"},
	}
}

// Validate validates the tracing configuration
func (c *TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when tracing is enabled")
	}
	if err := c.Sampling.Validate(); err != nil {
		return fmt.Errorf("sampling configuration invalid: %w", err)
	}
	if err := c.Exporter.Validate(); err != nil {
		return fmt.Errorf("exporter configuration invalid: %w", err)
	}
	for _, p := range c.Propagators {
		if p != "tracecontext" && p != "baggage" {
			return fmt.Errorf("unsupported propagator: %s", p)
		}
	}
	return nil
}

// Validate validates the sampling configuration
func (s *SamplingConfig) Validate() error {
	switch s.Type {
	case "always_on", "always_off":
	case "traceidratio":
		if s.Rate < 0.0 || s.Rate > 1.0 {
			return fmt.Errorf("sampling rate must be between 0.0 and 1.0, got %f", s.Rate)
		}
	case "":
		return fmt.Errorf("sampling type is required")
	default:
		return fmt.Errorf("unsupported sampling type: %s", s.Type)
	}
	return nil
}

// Validate validates the exporter configuration
func (e *ExporterConfig) Validate() error {
	switch e.Type {
	case ExporterConsole:
	case ExporterOTLP:
		if e.Endpoint == "" {
			return fmt.Errorf("otlp exporter requires endpoint")
		}
		if err := e.OTLP.Validate(); err != nil {
			return err
		}
	case "":
		return fmt.Errorf("exporter type is required")
	default:
		return fmt.Errorf("unsupported exporter type: %s", e.Type)
	}
	if e.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// GetTimeout returns the export timeout or a default value
func (e *ExporterConfig) GetTimeout() time.Duration {
	if e.Timeout <= 0 {
		return 10 * time.Second
	}
	return e.Timeout
}

// Validate validates the OTLP configuration
func (o *OTLPConfig) Validate() error {
	switch o.Protocol {
	case "", ProtocolGRPC, ProtocolHTTP:
	default:
		return fmt.Errorf("unsupported otlp protocol: %s", o.Protocol)
	}
	if o.Compression != "" && o.Compression != "gzip" && o.Compression != "none" {
		return fmt.Errorf("unsupported compression type: %s", o.Compression)
	}
	return nil
}

// ApplyEnvironmentOverrides applies SAGA_TRACING_* environment variables.
func (c *TracingConfig) ApplyEnvironmentOverrides() {
	if enabled, ok := lookupEnv("ENABLED"); ok {
		if val, err := strconv.ParseBool(enabled); err == nil {
			c.Enabled = val
		}
	}
	if serviceName, ok := lookupEnv("SERVICE_NAME"); ok {
		c.ServiceName = serviceName
	}
	if samplingType, ok := lookupEnv("SAMPLING_TYPE"); ok {
		c.Sampling.Type = samplingType
	}
	if samplingRate, ok := lookupEnv("SAMPLING_RATE"); ok {
		if val, err := strconv.ParseFloat(samplingRate, 64); err == nil {
			c.Sampling.Rate = val
		}
	}
	if exporterType, ok := lookupEnv("EXPORTER_TYPE"); ok {
		c.Exporter.Type = exporterType
	}
	if endpoint, ok := lookupEnv("EXPORTER_ENDPOINT"); ok {
		c.Exporter.Endpoint = endpoint
	}
	if timeout, ok := lookupEnv("EXPORTER_TIMEOUT"); ok {
		if val, err := time.ParseDuration(timeout); err == nil {
			c.Exporter.Timeout = val
		}
	}
	if protocol, ok := lookupEnv("OTLP_PROTOCOL"); ok {
		c.Exporter.OTLP.Protocol = protocol
	}
	if insecure, ok := lookupEnv("OTLP_INSECURE"); ok {
		if val, err := strconv.ParseBool(insecure); err == nil {
			c.Exporter.OTLP.Insecure = val
		}
	}
	if propagators, ok := lookupEnv("PROPAGATORS"); ok {
		c.Propagators = nil
		for _, p := range strings.Split(propagators, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Propagators = append(c.Propagators, p)
			}
		}
	}

	// SAGA_TRACING_RESOURCE_DEPLOYMENT_ENVIRONMENT=prod sets deployment.environment
	const resourcePrefix = envPrefix + "RESOURCE_"
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, resourcePrefix) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 || len(parts[0]) == len(resourcePrefix) {
			continue
		}
		if c.ResourceAttributes == nil {
			c.ResourceAttributes = make(map[string]string)
		}
		key := strings.ToLower(strings.ReplaceAll(parts[0][len(resourcePrefix):], "_", "."))
		c.ResourceAttributes[key] = parts[1]
	}
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
