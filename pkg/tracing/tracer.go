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

package tracing

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Provider owns the tracer provider built from a TracingConfig. A disabled
// configuration yields a provider whose tracers record nothing.
type Provider struct {
	config     *TracingConfig
	sdk        *trace.TracerProvider
	tracers    oteltrace.TracerProvider
	propagator propagation.TextMapPropagator
}

// Option configures Setup.
type Option func(*setupOptions)

type setupOptions struct {
	consoleWriter io.Writer
	global        bool
}

// WithConsoleWriter sends console exporter output to w instead of stdout.
func WithConsoleWriter(w io.Writer) Option {
	return func(o *setupOptions) {
		o.consoleWriter = w
	}
}

// WithGlobal installs the provider and propagator as the otel globals.
func WithGlobal() Option {
	return func(o *setupOptions) {
		o.global = true
	}
}

// Setup builds a provider from config.
func Setup(ctx context.Context, config *TracingConfig, opts ...Option) (*Provider, error) {
	if config == nil {
		return nil, fmt.Errorf("tracing config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracing config: %w", err)
	}
	o := setupOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Provider{
		config:     config,
		propagator: newPropagator(config.Propagators),
	}
	if !config.Enabled {
		p.tracers = noop.NewTracerProvider()
		return p, nil
	}

	res, err := newResource(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	exporter, err := newSpanExporter(ctx, config.Exporter, o.consoleWriter)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}
	sampler, err := newSampler(config.Sampling)
	if err != nil {
		return nil, fmt.Errorf("failed to create sampler: %w", err)
	}

	p.sdk = trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSpanProcessor(newSpanProcessor(config.Exporter.Type, exporter)),
		trace.WithSampler(sampler),
	)
	p.tracers = p.sdk

	if o.global {
		otel.SetTracerProvider(p.sdk)
		otel.SetTextMapPropagator(p.propagator)
	}
	return p, nil
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool {
	return p.sdk != nil
}

// Tracer returns a named tracer.
func (p *Provider) Tracer(name string) oteltrace.Tracer {
	return p.tracers.Tracer(name)
}

// StartSpan starts a span on the service tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, kind oteltrace.SpanKind, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return p.Tracer(p.config.ServiceName).Start(ctx, name,
		oteltrace.WithSpanKind(kind),
		oteltrace.WithAttributes(attrs...))
}

// InjectHTTPHeaders writes the span context of ctx into headers.
func (p *Provider) InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	p.propagator.Inject(ctx, propagation.HeaderCarrier(headers))
}

// ExtractHTTPHeaders returns ctx carrying the remote span context found in headers.
func (p *Provider) ExtractHTTPHeaders(ctx context.Context, headers http.Header) context.Context {
	return p.propagator.Extract(ctx, propagation.HeaderCarrier(headers))
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

func newResource(config *TracingConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
	}
	for key, value := range config.ResourceAttributes {
		attrs = append(attrs, attribute.String(key, value))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

func newSampler(config SamplingConfig) (trace.Sampler, error) {
	switch config.Type {
	case "always_on":
		return trace.AlwaysSample(), nil
	case "always_off":
		return trace.NeverSample(), nil
	case "traceidratio":
		return trace.ParentBased(trace.TraceIDRatioBased(config.Rate)), nil
	default:
		return nil, fmt.Errorf("unsupported sampling type: %s", config.Type)
	}
}

func newPropagator(types []string) propagation.TextMapPropagator {
	var propagators []propagation.TextMapPropagator
	for _, t := range types {
		switch t {
		case "tracecontext":
			propagators = append(propagators, propagation.TraceContext{})
		case "baggage":
			propagators = append(propagators, propagation.Baggage{})
		}
	}
	if len(propagators) == 0 {
		propagators = append(propagators, propagation.TraceContext{})
	}
	return propagation.NewCompositeTextMapPropagator(propagators...)
}
