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

package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// SpanStarter is the part of a tracing provider the HTTP middleware needs.
type SpanStarter interface {
	StartSpan(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span)
	ExtractHTTPHeaders(ctx context.Context, headers http.Header) context.Context
	InjectHTTPHeaders(ctx context.Context, headers http.Header)
}

// HTTPTracingConfig holds configuration for HTTP tracing middleware
type HTTPTracingConfig struct {
	SkipPaths []string // Paths to skip tracing
}

// DefaultHTTPTracingConfig returns default HTTP tracing configuration
func DefaultHTTPTracingConfig() *HTTPTracingConfig {
	return &HTTPTracingConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}
}

// Tracing creates a Gin middleware that adds OpenTelemetry tracing
func Tracing(tp SpanStarter) gin.HandlerFunc {
	return TracingWithConfig(tp, DefaultHTTPTracingConfig())
}

// TracingWithConfig starts a server span per request, continuing any trace
// propagated in the request headers.
func TracingWithConfig(tp SpanStarter, config *HTTPTracingConfig) gin.HandlerFunc {
	if config == nil {
		config = DefaultHTTPTracingConfig()
	}
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}

		ctx := tp.ExtractHTTPHeaders(c.Request.Context(), c.Request.Header)

		route := c.FullPath()
		operationName := c.Request.Method + " " + route
		if route == "" {
			operationName = c.Request.Method + " " + c.Request.URL.Path
		}

		ctx, span := tp.StartSpan(ctx, operationName, trace.SpanKindServer,
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.URLPath(c.Request.URL.Path),
			semconv.HTTPRoute(route),
			semconv.ServerAddress(c.Request.Host),
			semconv.UserAgentOriginal(c.Request.UserAgent()),
		)
		defer span.End()

		if id, ok := c.Get(RequestIDKey); ok {
			span.SetAttributes(attribute.String("http.request_id", id.(string)))
		}
		c.Request = c.Request.WithContext(ctx)
		tp.InjectHTTPHeaders(ctx, c.Writer.Header())

		c.Next()

		statusCode := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCode(statusCode))
		if statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(statusCode))
		}
		for _, err := range c.Errors {
			span.RecordError(err.Err)
		}
	}
}
