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
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
)

// newSpanExporter creates the exporter named by config. Console output goes
// to w, or stdout when w is nil.
func newSpanExporter(ctx context.Context, config ExporterConfig, w io.Writer) (trace.SpanExporter, error) {
	switch config.Type {
	case ExporterConsole:
		if w == nil {
			w = os.Stdout
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create console exporter: %w", err)
		}
		return exporter, nil
	case ExporterOTLP:
		if config.OTLP.Protocol == ProtocolHTTP {
			return newOTLPHTTPExporter(ctx, config)
		}
		return newOTLPGRPCExporter(ctx, config)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.Type)
	}
}

func newOTLPHTTPExporter(ctx context.Context, config ExporterConfig) (trace.SpanExporter, error) {
	options := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.Endpoint),
		otlptracehttp.WithTimeout(config.GetTimeout()),
	}
	if config.OTLP.Insecure {
		options = append(options, otlptracehttp.WithInsecure())
	}
	if len(config.OTLP.Headers) > 0 {
		options = append(options, otlptracehttp.WithHeaders(config.OTLP.Headers))
	}
	switch config.OTLP.Compression {
	case "gzip":
		options = append(options, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
	case "none":
		options = append(options, otlptracehttp.WithCompression(otlptracehttp.NoCompression))
	}

	exporter, err := otlptracehttp.New(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp http exporter: %w", err)
	}
	return exporter, nil
}

func newOTLPGRPCExporter(ctx context.Context, config ExporterConfig) (trace.SpanExporter, error) {
	options := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithTimeout(config.GetTimeout()),
	}
	if config.OTLP.Insecure {
		options = append(options, otlptracegrpc.WithInsecure())
	}
	if len(config.OTLP.Headers) > 0 {
		options = append(options, otlptracegrpc.WithHeaders(config.OTLP.Headers))
	}
	if config.OTLP.Compression == "gzip" {
		options = append(options, otlptracegrpc.WithCompressor("gzip"))
	}

	exporter, err := otlptracegrpc.New(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp grpc exporter: %w", err)
	}
	return exporter, nil
}

// newSpanProcessor exports console spans synchronously and batches the rest.
func newSpanProcessor(exporterType string, exporter trace.SpanExporter) trace.SpanProcessor {
	if exporterType == ExporterConsole {
		return trace.NewSimpleSpanProcessor(exporter)
	}
	return trace.NewBatchSpanProcessor(exporter,
		trace.WithBatchTimeout(5*time.Second),
		trace.WithMaxExportBatchSize(512),
		trace.WithMaxQueueSize(2048),
	)
}
