// Package telemetry sets up the OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const ServiceName = "proxysyncd"

// Provider owns the process tracer provider.
type Provider struct {
	tp       *sdktrace.TracerProvider
	exporter bool
}

type options struct {
	endpoint  string
	version   string
	processor sdktrace.SpanProcessor
}

type Option func(*options)

// WithOTLPEndpoint exports spans over OTLP/HTTP. A value with a scheme is
// used as a full URL; a bare host:port is sent over plain HTTP.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = strings.TrimSpace(endpoint) }
}

// WithVersion sets the service.version resource attribute.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithSpanProcessor adds a processor, used by tests to capture spans.
func WithSpanProcessor(p sdktrace.SpanProcessor) Option {
	return func(o *options) { o.processor = p }
}

// Setup builds the tracer provider and installs it as the global provider.
// Without an endpoint spans are still created (so trace IDs propagate over
// otelhttp and otelgrpc) but nothing is exported.
func Setup(ctx context.Context, opts ...Option) (*Provider, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", ServiceName)}
	if o.version != "" {
		attrs = append(attrs, attribute.String("service.version", o.version))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	p := &Provider{}
	if o.endpoint != "" {
		var expOpts []otlptracehttp.Option
		if strings.Contains(o.endpoint, "://") {
			expOpts = append(expOpts, otlptracehttp.WithEndpointURL(o.endpoint))
		} else {
			expOpts = append(expOpts, otlptracehttp.WithEndpoint(o.endpoint), otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
		p.exporter = true
	}
	if o.processor != nil {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(o.processor))
	}

	p.tp = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

// Exporting reports whether spans leave the process.
func (p *Provider) Exporting() bool { return p != nil && p.exporter }

// Tracer returns a named tracer from this provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p == nil || p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
