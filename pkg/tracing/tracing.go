// Package tracing installs the process-wide OpenTelemetry tracer provider.
// Every component obtains its tracer through otel.Tracer; with tracing
// disabled those calls hit the default no-op provider and cost nothing.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Config controls trace export.
type Config struct {
	Enabled        bool    `yaml:"enabled" json:"enabled"`
	ServiceName    string  `yaml:"service_name" json:"service_name"`
	ServiceVersion string  `yaml:"service_version" json:"service_version"`
	Environment    string  `yaml:"environment" json:"environment"`
	SampleRate     float64 `yaml:"sample_rate" json:"sample_rate"`

	// Endpoint is the OTLP/HTTP collector address, host:port.
	Endpoint string        `yaml:"endpoint" json:"endpoint"`
	Insecure bool          `yaml:"insecure" json:"insecure"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns tracing defaults; export is off until enabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		ServiceName:    "transfercore",
		ServiceVersion: "dev",
		Environment:    "development",
		SampleRate:     1.0,
		Endpoint:       "localhost:4318",
		Insecure:       true,
		Timeout:        10 * time.Second,
	}
}

// Init sets the global tracer provider and propagator. It returns a shutdown
// function that flushes pending spans; with tracing disabled both are no-ops.
func Init(ctx context.Context, config *Config) (func(context.Context) error, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.Endpoint),
		otlptracehttp.WithTimeout(config.Timeout),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			attribute.String("deployment.environment", config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Shutdown, nil
}
