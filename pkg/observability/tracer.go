package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerConfig configures the trace exporter.
type TracerConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ExporterType string  `yaml:"exporter_type,omitempty" json:"exporterType,omitempty"`
	EndpointURL  string  `yaml:"endpoint_url,omitempty" json:"endpointUrl,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty" json:"samplingRate,omitempty"`
	ServiceName  string  `yaml:"service_name,omitempty" json:"serviceName,omitempty"`
}

// SetDefaults applies default values.
func (c *TracerConfig) SetDefaults() {
	if c.ExporterType == "" {
		c.ExporterType = "otlp"
	}
	if c.EndpointURL == "" {
		c.EndpointURL = "localhost:4317"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
}

// Validate checks the configuration.
func (c *TracerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0 and 1, got %f", c.SamplingRate)
	}
	switch c.ExporterType {
	case "otlp", "stdout":
	default:
		return fmt.Errorf("invalid exporter_type %q (valid: otlp, stdout)", c.ExporterType)
	}
	if c.ExporterType == "otlp" && c.EndpointURL == "" {
		return fmt.Errorf("endpoint_url is required for the otlp exporter")
	}
	return nil
}

// InitGlobalTracer builds a tracer provider and installs it globally.
// Returns a no-op provider when tracing is disabled.
func InitGlobalTracer(ctx context.Context, cfg TracerConfig) (trace.TracerProvider, error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider(), nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.ExporterType {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.EndpointURL),
			otlptracegrpc.WithInsecure(),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// GetTracer returns a named tracer from the global provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
