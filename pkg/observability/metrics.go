package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
}

// SetDefaults applies default values.
func (c *MetricsConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

// Validate checks the configuration.
func (c *MetricsConfig) Validate() error {
	return nil
}

// InitMetrics creates the meter provider and pipeline instruments.
// Returns a no-op recorder when metrics are disabled.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (Metrics, error) {
	if !cfg.Enabled {
		return NoopMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("concierge")

	turnDuration, err := meter.Float64Histogram(
		"concierge_turn_duration_seconds",
		metric.WithDescription("End-to-end conversation turn duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn duration histogram: %w", err)
	}

	turnsTotal, err := meter.Int64Counter(
		"concierge_turns_total",
		metric.WithDescription("Total conversation turns processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turns counter: %w", err)
	}

	turnErrors, err := meter.Int64Counter(
		"concierge_turn_errors_total",
		metric.WithDescription("Total conversation turns that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn errors counter: %w", err)
	}

	stageDuration, err := meter.Float64Histogram(
		"concierge_stage_duration_seconds",
		metric.WithDescription("Pipeline stage duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage duration histogram: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		"concierge_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmInputTokens, err := meter.Int64Counter(
		"concierge_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to LLMs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmOutputTokens, err := meter.Int64Counter(
		"concierge_llm_tokens_output_total",
		metric.WithDescription("Total output tokens received from LLMs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"concierge_llm_errors_total",
		metric.WithDescription("Total failed LLM requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"concierge_tool_execution_duration_seconds",
		metric.WithDescription("Broker tool execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	toolCalls, err := meter.Int64Counter(
		"concierge_tool_calls_total",
		metric.WithDescription("Total broker tool executions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	toolErrors, err := meter.Int64Counter(
		"concierge_tool_errors_total",
		metric.WithDescription("Total failed broker tool executions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	cacheRequests, err := meter.Int64Counter(
		"concierge_cache_requests_total",
		metric.WithDescription("Cache lookups partitioned by cache and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache requests counter: %w", err)
	}

	httpDuration, err := meter.Float64Histogram(
		"concierge_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	httpRequests, err := meter.Int64Counter(
		"concierge_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	return &PrometheusMetrics{
		turnDuration:    turnDuration,
		turnsTotal:      turnsTotal,
		turnErrors:      turnErrors,
		stageDuration:   stageDuration,
		llmDuration:     llmDuration,
		llmInputTokens:  llmInputTokens,
		llmOutputTokens: llmOutputTokens,
		llmErrors:       llmErrors,
		toolDuration:    toolDuration,
		toolCalls:       toolCalls,
		toolErrors:      toolErrors,
		cacheRequests:   cacheRequests,
		httpDuration:    httpDuration,
		httpRequests:    httpRequests,
	}, nil
}
