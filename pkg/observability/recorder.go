package observability

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics = NoopMetrics{}
	metricsMu     sync.RWMutex
)

// Metrics records pipeline measurements.
type Metrics interface {
	RecordTurn(ctx context.Context, tier string, duration time.Duration, err error)
	RecordStage(ctx context.Context, stage string, duration time.Duration)
	RecordLLMCall(ctx context.Context, provider, model, purpose string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordToolExecution(ctx context.Context, appName, toolName string, duration time.Duration, err error)
	RecordCacheRequest(ctx context.Context, cache string, hit bool)
	RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration)
}

// PrometheusMetrics records measurements through OpenTelemetry
// instruments backed by the Prometheus exporter. The zero value is
// safe to use and records nothing.
type PrometheusMetrics struct {
	turnDuration  metric.Float64Histogram
	turnsTotal    metric.Int64Counter
	turnErrors    metric.Int64Counter
	stageDuration metric.Float64Histogram

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrors       metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter

	cacheRequests metric.Int64Counter

	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter
}

func (m *PrometheusMetrics) RecordTurn(ctx context.Context, tier string, duration time.Duration, err error) {
	if m == nil || m.turnDuration == nil || m.turnsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tier", tier),
	}

	m.turnDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.turnsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil && m.turnErrors != nil {
		m.turnErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordStage(ctx context.Context, stage string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}

	m.stageDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
	))
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, provider, model, purpose string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("purpose", purpose),
	}

	m.llmDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if inputTokens > 0 && m.llmInputTokens != nil {
		m.llmInputTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	}
	if outputTokens > 0 && m.llmOutputTokens != nil {
		m.llmOutputTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))
	}
	if err != nil && m.llmErrors != nil {
		m.llmErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, appName, toolName string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil || m.toolCalls == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("app", appName),
		attribute.String("tool", toolName),
	}

	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil && m.toolErrors != nil {
		m.toolErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordCacheRequest(ctx context.Context, cache string, hit bool) {
	if m == nil || m.cacheRequests == nil {
		return
	}

	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cacheRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("outcome", outcome),
	))
}

func (m *PrometheusMetrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpDuration == nil || m.httpRequests == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", strconv.Itoa(statusCode)),
	}

	m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// NoopMetrics records nothing.
type NoopMetrics struct{}

func (NoopMetrics) RecordTurn(context.Context, string, time.Duration, error) {}
func (NoopMetrics) RecordStage(context.Context, string, time.Duration)      {}
func (NoopMetrics) RecordLLMCall(context.Context, string, string, string, time.Duration, int, int, error) {
}
func (NoopMetrics) RecordToolExecution(context.Context, string, string, time.Duration, error) {}
func (NoopMetrics) RecordCacheRequest(context.Context, string, bool)                          {}
func (NoopMetrics) RecordHTTPRequest(context.Context, string, string, int, time.Duration)     {}

var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = NoopMetrics{}
)

// SetGlobalMetrics installs the process-wide metrics recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide metrics recorder.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
