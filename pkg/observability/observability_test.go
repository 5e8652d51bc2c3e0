package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroValueMetricsAreSafe(t *testing.T) {
	ctx := context.Background()
	metrics := &PrometheusMetrics{}

	metrics.RecordTurn(ctx, "tool", 100*time.Millisecond, nil)
	metrics.RecordStage(ctx, "analysis", 50*time.Millisecond)
	metrics.RecordLLMCall(ctx, "openai", "gpt-4o-mini", "analysis", 500*time.Millisecond, 100, 50, nil)
	metrics.RecordToolExecution(ctx, "GMAIL", "GMAIL_SEND_EMAIL", 200*time.Millisecond, nil)
	metrics.RecordCacheRequest(ctx, "analysis", true)
	metrics.RecordHTTPRequest(ctx, "POST", "/api/chat", 200, 10*time.Millisecond)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *PrometheusMetrics
	metrics.RecordTurn(context.Background(), "conversational", time.Millisecond, nil)
	metrics.RecordStage(context.Background(), "persist", time.Millisecond)
}

func TestInitMetricsDisabled(t *testing.T) {
	m, err := InitMetrics(context.Background(), MetricsConfig{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, NoopMetrics{}, m)
}

func TestInitGlobalTracerDisabled(t *testing.T) {
	tp, err := InitGlobalTracer(context.Background(), TracerConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tp)

	_, span := tp.Tracer("test").Start(context.Background(), "noop")
	span.End()
}

func TestTracerConfigValidate(t *testing.T) {
	cfg := TracerConfig{Enabled: true, ExporterType: "carrier-pigeon"}
	cfg.SetDefaults()
	assert.Error(t, cfg.Validate())

	cfg = TracerConfig{Enabled: true, SamplingRate: 2.0}
	cfg.SetDefaults()
	assert.Error(t, cfg.Validate())

	cfg = TracerConfig{Enabled: true}
	cfg.SetDefaults()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "otlp", cfg.ExporterType)
	assert.Equal(t, DefaultServiceName, cfg.ServiceName)
}

func TestGlobalMetrics(t *testing.T) {
	original := GetGlobalMetrics()
	defer SetGlobalMetrics(original)

	SetGlobalMetrics(NoopMetrics{})
	m := GetGlobalMetrics()
	require.NotNil(t, m)
	m.RecordTurn(context.Background(), "clarification", time.Millisecond, nil)
}

func TestHTTPMiddlewareStatusCapture(t *testing.T) {
	var gotStatus int
	var gotPath string
	recorder := &captureMetrics{onHTTP: func(method, path string, status int) {
		gotStatus = status
		gotPath = path
	}}

	handler := HTTPMiddleware(nil, recorder)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, http.StatusBadRequest, gotStatus)
	assert.Equal(t, "/api/chat", gotPath)
}

func TestHTTPMiddlewareImplicitOK(t *testing.T) {
	var gotStatus int
	recorder := &captureMetrics{onHTTP: func(_, _ string, status int) { gotStatus = status }}

	handler := HTTPMiddleware(nil, recorder)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, gotStatus)
}

// captureMetrics records HTTP observations for assertions.
type captureMetrics struct {
	NoopMetrics
	onHTTP func(method, path string, status int)
}

func (c *captureMetrics) RecordHTTPRequest(_ context.Context, method, path string, statusCode int, _ time.Duration) {
	if c.onHTTP != nil {
		c.onHTTP(method, path, statusCode)
	}
}
