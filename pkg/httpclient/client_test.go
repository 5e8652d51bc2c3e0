package httpclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	client := New()
	assert.Equal(t, 5, client.maxRetries)
	assert.Equal(t, 2*time.Second, client.baseDelay)
	assert.Equal(t, 60*time.Second, client.client.Timeout)
	assert.NotNil(t, client.strategyFunc)
}

func TestNewOptions(t *testing.T) {
	client := New(
		WithMaxRetries(2),
		WithBaseDelay(time.Second),
		WithTimeout(10*time.Second),
		WithHeaderParser(ParseOpenAIHeaders),
	)
	assert.Equal(t, 2, client.maxRetries)
	assert.Equal(t, time.Second, client.baseDelay)
	assert.Equal(t, 10*time.Second, client.client.Timeout)
	assert.NotNil(t, client.headerParser)
}

func TestDefaultRetryStrategy(t *testing.T) {
	tests := []struct {
		statusCode int
		expected   RetryStrategy
	}{
		{http.StatusTooManyRequests, SmartRetry},
		{http.StatusServiceUnavailable, SmartRetry},
		{http.StatusRequestTimeout, ConservativeRetry},
		{http.StatusInternalServerError, ConservativeRetry},
		{http.StatusBadGateway, ConservativeRetry},
		{http.StatusGatewayTimeout, ConservativeRetry},
		{http.StatusOK, NoRetry},
		{http.StatusBadRequest, NoRetry},
		{http.StatusUnauthorized, NoRetry},
		{http.StatusNotFound, NoRetry},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, DefaultRetryStrategy(tt.statusCode), "status %d", tt.statusCode)
	}
}

func TestDoSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New()
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDoNoRetryOnClientError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := New()
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.Error(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestDoRetriesRateLimit(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(
		WithBaseDelay(time.Millisecond),
		WithHeaderParser(ParseOpenAIHeaders),
	)
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestDoReplaysBodyOnRetry(t *testing.T) {
	var attempts atomic.Int32
	var lastBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		lastBody.Store(string(buf[:n]))
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(WithBaseDelay(time.Millisecond))
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"q":"hello"}`))
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, `{"q":"hello"}`, lastBody.Load())
}

func TestDoExhaustsRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(WithMaxRetries(1), WithBaseDelay(time.Millisecond))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.Error(t, err)
	defer resp.Body.Close()
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(2), attempts.Load())
}

func TestParseOpenAIHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "3")
	headers.Set("x-ratelimit-remaining-requests", "42")
	headers.Set("x-ratelimit-remaining-tokens", "9000")

	info := ParseOpenAIHeaders(headers)
	assert.Equal(t, 3*time.Second, info.RetryAfter)
	assert.Equal(t, 42, info.RequestsRemaining)
	assert.Equal(t, 9000, info.TokensRemaining)
}

func TestParseAnthropicHeaders(t *testing.T) {
	reset := time.Now().Add(time.Minute).UTC().Format(time.RFC3339)
	headers := http.Header{}
	headers.Set("retry-after", "7")
	headers.Set("anthropic-ratelimit-requests-reset", reset)
	headers.Set("anthropic-ratelimit-requests-remaining", "10")

	info := ParseAnthropicHeaders(headers)
	assert.Equal(t, 7*time.Second, info.RetryAfter)
	assert.NotZero(t, info.ResetTime)
	assert.Equal(t, 10, info.RequestsRemaining)
}

func TestParseRetryAfterHeader(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "5")
	assert.Equal(t, 5*time.Second, ParseRetryAfterHeader(headers).RetryAfter)

	assert.Zero(t, ParseRetryAfterHeader(http.Header{}).RetryAfter)
}

func TestRetryableErrorMessage(t *testing.T) {
	err := &RetryableError{StatusCode: 429, Message: "max HTTP retries (5) exceeded", RetryAfter: 10 * time.Second}
	assert.Contains(t, err.Error(), "HTTP 429")
	assert.Contains(t, err.Error(), "retry after")
}
