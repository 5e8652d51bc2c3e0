package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/concierge-dev/concierge/pkg/config"
	"github.com/concierge-dev/concierge/pkg/httpclient"
	"github.com/concierge-dev/concierge/pkg/observability"
)

const (
	defaultFetchTimeout   = 10 * time.Second
	defaultExecuteTimeout = 30 * time.Second
)

// Client talks to a Composio-style broker over HTTP.
type Client struct {
	baseURL        string
	apiKey         string
	fetchTimeout   time.Duration
	executeTimeout time.Duration
	httpClient     *httpclient.Client
}

var _ Broker = (*Client)(nil)

// New builds a broker client from config. Requests are not retried; the
// pipeline degrades on broker failures instead of waiting out backoff.
func New(cfg config.BrokerConfig) *Client {
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout == 0 {
		fetchTimeout = defaultFetchTimeout
	}
	executeTimeout := cfg.ExecuteTimeout
	if executeTimeout == 0 {
		executeTimeout = defaultExecuteTimeout
	}

	return &Client{
		baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		fetchTimeout:   fetchTimeout,
		executeTimeout: executeTimeout,
		httpClient: httpclient.New(
			httpclient.WithTimeout(executeTimeout),
			httpclient.WithMaxRetries(0),
		),
	}
}

func (c *Client) Initiate(ctx context.Context, appName, entityID string) (*ConnectionInfo, error) {
	if appName == "" || entityID == "" {
		return nil, fmt.Errorf("app name and entity id are required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	body := map[string]string{"appName": appName, "entityId": entityID}
	var info ConnectionInfo
	if err := c.doJSON(ctx, http.MethodPost, "/connections", body, &info); err != nil {
		return nil, fmt.Errorf("failed to initiate connection for %s: %w", appName, err)
	}
	return &info, nil
}

func (c *Client) Get(ctx context.Context, connectedAccountID string) (*ConnectionInfo, error) {
	if connectedAccountID == "" {
		return nil, fmt.Errorf("connected account id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	var info ConnectionInfo
	path := "/connections/" + url.PathEscape(connectedAccountID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &info); err != nil {
		return nil, fmt.Errorf("failed to get connection %s: %w", connectedAccountID, err)
	}
	return &info, nil
}

func (c *Client) Reinitiate(ctx context.Context, connectedAccountID, redirectURI string) (*ConnectionInfo, error) {
	if connectedAccountID == "" {
		return nil, fmt.Errorf("connected account id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	body := map[string]string{"redirectUri": redirectURI}
	var info ConnectionInfo
	path := "/connections/" + url.PathEscape(connectedAccountID) + "/reinitiate"
	if err := c.doJSON(ctx, http.MethodPost, path, body, &info); err != nil {
		return nil, fmt.Errorf("failed to reinitiate connection %s: %w", connectedAccountID, err)
	}
	return &info, nil
}

func (c *Client) GetTools(ctx context.Context, filter ToolFilter) ([]Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	params := url.Values{}
	if len(filter.Apps) > 0 {
		params.Set("apps", strings.Join(filter.Apps, ","))
	}
	if len(filter.Actions) > 0 {
		params.Set("actions", strings.Join(filter.Actions, ","))
	}
	if filter.EntityID != "" {
		params.Set("entityId", filter.EntityID)
	}

	path := "/actions"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var resp struct {
		Items []Tool `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch tools: %w", err)
	}
	return resp.Items, nil
}

func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if req.Action == "" {
		return nil, fmt.Errorf("action is required")
	}
	start := time.Now()

	tracer := observability.GetTracer("concierge.broker")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, req.Action),
			attribute.String(observability.AttrAppName, AppOf(req.Action)),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.executeTimeout)
	defer cancel()

	body := map[string]any{
		"params":             req.Params,
		"connectedAccountId": req.ConnectedAccountID,
		"entityId":           req.EntityID,
	}

	var result ExecuteResult
	err := c.doJSON(ctx, http.MethodPost, "/actions/"+url.PathEscape(req.Action)+"/execute", body, &result)
	observability.GetGlobalMetrics().RecordToolExecution(ctx, AppOf(req.Action), req.Action, time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to execute action %s: %w", req.Action, err)
	}

	span.SetAttributes(attribute.Bool("tool.failed", result.Failed()))
	span.SetStatus(codes.Ok, "success")
	return &result, nil
}

// doJSON performs one request against the broker and decodes the JSON body
// into out (skipped when out is nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	var requestBody []byte
	if body != nil {
		var err error
		requestBody, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(requestBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(requestBody)), nil
		}
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("broker request failed with status %d: %s", resp.StatusCode, string(respBody))
		}
	}
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("HTTP request failed: no response received")
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
