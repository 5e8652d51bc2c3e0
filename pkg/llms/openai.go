package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
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
	openaiDefaultBaseURL = "https://api.openai.com/v1"
	openaiDefaultTimeout = 60 * time.Second
)

// OpenAIProvider talks to the OpenAI Chat Completions API.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *httpclient.Client
}

type openaiRequest struct {
	Model               string                `json:"model"`
	Messages            []openaiMessage       `json:"messages"`
	MaxTokens           *int                  `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int                  `json:"max_completion_tokens,omitempty"`
	Temperature         *float64              `json:"temperature,omitempty"`
	Tools               []openaiTool          `json:"tools,omitempty"`
	ToolChoice          string                `json:"tool_choice,omitempty"`
	ResponseFormat      *openaiResponseFormat `json:"response_format,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openaiJSONSchema `json:"json_schema,omitempty"`
}

type openaiJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

type openaiResponse struct {
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewOpenAIProvider creates a provider for the given model.
func NewOpenAIProvider(cfg *config.LLMConfig, model string) (*OpenAIProvider, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openaiDefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := openaiDefaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
		httpClient: httpclient.New(
			httpclient.WithTimeout(timeout),
			httpclient.WithMaxRetries(2),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (p *OpenAIProvider) Name() string  { return "openai" }
func (p *OpenAIProvider) Model() string { return p.model }
func (p *OpenAIProvider) Close() error  { return nil }

// Generate performs a single chat completion.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	tracer := observability.GetTracer("concierge.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMProvider, "openai"),
			attribute.String(observability.AttrLLMModel, p.model),
		),
	)
	defer span.End()

	apiResp, err := p.makeRequest(ctx, p.buildRequest(req))
	duration := time.Since(start)
	metrics := observability.GetGlobalMetrics()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordLLMCall(ctx, "openai", p.model, req.Purpose, duration, 0, 0, err)
		return nil, err
	}

	if apiResp.Error != nil {
		apiErr := fmt.Errorf("openai API error: %s", apiResp.Error.Message)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiResp.Error.Message)
		metrics.RecordLLMCall(ctx, "openai", p.model, req.Purpose, duration, 0, 0, apiErr)
		return nil, apiErr
	}

	if len(apiResp.Choices) == 0 {
		noChoiceErr := fmt.Errorf("openai: no response choices returned")
		span.RecordError(noChoiceErr)
		span.SetStatus(codes.Error, "no choices")
		metrics.RecordLLMCall(ctx, "openai", p.model, req.Purpose, duration, 0, 0, noChoiceErr)
		return nil, noChoiceErr
	}

	choice := apiResp.Choices[0]
	toolCalls, err := parseOpenAIToolCalls(choice.Message.ToolCalls)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, apiResp.Usage.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOutput, apiResp.Usage.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "success")
	metrics.RecordLLMCall(ctx, "openai", p.model, req.Purpose, duration,
		apiResp.Usage.PromptTokens, apiResp.Usage.CompletionTokens, nil)

	return &Response{
		Text:         choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
	}, nil
}

func (p *OpenAIProvider) buildRequest(req *Request) openaiRequest {
	messages := make([]openaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: req.System})
	}

	for _, msg := range req.Messages {
		m := openaiMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if msg.Role == RoleTool {
			m.ToolCallID = msg.ToolCallID
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiFunctionCall{
					Name:      tc.Name,
					Arguments: tc.RawArgs(),
				},
			})
		}
		messages = append(messages, m)
	}

	apiReq := openaiRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: req.Temperature,
	}

	if req.MaxTokens > 0 {
		if isNewerOpenAIModel(p.model) {
			apiReq.MaxCompletionTokens = &req.MaxTokens
		} else {
			apiReq.MaxTokens = &req.MaxTokens
		}
	}

	if len(req.Tools) > 0 {
		apiReq.Tools = make([]openaiTool, len(req.Tools))
		for i, tool := range req.Tools {
			apiReq.Tools[i] = openaiTool{
				Type:     "function",
				Function: openaiToolFunction(tool),
			}
		}
		apiReq.ToolChoice = req.ToolChoice
		if apiReq.ToolChoice == "" {
			apiReq.ToolChoice = "auto"
		}
	}

	if req.ResponseSchema != nil {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		apiReq.ResponseFormat = &openaiResponseFormat{
			Type: "json_schema",
			JSONSchema: &openaiJSONSchema{
				Name:   name,
				Schema: req.ResponseSchema,
				Strict: true,
			},
		}
	}

	return apiReq
}

// isNewerOpenAIModel reports whether the model expects
// max_completion_tokens instead of max_tokens.
func isNewerOpenAIModel(model string) bool {
	lower := strings.ToLower(model)
	for _, prefix := range []string{"gpt-4o", "gpt-4.1", "gpt-5", "o1", "o3", "o4"} {
		if lower == prefix || strings.HasPrefix(lower, prefix+"-") {
			return true
		}
	}
	return false
}

func parseOpenAIToolCalls(calls []openaiToolCall) ([]ToolCall, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	result := make([]ToolCall, len(calls))
	for i, tc := range calls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool arguments for %s: %w", tc.Function.Name, err)
			}
		}
		result[i] = ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		}
	}
	return result, nil
}

func (p *OpenAIProvider) makeRequest(ctx context.Context, request openaiRequest) (*openaiResponse, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			if apiErr := parseOpenAIErrorBody(body); apiErr != nil {
				return nil, fmt.Errorf("API request failed with status %d: %s (type: %s, code: %s)",
					resp.StatusCode, apiErr.Message, apiErr.Type, apiErr.Code)
			}
			return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("HTTP request failed: no response received")
	}

	var response openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}

func parseOpenAIErrorBody(body []byte) *openaiError {
	if len(body) == 0 {
		return nil
	}
	var errorResp struct {
		Error openaiError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}

var _ Provider = (*OpenAIProvider)(nil)
