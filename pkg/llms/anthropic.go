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
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	anthropicDefaultTimeout = 120 * time.Second
	anthropicVersion        = "2023-06-01"

	// Anthropic requires max_tokens on every request.
	anthropicDefaultMaxTokens = 4096
)

// AnthropicProvider talks to the Anthropic Messages API.
//
// Anthropic has no native JSON-schema response mode, so structured output
// is emulated: the schema goes into the system prompt and the assistant
// turn is prefilled with "{" to force a JSON continuation.
type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *httpclient.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	ToolChoice  *anthropicChoice   `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicChoice struct {
	Type string `json:"type"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     *map[string]any `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAnthropicProvider creates a provider for the given model.
func NewAnthropicProvider(cfg *config.LLMConfig, model string) (*AnthropicProvider, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := anthropicDefaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	return &AnthropicProvider{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
		httpClient: httpclient.New(
			httpclient.WithTimeout(timeout),
			httpclient.WithMaxRetries(2),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

func (p *AnthropicProvider) Name() string  { return "anthropic" }
func (p *AnthropicProvider) Model() string { return p.model }
func (p *AnthropicProvider) Close() error  { return nil }

// Generate performs a single message completion.
func (p *AnthropicProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	tracer := observability.GetTracer("concierge.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMProvider, "anthropic"),
			attribute.String(observability.AttrLLMModel, p.model),
		),
	)
	defer span.End()

	apiReq, prefill := p.buildRequest(req)
	apiResp, err := p.makeRequest(ctx, apiReq)
	duration := time.Since(start)
	metrics := observability.GetGlobalMetrics()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordLLMCall(ctx, "anthropic", p.model, req.Purpose, duration, 0, 0, err)
		return nil, err
	}

	if apiResp.Error != nil {
		apiErr := fmt.Errorf("anthropic API error: %s (type: %s)", apiResp.Error.Message, apiResp.Error.Type)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiResp.Error.Message)
		metrics.RecordLLMCall(ctx, "anthropic", p.model, req.Purpose, duration, 0, 0, apiErr)
		return nil, apiErr
	}

	resp := parseAnthropicResponse(apiResp, prefill)

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, resp.Usage.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOutput, resp.Usage.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "success")
	metrics.RecordLLMCall(ctx, "anthropic", p.model, req.Purpose, duration,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil)

	return resp, nil
}

// buildRequest converts the request to wire format. The second return is
// the JSON prefill that must be glued back onto the response text.
func (p *AnthropicProvider) buildRequest(req *Request) (anthropicRequest, string) {
	messages := make([]anthropicMessage, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: msg.Content}},
			})

		case RoleAssistant:
			var blocks []anthropicContent
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Args
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: &input,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropicMessage{Role: "assistant", Content: blocks})

		case RoleTool:
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		case RoleSystem:
			continue
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	apiReq := anthropicRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      req.System,
	}

	for _, tool := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}
	if len(apiReq.Tools) > 0 {
		choice := req.ToolChoice
		if choice == "" {
			choice = "auto"
		}
		if choice == "required" {
			choice = "any"
		}
		apiReq.ToolChoice = &anthropicChoice{Type: choice}
	}

	prefill := ""
	if req.ResponseSchema != nil {
		schemaPrompt := schemaSystemPrompt(req.ResponseSchema)
		if apiReq.System != "" {
			apiReq.System += "\n\n" + schemaPrompt
		} else {
			apiReq.System = schemaPrompt
		}
		prefill = "{"
		apiReq.Messages = append(apiReq.Messages, anthropicMessage{
			Role:    "assistant",
			Content: prefill,
		})
	}

	return apiReq, prefill
}

func schemaSystemPrompt(schema map[string]any) string {
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "You must respond with valid JSON only."
	}
	return fmt.Sprintf(`You must respond with valid JSON matching this exact schema:

%s

Important:
- Output ONLY valid JSON, no other text
- All required fields must be present
- Use correct data types for each field`, string(schemaJSON))
}

func parseAnthropicResponse(apiResp *anthropicResponse, prefill string) *Response {
	resp := &Response{
		FinishReason: apiResp.StopReason,
		Usage: Usage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
	}

	var text strings.Builder
	for _, content := range apiResp.Content {
		switch content.Type {
		case "text":
			text.WriteString(content.Text)
		case "tool_use":
			args := map[string]any{}
			if content.Input != nil {
				args = *content.Input
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:   content.ID,
				Name: content.Name,
				Args: args,
			})
		}
	}

	resp.Text = prefill + text.String()
	return resp
}

func (p *AnthropicProvider) makeRequest(ctx context.Context, request anthropicRequest) (*anthropicResponse, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("HTTP request failed: no response received")
	}

	var response anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}

var _ Provider = (*AnthropicProvider)(nil)
