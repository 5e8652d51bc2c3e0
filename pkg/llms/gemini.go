package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	"github.com/concierge-dev/concierge/pkg/config"
	"github.com/concierge-dev/concierge/pkg/observability"
)

// GeminiProvider talks to Google Gemini through the official genai SDK.
// Structured output uses the native responseSchema mechanism.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a provider for the given model.
func NewGeminiProvider(cfg *config.LLMConfig, model string) (*GeminiProvider, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}

	// Constructors should not require a caller context.
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) Name() string  { return "gemini" }
func (p *GeminiProvider) Model() string { return p.model }
func (p *GeminiProvider) Close() error  { return nil }

// Generate performs a single content generation.
func (p *GeminiProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	tracer := observability.GetTracer("concierge.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMProvider, "gemini"),
			attribute.String(observability.AttrLLMModel, p.model),
		),
	)
	defer span.End()

	contents := p.buildContents(req)
	genConfig := p.buildConfig(req)

	genResp, err := p.client.Models.GenerateContent(ctx, p.model, contents, genConfig)
	duration := time.Since(start)
	metrics := observability.GetGlobalMetrics()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordLLMCall(ctx, "gemini", p.model, req.Purpose, duration, 0, 0, err)
		return nil, fmt.Errorf("gemini generation failed: %w", err)
	}

	resp, err := parseGeminiResponse(genResp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordLLMCall(ctx, "gemini", p.model, req.Purpose, duration, 0, 0, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, resp.Usage.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOutput, resp.Usage.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "success")
	metrics.RecordLLMCall(ctx, "gemini", p.model, req.Purpose, duration,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil)

	return resp, nil
}

func (p *GeminiProvider) buildContents(req *Request) []*genai.Content {
	var contents []*genai.Content

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})

		case RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Name,
						Args: tc.Args,
					},
				})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})

		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     msg.ToolName,
						Response: toolContentToResponseMap(msg.Content),
					},
				}},
			})

		case RoleSystem:
			// System text travels in SystemInstruction, not the contents.
			continue
		}
	}

	return contents
}

// toolContentToResponseMap packs a tool result string into the map shape
// Gemini requires, preserving JSON object results as-is.
func toolContentToResponseMap(content string) map[string]any {
	var asMap map[string]any
	if err := json.Unmarshal([]byte(content), &asMap); err == nil && asMap != nil {
		return asMap
	}
	return map[string]any{"result": content}
}

func (p *GeminiProvider) buildConfig(req *Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	if req.ResponseSchema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = toGenaiSchema(req.ResponseSchema)
	}

	for _, tool := range req.Tools {
		cfg.Tools = append(cfg.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  toGenaiSchema(tool.Parameters),
			}},
		})
	}

	return cfg
}

// toGenaiSchema converts a JSON schema tree to the genai schema type.
// Only the subset Gemini understands is carried over.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		s.Required = append(s.Required, required...)
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}

	return s
}

func parseGeminiResponse(genResp *genai.GenerateContentResponse) (*Response, error) {
	if len(genResp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: empty response")
	}

	candidate := genResp.Candidates[0]
	resp := &Response{FinishReason: string(candidate.FinishReason)}

	if candidate.Content != nil {
		var text strings.Builder
		for _, part := range candidate.Content.Parts {
			if part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				id := part.FunctionCall.ID
				if id == "" {
					id = syntheticCallID(part.FunctionCall.Name, len(resp.ToolCalls))
				}
				resp.ToolCalls = append(resp.ToolCalls, ToolCall{
					ID:   id,
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
			}
		}
		resp.Text = text.String()
	}

	if genResp.UsageMetadata != nil {
		resp.Usage = Usage{
			PromptTokens:     int(genResp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(genResp.UsageMetadata.TotalTokenCount),
		}
	}

	return resp, nil
}

// syntheticCallID fills in an id for providers that omit one. The index
// keeps ids distinct when one response calls the same tool twice.
func syntheticCallID(name string, index int) string {
	return fmt.Sprintf("call_%s_%d", name, index)
}

var _ Provider = (*GeminiProvider)(nil)
