package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/concierge-dev/concierge/pkg/analysis"
	"github.com/concierge-dev/concierge/pkg/broker"
	"github.com/concierge-dev/concierge/pkg/llms"
	"github.com/concierge-dev/concierge/pkg/observability"
	"github.com/concierge-dev/concierge/pkg/store"
)

// Dispatch tiers, chosen by analysis confidence.
const (
	tierTool           = "tool"
	tierClarification  = "clarification"
	tierConversational = "conversational"

	confidenceToolTier    = 0.8
	confidenceClarifyTier = 0.4

	toolTemperature           = 0.3
	clarifyTemperature        = 0.4
	conversationalTemperature = 0.5
	routingTemperature        = 0.1

	toolMaxTokens           = 3000
	clarifyMaxTokens        = 1500
	conversationalMaxTokens = 1000
	routingMaxTokens        = 400
)

// degradedReply covers model failures the user should not see raw.
const degradedReply = "I'm having trouble processing your request right now. Please try again in a moment."

// completedReply covers tool runs where the model returned no closing text.
const completedReply = "I've completed your request."

// dispatch renders the analysis into a response. The tool tier executes the
// plan, the clarification tier asks for what's missing, the conversational
// tier just talks. Returns the response and the tier taken.
func (o *Orchestrator) dispatch(ctx context.Context, req *ChatRequest, tc *TurnContext, turnAnalysis *analysis.ComprehensiveAnalysis, prep *preparedTools, execCtx *ExecutionContext) (*ChatResponse, string) {
	ctx, span := o.tracer.Start(ctx, observability.SpanDispatch)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.GetGlobalMetrics().RecordStage(ctx, "dispatch", time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.DispatchTimeout)
	defer cancel()

	var (
		resp *ChatResponse
		tier string
	)
	switch {
	case turnAnalysis.ConfidenceScore >= confidenceToolTier && turnAnalysis.RequiresToolExecution:
		resp, tier = o.dispatchTools(ctx, req, tc, turnAnalysis, prep, execCtx), tierTool
	case turnAnalysis.ConfidenceScore >= confidenceClarifyTier:
		resp, tier = o.dispatchClarification(ctx, req, tc, turnAnalysis), tierClarification
	default:
		resp, tier = o.dispatchConversational(ctx, req, turnAnalysis), tierConversational
	}
	span.SetAttributes(attribute.String(observability.AttrTier, tier))
	return resp, tier
}

// dispatchTools runs the agent loop: offer the prepared tools, execute what
// the model calls, feed results back, stop on final text or step budget.
func (o *Orchestrator) dispatchTools(ctx context.Context, req *ChatRequest, tc *TurnContext, turnAnalysis *analysis.ComprehensiveAnalysis, prep *preparedTools, execCtx *ExecutionContext) *ChatResponse {
	resp := &ChatResponse{RequiredConnections: prep.RequiredConnections}

	// Nothing callable and at least one app unconnected: the connection
	// gap is the answer.
	if len(prep.Tools) == 0 && len(prep.RequiredConnections) > 0 {
		resp.Response = connectionsMessage(prep.RequiredConnections)
		return resp
	}

	prompt := o.buildOptimizedPrompt(time.Now(), req.UserQuery, turnAnalysis, tc.Turns(), tc.Preferences)
	messages := []llms.Message{{Role: llms.RoleUser, Content: prompt}}

	var (
		finalText string
		degraded  bool
	)
	for step := 0; step < o.cfg.MaxAgentSteps; step++ {
		llmReq := &llms.Request{
			System:      toolSystemPrompt(),
			Messages:    messages,
			Temperature: llms.Ptr(toolTemperature),
			MaxTokens:   toolMaxTokens,
			Purpose:     "chat",
		}
		if len(prep.Tools) > 0 {
			llmReq.Tools = prep.Tools
			llmReq.ToolChoice = "auto"
		}

		llmResp, err := o.generateStep(ctx, llmReq)
		if err != nil {
			slog.Error("Chat model failed during tool dispatch", "step", step, "error", err)
			degraded = true
			break
		}

		if !llmResp.HasToolCalls() {
			finalText = llmResp.Text
			break
		}

		messages = append(messages, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   llmResp.Text,
			ToolCalls: llmResp.ToolCalls,
		})

		for _, call := range llmResp.ToolCalls {
			args := execCtx.Substitute(call.Args)
			result := o.executeTool(ctx, req.UserID, call, args, prep)
			execCtx.Record(call.ID, call.Name, args, result)
			messages = append(messages, llms.Message{
				Role:       llms.RoleTool,
				Content:    stringifyResult(result),
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}
	}

	resp.ExecutedTools = executedTools(execCtx.Records())

	switch failures := collectFailures(execCtx.Records()); {
	case len(failures) > 0:
		resp.Response = failureMessage(failures)
	case degraded:
		resp.Response = degradedReply
	case finalText != "":
		resp.Response = finalText
	default:
		resp.Response = completedReply
	}
	return resp
}

// generateStep runs one model call under the per-step deadline.
func (o *Orchestrator) generateStep(ctx context.Context, req *llms.Request) (*llms.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()
	return o.chat.Generate(ctx, req)
}

// executeTool runs one broker call. Transport errors come back shaped like
// tool failures so the composition logic sees a single format.
func (o *Orchestrator) executeTool(ctx context.Context, userID string, call llms.ToolCall, args map[string]any, prep *preparedTools) map[string]any {
	result, err := o.broker.Execute(ctx, broker.ExecuteRequest{
		Action:             call.Name,
		Params:             args,
		ConnectedAccountID: prep.Accounts[broker.AppOf(call.Name)],
		EntityID:           userID,
	})
	if err != nil {
		slog.Warn("Tool execution failed", "tool", call.Name, "error", err)
		return map[string]any{"successful": false, "error": err.Error()}
	}
	return result.Payload()
}

func (o *Orchestrator) dispatchClarification(ctx context.Context, req *ChatRequest, tc *TurnContext, turnAnalysis *analysis.ComprehensiveAnalysis) *ChatResponse {
	// The analyzer's own questions beat a second model call.
	if len(turnAnalysis.ClarificationNeeded) > 0 {
		return &ChatResponse{Response: clarificationList(turnAnalysis.ClarificationNeeded)}
	}

	prompt := o.buildOptimizedPrompt(time.Now(), req.UserQuery, turnAnalysis, tc.Turns(), tc.Preferences)
	llmResp, err := o.chat.Generate(ctx, &llms.Request{
		System:      clarifySystemPrompt(),
		Messages:    []llms.Message{{Role: llms.RoleUser, Content: prompt}},
		Temperature: llms.Ptr(clarifyTemperature),
		MaxTokens:   clarifyMaxTokens,
		Purpose:     "chat",
	})
	if err != nil {
		slog.Error("Chat model failed during clarification", "error", err)
		return &ChatResponse{Response: degradedReply}
	}
	return &ChatResponse{Response: llmResp.Text}
}

func (o *Orchestrator) dispatchConversational(ctx context.Context, req *ChatRequest, turnAnalysis *analysis.ComprehensiveAnalysis) *ChatResponse {
	prompt := conversationalPrompt(req.UserQuery, turnAnalysis.ConversationSummary.CurrentIntent)
	llmResp, err := o.chat.Generate(ctx, &llms.Request{
		System:      conversationalSystemPrompt(),
		Messages:    []llms.Message{{Role: llms.RoleUser, Content: prompt}},
		Temperature: llms.Ptr(conversationalTemperature),
		MaxTokens:   conversationalMaxTokens,
		Purpose:     "chat",
	})
	if err != nil {
		slog.Error("Chat model failed during conversational reply", "error", err)
		return &ChatResponse{Response: degradedReply}
	}
	return &ChatResponse{Response: llmResp.Text}
}

// toolFailure names one failed call and why.
type toolFailure struct {
	name   string
	reason string
}

// isFailure reports whether a recorded result counts as a tool failure: an
// error field present, or success explicitly false. Everything else,
// including empty objects, is success.
func isFailure(result any) bool {
	obj, ok := result.(map[string]any)
	if !ok {
		return false
	}
	if _, present := obj["error"]; present {
		return true
	}
	for _, key := range []string{"successful", "success"} {
		if value, present := obj[key]; present {
			if flag, isBool := value.(bool); isBool && !flag {
				return true
			}
		}
	}
	return false
}

func failureReason(result any) string {
	obj, ok := result.(map[string]any)
	if !ok {
		return "unknown error"
	}
	if value, present := obj["error"]; present && value != nil {
		if s, isString := value.(string); isString && s != "" {
			return s
		}
		return fmt.Sprint(value)
	}
	return "the app reported an unsuccessful result"
}

func collectFailures(records []store.ToolCallRecord) []toolFailure {
	var failures []toolFailure
	for _, record := range records {
		if isFailure(record.Result) {
			failures = append(failures, toolFailure{
				name:   record.Name,
				reason: failureReason(record.Result),
			})
		}
	}
	return failures
}

// executedTools renders the records in caller form, step numbers starting
// at 1.
func executedTools(records []store.ToolCallRecord) []ExecutedTool {
	if len(records) == 0 {
		return nil
	}
	out := make([]ExecutedTool, 0, len(records))
	for i, record := range records {
		out = append(out, ExecutedTool{
			Name:       record.Name,
			Args:       record.Args,
			Result:     record.Result,
			StepNumber: i + 1,
		})
	}
	return out
}
