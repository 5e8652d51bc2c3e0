package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/concierge-dev/concierge/pkg/analysis"
	"github.com/concierge-dev/concierge/pkg/cache"
	"github.com/concierge-dev/concierge/pkg/observability"
	"github.com/concierge-dev/concierge/pkg/store"
)

// persistWarning is surfaced on the response when a turn could not be fully
// saved.
const persistWarning = "Parts of this conversation could not be saved; context may be incomplete on your next message."

// commit is stage 5: append the turn's message pair, refresh the session
// summary, and invalidate the affected cache entries. Best effort
// throughout: the first error is returned for the caller to surface as a
// warning, never as a failure. A failed user-message write also skips the
// assistant message so the pair stays ordered.
func (o *Orchestrator) commit(ctx context.Context, tc *TurnContext, req *ChatRequest, resp *ChatResponse, turnAnalysis *analysis.ComprehensiveAnalysis, records []store.ToolCallRecord) error {
	if tc.Degraded {
		return nil
	}

	ctx, span := o.tracer.Start(ctx, observability.SpanPersist)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.GetGlobalMetrics().RecordStage(ctx, "persist", time.Since(start))
	}()

	var firstErr error

	userMsg := &store.Message{
		ConversationID: tc.Conversation.ID,
		Role:           store.RoleUser,
		Content:        req.UserQuery,
	}
	if err := o.store.AppendMessage(ctx, userMsg); err != nil {
		firstErr = fmt.Errorf("failed to append user message: %w", err)
		slog.Error("Failed to append user message", "conversation", tc.Conversation.ID, "error", err)
	} else {
		o.invalidateMessages(ctx, tc.Session.ID)

		assistantMsg := &store.Message{
			ConversationID: tc.Conversation.ID,
			Role:           store.RoleAssistant,
			Content:        resp.Response,
			ToolCalls:      records,
			Analysis:       turnAnalysis,
		}
		if err := o.store.AppendMessage(ctx, assistantMsg); err != nil {
			firstErr = fmt.Errorf("failed to append assistant message: %w", err)
			slog.Error("Failed to append assistant message", "conversation", tc.Conversation.ID, "error", err)
		} else {
			o.invalidateMessages(ctx, tc.Session.ID)
		}
	}

	summary := turnAnalysis.ConversationSummary
	if err := o.store.UpdateSessionSummary(ctx, tc.Session.ID, &summary); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to update session summary: %w", err)
		}
		slog.Error("Failed to update session summary", "session", tc.Session.ID, "error", err)
	} else if err := o.cache.Delete(ctx,
		cache.SessionKey(tc.Session.ID),
		cache.SessionSummaryKey(tc.Session.ID),
	); err != nil {
		slog.Debug("Failed to invalidate session cache", "error", err)
	}

	return firstErr
}

// invalidateMessages drops the cached history page for the session.
func (o *Orchestrator) invalidateMessages(ctx context.Context, sessionID string) {
	if err := o.cache.Delete(ctx, cache.MessagesKey(sessionID, o.cfg.MaxHistory)); err != nil {
		slog.Debug("Failed to invalidate history cache", "error", err)
	}
}
