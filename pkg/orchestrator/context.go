package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/concierge-dev/concierge/pkg/analysis"
	"github.com/concierge-dev/concierge/pkg/cache"
	"github.com/concierge-dev/concierge/pkg/observability"
	"github.com/concierge-dev/concierge/pkg/store"
)

// TurnContext is the durable context stage 1 resolves for one turn.
type TurnContext struct {
	User         *store.User
	Session      *store.Session
	Conversation *store.Conversation
	History      []*store.Message
	Summary      *analysis.ConversationSummary
	Preferences  *store.UserPreference

	// Degraded marks a synthetic context assembled without the store.
	// Persistence is skipped for such turns.
	Degraded bool

	// fallbackTurns is caller-supplied history, used when the store has
	// none for this conversation.
	fallbackTurns []analysis.Turn
}

// Turns renders the loaded history as analyzer turns, oldest first.
func (tc *TurnContext) Turns() []analysis.Turn {
	if len(tc.History) == 0 {
		return tc.fallbackTurns
	}
	turns := make([]analysis.Turn, 0, len(tc.History))
	for _, msg := range tc.History {
		turns = append(turns, analysis.Turn{Role: msg.Role, Content: msg.Content})
	}
	return turns
}

// initContext finds or creates the user, session, and conversation for the
// turn and loads history, summary, and preferences. With degraded mode on,
// a store outage yields a synthetic in-memory context instead of an error.
func (o *Orchestrator) initContext(ctx context.Context, req *ChatRequest) (*TurnContext, error) {
	ctx, span := o.tracer.Start(ctx, observability.SpanContextInit)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.GetGlobalMetrics().RecordStage(ctx, "context_init", time.Since(start))
	}()

	user, err := o.loadUser(ctx, req)
	if err != nil {
		return o.contextFailure(req, fmt.Errorf("failed to initialize user context: %w", err))
	}

	session, err := o.resolveSession(ctx, req)
	if err != nil {
		return o.contextFailure(req, fmt.Errorf("failed to resolve session: %w", err))
	}

	conversation, err := o.resolveConversation(ctx, session.ID)
	if err != nil {
		return o.contextFailure(req, fmt.Errorf("failed to resolve conversation: %w", err))
	}

	tc := &TurnContext{
		User:          user,
		Session:       session,
		Conversation:  conversation,
		fallbackTurns: req.ConversationHistory,
	}
	tc.History = o.loadHistory(ctx, session.ID, conversation.ID)
	tc.Summary = o.loadSummary(ctx, session)
	tc.Preferences = o.loadPreferences(ctx, req.UserID)
	return tc, nil
}

// contextFailure decides between failing the turn and running degraded.
func (o *Orchestrator) contextFailure(req *ChatRequest, err error) (*TurnContext, error) {
	if !o.degraded {
		return nil, err
	}
	slog.Warn("Store unavailable, running degraded turn", "user", req.UserID, "error", err)
	return o.degradedContext(req), nil
}

// degradedContext assembles an in-memory stand-in when the store is down.
// Nothing from such a turn persists.
func (o *Orchestrator) degradedContext(req *ChatRequest) *TurnContext {
	now := time.Now()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &TurnContext{
		User: &store.User{ID: req.UserID, Email: req.Email, Name: req.Name, CreatedAt: now, UpdatedAt: now},
		Session: &store.Session{
			ID: sessionID, UserID: req.UserID,
			StartedAt: now, LastActivity: now, UpdatedAt: now, IsActive: true,
		},
		Conversation: &store.Conversation{
			ID: uuid.NewString(), SessionID: sessionID, CreatedAt: now, UpdatedAt: now,
		},
		Degraded:      true,
		fallbackTurns: req.ConversationHistory,
	}
}

func (o *Orchestrator) loadUser(ctx context.Context, req *ChatRequest) (*store.User, error) {
	key := cache.UserKey(req.UserID)
	var cached store.User
	if hit, err := o.cache.Get(ctx, key, &cached); err == nil && hit {
		return &cached, nil
	}

	user, err := o.store.EnsureUser(ctx, req.UserID, req.Email, req.Name)
	if err != nil {
		return nil, err
	}
	if err := o.cache.Set(ctx, key, user, cache.TTLUser); err != nil {
		slog.Debug("Failed to cache user", "error", err)
	}
	return user, nil
}

// resolveSession reuses the caller's session when it exists and belongs to
// the caller; anything else starts a fresh one.
func (o *Orchestrator) resolveSession(ctx context.Context, req *ChatRequest) (*store.Session, error) {
	if req.SessionID != "" {
		session, err := o.loadSession(ctx, req.SessionID)
		switch {
		case err == nil && session.UserID == req.UserID:
			if err := o.store.TouchSession(ctx, session.ID); err != nil {
				slog.Warn("Failed to refresh session activity", "session", session.ID, "error", err)
			}
			return session, nil
		case err == nil:
			slog.Warn("Session belongs to a different user, starting a new one",
				"session", req.SessionID, "user", req.UserID)
		case errors.Is(err, store.ErrSessionNotFound):
			slog.Warn("Unknown session id, starting a new one",
				"session", req.SessionID, "user", req.UserID)
		default:
			return nil, err
		}
	}
	return o.store.CreateSession(ctx, req.UserID)
}

func (o *Orchestrator) loadSession(ctx context.Context, id string) (*store.Session, error) {
	key := cache.SessionKey(id)
	var cached store.Session
	if hit, err := o.cache.Get(ctx, key, &cached); err == nil && hit {
		return &cached, nil
	}

	session, err := o.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.cache.Set(ctx, key, session, cache.TTLSession); err != nil {
		slog.Debug("Failed to cache session", "error", err)
	}
	return session, nil
}

func (o *Orchestrator) resolveConversation(ctx context.Context, sessionID string) (*store.Conversation, error) {
	conversation, err := o.store.CurrentConversation(ctx, sessionID)
	if err == nil {
		return conversation, nil
	}
	if !errors.Is(err, store.ErrConversationNotFound) {
		return nil, err
	}
	conversation, err = o.store.CreateConversation(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}
	if err := o.cache.Delete(ctx, cache.ConversationsKey(sessionID)); err != nil {
		slog.Debug("Failed to invalidate conversations cache", "error", err)
	}
	return conversation, nil
}

// loadHistory returns the last MaxHistory messages oldest-first, read
// through the cache. History failures degrade to an empty window.
func (o *Orchestrator) loadHistory(ctx context.Context, sessionID, conversationID string) []*store.Message {
	limit := o.cfg.MaxHistory
	key := cache.MessagesKey(sessionID, limit)
	var cached []*store.Message
	if hit, err := o.cache.Get(ctx, key, &cached); err == nil && hit {
		return cached
	}

	messages, err := o.store.RecentMessages(ctx, conversationID, limit)
	if err != nil {
		slog.Warn("Failed to load history, continuing without it", "session", sessionID, "error", err)
		return nil
	}
	if err := o.cache.Set(ctx, key, messages, cache.TTLMessages); err != nil {
		slog.Debug("Failed to cache history", "error", err)
	}
	return messages
}

func (o *Orchestrator) loadSummary(ctx context.Context, session *store.Session) *analysis.ConversationSummary {
	key := cache.SessionSummaryKey(session.ID)
	var cached analysis.ConversationSummary
	if hit, err := o.cache.Get(ctx, key, &cached); err == nil && hit {
		return &cached
	}

	summary := session.ConversationSummary
	if summary == nil {
		return nil
	}
	if err := o.cache.Set(ctx, key, summary, cache.TTLSessionSummary); err != nil {
		slog.Debug("Failed to cache summary", "error", err)
	}
	return summary
}

func (o *Orchestrator) loadPreferences(ctx context.Context, userID string) *store.UserPreference {
	key := cache.UserPreferencesKey(userID)
	var cached store.UserPreference
	if hit, err := o.cache.Get(ctx, key, &cached); err == nil && hit {
		return &cached
	}

	pref, err := o.store.GetPreferences(ctx, userID)
	if err != nil || pref == nil {
		return nil
	}
	if err := o.cache.Set(ctx, key, pref, cache.TTLUserPreferences); err != nil {
		slog.Debug("Failed to cache preferences", "error", err)
	}
	return pref
}
