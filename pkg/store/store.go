// Package store persists the durable conversation context: users, sessions,
// conversations, messages, app connections and user preferences.
//
// The primary implementation is SQL-backed (postgres in deployments, sqlite
// for development and tests, mysql as an alternate dialect). An in-memory
// implementation backs tests and degraded mode when no database is reachable.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/concierge-dev/concierge/pkg/analysis"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ConnectionStatus is the lifecycle state of an AppConnection.
type ConnectionStatus string

const (
	ConnectionInitiated ConnectionStatus = "INITIATED"
	ConnectionActive    ConnectionStatus = "ACTIVE"
	ConnectionInactive  ConnectionStatus = "INACTIVE"
	ConnectionFailed    ConnectionStatus = "FAILED"
	ConnectionExpired   ConnectionStatus = "EXPIRED"
)

// Valid reports whether s is a known status.
func (s ConnectionStatus) Valid() bool {
	switch s {
	case ConnectionInitiated, ConnectionActive, ConnectionInactive, ConnectionFailed, ConnectionExpired:
		return true
	}
	return false
}

// Usable reports whether a connection in this state may be handed to the
// tool preparer. INITIATED counts: the broker accepts calls on connections
// that finished OAuth but whose callback has not landed yet.
func (s ConnectionStatus) Usable() bool {
	return s == ConnectionInitiated || s == ConnectionActive
}

// Not-found sentinels. Lookups return these instead of (nil, nil) so callers
// can distinguish "absent" from memory-degraded empty reads with errors.Is.
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConnectionNotFound   = errors.New("connection not found")
)

// User is a stable principal identified by an opaque id. Created on first
// turn for a new id; never deleted by the pipeline.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session is a durable container for one user's conversations and the
// rolling summary slot. Sessions go inactive after long idle periods and
// are reactivated on the next turn.
type Session struct {
	ID                  string                        `json:"id"`
	UserID              string                        `json:"userId"`
	Token               string                        `json:"token,omitempty"`
	StartedAt           time.Time                     `json:"startedAt"`
	LastActivity        time.Time                     `json:"lastActivity"`
	UpdatedAt           time.Time                     `json:"updatedAt"`
	IsActive            bool                          `json:"isActive"`
	ConversationSummary *analysis.ConversationSummary `json:"conversationSummary,omitempty"`
}

// Conversation groups messages within a session. The "current" conversation
// is the most recently created one.
type Conversation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ToolCallRecord is the normalized form of one executed tool call as stored
// on an assistant message.
type ToolCallRecord struct {
	Name       string         `json:"name"`
	Args       map[string]any `json:"args"`
	Result     any            `json:"result"`
	ToolCallID string         `json:"toolCallId"`
}

// Message is one turn entry. Append-only; ordered within a conversation by
// timestamp with insertion order breaking ties.
type Message struct {
	ID             string                          `json:"id"`
	ConversationID string                          `json:"conversationId"`
	Role           string                          `json:"role"`
	Content        string                          `json:"content"`
	Timestamp      time.Time                       `json:"timestamp"`
	ToolCalls      []ToolCallRecord                `json:"toolCalls,omitempty"`
	Analysis       *analysis.ComprehensiveAnalysis `json:"analysis,omitempty"`
	Metadata       map[string]any                  `json:"metadata,omitempty"`
}

// AppConnection links a user to one third-party app account at the broker.
// Unique per (userID, appName).
type AppConnection struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	AppName   string           `json:"appName"`
	AccountID string           `json:"connectedAccountId,omitempty"`
	Status    ConnectionStatus `json:"status"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// UserPreference holds per-user defaults consulted during prompt assembly.
// One row per user.
type UserPreference struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	DefaultApps []string       `json:"defaultApps,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Store is the persistence boundary of the pipeline. Implementations must be
// safe for concurrent use.
type Store interface {
	// EnsureUser finds the user or creates it with the given optional
	// email and display name. Existing rows keep their values; blanks
	// never overwrite.
	EnsureUser(ctx context.Context, id, email, name string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)

	// CreateSession starts a new active session for the user.
	CreateSession(ctx context.Context, userID string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	// TouchSession refreshes last activity and reactivates the session
	// if it had gone inactive.
	TouchSession(ctx context.Context, id string) error
	// UpdateSessionSummary overwrites the session's summary slot
	// (single slot, last write wins).
	UpdateSessionSummary(ctx context.Context, id string, summary *analysis.ConversationSummary) error
	// DeactivateIdleSessions marks sessions with no activity for idleFor
	// as inactive and reports how many rows changed.
	DeactivateIdleSessions(ctx context.Context, idleFor time.Duration) (int64, error)

	// CurrentConversation returns the most recently created conversation
	// of the session, or ErrConversationNotFound when it has none.
	CurrentConversation(ctx context.Context, sessionID string) (*Conversation, error)
	CreateConversation(ctx context.Context, sessionID, title string) (*Conversation, error)
	ListConversations(ctx context.Context, sessionID string) ([]*Conversation, error)

	// AppendMessage persists one message. A zero ID or Timestamp is
	// filled in by the store.
	AppendMessage(ctx context.Context, msg *Message) error
	// RecentMessages returns the limit most recent messages of the
	// conversation in chronological order. limit <= 0 means all.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	DeleteMessages(ctx context.Context, conversationID string) error

	// UpsertConnection creates or updates the (userID, appName) row and
	// returns its current state.
	UpsertConnection(ctx context.Context, userID, appName, accountID string, status ConnectionStatus) (*AppConnection, error)
	GetConnection(ctx context.Context, userID, appName string) (*AppConnection, error)
	// ListConnections returns the user's connections, optionally
	// filtered to the given statuses.
	ListConnections(ctx context.Context, userID string, statuses ...ConnectionStatus) ([]*AppConnection, error)

	// GetPreferences returns the user's preference row, or nil without
	// error when none exists.
	GetPreferences(ctx context.Context, userID string) (*UserPreference, error)
	// PutPreferences creates or replaces the user's preference row.
	PutPreferences(ctx context.Context, pref *UserPreference) error

	Close() error
}
