package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/concierge-dev/concierge/pkg/analysis"
)

// MemoryStore is an in-memory Store used by tests and as the degraded-mode
// fallback when no database is reachable. Data does not survive restarts.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]*User
	sessions      map[string]*Session
	conversations map[string][]*Conversation // by session id, creation order
	convIndex     map[string]*Conversation   // by conversation id
	messages      map[string][]*Message      // by conversation id, insertion order
	connections   map[connKey]*AppConnection
	preferences   map[string]*UserPreference // by user id

	now func() time.Time
}

type connKey struct {
	userID  string
	appName string
}

var _ Store = (*MemoryStore)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*User),
		sessions:      make(map[string]*Session),
		conversations: make(map[string][]*Conversation),
		convIndex:     make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		connections:   make(map[connKey]*AppConnection),
		preferences:   make(map[string]*UserPreference),
		now:           time.Now,
	}
}

func (s *MemoryStore) EnsureUser(_ context.Context, id, email, name string) (*User, error) {
	if id == "" {
		return nil, fmt.Errorf("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[id]
	if !exists {
		now := s.now()
		u = &User{ID: id, Email: email, Name: name, CreatedAt: now, UpdatedAt: now}
		s.users[id] = u
	} else {
		changed := false
		if u.Email == "" && email != "" {
			u.Email = email
			changed = true
		}
		if u.Name == "" && name != "" {
			u.Name = name
			changed = true
		}
		if changed {
			u.UpdatedAt = s.now()
		}
	}

	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, exists := s.users[id]
	if !exists {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) CreateSession(_ context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	session := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		StartedAt:    now,
		LastActivity: now,
		UpdatedAt:    now,
		IsActive:     true,
	}
	s.sessions[session.ID] = session

	cp := *session
	return &cp, nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, ErrSessionNotFound
	}
	cp := *session
	return &cp, nil
}

func (s *MemoryStore) TouchSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return ErrSessionNotFound
	}
	now := s.now()
	session.LastActivity = now
	session.UpdatedAt = now
	session.IsActive = true
	return nil
}

func (s *MemoryStore) UpdateSessionSummary(_ context.Context, id string, summary *analysis.ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return ErrSessionNotFound
	}
	session.ConversationSummary = summary
	session.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) DeactivateIdleSessions(_ context.Context, idleFor time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-idleFor)
	var count int64
	for _, session := range s.sessions {
		if session.IsActive && session.LastActivity.Before(cutoff) {
			session.IsActive = false
			session.UpdatedAt = s.now()
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CurrentConversation(_ context.Context, sessionID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.conversations[sessionID]
	if len(list) == 0 {
		return nil, ErrConversationNotFound
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, sessionID, title string) (*Conversation, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := &Conversation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[sessionID] = append(s.conversations[sessionID], c)
	s.convIndex[c.ID] = c

	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, sessionID string) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.conversations[sessionID]
	out := make([]*Conversation, 0, len(list))
	// Newest first, matching the SQL ordering.
	for i := len(list) - 1; i >= 0; i-- {
		cp := *list[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	if msg.ConversationID == "" {
		return fmt.Errorf("conversation id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.convIndex[msg.ConversationID]
	if !exists {
		return ErrConversationNotFound
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	cp := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &cp)
	conv.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.messages[conversationID]
	ordered := make([]*Message, len(stored))
	copy(ordered, stored)
	// Stable sort keeps insertion order for equal timestamps.
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}

	out := make([]*Message, len(ordered))
	for i, m := range ordered {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) DeleteMessages(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.messages, conversationID)
	return nil
}

func (s *MemoryStore) UpsertConnection(_ context.Context, userID, appName, accountID string, status ConnectionStatus) (*AppConnection, error) {
	if userID == "" || appName == "" {
		return nil, fmt.Errorf("user id and app name are required")
	}
	if !status.Valid() {
		return nil, fmt.Errorf("invalid connection status: %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := connKey{userID: userID, appName: appName}
	now := s.now()

	conn, exists := s.connections[key]
	if !exists {
		conn = &AppConnection{
			ID:        uuid.NewString(),
			UserID:    userID,
			AppName:   appName,
			CreatedAt: now,
		}
		s.connections[key] = conn
	}
	conn.AccountID = accountID
	conn.Status = status
	conn.UpdatedAt = now

	cp := *conn
	return &cp, nil
}

func (s *MemoryStore) GetConnection(_ context.Context, userID, appName string) (*AppConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, exists := s.connections[connKey{userID: userID, appName: appName}]
	if !exists {
		return nil, ErrConnectionNotFound
	}
	cp := *conn
	return &cp, nil
}

func (s *MemoryStore) ListConnections(_ context.Context, userID string, statuses ...ConnectionStatus) ([]*AppConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[ConnectionStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var out []*AppConnection
	for key, conn := range s.connections {
		if key.userID != userID {
			continue
		}
		if len(wanted) > 0 && !wanted[conn.Status] {
			continue
		}
		cp := *conn
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppName < out[j].AppName })
	return out, nil
}

func (s *MemoryStore) GetPreferences(_ context.Context, userID string) (*UserPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pref, exists := s.preferences[userID]
	if !exists {
		return nil, nil
	}
	cp := *pref
	return &cp, nil
}

func (s *MemoryStore) PutPreferences(_ context.Context, pref *UserPreference) error {
	if pref == nil || pref.UserID == "" {
		return fmt.Errorf("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cp := *pref
	if existing, ok := s.preferences[pref.UserID]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	} else {
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.preferences[pref.UserID] = &cp
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
