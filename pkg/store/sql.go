package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/concierge-dev/concierge/pkg/analysis"
	"github.com/concierge-dev/concierge/pkg/config"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Connect retry schedule for process start. Operational failures after
// startup are not retried here; callers degrade instead.
const (
	connectAttempts    = 3
	connectBackoffBase = 1 * time.Second
)

// SQLStore implements Store on database/sql. Concurrency is handled by
// database-level locking (transactions); no Go-side mutex is needed.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

var _ Store = (*SQLStore)(nil)

// Row types map 1:1 to table columns. JSON columns travel as TEXT.

type sessionRow struct {
	ID           string
	UserID       string
	Token        string
	StartedAt    time.Time
	LastActivity time.Time
	UpdatedAt    time.Time
	IsActive     bool
	SummaryJSON  string
}

type messageRow struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	ToolCallsJSON  string
	AnalysisJSON   string
	MetadataJSON   string
	SequenceNum    int
	Timestamp      time.Time
}

type connectionRow struct {
	ID           string
	UserID       string
	AppName      string
	AccountID    string
	Status       string
	MetadataJSON string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type preferenceRow struct {
	ID              string
	UserID          string
	DefaultAppsJSON string
	Timezone        string
	SettingsJSON    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Schema creation SQL
const createUsersSchemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(255) PRIMARY KEY,
    email VARCHAR(255),
    name VARCHAR(255),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    token VARCHAR(255),
    started_at TIMESTAMP NOT NULL,
    last_activity TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    is_active BOOLEAN DEFAULT TRUE,
    conversation_summary TEXT
)`

const createConversationsSchemaSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id VARCHAR(255) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    title VARCHAR(255),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createMessagesSchemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id VARCHAR(255) PRIMARY KEY,
    conversation_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    content TEXT,
    tool_calls TEXT,
    analysis TEXT,
    metadata TEXT,
    sequence_num INTEGER NOT NULL,
    timestamp TIMESTAMP NOT NULL
)`

const createConnectionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS app_connections (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    app_name VARCHAR(255) NOT NULL,
    account_id VARCHAR(255),
    status VARCHAR(50) NOT NULL,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (user_id, app_name)
)`

const createPreferencesSchemaSQL = `
CREATE TABLE IF NOT EXISTS user_preferences (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL UNIQUE,
    default_apps TEXT,
    timezone VARCHAR(100),
    settings TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

var indexSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_sessions_user_activity ON sessions(user_id, last_activity)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user_active ON sessions(user_id, is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_user_status ON app_connections(user_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_status ON app_connections(status)`,
}

// Emails are unique when set. Partial indexes exist on postgres and sqlite
// only; on mysql the constraint is not enforced at the schema level.
const createUsersEmailIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email) WHERE email <> ''`

// Open connects to the configured database, retrying the initial ping with
// exponential backoff, and returns a schema-initialized store.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*SQLStore, error) {
	driverName := cfg.DriverName()

	db, err := sql.Open(driverName, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time. A single connection
	// serializes all access and prevents "database is locked" errors.
	if driverName == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxConns > 0 {
			db.SetMaxOpenConns(cfg.MaxConns)
		}
		if cfg.MaxIdle > 0 {
			db.SetMaxIdleConns(cfg.MaxIdle)
		}
	}
	db.SetConnMaxLifetime(time.Hour)

	var pingErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if attempt > 0 {
			delay := connectBackoffBase << (attempt - 1)
			slog.Warn("Database not reachable, retrying",
				"attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				db.Close()
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pingErr = db.PingContext(pingCtx)
		cancel()
		if pingErr == nil {
			break
		}
	}
	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", pingErr)
	}

	if driverName == "sqlite3" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			slog.Warn("Failed to enable WAL mode", "error", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=10000"); err != nil {
			slog.Warn("Failed to set busy timeout", "error", err)
		}
	}

	return NewSQL(db, cfg.Dialect())
}

// NewSQL wraps an existing connection. The dialect steers placeholder and
// upsert syntax; supported values are postgres, mysql and sqlite.
func NewSQL(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{
		db:      db,
		dialect: dialect,
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates the tables and indexes if they don't exist.
func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Execute each statement separately for SQLite compatibility
	statements := []string{
		createUsersSchemaSQL,
		createSessionsSchemaSQL,
		createConversationsSchemaSQL,
		createMessagesSchemaSQL,
		createConnectionsSchemaSQL,
		createPreferencesSchemaSQL,
	}
	for _, stmt := range indexSQL {
		if s.dialect == "mysql" {
			// MySQL has no CREATE INDEX IF NOT EXISTS; duplicate-name
			// errors on re-init are tolerated below.
			stmt = strings.Replace(stmt, "IF NOT EXISTS ", "", 1)
		}
		statements = append(statements, stmt)
	}
	if s.dialect != "mysql" {
		statements = append(statements, createUsersEmailIndexSQL)
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if s.dialect == "mysql" && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Users
// =============================================================================

func (s *SQLStore) EnsureUser(ctx context.Context, id, email, name string) (*User, error) {
	if id == "" {
		return nil, fmt.Errorf("user id is required")
	}

	existing, err := s.GetUser(ctx, id)
	if err == nil {
		return s.backfillUser(ctx, existing, email, name)
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	now := time.Now()
	query := s.insertUserQuery()
	if _, err := s.db.ExecContext(ctx, query, id, email, name, now, now); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	// Re-read rather than trusting our own insert: a concurrent first
	// turn may have won the race, and the conflict clause swallows that.
	return s.GetUser(ctx, id)
}

// backfillUser fills empty email/name slots from the request without
// clobbering values already on the row.
func (s *SQLStore) backfillUser(ctx context.Context, u *User, email, name string) (*User, error) {
	newEmail, newName := u.Email, u.Name
	if newEmail == "" && email != "" {
		newEmail = email
	}
	if newName == "" && name != "" {
		newName = name
	}
	if newEmail == u.Email && newName == u.Name {
		return u, nil
	}

	now := time.Now()
	query := `UPDATE users SET email = ?, name = ?, updated_at = ? WHERE id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}
	if _, err := s.db.ExecContext(ctx, query, newEmail, newName, now, u.ID); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	u.Email = newEmail
	u.Name = newName
	u.UpdatedAt = now
	return u, nil
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*User, error) {
	query := `SELECT id, email, name, created_at, updated_at FROM users WHERE id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var u User
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// =============================================================================
// Sessions
// =============================================================================

func (s *SQLStore) CreateSession(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	now := time.Now()
	session := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		StartedAt:    now,
		LastActivity: now,
		UpdatedAt:    now,
		IsActive:     true,
	}

	query := `INSERT INTO sessions (id, user_id, token, started_at, last_activity, updated_at, is_active, conversation_summary)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}
	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.UserID, session.Token,
		session.StartedAt, session.LastActivity, session.UpdatedAt,
		session.IsActive, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `SELECT id, user_id, token, started_at, last_activity, updated_at, is_active, conversation_summary
              FROM sessions WHERE id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var row sessionRow
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&row.ID, &row.UserID, &row.Token,
		&row.StartedAt, &row.LastActivity, &row.UpdatedAt,
		&row.IsActive, &row.SummaryJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return rowToSession(&row)
}

func (s *SQLStore) TouchSession(ctx context.Context, id string) error {
	now := time.Now()
	query := `UPDATE sessions SET last_activity = ?, updated_at = ?, is_active = ? WHERE id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	res, err := s.db.ExecContext(ctx, query, now, now, true, id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLStore) UpdateSessionSummary(ctx context.Context, id string, summary *analysis.ConversationSummary) error {
	summaryJSON := ""
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}
		summaryJSON = string(b)
	}

	query := `UPDATE sessions SET conversation_summary = ?, updated_at = ? WHERE id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	res, err := s.db.ExecContext(ctx, query, summaryJSON, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session summary: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLStore) DeactivateIdleSessions(ctx context.Context, idleFor time.Duration) (int64, error) {
	cutoff := time.Now().Add(-idleFor)
	query := `UPDATE sessions SET is_active = ?, updated_at = ? WHERE is_active = ? AND last_activity < ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	res, err := s.db.ExecContext(ctx, query, false, time.Now(), true, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate idle sessions: %w", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// Conversations
// =============================================================================

func (s *SQLStore) CurrentConversation(ctx context.Context, sessionID string) (*Conversation, error) {
	query := `SELECT id, session_id, title, created_at, updated_at FROM conversations
              WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var c Conversation
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&c.ID, &c.SessionID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &c, nil
}

func (s *SQLStore) CreateConversation(ctx context.Context, sessionID, title string) (*Conversation, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	now := time.Now()
	c := &Conversation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `INSERT INTO conversations (id, session_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}
	if _, err := s.db.ExecContext(ctx, query, c.ID, c.SessionID, c.Title, c.CreatedAt, c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return c, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, sessionID string) ([]*Conversation, error) {
	query := `SELECT id, session_id, title, created_at, updated_at FROM conversations
              WHERE session_id = ? ORDER BY created_at DESC`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, &c)
	}
	return conversations, rows.Err()
}

// =============================================================================
// Messages
// =============================================================================

// AppendMessage persists one message atomically: sequence number assignment,
// the insert itself and the conversation touch share a transaction.
func (s *SQLStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	if msg.ConversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	if err := s.conversationExistsTx(ctx, tx, msg.ConversationID); err != nil {
		return err
	}

	seqNum, err := s.nextSequenceNumTx(ctx, tx, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to get sequence number: %w", err)
	}

	row, err := messageToRow(msg, seqNum)
	if err != nil {
		return err
	}

	query := `INSERT INTO messages (id, conversation_id, role, content, tool_calls, analysis, metadata, sequence_num, timestamp)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}
	_, err = tx.ExecContext(ctx, query,
		row.ID, row.ConversationID, row.Role, row.Content,
		row.ToolCallsJSON, row.AnalysisJSON, row.MetadataJSON,
		row.SequenceNum, row.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	touch := `UPDATE conversations SET updated_at = ? WHERE id = ?`
	if s.dialect == "postgres" {
		touch = convertToPostgresPlaceholders(touch)
	}
	if _, err := tx.ExecContext(ctx, touch, time.Now(), msg.ConversationID); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) conversationExistsTx(ctx context.Context, tx *sql.Tx, conversationID string) error {
	query := `SELECT id FROM conversations WHERE id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var id string
	err := tx.QueryRowContext(ctx, query, conversationID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check conversation: %w", err)
	}
	return nil
}

func (s *SQLStore) nextSequenceNumTx(ctx context.Context, tx *sql.Tx, conversationID string) (int, error) {
	query := `SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM messages WHERE conversation_id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var seqNum int
	if err := tx.QueryRowContext(ctx, query, conversationID).Scan(&seqNum); err != nil {
		return 0, err
	}
	return seqNum, nil
}

func (s *SQLStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	cols := `id, conversation_id, role, content, tool_calls, analysis, metadata, sequence_num, timestamp`

	var query string
	args := []any{conversationID}

	if limit > 0 {
		// Subquery keeps the N most recent rows in chronological order
		// without loading the whole conversation and reversing.
		query = `SELECT ` + cols + ` FROM (
            SELECT ` + cols + ` FROM messages
            WHERE conversation_id = ?
            ORDER BY timestamp DESC, sequence_num DESC LIMIT ?
        ) sub ORDER BY timestamp ASC, sequence_num ASC`
		args = append(args, limit)
	} else {
		query = `SELECT ` + cols + ` FROM messages
            WHERE conversation_id = ?
            ORDER BY timestamp ASC, sequence_num ASC`
	}

	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var row messageRow
		if err := rows.Scan(
			&row.ID, &row.ConversationID, &row.Role, &row.Content,
			&row.ToolCallsJSON, &row.AnalysisJSON, &row.MetadataJSON,
			&row.SequenceNum, &row.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		msg, err := rowToMessage(&row)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLStore) DeleteMessages(ctx context.Context, conversationID string) error {
	query := `DELETE FROM messages WHERE conversation_id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}
	if _, err := s.db.ExecContext(ctx, query, conversationID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

// =============================================================================
// App connections
// =============================================================================

func (s *SQLStore) UpsertConnection(ctx context.Context, userID, appName, accountID string, status ConnectionStatus) (*AppConnection, error) {
	if userID == "" || appName == "" {
		return nil, fmt.Errorf("user id and app name are required")
	}
	if !status.Valid() {
		return nil, fmt.Errorf("invalid connection status: %s", status)
	}

	now := time.Now()
	query := s.upsertConnectionQuery()
	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(), userID, appName, accountID, string(status), "", now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert connection: %w", err)
	}

	return s.GetConnection(ctx, userID, appName)
}

func (s *SQLStore) GetConnection(ctx context.Context, userID, appName string) (*AppConnection, error) {
	query := `SELECT id, user_id, app_name, account_id, status, metadata, created_at, updated_at
              FROM app_connections WHERE user_id = ? AND app_name = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var row connectionRow
	err := s.db.QueryRowContext(ctx, query, userID, appName).Scan(
		&row.ID, &row.UserID, &row.AppName, &row.AccountID,
		&row.Status, &row.MetadataJSON, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	return rowToConnection(&row)
}

func (s *SQLStore) ListConnections(ctx context.Context, userID string, statuses ...ConnectionStatus) ([]*AppConnection, error) {
	query := `SELECT id, user_id, app_name, account_id, status, metadata, created_at, updated_at
              FROM app_connections WHERE user_id = ?`
	args := []any{userID}

	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY app_name ASC`

	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var connections []*AppConnection
	for rows.Next() {
		var row connectionRow
		if err := rows.Scan(
			&row.ID, &row.UserID, &row.AppName, &row.AccountID,
			&row.Status, &row.MetadataJSON, &row.CreatedAt, &row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}

		conn, err := rowToConnection(&row)
		if err != nil {
			return nil, err
		}
		connections = append(connections, conn)
	}
	return connections, rows.Err()
}

// =============================================================================
// User preferences
// =============================================================================

func (s *SQLStore) GetPreferences(ctx context.Context, userID string) (*UserPreference, error) {
	query := `SELECT id, user_id, default_apps, timezone, settings, created_at, updated_at
              FROM user_preferences WHERE user_id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var row preferenceRow
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&row.ID, &row.UserID, &row.DefaultAppsJSON, &row.Timezone,
		&row.SettingsJSON, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}

	return rowToPreference(&row)
}

func (s *SQLStore) PutPreferences(ctx context.Context, pref *UserPreference) error {
	if pref == nil || pref.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if pref.ID == "" {
		pref.ID = uuid.NewString()
	}

	defaultAppsJSON, err := json.Marshal(pref.DefaultApps)
	if err != nil {
		return fmt.Errorf("failed to marshal default apps: %w", err)
	}
	settingsJSON := ""
	if pref.Settings != nil {
		b, err := json.Marshal(pref.Settings)
		if err != nil {
			return fmt.Errorf("failed to marshal settings: %w", err)
		}
		settingsJSON = string(b)
	}

	now := time.Now()
	query := s.upsertPreferencesQuery()
	_, err = s.db.ExecContext(ctx, query,
		pref.ID, pref.UserID, string(defaultAppsJSON), pref.Timezone, settingsJSON, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return nil
}

// =============================================================================
// SQL Query Builders (dialect-specific)
// =============================================================================

func (s *SQLStore) insertUserQuery() string {
	switch s.dialect {
	case "postgres":
		return `INSERT INTO users (id, email, name, created_at, updated_at)
                VALUES ($1, $2, $3, $4, $5)
                ON CONFLICT (id) DO NOTHING`
	case "mysql":
		return `INSERT IGNORE INTO users (id, email, name, created_at, updated_at)
                VALUES (?, ?, ?, ?, ?)`
	default: // sqlite
		return `INSERT INTO users (id, email, name, created_at, updated_at)
                VALUES (?, ?, ?, ?, ?)
                ON CONFLICT (id) DO NOTHING`
	}
}

func (s *SQLStore) upsertConnectionQuery() string {
	switch s.dialect {
	case "postgres":
		return `INSERT INTO app_connections (id, user_id, app_name, account_id, status, metadata, created_at, updated_at)
                VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
                ON CONFLICT (user_id, app_name) DO UPDATE SET account_id = $4, status = $5, updated_at = $8`
	case "mysql":
		return `INSERT INTO app_connections (id, user_id, app_name, account_id, status, metadata, created_at, updated_at)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?)
                ON DUPLICATE KEY UPDATE account_id = VALUES(account_id), status = VALUES(status), updated_at = VALUES(updated_at)`
	default: // sqlite
		return `INSERT INTO app_connections (id, user_id, app_name, account_id, status, metadata, created_at, updated_at)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?)
                ON CONFLICT (user_id, app_name) DO UPDATE SET account_id = excluded.account_id, status = excluded.status, updated_at = excluded.updated_at`
	}
}

func (s *SQLStore) upsertPreferencesQuery() string {
	switch s.dialect {
	case "postgres":
		return `INSERT INTO user_preferences (id, user_id, default_apps, timezone, settings, created_at, updated_at)
                VALUES ($1, $2, $3, $4, $5, $6, $7)
                ON CONFLICT (user_id) DO UPDATE SET default_apps = $3, timezone = $4, settings = $5, updated_at = $7`
	case "mysql":
		return `INSERT INTO user_preferences (id, user_id, default_apps, timezone, settings, created_at, updated_at)
                VALUES (?, ?, ?, ?, ?, ?, ?)
                ON DUPLICATE KEY UPDATE default_apps = VALUES(default_apps), timezone = VALUES(timezone), settings = VALUES(settings), updated_at = VALUES(updated_at)`
	default: // sqlite
		return `INSERT INTO user_preferences (id, user_id, default_apps, timezone, settings, created_at, updated_at)
                VALUES (?, ?, ?, ?, ?, ?, ?)
                ON CONFLICT (user_id) DO UPDATE SET default_apps = excluded.default_apps, timezone = excluded.timezone, settings = excluded.settings, updated_at = excluded.updated_at`
	}
}

// =============================================================================
// Conversion Helpers
// =============================================================================

func rowToSession(row *sessionRow) (*Session, error) {
	session := &Session{
		ID:           row.ID,
		UserID:       row.UserID,
		Token:        row.Token,
		StartedAt:    row.StartedAt,
		LastActivity: row.LastActivity,
		UpdatedAt:    row.UpdatedAt,
		IsActive:     row.IsActive,
	}
	if row.SummaryJSON != "" {
		var summary analysis.ConversationSummary
		if err := json.Unmarshal([]byte(row.SummaryJSON), &summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversation summary: %w", err)
		}
		session.ConversationSummary = &summary
	}
	return session, nil
}

func messageToRow(msg *Message, seqNum int) (*messageRow, error) {
	row := &messageRow{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		SequenceNum:    seqNum,
		Timestamp:      msg.Timestamp,
	}

	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		row.ToolCallsJSON = string(b)
	}
	if msg.Analysis != nil {
		b, err := json.Marshal(msg.Analysis)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal analysis: %w", err)
		}
		row.AnalysisJSON = string(b)
	}
	if len(msg.Metadata) > 0 {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		row.MetadataJSON = string(b)
	}

	return row, nil
}

func rowToMessage(row *messageRow) (*Message, error) {
	msg := &Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		Role:           row.Role,
		Content:        row.Content,
		Timestamp:      row.Timestamp,
	}

	if row.ToolCallsJSON != "" {
		if err := json.Unmarshal([]byte(row.ToolCallsJSON), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
		}
	}
	if row.AnalysisJSON != "" {
		var a analysis.ComprehensiveAnalysis
		if err := json.Unmarshal([]byte(row.AnalysisJSON), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal analysis: %w", err)
		}
		msg.Analysis = &a
	}
	if row.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return msg, nil
}

func rowToConnection(row *connectionRow) (*AppConnection, error) {
	conn := &AppConnection{
		ID:        row.ID,
		UserID:    row.UserID,
		AppName:   row.AppName,
		AccountID: row.AccountID,
		Status:    ConnectionStatus(row.Status),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &conn.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal connection metadata: %w", err)
		}
	}
	return conn, nil
}

func rowToPreference(row *preferenceRow) (*UserPreference, error) {
	pref := &UserPreference{
		ID:        row.ID,
		UserID:    row.UserID,
		Timezone:  row.Timezone,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.DefaultAppsJSON != "" {
		if err := json.Unmarshal([]byte(row.DefaultAppsJSON), &pref.DefaultApps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal default apps: %w", err)
		}
	}
	if row.SettingsJSON != "" {
		if err := json.Unmarshal([]byte(row.SettingsJSON), &pref.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
	}
	return pref, nil
}

// convertToPostgresPlaceholders converts ? placeholders to $1, $2, etc.
func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			b.WriteString(fmt.Sprintf("$%d", paramNum))
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}
