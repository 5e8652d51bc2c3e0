package cache

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Per-domain TTLs. Read-through call sites pass these to Set so a domain's
// freshness policy lives in one place.
const (
	TTLUser             = time.Hour
	TTLSession          = 30 * time.Minute
	TTLSessionSummary   = 15 * time.Minute
	TTLMessages         = 5 * time.Minute
	TTLAnalysis         = 5 * time.Minute
	TTLRouting          = 5 * time.Minute
	TTLToolSearch       = 5 * time.Minute
	TTLConnectionStatus = 5 * time.Minute
	TTLConversations    = 10 * time.Minute
	TTLUserConnections  = 10 * time.Minute
	TTLUserPreferences  = time.Hour
)

var contentReplacer = strings.NewReplacer("/", "_", "+", "_", "=", "_")

// HashContent derives an ASCII-safe cache key fragment from user-supplied
// content: base64 over the UTF-8 bytes with '/', '+', '=' replaced by '_'
// so fragments never collide with the ':' key separators.
func HashContent(s string) string {
	return contentReplacer.Replace(base64.StdEncoding.EncodeToString([]byte(s)))
}

// UserKey caches a user record by id.
func UserKey(userID string) string { return "user:" + userID }

// SessionKey caches a session record by id.
func SessionKey(sessionID string) string { return "session:" + sessionID }

// SessionSummaryKey caches the rolling conversation summary of a session.
func SessionSummaryKey(sessionID string) string { return "session_summary:" + sessionID }

// MessagesKey caches the last `limit` messages of a session, oldest-first.
func MessagesKey(sessionID string, limit int) string {
	return fmt.Sprintf("messages:%s:%d", sessionID, limit)
}

// AnalysisKey derives the analyzer cache key from the query plus the last
// three history contents, each truncated to 50 characters. Two turns that
// ask the same thing in the same recent context share an analysis.
func AnalysisKey(query string, recentContents []string) string {
	if len(recentContents) > 3 {
		recentContents = recentContents[len(recentContents)-3:]
	}
	var b strings.Builder
	b.WriteString(query)
	b.WriteString("|")
	for _, content := range recentContents {
		if len(content) > 50 {
			content = content[:50]
		}
		b.WriteString(content)
	}
	return "analysis:" + HashContent(b.String())
}

// RoutingKey caches app-routing results by query.
func RoutingKey(query string) string { return "routing:" + HashContent(query) }

// ToolSearchKey caches per-app vector tool searches by query.
func ToolSearchKey(appName, query string) string {
	return "tool_search:" + appName + ":" + HashContent(query)
}

// ConnectionStatusKey caches a broker-side connection status probe.
func ConnectionStatusKey(accountID string) string { return "connection_status:" + accountID }

// ConversationsKey caches the conversations list of a session.
func ConversationsKey(sessionID string) string { return "conversations:" + sessionID }

// UserConnectionsKey caches the user's app-connection list.
func UserConnectionsKey(userID string) string { return "user_connections:" + userID }

// UserPreferencesKey caches the user's preference row.
func UserPreferencesKey(userID string) string { return "user_preferences:" + userID }
