package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashContentASCIISafe(t *testing.T) {
	// Inputs chosen so plain base64 would emit '/', '+', and padding.
	for _, input := range []string{"send an email to bob?", "a", "ünïcode ✓", "??>>~~"} {
		hashed := HashContent(input)
		assert.NotContains(t, hashed, "/")
		assert.NotContains(t, hashed, "+")
		assert.NotContains(t, hashed, "=")
		assert.NotContains(t, hashed, ":")
	}

	// Deterministic.
	assert.Equal(t, HashContent("same"), HashContent("same"))
	assert.NotEqual(t, HashContent("one"), HashContent("two"))
}

func TestAnalysisKeyUsesLastThreeTruncated(t *testing.T) {
	long := strings.Repeat("x", 80)

	// Only the last three contents participate, each cut to 50 chars.
	a := AnalysisKey("q", []string{"dropped", "one", "two", long})
	b := AnalysisKey("q", []string{"ignored entirely", "one", "two", long[:50]})
	assert.Equal(t, a, b)

	// A change inside the window changes the key.
	c := AnalysisKey("q", []string{"one", "CHANGED", long})
	assert.NotEqual(t, a, c)

	// Empty history is fine.
	assert.NotEmpty(t, AnalysisKey("q", nil))
}

func TestDomainKeys(t *testing.T) {
	assert.Equal(t, "messages:s1:10", MessagesKey("s1", 10))
	assert.Equal(t, "session:s1", SessionKey("s1"))
	assert.Equal(t, "session_summary:s1", SessionSummaryKey("s1"))
	assert.Equal(t, "user:u1", UserKey("u1"))
	assert.Equal(t, "conversations:s1", ConversationsKey("s1"))
	assert.Equal(t, "user_connections:u1", UserConnectionsKey("u1"))
	assert.Equal(t, "user_preferences:u1", UserPreferencesKey("u1"))
	assert.True(t, strings.HasPrefix(RoutingKey("find my invoices"), "routing:"))
	assert.True(t, strings.HasPrefix(ToolSearchKey("GMAIL", "send"), "tool_search:GMAIL:"))
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	var got payload
	hit, err := c.Get(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Set(ctx, "k", payload{Name: "gmail", Count: 3}, time.Minute))

	hit, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, payload{Name: "gmail", Count: 3}, got)

	require.NoError(t, c.Delete(ctx, "k", "never-existed"))
	hit, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	base := time.Now()
	c.now = func() time.Time { return base }

	require.NoError(t, c.Set(ctx, "k", "v", 30*time.Second))

	var got string
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, hit)

	// Jump past the TTL.
	c.now = func() time.Time { return base.Add(31 * time.Second) }
	hit, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCacheDefaultTTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	base := time.Now()
	c.now = func() time.Time { return base }

	// Zero TTL falls back to DefaultTTL rather than expiring instantly.
	require.NoError(t, c.Set(ctx, "k", 42, 0))

	c.now = func() time.Time { return base.Add(DefaultTTL - time.Second) }
	var got int
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 42, got)
}
