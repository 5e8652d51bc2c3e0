package catalog

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concierge-dev/concierge/pkg/broker"
	"github.com/concierge-dev/concierge/pkg/cache"
	"github.com/concierge-dev/concierge/pkg/config"
	"github.com/concierge-dev/concierge/pkg/vector"
)

// keywordEmbedder maps keyword counts onto vector axes, so similarity is
// word overlap and fully deterministic.
type keywordEmbedder struct {
	embedCalls atomic.Int64
}

var axes = []string{"email", "send", "draft", "search", "reply", "fetch", "event", "page", "file", "row", "document"}

func (e *keywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.embedCalls.Add(1)
	lower := strings.ToLower(text)
	vec := make([]float32, len(axes)+1)
	for i, kw := range axes {
		vec[i] = float32(strings.Count(lower, kw))
	}
	// Bias axis keeps vectors nonzero for keyword-free text.
	vec[len(axes)] = 1
	return vec, nil
}

func (e *keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *keywordEmbedder) Dimension() int    { return len(axes) + 1 }
func (e *keywordEmbedder) ModelName() string { return "keyword-test" }
func (e *keywordEmbedder) Close() error      { return nil }

// stubBroker serves the static catalog back as broker tool descriptors.
type stubBroker struct {
	getToolsCalls atomic.Int64
	err           error
}

func (b *stubBroker) GetTools(ctx context.Context, filter broker.ToolFilter) ([]broker.Tool, error) {
	b.getToolsCalls.Add(1)
	if b.err != nil {
		return nil, b.err
	}
	var out []broker.Tool
	for _, app := range filter.Apps {
		for name, desc := range TopTools[app] {
			out = append(out, broker.Tool{Name: name, Description: desc, AppName: app})
		}
	}
	return out, nil
}

func (b *stubBroker) Initiate(ctx context.Context, appName, entityID string) (*broker.ConnectionInfo, error) {
	return nil, errors.New("not implemented")
}

func (b *stubBroker) Get(ctx context.Context, connectedAccountID string) (*broker.ConnectionInfo, error) {
	return nil, errors.New("not implemented")
}

func (b *stubBroker) Reinitiate(ctx context.Context, connectedAccountID, redirectURI string) (*broker.ConnectionInfo, error) {
	return nil, errors.New("not implemented")
}

func (b *stubBroker) Execute(ctx context.Context, req broker.ExecuteRequest) (*broker.ExecuteResult, error) {
	return nil, errors.New("not implemented")
}

func newTestCatalog(t *testing.T) (*Service, *stubBroker, *keywordEmbedder) {
	t.Helper()
	vp, err := vector.NewChromemProvider("concierge-tools", config.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { vp.Close() })

	sb := &stubBroker{}
	emb := &keywordEmbedder{}
	svc := NewService(sb, emb, vp, cache.NewMemory())
	require.NoError(t, svc.EnsureReady(context.Background()))
	return svc, sb, emb
}

func TestToolIDStable(t *testing.T) {
	a := toolID("GMAIL_SEND_EMAIL")
	b := toolID("GMAIL_SEND_EMAIL")
	c := toolID("NOTION_CREATE_PAGE")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	_, err := uuid.Parse(a)
	require.NoError(t, err)
}

func TestTopToolsHelpers(t *testing.T) {
	apps := Apps()
	assert.Equal(t, []string{"GMAIL", "GOOGLECALENDAR", "GOOGLEDOCS", "GOOGLEDRIVE", "NOTION"}, apps)

	assert.True(t, IsApp("GMAIL"))
	assert.False(t, IsApp("SLACK"))

	assert.True(t, IsTool("GMAIL_SEND_EMAIL"))
	assert.False(t, IsTool("GMAIL_DELETE_ACCOUNT"))

	app, ok := AppForTool("NOTION_CREATE_PAGE")
	require.True(t, ok)
	assert.Equal(t, "NOTION", app)
}

func TestFormatDeterministic(t *testing.T) {
	first := Format()
	assert.Equal(t, first, Format())
	assert.Contains(t, first, "GMAIL:\n")
	assert.Contains(t, first, "  GMAIL_SEND_EMAIL: Send an email to one or more recipients\n")

	// Apps appear in sorted order.
	assert.Less(t, strings.Index(first, "GMAIL:"), strings.Index(first, "NOTION:"))
}

func TestIngestAndSearch(t *testing.T) {
	svc, sb, _ := newTestCatalog(t)
	ctx := context.Background()

	n, err := svc.Ingest(ctx, "GMAIL")
	require.NoError(t, err)
	assert.Equal(t, len(TopTools["GMAIL"]), n)
	assert.Equal(t, int64(1), sb.getToolsCalls.Load())

	matches, err := svc.Search(ctx, "GMAIL", "send an email", DefaultTopK)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "GMAIL_SEND_EMAIL", matches[0].ToolName)
	assert.Equal(t, "Send an email to one or more recipients", matches[0].Description)

	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
	}
}

func TestSearchRespectsNamespaces(t *testing.T) {
	svc, _, _ := newTestCatalog(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, "GMAIL")
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, "NOTION")
	require.NoError(t, err)

	matches, err := svc.Search(ctx, "NOTION", "create a page", DefaultTopK)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	for _, m := range matches {
		assert.True(t, strings.HasPrefix(m.ToolName, "NOTION_"), "unexpected tool %s", m.ToolName)
	}
}

func TestSearchCachesByAppAndQuery(t *testing.T) {
	svc, _, emb := newTestCatalog(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, "GMAIL")
	require.NoError(t, err)
	base := emb.embedCalls.Load()

	_, err = svc.Search(ctx, "GMAIL", "send an email", DefaultTopK)
	require.NoError(t, err)
	assert.Equal(t, base+1, emb.embedCalls.Load())

	// Identical search is served from cache.
	_, err = svc.Search(ctx, "GMAIL", "send an email", DefaultTopK)
	require.NoError(t, err)
	assert.Equal(t, base+1, emb.embedCalls.Load())

	// A different query misses.
	_, err = svc.Search(ctx, "GMAIL", "reply to bob", DefaultTopK)
	require.NoError(t, err)
	assert.Equal(t, base+2, emb.embedCalls.Load())
}

func TestSearchEmptyNamespace(t *testing.T) {
	svc, _, _ := newTestCatalog(t)

	matches, err := svc.Search(context.Background(), "SLACK", "post a message", DefaultTopK)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIngestBrokerError(t *testing.T) {
	svc, sb, _ := newTestCatalog(t)
	sb.err = errors.New("broker unavailable")

	_, err := svc.Ingest(context.Background(), "GMAIL")
	require.Error(t, err)
}

func TestIngestRequiresAppName(t *testing.T) {
	svc, _, _ := newTestCatalog(t)

	_, err := svc.Ingest(context.Background(), "")
	require.Error(t, err)
}

func TestReingestOverwrites(t *testing.T) {
	svc, _, _ := newTestCatalog(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, "GMAIL")
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, "GMAIL")
	require.NoError(t, err)

	matches, err := svc.Search(ctx, "GMAIL", "email", 10)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, m := range matches {
		assert.False(t, seen[m.ToolName], "duplicate tool %s after re-ingest", m.ToolName)
		seen[m.ToolName] = true
	}
	assert.Len(t, matches, len(TopTools["GMAIL"]))
}

func TestIngestAll(t *testing.T) {
	svc, sb, _ := newTestCatalog(t)

	total, err := svc.IngestAll(context.Background())
	require.NoError(t, err)

	want := 0
	for _, tools := range TopTools {
		want += len(tools)
	}
	assert.Equal(t, want, total)
	assert.Equal(t, int64(len(TopTools)), sb.getToolsCalls.Load())
}
