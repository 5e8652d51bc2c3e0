// Package catalog maintains the searchable tool catalog: every tool an
// integration app offers, embedded and stored per-app so the preparer can
// find the right tools for a query.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/concierge-dev/concierge/pkg/broker"
	"github.com/concierge-dev/concierge/pkg/cache"
	"github.com/concierge-dev/concierge/pkg/embedders"
	"github.com/concierge-dev/concierge/pkg/observability"
	"github.com/concierge-dev/concierge/pkg/vector"
)

const (
	// DefaultTopK is the preparer's similarity search width.
	DefaultTopK = 5

	// searchTimeout bounds one vector search.
	searchTimeout = 5 * time.Second

	// ingestConcurrency bounds parallel per-app ingestion.
	ingestConcurrency = 3
)

// Match is one similarity search hit.
type Match struct {
	ToolName    string  `json:"toolName"`
	Description string  `json:"description"`
	Score       float32 `json:"score"`
}

// Service ingests tool descriptors into the vector store and searches
// them.
type Service struct {
	broker   broker.Broker
	embedder embedders.Embedder
	vectors  vector.Provider
	cache    cache.Cache
}

// NewService wires the catalog.
func NewService(br broker.Broker, emb embedders.Embedder, vp vector.Provider, ch cache.Cache) *Service {
	return &Service{
		broker:   br,
		embedder: emb,
		vectors:  vp,
		cache:    ch,
	}
}

// EnsureReady prepares the vector index for the embedder's dimension.
func (s *Service) EnsureReady(ctx context.Context) error {
	return s.vectors.EnsureIndex(ctx, s.embedder.Dimension())
}

// Ingest pulls the app's tool descriptors from the broker, embeds
// "<toolName>: <description>" for each and upserts them into the app's
// namespace. Returns the number of tools ingested.
func (s *Service) Ingest(ctx context.Context, appName string) (int, error) {
	if appName == "" {
		return 0, fmt.Errorf("app name is required")
	}

	tools, err := s.broker.GetTools(ctx, broker.ToolFilter{Apps: []string{appName}})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch tools for %s: %w", appName, err)
	}
	if len(tools) == 0 {
		slog.Warn("Broker returned no tools for app", "app", appName)
		return 0, nil
	}

	texts := make([]string, 0, len(tools))
	kept := make([]broker.Tool, 0, len(tools))
	for _, tool := range tools {
		if tool.Name == "" {
			continue
		}
		texts = append(texts, embedText(tool.Name, tool.Description))
		kept = append(kept, tool)
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed tools for %s: %w", appName, err)
	}
	if len(vectors) != len(kept) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d tools", len(vectors), len(kept))
	}

	items := make([]vector.Item, 0, len(kept))
	for i, tool := range kept {
		items = append(items, vector.Item{
			ID:      toolID(tool.Name),
			Content: texts[i],
			Vector:  vectors[i],
			Metadata: map[string]any{
				"name": tool.Name,
				"app":  appName,
			},
		})
	}

	if err := s.vectors.Upsert(ctx, appName, items); err != nil {
		return 0, fmt.Errorf("failed to store tools for %s: %w", appName, err)
	}

	slog.Info("Ingested tool catalog", "app", appName, "tools", len(items))
	return len(items), nil
}

// IngestAll ingests every catalog app. Per-app failures abort the run.
func (s *Service) IngestAll(ctx context.Context) (int, error) {
	apps := Apps()
	counts := make([]int, len(apps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ingestConcurrency)
	for i, app := range apps {
		g.Go(func() error {
			n, err := s.Ingest(gctx, app)
			counts[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// Search embeds the query and returns the topK most similar tools in the
// app's namespace. Results are cached by (appName, query).
func (s *Service) Search(ctx context.Context, appName, query string, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	key := cache.ToolSearchKey(appName, query)
	var cached []Match
	if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	ctx, span := observability.GetTracer("concierge.catalog").Start(ctx, observability.SpanVectorSearch)
	defer span.End()
	span.SetAttributes(attribute.String(observability.AttrAppName, appName))

	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := s.vectors.Query(ctx, appName, vec, topK, nil)
	if err != nil {
		return nil, fmt.Errorf("tool search failed for %s: %w", appName, err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		name, _ := r.Metadata["name"].(string)
		if name == "" {
			continue
		}
		matches = append(matches, Match{
			ToolName:    name,
			Description: descriptionOf(name, r.Content),
			Score:       r.Score,
		})
	}

	if err := s.cache.Set(ctx, key, matches, cache.TTLToolSearch); err != nil {
		slog.Debug("Failed to cache tool search", "error", err)
	}
	return matches, nil
}

// embedText is the canonical embedded form of one tool.
func embedText(name, description string) string {
	return fmt.Sprintf("%s: %s", name, description)
}

// descriptionOf strips the tool-name prefix back off the embedded text.
func descriptionOf(name, content string) string {
	prefix := name + ": "
	if len(content) > len(prefix) && content[:len(prefix)] == prefix {
		return content[len(prefix):]
	}
	return content
}

// toolID derives a stable UUID from the tool name. Qdrant only accepts
// UUIDs as point ids, and a stable id makes re-ingestion overwrite in
// place.
func toolID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
