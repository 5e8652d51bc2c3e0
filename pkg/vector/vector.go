// Package vector stores tool-catalog embeddings and serves cosine
// similarity search over them.
//
// Each integration app gets its own namespace, so GMAIL tools never leak
// into a NOTION search. How a namespace maps onto the backend differs per
// provider: Pinecone has native namespaces inside one index, while Qdrant
// and chromem get one collection per namespace.
package vector

import (
	"context"
	"fmt"
	"strings"

	"github.com/concierge-dev/concierge/pkg/config"
)

// Item is one catalog entry to store.
type Item struct {
	// ID must be stable across ingestions so re-ingesting overwrites in
	// place. Qdrant only accepts UUIDs here, so callers derive one.
	ID string

	// Content is the embedded text, kept for display.
	Content string

	// Vector is the pre-computed embedding.
	Vector []float32

	// Metadata is stored alongside the vector and returned on query.
	Metadata map[string]any
}

// Result is one similarity match. Vectors are not returned.
type Result struct {
	ID       string
	Content  string
	Metadata map[string]any
	Score    float32
}

// Provider is a cosine-similarity vector store.
type Provider interface {
	// Name identifies the backend.
	Name() string

	// EnsureIndex makes the configured index usable for vectors of the
	// given dimension. Backends that create storage lazily treat this as
	// a connectivity check.
	EnsureIndex(ctx context.Context, dimension int) error

	// Upsert adds or overwrites items in a namespace. Remote backends
	// split the work into batches of upsertBatchSize.
	Upsert(ctx context.Context, namespace string, items []Item) error

	// Query returns the topK most similar items in a namespace,
	// optionally restricted by a metadata equality filter.
	Query(ctx context.Context, namespace string, vector []float32, topK int, filter map[string]any) ([]Result, error)

	// Close releases backend resources.
	Close() error
}

// upsertBatchSize caps one remote upsert request.
const upsertBatchSize = 100

// New creates the configured provider. chromem is the default so the
// system runs without external vector infrastructure.
func New(cfg config.VectorConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "chromem":
		var chromemCfg config.ChromemConfig
		if cfg.Chromem != nil {
			chromemCfg = *cfg.Chromem
		}
		return NewChromemProvider(cfg.Index, chromemCfg)

	case "qdrant":
		if cfg.Qdrant == nil {
			return nil, fmt.Errorf("qdrant configuration is required")
		}
		return NewQdrantProvider(cfg.Index, *cfg.Qdrant)

	case "pinecone":
		if cfg.Pinecone == nil || cfg.Pinecone.APIKey == "" {
			return nil, fmt.Errorf("pinecone api_key is required")
		}
		return NewPineconeProvider(cfg.Index, *cfg.Pinecone)

	default:
		return nil, fmt.Errorf("unknown vector provider: %q", cfg.Provider)
	}
}

// collectionName maps (index, namespace) onto a backend collection for
// providers without native namespaces.
func collectionName(index, namespace string) string {
	return index + "-" + strings.ToLower(namespace)
}

// batches splits items into upsert-sized chunks.
func batches(items []Item) [][]Item {
	if len(items) == 0 {
		return nil
	}
	out := make([][]Item, 0, (len(items)+upsertBatchSize-1)/upsertBatchSize)
	for start := 0; start < len(items); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
