package vector

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/concierge-dev/concierge/pkg/config"
)

// ChromemProvider stores vectors in-process with chromem-go.
//
// Zero-config: no external service, optional file persistence. All vectors
// live in RAM, so this fits development, tests and small catalogs; use
// Qdrant or Pinecone when the catalog outgrows one process.
type ChromemProvider struct {
	db    *chromem.DB
	index string

	mu          sync.RWMutex
	collections map[string]*chromem.Collection

	// embeddingFunc rejects calls: vectors arrive pre-computed.
	embeddingFunc chromem.EmbeddingFunc
}

var _ Provider = (*ChromemProvider)(nil)

// NewChromemProvider creates the embedded provider. A non-empty path turns
// on on-disk persistence under that directory.
func NewChromemProvider(index string, cfg config.ChromemConfig) (*ChromemProvider, error) {
	var db *chromem.DB
	var err error

	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector store at %s: %w", cfg.Path, err)
		}
		slog.Info("Opened persistent vector store", "path", cfg.Path)
	} else {
		db = chromem.NewDB()
		slog.Debug("Created in-memory vector store")
	}

	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors should be pre-computed")
	}

	return &ChromemProvider{
		db:            db,
		index:         index,
		collections:   make(map[string]*chromem.Collection),
		embeddingFunc: identityEmbed,
	}, nil
}

// Name returns the provider name.
func (p *ChromemProvider) Name() string {
	return "chromem"
}

// EnsureIndex is a no-op: chromem creates collections lazily.
func (p *ChromemProvider) EnsureIndex(ctx context.Context, dimension int) error {
	return nil
}

// Upsert adds or overwrites items in a namespace.
func (p *ChromemProvider) Upsert(ctx context.Context, namespace string, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	col, err := p.getCollection(namespace)
	if err != nil {
		return err
	}

	for _, batch := range batches(items) {
		docs := make([]chromem.Document, 0, len(batch))
		for _, item := range batch {
			strMetadata := make(map[string]string, len(item.Metadata))
			for k, v := range item.Metadata {
				strMetadata[k] = fmt.Sprint(v)
			}
			docs = append(docs, chromem.Document{
				ID:        item.ID,
				Content:   item.Content,
				Metadata:  strMetadata,
				Embedding: item.Vector,
			})
		}
		if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return fmt.Errorf("failed to upsert documents: %w", err)
		}
	}
	return nil
}

// Query returns the topK most similar items in a namespace.
func (p *ChromemProvider) Query(ctx context.Context, namespace string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	col, err := p.getCollection(namespace)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection.
	if n := col.Count(); topK > n {
		topK = n
	}
	if topK <= 0 {
		return nil, nil
	}

	var where map[string]string
	if len(filter) > 0 {
		where = make(map[string]string, len(filter))
		for k, v := range filter {
			where[k] = fmt.Sprint(v)
		}
	}

	results, err := col.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		metadata := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}
		out = append(out, Result{
			ID:       r.ID,
			Content:  r.Content,
			Metadata: metadata,
			Score:    r.Similarity,
		})
	}
	return out, nil
}

// Close releases resources. Persistence, when enabled, happens on every
// write, so there is nothing to flush.
func (p *ChromemProvider) Close() error {
	return nil
}

func (p *ChromemProvider) getCollection(namespace string) (*chromem.Collection, error) {
	name := collectionName(p.index, namespace)

	p.mu.RLock()
	if col, ok := p.collections[name]; ok {
		p.mu.RUnlock()
		return col, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if col, ok := p.collections[name]; ok {
		return col, nil
	}

	col, err := p.db.GetOrCreateCollection(name, nil, p.embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", name, err)
	}
	p.collections[name] = col
	return col, nil
}
