package vector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/concierge-dev/concierge/pkg/config"
)

// PineconeProvider stores vectors in a Pinecone serverless index, using
// Pinecone's native namespaces.
type PineconeProvider struct {
	client *pinecone.Client
	config config.PineconeConfig
	index  string

	// host is resolved by EnsureIndex and reused for connections.
	host string
}

var _ Provider = (*PineconeProvider)(nil)

// NewPineconeProvider creates a Pinecone-backed provider.
func NewPineconeProvider(index string, cfg config.PineconeConfig) (*PineconeProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Pinecone")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	return &PineconeProvider{
		client: client,
		config: cfg,
		index:  index,
	}, nil
}

// Name returns the provider name.
func (p *PineconeProvider) Name() string {
	return "pinecone"
}

// EnsureIndex creates the serverless index when missing and waits for it
// to become ready.
func (p *PineconeProvider) EnsureIndex(ctx context.Context, dimension int) error {
	index, err := p.client.DescribeIndex(ctx, p.index)
	if err != nil {
		slog.Info("Creating Pinecone serverless index",
			"index", p.index,
			"dimension", dimension,
			"cloud", p.config.Cloud,
			"region", p.config.Region)

		index, err = p.client.CreateServerlessIndex(ctx, &pinecone.CreateServerlessIndexRequest{
			Name:      p.index,
			Dimension: int32(dimension),
			Metric:    pinecone.Cosine,
			Cloud:     pinecone.Cloud(p.config.Cloud),
			Region:    p.config.Region,
		})
		if err != nil {
			return fmt.Errorf("failed to create index %s: %w", p.index, err)
		}
	}

	// Newly created indexes take a moment to accept traffic.
	for index.Status == nil || !index.Status.Ready {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for index %s: %w", p.index, ctx.Err())
		case <-time.After(2 * time.Second):
		}
		index, err = p.client.DescribeIndex(ctx, p.index)
		if err != nil {
			return fmt.Errorf("failed to describe index %s: %w", p.index, err)
		}
	}

	p.host = index.Host
	return nil
}

// Upsert adds or overwrites items in a namespace.
func (p *PineconeProvider) Upsert(ctx context.Context, namespace string, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	indexConn, err := p.connect(ctx, namespace)
	if err != nil {
		return err
	}
	defer indexConn.Close()

	for _, batch := range batches(items) {
		vectors := make([]*pinecone.Vector, 0, len(batch))
		for _, item := range batch {
			fields := make(map[string]any, len(item.Metadata)+1)
			for k, v := range item.Metadata {
				fields[k] = v
			}
			if item.Content != "" {
				fields["content"] = item.Content
			}

			var metadata *pinecone.Metadata
			if len(fields) > 0 {
				metadata, err = structpb.NewStruct(fields)
				if err != nil {
					return fmt.Errorf("failed to convert metadata: %w", err)
				}
			}

			vectors = append(vectors, &pinecone.Vector{
				Id:       item.ID,
				Values:   item.Vector,
				Metadata: metadata,
			})
		}

		if _, err := indexConn.UpsertVectors(ctx, vectors); err != nil {
			return fmt.Errorf("failed to upsert vectors: %w", err)
		}
	}
	return nil
}

// Query returns the topK most similar items in a namespace.
func (p *PineconeProvider) Query(ctx context.Context, namespace string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	indexConn, err := p.connect(ctx, namespace)
	if err != nil {
		return nil, err
	}
	defer indexConn.Close()

	var metadataFilter *pinecone.MetadataFilter
	if len(filter) > 0 {
		metadataFilter, err = structpb.NewStruct(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to convert filter: %w", err)
		}
	}

	queryResponse, err := indexConn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		MetadataFilter:  metadataFilter,
		IncludeMetadata: true,
		IncludeValues:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query Pinecone: %w", err)
	}

	return convertPineconeResults(queryResponse.Matches), nil
}

// Close releases resources. The Pinecone client has no explicit close.
func (p *PineconeProvider) Close() error {
	return nil
}

// connect opens an index connection scoped to one namespace.
func (p *PineconeProvider) connect(ctx context.Context, namespace string) (*pinecone.IndexConnection, error) {
	host := p.host
	if host == "" {
		index, err := p.client.DescribeIndex(ctx, p.index)
		if err != nil {
			return nil, fmt.Errorf("failed to describe index %s: %w", p.index, err)
		}
		host = index.Host
		p.host = host
	}

	indexConn, err := p.client.Index(pinecone.NewIndexConnParams{
		Host:      host,
		Namespace: namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create index connection: %w", err)
	}
	return indexConn, nil
}

// convertPineconeResults converts Pinecone results to our Result type.
func convertPineconeResults(matches []*pinecone.ScoredVector) []Result {
	results := make([]Result, 0, len(matches))

	for _, scoredVector := range matches {
		if scoredVector.Vector == nil {
			continue
		}

		metadata := make(map[string]any)
		if scoredVector.Vector.Metadata != nil {
			for k, v := range scoredVector.Vector.Metadata.AsMap() {
				metadata[k] = v
			}
		}

		content := ""
		if contentVal, exists := metadata["content"]; exists {
			if str, ok := contentVal.(string); ok {
				content = str
			}
			delete(metadata, "content")
		}

		results = append(results, Result{
			ID:       scoredVector.Vector.Id,
			Content:  content,
			Metadata: metadata,
			Score:    scoredVector.Score,
		})
	}

	return results
}
