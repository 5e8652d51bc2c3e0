package vector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"

	"github.com/concierge-dev/concierge/pkg/config"
)

// QdrantProvider stores vectors in a Qdrant server over gRPC. Namespaces
// map onto collections, created on first use with cosine distance.
type QdrantProvider struct {
	client    *qdrant.Client
	index     string
	dimension int

	mu          sync.Mutex
	collections map[string]bool
}

var _ Provider = (*QdrantProvider)(nil)

// NewQdrantProvider connects to a Qdrant server.
func NewQdrantProvider(index string, cfg config.QdrantConfig) (*QdrantProvider, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client for %s:%d: %w\n"+
			"  TIP: Troubleshooting:\n"+
			"     - Ensure Qdrant is running\n"+
			"     - Verify host and port configuration\n"+
			"     - For Docker: start Qdrant container (docker run -p 6333:6333 -p 6334:6334 qdrant/qdrant)",
			cfg.Host, cfg.Port, err)
	}

	return &QdrantProvider{
		client:      client,
		index:       index,
		collections: make(map[string]bool),
	}, nil
}

// Name returns the provider name.
func (p *QdrantProvider) Name() string {
	return "qdrant"
}

// EnsureIndex records the vector dimension for collection creation and
// verifies the server is reachable.
func (p *QdrantProvider) EnsureIndex(ctx context.Context, dimension int) error {
	p.dimension = dimension
	if _, err := p.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

// Upsert adds or overwrites items in a namespace.
func (p *QdrantProvider) Upsert(ctx context.Context, namespace string, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	collection := collectionName(p.index, namespace)
	if err := p.ensureCollection(ctx, collection, len(items[0].Vector)); err != nil {
		return err
	}

	for _, batch := range batches(items) {
		points := make([]*qdrant.PointStruct, 0, len(batch))
		for _, item := range batch {
			payload := make(map[string]*qdrant.Value, len(item.Metadata)+1)
			for key, value := range item.Metadata {
				val, err := qdrant.NewValue(value)
				if err != nil {
					return fmt.Errorf("failed to convert metadata value for key %s: %w", key, err)
				}
				payload[key] = val
			}
			if item.Content != "" {
				contentVal, err := qdrant.NewValue(item.Content)
				if err != nil {
					return fmt.Errorf("failed to convert content: %w", err)
				}
				payload["content"] = contentVal
			}

			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewID(item.ID),
				Vectors: qdrant.NewVectors(item.Vector...),
				Payload: payload,
			})
		}

		if _, err := p.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         points,
		}); err != nil {
			return fmt.Errorf("failed to upsert points: %w", err)
		}
	}
	return nil
}

// Query returns the topK most similar items in a namespace.
func (p *QdrantProvider) Query(ctx context.Context, namespace string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	searchRequest := &qdrant.SearchPoints{
		CollectionName: collectionName(p.index, namespace),
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	}
	if len(filter) > 0 {
		searchRequest.Filter = buildQdrantFilter(filter)
	}

	pointsClient := p.client.GetPointsClient()
	searchResult, err := pointsClient.Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	return convertQdrantResults(searchResult.Result), nil
}

// Close closes the Qdrant client.
func (p *QdrantProvider) Close() error {
	return p.client.Close()
}

// ensureCollection creates the collection on first use with cosine
// distance.
func (p *QdrantProvider) ensureCollection(ctx context.Context, collection string, dimension int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.collections[collection] {
		return nil
	}

	exists, err := p.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if !exists {
		if p.dimension > 0 {
			dimension = p.dimension
		}
		err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create collection: %w", err)
		}
	}

	p.collections[collection] = true
	return nil
}

// buildQdrantFilter converts a filter map to Qdrant filter.
func buildQdrantFilter(filter map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))

	for key, value := range filter {
		val, err := qdrant.NewValue(value)
		if err != nil {
			continue
		}

		condition := &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{
							Keyword: val.GetStringValue(),
						},
					},
				},
			},
		}
		conditions = append(conditions, condition)
	}

	return &qdrant.Filter{
		Must: conditions,
	}
}

// convertQdrantResults converts Qdrant results to our Result type.
func convertQdrantResults(points []*qdrant.ScoredPoint) []Result {
	results := make([]Result, 0, len(points))

	for _, point := range points {
		var id string
		if point.Id != nil && point.Id.PointIdOptions != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = idType.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", idType.Num)
			}
		}

		metadata := make(map[string]any)
		for key, value := range point.Payload {
			switch v := value.Kind.(type) {
			case *qdrant.Value_StringValue:
				metadata[key] = v.StringValue
			case *qdrant.Value_IntegerValue:
				metadata[key] = v.IntegerValue
			case *qdrant.Value_DoubleValue:
				metadata[key] = v.DoubleValue
			case *qdrant.Value_BoolValue:
				metadata[key] = v.BoolValue
			default:
				metadata[key] = value
			}
		}

		content := ""
		if contentValue, exists := metadata["content"]; exists {
			if contentStr, ok := contentValue.(string); ok {
				content = contentStr
			}
			delete(metadata, "content")
		}

		results = append(results, Result{
			ID:       id,
			Content:  content,
			Metadata: metadata,
			Score:    point.Score,
		})
	}

	return results
}
