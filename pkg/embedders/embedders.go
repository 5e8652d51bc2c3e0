// Package embedders produces vector embeddings for tool-catalog entries.
package embedders

import "context"

// Embedder converts text into dense vectors.
type Embedder interface {
	// Embed embeds a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds many texts, preserving input order. Inputs larger
	// than the provider batch size are split transparently.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector dimensionality.
	Dimension() int

	// ModelName returns the embedding model identifier.
	ModelName() string

	// Close releases resources.
	Close() error
}
