// Package embeddings defines the Provider interface for text-embedding
// backends. Approved memory items are embedded into the semantic index so
// they can be retrieved by meaning during later sessions.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider maps text to dense float32 vectors.
//
// Every vector produced by one Provider has length Dimensions(). Vectors from
// different models must not be compared.
type Provider interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input, in input order. On error no
	// partial result is returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length of this provider.
	Dimensions() int

	// ModelID identifies the embedding model. It is recorded in the version
	// snapshot of every session that indexes memories.
	ModelID() string
}
