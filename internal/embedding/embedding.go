// ABOUTME: Embedding providers for the semantic engine
// ABOUTME: Embedder interface, provider factory, and cosine similarity

package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/knowbase/kbm/internal/config"
)

// Embedder turns text into fixed-dimension vectors. Vectors from different
// embedders are never comparable; a semantic index is bound to one embedder.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts at once.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector dimensionality.
	Dimensions() int

	// Name identifies the provider and model, e.g. "genai:gemini-embedding-001".
	Name() string
}

// New creates an embedder from configuration. The "local" provider needs no
// credentials or network and is the default.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	switch cfg.Provider {
	case "", "local":
		return NewLocal(cfg.Dimensions), nil
	case "genai":
		return NewGenAI(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q (use local or genai)", cfg.Provider)
	}
}

// Cosine returns the cosine similarity of two vectors, in [-1, 1].
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d != %d", len(a), len(b))
	}

	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}
