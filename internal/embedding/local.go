// ABOUTME: Deterministic local embedder using hashed word features
// ABOUTME: No network, no credentials; the default provider and the test workhorse

package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// DefaultLocalDimensions is the vector size when none is configured.
const DefaultLocalDimensions = 256

// Local is a feature-hashing embedder. Each lowercased token hashes to a
// bucket and the bucket counts are L2-normalized, so texts sharing words
// land near each other in cosine space. Deterministic across processes.
//
// Not a substitute for a learned model, but good enough for local setups
// and for exercising the semantic engine without an API key.
type Local struct {
	dims int
}

var _ Embedder = (*Local)(nil)

// NewLocal creates a local embedder with the given dimensionality.
func NewLocal(dims int) *Local {
	if dims <= 0 {
		dims = DefaultLocalDimensions
	}
	return &Local{dims: dims}
}

func (l *Local) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, l.dims)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%l.dims]++
	}

	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag > 0 {
		norm := float32(math.Sqrt(mag))
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := l.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (l *Local) Dimensions() int { return l.dims }

func (l *Local) Name() string { return fmt.Sprintf("local:%d", l.dims) }

// tokenize lowercases and splits on non-alphanumeric runs.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}
