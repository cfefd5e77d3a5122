package testutil

import (
	"context"
	"hash/fnv"
	"io"
	"log/slog"
	"math"

	"github.com/finsight/ragserver/internal/store"
)

// Logger returns a quiet logger for tests (warn and above only).
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// DeterministicEmbedder produces stable unit-length vectors from input text
// without calling an external provider. The same text always yields the same
// vector, so similarity assertions are reproducible.
type DeterministicEmbedder struct {
	Dimension int
}

// NewDeterministicEmbedder returns an embedder producing vectors of the
// store's configured dimension.
func NewDeterministicEmbedder() *DeterministicEmbedder {
	return &DeterministicEmbedder{Dimension: store.EmbeddingDimension}
}

// Embed hashes the text into a pseudo-random unit vector.
func (e *DeterministicEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, e.Dimension)
	var norm float64
	state := seed
	for i := range vec {
		// xorshift64
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		v := float64(int64(state)) / math.MaxInt64
		vec[i] = float32(v)
		norm += v * v
	}

	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// Vector returns the embedding for text, panicking on error. Convenience for
// test setup code.
func (e *DeterministicEmbedder) Vector(text string) []float32 {
	vec, err := e.Embed(context.Background(), text)
	if err != nil {
		panic(err)
	}
	return vec
}
