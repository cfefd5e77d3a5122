// Package embed adapts the external embedding provider to the narrow
// Embed(text) -> vector capability the retrieval service consumes.
//
// The concrete provider is reached through Genkit's ai.Embedder, so the
// rest of the system has no compile-time dependency on a specific vendor.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/finsight/ragserver/internal/store"
)

var (
	// ErrEmptyInput indicates an empty or whitespace-only input text.
	ErrEmptyInput = errors.New("empty input text")

	// ErrDimensionMismatch indicates the provider returned a vector whose
	// dimension does not match the store's embedding column.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Client wraps an ai.Embedder with rate limiting and strict dimension
// validation. Safe for concurrent use.
type Client struct {
	embedder  ai.Embedder
	limiter   *rate.Limiter // nil disables rate limiting
	dimension int
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimiter rate-limits each provider call. Embedding providers
// throttle aggressively; limiting locally keeps retries from amplifying a
// 429 storm.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithDimension overrides the expected vector dimension.
// Default: store.EmbeddingDimension.
func WithDimension(d int) Option {
	return func(c *Client) { c.dimension = d }
}

// NewClient creates a Client over the given embedder.
func NewClient(embedder ai.Embedder, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		embedder:  embedder,
		dimension: store.EmbeddingDimension,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	// Gemini embedders emit 3072 dimensions by default; request truncation
	// to the store's dimension (Matryoshka Representation Learning).
	dim := int32(c.dimension)
	resp, err := c.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{
			ai.DocumentFromText(text, nil),
		},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, fmt.Errorf("embed failed: %w", err)
	}

	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}

	vec := resp.Embeddings[0].Embedding
	if len(vec) != c.dimension {
		return nil, fmt.Errorf("provider returned %d dimensions, want %d: %w",
			len(vec), c.dimension, ErrDimensionMismatch)
	}

	return vec, nil
}

// NewGoogleAI initializes Genkit with the Google AI plugin and returns a
// Client for the given embedder model (e.g. "gemini-embedding-001").
// The GEMINI_API_KEY environment variable is read by the plugin.
func NewGoogleAI(ctx context.Context, model string, logger *slog.Logger, opts ...Option) (*Client, error) {
	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit with googleai provider")
	}

	embedder := googlegenai.GoogleAIEmbedder(g, model)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", model)
	}

	return NewClient(embedder, logger, opts...), nil
}
