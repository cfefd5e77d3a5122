// Package retrieval implements the query-time context service: embed the
// question, search the tenant's chunks, and assemble a bounded,
// provenance-annotated context bundle.
//
// The service is read-only and stateless; concurrent calls need no
// coordination. It depends only on the narrow Embedder and Searcher
// capabilities, so neither the embedding vendor nor the storage engine is a
// compile-time dependency.
package retrieval

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/finsight/ragserver/internal/retry"
	"github.com/finsight/ragserver/internal/store"
)

// Defaults for retrieval options.
const (
	DefaultLimit     = 5
	DefaultThreshold = float32(0.6)
)

// ErrInvalidInput indicates an empty query or missing tenant. Fatal, never
// retried, surfaced to the caller immediately.
var ErrInvalidInput = errors.New("invalid input")

// Embedder is the embedding provider capability the service consumes.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the similarity index capability the service consumes.
// Implementations must enforce the tenant filter inside the index query.
type Searcher interface {
	SimilaritySearch(ctx context.Context, queryVector []float32, companyID uuid.UUID, limit int, threshold float32) ([]store.Match, error)
}

// Options bound a single retrieval. Both values are upper bounds, not exact
// counts; fewer results are valid.
type Options struct {
	Limit               int     // Max chunks to return (default 5)
	SimilarityThreshold float32 // Minimum similarity, compared with >= (default 0.6)
}

// Result is the assembled context bundle.
type Result struct {
	Context    string `json:"context"`
	NumResults int    `json:"numResults"`
}

// Service orchestrates context retrieval.
//
// Service is safe for concurrent use by multiple goroutines.
type Service struct {
	embedder         Embedder
	searcher         Searcher
	retryCfg         retry.Config
	defaultLimit     int
	defaultThreshold float32
	logger           *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRetryConfig overrides the backoff policy used for embedding and index
// calls.
func WithRetryConfig(cfg retry.Config) Option {
	return func(s *Service) { s.retryCfg = cfg }
}

// WithDefaults overrides the limit and threshold applied when the caller
// leaves Options zero. Non-positive values keep the package defaults.
func WithDefaults(limit int, threshold float32) Option {
	return func(s *Service) {
		if limit > 0 {
			s.defaultLimit = limit
		}
		if threshold > 0 {
			s.defaultThreshold = threshold
		}
	}
}

// New creates a retrieval Service.
func New(embedder Embedder, searcher Searcher, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		embedder:         embedder,
		searcher:         searcher,
		retryCfg:         retry.DefaultConfig(),
		defaultLimit:     DefaultLimit,
		defaultThreshold: DefaultThreshold,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RetrieveContext returns the most relevant chunk texts for queryText
// within the given company, concatenated in descending similarity order
// with source provenance preserved.
//
// Zero relevant chunks is a valid outcome, not an error: the result is then
// {Context: "", NumResults: 0}. The operation is idempotent against an
// unchanged store.
func (s *Service) RetrieveContext(ctx context.Context, queryText string, companyID uuid.UUID, opts Options) (Result, error) {
	if strings.TrimSpace(queryText) == "" {
		return Result{}, fmt.Errorf("query text must not be empty: %w", ErrInvalidInput)
	}
	if companyID == uuid.Nil {
		return Result{}, fmt.Errorf("company is required: %w", ErrInvalidInput)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = s.defaultLimit
	}
	threshold := opts.SimilarityThreshold
	if threshold <= 0 {
		threshold = s.defaultThreshold
	}

	start := time.Now()

	// Embedding provider failures are transient by default (rate limits,
	// network); retry them all.
	embedCfg := s.retryCfg
	embedCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.logger.Debug("retrying embedding call",
			"attempt", attempt+1, "delay", delay, "error", err)
	}
	queryVector, err := retry.Do(ctx, embedCfg, func(ctx context.Context) ([]float32, error) {
		return s.embedder.Embed(ctx, queryText)
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to embed query: %w", err)
	}

	// The index is retried only when it signals "not ready" or a transient
	// fault; a malformed query will not heal with backoff.
	searchCfg := s.retryCfg
	searchCfg.ShouldRetry = func(err error, _ int) bool {
		return errors.Is(err, store.ErrIndexUnavailable) || retry.Transient(err)
	}
	searchCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.logger.Debug("retrying similarity search",
			"attempt", attempt+1, "delay", delay, "error", err)
	}
	matches, err := retry.Do(ctx, searchCfg, func(ctx context.Context) ([]store.Match, error) {
		return s.searcher.SimilaritySearch(ctx, queryVector, companyID, limit, threshold)
	})
	if err != nil {
		return Result{}, fmt.Errorf("similarity search failed: %w", err)
	}

	if len(matches) == 0 {
		s.logger.Debug("no relevant context found",
			"company_id", companyID, "threshold", threshold)
		return Result{Context: "", NumResults: 0}, nil
	}

	// The index returns matches ordered already; sorting here makes the
	// descending-similarity contract independent of the engine.
	slices.SortStableFunc(matches, func(a, b store.Match) int {
		return cmp.Compare(b.Similarity, a.Similarity)
	})

	s.logger.Debug("retrieved context",
		"company_id", companyID,
		"results", len(matches),
		"top_similarity", matches[0].Similarity,
		"elapsed", time.Since(start))

	return Result{
		Context:    assembleBundle(matches),
		NumResults: len(matches),
	}, nil
}

// assembleBundle concatenates chunk texts in rank order, each preceded by a
// source header so the consumer can cite document and section provenance.
func assembleBundle(matches []store.Match) string {
	var b strings.Builder
	for i, m := range matches {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(sourceHeader(m))
		b.WriteString("\n")
		b.WriteString(m.ChunkText)
	}
	return b.String()
}

// sourceHeader names the chunk's document (title, or filename when
// untitled) and section.
func sourceHeader(m store.Match) string {
	title := m.DocumentTitle
	if title == "" {
		title = m.Filename
	}
	if m.SectionTitle != "" {
		return fmt.Sprintf("[Source: %s | %s]", title, m.SectionTitle)
	}
	return fmt.Sprintf("[Source: %s]", title)
}
