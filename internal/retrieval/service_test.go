package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/finsight/ragserver/internal/log"
	"github.com/finsight/ragserver/internal/retry"
	"github.com/finsight/ragserver/internal/store"
)

// ============================================================================
// Mock implementations
// ============================================================================

// mockEmbedder implements Embedder for testing.
type mockEmbedder struct {
	vector    []float32
	err       error
	failFirst int // Fail this many calls before succeeding
	calls     int
	lastText  string
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.calls++
	m.lastText = text
	if m.err != nil {
		return nil, m.err
	}
	if m.calls <= m.failFirst {
		return nil, errors.New("503 unavailable")
	}
	if m.vector == nil {
		return []float32{0.1, 0.2, 0.3}, nil
	}
	return m.vector, nil
}

// tenantChunk associates a candidate match with its owning company.
type tenantChunk struct {
	companyID uuid.UUID
	match     store.Match
}

// mockSearcher implements Searcher over an in-memory corpus. It applies the
// same contract as the real index: tenant pre-filter, threshold with >=,
// descending order, limit.
type mockSearcher struct {
	corpus    []tenantChunk
	err       error
	failFirst int
	calls     int

	lastCompanyID uuid.UUID
	lastLimit     int
	lastThreshold float32
}

func (m *mockSearcher) SimilaritySearch(_ context.Context, _ []float32, companyID uuid.UUID, limit int, threshold float32) ([]store.Match, error) {
	m.calls++
	m.lastCompanyID = companyID
	m.lastLimit = limit
	m.lastThreshold = threshold

	if m.err != nil {
		return nil, m.err
	}
	if m.calls <= m.failFirst {
		return nil, fmt.Errorf("index not built: %w", store.ErrIndexUnavailable)
	}

	var matches []store.Match
	for _, tc := range m.corpus {
		if tc.companyID != companyID {
			continue
		}
		if tc.match.Similarity >= threshold {
			matches = append(matches, tc.match)
		}
	}
	// Descending by similarity, then cap at limit.
	for i := range matches {
		for j := i + 1; j < len(matches); j++ {
			if matches[j].Similarity > matches[i].Similarity {
				matches[i], matches[j] = matches[j], matches[i]
			}
		}
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func fastRetry() retry.Config {
	return retry.Config{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		Multiplier: 2,
		MaxDelay:   4 * time.Millisecond,
	}
}

var (
	acmeID   = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	globexID = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

// acmeCorpus is the reference scenario: three chunks at similarity
// 0.9 / 0.7 / 0.4 for Acme, plus a high-scoring chunk owned by Globex.
func acmeCorpus() []tenantChunk {
	return []tenantChunk{
		{acmeID, store.Match{
			ChunkID:       uuid.New(),
			DocumentTitle: "Annual Report 2025",
			SectionTitle:  "Risk Factors",
			ChunkText:     "Supply chain concentration remains the principal risk.",
			Similarity:    0.9,
		}},
		{acmeID, store.Match{
			ChunkID:       uuid.New(),
			DocumentTitle: "Annual Report 2025",
			SectionTitle:  "Outlook",
			ChunkText:     "Management expects mid-single-digit revenue growth.",
			Similarity:    0.7,
		}},
		{acmeID, store.Match{
			ChunkID:       uuid.New(),
			DocumentTitle: "Q2 Filing",
			SectionTitle:  "Overview",
			ChunkText:     "The quarter closed without material events.",
			Similarity:    0.4,
		}},
		{globexID, store.Match{
			ChunkID:       uuid.New(),
			DocumentTitle: "Globex 10-K",
			SectionTitle:  "Risk Factors",
			ChunkText:     "Globex faces identical supply chain risks.",
			Similarity:    0.95,
		}},
	}
}

func newTestService(searcher Searcher) (*Service, *mockEmbedder) {
	embedder := &mockEmbedder{}
	svc := New(embedder, searcher, log.NewNop(), WithRetryConfig(fastRetry()))
	return svc, embedder
}

// ============================================================================
// Input validation
// ============================================================================

func TestRetrieveContextRejectsEmptyQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"empty", ""},
		{"whitespace", "   \t\n  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, embedder := newTestService(&mockSearcher{})

			_, err := svc.RetrieveContext(context.Background(), tt.query, acmeID, Options{})
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("error = %v, want ErrInvalidInput", err)
			}
			if embedder.calls != 0 {
				t.Errorf("embedder called %d times for invalid input, want 0", embedder.calls)
			}
		})
	}
}

func TestRetrieveContextRejectsMissingCompany(t *testing.T) {
	svc, embedder := newTestService(&mockSearcher{})

	_, err := svc.RetrieveContext(context.Background(), "what are the risks?", uuid.Nil, Options{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
	if embedder.calls != 0 {
		t.Errorf("embedder called %d times, want 0", embedder.calls)
	}
}

// ============================================================================
// Core retrieval semantics
// ============================================================================

func TestRetrieveContextScenario(t *testing.T) {
	// Acme has chunks at 0.9 / 0.7 / 0.4; limit 5, threshold 0.6 must
	// return exactly the two above the threshold, best first.
	searcher := &mockSearcher{corpus: acmeCorpus()}
	svc, _ := newTestService(searcher)

	result, err := svc.RetrieveContext(context.Background(), "supply chain risk", acmeID,
		Options{Limit: 5, SimilarityThreshold: 0.6})
	if err != nil {
		t.Fatalf("RetrieveContext() error = %v", err)
	}

	if result.NumResults != 2 {
		t.Fatalf("NumResults = %d, want 2", result.NumResults)
	}

	first := strings.Index(result.Context, "Supply chain concentration")
	second := strings.Index(result.Context, "mid-single-digit revenue growth")
	if first == -1 || second == -1 {
		t.Fatalf("context missing expected chunk texts:\n%s", result.Context)
	}
	if first > second {
		t.Error("chunks not in descending similarity order")
	}
	if strings.Contains(result.Context, "material events") {
		t.Error("chunk below threshold leaked into context")
	}
}

func TestRetrieveContextEmptyResultPath(t *testing.T) {
	searcher := &mockSearcher{corpus: acmeCorpus()}
	svc, _ := newTestService(searcher)

	// Threshold above every Acme chunk: valid zero-result outcome.
	result, err := svc.RetrieveContext(context.Background(), "anything", acmeID,
		Options{SimilarityThreshold: 0.99})
	if err != nil {
		t.Fatalf("RetrieveContext() error = %v, want nil for empty result", err)
	}
	if result.Context != "" {
		t.Errorf("Context = %q, want empty", result.Context)
	}
	if result.NumResults != 0 {
		t.Errorf("NumResults = %d, want 0", result.NumResults)
	}
}

func TestRetrieveContextTenantIsolation(t *testing.T) {
	searcher := &mockSearcher{corpus: acmeCorpus()}
	svc, _ := newTestService(searcher)

	// Globex's 0.95 chunk must never appear in Acme's results, and vice
	// versa, regardless of score.
	acmeResult, err := svc.RetrieveContext(context.Background(), "risk", acmeID, Options{})
	if err != nil {
		t.Fatalf("RetrieveContext(acme) error = %v", err)
	}
	if strings.Contains(acmeResult.Context, "Globex") {
		t.Errorf("Acme context contains Globex chunk:\n%s", acmeResult.Context)
	}

	globexResult, err := svc.RetrieveContext(context.Background(), "risk", globexID, Options{})
	if err != nil {
		t.Fatalf("RetrieveContext(globex) error = %v", err)
	}
	if globexResult.NumResults != 1 {
		t.Fatalf("Globex NumResults = %d, want 1", globexResult.NumResults)
	}
	if strings.Contains(globexResult.Context, "Annual Report 2025") {
		t.Errorf("Globex context contains Acme chunk:\n%s", globexResult.Context)
	}
}

func TestRetrieveContextThresholdMonotonicity(t *testing.T) {
	searcher := &mockSearcher{corpus: acmeCorpus()}
	svc, _ := newTestService(searcher)

	counts := make([]int, 0, 3)
	for _, threshold := range []float32{0.3, 0.6, 0.92} {
		result, err := svc.RetrieveContext(context.Background(), "risk", acmeID,
			Options{SimilarityThreshold: threshold})
		if err != nil {
			t.Fatalf("RetrieveContext(threshold=%v) error = %v", threshold, err)
		}
		counts = append(counts, result.NumResults)
	}

	// Raising the threshold never increases the result count.
	if counts[0] < counts[1] || counts[1] < counts[2] {
		t.Errorf("result counts %v not monotonically non-increasing", counts)
	}
	if counts[0] != 3 || counts[1] != 2 || counts[2] != 0 {
		t.Errorf("counts = %v, want [3 2 0]", counts)
	}
}

func TestRetrieveContextBoundedOutput(t *testing.T) {
	searcher := &mockSearcher{corpus: acmeCorpus()}
	svc, _ := newTestService(searcher)

	result, err := svc.RetrieveContext(context.Background(), "risk", acmeID,
		Options{Limit: 1, SimilarityThreshold: 0.3})
	if err != nil {
		t.Fatalf("RetrieveContext() error = %v", err)
	}
	if result.NumResults != 1 {
		t.Errorf("NumResults = %d, want 1 (limit)", result.NumResults)
	}
	if !strings.Contains(result.Context, "Supply chain concentration") {
		t.Error("limit=1 did not keep the best-scoring chunk")
	}
}

func TestRetrieveContextIdempotent(t *testing.T) {
	searcher := &mockSearcher{corpus: acmeCorpus()}
	svc, _ := newTestService(searcher)

	first, err := svc.RetrieveContext(context.Background(), "risk", acmeID, Options{})
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := svc.RetrieveContext(context.Background(), "risk", acmeID, Options{})
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}

	if first != second {
		t.Errorf("identical calls returned different results:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestRetrieveContextAppliesDefaults(t *testing.T) {
	searcher := &mockSearcher{corpus: acmeCorpus()}
	svc, _ := newTestService(searcher)

	if _, err := svc.RetrieveContext(context.Background(), "risk", acmeID, Options{}); err != nil {
		t.Fatalf("RetrieveContext() error = %v", err)
	}

	if searcher.lastLimit != DefaultLimit {
		t.Errorf("limit = %d, want default %d", searcher.lastLimit, DefaultLimit)
	}
	if searcher.lastThreshold != DefaultThreshold {
		t.Errorf("threshold = %v, want default %v", searcher.lastThreshold, DefaultThreshold)
	}
	if searcher.lastCompanyID != acmeID {
		t.Errorf("companyID = %v, want %v", searcher.lastCompanyID, acmeID)
	}
}

func TestRetrieveContextConfiguredDefaults(t *testing.T) {
	searcher := &mockSearcher{corpus: acmeCorpus()}
	embedder := &mockEmbedder{}
	svc := New(embedder, searcher, log.NewNop(),
		WithRetryConfig(fastRetry()), WithDefaults(7, 0.25))

	if _, err := svc.RetrieveContext(context.Background(), "risk", acmeID, Options{}); err != nil {
		t.Fatalf("RetrieveContext() error = %v", err)
	}
	if searcher.lastLimit != 7 {
		t.Errorf("limit = %d, want configured 7", searcher.lastLimit)
	}
	if searcher.lastThreshold != 0.25 {
		t.Errorf("threshold = %v, want configured 0.25", searcher.lastThreshold)
	}

	// Explicit options still win over configured defaults.
	if _, err := svc.RetrieveContext(context.Background(), "risk", acmeID,
		Options{Limit: 2, SimilarityThreshold: 0.8}); err != nil {
		t.Fatalf("RetrieveContext() error = %v", err)
	}
	if searcher.lastLimit != 2 || searcher.lastThreshold != 0.8 {
		t.Errorf("opts not honored: limit = %d, threshold = %v",
			searcher.lastLimit, searcher.lastThreshold)
	}
}

func TestRetrieveContextProvenanceHeaders(t *testing.T) {
	searcher := &mockSearcher{corpus: acmeCorpus()}
	svc, _ := newTestService(searcher)

	result, err := svc.RetrieveContext(context.Background(), "risk", acmeID, Options{})
	if err != nil {
		t.Fatalf("RetrieveContext() error = %v", err)
	}

	for _, header := range []string{
		"[Source: Annual Report 2025 | Risk Factors]",
		"[Source: Annual Report 2025 | Outlook]",
	} {
		if !strings.Contains(result.Context, header) {
			t.Errorf("context missing provenance header %q:\n%s", header, result.Context)
		}
	}
}

func TestSourceHeaderFallsBackToFilename(t *testing.T) {
	m := store.Match{Filename: "acme-q2.pdf", SectionTitle: ""}
	if got := sourceHeader(m); got != "[Source: acme-q2.pdf]" {
		t.Errorf("sourceHeader() = %q", got)
	}
}

// ============================================================================
// Resilience behavior
// ============================================================================

func TestRetrieveContextRetriesTransientEmbedFailure(t *testing.T) {
	searcher := &mockSearcher{corpus: acmeCorpus()}
	embedder := &mockEmbedder{failFirst: 2}
	svc := New(embedder, searcher, log.NewNop(), WithRetryConfig(fastRetry()))

	result, err := svc.RetrieveContext(context.Background(), "risk", acmeID, Options{})
	if err != nil {
		t.Fatalf("RetrieveContext() error = %v, want success after retries", err)
	}
	if embedder.calls != 3 {
		t.Errorf("embedder calls = %d, want 3", embedder.calls)
	}
	if result.NumResults == 0 {
		t.Error("expected results after embed retries succeeded")
	}
}

func TestRetrieveContextEmbedExhaustion(t *testing.T) {
	searcher := &mockSearcher{corpus: acmeCorpus()}
	embedder := &mockEmbedder{err: errors.New("429 rate limited")}
	svc := New(embedder, searcher, log.NewNop(), WithRetryConfig(fastRetry()))

	_, err := svc.RetrieveContext(context.Background(), "risk", acmeID, Options{})
	if err == nil {
		t.Fatal("RetrieveContext() error = nil, want exhaustion failure")
	}

	var retryErr *retry.Error
	if !errors.As(err, &retryErr) {
		t.Fatalf("error %v does not carry *retry.Error", err)
	}
	if !retryErr.Exhausted {
		t.Error("Exhausted = false, want true")
	}
	if embedder.calls != 4 {
		t.Errorf("embedder calls = %d, want 4 (1 + 3 retries)", embedder.calls)
	}
	if searcher.calls != 0 {
		t.Errorf("searcher called %d times after embed failure, want 0", searcher.calls)
	}
}

func TestRetrieveContextRetriesIndexUnavailable(t *testing.T) {
	searcher := &mockSearcher{corpus: acmeCorpus(), failFirst: 2}
	svc, _ := newTestService(searcher)

	result, err := svc.RetrieveContext(context.Background(), "risk", acmeID, Options{})
	if err != nil {
		t.Fatalf("RetrieveContext() error = %v, want success once index is up", err)
	}
	if searcher.calls != 3 {
		t.Errorf("searcher calls = %d, want 3", searcher.calls)
	}
	if result.NumResults != 2 {
		t.Errorf("NumResults = %d, want 2", result.NumResults)
	}
}

func TestRetrieveContextDoesNotRetryNonTransientSearchError(t *testing.T) {
	searcher := &mockSearcher{err: errors.New("malformed vector literal")}
	svc, _ := newTestService(searcher)

	_, err := svc.RetrieveContext(context.Background(), "risk", acmeID, Options{})
	if err == nil {
		t.Fatal("RetrieveContext() error = nil, want failure")
	}
	if searcher.calls != 1 {
		t.Errorf("searcher calls = %d, want 1 (no retry for non-transient error)", searcher.calls)
	}

	var retryErr *retry.Error
	if !errors.As(err, &retryErr) {
		t.Fatalf("error %v does not carry *retry.Error", err)
	}
	if retryErr.Exhausted {
		t.Error("Exhausted = true for non-retryable error, want false")
	}
}
