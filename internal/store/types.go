package store

import (
	"time"

	"github.com/google/uuid"
)

// EmbeddingDimension is the fixed dimensionality of chunk embeddings.
// The embedding column, the ANN index, and the embedding provider all agree
// on this value; a chunk embedding is either absent or exactly this size.
const EmbeddingDimension = 1536

// Company is the root of tenant isolation. Every Document and transitively
// every Chunk belongs to exactly one Company; deleting a Company cascades to
// its documents and chunks.
type Company struct {
	ID        uuid.UUID
	Name      string
	Sector    string
	Ticker    string // Optional, "" = unlisted
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Document is one ingested source file. Immutable once created except for
// the page/chunk counters, which are set after chunking completes.
type Document struct {
	ID              uuid.UUID
	CompanyID       uuid.UUID
	Filename        string
	Title           string // Optional
	DocumentType    string // Optional, e.g. "annual_report", "10-K"
	FileType        string // e.g. "pdf"
	StoragePath     string
	DocumentDate    *time.Time
	ReportingPeriod string // Optional, e.g. "FY2025", "Q3 2025"
	TotalPages      *int32
	TotalChunks     *int32
	UploadedAt      time.Time
}

// Chunk is the atomic unit of retrieval: a bounded span of a document's
// text with its embedding and structured extracted facts.
//
// ChunkIndex is 1-based and unique within a document; it defines reading
// order. Embedding is nil until the ingestion pipeline has processed the
// chunk, then exactly EmbeddingDimension wide. Fact slices default to
// empty, never nil, when read back from the store.
type Chunk struct {
	ID           uuid.UUID
	DocumentID   uuid.UUID
	ChunkIndex   int32
	ChunkText    string
	PageStart    *int32
	PageEnd      *int32
	SectionTitle string // Optional
	TokenCount   *int32
	Embedding    []float32

	TimeBasedFacts    []TimeBasedFact
	QualitativeFacts  []QualitativeFact
	QuantitativeFacts []QuantitativeFact

	CreatedAt time.Time
}

// TimeBasedFact captures a future event or timeline mentioned in a chunk.
type TimeBasedFact struct {
	Event        string     `json:"event"`
	Timeframe    string     `json:"timeframe"`
	ExpectedDate *time.Time `json:"expected_date,omitempty"`
}

// QualitativeFact captures business narrative extracted from a chunk.
type QualitativeFact struct {
	Topic     string `json:"topic"`
	Sentiment string `json:"sentiment"`
	Context   string `json:"context"`
}

// QuantitativeFact captures a named metric with its numeric value.
type QuantitativeFact struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Unit   string  `json:"unit"`
	Period string  `json:"period,omitempty"`
}

// Match is a single similarity-search result. Document title, filename and
// section travel with the chunk so consumers can cite provenance without a
// second lookup.
type Match struct {
	ChunkID       uuid.UUID
	DocumentID    uuid.UUID
	DocumentTitle string
	Filename      string
	SectionTitle  string
	ChunkText     string
	Similarity    float32 // Cosine similarity on a [0,1] normalized scale
}
