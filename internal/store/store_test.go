package store

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func validEmbedding() []float32 {
	return make([]float32, EmbeddingDimension)
}

func TestValidateChunkBatch(t *testing.T) {
	docID := uuid.New()

	tests := []struct {
		name    string
		chunks  []Chunk
		wantErr error
	}{
		{
			name: "valid batch",
			chunks: []Chunk{
				{DocumentID: docID, ChunkIndex: 1, Embedding: validEmbedding()},
				{DocumentID: docID, ChunkIndex: 2, Embedding: validEmbedding()},
				{DocumentID: docID, ChunkIndex: 3},
			},
		},
		{
			name: "gaps in indexes are allowed",
			chunks: []Chunk{
				{DocumentID: docID, ChunkIndex: 1},
				{DocumentID: docID, ChunkIndex: 5},
			},
		},
		{
			name:    "zero index",
			chunks:  []Chunk{{DocumentID: docID, ChunkIndex: 0}},
			wantErr: ErrInvalidChunkIndex,
		},
		{
			name:    "negative index",
			chunks:  []Chunk{{DocumentID: docID, ChunkIndex: -3}},
			wantErr: ErrInvalidChunkIndex,
		},
		{
			name: "duplicate index",
			chunks: []Chunk{
				{DocumentID: docID, ChunkIndex: 2},
				{DocumentID: docID, ChunkIndex: 2},
			},
			wantErr: ErrInvalidChunkIndex,
		},
		{
			name: "decreasing index",
			chunks: []Chunk{
				{DocumentID: docID, ChunkIndex: 3},
				{DocumentID: docID, ChunkIndex: 1},
			},
			wantErr: ErrInvalidChunkIndex,
		},
		{
			name: "wrong embedding dimension",
			chunks: []Chunk{
				{DocumentID: docID, ChunkIndex: 1, Embedding: make([]float32, 768)},
			},
			wantErr: ErrInvalidEmbedding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateChunkBatch(tt.chunks)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("validateChunkBatch() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("validateChunkBatch() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateChunkBatchMixedDocuments(t *testing.T) {
	chunks := []Chunk{
		{DocumentID: uuid.New(), ChunkIndex: 1},
		{DocumentID: uuid.New(), ChunkIndex: 2},
	}
	if err := validateChunkBatch(chunks); err == nil {
		t.Fatal("validateChunkBatch() = nil for batch spanning documents, want error")
	}
}

func TestMarshalFactsNilBecomesEmptyArray(t *testing.T) {
	tests := []struct {
		name  string
		facts any
	}{
		{"time-based", []TimeBasedFact(nil)},
		{"qualitative", []QualitativeFact(nil)},
		{"quantitative", []QuantitativeFact(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := marshalFacts(tt.facts)
			if err != nil {
				t.Fatalf("marshalFacts() error = %v", err)
			}
			if string(data) != "[]" {
				t.Errorf("marshalFacts(nil) = %s, want []", data)
			}
		})
	}
}

func TestUnmarshalFactsNeverNil(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want int
	}{
		{"sql null", nil, 0},
		{"json null", []byte("null"), 0},
		{"empty array", []byte("[]"), 0},
		{"one fact", []byte(`[{"metric":"revenue","value":12.4,"unit":"USD billions","period":"FY2025"}]`), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var facts []QuantitativeFact
			if err := unmarshalFacts(tt.raw, &facts); err != nil {
				t.Fatalf("unmarshalFacts() error = %v", err)
			}
			if facts == nil {
				t.Fatal("unmarshalFacts() left slice nil")
			}
			if len(facts) != tt.want {
				t.Errorf("len = %d, want %d", len(facts), tt.want)
			}
		})
	}
}

func TestQuantitativeFactRoundTrip(t *testing.T) {
	in := []QuantitativeFact{
		{Metric: "operating margin", Value: 18.2, Unit: "percent", Period: "Q2 2026"},
	}
	data, err := marshalFacts(in)
	if err != nil {
		t.Fatalf("marshalFacts() error = %v", err)
	}

	var out []QuantitativeFact
	if err := unmarshalFacts(data, &out); err != nil {
		t.Fatalf("unmarshalFacts() error = %v", err)
	}
	if len(out) != 1 || out[0] != in[0] {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}
