package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"
)

// Default search parameters applied when the caller passes zero values.
const (
	DefaultSearchLimit     = 5
	DefaultSearchThreshold = float32(0.6)

	// maxSearchLimit bounds a single search to prevent resource exhaustion.
	maxSearchLimit = 100
)

// similaritySearchSQL performs the tenant-scoped ANN query. The company
// filter sits inside the query (pre-filter), not on the result set: K slots
// can never be consumed by another tenant's near-duplicates. Cosine
// distance (<=>) is converted to similarity as 1 - distance; the HNSW index
// on the embedding column serves the ORDER BY.
const similaritySearchSQL = `
SELECT c.id, c.document_id, d.title, d.filename, c.section_title,
       c.chunk_text, 1 - (c.embedding <=> $1) AS similarity
FROM chunks c
JOIN documents d ON d.id = c.document_id
WHERE d.company_id = $2
  AND c.embedding IS NOT NULL
  AND 1 - (c.embedding <=> $1) >= $3
ORDER BY c.embedding <=> $1
LIMIT $4`

// SimilaritySearch returns up to limit chunks of the given company, ordered
// by descending cosine similarity to the query vector, all scoring at or
// above threshold (boundary ties are included).
//
// Returns ErrIndexUnavailable when the schema or the vector extension
// backing the index is missing; callers treat that as retryable.
func (s *Store) SimilaritySearch(ctx context.Context, queryVector []float32, companyID uuid.UUID, limit int, threshold float32) ([]Match, error) {
	if len(queryVector) != EmbeddingDimension {
		return nil, fmt.Errorf("query vector has %d dimensions, want %d: %w",
			len(queryVector), EmbeddingDimension, ErrInvalidEmbedding)
	}
	if companyID == uuid.Nil {
		return nil, fmt.Errorf("similarity search requires a company")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	} else if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	if threshold < 0 {
		threshold = 0
	} else if threshold > 1 {
		threshold = 1
	}

	rows, err := s.db.Query(ctx, similaritySearchSQL,
		pgvector.NewVector(queryVector), uuidToPg(companyID), threshold, limit)
	if err != nil {
		return nil, mapSearchError(err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			pgID, pgDocID pgtype.UUID
			title         *string
			filename      string
			sectionTitle  *string
			chunkText     string
			similarity    float64
		)
		if err := rows.Scan(&pgID, &pgDocID, &title, &filename, &sectionTitle, &chunkText, &similarity); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		matches = append(matches, Match{
			ChunkID:       pgToUUID(pgID),
			DocumentID:    pgToUUID(pgDocID),
			DocumentTitle: deref(title),
			Filename:      filename,
			SectionTitle:  deref(sectionTitle),
			ChunkText:     chunkText,
			Similarity:    float32(similarity),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, mapSearchError(err)
	}

	s.logger.Debug("similarity search",
		"company_id", companyID,
		"limit", limit,
		"threshold", threshold,
		"matches", len(matches))
	return matches, nil
}

// mapSearchError converts "the index is not there yet" database errors into
// the retryable ErrIndexUnavailable sentinel. A missing table, operator, or
// vector type all mean the store bootstrap has not completed.
func mapSearchError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UndefinedTable,
			pgerrcode.UndefinedObject,
			pgerrcode.UndefinedFunction,
			pgerrcode.UndefinedColumn:
			return fmt.Errorf("%w: %s", ErrIndexUnavailable, pgErr.Message)
		}
	}
	return fmt.Errorf("similarity search failed: %w", err)
}
