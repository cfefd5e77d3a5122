// Package store implements the multi-tenant filing store: companies,
// documents, chunks with embeddings and structured facts, and the
// tenant-scoped similarity search over them.
//
// The store is backed by PostgreSQL with the pgvector extension. It is safe
// for concurrent use; readers are never blocked by writers (MVCC), and chunk
// batches are inserted in one transaction so a reader never observes a
// partially written document.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// DBTX is the subset of pgx operations the Store needs. It is satisfied by
// *pgxpool.Pool, *pgx.Conn, and pgx.Tx, so the same queries run inside and
// outside transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store manages companies, documents, and chunks.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     DBTX
	pool   *pgxpool.Pool // For transaction support; nil in unit tests
	logger *slog.Logger
}

// New creates a new Store.
//
// pool may be nil (tests); InsertChunks then runs non-transactionally.
func New(db DBTX, pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, pool: pool, logger: logger}
}

// ---- Companies ----

const createCompanySQL = `
INSERT INTO companies (id, name, sector, ticker)
VALUES ($1, $2, $3, $4)
RETURNING created_at, updated_at`

// CreateCompany inserts a new tenant. A zero ID is replaced with a random
// UUID; the returned Company carries database-assigned timestamps.
func (s *Store) CreateCompany(ctx context.Context, c Company) (*Company, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Name == "" {
		return nil, fmt.Errorf("company name must not be empty")
	}

	var createdAt, updatedAt pgtype.Timestamptz
	err := s.db.QueryRow(ctx, createCompanySQL,
		uuidToPg(c.ID), c.Name, c.Sector, textOrNil(c.Ticker),
	).Scan(&createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create company %q: %w", c.Name, err)
	}

	c.CreatedAt = createdAt.Time
	c.UpdatedAt = updatedAt.Time
	s.logger.Debug("created company", "id", c.ID, "name", c.Name)
	return &c, nil
}

const getCompanySQL = `
SELECT id, name, sector, ticker, created_at, updated_at
FROM companies WHERE id = $1`

// GetCompany retrieves a company by ID.
func (s *Store) GetCompany(ctx context.Context, id uuid.UUID) (*Company, error) {
	var (
		pgID                 pgtype.UUID
		name, sector         string
		ticker               *string
		createdAt, updatedAt pgtype.Timestamptz
	)
	err := s.db.QueryRow(ctx, getCompanySQL, uuidToPg(id)).
		Scan(&pgID, &name, &sector, &ticker, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("company %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get company %s: %w", id, err)
	}

	return &Company{
		ID:        pgToUUID(pgID),
		Name:      name,
		Sector:    sector,
		Ticker:    deref(ticker),
		CreatedAt: createdAt.Time,
		UpdatedAt: updatedAt.Time,
	}, nil
}

const listCompaniesSQL = `
SELECT id, name, sector, ticker, created_at, updated_at
FROM companies ORDER BY name`

// ListCompanies returns all companies ordered by name.
func (s *Store) ListCompanies(ctx context.Context) ([]Company, error) {
	rows, err := s.db.Query(ctx, listCompaniesSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}
	defer rows.Close()

	var companies []Company
	for rows.Next() {
		var (
			pgID                 pgtype.UUID
			name, sector         string
			ticker               *string
			createdAt, updatedAt pgtype.Timestamptz
		)
		if err := rows.Scan(&pgID, &name, &sector, &ticker, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan company: %w", err)
		}
		companies = append(companies, Company{
			ID:        pgToUUID(pgID),
			Name:      name,
			Sector:    sector,
			Ticker:    deref(ticker),
			CreatedAt: createdAt.Time,
			UpdatedAt: updatedAt.Time,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}
	return companies, nil
}

// DeleteCompany deletes a company. Documents and chunks follow via
// ON DELETE CASCADE.
func (s *Store) DeleteCompany(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM companies WHERE id = $1`, uuidToPg(id))
	if err != nil {
		return fmt.Errorf("failed to delete company %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("company %s: %w", id, ErrNotFound)
	}

	s.logger.Debug("deleted company", "id", id)
	return nil
}

// ---- Documents ----

const createDocumentSQL = `
INSERT INTO documents (
	id, company_id, filename, title, document_type, file_type,
	storage_path, document_date, reporting_period
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING uploaded_at`

// CreateDocument inserts metadata for one ingested source file.
func (s *Store) CreateDocument(ctx context.Context, d Document) (*Document, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CompanyID == uuid.Nil {
		return nil, fmt.Errorf("document must belong to a company")
	}
	if d.Filename == "" {
		return nil, fmt.Errorf("document filename must not be empty")
	}

	var docDate pgtype.Timestamptz
	if d.DocumentDate != nil {
		docDate = pgtype.Timestamptz{Time: *d.DocumentDate, Valid: true}
	}

	var uploadedAt pgtype.Timestamptz
	err := s.db.QueryRow(ctx, createDocumentSQL,
		uuidToPg(d.ID), uuidToPg(d.CompanyID), d.Filename,
		textOrNil(d.Title), textOrNil(d.DocumentType), d.FileType,
		d.StoragePath, docDate, textOrNil(d.ReportingPeriod),
	).Scan(&uploadedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return nil, fmt.Errorf("company %s: %w", d.CompanyID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to create document %q: %w", d.Filename, err)
	}

	d.UploadedAt = uploadedAt.Time
	s.logger.Debug("created document", "id", d.ID, "company_id", d.CompanyID, "filename", d.Filename)
	return &d, nil
}

const getDocumentSQL = `
SELECT id, company_id, filename, title, document_type, file_type,
       storage_path, document_date, reporting_period, total_pages,
       total_chunks, uploaded_at
FROM documents WHERE id = $1`

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := s.db.QueryRow(ctx, getDocumentSQL, uuidToPg(id))
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return doc, nil
}

const listDocumentsSQL = `
SELECT id, company_id, filename, title, document_type, file_type,
       storage_path, document_date, reporting_period, total_pages,
       total_chunks, uploaded_at
FROM documents WHERE company_id = $1
ORDER BY uploaded_at DESC`

// ListDocuments returns all documents owned by the given company, newest
// first. The companyID parameter is the tenant boundary; there is no
// unscoped variant.
func (s *Store) ListDocuments(ctx context.Context, companyID uuid.UUID) ([]Document, error) {
	rows, err := s.db.Query(ctx, listDocumentsSQL, uuidToPg(companyID))
	if err != nil {
		return nil, fmt.Errorf("failed to list documents for company %s: %w", companyID, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list documents for company %s: %w", companyID, err)
	}
	return docs, nil
}

// rowScanner covers pgx.Row and pgx.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		pgID, pgCompanyID       pgtype.UUID
		filename, fileType      string
		storagePath             string
		title, docType, period  *string
		docDate, uploadedAt     pgtype.Timestamptz
		totalPages, totalChunks *int32
	)
	err := row.Scan(&pgID, &pgCompanyID, &filename, &title, &docType,
		&fileType, &storagePath, &docDate, &period, &totalPages,
		&totalChunks, &uploadedAt)
	if err != nil {
		return nil, err
	}

	d := &Document{
		ID:              pgToUUID(pgID),
		CompanyID:       pgToUUID(pgCompanyID),
		Filename:        filename,
		Title:           deref(title),
		DocumentType:    deref(docType),
		FileType:        fileType,
		StoragePath:     storagePath,
		ReportingPeriod: deref(period),
		TotalPages:      totalPages,
		TotalChunks:     totalChunks,
		UploadedAt:      uploadedAt.Time,
	}
	if docDate.Valid {
		t := docDate.Time
		d.DocumentDate = &t
	}
	return d, nil
}

const setDocumentCountersSQL = `
UPDATE documents SET total_pages = $2, total_chunks = $3 WHERE id = $1`

// SetDocumentCounters records page and chunk totals once chunking has
// completed. This is the only mutation documents support after creation.
func (s *Store) SetDocumentCounters(ctx context.Context, id uuid.UUID, totalPages, totalChunks int32) error {
	tag, err := s.db.Exec(ctx, setDocumentCountersSQL, uuidToPg(id), totalPages, totalChunks)
	if err != nil {
		return fmt.Errorf("failed to update counters for document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---- Chunks ----

const insertChunkSQL = `
INSERT INTO chunks (
	id, document_id, chunk_index, chunk_text, page_start, page_end,
	section_title, token_count, embedding,
	time_based_facts, qualitative_facts, quantitative_facts
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

// InsertChunks appends a batch of chunks to a document inside a single
// transaction, so concurrent readers see either none or all of the batch.
//
// Validation: every ChunkIndex must be >= 1 and strictly increasing within
// the batch; every non-nil embedding must be exactly EmbeddingDimension
// wide. Uniqueness of (document_id, chunk_index) is enforced by the schema.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := validateChunkBatch(chunks); err != nil {
		return err
	}

	// If pool is nil (testing with a bare connection), insert directly.
	if s.pool == nil {
		return s.insertChunksInto(ctx, s.db, chunks)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", err)
		}
	}()

	if err := s.insertChunksInto(ctx, tx, chunks); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chunk batch: %w", err)
	}

	s.logger.Debug("inserted chunks", "document_id", chunks[0].DocumentID, "count", len(chunks))
	return nil
}

func (s *Store) insertChunksInto(ctx context.Context, db DBTX, chunks []Chunk) error {
	for i, c := range chunks {
		id := c.ID
		if id == uuid.Nil {
			id = uuid.New()
		}

		timeFacts, err := marshalFacts(c.TimeBasedFacts)
		if err != nil {
			return fmt.Errorf("chunk %d: failed to marshal time-based facts: %w", c.ChunkIndex, err)
		}
		qualFacts, err := marshalFacts(c.QualitativeFacts)
		if err != nil {
			return fmt.Errorf("chunk %d: failed to marshal qualitative facts: %w", c.ChunkIndex, err)
		}
		quantFacts, err := marshalFacts(c.QuantitativeFacts)
		if err != nil {
			return fmt.Errorf("chunk %d: failed to marshal quantitative facts: %w", c.ChunkIndex, err)
		}

		var embedding *pgvector.Vector
		if c.Embedding != nil {
			v := pgvector.NewVector(c.Embedding)
			embedding = &v
		}

		_, err = db.Exec(ctx, insertChunkSQL,
			uuidToPg(id), uuidToPg(c.DocumentID), c.ChunkIndex, c.ChunkText,
			c.PageStart, c.PageEnd, textOrNil(c.SectionTitle), c.TokenCount,
			embedding, timeFacts, qualFacts, quantFacts,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				switch pgErr.Code {
				case pgerrcode.UniqueViolation:
					return fmt.Errorf("chunk index %d already exists in document %s: %w",
						c.ChunkIndex, c.DocumentID, ErrInvalidChunkIndex)
				case pgerrcode.ForeignKeyViolation:
					return fmt.Errorf("document %s: %w", c.DocumentID, ErrNotFound)
				}
			}
			return fmt.Errorf("failed to insert chunk %d of %d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

const listChunksSQL = `
SELECT id, document_id, chunk_index, chunk_text, page_start, page_end,
       section_title, token_count, embedding,
       time_based_facts, qualitative_facts, quantitative_facts, created_at
FROM chunks WHERE document_id = $1
ORDER BY chunk_index`

// ListChunks returns a document's chunks in reading order.
func (s *Store) ListChunks(ctx context.Context, documentID uuid.UUID) ([]Chunk, error) {
	rows, err := s.db.Query(ctx, listChunksSQL, uuidToPg(documentID))
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks for document %s: %w", documentID, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var (
			pgID, pgDocID        pgtype.UUID
			chunkIndex           int32
			chunkText            string
			pageStart, pageEnd   *int32
			sectionTitle         *string
			tokenCount           *int32
			embedding            *pgvector.Vector
			timeRaw, qualRaw     []byte
			quantRaw             []byte
			createdAt            pgtype.Timestamptz
		)
		if err := rows.Scan(&pgID, &pgDocID, &chunkIndex, &chunkText,
			&pageStart, &pageEnd, &sectionTitle, &tokenCount, &embedding,
			&timeRaw, &qualRaw, &quantRaw, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}

		c := Chunk{
			ID:           pgToUUID(pgID),
			DocumentID:   pgToUUID(pgDocID),
			ChunkIndex:   chunkIndex,
			ChunkText:    chunkText,
			PageStart:    pageStart,
			PageEnd:      pageEnd,
			SectionTitle: deref(sectionTitle),
			TokenCount:   tokenCount,
			CreatedAt:    createdAt.Time,
		}
		if embedding != nil {
			c.Embedding = embedding.Slice()
		}
		if err := unmarshalFacts(timeRaw, &c.TimeBasedFacts); err != nil {
			s.logger.Warn("failed to parse time-based facts", "chunk_id", c.ID, "error", err)
			c.TimeBasedFacts = []TimeBasedFact{}
		}
		if err := unmarshalFacts(qualRaw, &c.QualitativeFacts); err != nil {
			s.logger.Warn("failed to parse qualitative facts", "chunk_id", c.ID, "error", err)
			c.QualitativeFacts = []QualitativeFact{}
		}
		if err := unmarshalFacts(quantRaw, &c.QuantitativeFacts); err != nil {
			s.logger.Warn("failed to parse quantitative facts", "chunk_id", c.ID, "error", err)
			c.QuantitativeFacts = []QuantitativeFact{}
		}

		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list chunks for document %s: %w", documentID, err)
	}
	return chunks, nil
}

// ---- Helpers ----

// validateChunkBatch enforces the batch-level chunk invariants before any
// row is written.
func validateChunkBatch(chunks []Chunk) error {
	prev := int32(0)
	for _, c := range chunks {
		if c.DocumentID == uuid.Nil {
			return fmt.Errorf("chunk %d has no document", c.ChunkIndex)
		}
		if c.DocumentID != chunks[0].DocumentID {
			return fmt.Errorf("chunk batch spans multiple documents")
		}
		if c.ChunkIndex < 1 {
			return fmt.Errorf("chunk index %d: %w", c.ChunkIndex, ErrInvalidChunkIndex)
		}
		if c.ChunkIndex <= prev {
			return fmt.Errorf("chunk index %d after %d is not monotonic: %w",
				c.ChunkIndex, prev, ErrInvalidChunkIndex)
		}
		prev = c.ChunkIndex

		if c.Embedding != nil && len(c.Embedding) != EmbeddingDimension {
			return fmt.Errorf("chunk %d has %d-dimensional embedding, want %d: %w",
				c.ChunkIndex, len(c.Embedding), EmbeddingDimension, ErrInvalidEmbedding)
		}
	}
	return nil
}

// marshalFacts serializes a fact slice, mapping nil to the empty JSON array
// so fact columns are never null.
func marshalFacts(v any) ([]byte, error) {
	switch f := v.(type) {
	case []TimeBasedFact:
		if f == nil {
			return []byte("[]"), nil
		}
	case []QualitativeFact:
		if f == nil {
			return []byte("[]"), nil
		}
	case []QuantitativeFact:
		if f == nil {
			return []byte("[]"), nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// unmarshalFacts parses a JSONB fact column, mapping null/empty to an empty
// slice so fact slices are never nil.
func unmarshalFacts[T any](raw []byte, out *[]T) error {
	*out = []T{}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return err
	}
	if *out == nil {
		*out = []T{}
	}
	return nil
}

func textOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// uuidToPg converts uuid.UUID to pgtype.UUID.
func uuidToPg(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

// pgToUUID converts pgtype.UUID to uuid.UUID.
func pgToUUID(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return id.Bytes
}
