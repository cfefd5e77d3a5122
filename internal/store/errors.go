package store

import "errors"

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIndexUnavailable indicates the vector index (or the schema backing
	// it) is not yet built or not reachable. Callers treat this as
	// retryable.
	ErrIndexUnavailable = errors.New("similarity index unavailable")

	// ErrInvalidEmbedding indicates an embedding with the wrong dimension.
	ErrInvalidEmbedding = errors.New("invalid embedding dimension")

	// ErrInvalidChunkIndex indicates a chunk index that is not positive or
	// not strictly increasing within its batch.
	ErrInvalidChunkIndex = errors.New("invalid chunk index")
)
