package search

import "errors"

var (
	// ErrChunkRepositoryRequired is returned when a chunk repository is not provided.
	ErrChunkRepositoryRequired = errors.New("chunk repository required")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrSearchUnavailable wraps upstream failures of the embedding service or
	// the vector index. It never means "no matches".
	ErrSearchUnavailable = errors.New("search unavailable")

	// ErrInvalidLimit is returned for a limit below 1. It wraps core.ErrMalformedInput.
	ErrInvalidLimit = errors.New("limit must be at least 1")
)
