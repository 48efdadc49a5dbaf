package ingestion

import "errors"

var (
	// ErrBrokerRequired is returned when a broker is not provided.
	ErrBrokerRequired = errors.New("broker required")

	// ErrBufferRequired is returned when a buffer store is not provided.
	ErrBufferRequired = errors.New("buffer store required")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrChunkRepositoryRequired is returned when a chunk repository is not provided.
	ErrChunkRepositoryRequired = errors.New("chunk repository required")

	// ErrDeadLetterRepositoryRequired is returned when a dead-letter repository is not provided.
	ErrDeadLetterRepositoryRequired = errors.New("dead-letter repository required")

	// ErrSearcherRequired is returned by Query when the pipeline has no searcher.
	ErrSearcherRequired = errors.New("searcher required")

	// ErrInvalidMaxAttempts is returned when max attempts is less than or equal to zero.
	ErrInvalidMaxAttempts = errors.New("max attempts must be greater than 0")

	// ErrAlreadyStarted is returned by Start on a running pipeline.
	ErrAlreadyStarted = errors.New("pipeline already started")

	// ErrNotStarted is returned by operations that need a running pipeline.
	ErrNotStarted = errors.New("pipeline not started")

	// ErrStopped is returned once the pipeline has been stopped.
	ErrStopped = errors.New("pipeline stopped")
)
