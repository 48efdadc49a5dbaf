package storage

import (
	"context"

	"github.com/poiesic/quiry/core"
)

// Repository provides common storage operations shared across all repositories.
// Implementations must be thread-safe and support concurrent access.
type Repository interface {
	// Close releases resources held by the repository.
	Close() error
}

// VectorIndex answers nearest-neighbor queries over stored chunk vectors.
type VectorIndex interface {
	// FindSimilar returns up to k chunks ranked by cosine similarity to vector,
	// highest first. Ties are ordered by earlier EarliestTimestamp, then by ID.
	// No metadata filter is applied.
	FindSimilar(ctx context.Context, vector []float32, k int) ([]*core.SimilarityMatch, error)
}

// ChunkRepository stores chunks in per-group collections.
// Chunks are written once and never updated in place.
type ChunkRepository interface {
	Repository
	VectorIndex

	// PersistChunk inserts a chunk under its group. The chunk's Id is its
	// idempotency key; when it already exists nothing is written and the
	// error wraps ErrDuplicateKey and core.ErrDuplicateWrite.
	// The vector is stored normalized to unit length and InsertedAt is set.
	PersistChunk(ctx context.Context, chunk *core.Chunk) (*core.Chunk, error)

	// GetChunk retrieves a single chunk by ID.
	// Returns ErrNotFound if the chunk doesn't exist.
	GetChunk(ctx context.Context, id core.ID) (*core.Chunk, error)

	// GetChunks retrieves multiple chunks by their IDs, in the given order.
	// Returns only the chunks that exist (no error for missing chunks).
	GetChunks(ctx context.Context, ids ...core.ID) ([]*core.Chunk, error)

	// ChunksByChannel returns up to limit chunks of one channel, newest first.
	ChunksByChannel(ctx context.Context, groupID, channelID string, limit int) ([]*core.Chunk, error)

	// ChunksByAuthor returns up to limit chunks of a group in which userID
	// spoke, newest first.
	ChunksByAuthor(ctx context.Context, groupID, userID string, limit int) ([]*core.Chunk, error)

	// RecentChunks returns up to limit chunks of a group, newest first.
	RecentChunks(ctx context.Context, groupID string, limit int) ([]*core.Chunk, error)

	// DeleteRecentChunks removes the n newest chunks of a group with their
	// index entries. Returns the number removed.
	DeleteRecentChunks(ctx context.Context, groupID string, n int) (int, error)

	// DeleteGroup removes a group's whole collection. Returns the number removed.
	DeleteGroup(ctx context.Context, groupID string) (int, error)

	// CountChunks counts the chunks of a group, or of every group when groupID is empty.
	CountChunks(ctx context.Context, groupID string) (int, error)
}

// DeadLetterRepository keeps messages that exhausted their retry budget.
type DeadLetterRepository interface {
	Repository

	// AddDeadLetter stores a dead letter, assigning Id and FailedAt when unset.
	AddDeadLetter(ctx context.Context, letter *core.DeadLetter) (*core.DeadLetter, error)

	// ListDeadLetters returns up to limit dead letters, oldest first.
	// A non-positive limit returns all of them.
	ListDeadLetters(ctx context.Context, limit int) ([]*core.DeadLetter, error)

	// DeleteDeadLetter removes a dead letter by ID.
	// Returns ErrNotFound if it doesn't exist.
	DeleteDeadLetter(ctx context.Context, id string) error
}
