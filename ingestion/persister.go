package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/poiesic/quiry/core"
	"github.com/poiesic/quiry/storage"
)

// Persister writes embedded chunks to their group's collection.
// Writing the same chunk twice stores it once.
type Persister struct {
	chunks storage.ChunkRepository
	logger *slog.Logger
}

// NewPersister creates a persister over a chunk repository.
func NewPersister(chunks storage.ChunkRepository, logger *slog.Logger) (*Persister, error) {
	if chunks == nil {
		return nil, ErrChunkRepositoryRequired
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		chunks: chunks,
		logger: logger.With("component", "persister"),
	}, nil
}

// Persist stores chunk under groupID and returns its ID. A chunk whose
// idempotency key already exists is reported as success with the existing ID.
func (p *Persister) Persist(ctx context.Context, groupID string, chunk *core.Chunk) (core.ID, error) {
	if chunk == nil {
		return 0, fmt.Errorf("%w: chunk is nil", core.ErrMalformedInput)
	}
	if chunk.GroupID == "" {
		c := *chunk
		c.GroupID = groupID
		chunk = &c
	}
	if chunk.GroupID != groupID {
		return 0, fmt.Errorf("%w: chunk belongs to group %q, not %q", core.ErrMalformedInput, chunk.GroupID, groupID)
	}
	if len(chunk.Vector) == 0 {
		return 0, fmt.Errorf("%w: chunk has no embedding", core.ErrMalformedInput)
	}

	want := core.IdempotencyKey(chunk.GroupID, chunk.ChannelID, chunk.EarliestTimestamp, chunk.MessageCount)
	if chunk.Id != 0 && chunk.Id != want {
		return 0, fmt.Errorf("%w: chunk id %d does not match its idempotency key %d", core.ErrMalformedInput, chunk.Id, want)
	}

	stored, err := p.chunks.PersistChunk(ctx, chunk)
	if errors.Is(err, core.ErrDuplicateWrite) {
		p.logger.Info("duplicate chunk ignored", "id", want, "group", groupID, "channel", chunk.ChannelID)
		return want, nil
	}
	if err != nil {
		return 0, err
	}

	p.logger.Debug("chunk persisted", "id", stored.Id, "group", groupID, "channel", stored.ChannelID, "messages", stored.MessageCount)
	return stored.Id, nil
}
