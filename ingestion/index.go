package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/quiry/broker"
	"github.com/poiesic/quiry/core"
)

// indexProcessor persists embedded chunks.
type indexProcessor struct {
	pipeline  *Pipeline
	persister *Persister
	logger    *slog.Logger
}

var _ processor = (*indexProcessor)(nil)

func (ip *indexProcessor) name() string        { return "indexer" }
func (ip *indexProcessor) topic() broker.Topic { return broker.TopicIndexUpsert }

func (ip *indexProcessor) process(ctx context.Context, env *broker.Envelope) error {
	var upsert IndexUpsert
	if err := decode(env, &upsert); err != nil {
		return err
	}

	chunk := upsert.chunk()
	started := time.Now()
	err := ip.pipeline.retry(ctx, func(ctx context.Context) error {
		_, err := ip.persister.Persist(ctx, upsert.GroupID, chunk)
		return err
	})
	ip.pipeline.metrics.RecordUpsert(ctx, time.Since(started), err)
	if err != nil {
		return fmt.Errorf("%w: persisting chunk %d: %w", core.ErrPartialFlush, upsert.ChunkID, err)
	}
	return nil
}
