package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/poiesic/quiry/ai"
	"github.com/poiesic/quiry/broker"
	"github.com/poiesic/quiry/core"
)

// embeddingProcessor attaches a vector to each merged chunk.
type embeddingProcessor struct {
	pipeline *Pipeline
	embedder ai.Embedder
	timeout  time.Duration
	logger   *slog.Logger
}

var _ processor = (*embeddingProcessor)(nil)

func (ep *embeddingProcessor) name() string        { return "embedder" }
func (ep *embeddingProcessor) topic() broker.Topic { return broker.TopicEmbedding }

func (ep *embeddingProcessor) process(ctx context.Context, env *broker.Envelope) error {
	var req EmbeddingRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("%w: %w", core.ErrMalformedInput, core.ErrEmptyContent)
	}

	var vector []float32
	started := time.Now()
	err := ep.pipeline.retry(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, ep.timeout)
		defer cancel()

		v, err := ep.embedder.EmbedText(callCtx, req.Text)
		if err != nil {
			ep.logger.Warn("embedding attempt failed", "chunk", req.ChunkID, "err", err)
			return err
		}
		vector = v
		return nil
	})
	ep.pipeline.metrics.RecordEmbedding(ctx, time.Since(started), err)
	if err != nil {
		return fmt.Errorf("%w: embedding chunk %d: %w", core.ErrPartialFlush, req.ChunkID, err)
	}

	ep.logger.Debug("chunk embedded", "chunk", req.ChunkID, "dimensions", len(vector))
	return ep.pipeline.produce(ctx, broker.TopicIndexUpsert, req.key(), &IndexUpsert{
		GroupID:   req.GroupID,
		ChunkID:   req.ChunkID,
		Text:      req.Text,
		Embedding: vector,
		Metadata:  req.Metadata,
	})
}
