package ingestion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/poiesic/quiry/broker"
	"github.com/poiesic/quiry/buffer"
	"github.com/poiesic/quiry/core"
)

// bufferProcessor appends raw messages to conversation buffers.
type bufferProcessor struct {
	pipeline *Pipeline
	store    *buffer.Store
	logger   *slog.Logger
}

var _ processor = (*bufferProcessor)(nil)

func (bp *bufferProcessor) name() string        { return "buffer" }
func (bp *bufferProcessor) topic() broker.Topic { return broker.TopicRawMessage }

func (bp *bufferProcessor) process(ctx context.Context, env *broker.Envelope) error {
	var msg core.Message
	if err := decode(env, &msg); err != nil {
		return err
	}

	unlock := bp.pipeline.lockKey(msg.Key())
	defer unlock()

	batch, err := bp.store.Append(&msg)
	if err != nil {
		return err
	}
	if batch == nil {
		return nil
	}
	return bp.pipeline.emitBatch(ctx, batch)
}

// emitBatch publishes a flushed buffer as a flush request. A batch that
// cannot be published goes to the dead-letter store; it is never put back
// into a live buffer.
func (p *Pipeline) emitBatch(ctx context.Context, batch *buffer.Batch) error {
	req := &FlushRequest{
		GroupID:   batch.Key.GroupID,
		ChannelID: batch.Key.ChannelID,
		Reason:    batch.Reason.String(),
		Messages:  batch.Messages,
	}
	p.logger.Debug("buffer flushed", "key", batch.Key.String(), "reason", req.Reason, "messages", len(req.Messages))

	payload, err := encode(req)
	if err != nil {
		return err
	}
	key := batch.Key.String()
	err = p.publish(ctx, broker.TopicChunkFlush, key, payload)
	if err == nil {
		return nil
	}

	p.logger.Error("failed to publish flush request", "key", key, "err", err)
	return p.storeDeadLetter(ctx, &deadLetterSource{
		stage:   "buffer",
		topic:   broker.TopicChunkFlush,
		key:     key,
		payload: payload,
	}, fmt.Errorf("%w: %w", core.ErrPartialFlush, err))
}
