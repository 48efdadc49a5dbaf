package ingestion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/poiesic/quiry/broker"
	"github.com/poiesic/quiry/core"
)

// mergeProcessor turns flush requests into chunk text.
type mergeProcessor struct {
	pipeline *Pipeline
	logger   *slog.Logger
}

var _ processor = (*mergeProcessor)(nil)

func (mp *mergeProcessor) name() string        { return "merger" }
func (mp *mergeProcessor) topic() broker.Topic { return broker.TopicChunkFlush }

func (mp *mergeProcessor) process(ctx context.Context, env *broker.Envelope) error {
	var req FlushRequest
	if err := decode(env, &req); err != nil {
		return err
	}

	chunk, err := core.Merge(req.Messages)
	if err != nil {
		return err
	}
	want := core.ConversationKey{GroupID: req.GroupID, ChannelID: req.ChannelID}
	if chunk.Key() != want {
		return fmt.Errorf("%w: flush request for %s carries messages of %s", core.ErrMalformedInput, want, chunk.Key())
	}

	mp.logger.Debug("chunk merged", "id", chunk.Id, "key", want.String(), "messages", chunk.MessageCount)
	return mp.pipeline.produce(ctx, broker.TopicEmbedding, want.String(), newEmbeddingRequest(chunk))
}
