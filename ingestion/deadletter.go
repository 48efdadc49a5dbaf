package ingestion

import (
	"context"
	"fmt"

	"github.com/poiesic/quiry/broker"
	"github.com/poiesic/quiry/core"
)

type deadLetterSource struct {
	stage   string
	topic   broker.Topic
	key     string
	payload []byte
}

// storeDeadLetter records a message that exhausted its retries. The payload
// is kept verbatim so it can be replayed to its topic.
func (p *Pipeline) storeDeadLetter(ctx context.Context, src *deadLetterSource, cause error) error {
	letter := &core.DeadLetter{
		Stage:    src.stage,
		Topic:    string(src.topic),
		Key:      src.key,
		Payload:  src.payload,
		Error:    cause.Error(),
		Attempts: attemptsOf(cause),
	}
	err := p.retry(ctx, func(ctx context.Context) error {
		_, err := p.deadLetters.AddDeadLetter(ctx, letter)
		return err
	})
	if err != nil {
		return fmt.Errorf("storing dead letter for %s: %w", src.topic, err)
	}

	p.logger.Warn("message dead-lettered",
		"stage", src.stage, "topic", src.topic, "key", src.key, "attempts", letter.Attempts, "err", cause)
	return nil
}

// ReplayDeadLetters re-publishes up to limit dead letters to the topics they
// failed on, oldest first, and removes each one once it is published.
// A non-positive limit replays all of them.
func (p *Pipeline) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	letters, err := p.deadLetters.ListDeadLetters(ctx, limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, letter := range letters {
		if err := p.publish(ctx, broker.Topic(letter.Topic), letter.Key, letter.Payload); err != nil {
			return replayed, fmt.Errorf("replaying dead letter %s: %w", letter.Id, err)
		}
		if err := p.deadLetters.DeleteDeadLetter(ctx, letter.Id); err != nil {
			return replayed, fmt.Errorf("removing replayed dead letter %s: %w", letter.Id, err)
		}
		replayed++
		p.logger.Info("dead letter replayed", "id", letter.Id, "topic", letter.Topic, "key", letter.Key)
	}
	return replayed, nil
}
