package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/quiry/broker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// stage binds a processor to a consumer group and a worker pool.
// One goroutine per partition fetches messages in order and hands each to
// the pool, waiting for it to finish before committing and fetching the next.
type stage struct {
	pipeline  *Pipeline
	processor processor
	group     string
	pool      *ants.Pool
	logger    *slog.Logger
}

// run consumes one partition until runCtx is done. After a failure it
// resubscribes, which redelivers everything not yet committed.
func (s *stage) run(runCtx, work context.Context, partition int, sub broker.Subscription) {
	for {
		if sub != nil {
			err := s.consume(runCtx, work, sub)
			sub.Close()
			if err == nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			s.logger.Error("partition consumer failed, resubscribing", "partition", partition, "err", err)
		}

		if !sleepCtx(runCtx, s.pipeline.retryPolicy.BaseDelay) {
			return
		}

		var err error
		sub, err = s.pipeline.broker.Subscribe(runCtx, s.processor.topic(), s.group, partition)
		if err != nil {
			if runCtx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			s.logger.Warn("resubscribe failed", "partition", partition, "err", err)
			sub = nil
		}
	}
}

// consume returns nil when runCtx is done and an error when a message could
// neither be handled nor committed.
func (s *stage) consume(runCtx, work context.Context, sub broker.Subscription) error {
	for {
		env, err := sub.Fetch(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch: %w", err)
		}

		if err := s.dispatch(work, env); err != nil {
			return err
		}

		err = s.pipeline.retry(work, func(ctx context.Context) error {
			if err := sub.Commit(ctx, env); err != nil {
				if errors.Is(err, broker.ErrClosed) || errors.Is(err, broker.ErrForeignEnvelope) {
					return Permanent(err)
				}
				return err
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("commit %s: %w", env.ID, err)
		}
	}
}

func (s *stage) dispatch(ctx context.Context, env *broker.Envelope) error {
	done := make(chan error, 1)
	if err := s.pool.Submit(func() { done <- s.handle(ctx, env) }); err != nil {
		return fmt.Errorf("submit to worker pool: %w", err)
	}
	return <-done
}

// handle processes one message and dead-letters it on failure. The returned
// error is non-nil only when the dead letter could not be stored.
func (s *stage) handle(ctx context.Context, env *broker.Envelope) error {
	ctx, span := s.pipeline.tracer.Start(ctx, "ingestion."+s.processor.name(),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", string(env.Topic)),
			attribute.Int("messaging.destination.partition.id", env.Partition),
			attribute.String("messaging.message.id", env.ID),
			attribute.String("messaging.consumer.group.name", s.group),
		))
	defer span.End()

	err := s.processor.process(ctx, env)
	s.pipeline.metrics.RecordMessage(ctx, s.processor.name(), err != nil)
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	return s.pipeline.storeDeadLetter(ctx, &deadLetterSource{
		stage:   s.processor.name(),
		topic:   env.Topic,
		key:     env.Key,
		payload: env.Payload,
	}, err)
}

// sleepCtx waits for d and reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
