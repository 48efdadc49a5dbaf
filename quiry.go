// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package quiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/poiesic/quiry/ai"
	"github.com/poiesic/quiry/ai/mock"
	"github.com/poiesic/quiry/ai/openai"
	"github.com/poiesic/quiry/broker"
	"github.com/poiesic/quiry/buffer"
	"github.com/poiesic/quiry/config"
	"github.com/poiesic/quiry/core"
	"github.com/poiesic/quiry/ingestion"
	"github.com/poiesic/quiry/search"
	"github.com/poiesic/quiry/storage"
	"github.com/poiesic/quiry/storage/badger"
)

// ErrConfigRequired is returned when Open is given a nil configuration.
var ErrConfigRequired = errors.New("configuration is required")

// System wires the buffer, broker, embedder, chunk store, searcher and
// ingestion pipeline described by a config.Config.
type System struct {
	cfg         *config.Config
	backend     *badger.Backend
	chunks      storage.ChunkRepository
	deadLetters storage.DeadLetterRepository
	embedder    ai.Embedder
	broker      broker.Broker
	ownsBroker  bool
	store       *buffer.Store
	searcher    *search.Searcher
	pipeline    *ingestion.Pipeline
	logger      *slog.Logger
}

// Option configures a System.
type Option func(*systemOptions)

type systemOptions struct {
	embedder ai.Embedder
	broker   broker.Broker
	logger   *slog.Logger
}

// WithEmbedder replaces the configured embedder. It is still wrapped with
// rate limiting, timeouts and the circuit breaker.
func WithEmbedder(embedder ai.Embedder) Option {
	return func(o *systemOptions) {
		o.embedder = embedder
	}
}

// WithBroker replaces the configured broker. The caller keeps ownership
// and must close it after the System.
func WithBroker(b broker.Broker) Option {
	return func(o *systemOptions) {
		o.broker = b
	}
}

// WithLogger sets the logger for every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *systemOptions) {
		o.logger = logger
	}
}

// Open builds a System from cfg. Nothing consumes from the broker until
// Start is called.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*System, error) {
	if cfg == nil {
		return nil, ErrConfigRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := &systemOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	s := &System{cfg: cfg, logger: options.logger}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	backend, err := badger.OpenBackend(cfg.Storage.Path, cfg.Storage.InMemory)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	s.backend = backend
	chunks, err := badger.NewChunkRepository(backend)
	if err != nil {
		return nil, err
	}
	s.chunks = chunks
	deadLetters, err := badger.NewDeadLetterRepository(backend)
	if err != nil {
		return nil, err
	}
	s.deadLetters = deadLetters

	if s.embedder, err = newEmbedder(cfg, options); err != nil {
		return nil, err
	}

	if options.broker != nil {
		s.broker = options.broker
	} else {
		if s.broker, err = newBroker(ctx, cfg, options.logger); err != nil {
			return nil, err
		}
		s.ownsBroker = true
	}

	s.store, err = buffer.NewStore(
		buffer.WithThreshold(cfg.Buffer.Threshold),
		buffer.WithIdleGap(cfg.Buffer.IdleGap),
		buffer.WithMaxAge(cfg.Buffer.MaxAge),
		buffer.WithLogger(options.logger),
	)
	if err != nil {
		return nil, err
	}

	s.searcher, err = search.NewSearcher(s.chunks, s.embedder,
		search.WithLogger(options.logger),
		search.WithOverFetch(cfg.Search.OverFetch),
	)
	if err != nil {
		return nil, err
	}

	pipelineOpts := []ingestion.Option{
		ingestion.WithLogger(options.logger),
		ingestion.WithRetryPolicy(ingestion.RetryPolicy{
			MaxAttempts:  cfg.Pipeline.MaxAttempts,
			BaseDelay:    cfg.Pipeline.BaseDelay,
			MaxDelay:     cfg.Pipeline.MaxDelay,
			MaxDeferrals: cfg.Pipeline.MaxDeferrals,
		}),
		ingestion.WithEmbedTimeout(cfg.Embedding.Timeout),
		ingestion.WithSweepInterval(cfg.Pipeline.SweepInterval),
		ingestion.WithStopTimeout(cfg.Pipeline.StopTimeout),
		ingestion.WithFlushOnStop(cfg.Pipeline.FlushOnStop),
		ingestion.WithSearcher(s.searcher),
		ingestion.WithGroupPrefix(cfg.Pipeline.GroupPrefix),
	}
	if cfg.Pipeline.PoolSize > 0 {
		pipelineOpts = append(pipelineOpts, ingestion.WithPoolSize(cfg.Pipeline.PoolSize))
	}
	s.pipeline, err = ingestion.NewPipeline(s.broker, s.store, s.embedder, s.chunks, s.deadLetters, pipelineOpts...)
	if err != nil {
		return nil, err
	}

	ok = true
	return s, nil
}

func newEmbedder(cfg *config.Config, options *systemOptions) (ai.Embedder, error) {
	aiCfg := cfg.AIConfig()
	next := options.embedder
	if next == nil {
		switch cfg.Embedding.Type {
		case config.EmbeddingMock:
			dims := cfg.Embedding.Dimensions
			if dims == 0 {
				dims = mock.DefaultDimensions
				aiCfg.Dimensions = dims
			}
			next = mock.NewMockEmbedder().WithEmbedTextFunc(func(_ context.Context, text string) ([]float32, error) {
				return mock.DeterministicVector(text, dims), nil
			})
		default:
			embedder, err := openai.NewEmbedder(aiCfg)
			if err != nil {
				return nil, fmt.Errorf("creating embedder: %w", err)
			}
			next = embedder
		}
	}
	return ai.NewResilientFromConfig(next, aiCfg,
		ai.WithBreaker(cfg.Embedding.BreakerFailures, cfg.Embedding.BreakerCooldown),
		ai.WithResilientLogger(options.logger),
	)
}

func newBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	if cfg.Broker.Type == config.BrokerRedis {
		client, err := broker.NewRedisClient(ctx, cfg.Broker.RedisURL, cfg.Broker.RedisPassword, cfg.Broker.RedisDB)
		if err != nil {
			return nil, err
		}
		b, err := broker.NewRedis(client,
			broker.WithRedisPartitions(cfg.Broker.Partitions),
			broker.WithMaxLen(cfg.Broker.MaxLen),
			broker.WithStreamPrefix(cfg.Broker.StreamPrefix),
			broker.WithRedisLogger(logger),
		)
		if err != nil {
			client.Close()
			return nil, err
		}
		return b, nil
	}
	return broker.NewMemory(
		broker.WithPartitions(cfg.Broker.Partitions),
		broker.WithCapacity(cfg.Broker.Capacity),
		broker.WithMemoryLogger(logger),
	)
}

// Start begins consuming every pipeline topic.
func (s *System) Start(ctx context.Context) error {
	return s.pipeline.Start(ctx)
}

// Stop halts the pipeline, flushing buffers first when the configuration
// asks for it.
func (s *System) Stop(ctx context.Context) error {
	return s.pipeline.Stop(ctx)
}

// Close stops the pipeline if needed and releases the broker and storage.
func (s *System) Close() error {
	var errs []error
	if s.pipeline != nil {
		if err := s.pipeline.Stop(context.Background()); err != nil {
			s.logger.Error("error stopping pipeline", "err", err)
			errs = append(errs, err)
		}
	}
	if s.broker != nil && s.ownsBroker {
		if err := s.broker.Close(); err != nil {
			s.logger.Error("error closing broker", "err", err)
			errs = append(errs, err)
		}
	}
	if s.deadLetters != nil {
		errs = append(errs, s.deadLetters.Close())
	}
	if s.chunks != nil {
		errs = append(errs, s.chunks.Close())
	}
	if s.backend != nil && !s.backend.IsClosed() {
		if err := s.backend.Close(); err != nil {
			s.logger.Error("error closing backend storage", "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Submit feeds one raw message into the pipeline.
func (s *System) Submit(ctx context.Context, msg *core.Message) error {
	return s.pipeline.Submit(ctx, msg)
}

// Flush forces every buffer out and waits until the resulting chunks are
// searchable or dead-lettered.
func (s *System) Flush(ctx context.Context) error {
	return s.pipeline.Flush(ctx)
}

// WaitIdle waits until every published message has been consumed.
func (s *System) WaitIdle(ctx context.Context) error {
	return s.pipeline.WaitIdle(ctx)
}

// Search runs a query directly against the index. A non-positive limit
// uses the configured default.
func (s *System) Search(ctx context.Context, query string, limit int, filter core.QueryFilter) ([]*core.SearchResult, error) {
	if limit <= 0 {
		limit = s.cfg.Search.DefaultLimit
	}
	return s.searcher.Search(ctx, query, limit, filter)
}

// Query runs a query through the query-request and query-result topics.
// The pipeline must be started.
func (s *System) Query(ctx context.Context, req ingestion.QueryRequest) (*ingestion.QueryResult, error) {
	if req.Limit <= 0 {
		req.Limit = s.cfg.Search.DefaultLimit
	}
	return s.pipeline.Query(ctx, req)
}

// ClearRecent deletes the n newest chunks of a group.
func (s *System) ClearRecent(ctx context.Context, groupID string, n int) (int, error) {
	if err := validateGroup(groupID); err != nil {
		return 0, err
	}
	return s.chunks.DeleteRecentChunks(ctx, groupID, n)
}

// PurgeGroup deletes a group's whole collection.
func (s *System) PurgeGroup(ctx context.Context, groupID string) (int, error) {
	if err := validateGroup(groupID); err != nil {
		return 0, err
	}
	n, err := s.chunks.DeleteGroup(ctx, groupID)
	if err == nil {
		s.logger.Info("purged group", "group", groupID, "chunks", n)
	}
	return n, err
}

// DeadLetters lists up to limit dead letters, oldest first.
func (s *System) DeadLetters(ctx context.Context, limit int) ([]*core.DeadLetter, error) {
	return s.deadLetters.ListDeadLetters(ctx, limit)
}

// ReplayDeadLetters republishes up to limit dead letters onto their topics.
func (s *System) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	return s.pipeline.ReplayDeadLetters(ctx, limit)
}

// Config returns the configuration the System was opened with.
func (s *System) Config() *config.Config { return s.cfg }

// Chunks returns the chunk repository.
func (s *System) Chunks() storage.ChunkRepository { return s.chunks }

// DeadLetterRepository returns the dead-letter repository.
func (s *System) DeadLetterRepository() storage.DeadLetterRepository { return s.deadLetters }

// Broker returns the broker between the pipeline stages.
func (s *System) Broker() broker.Broker { return s.broker }

// Searcher returns the query engine.
func (s *System) Searcher() *search.Searcher { return s.searcher }

// Pipeline returns the ingestion pipeline.
func (s *System) Pipeline() *ingestion.Pipeline { return s.pipeline }

func validateGroup(groupID string) error {
	if strings.TrimSpace(groupID) == "" {
		return fmt.Errorf("%w: %w", core.ErrMalformedInput, core.ErrMissingGroup)
	}
	return nil
}
