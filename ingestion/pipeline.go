package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/quiry/ai"
	"github.com/poiesic/quiry/broker"
	"github.com/poiesic/quiry/buffer"
	"github.com/poiesic/quiry/core"
	"github.com/poiesic/quiry/storage"
	"github.com/poiesic/quiry/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultEmbedTimeout bounds a single embedding call.
	DefaultEmbedTimeout = 10 * time.Second

	// DefaultSweepInterval is how often aged buffers are flushed.
	DefaultSweepInterval = 30 * time.Second

	// DefaultStopTimeout is how long Stop waits for in-flight work.
	DefaultStopTimeout = 30 * time.Second

	// DefaultGroupPrefix prefixes every consumer group name.
	DefaultGroupPrefix = "quiry"

	idlePollInterval = 10 * time.Millisecond
)

type pipelineState int

const (
	stateIdle pipelineState = iota
	stateRunning
	stateStopped
)

// Pipeline runs the ingestion stages over a broker.
type Pipeline struct {
	broker        broker.Broker
	store         *buffer.Store
	embedder      ai.Embedder
	persister     *Persister
	deadLetters   storage.DeadLetterRepository
	searcher      Searcher
	poolSize      int
	retryPolicy   RetryPolicy
	embedTimeout  time.Duration
	sweepInterval time.Duration
	stopTimeout   time.Duration
	flushOnStop   bool
	groupPrefix   string
	instanceID    string
	stages        []*stage
	waiters       sync.Map     // request ID -> chan *QueryResult
	emitLocks     []sync.Mutex // by partition of the conversation key
	logger        *slog.Logger
	tracer        trace.Tracer
	metrics       *telemetry.Metrics

	mu         sync.Mutex
	state      pipelineState
	cancelRun  context.CancelFunc
	cancelWork context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithPoolSize sets the worker pool size of each stage.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}
		p.poolSize = size
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithRetryPolicy sets the retry budget of every stage step.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(p *Pipeline) error {
		if policy.MaxAttempts <= 0 {
			return ErrInvalidMaxAttempts
		}
		p.retryPolicy = policy
		return nil
	}
}

// WithEmbedTimeout bounds each embedding call.
func WithEmbedTimeout(d time.Duration) Option {
	return func(p *Pipeline) error {
		if d <= 0 {
			return fmt.Errorf("embed timeout must be positive, got %s", d)
		}
		p.embedTimeout = d
		return nil
	}
}

// WithSweepInterval sets how often aged buffers are flushed.
// Zero disables the sweeper.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Pipeline) error {
		p.sweepInterval = d
		return nil
	}
}

// WithStopTimeout sets how long Stop lets in-flight work finish before
// cancelling it.
func WithStopTimeout(d time.Duration) Option {
	return func(p *Pipeline) error {
		p.stopTimeout = d
		return nil
	}
}

// WithFlushOnStop makes Stop flush every buffer and wait for the results
// to be persisted before halting.
func WithFlushOnStop(enabled bool) Option {
	return func(p *Pipeline) error {
		p.flushOnStop = enabled
		return nil
	}
}

// WithSearcher enables the query stage.
func WithSearcher(searcher Searcher) Option {
	return func(p *Pipeline) error {
		p.searcher = searcher
		return nil
	}
}

// WithGroupPrefix sets the prefix of consumer group names.
func WithGroupPrefix(prefix string) Option {
	return func(p *Pipeline) error {
		if prefix == "" {
			return fmt.Errorf("group prefix cannot be empty")
		}
		p.groupPrefix = prefix
		return nil
	}
}

// NewPipeline creates a new ingestion pipeline.
func NewPipeline(
	b broker.Broker,
	store *buffer.Store,
	embedder ai.Embedder,
	chunks storage.ChunkRepository,
	deadLetters storage.DeadLetterRepository,
	opts ...Option,
) (*Pipeline, error) {
	if b == nil {
		return nil, ErrBrokerRequired
	}
	if store == nil {
		return nil, ErrBufferRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if chunks == nil {
		return nil, ErrChunkRepositoryRequired
	}
	if deadLetters == nil {
		return nil, ErrDeadLetterRepositoryRequired
	}

	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}

	p := &Pipeline{
		broker:        b,
		store:         store,
		embedder:      embedder,
		deadLetters:   deadLetters,
		poolSize:      poolSize,
		retryPolicy:   DefaultRetryPolicy(),
		embedTimeout:  DefaultEmbedTimeout,
		sweepInterval: DefaultSweepInterval,
		stopTimeout:   DefaultStopTimeout,
		groupPrefix:   DefaultGroupPrefix,
		instanceID:    uuid.NewString(),
		logger:        slog.Default(),
		tracer:        otel.Tracer("github.com/poiesic/quiry/ingestion"),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.logger = p.logger.With("component", "pipeline")
	p.emitLocks = make([]sync.Mutex, b.Partitions())

	metrics, err := telemetry.NewMetrics("github.com/poiesic/quiry/ingestion")
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}
	p.metrics = metrics

	persister, err := NewPersister(chunks, p.logger)
	if err != nil {
		return nil, err
	}
	p.persister = persister

	stageLogger := func(name string) *slog.Logger {
		return p.logger.With("stage", name)
	}

	// Stages are listed in flow order; WaitIdle depends on it.
	processors := []processor{
		&bufferProcessor{pipeline: p, store: store, logger: stageLogger("buffer")},
		&mergeProcessor{pipeline: p, logger: stageLogger("merger")},
		&embeddingProcessor{pipeline: p, embedder: embedder, timeout: p.embedTimeout, logger: stageLogger("embedder")},
		&indexProcessor{pipeline: p, persister: persister, logger: stageLogger("indexer")},
	}
	if p.searcher != nil {
		processors = append(processors,
			&queryProcessor{pipeline: p, searcher: p.searcher, logger: stageLogger("query")},
			&resultProcessor{pipeline: p, logger: stageLogger("results")})
	}

	for _, proc := range processors {
		pool, err := ants.NewPool(p.poolSize)
		if err != nil {
			p.Release()
			return nil, err
		}

		group := p.groupPrefix + "-" + proc.name()
		if _, ok := proc.(*resultProcessor); ok {
			// Results are routed to waiters of this process only.
			group += "-" + p.instanceID
		}
		p.stages = append(p.stages, &stage{
			pipeline:  p,
			processor: proc,
			group:     group,
			pool:      pool,
			logger:    stageLogger(proc.name()),
		})
	}
	return p, nil
}

// Start subscribes every stage to every partition and begins consuming.
// Cancelling ctx stops fetching; in-flight work still completes.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}

	type binding struct {
		stage     *stage
		partition int
		sub       broker.Subscription
	}
	var bindings []binding
	for _, s := range p.stages {
		for part := 0; part < p.broker.Partitions(); part++ {
			sub, err := p.broker.Subscribe(ctx, s.processor.topic(), s.group, part)
			if err != nil {
				for _, b := range bindings {
					b.sub.Close()
				}
				return fmt.Errorf("subscribing %s to %s/%d: %w", s.group, s.processor.topic(), part, err)
			}
			bindings = append(bindings, binding{stage: s, partition: part, sub: sub})
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	p.cancelRun = cancelRun
	p.cancelWork = cancelWork

	for _, b := range bindings {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			b.stage.run(runCtx, work, b.partition, b.sub)
		}()
	}
	if p.sweepInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.sweep(runCtx, work)
		}()
	}

	p.state = stateRunning
	p.logger.Info("pipeline started", "stages", len(p.stages), "partitions", p.broker.Partitions(), "pool_size", p.poolSize)
	return nil
}

// sweep periodically flushes buffers older than the store's max age.
func (p *Pipeline) sweep(runCtx, work context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			for _, err := range p.emitAll(work, p.store.Sweep) {
				p.logger.Error("failed to emit swept batch", "err", err)
			}
		}
	}
}

// lockKey serializes taking and emitting batches of one conversation, so
// flush requests for a key are published in the order they were taken.
func (p *Pipeline) lockKey(key core.ConversationKey) func() {
	m := &p.emitLocks[broker.Partition(key.String(), len(p.emitLocks))]
	m.Lock()
	return m.Unlock
}

// emitAll takes batches from every key and emits them while holding every
// key lock. Locks are acquired in index order.
func (p *Pipeline) emitAll(ctx context.Context, take func() []*buffer.Batch) []error {
	for i := range p.emitLocks {
		p.emitLocks[i].Lock()
	}
	defer func() {
		for i := range p.emitLocks {
			p.emitLocks[i].Unlock()
		}
	}()

	var errs []error
	for _, batch := range take() {
		if err := p.emitBatch(ctx, batch); err != nil {
			errs = append(errs, fmt.Errorf("emitting %s: %w", batch.Key.String(), err))
		}
	}
	return errs
}

func (p *Pipeline) checkRunning() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateIdle:
		return ErrNotStarted
	case stateStopped:
		return ErrStopped
	}
	return nil
}

// Submit validates msg and publishes it to raw-message. Malformed messages
// are rejected without being published.
func (p *Pipeline) Submit(ctx context.Context, msg *core.Message) error {
	if err := core.ValidateMessage(msg); err != nil {
		return err
	}
	if err := p.checkRunning(); err != nil {
		return err
	}
	return p.produce(ctx, broker.TopicRawMessage, msg.Key().String(), msg)
}

// Flush waits for every submitted message to reach its buffer, publishes
// every non-empty buffer and waits until the pipeline is idle.
func (p *Pipeline) Flush(ctx context.Context) error {
	if err := p.WaitIdle(ctx); err != nil {
		return err
	}
	if errs := p.emitAll(ctx, p.store.Drain); len(errs) > 0 {
		return errors.Join(errs...)
	}
	return p.WaitIdle(ctx)
}

// WaitIdle blocks until every stage has committed every message published to
// its topic. Messages still sitting in conversation buffers do not count.
func (p *Pipeline) WaitIdle(ctx context.Context) error {
	if err := p.checkRunning(); err != nil {
		return err
	}
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for {
		idle, err := p.idle(ctx)
		if err != nil {
			return err
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Backlog returns how many messages the stages have yet to commit, summed
// over every stage topic.
func (p *Pipeline) Backlog(ctx context.Context) (int64, error) {
	var total int64
	for _, s := range p.stages {
		lag, err := p.broker.Lag(ctx, s.processor.topic(), s.group)
		if err != nil {
			return 0, fmt.Errorf("lag of %s: %w", s.group, err)
		}
		total += lag
	}
	return total, nil
}

// idle checks stages in flow order. A stage commits only after producing
// downstream, so anything an idle stage produced is visible to the next check.
func (p *Pipeline) idle(ctx context.Context) (bool, error) {
	for _, s := range p.stages {
		lag, err := p.broker.Lag(ctx, s.processor.topic(), s.group)
		if err != nil {
			return false, err
		}
		if lag > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Stop halts the pipeline. Fetching stops at once; in-flight messages are
// finished and committed, unless that takes longer than the stop timeout or
// ctx ends, in which case they are cancelled and redelivered later.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	switch state {
	case stateStopped:
		return nil
	case stateIdle:
		p.mu.Lock()
		p.state = stateStopped
		p.mu.Unlock()
		p.Release()
		return nil
	}

	var flushErr error
	if p.flushOnStop {
		if flushErr = p.Flush(ctx); flushErr != nil {
			p.logger.Warn("flush on stop failed", "err", flushErr)
		}
	}

	p.mu.Lock()
	p.state = stateStopped
	p.mu.Unlock()
	p.cancelRun()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if p.stopTimeout > 0 {
		timer := time.NewTimer(p.stopTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-done:
	case <-timeout:
		p.logger.Warn("stop timeout reached, cancelling in-flight work")
		p.cancelWork()
		<-done
	case <-ctx.Done():
		p.cancelWork()
		<-done
	}
	p.cancelWork()
	p.Release()

	p.logger.Info("pipeline stopped")
	return flushErr
}

// Release releases resources including worker pools.
// The pipeline should not be used after calling Release.
func (p *Pipeline) Release() {
	for _, s := range p.stages {
		if s.pool != nil {
			s.pool.Release()
		}
	}
}

func (p *Pipeline) retry(ctx context.Context, op func(ctx context.Context) error) error {
	return RetryWithBackoff(ctx, p.retryPolicy, op)
}

// produce encodes v and publishes it with retries.
func (p *Pipeline) produce(ctx context.Context, topic broker.Topic, key string, v any) error {
	payload, err := encode(v)
	if err != nil {
		return err
	}
	return p.publish(ctx, topic, key, payload)
}

// publish produces an encoded payload with retries.
func (p *Pipeline) publish(ctx context.Context, topic broker.Topic, key string, payload []byte) error {
	return p.retry(ctx, func(ctx context.Context) error {
		err := p.broker.Produce(ctx, topic, key, payload)
		if errors.Is(err, broker.ErrClosed) {
			return Permanent(err)
		}
		if err != nil {
			p.logger.Warn("produce failed", "topic", topic, "key", key, "err", err)
		}
		return err
	})
}

func encode(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrMalformedInput, err)
	}
	return payload, nil
}
