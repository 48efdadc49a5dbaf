package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/poiesic/quiry/core"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultStreamPrefix namespaces the stream keys.
	DefaultStreamPrefix = "quiry"

	defaultBlock = time.Second
)

// Redis is a Broker on Redis Streams. Every partition of a topic is its own
// stream, and every consumer group reads a partition through a single named
// consumer, so the pending entries list of that consumer holds exactly the
// fetched but uncommitted messages.
type Redis struct {
	client     redis.UniversalClient
	partitions int
	maxLen     int64
	prefix     string
	block      time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]bool
	closed bool
}

var _ Broker = (*Redis)(nil)

// RedisOption configures a Redis broker.
type RedisOption func(*Redis) error

// WithRedisPartitions sets the number of partitions per topic.
func WithRedisPartitions(n int) RedisOption {
	return func(r *Redis) error {
		if n < 1 {
			return fmt.Errorf("partitions must be positive, got %d", n)
		}
		r.partitions = n
		return nil
	}
}

// WithMaxLen caps each stream at approximately n entries. Zero disables trimming.
func WithMaxLen(n int64) RedisOption {
	return func(r *Redis) error {
		r.maxLen = n
		return nil
	}
}

// WithStreamPrefix sets the key prefix of every stream.
func WithStreamPrefix(prefix string) RedisOption {
	return func(r *Redis) error {
		r.prefix = prefix
		return nil
	}
}

// WithBlock sets how long one XREADGROUP call waits before Fetch re-checks
// its context.
func WithBlock(d time.Duration) RedisOption {
	return func(r *Redis) error {
		if d <= 0 {
			return errors.New("block must be positive")
		}
		r.block = d
		return nil
	}
}

// WithRedisLogger sets a custom logger.
// Default is slog.Default().
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) error {
		if logger == nil {
			logger = slog.Default()
		}
		r.logger = logger
		return nil
	}
}

// NewRedisClient connects to Redis. url is either a redis:// or rediss:// URL
// or a plain host:port.
func NewRedisClient(ctx context.Context, url, password string, db int) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		opt, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     url,
			Password: password,
			DB:       db,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedis creates a broker on an existing client. The client stays owned by
// the caller.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	r := &Redis{
		client:     client,
		partitions: DefaultPartitions,
		prefix:     DefaultStreamPrefix,
		block:      defaultBlock,
		logger:     slog.Default(),
		active:     make(map[string]bool),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("component", "redis-broker")
	return r, nil
}

// Partitions returns the number of partitions per topic.
func (r *Redis) Partitions() int {
	return r.partitions
}

// StreamName returns the stream key of one partition.
func (r *Redis) StreamName(topic Topic, partition int) string {
	return fmt.Sprintf("%s:%s:%d", r.prefix, topic, partition)
}

func consumerName(group string, partition int) string {
	return fmt.Sprintf("%s-%d", group, partition)
}

// Produce appends payload to the stream of the partition chosen by key.
func (r *Redis) Produce(ctx context.Context, topic Topic, key string, payload []byte) error {
	if r.isClosed() {
		return ErrClosed
	}
	args := &redis.XAddArgs{
		Stream: r.StreamName(topic, Partition(key, r.partitions)),
		Values: map[string]interface{}{
			"key":     key,
			"payload": string(payload),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return upstream("xadd", err)
	}
	return nil
}

// Subscribe creates the consumer group if needed and claims the partition.
func (r *Redis) Subscribe(ctx context.Context, topic Topic, group string, partition int) (Subscription, error) {
	if partition < 0 || partition >= r.partitions {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPartition, partition)
	}
	stream := r.StreamName(topic, partition)

	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, upstream("xgroup create", err)
	}

	slot := stream + "/" + group
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.active[slot] {
		return nil, fmt.Errorf("%w: %s", ErrPartitionBusy, slot)
	}
	r.active[slot] = true

	return &redisSubscription{
		broker:    r,
		topic:     topic,
		partition: partition,
		stream:    stream,
		group:     group,
		consumer:  consumerName(group, partition),
		slot:      slot,
		pendingID: "0",
		replaying: true,
	}, nil
}

// Lag sums pending and undelivered entries of group over every partition.
func (r *Redis) Lag(ctx context.Context, topic Topic, group string) (int64, error) {
	var total int64
	for p := 0; p < r.partitions; p++ {
		stream := r.StreamName(topic, p)
		groups, err := r.client.XInfoGroups(ctx, stream).Result()
		if err != nil {
			if strings.Contains(err.Error(), "no such key") {
				continue
			}
			return 0, upstream("xinfo groups", err)
		}

		found := false
		for _, g := range groups {
			if g.Name != group {
				continue
			}
			found = true
			total += g.Pending + max(g.Lag, 0)
		}
		if !found {
			n, err := r.client.XLen(ctx, stream).Result()
			if err != nil {
				return 0, upstream("xlen", err)
			}
			total += n
		}
	}
	return total, nil
}

// Close marks the broker closed. The client is not closed.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Redis) release(slot string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, slot)
}

type redisSubscription struct {
	broker    *Redis
	topic     Topic
	partition int
	stream    string
	group     string
	consumer  string
	slot      string

	// While replaying, Fetch walks this consumer's pending entries list,
	// which holds what a previous subscription fetched but never committed.
	replaying bool
	pendingID string
	closed    bool
}

func (s *redisSubscription) Partition() int {
	return s.partition
}

func (s *redisSubscription) Fetch(ctx context.Context) (*Envelope, error) {
	for {
		if s.closed || s.broker.isClosed() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id := ">"
		block := s.broker.block
		if s.replaying {
			id = s.pendingID
			block = -1
		}

		streams, err := s.broker.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, id},
			Count:    1,
			Block:    block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, upstream("xreadgroup", err)
		}

		msg, ok := firstMessage(streams)
		if !ok {
			if s.replaying {
				s.replaying = false
			}
			continue
		}
		if s.replaying {
			s.pendingID = msg.ID
		}
		return s.envelope(msg), nil
	}
}

func firstMessage(streams []redis.XStream) (redis.XMessage, bool) {
	for _, st := range streams {
		if len(st.Messages) > 0 {
			return st.Messages[0], true
		}
	}
	return redis.XMessage{}, false
}

func (s *redisSubscription) envelope(msg redis.XMessage) *Envelope {
	env := &Envelope{
		ID:        msg.ID,
		Topic:     s.topic,
		Partition: s.partition,
	}
	if v, ok := msg.Values["key"].(string); ok {
		env.Key = v
	}
	if v, ok := msg.Values["payload"].(string); ok {
		env.Payload = []byte(v)
	}
	return env
}

func (s *redisSubscription) Commit(ctx context.Context, env *Envelope) error {
	if env == nil || env.Topic != s.topic || env.Partition != s.partition {
		return ErrForeignEnvelope
	}
	if s.closed {
		return ErrClosed
	}
	if err := s.broker.client.XAck(ctx, s.stream, s.group, env.ID).Err(); err != nil {
		return upstream("xack", err)
	}
	return nil
}

func (s *redisSubscription) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.broker.release(s.slot)
	return nil
}

// upstream classifies a Redis error for the stage retry policy.
func upstream(op string, err error) error {
	kind := core.UpstreamUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = core.UpstreamTimeout
	}
	return &core.UpstreamError{Op: "redis " + op, Kind: kind, Err: err}
}
