package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
)

const (
	// DefaultPartitions is the number of partitions per topic.
	DefaultPartitions = 8

	// DefaultCapacity is the number of retained messages per partition.
	DefaultCapacity = 1024
)

// Memory is an in-process Broker. Each partition is a bounded log with one
// committed offset per consumer group. Messages are trimmed once every known
// group has committed them; while any group lags a full partition, Produce
// blocks. A partition nobody subscribed to keeps only its newest messages.
type Memory struct {
	partitions int
	capacity   int
	logger     *slog.Logger

	mu     sync.Mutex
	topics map[Topic][]*partitionLog
	closed bool
	done   chan struct{}
}

var _ Broker = (*Memory)(nil)

// MemoryOption configures a Memory broker.
type MemoryOption func(*Memory) error

// WithPartitions sets the number of partitions per topic.
func WithPartitions(n int) MemoryOption {
	return func(m *Memory) error {
		if n < 1 {
			return fmt.Errorf("partitions must be positive, got %d", n)
		}
		m.partitions = n
		return nil
	}
}

// WithCapacity sets the number of messages a partition retains.
func WithCapacity(n int) MemoryOption {
	return func(m *Memory) error {
		if n < 1 {
			return fmt.Errorf("capacity must be positive, got %d", n)
		}
		m.capacity = n
		return nil
	}
}

// WithMemoryLogger sets a custom logger.
// Default is slog.Default().
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(m *Memory) error {
		if logger == nil {
			logger = slog.Default()
		}
		m.logger = logger
		return nil
	}
}

// NewMemory creates an in-process broker.
func NewMemory(opts ...MemoryOption) (*Memory, error) {
	m := &Memory{
		partitions: DefaultPartitions,
		capacity:   DefaultCapacity,
		logger:     slog.Default(),
		topics:     make(map[Topic][]*partitionLog),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	m.logger = m.logger.With("component", "memory-broker")
	return m, nil
}

// Partitions returns the number of partitions per topic.
func (m *Memory) Partitions() int {
	return m.partitions
}

func (m *Memory) partition(topic Topic, p int) (*partitionLog, error) {
	if p < 0 || p >= m.partitions {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPartition, p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	logs, ok := m.topics[topic]
	if !ok {
		logs = make([]*partitionLog, m.partitions)
		for i := range logs {
			logs[i] = newPartitionLog(topic, i)
		}
		m.topics[topic] = logs
	}
	return logs[p], nil
}

// Produce appends payload to the partition chosen by key.
func (m *Memory) Produce(ctx context.Context, topic Topic, key string, payload []byte) error {
	p, err := m.partition(topic, Partition(key, m.partitions))
	if err != nil {
		return err
	}

	for {
		p.mu.Lock()
		if len(p.groups) > 0 && len(p.entries) >= m.capacity {
			space := p.space
			p.mu.Unlock()
			select {
			case <-space:
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-m.done:
				return ErrClosed
			}
		}

		offset := p.base + int64(len(p.entries))
		p.entries = append(p.entries, &Envelope{
			ID:        strconv.FormatInt(offset, 10),
			Topic:     topic,
			Partition: p.index,
			Key:       key,
			Payload:   append([]byte(nil), payload...),
			offset:    offset,
		})
		if len(p.groups) == 0 && len(p.entries) > m.capacity {
			p.drop(len(p.entries) - m.capacity)
			m.logger.Warn("partition without subscribers overflowed, dropped oldest message", "topic", topic, "partition", p.index)
		}
		p.wake()
		p.mu.Unlock()
		return nil
	}
}

// Subscribe joins group on one partition of topic. A new group starts at the
// oldest retained message; a returning group resumes after its last commit.
func (m *Memory) Subscribe(ctx context.Context, topic Topic, group string, partition int) (Subscription, error) {
	p, err := m.partition(topic, partition)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[group]
	if !ok {
		g = &groupCursor{committed: p.base}
		p.groups[group] = g
	}
	if g.active {
		return nil, fmt.Errorf("%w: %s/%s/%d", ErrPartitionBusy, topic, group, partition)
	}
	g.active = true
	return &memorySubscription{
		broker: m,
		log:    p,
		group:  group,
		cursor: g,
		next:   g.committed,
		done:   make(chan struct{}),
	}, nil
}

// Lag returns the number of uncommitted messages of group across all partitions.
func (m *Memory) Lag(ctx context.Context, topic Topic, group string) (int64, error) {
	m.mu.Lock()
	logs := m.topics[topic]
	m.mu.Unlock()

	var lag int64
	for _, p := range logs {
		p.mu.Lock()
		end := p.base + int64(len(p.entries))
		start := p.base
		if g, ok := p.groups[group]; ok {
			start = g.committed
		}
		lag += end - start
		p.mu.Unlock()
	}
	return lag, nil
}

// Close stops the broker. Blocked Produce and Fetch calls return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}

type groupCursor struct {
	committed int64 // next offset to deliver to a new subscription
	active    bool
}

type partitionLog struct {
	topic Topic
	index int

	mu      sync.Mutex
	base    int64 // offset of entries[0]
	entries []*Envelope
	groups  map[string]*groupCursor
	notify  chan struct{} // closed when a message is appended
	space   chan struct{} // closed when messages are trimmed
}

func newPartitionLog(topic Topic, index int) *partitionLog {
	return &partitionLog{
		topic:  topic,
		index:  index,
		groups: make(map[string]*groupCursor),
		notify: make(chan struct{}),
		space:  make(chan struct{}),
	}
}

// wake releases every Fetch waiting for new messages. Must be called with p.mu held.
func (p *partitionLog) wake() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// drop removes the n oldest entries. Must be called with p.mu held.
func (p *partitionLog) drop(n int) {
	if n <= 0 {
		return
	}
	clear(p.entries[:n])
	p.entries = p.entries[n:]
	p.base += int64(n)
	close(p.space)
	p.space = make(chan struct{})
}

// trim drops entries every group has committed. Must be called with p.mu held.
func (p *partitionLog) trim() {
	low := p.base + int64(len(p.entries))
	for _, g := range p.groups {
		low = min(low, g.committed)
	}
	p.drop(int(low - p.base))
}

type memorySubscription struct {
	broker *Memory
	log    *partitionLog
	group  string
	cursor *groupCursor
	next   int64

	closeOnce sync.Once
	done      chan struct{}
}

func (s *memorySubscription) Partition() int {
	return s.log.index
}

func (s *memorySubscription) Fetch(ctx context.Context) (*Envelope, error) {
	p := s.log
	for {
		select {
		case <-s.done:
			return nil, ErrClosed
		default:
		}

		p.mu.Lock()
		if s.next < p.base {
			s.next = p.base
		}
		if i := s.next - p.base; i < int64(len(p.entries)) {
			env := *p.entries[i]
			s.next++
			p.mu.Unlock()
			env.Payload = append([]byte(nil), env.Payload...)
			return &env, nil
		}
		notify := p.notify
		p.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		case <-s.broker.done:
			return nil, ErrClosed
		}
	}
}

func (s *memorySubscription) Commit(ctx context.Context, env *Envelope) error {
	if env == nil || env.Topic != s.log.topic || env.Partition != s.log.index {
		return ErrForeignEnvelope
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	p := s.log
	p.mu.Lock()
	defer p.mu.Unlock()
	if env.offset >= s.next {
		return fmt.Errorf("%w: offset %d not fetched yet", ErrForeignEnvelope, env.offset)
	}
	if env.offset+1 > s.cursor.committed {
		s.cursor.committed = env.offset + 1
		p.trim()
	}
	return nil
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		p := s.log
		p.mu.Lock()
		s.cursor.active = false
		p.mu.Unlock()
	})
	return nil
}

// IsClosed reports whether err means the broker or subscription was closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
