package buffer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/poiesic/quiry/core"
)

const (
	// DefaultThreshold is the message count that triggers a flush.
	DefaultThreshold = 10
)

// FlushReason records why a batch left the store.
type FlushReason int

const (
	FlushThreshold FlushReason = iota + 1
	FlushIdleGap
	FlushAge
	FlushDrain
)

func (r FlushReason) String() string {
	switch r {
	case FlushThreshold:
		return "threshold"
	case FlushIdleGap:
		return "idle-gap"
	case FlushAge:
		return "age"
	case FlushDrain:
		return "drain"
	default:
		return "unknown"
	}
}

// Batch is the complete content of one flushed conversation buffer,
// in arrival order.
type Batch struct {
	Key      core.ConversationKey
	Messages []*core.Message
	Reason   FlushReason
}

// conversation is the live buffer of a single key.
type conversation struct {
	mu        sync.Mutex
	messages  []*core.Message
	seen      map[string]struct{}
	firstSeen time.Time // Wall clock of the first buffered message
	retired   bool      // Set when Sweep evicts the entry; appenders must reload
}

// take empties the buffer and returns its previous content.
// Must be called with c.mu held.
func (c *conversation) take(key core.ConversationKey, reason FlushReason) *Batch {
	batch := &Batch{Key: key, Messages: c.messages, Reason: reason}
	c.messages = nil
	c.seen = nil
	c.firstSeen = time.Time{}
	return batch
}

// Store holds one buffer per conversation key.
type Store struct {
	buffers   sync.Map // core.ConversationKey -> *conversation
	threshold int
	idleGap   time.Duration
	maxAge    time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store) error

// WithThreshold sets the message count that triggers a flush.
func WithThreshold(n int) Option {
	return func(s *Store) error {
		if n < 1 {
			return ErrInvalidThreshold
		}
		s.threshold = n
		return nil
	}
}

// WithIdleGap flushes a buffer before appending a message whose timestamp is
// more than gap after the last buffered message. Zero disables the check.
func WithIdleGap(gap time.Duration) Option {
	return func(s *Store) error {
		s.idleGap = gap
		return nil
	}
}

// WithMaxAge makes Sweep flush buffers whose first message arrived more than
// age ago, even below threshold. Zero disables age flushing.
func WithMaxAge(age time.Duration) Option {
	return func(s *Store) error {
		s.maxAge = age
		return nil
	}
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// NewStore creates an empty buffer store.
func NewStore(opts ...Option) (*Store, error) {
	s := &Store{
		threshold: DefaultThreshold,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "buffer")
	return s, nil
}

// Threshold returns the configured flush threshold.
func (s *Store) Threshold() int {
	return s.threshold
}

// Append adds msg to its conversation buffer.
// It returns a non-nil Batch when the append caused a flush, either because an
// idle gap closed the previous window or because the threshold was reached.
// Messages whose ID is already buffered are ignored.
func (s *Store) Append(msg *core.Message) (*Batch, error) {
	if err := core.ValidateMessage(msg); err != nil {
		return nil, err
	}
	key := msg.Key()

	for {
		v, _ := s.buffers.LoadOrStore(key, &conversation{})
		c := v.(*conversation)

		c.mu.Lock()
		if c.retired {
			// Evicted between load and lock; retry against the fresh entry.
			c.mu.Unlock()
			continue
		}
		batch := s.appendLocked(key, c, msg)
		c.mu.Unlock()

		if batch != nil {
			s.logger.Debug("buffer flushed", "key", key.String(), "reason", batch.Reason.String(), "messages", len(batch.Messages))
		}
		return batch, nil
	}
}

func (s *Store) appendLocked(key core.ConversationKey, c *conversation, msg *core.Message) *Batch {
	if msg.ID != "" {
		if _, dup := c.seen[msg.ID]; dup {
			s.logger.Debug("ignoring redelivered message", "key", key.String(), "id", msg.ID)
			return nil
		}
	}

	var batch *Batch
	if n := len(c.messages); n > 0 && s.idleGap > 0 {
		last := c.messages[n-1]
		if msg.Timestamp.Sub(last.Timestamp) > s.idleGap {
			batch = c.take(key, FlushIdleGap)
		}
	}

	if len(c.messages) == 0 {
		c.firstSeen = s.now()
	}
	c.messages = append(c.messages, msg)
	if msg.ID != "" {
		if c.seen == nil {
			c.seen = make(map[string]struct{})
		}
		c.seen[msg.ID] = struct{}{}
	}

	// An idle-gap flush leaves exactly one message behind, which can only
	// reach the threshold when it is 1. The previous window was empty then.
	if len(c.messages) >= s.threshold {
		batch = c.take(key, FlushThreshold)
	}
	return batch
}

// Sweep flushes every buffer older than the configured max age and evicts
// empty entries. It returns the flushed batches.
func (s *Store) Sweep() []*Batch {
	now := s.now()
	var batches []*Batch

	s.buffers.Range(func(k, v any) bool {
		key := k.(core.ConversationKey)
		c := v.(*conversation)

		c.mu.Lock()
		switch {
		case c.retired:
		case len(c.messages) == 0:
			c.retired = true
			s.buffers.CompareAndDelete(key, c)
		case s.maxAge > 0 && now.Sub(c.firstSeen) >= s.maxAge:
			batches = append(batches, c.take(key, FlushAge))
		}
		c.mu.Unlock()
		return true
	})

	if len(batches) > 0 {
		s.logger.Debug("sweep flushed aged buffers", "batches", len(batches))
	}
	return batches
}

// Drain flushes every non-empty buffer.
func (s *Store) Drain() []*Batch {
	var batches []*Batch
	s.buffers.Range(func(k, v any) bool {
		key := k.(core.ConversationKey)
		c := v.(*conversation)

		c.mu.Lock()
		if len(c.messages) > 0 {
			batches = append(batches, c.take(key, FlushDrain))
		}
		c.mu.Unlock()
		return true
	})
	return batches
}

// Pending returns the number of messages buffered for key.
func (s *Store) Pending(key core.ConversationKey) int {
	v, ok := s.buffers.Load(key)
	if !ok {
		return 0
	}
	c := v.(*conversation)
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Len returns the number of live conversation entries.
func (s *Store) Len() int {
	n := 0
	s.buffers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
