package broker

import (
	"context"
	"errors"
	"hash/fnv"
)

// Topic names a logical channel between two stages.
type Topic string

// Pipeline topics, in flow order.
const (
	TopicRawMessage   Topic = "raw-message"
	TopicChunkFlush   Topic = "chunk-flush-request"
	TopicEmbedding    Topic = "embedding-request"
	TopicIndexUpsert  Topic = "index-upsert"
	TopicQueryRequest Topic = "query-request"
	TopicQueryResult  Topic = "query-result"
)

// Topics lists every topic the pipeline uses.
var Topics = []Topic{
	TopicRawMessage,
	TopicChunkFlush,
	TopicEmbedding,
	TopicIndexUpsert,
	TopicQueryRequest,
	TopicQueryResult,
}

var (
	// ErrClosed is returned by operations on a closed broker or subscription.
	ErrClosed = errors.New("broker closed")

	// ErrPartitionBusy is returned when a group already has a live
	// subscription on a partition.
	ErrPartitionBusy = errors.New("partition already has a subscriber in this group")

	// ErrInvalidPartition is returned for a partition outside [0, Partitions()).
	ErrInvalidPartition = errors.New("invalid partition")

	// ErrForeignEnvelope is returned when committing an envelope that was not
	// fetched from the subscription.
	ErrForeignEnvelope = errors.New("envelope does not belong to this subscription")
)

// Envelope is one message as stored in a partition.
type Envelope struct {
	// ID is the broker-assigned position of the message in its partition.
	ID        string
	Topic     Topic
	Partition int
	Key       string
	Payload   []byte

	offset int64
}

// Producer appends messages to topics.
type Producer interface {
	// Produce appends payload to the partition chosen by key. It may block
	// while the partition is full, until ctx is done.
	Produce(ctx context.Context, topic Topic, key string, payload []byte) error
}

// Subscription reads one partition of a topic on behalf of a consumer group.
// It is not safe for concurrent use.
type Subscription interface {
	// Partition returns the partition this subscription reads.
	Partition() int

	// Fetch blocks until the next message is available or ctx is done.
	Fetch(ctx context.Context) (*Envelope, error)

	// Commit marks env and everything fetched before it as processed.
	Commit(ctx context.Context, env *Envelope) error

	// Close releases the partition. Uncommitted messages are delivered again
	// to the next subscription.
	Close() error
}

// Consumer creates subscriptions.
type Consumer interface {
	// Subscribe joins group on one partition of topic.
	Subscribe(ctx context.Context, topic Topic, group string, partition int) (Subscription, error)

	// Partitions returns the number of partitions per topic.
	Partitions() int
}

// Broker is a full broker implementation.
type Broker interface {
	Producer
	Consumer

	// Lag returns the number of messages in topic not yet committed by group,
	// summed over all partitions. In-flight messages count.
	Lag(ctx context.Context, topic Topic, group string) (int64, error)

	// Close stops the broker and wakes blocked callers with ErrClosed.
	Close() error
}

// Partition maps a key onto one of n partitions. Equal keys always map to the
// same partition.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
