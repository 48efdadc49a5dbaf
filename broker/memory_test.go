package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemory(t *testing.T, opts ...MemoryOption) *Memory {
	t.Helper()
	m, err := NewMemory(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func fetch(t *testing.T, sub Subscription) *Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := sub.Fetch(ctx)
	require.NoError(t, err)
	return env
}

func TestPartition(t *testing.T) {
	assert.Equal(t, 0, Partition("anything", 1))
	assert.Equal(t, 0, Partition("anything", 0))
	for _, key := range []string{"g/c", "g/d", "other/x"} {
		p := Partition(key, 8)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 8)
		assert.Equal(t, p, Partition(key, 8), "partitioning must be stable")
	}
}

func TestNewMemory_InvalidOptions(t *testing.T) {
	_, err := NewMemory(WithPartitions(0))
	assert.Error(t, err)
	_, err = NewMemory(WithCapacity(0))
	assert.Error(t, err)
}

func TestMemory_OrderWithinKey(t *testing.T) {
	m := newMemory(t, WithPartitions(4))
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, m.Produce(ctx, TopicRawMessage, "g/c", []byte(fmt.Sprint(i))))
	}

	sub, err := m.Subscribe(ctx, TopicRawMessage, "stage", Partition("g/c", 4))
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 20; i++ {
		env := fetch(t, sub)
		assert.Equal(t, fmt.Sprint(i), string(env.Payload))
		assert.Equal(t, "g/c", env.Key)
		assert.Equal(t, TopicRawMessage, env.Topic)
		require.NoError(t, sub.Commit(ctx, env))
	}
}

func TestMemory_FetchBlocksUntilProduce(t *testing.T) {
	m := newMemory(t, WithPartitions(1))
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, TopicEmbedding, "stage", 0)
	require.NoError(t, err)
	defer sub.Close()

	got := make(chan *Envelope, 1)
	go func() {
		env, err := sub.Fetch(ctx)
		if err == nil {
			got <- env
		}
	}()

	select {
	case <-got:
		t.Fatal("fetch returned before anything was produced")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Produce(ctx, TopicEmbedding, "k", []byte("hello")))
	select {
	case env := <-got:
		assert.Equal(t, "hello", string(env.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("fetch was not woken by produce")
	}
}

func TestMemory_FetchHonorsContext(t *testing.T) {
	m := newMemory(t, WithPartitions(1))
	sub, err := m.Subscribe(context.Background(), TopicEmbedding, "stage", 0)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Fetch(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemory_UncommittedIsRedelivered(t *testing.T) {
	m := newMemory(t, WithPartitions(1))
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, m.Produce(ctx, TopicChunkFlush, "k", []byte(v)))
	}

	sub, err := m.Subscribe(ctx, TopicChunkFlush, "stage", 0)
	require.NoError(t, err)
	a := fetch(t, sub)
	require.NoError(t, sub.Commit(ctx, a))
	_ = fetch(t, sub) // b, never committed
	require.NoError(t, sub.Close())

	sub, err = m.Subscribe(ctx, TopicChunkFlush, "stage", 0)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, "b", string(fetch(t, sub).Payload))
	assert.Equal(t, "c", string(fetch(t, sub).Payload))
}

func TestMemory_GroupsAreIndependent(t *testing.T) {
	m := newMemory(t, WithPartitions(1))
	ctx := context.Background()

	one, err := m.Subscribe(ctx, TopicIndexUpsert, "one", 0)
	require.NoError(t, err)
	defer one.Close()
	two, err := m.Subscribe(ctx, TopicIndexUpsert, "two", 0)
	require.NoError(t, err)
	defer two.Close()

	require.NoError(t, m.Produce(ctx, TopicIndexUpsert, "k", []byte("x")))

	env := fetch(t, one)
	require.NoError(t, one.Commit(ctx, env))
	assert.Equal(t, "x", string(fetch(t, two).Payload))

	lagOne, err := m.Lag(ctx, TopicIndexUpsert, "one")
	require.NoError(t, err)
	lagTwo, err := m.Lag(ctx, TopicIndexUpsert, "two")
	require.NoError(t, err)
	assert.Zero(t, lagOne)
	assert.Equal(t, int64(1), lagTwo, "fetched but uncommitted still counts")
}

func TestMemory_PartitionBusy(t *testing.T) {
	m := newMemory(t, WithPartitions(2))
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, TopicRawMessage, "stage", 1)
	require.NoError(t, err)

	_, err = m.Subscribe(ctx, TopicRawMessage, "stage", 1)
	assert.ErrorIs(t, err, ErrPartitionBusy)

	_, err = m.Subscribe(ctx, TopicRawMessage, "stage", 2)
	assert.ErrorIs(t, err, ErrInvalidPartition)

	require.NoError(t, sub.Close())
	again, err := m.Subscribe(ctx, TopicRawMessage, "stage", 1)
	require.NoError(t, err)
	again.Close()
}

func TestMemory_ProduceBlocksWhenFull(t *testing.T) {
	m := newMemory(t, WithPartitions(1), WithCapacity(2))
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, TopicRawMessage, "stage", 0)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.Produce(ctx, TopicRawMessage, "k", []byte("1")))
	require.NoError(t, m.Produce(ctx, TopicRawMessage, "k", []byte("2")))

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Produce(short, TopicRawMessage, "k", []byte("3")), context.DeadlineExceeded)

	produced := make(chan error, 1)
	go func() { produced <- m.Produce(ctx, TopicRawMessage, "k", []byte("3")) }()

	env := fetch(t, sub)
	require.NoError(t, sub.Commit(ctx, env))

	select {
	case err := <-produced:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("commit did not free space")
	}
	assert.Equal(t, "2", string(fetch(t, sub).Payload))
	assert.Equal(t, "3", string(fetch(t, sub).Payload))
}

func TestMemory_NoSubscriberKeepsNewest(t *testing.T) {
	m := newMemory(t, WithPartitions(1), WithCapacity(2))
	ctx := context.Background()

	for _, v := range []string{"1", "2", "3"} {
		require.NoError(t, m.Produce(ctx, TopicQueryResult, "k", []byte(v)))
	}

	sub, err := m.Subscribe(ctx, TopicQueryResult, "reader", 0)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, "2", string(fetch(t, sub).Payload))
	assert.Equal(t, "3", string(fetch(t, sub).Payload))
}

func TestMemory_CommitValidation(t *testing.T) {
	m := newMemory(t, WithPartitions(1))
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, TopicRawMessage, "stage", 0)
	require.NoError(t, err)
	defer sub.Close()

	assert.ErrorIs(t, sub.Commit(ctx, nil), ErrForeignEnvelope)
	assert.ErrorIs(t, sub.Commit(ctx, &Envelope{Topic: TopicEmbedding}), ErrForeignEnvelope)
	assert.ErrorIs(t, sub.Commit(ctx, &Envelope{Topic: TopicRawMessage, offset: 5}), ErrForeignEnvelope)
}

func TestMemory_CloseWakesBlockedCallers(t *testing.T) {
	m, err := NewMemory(WithPartitions(1))
	require.NoError(t, err)

	sub, err := m.Subscribe(context.Background(), TopicRawMessage, "stage", 0)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := sub.Fetch(context.Background())
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Close())

	select {
	case err := <-errs:
		assert.True(t, IsClosed(err))
	case <-time.After(2 * time.Second):
		t.Fatal("close did not wake fetch")
	}

	assert.ErrorIs(t, m.Produce(context.Background(), TopicRawMessage, "k", nil), ErrClosed)
}

func TestMemory_ConcurrentProducers(t *testing.T) {
	m := newMemory(t, WithPartitions(4), WithCapacity(16))
	ctx := context.Background()

	const keys, perKey = 8, 50
	received := make(map[string][]string)
	var mu sync.Mutex
	var consumers sync.WaitGroup
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for p := 0; p < 4; p++ {
		sub, err := m.Subscribe(ctx, TopicRawMessage, "stage", p)
		require.NoError(t, err)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			defer sub.Close()
			for {
				env, err := sub.Fetch(cctx)
				if err != nil {
					return
				}
				mu.Lock()
				received[env.Key] = append(received[env.Key], string(env.Payload))
				mu.Unlock()
				_ = sub.Commit(cctx, env)
			}
		}()
	}

	var producers sync.WaitGroup
	for k := 0; k < keys; k++ {
		producers.Add(1)
		go func(k int) {
			defer producers.Done()
			key := fmt.Sprintf("g/%d", k)
			for i := 0; i < perKey; i++ {
				assert.NoError(t, m.Produce(ctx, TopicRawMessage, key, []byte(fmt.Sprint(i))))
			}
		}(k)
	}
	producers.Wait()

	require.Eventually(t, func() bool {
		lag, err := m.Lag(ctx, TopicRawMessage, "stage")
		return err == nil && lag == 0
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	consumers.Wait()

	for k := 0; k < keys; k++ {
		got := received[fmt.Sprintf("g/%d", k)]
		require.Len(t, got, perKey)
		for i, v := range got {
			assert.Equal(t, fmt.Sprint(i), v, "per-key order must hold")
		}
	}
}
