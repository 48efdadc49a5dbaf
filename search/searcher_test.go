package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/poiesic/quiry/ai/mock"
	"github.com/poiesic/quiry/core"
	"github.com/poiesic/quiry/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) *badger.ChunkRepository {
	t.Helper()
	chunks, _, backend, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return chunks
}

// queryEmbedder embeds every text as the unit x axis.
func queryEmbedder() *mock.MockEmbedder {
	return mock.NewMockEmbedder().WithEmbedTextFunc(func(_ context.Context, _ string) ([]float32, error) {
		return []float32{1, 0, 0}, nil
	})
}

// withScore returns a unit vector whose cosine similarity to the x axis is score.
func withScore(score float64) []float32 {
	return []float32{float32(score), float32(math.Sqrt(1 - score*score)), 0}
}

func persist(t *testing.T, repo *badger.ChunkRepository, group, channel string, offset time.Duration, vector []float32, authors ...string) *core.Chunk {
	t.Helper()
	earliest := baseTime.Add(offset)
	stored, err := repo.PersistChunk(context.Background(), &core.Chunk{
		GroupID:           group,
		ChannelID:         channel,
		Text:              fmt.Sprintf("%s/%s at %s", group, channel, offset),
		AuthorIDs:         authors,
		MessageCount:      3,
		EarliestTimestamp: earliest,
		LatestTimestamp:   earliest.Add(time.Minute),
		Vector:            vector,
	})
	require.NoError(t, err)
	return stored
}

func TestNewSearcher(t *testing.T) {
	repo := newRepo(t)
	embedder := queryEmbedder()

	t.Run("valid configuration", func(t *testing.T) {
		s, err := NewSearcher(repo, embedder)
		require.NoError(t, err)
		assert.NotNil(t, s)
	})

	t.Run("with custom logger", func(t *testing.T) {
		s, err := NewSearcher(repo, embedder, WithLogger(slog.Default()))
		require.NoError(t, err)
		assert.NotNil(t, s)
	})

	t.Run("with nil logger falls back to default", func(t *testing.T) {
		s, err := NewSearcher(repo, embedder, WithLogger(nil))
		require.NoError(t, err)
		assert.NotNil(t, s)
	})

	t.Run("invalid over-fetch", func(t *testing.T) {
		_, err := NewSearcher(repo, embedder, WithOverFetch(0))
		assert.Error(t, err)
	})

	t.Run("nil chunk repository", func(t *testing.T) {
		_, err := NewSearcher(nil, embedder)
		assert.Equal(t, ErrChunkRepositoryRequired, err)
	})

	t.Run("nil embedder", func(t *testing.T) {
		_, err := NewSearcher(repo, nil)
		assert.Equal(t, ErrEmbedderRequired, err)
	})
}

func TestSearch_EmptyIndex(t *testing.T) {
	s, err := NewSearcher(newRepo(t), queryEmbedder())
	require.NoError(t, err)

	results, err := s.Search(context.Background(), "anything", 5, core.QueryFilter{})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestSearch_HugeLimit(t *testing.T) {
	repo := newRepo(t)
	only := persist(t, repo, "G", "C", 0, withScore(0.9))
	s, err := NewSearcher(repo, queryEmbedder())
	require.NoError(t, err)

	for _, limit := range []int{math.MaxInt / 2, math.MaxInt} {
		results, err := s.Search(context.Background(), "anything", limit, core.QueryFilter{})
		require.NoError(t, err, "limit %d", limit)
		require.Len(t, results, 1)
		assert.Equal(t, only.Id, results[0].Chunk.Id)
	}
}

func TestSaturatingMul(t *testing.T) {
	assert.Equal(t, 12, saturatingMul(3, 4))
	assert.Equal(t, math.MaxInt, saturatingMul(math.MaxInt/2, 4))
	assert.Equal(t, math.MaxInt, saturatingMul(math.MaxInt, 1))
}

func TestSearch_HighestScoreWins(t *testing.T) {
	repo := newRepo(t)
	low := persist(t, repo, "G", "C", 0, withScore(0.87))
	high := persist(t, repo, "G", "C", time.Hour, withScore(0.91))

	s, err := NewSearcher(repo, queryEmbedder())
	require.NoError(t, err)

	results, err := s.Search(context.Background(), "x", 1, core.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, high.Id, results[0].Chunk.Id)
	assert.InDelta(t, 0.91, results[0].Score, 1e-5)
	assert.Nil(t, results[0].Chunk.Vector)

	results, err = s.Search(context.Background(), "x", 5, core.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, high.Id, results[0].Chunk.Id)
	assert.Equal(t, low.Id, results[1].Chunk.Id)
}

func TestSearch_ChannelFilterNeverLeaks(t *testing.T) {
	repo := newRepo(t)
	for i := 0; i < 30; i++ {
		persist(t, repo, "G", "other", time.Duration(i)*time.Minute, withScore(0.95))
	}
	persist(t, repo, "G", "C", 0, withScore(0.30))
	persist(t, repo, "G", "C", time.Hour, withScore(0.40))

	embedder := queryEmbedder()
	s, err := NewSearcher(repo, embedder)
	require.NoError(t, err)

	monitor := &recordingMonitor{}
	results, err := s.SearchWithMonitor(context.Background(), "x", 5, core.QueryFilter{ChannelID: "C"}, monitor)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "C", r.Chunk.ChannelID)
	}
	assert.InDelta(t, 0.40, results[0].Score, 1e-5)
	assert.Equal(t, []int{20, 80}, monitor.ks)
	assert.Equal(t, 1, embedder.CallCount(), "re-query must not embed again")

	results, err = s.Search(context.Background(), "x", 5, core.QueryFilter{ChannelID: "missing"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_NoRequeryWhenIndexExhausted(t *testing.T) {
	repo := newRepo(t)
	persist(t, repo, "G", "A", 0, withScore(0.9))
	persist(t, repo, "G", "B", time.Minute, withScore(0.8))

	s, err := NewSearcher(repo, queryEmbedder())
	require.NoError(t, err)

	monitor := &recordingMonitor{}
	results, err := s.SearchWithMonitor(context.Background(), "x", 5, core.QueryFilter{ChannelID: "B"}, monitor)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []int{20}, monitor.ks)
	assert.Equal(t, 1, monitor.rejected)
	assert.Equal(t, 1, monitor.finished)
}

func TestSearch_RelationalFilters(t *testing.T) {
	repo := newRepo(t)
	a := persist(t, repo, "G1", "C", 0, withScore(0.9), "alice", "bob")
	b := persist(t, repo, "G1", "D", time.Minute, withScore(0.8), "bob")
	c := persist(t, repo, "G2", "C", 2*time.Minute, withScore(0.7), "alice")

	s, err := NewSearcher(repo, queryEmbedder())
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter core.QueryFilter
		want   []core.ID
	}{
		{"no filter", core.QueryFilter{}, []core.ID{a.Id, b.Id, c.Id}},
		{"group", core.QueryFilter{GroupID: "G1"}, []core.ID{a.Id, b.Id}},
		{"user", core.QueryFilter{UserID: "alice"}, []core.ID{a.Id, c.Id}},
		{"group and channel", core.QueryFilter{GroupID: "G2", ChannelID: "C"}, []core.ID{c.Id}},
		{"group and user", core.QueryFilter{GroupID: "G1", UserID: "bob"}, []core.ID{a.Id, b.Id}},
		{"no match", core.QueryFilter{GroupID: "G2", UserID: "bob"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := s.Search(context.Background(), "x", 10, tt.filter)
			require.NoError(t, err)
			var got []core.ID
			for _, r := range results {
				got = append(got, r.Chunk.Id)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSearch_TiesOrderedByEarliestTimestamp(t *testing.T) {
	repo := newRepo(t)
	later := persist(t, repo, "G", "C", time.Hour, withScore(0.5))
	earlier := persist(t, repo, "G", "C", 0, withScore(0.5))
	middle := persist(t, repo, "G", "D", 30*time.Minute, withScore(0.5))

	s, err := NewSearcher(repo, queryEmbedder())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		results, err := s.Search(context.Background(), "x", 3, core.QueryFilter{})
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, earlier.Id, results[0].Chunk.Id)
		assert.Equal(t, middle.Id, results[1].Chunk.Id)
		assert.Equal(t, later.Id, results[2].Chunk.Id)
	}
}

func TestSearch_InvalidInput(t *testing.T) {
	embedder := queryEmbedder()
	s, err := NewSearcher(newRepo(t), embedder)
	require.NoError(t, err)

	_, err = s.Search(context.Background(), "   ", 5, core.QueryFilter{})
	assert.ErrorIs(t, err, core.ErrMalformedInput)
	assert.ErrorIs(t, err, core.ErrEmptyQuery)
	assert.NotErrorIs(t, err, ErrSearchUnavailable)

	_, err = s.Search(context.Background(), "x", 0, core.QueryFilter{})
	assert.ErrorIs(t, err, core.ErrMalformedInput)
	assert.ErrorIs(t, err, ErrInvalidLimit)

	assert.Zero(t, embedder.CallCount())
}

func TestSearch_UnavailableIsDistinctFromEmpty(t *testing.T) {
	t.Run("embedding outage", func(t *testing.T) {
		embedder := mock.NewMockEmbedder().WithEmbedTextFunc(func(_ context.Context, _ string) ([]float32, error) {
			return nil, &core.UpstreamError{Op: "embed", Kind: core.UpstreamTimeout, Err: context.DeadlineExceeded}
		})
		s, err := NewSearcher(newRepo(t), embedder)
		require.NoError(t, err)

		results, err := s.Search(context.Background(), "x", 5, core.QueryFilter{})
		assert.ErrorIs(t, err, ErrSearchUnavailable)
		assert.ErrorIs(t, err, core.ErrTransientUpstream)
		assert.Nil(t, results)
	})

	t.Run("embedding rejects query", func(t *testing.T) {
		embedder := mock.NewMockEmbedder().WithEmbedTextFunc(func(_ context.Context, _ string) ([]float32, error) {
			return nil, &core.UpstreamError{Op: "embed", Kind: core.UpstreamMalformed, Err: fmt.Errorf("400")}
		})
		s, err := NewSearcher(newRepo(t), embedder)
		require.NoError(t, err)

		_, err = s.Search(context.Background(), "x", 5, core.QueryFilter{})
		assert.ErrorIs(t, err, core.ErrMalformedInput)
		assert.NotErrorIs(t, err, ErrSearchUnavailable)
	})

	t.Run("index outage", func(t *testing.T) {
		chunks, _, backend, err := badger.NewMemoryRepositories()
		require.NoError(t, err)
		require.NoError(t, backend.Close())

		s, err := NewSearcher(chunks, queryEmbedder())
		require.NoError(t, err)

		_, err = s.Search(context.Background(), "x", 5, core.QueryFilter{})
		assert.ErrorIs(t, err, ErrSearchUnavailable)
	})
}

type recordingMonitor struct {
	ks       []int
	rejected int
	requery  int
	finished int
}

func (m *recordingMonitor) Start(_ string, _ int, _ core.QueryFilter) {}

func (m *recordingMonitor) AfterIndexQuery(k int, _ []*core.SimilarityMatch) {
	m.ks = append(m.ks, k)
}

func (m *recordingMonitor) Rejected(_ *core.Chunk) { m.rejected++ }

func (m *recordingMonitor) Requery(_ int) { m.requery++ }

func (m *recordingMonitor) Finish(_ []*core.SearchResult) { m.finished++ }
