package search

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/poiesic/quiry/ai"
	"github.com/poiesic/quiry/core"
	"github.com/poiesic/quiry/storage"
	"github.com/poiesic/quiry/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultOverFetch is the factor applied to limit when querying the index.
const DefaultOverFetch = 4

// Searcher provides hybrid vector and relational search over chunks.
type Searcher struct {
	chunks    storage.ChunkRepository
	embedder  ai.Embedder
	overFetch int
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *telemetry.Metrics
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithOverFetch sets how many index candidates are requested per result.
func WithOverFetch(factor int) Option {
	return func(s *Searcher) error {
		if factor < 1 {
			return fmt.Errorf("over-fetch factor must be at least 1, got %d", factor)
		}
		s.overFetch = factor
		return nil
	}
}

// NewSearcher creates a new searcher.
func NewSearcher(chunks storage.ChunkRepository, embedder ai.Embedder, opts ...Option) (*Searcher, error) {
	if chunks == nil {
		return nil, ErrChunkRepositoryRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	s := &Searcher{
		chunks:    chunks,
		embedder:  embedder,
		overFetch: DefaultOverFetch,
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/poiesic/quiry/search"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "searcher")

	metrics, err := telemetry.NewMetrics("github.com/poiesic/quiry/search")
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}
	s.metrics = metrics
	return s, nil
}

// Search returns up to limit chunks matching filter, ranked by cosine
// similarity to query. Equal scores are ordered by earlier EarliestTimestamp.
// Returned chunks carry no vector.
func (s *Searcher) Search(ctx context.Context, query string, limit int, filter core.QueryFilter) ([]*core.SearchResult, error) {
	return s.SearchWithMonitor(ctx, query, limit, filter, nil)
}

// SearchWithMonitor is Search with per-step callbacks.
func (s *Searcher) SearchWithMonitor(ctx context.Context, query string, limit int, filter core.QueryFilter, monitor SearchMonitor) (results []*core.SearchResult, err error) {
	if monitor == nil {
		monitor = &noopMonitor{}
	}
	if err := core.ValidateQuery(query); err != nil {
		return nil, err
	}
	if limit < 1 {
		return nil, fmt.Errorf("%w: %w", core.ErrMalformedInput, ErrInvalidLimit)
	}

	ctx, span := s.tracer.Start(ctx, "search",
		trace.WithAttributes(
			attribute.Int("search.limit", limit),
			attribute.String("search.group_id", filter.GroupID),
			attribute.String("search.channel_id", filter.ChannelID),
			attribute.String("search.user_id", filter.UserID),
		))
	started := time.Now()
	defer func() {
		s.metrics.RecordSearch(ctx, time.Since(started), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("search.results", len(results)))
		}
		span.End()
	}()

	monitor.Start(query, limit, filter)

	vector, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		if errors.Is(err, core.ErrMalformedInput) {
			return nil, err
		}
		s.logger.Error("error generating embedding for query", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}
	vector = core.NormalizeVector(vector)

	k := saturatingMul(limit, s.overFetch)
	seen := make(map[core.ID]struct{})
	results, exhausted, err := s.collect(ctx, vector, k, filter, seen, monitor)
	if err != nil {
		return nil, err
	}

	if len(results) < limit && !exhausted {
		k = saturatingMul(k, max(s.overFetch, 2))
		monitor.Requery(k)
		s.logger.Debug("re-querying index", "k", k, "survivors", len(results))
		more, _, err := s.collect(ctx, vector, k, filter, seen, monitor)
		if err != nil {
			return nil, err
		}
		results = append(results, more...)
	}

	slices.SortFunc(results, compareResults)
	if len(results) > limit {
		results = results[:limit]
	}
	monitor.Finish(results)
	return results, nil
}

// collect queries the index for k candidates, skips those already in seen and
// keeps the ones matching filter. exhausted reports that the index holds
// fewer than k vectors.
func (s *Searcher) collect(ctx context.Context, vector []float32, k int, filter core.QueryFilter, seen map[core.ID]struct{}, monitor SearchMonitor) ([]*core.SearchResult, bool, error) {
	matches, err := s.chunks.FindSimilar(ctx, vector, k)
	if err != nil {
		s.logger.Error("error querying vector index", "k", k, "err", err)
		return nil, false, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}
	monitor.AfterIndexQuery(k, matches)

	ids := make([]core.ID, 0, len(matches))
	scores := make(map[core.ID]float32, len(matches))
	for _, m := range matches {
		if _, ok := seen[m.ChunkId]; ok {
			continue
		}
		seen[m.ChunkId] = struct{}{}
		ids = append(ids, m.ChunkId)
		scores[m.ChunkId] = m.Score
	}
	if len(ids) == 0 {
		return []*core.SearchResult{}, len(matches) < k, nil
	}

	chunks, err := s.chunks.GetChunks(ctx, ids...)
	if err != nil {
		s.logger.Error("error retrieving chunks", "count", len(ids), "err", err)
		return nil, false, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}

	results := make([]*core.SearchResult, 0, len(chunks))
	for _, chunk := range chunks {
		if !filter.Matches(chunk) {
			monitor.Rejected(chunk)
			continue
		}
		chunk.Vector = nil
		results = append(results, &core.SearchResult{Chunk: chunk, Score: scores[chunk.Id]})
	}
	return results, len(matches) < k, nil
}

// saturatingMul returns a*b for positive operands, or math.MaxInt when the
// product would overflow.
func saturatingMul(a, b int) int {
	if a > math.MaxInt/b {
		return math.MaxInt
	}
	return a * b
}

func compareResults(a, b *core.SearchResult) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := a.Chunk.EarliestTimestamp.Compare(b.Chunk.EarliestTimestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.Chunk.Id, b.Chunk.Id)
}
