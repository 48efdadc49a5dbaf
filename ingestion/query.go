package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/poiesic/quiry/broker"
	"github.com/poiesic/quiry/core"
	"github.com/poiesic/quiry/search"
)

// Searcher answers hybrid queries.
type Searcher interface {
	Search(ctx context.Context, query string, limit int, filter core.QueryFilter) ([]*core.SearchResult, error)
}

var _ Searcher = (*search.Searcher)(nil)

// queryProcessor runs query requests and publishes their results.
type queryProcessor struct {
	pipeline *Pipeline
	searcher Searcher
	logger   *slog.Logger
}

var _ processor = (*queryProcessor)(nil)

func (qp *queryProcessor) name() string        { return "query" }
func (qp *queryProcessor) topic() broker.Topic { return broker.TopicQueryRequest }

func (qp *queryProcessor) process(ctx context.Context, env *broker.Envelope) error {
	var req QueryRequest
	if err := decode(env, &req); err != nil {
		return err
	}

	result := &QueryResult{RequestID: req.RequestID, Results: []ResultItem{}}
	results, err := qp.searcher.Search(ctx, req.QueryText, req.Limit, req.Filters)
	switch {
	case err == nil:
		result.Results = ResultItems(results)
	case errors.Is(err, search.ErrSearchUnavailable):
		qp.logger.Warn("search unavailable", "request", req.RequestID, "err", err)
		result.Unavailable = true
		result.Error = err.Error()
	default:
		result.Error = err.Error()
	}

	return qp.pipeline.produce(ctx, broker.TopicQueryResult, req.RequestID, result)
}

// resultProcessor hands query results to the callers waiting in Query.
type resultProcessor struct {
	pipeline *Pipeline
	logger   *slog.Logger
}

var _ processor = (*resultProcessor)(nil)

func (rp *resultProcessor) name() string        { return "results" }
func (rp *resultProcessor) topic() broker.Topic { return broker.TopicQueryResult }

func (rp *resultProcessor) process(_ context.Context, env *broker.Envelope) error {
	var result QueryResult
	if err := decode(env, &result); err != nil {
		return err
	}

	v, ok := rp.pipeline.waiters.Load(result.RequestID)
	if !ok {
		rp.logger.Debug("no caller waiting for query result", "request", result.RequestID)
		return nil
	}
	select {
	case v.(chan *QueryResult) <- &result:
	default:
	}
	return nil
}

// Query publishes a query request and waits for its result. Malformed
// queries are rejected before anything is published.
func (p *Pipeline) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if p.searcher == nil {
		return nil, ErrSearcherRequired
	}
	if err := p.checkRunning(); err != nil {
		return nil, err
	}
	if err := core.ValidateQuery(req.QueryText); err != nil {
		return nil, err
	}
	if req.Limit < 1 {
		return nil, fmt.Errorf("%w: %w", core.ErrMalformedInput, search.ErrInvalidLimit)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	ch := make(chan *QueryResult, 1)
	p.waiters.Store(req.RequestID, ch)
	defer p.waiters.Delete(req.RequestID)

	if err := p.produce(ctx, broker.TopicQueryRequest, req.RequestID, &req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-ch:
		return result, nil
	}
}
