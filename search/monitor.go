package search

import "github.com/poiesic/quiry/core"

// SearchMonitor receives callbacks at each step of a search.
type SearchMonitor interface {
	Start(query string, limit int, filter core.QueryFilter)
	AfterIndexQuery(k int, matches []*core.SimilarityMatch)
	Rejected(chunk *core.Chunk)
	Requery(k int)
	Finish(results []*core.SearchResult)
}

type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ string, _ int, _ core.QueryFilter)         {}
func (n *noopMonitor) AfterIndexQuery(_ int, _ []*core.SimilarityMatch) {}
func (n *noopMonitor) Rejected(_ *core.Chunk)                           {}
func (n *noopMonitor) Requery(_ int)                                    {}
func (n *noopMonitor) Finish(_ []*core.SearchResult)                    {}
