package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/poiesic/quiry/broker"
	"github.com/poiesic/quiry/core"
)

// Payloads carried on the pipeline topics. Raw messages travel as
// core.Message.

// FlushRequest is published on chunk-flush-request when a buffer flushes.
type FlushRequest struct {
	GroupID   string          `json:"group_id"`
	ChannelID string          `json:"channel_id"`
	Reason    string          `json:"reason,omitempty"`
	Messages  []*core.Message `json:"messages"`
}

// ChunkMetadata is the relational part of a chunk.
type ChunkMetadata struct {
	ChannelID         string    `json:"channel_id"`
	Category          string    `json:"category"`
	AuthorIDs         []string  `json:"author_ids,omitempty"`
	MessageCount      int       `json:"message_count"`
	EarliestTimestamp time.Time `json:"earliest_timestamp"`
	LatestTimestamp   time.Time `json:"latest_timestamp"`
}

// EmbeddingRequest is published on embedding-request for each merged chunk.
type EmbeddingRequest struct {
	GroupID  string        `json:"group_id"`
	ChunkID  core.ID       `json:"chunk_id"`
	Text     string        `json:"text"`
	Metadata ChunkMetadata `json:"metadata"`
}

// IndexUpsert is published on index-upsert once a chunk has its vector.
type IndexUpsert struct {
	GroupID   string        `json:"group_id"`
	ChunkID   core.ID       `json:"chunk_id"`
	Text      string        `json:"text"`
	Embedding []float32     `json:"embedding"`
	Metadata  ChunkMetadata `json:"metadata"`
}

// QueryRequest is published on query-request.
type QueryRequest struct {
	RequestID string           `json:"request_id"`
	QueryText string           `json:"query_text"`
	Filters   core.QueryFilter `json:"filters"`
	Limit     int              `json:"limit"`
}

// QueryResult is published on query-result, keyed by request ID.
// Unavailable is set when the search failed upstream, which is different
// from an empty Results list.
type QueryResult struct {
	RequestID   string       `json:"request_id"`
	Results     []ResultItem `json:"results"`
	Error       string       `json:"error,omitempty"`
	Unavailable bool         `json:"unavailable,omitempty"`
}

// ResultItem is one ranked chunk in a QueryResult.
type ResultItem struct {
	ChunkID           core.ID   `json:"chunk_id"`
	GroupID           string    `json:"group_id"`
	ChannelID         string    `json:"channel_id"`
	Text              string    `json:"text"`
	Category          string    `json:"category"`
	AuthorIDs         []string  `json:"author_ids,omitempty"`
	EarliestTimestamp time.Time `json:"earliest_timestamp"`
	LatestTimestamp   time.Time `json:"latest_timestamp"`
	Score             float32   `json:"score"`
}

func metadataOf(c *core.Chunk) ChunkMetadata {
	return ChunkMetadata{
		ChannelID:         c.ChannelID,
		Category:          c.Category,
		AuthorIDs:         c.AuthorIDs,
		MessageCount:      c.MessageCount,
		EarliestTimestamp: c.EarliestTimestamp,
		LatestTimestamp:   c.LatestTimestamp,
	}
}

func newEmbeddingRequest(c *core.Chunk) *EmbeddingRequest {
	return &EmbeddingRequest{
		GroupID:  c.GroupID,
		ChunkID:  c.Id,
		Text:     c.Text,
		Metadata: metadataOf(c),
	}
}

func (r *EmbeddingRequest) key() string {
	return core.ConversationKey{GroupID: r.GroupID, ChannelID: r.Metadata.ChannelID}.String()
}

func (u *IndexUpsert) chunk() *core.Chunk {
	return &core.Chunk{
		Id:                u.ChunkID,
		GroupID:           u.GroupID,
		ChannelID:         u.Metadata.ChannelID,
		Text:              u.Text,
		Category:          u.Metadata.Category,
		AuthorIDs:         u.Metadata.AuthorIDs,
		MessageCount:      u.Metadata.MessageCount,
		EarliestTimestamp: u.Metadata.EarliestTimestamp,
		LatestTimestamp:   u.Metadata.LatestTimestamp,
		Vector:            u.Embedding,
	}
}

// ResultItems flattens search results into their wire form.
func ResultItems(results []*core.SearchResult) []ResultItem {
	items := make([]ResultItem, 0, len(results))
	for _, r := range results {
		c := r.Chunk
		items = append(items, ResultItem{
			ChunkID:           c.Id,
			GroupID:           c.GroupID,
			ChannelID:         c.ChannelID,
			Text:              c.Text,
			Category:          c.Category,
			AuthorIDs:         c.AuthorIDs,
			EarliestTimestamp: c.EarliestTimestamp,
			LatestTimestamp:   c.LatestTimestamp,
			Score:             r.Score,
		})
	}
	return items
}

// decode unmarshals an envelope payload. A payload that cannot be decoded
// is malformed input and is never retried.
func decode(env *broker.Envelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %w", core.ErrMalformedInput, env.Topic, err)
	}
	return nil
}
