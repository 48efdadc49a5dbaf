package core

import (
	"encoding/binary"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is a unique identifier for domain entities.
// Chunk IDs are content-derived so that redelivered flushes map to the same ID.
type ID uint64

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
// This ensures that identical content produces identical IDs.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// DefaultCategory is applied to chunks whose messages carry no category.
const DefaultCategory = "uncategorized"

// Message is a single chat message as delivered by the chat platform.
// Messages are never mutated after arrival.
type Message struct {
	ID         string    `json:"id,omitempty"` // Platform message ID, used to suppress redelivery
	GroupID    string    `json:"group_id"`
	ChannelID  string    `json:"channel_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	Category   string    `json:"category,omitempty"` // Optional classification label
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// Key returns the conversation buffer key the message belongs to.
func (m *Message) Key() ConversationKey {
	return ConversationKey{GroupID: m.GroupID, ChannelID: m.ChannelID}
}

// ConversationKey identifies one live accumulation window.
type ConversationKey struct {
	GroupID   string `json:"group_id"`
	ChannelID string `json:"channel_id"`
}

// String returns "group/channel", which is also the broker partition key.
func (k ConversationKey) String() string {
	return k.GroupID + "/" + k.ChannelID
}

// Chunk is a merged conversation window with its embedding.
// Chunks are written once and never updated in place.
type Chunk struct {
	Id                ID
	GroupID           string
	ChannelID         string
	Text              string
	Category          string
	AuthorIDs         []string // Sorted, unique
	MessageCount      int
	EarliestTimestamp time.Time // Timestamp of the first message in the window
	LatestTimestamp   time.Time // Timestamp of the last message in the window
	InsertedAt        time.Time
	Vector            []float32
}

// Key returns the conversation key the chunk was flushed from.
func (c *Chunk) Key() ConversationKey {
	return ConversationKey{GroupID: c.GroupID, ChannelID: c.ChannelID}
}

// HasAuthor reports whether userID contributed a message to the chunk.
func (c *Chunk) HasAuthor(userID string) bool {
	for _, a := range c.AuthorIDs {
		if a == userID {
			return true
		}
	}
	return false
}

// QueryFilter restricts search results by exact metadata matches.
// An empty field places no constraint on that attribute.
type QueryFilter struct {
	UserID    string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	GroupID   string `json:"group_id,omitempty" yaml:"group_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty" yaml:"channel_id,omitempty"`
}

// IsEmpty reports whether the filter places no constraints.
func (f QueryFilter) IsEmpty() bool {
	return f.UserID == "" && f.GroupID == "" && f.ChannelID == ""
}

// Matches evaluates the filter against a chunk's stored metadata.
func (f QueryFilter) Matches(c *Chunk) bool {
	if c == nil {
		return false
	}
	if f.GroupID != "" && c.GroupID != f.GroupID {
		return false
	}
	if f.ChannelID != "" && c.ChannelID != f.ChannelID {
		return false
	}
	if f.UserID != "" && !c.HasAuthor(f.UserID) {
		return false
	}
	return true
}

// SimilarityMatch is a vector index hit.
type SimilarityMatch struct {
	ChunkId           ID
	Score             float32
	EarliestTimestamp time.Time
}

// SearchResult represents a search result with the full chunk and relevance score.
type SearchResult struct {
	Chunk *Chunk
	Score float32
}

// DeadLetter is a pipeline message set aside after exhausting its retry budget
// or failing with a non-retryable error.
type DeadLetter struct {
	Id       string // UUID
	Stage    string
	Topic    string
	Key      string
	Payload  []byte
	Error    string
	Attempts int
	FailedAt time.Time
}
