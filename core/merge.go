package core

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// TimestampLayout is the timestamp format used inside merged chunk text.
const TimestampLayout = "2006-01-02 15:04:05"

// Merge converts one flushed conversation window into a Chunk.
// Each message becomes one line:
//
//	<author> (user_id: <id>) at timestamp:<time> said: <content>
//
// Lines keep arrival order and are joined with "\n". The result is fully
// determined by the input, so a redelivered batch yields an identical chunk,
// including its ID. Vector and InsertedAt are left for later stages.
func Merge(messages []*Message) (*Chunk, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrMalformedInput, ErrEmptyBatch)
	}

	first := messages[0]
	key := first.Key()
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	var sb strings.Builder
	authors := make([]string, 0, len(messages))
	category := ""
	for i, msg := range messages {
		if msg == nil {
			return nil, fmt.Errorf("%w: message %d is nil", ErrMalformedInput, i)
		}
		if msg.Key() != key {
			return nil, fmt.Errorf("%w: %w", ErrMalformedInput, ErrMixedConversation)
		}
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(FormatLine(msg))

		if msg.AuthorID != "" {
			authors = append(authors, msg.AuthorID)
		}
		if category == "" && msg.Category != "" {
			category = msg.Category
		}
	}
	if category == "" {
		category = DefaultCategory
	}
	slices.Sort(authors)
	authors = slices.Compact(authors)

	earliest := first.Timestamp.UTC()
	chunk := &Chunk{
		GroupID:           key.GroupID,
		ChannelID:         key.ChannelID,
		Text:              sb.String(),
		Category:          category,
		AuthorIDs:         authors,
		MessageCount:      len(messages),
		EarliestTimestamp: earliest,
		LatestTimestamp:   messages[len(messages)-1].Timestamp.UTC(),
	}
	chunk.Id = IdempotencyKey(key.GroupID, key.ChannelID, earliest, chunk.MessageCount)
	return chunk, nil
}

// FormatLine renders a single message the way it appears in chunk text.
// The author's display name falls back to the author ID.
func FormatLine(msg *Message) string {
	author := msg.AuthorName
	if author == "" {
		author = msg.AuthorID
	}
	return fmt.Sprintf("%s (user_id: %s) at timestamp:%s said: %s",
		author, msg.AuthorID, msg.Timestamp.UTC().Format(TimestampLayout), msg.Content)
}

// IdempotencyKey derives the chunk ID for a flushed window.
// A retried flush of the same buffer contents produces the same key.
func IdempotencyKey(groupID, channelID string, earliest time.Time, messageCount int) ID {
	return IDFromContent(fmt.Sprintf("%s\x00%s\x00%d\x00%d",
		groupID, channelID, earliest.UTC().UnixMicro(), messageCount))
}
