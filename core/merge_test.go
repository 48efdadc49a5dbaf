package core

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessages(n int, start time.Time) []*Message {
	msgs := make([]*Message, n)
	for i := range msgs {
		msgs[i] = &Message{
			GroupID:    "g1",
			ChannelID:  "c1",
			AuthorID:   "u" + string(rune('a'+i%3)),
			AuthorName: "user-" + string(rune('a'+i%3)),
			Content:    string(rune('a' + i)),
			Timestamp:  start.Add(time.Duration(i) * time.Minute),
		}
	}
	return msgs
}

func TestMerge_ThreeMessages(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := testMessages(3, start)

	chunk, err := Merge(msgs)
	require.NoError(t, err)

	lines := strings.Split(chunk.Text, "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[0], "said: a"))
	assert.True(t, strings.HasSuffix(lines[1], "said: b"))
	assert.True(t, strings.HasSuffix(lines[2], "said: c"))
	assert.Equal(t, "user-a (user_id: ua) at timestamp:2025-03-01 12:00:00 said: a", lines[0])

	assert.Equal(t, 3, chunk.MessageCount)
	assert.True(t, chunk.EarliestTimestamp.Equal(msgs[0].Timestamp))
	assert.True(t, chunk.LatestTimestamp.Equal(msgs[2].Timestamp))
	assert.Equal(t, "g1", chunk.GroupID)
	assert.Equal(t, "c1", chunk.ChannelID)
	assert.Equal(t, []string{"ua", "ub", "uc"}, chunk.AuthorIDs)
	assert.Equal(t, DefaultCategory, chunk.Category)
	assert.NotZero(t, chunk.Id)
}

func TestMerge_Deterministic(t *testing.T) {
	msgs := testMessages(5, time.Now().Add(-time.Hour))

	first, err := Merge(msgs)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Merge(msgs)
		require.NoError(t, err)
		assert.Equal(t, []byte(first.Text), []byte(again.Text))
		assert.Equal(t, first.Id, again.Id)
	}
}

func TestMerge_Category(t *testing.T) {
	msgs := testMessages(3, time.Now())
	msgs[1].Category = "announcements"
	msgs[2].Category = "general"

	chunk, err := Merge(msgs)
	require.NoError(t, err)
	assert.Equal(t, "announcements", chunk.Category)
}

func TestMerge_AuthorFallsBackToID(t *testing.T) {
	msg := &Message{GroupID: "g", ChannelID: "c", AuthorID: "42", Content: "hi", Timestamp: time.Unix(0, 0)}
	assert.Equal(t, "42 (user_id: 42) at timestamp:1970-01-01 00:00:00 said: hi", FormatLine(msg))
}

func TestMerge_EmptyBatch(t *testing.T) {
	_, err := Merge(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyBatch))
	assert.True(t, errors.Is(err, ErrMalformedInput))
}

func TestMerge_MixedConversation(t *testing.T) {
	msgs := testMessages(2, time.Now())
	msgs[1].ChannelID = "other"

	_, err := Merge(msgs)
	assert.ErrorIs(t, err, ErrMixedConversation)
}

func TestIdempotencyKey(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	k1 := IdempotencyKey("g", "c", ts, 10)
	assert.Equal(t, k1, IdempotencyKey("g", "c", ts.In(time.FixedZone("x", 3600)), 10), "zone must not matter")
	assert.NotEqual(t, k1, IdempotencyKey("g", "c", ts, 9))
	assert.NotEqual(t, k1, IdempotencyKey("g", "d", ts, 10))
	assert.NotEqual(t, k1, IdempotencyKey("h", "c", ts, 10))
	assert.NotEqual(t, k1, IdempotencyKey("g", "c", ts.Add(time.Millisecond), 10))
}
