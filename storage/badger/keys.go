package badger

import (
	"encoding/binary"
	"time"

	"github.com/poiesic/quiry/core"
)

// Key prefixes for different data types
const (
	chunkRecordPrefix  = "chkrec:" // id -> chunk
	chunkVectorPrefix  = "chkvec:" // id -> earliest timestamp + vector
	chunkGroupPrefix   = "chkgrp:" // group, latest ts, id -> id
	chunkChannelPrefix = "chkchn:" // group, channel, latest ts, id -> id
	chunkAuthorPrefix  = "chkusr:" // group, user, latest ts, id -> id
	deadLetterPrefix   = "dlq:"    // failed ts, uuid -> dead letter
)

const sep = 0x00

// appendID writes id in BigEndian order so lexicographic sort works correctly.
func appendID(buf []byte, id core.ID) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(id))
}

func appendTime(buf []byte, ts time.Time) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(ts.UnixMicro()))
}

// makeChunkKey generates a key for a chunk by ID.
func makeChunkKey(id core.ID) []byte {
	return appendID([]byte(chunkRecordPrefix), id)
}

// makeVectorKey generates a key for a chunk's vector entry.
func makeVectorKey(id core.ID) []byte {
	return appendID([]byte(chunkVectorPrefix), id)
}

// makeGroupPrefix returns the prefix of one group's collection.
// Format: prefix group NUL
func makeGroupPrefix(group string) []byte {
	buf := append([]byte(chunkGroupPrefix), group...)
	return append(buf, sep)
}

// makeGroupKey generates a collection key ordered by time within the group.
// Format: prefix group NUL timestamp id
func makeGroupKey(group string, ts time.Time, id core.ID) []byte {
	return appendID(appendTime(makeGroupPrefix(group), ts), id)
}

// makeChannelPrefix returns the prefix of one channel's index entries.
// Format: prefix group NUL channel NUL
func makeChannelPrefix(group, channel string) []byte {
	buf := append([]byte(chunkChannelPrefix), group...)
	buf = append(buf, sep)
	buf = append(buf, channel...)
	return append(buf, sep)
}

func makeChannelKey(group, channel string, ts time.Time, id core.ID) []byte {
	return appendID(appendTime(makeChannelPrefix(group, channel), ts), id)
}

// makeAuthorPrefix returns the prefix of one author's index entries in a group.
// Format: prefix group NUL user NUL
func makeAuthorPrefix(group, user string) []byte {
	buf := append([]byte(chunkAuthorPrefix), group...)
	buf = append(buf, sep)
	buf = append(buf, user...)
	return append(buf, sep)
}

func makeAuthorKey(group, user string, ts time.Time, id core.ID) []byte {
	return appendID(appendTime(makeAuthorPrefix(group, user), ts), id)
}

// makeDeadLetterKey orders dead letters by failure time.
// Format: prefix timestamp id
func makeDeadLetterKey(failedAt time.Time, id string) []byte {
	buf := appendTime([]byte(deadLetterPrefix), failedAt)
	return append(buf, id...)
}

// prefixEnd returns the smallest key greater than every key with prefix.
// Used to seek a reverse iterator to the end of a prefix range.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix), len(prefix)+1)
	copy(end, prefix)
	return append(end, 0xFF)
}

// idFromKeySuffix reads the ID stored in the last 8 bytes of a key.
func idFromKeySuffix(key []byte) core.ID {
	if len(key) < 8 {
		return 0
	}
	return core.ID(binary.BigEndian.Uint64(key[len(key)-8:]))
}
