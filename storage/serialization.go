// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"fmt"
	"math"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/quiry/core"
)

// zeroTime marks an unset time.Time on the wire.
const zeroTime = math.MinInt64

// ChunkMUS serializes core.Chunk.
var ChunkMUS = chunkMUS{}

// DeadLetterMUS serializes core.DeadLetter.
var DeadLetterMUS = deadLetterMUS{}

// MarshalID serializes an ID to bytes.
func MarshalID(id core.ID) []byte {
	buf := make([]byte, varint.Uint64.Size(uint64(id)))
	varint.Uint64.Marshal(uint64(id), buf)
	return buf
}

// UnmarshalID deserializes an ID from bytes.
func UnmarshalID(data []byte) (core.ID, error) {
	v, _, err := varint.Uint64.Unmarshal(data)
	return core.ID(v), err
}

// MarshalChunk serializes a Chunk to bytes.
func MarshalChunk(chunk *core.Chunk) []byte {
	buf := make([]byte, ChunkMUS.Size(*chunk))
	ChunkMUS.Marshal(*chunk, buf)
	return buf
}

// UnmarshalChunk deserializes a Chunk from bytes.
func UnmarshalChunk(data []byte) (*core.Chunk, error) {
	chunk, _, err := ChunkMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk: %w", ErrSerializationFailed, err)
	}
	return &chunk, nil
}

// MarshalDeadLetter serializes a DeadLetter to bytes.
func MarshalDeadLetter(letter *core.DeadLetter) []byte {
	buf := make([]byte, DeadLetterMUS.Size(*letter))
	DeadLetterMUS.Marshal(*letter, buf)
	return buf
}

// UnmarshalDeadLetter deserializes a DeadLetter from bytes.
func UnmarshalDeadLetter(data []byte) (*core.DeadLetter, error) {
	letter, _, err := DeadLetterMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: dead letter: %w", ErrSerializationFailed, err)
	}
	return &letter, nil
}

// VectorEntry is the vector index record of one chunk.
type VectorEntry struct {
	EarliestTimestamp time.Time
	Vector            []float32
}

// MarshalVectorEntry serializes a VectorEntry to bytes.
func MarshalVectorEntry(entry VectorEntry) []byte {
	buf := make([]byte, sizeTime(entry.EarliestTimestamp)+sizeVector(entry.Vector))
	n := marshalTime(entry.EarliestTimestamp, buf)
	marshalVector(entry.Vector, buf[n:])
	return buf
}

// UnmarshalVectorEntry deserializes a VectorEntry from bytes.
func UnmarshalVectorEntry(data []byte) (VectorEntry, error) {
	var entry VectorEntry
	ts, n, err := unmarshalTime(data)
	if err != nil {
		return entry, fmt.Errorf("%w: vector entry: %w", ErrSerializationFailed, err)
	}
	vec, _, err := unmarshalVector(data[n:])
	if err != nil {
		return entry, fmt.Errorf("%w: vector entry: %w", ErrSerializationFailed, err)
	}
	entry.EarliestTimestamp = ts
	entry.Vector = vec
	return entry, nil
}

type chunkMUS struct{}

func (chunkMUS) Marshal(v core.Chunk, bs []byte) (n int) {
	n = varint.Uint64.Marshal(uint64(v.Id), bs)
	n += ord.String.Marshal(v.GroupID, bs[n:])
	n += ord.String.Marshal(v.ChannelID, bs[n:])
	n += ord.String.Marshal(v.Text, bs[n:])
	n += ord.String.Marshal(v.Category, bs[n:])
	n += marshalStrings(v.AuthorIDs, bs[n:])
	n += varint.Int.Marshal(v.MessageCount, bs[n:])
	n += marshalTime(v.EarliestTimestamp, bs[n:])
	n += marshalTime(v.LatestTimestamp, bs[n:])
	n += marshalTime(v.InsertedAt, bs[n:])
	n += marshalVector(v.Vector, bs[n:])
	return
}

func (chunkMUS) Unmarshal(bs []byte) (v core.Chunk, n int, err error) {
	var (
		n1 int
		id uint64
	)
	id, n, err = varint.Uint64.Unmarshal(bs)
	if err != nil {
		return
	}
	v.Id = core.ID(id)
	if v.GroupID, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if v.ChannelID, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if v.Text, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if v.Category, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if v.AuthorIDs, n1, err = unmarshalStrings(bs[n:]); err != nil {
		return
	}
	n += n1
	if v.MessageCount, n1, err = varint.Int.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if v.EarliestTimestamp, n1, err = unmarshalTime(bs[n:]); err != nil {
		return
	}
	n += n1
	if v.LatestTimestamp, n1, err = unmarshalTime(bs[n:]); err != nil {
		return
	}
	n += n1
	if v.InsertedAt, n1, err = unmarshalTime(bs[n:]); err != nil {
		return
	}
	n += n1
	if v.Vector, n1, err = unmarshalVector(bs[n:]); err != nil {
		return
	}
	n += n1
	return
}

func (chunkMUS) Size(v core.Chunk) (size int) {
	size = varint.Uint64.Size(uint64(v.Id))
	size += ord.String.Size(v.GroupID)
	size += ord.String.Size(v.ChannelID)
	size += ord.String.Size(v.Text)
	size += ord.String.Size(v.Category)
	size += sizeStrings(v.AuthorIDs)
	size += varint.Int.Size(v.MessageCount)
	size += sizeTime(v.EarliestTimestamp)
	size += sizeTime(v.LatestTimestamp)
	size += sizeTime(v.InsertedAt)
	size += sizeVector(v.Vector)
	return
}

type deadLetterMUS struct{}

func (deadLetterMUS) Marshal(v core.DeadLetter, bs []byte) (n int) {
	n = ord.String.Marshal(v.Id, bs)
	n += ord.String.Marshal(v.Stage, bs[n:])
	n += ord.String.Marshal(v.Topic, bs[n:])
	n += ord.String.Marshal(v.Key, bs[n:])
	n += ord.String.Marshal(string(v.Payload), bs[n:])
	n += ord.String.Marshal(v.Error, bs[n:])
	n += varint.Int.Marshal(v.Attempts, bs[n:])
	n += marshalTime(v.FailedAt, bs[n:])
	return
}

func (deadLetterMUS) Unmarshal(bs []byte) (v core.DeadLetter, n int, err error) {
	var (
		n1      int
		payload string
	)
	if v.Id, n, err = ord.String.Unmarshal(bs); err != nil {
		return
	}
	if v.Stage, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if v.Topic, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if v.Key, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if payload, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if payload != "" {
		v.Payload = []byte(payload)
	}
	if v.Error, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if v.Attempts, n1, err = varint.Int.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if v.FailedAt, n1, err = unmarshalTime(bs[n:]); err != nil {
		return
	}
	n += n1
	return
}

func (deadLetterMUS) Size(v core.DeadLetter) (size int) {
	size = ord.String.Size(v.Id)
	size += ord.String.Size(v.Stage)
	size += ord.String.Size(v.Topic)
	size += ord.String.Size(v.Key)
	size += ord.String.Size(string(v.Payload))
	size += ord.String.Size(v.Error)
	size += varint.Int.Size(v.Attempts)
	size += sizeTime(v.FailedAt)
	return
}

func timeValue(t time.Time) int64 {
	if t.IsZero() {
		return zeroTime
	}
	return t.UnixMicro()
}

func marshalTime(t time.Time, bs []byte) int {
	return varint.Int64.Marshal(timeValue(t), bs)
}

func unmarshalTime(bs []byte) (time.Time, int, error) {
	v, n, err := varint.Int64.Unmarshal(bs)
	if err != nil || v == zeroTime {
		return time.Time{}, n, err
	}
	return time.UnixMicro(v).UTC(), n, nil
}

func sizeTime(t time.Time) int {
	return varint.Int64.Size(timeValue(t))
}

func marshalStrings(s []string, bs []byte) (n int) {
	n = varint.Int.Marshal(len(s), bs)
	for _, v := range s {
		n += ord.String.Marshal(v, bs[n:])
	}
	return
}

func unmarshalStrings(bs []byte) (s []string, n int, err error) {
	length, n, err := varint.Int.Unmarshal(bs)
	if err != nil {
		return
	}
	if length < 0 || length > len(bs)-n {
		return nil, n, ErrTruncatedData
	}
	if length == 0 {
		return nil, n, nil
	}
	s = make([]string, length)
	for i := range s {
		var n1 int
		if s[i], n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
			return
		}
		n += n1
	}
	return
}

func sizeStrings(s []string) (size int) {
	size = varint.Int.Size(len(s))
	for _, v := range s {
		size += ord.String.Size(v)
	}
	return
}

func marshalVector(vec []float32, bs []byte) (n int) {
	n = varint.Int.Marshal(len(vec), bs)
	for _, v := range vec {
		n += raw.Float32.Marshal(v, bs[n:])
	}
	return
}

func unmarshalVector(bs []byte) (vec []float32, n int, err error) {
	length, n, err := varint.Int.Unmarshal(bs)
	if err != nil {
		return
	}
	if length < 0 || length*4 > len(bs)-n {
		return nil, n, ErrTruncatedData
	}
	if length == 0 {
		return nil, n, nil
	}
	vec = make([]float32, length)
	for i := range vec {
		var n1 int
		if vec[i], n1, err = raw.Float32.Unmarshal(bs[n:]); err != nil {
			return
		}
		n += n1
	}
	return
}

func sizeVector(vec []float32) (size int) {
	size = varint.Int.Size(len(vec))
	for _, v := range vec {
		size += raw.Float32.Size(v)
	}
	return
}
