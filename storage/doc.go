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

// Package storage provides the storage abstraction layer for Quiry.
//
// This package defines repository interfaces that decouple the storage
// implementation from the pipeline and the query engine.
//
// # Architecture
//
//   - ChunkRepository: per-group chunk collections with channel, author and
//     recency indexes
//   - VectorIndex: nearest-neighbor search over chunk vectors
//   - DeadLetterRepository: messages that exhausted their retry budget
//
// Chunks are immutable. PersistChunk keys every chunk by its idempotency key,
// so a redelivered flush is detected as ErrDuplicateKey instead of producing a
// second record. Callers treat that as success.
//
// # Usage
//
//	chunks, letters, backend, err := badger.NewMemoryRepositories()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer backend.Close()
//
// # Serialization
//
// Records are encoded with mus-go (see serialization.go). Times are stored
// as Unix microseconds in UTC.
//
// # Thread Safety
//
// All repository implementations must be thread-safe and support
// concurrent access from multiple goroutines.
package storage
