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

// Package ingestion runs the chat message pipeline.
//
// Messages travel through broker topics in this order:
//
//	raw-message -> chunk-flush-request -> embedding-request -> index-upsert
//
// The buffer stage appends each message to its conversation buffer and
// publishes a flush request when a buffer fills, ages out or sees an idle
// gap. The merge stage turns a flush request into chunk text, the embedding
// stage attaches a vector and the index stage persists the chunk under its
// group. A query stage answers query-request messages on query-result.
//
// Every topic is partitioned by conversation key, so the messages of one
// conversation are handled in order. Each stage commits a message only after
// it produced its output or finished its work. Failed steps are retried with
// exponential backoff; messages that still fail are written to the
// dead-letter store and committed so the partition keeps moving. Persistence
// is idempotent, so redelivered messages never create a second chunk.
package ingestion
