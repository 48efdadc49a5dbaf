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


// Package buffer accumulates incoming chat messages per conversation until a
// flush trigger fires.
//
// A conversation is identified by its (group, channel) key. Each key owns its
// own lock, so appends and flushes on one conversation never wait on another.
// The map of conversations is a sync.Map; entries are created on first use and
// evicted by Sweep once empty.
//
// # Flush triggers
//
//   - Threshold: the buffer reached the configured message count (default 10)
//   - Idle gap: a message arrived long after the previous one in the same
//     conversation; the older messages are flushed before the new one is kept
//   - Age: Sweep found a buffer whose first message arrived more than MaxAge ago
//   - Drain: the caller is shutting down and wants every pending message
//
// A flush hands the complete buffer to the caller and replaces it with an empty
// one under the conversation lock. No message is ever split across two batches
// or returned twice.
package buffer
