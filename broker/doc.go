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

// Package broker connects pipeline stages through named, partitioned topics.
//
// A topic is split into a fixed number of partitions. Producers pick the
// partition from the message key, so every message of one conversation lands
// in the same partition and is consumed in order. Consumers join a consumer
// group and own one partition each. Read positions are committed explicitly:
// a message fetched but never committed is delivered again to the next
// subscription of the same group and partition, which gives at-least-once
// delivery end to end.
//
// Two implementations are provided:
//
//   - Memory: an in-process broker with bounded partitions, used by the CLI
//     for batch ingestion and by tests
//   - Redis: Redis Streams with consumer groups, one stream per partition
//
// Payloads are opaque bytes. The ingestion package defines their schema.
package broker
