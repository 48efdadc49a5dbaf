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

// Package ai provides abstractions for the embedding service used by Quiry.
//
// The core domain depends on the Embedder interface rather than a concrete
// client, so the pipeline and the query engine can be tested without an
// external service.
//
// # Implementation Packages
//
//   - ai/openai: Production implementation using OpenAI-compatible APIs
//   - ai/mock: Test doubles for unit testing without external dependencies
//
// # Failure Handling
//
// Resilient wraps any Embedder with a per-call timeout, a token bucket rate
// limiter and a circuit breaker. Every failure it returns is a
// *core.UpstreamError whose Kind tells the caller whether a retry can help:
//
//	embedder, err := openai.NewEmbedder(config)
//	resilient, err := ai.NewResilientFromConfig(embedder, config)
//	vector, err := resilient.EmbedText(ctx, "Hello world")
//	if errors.Is(err, core.ErrTransientUpstream) {
//	    // back off and retry
//	}
//
// Public constructors (openai.NewEmbedder) return the ai.Embedder interface.
// Test constructors (mock.NewMockEmbedder) return concrete types so tests can
// inject behavior and inspect call counts.
package ai
