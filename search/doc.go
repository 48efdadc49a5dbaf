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

// Package search implements hybrid retrieval over stored conversation chunks.
//
// A query is embedded once, the vector index is asked for more candidates
// than requested, and every candidate is checked against the exact relational
// filters (group, channel, author) before ranking. Filters accept or reject;
// they never change a score. When filtering leaves fewer than the requested
// number of results the index is queried once more with a larger window.
//
// An outage of the embedding service or the index surfaces as
// ErrSearchUnavailable, which callers can tell apart from an empty result.
package search
