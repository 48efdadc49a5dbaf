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


package core

import (
	"errors"
	"fmt"
	"time"
)

// Failure classes shared by every pipeline stage.
var (
	// ErrMalformedInput marks input that can never succeed. It is not retried.
	ErrMalformedInput = errors.New("malformed input")

	// ErrTransientUpstream marks embedding, index or broker failures that may
	// succeed on retry.
	ErrTransientUpstream = errors.New("transient upstream failure")

	// ErrDuplicateWrite indicates the idempotency key of a chunk already exists.
	// Callers treat it as success.
	ErrDuplicateWrite = errors.New("duplicate write")

	// ErrPartialFlush indicates a merged chunk could not be embedded or persisted.
	// The chunk travels to the dead-letter store, never back into a live buffer.
	ErrPartialFlush = errors.New("partial flush failure")
)

// Validation details. All of them wrap ErrMalformedInput when returned.
var (
	// ErrEmptyContent indicates the message content is empty or blank.
	ErrEmptyContent = errors.New("content cannot be empty")

	// ErrEmptyQuery indicates the query text is empty or blank.
	ErrEmptyQuery = errors.New("query cannot be empty")

	// ErrEmptyBatch indicates a merge was requested for zero messages.
	ErrEmptyBatch = errors.New("cannot merge an empty message batch")

	// ErrInvalidTimestamp indicates a missing timestamp.
	ErrInvalidTimestamp = errors.New("timestamp is required")

	// ErrMissingGroup indicates the group ID is empty or contains a NUL byte.
	ErrMissingGroup = errors.New("group id is required")

	// ErrMissingChannel indicates the channel ID is empty or contains a NUL byte.
	ErrMissingChannel = errors.New("channel id is required")

	// ErrMixedConversation indicates a batch spans more than one conversation key.
	ErrMixedConversation = errors.New("batch spans multiple conversations")
)

// UpstreamKind classifies a failure reported by an external collaborator.
type UpstreamKind int

const (
	// UpstreamTimeout is a call that exceeded its deadline.
	UpstreamTimeout UpstreamKind = iota + 1
	// UpstreamRateLimited is a call rejected by a rate limiter or quota.
	UpstreamRateLimited
	// UpstreamMalformed is a request the upstream refused or a response it garbled.
	UpstreamMalformed
	// UpstreamUnavailable covers connection failures and open circuit breakers.
	UpstreamUnavailable
)

func (k UpstreamKind) String() string {
	switch k {
	case UpstreamTimeout:
		return "timeout"
	case UpstreamRateLimited:
		return "rate-limited"
	case UpstreamMalformed:
		return "malformed"
	case UpstreamUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// UpstreamError wraps a failure from the embedding service, vector index or broker.
type UpstreamError struct {
	Op   string
	Kind UpstreamKind
	Err  error
	// RetryAfter is set when the upstream is known to refuse calls for a
	// while, such as an open circuit breaker.
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the failure class implied by Kind.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrTransientUpstream:
		return e.Kind != UpstreamMalformed
	case ErrMalformedInput:
		return e.Kind == UpstreamMalformed
	}
	return false
}

// IsRetryable reports whether a stage should retry after err.
// Malformed input and duplicate writes are final; everything else is retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformedInput) || errors.Is(err, ErrDuplicateWrite) {
		return false
	}
	return true
}

// RetryAfter returns the wait carried by an UpstreamError in err's chain.
func RetryAfter(err error) (time.Duration, bool) {
	var upstream *UpstreamError
	if errors.As(err, &upstream) && upstream.RetryAfter > 0 {
		return upstream.RetryAfter, true
	}
	return 0, false
}
