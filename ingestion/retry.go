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

package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/quiry/core"
)

// RetryPolicy bounds how often and how fast a failed step is retried.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt. Must be > 0.
	MaxAttempts int
	// BaseDelay is the wait after the first failure. It doubles per retry.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration
	// MaxDeferrals is how many times a failure carrying a RetryAfter hint,
	// such as an open circuit breaker, may be waited out without counting
	// as an attempt. Zero counts every failure.
	MaxDeferrals int
}

// DefaultRetryPolicy returns 5 attempts starting at 200ms, capped at 10s,
// with up to 10 deferrals.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		BaseDelay:    200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		MaxDeferrals: 10,
	}
}

// delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// RetryError reports the last failure of a step and how many attempts ran.
type RetryError struct {
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || !core.IsRetryable(err)
}

// attemptsOf returns the attempt count carried by err, or 1.
func attemptsOf(err error) int {
	var re *RetryError
	if errors.As(err, &re) {
		return re.Attempts
	}
	return 1
}

// RetryWithBackoff retries an operation with exponential backoff.
// It stops early when the operation returns malformed input, a duplicate
// write or a Permanent error. A failure that says when to come back
// (core.RetryAfter) is waited out without using an attempt, up to
// MaxDeferrals times. Failures are returned as *RetryError; a done context
// returns ctx.Err().
func RetryWithBackoff(ctx context.Context, policy RetryPolicy, operation func(ctx context.Context) error) error {
	if policy.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}

	var lastErr error
	attempt, deferrals := 1, 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation(ctx)
		if lastErr == nil {
			if attempt > 1 || deferrals > 0 {
				slog.Debug("operation succeeded after retry", "attempt", attempt, "deferrals", deferrals)
			}
			return nil
		}
		if isPermanent(lastErr) {
			return &RetryError{Attempts: attempt, Err: lastErr}
		}

		var wait time.Duration
		if after, ok := core.RetryAfter(lastErr); ok && deferrals < policy.MaxDeferrals {
			deferrals++
			wait = after
			slog.Debug("upstream refusing calls, deferring", "attempt", attempt, "deferrals", deferrals, "wait", wait)
		} else {
			slog.Debug("operation failed, will retry", "attempt", attempt, "maxAttempts", policy.MaxAttempts, "error", lastErr)
			// Don't sleep after the last attempt
			if attempt == policy.MaxAttempts {
				return &RetryError{Attempts: attempt, Err: lastErr}
			}
			wait = policy.delay(attempt)
			attempt++
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
