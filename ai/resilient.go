package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/poiesic/quiry/core"
	"github.com/poiesic/quiry/telemetry"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	// DefaultBreakerFailures is the number of consecutive failures that opens the breaker.
	DefaultBreakerFailures = 5

	// DefaultBreakerCooldown is how long the breaker stays open before probing.
	DefaultBreakerCooldown = 30 * time.Second

	halfOpenRetryAfter = 100 * time.Millisecond
)

// ErrEmbedderRequired is returned when NewResilient is given a nil embedder.
var ErrEmbedderRequired = errors.New("embedder is required")

// Resilient wraps an Embedder with a per-call timeout, a rate limiter and a
// circuit breaker, and classifies every failure as a *core.UpstreamError.
// It never retries; retry policy belongs to the calling stage.
type Resilient struct {
	next       Embedder
	timeout    time.Duration
	dimensions int
	limiter    *rate.Limiter
	failures   uint32
	cooldown   time.Duration
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
	metrics    *telemetry.Metrics

	mu       sync.Mutex
	openedAt time.Time
}

// ResilientOption configures a Resilient embedder.
type ResilientOption func(*Resilient) error

// WithCallTimeout bounds each embedding call.
func WithCallTimeout(d time.Duration) ResilientOption {
	return func(r *Resilient) error {
		if d <= 0 {
			return errors.New("call timeout must be positive")
		}
		r.timeout = d
		return nil
	}
}

// WithLimit applies a token bucket rate limit. A non-positive rate disables it.
func WithLimit(perSecond float64, burst int) ResilientOption {
	return func(r *Resilient) error {
		if perSecond <= 0 {
			r.limiter = nil
			return nil
		}
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		return nil
	}
}

// WithExpectedDimensions rejects vectors of any other length.
func WithExpectedDimensions(n int) ResilientOption {
	return func(r *Resilient) error {
		r.dimensions = n
		return nil
	}
}

// WithBreaker sets the consecutive failure count that opens the circuit and
// the cooldown before a trial call is let through.
func WithBreaker(failures uint32, cooldown time.Duration) ResilientOption {
	return func(r *Resilient) error {
		if failures == 0 {
			return errors.New("breaker failures must be positive")
		}
		r.failures = failures
		r.cooldown = cooldown
		return nil
	}
}

// WithResilientLogger sets a custom logger.
// Default is slog.Default().
func WithResilientLogger(logger *slog.Logger) ResilientOption {
	return func(r *Resilient) error {
		if logger == nil {
			logger = slog.Default()
		}
		r.logger = logger
		return nil
	}
}

// NewResilient wraps next.
func NewResilient(next Embedder, opts ...ResilientOption) (*Resilient, error) {
	if next == nil {
		return nil, ErrEmbedderRequired
	}
	r := &Resilient{
		next:     next,
		timeout:  10 * time.Second,
		failures: DefaultBreakerFailures,
		cooldown: DefaultBreakerCooldown,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("component", "resilient-embedder")

	metrics, err := telemetry.NewMetrics("github.com/poiesic/quiry/ai")
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}
	r.metrics = metrics

	failures := r.failures
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedder",
		MaxRequests: 1,
		Timeout:     r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Bad input says nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, core.ErrMalformedInput)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				r.mu.Lock()
				r.openedAt = time.Now()
				r.mu.Unlock()
			}
			r.metrics.RecordCircuitBreakerState(context.Background(), name, to.String())
			r.logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return r, nil
}

// NewResilientFromConfig builds a Resilient embedder from the timeout,
// rate and dimension settings of cfg.
func NewResilientFromConfig(next Embedder, cfg *Config, opts ...ResilientOption) (*Resilient, error) {
	base := []ResilientOption{
		WithCallTimeout(cfg.Timeout),
		WithLimit(cfg.RequestsPerSecond, cfg.Burst),
		WithExpectedDimensions(cfg.Dimensions),
	}
	return NewResilient(next, append(base, opts...)...)
}

// EmbedText embeds text once, within the configured timeout.
func (r *Resilient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrMalformedInput, core.ErrEmptyContent)
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, &core.UpstreamError{Op: "embed", Kind: core.UpstreamRateLimited, Err: err}
		}
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		vector, err := r.next.EmbedText(callCtx, text)
		if err != nil {
			if callCtx.Err() != nil && ctx.Err() == nil {
				err = fmt.Errorf("%w after %s", context.DeadlineExceeded, r.timeout)
			}
			return nil, classify(err)
		}
		if len(vector) == 0 {
			return nil, &core.UpstreamError{Op: "embed", Kind: core.UpstreamMalformed, Err: errors.New("empty vector")}
		}
		if r.dimensions > 0 && len(vector) != r.dimensions {
			return nil, &core.UpstreamError{
				Op:   "embed",
				Kind: core.UpstreamMalformed,
				Err:  fmt.Errorf("got %d dimensions, want %d", len(vector), r.dimensions),
			}
		}
		return vector, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &core.UpstreamError{Op: "embed", Kind: core.UpstreamUnavailable, Err: err, RetryAfter: r.retryAfter(err)}
		}
		r.logger.Debug("embedding failed", "err", err)
		return nil, err
	}
	return result.([]float32), nil
}

// retryAfter estimates when the breaker will let a call through again: the
// rest of the cooldown while open, a short pause while the half-open trial call runs.
func (r *Resilient) retryAfter(err error) time.Duration {
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return min(r.cooldown, halfOpenRetryAfter)
	}
	r.mu.Lock()
	remaining := r.cooldown - time.Since(r.openedAt)
	r.mu.Unlock()
	return max(remaining, time.Millisecond)
}

// State reports the circuit breaker state.
func (r *Resilient) State() gobreaker.State {
	return r.breaker.State()
}

// classify maps a raw embedding error onto an UpstreamError kind.
func classify(err error) error {
	var upstream *core.UpstreamError
	if errors.As(err, &upstream) {
		return err
	}
	if errors.Is(err, core.ErrMalformedInput) {
		return err
	}

	kind := core.UpstreamUnavailable
	var netErr net.Error
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = core.UpstreamTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = core.UpstreamTimeout
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		kind = core.UpstreamRateLimited
	case strings.Contains(msg, "400"), strings.Contains(msg, "invalid input"), strings.Contains(msg, "context length"):
		kind = core.UpstreamMalformed
	}
	return &core.UpstreamError{Op: "embed", Kind: kind, Err: err}
}
