package ai

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/quiry/core"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcEmbedder func(ctx context.Context, text string) ([]float32, error)

func (f funcEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

func TestNewResilient(t *testing.T) {
	_, err := NewResilient(nil)
	assert.ErrorIs(t, err, ErrEmbedderRequired)

	_, err = NewResilient(funcEmbedder(nil), WithCallTimeout(0))
	assert.Error(t, err)

	_, err = NewResilient(funcEmbedder(nil), WithBreaker(0, time.Second))
	assert.Error(t, err)
}

func TestResilient_Success(t *testing.T) {
	r, err := NewResilient(funcEmbedder(func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 2, 3}, nil
	}), WithExpectedDimensions(3))
	require.NoError(t, err)

	v, err := r.EmbedText(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, v)
}

func TestResilient_RejectsBlankText(t *testing.T) {
	var calls atomic.Int32
	r, err := NewResilient(funcEmbedder(func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return []float32{1}, nil
	}))
	require.NoError(t, err)

	_, err = r.EmbedText(context.Background(), "  \n ")
	assert.ErrorIs(t, err, core.ErrMalformedInput)
	assert.False(t, core.IsRetryable(err))
	assert.Zero(t, calls.Load())
}

func TestResilient_Timeout(t *testing.T) {
	r, err := NewResilient(funcEmbedder(func(ctx context.Context, text string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), WithCallTimeout(20*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = r.EmbedText(context.Background(), "slow")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var upstream *core.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, core.UpstreamTimeout, upstream.Kind)
	assert.ErrorIs(t, err, core.ErrTransientUpstream)
	assert.True(t, core.IsRetryable(err))
}

func TestResilient_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind core.UpstreamKind
	}{
		{"rate limited", errors.New("API returned unexpected status code: 429: slow down"), core.UpstreamRateLimited},
		{"bad request", errors.New("API returned unexpected status code: 400: invalid input"), core.UpstreamMalformed},
		{"connection refused", errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), core.UpstreamUnavailable},
		{"deadline", context.DeadlineExceeded, core.UpstreamTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewResilient(funcEmbedder(func(ctx context.Context, text string) ([]float32, error) {
				return nil, tt.err
			}))
			require.NoError(t, err)

			_, err = r.EmbedText(context.Background(), "x")
			var upstream *core.UpstreamError
			require.ErrorAs(t, err, &upstream)
			assert.Equal(t, tt.kind, upstream.Kind)
		})
	}
}

func TestResilient_MalformedResponse(t *testing.T) {
	t.Run("empty vector", func(t *testing.T) {
		r, err := NewResilient(funcEmbedder(func(ctx context.Context, text string) ([]float32, error) {
			return nil, nil
		}))
		require.NoError(t, err)

		_, err = r.EmbedText(context.Background(), "x")
		assert.ErrorIs(t, err, core.ErrMalformedInput)
	})

	t.Run("wrong dimensions", func(t *testing.T) {
		r, err := NewResilient(funcEmbedder(func(ctx context.Context, text string) ([]float32, error) {
			return []float32{1, 2}, nil
		}), WithExpectedDimensions(3))
		require.NoError(t, err)

		_, err = r.EmbedText(context.Background(), "x")
		assert.ErrorIs(t, err, core.ErrMalformedInput)
	})
}

func TestResilient_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	r, err := NewResilient(funcEmbedder(func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	}), WithBreaker(3, time.Hour))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = r.EmbedText(context.Background(), "x")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, r.State())

	_, err = r.EmbedText(context.Background(), "x")
	var upstream *core.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, core.UpstreamUnavailable, upstream.Kind)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), calls.Load(), "open breaker must not reach the upstream")

	wait, ok := core.RetryAfter(err)
	require.True(t, ok, "open breaker reports when to come back")
	assert.Greater(t, wait, 59*time.Minute)
	assert.LessOrEqual(t, wait, time.Hour)
}

func TestResilient_BreakerRecoversAfterCooldown(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	r, err := NewResilient(funcEmbedder(func(ctx context.Context, text string) ([]float32, error) {
		if failing.Load() {
			return nil, errors.New("connection reset")
		}
		return []float32{1, 0}, nil
	}), WithBreaker(2, 30*time.Millisecond))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = r.EmbedText(context.Background(), "x")
		require.Error(t, err)
	}
	failing.Store(false)

	_, err = r.EmbedText(context.Background(), "x")
	wait, ok := core.RetryAfter(err)
	require.True(t, ok)
	assert.LessOrEqual(t, wait, 30*time.Millisecond)

	time.Sleep(wait + 5*time.Millisecond)
	vector, err := r.EmbedText(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vector)
	assert.Equal(t, gobreaker.StateClosed, r.State())
}

func TestResilient_MalformedDoesNotTripBreaker(t *testing.T) {
	r, err := NewResilient(funcEmbedder(func(ctx context.Context, text string) ([]float32, error) {
		return nil, nil
	}), WithBreaker(2, time.Hour))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _ = r.EmbedText(context.Background(), "x")
	}
	assert.Equal(t, gobreaker.StateClosed, r.State())
}

func TestResilient_RateLimitHonorsContext(t *testing.T) {
	r, err := NewResilient(funcEmbedder(func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1}, nil
	}), WithLimit(0.001, 1))
	require.NoError(t, err)

	_, err = r.EmbedText(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = r.EmbedText(ctx, "second")
	var upstream *core.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, core.UpstreamRateLimited, upstream.Kind)
}

func TestNewResilientFromConfig(t *testing.T) {
	cfg := NewConfig(WithTimeout(time.Second), WithDimensions(2), WithRateLimit(100, 10))
	r, err := NewResilientFromConfig(funcEmbedder(func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 2}, nil
	}), cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Second, r.timeout)
	assert.Equal(t, 2, r.dimensions)
	assert.NotNil(t, r.limiter)
}
