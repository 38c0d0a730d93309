package deadline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aussiehq/gateway/internal/primitives/deadline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTimeout_ReturnsValueWhenFastEnough(t *testing.T) {
	v, err := deadline.WithTimeout(context.Background(), 50*time.Millisecond, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestWithTimeout_ReturnsDeadlineExceededWhenSlow(t *testing.T) {
	_, err := deadline.WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithTimeout_PropagatesFnError(t *testing.T) {
	boom := errors.New("boom")
	_, err := deadline.WithTimeout(context.Background(), 50*time.Millisecond, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestWithTimeoutFallback_ReturnsFallbackOnTimeout(t *testing.T) {
	v := deadline.WithTimeoutFallback(context.Background(), 10*time.Millisecond, "stale", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "fresh", ctx.Err()
	})
	assert.Equal(t, "stale", v)
}

func TestWithTimeoutFallback_ReturnsRealValueOnSuccess(t *testing.T) {
	v := deadline.WithTimeoutFallback(context.Background(), 50*time.Millisecond, "stale", func(ctx context.Context) (string, error) {
		return "fresh", nil
	})
	assert.Equal(t, "fresh", v)
}

func TestWithTimeoutGraceful_UsesPartialOnTimeout(t *testing.T) {
	v := deadline.WithTimeoutGraceful(context.Background(), 10*time.Millisecond,
		func() string { return "degraded" },
		func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})
	assert.Equal(t, "degraded", v)
}

func TestWithTimeoutSilent_ReturnsNilOnSuccess(t *testing.T) {
	err := deadline.WithTimeoutSilent(context.Background(), 50*time.Millisecond, func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestWithTimeoutSilent_ReturnsErrorOnTimeout(t *testing.T) {
	err := deadline.WithTimeoutSilent(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
