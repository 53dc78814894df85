package retrier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrier_Do(t *testing.T) {
	t.Run("no retry on immediate success", func(t *testing.T) {
		calls := 0
		err := New().Do(context.Background(), func(ctx context.Context) error {
			calls++
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries until success", func(t *testing.T) {
		r := New(WithAttempts(4), WithBaseDelay(time.Millisecond))
		calls := 0
		err := r.Do(context.Background(), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("busy")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error when attempts run out", func(t *testing.T) {
		r := New(WithAttempts(3), WithBaseDelay(time.Millisecond))
		calls := 0
		last := errors.New("still busy")
		err := r.Do(context.Background(), func(ctx context.Context) error {
			calls++
			return last
		})
		assert.ErrorIs(t, err, last)
		assert.Equal(t, 3, calls)
	})

	t.Run("context cancel stops the loop", func(t *testing.T) {
		r := New(WithAttempts(10), WithBaseDelay(50*time.Millisecond))
		ctx, cancel := context.WithCancel(context.Background())

		calls := 0
		err := r.Do(ctx, func(ctx context.Context) error {
			calls++
			if calls == 2 {
				cancel()
			}
			return errors.New("busy")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 2, calls)
	})

	t.Run("notify sees each failed attempt", func(t *testing.T) {
		var attempts []int
		r := New(
			WithAttempts(3),
			WithBaseDelay(time.Millisecond),
			WithNotify(func(attempt int, err error, next time.Duration) {
				attempts = append(attempts, attempt)
			}),
		)
		err := r.Do(context.Background(), func(ctx context.Context) error {
			return errors.New("busy")
		})
		require.Error(t, err)
		assert.Equal(t, []int{1, 2}, attempts)
	})
}

func TestRetrier_DoWithData(t *testing.T) {
	t.Run("returns value on success", func(t *testing.T) {
		v, err := DoWithData(context.Background(), New(), func(ctx context.Context) (int, error) {
			return 42, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("returns zero value on failure", func(t *testing.T) {
		r := New(WithAttempts(2), WithBaseDelay(time.Millisecond))
		v, err := DoWithData(context.Background(), r, func(ctx context.Context) (string, error) {
			return "", errors.New("busy")
		})
		assert.Error(t, err)
		assert.Empty(t, v)
	})
}
