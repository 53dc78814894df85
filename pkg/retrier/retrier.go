// Package retrier retries fallible operations with exponential backoff and
// jitter. The tracker uses it while opening local stores at startup, where a
// busy database file should not kill the process.
package retrier

import (
	"context"
	"math/rand"
	"time"
)

const (
	defaultBaseDelay  = 500 * time.Millisecond
	defaultMaxDelay   = 15 * time.Second
	defaultGrowth     = 2.0
	defaultAttempts   = 5
	defaultJitterFrac = 0.2
)

// Retrier runs an operation until it succeeds or attempts are exhausted.
type Retrier struct {
	baseDelay  time.Duration
	maxDelay   time.Duration
	growth     float64
	attempts   int
	jitterFrac float64
	notify     func(attempt int, err error, next time.Duration)
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(d time.Duration) Option {
	return func(r *Retrier) { r.baseDelay = d }
}

// WithMaxDelay caps the delay between retries.
func WithMaxDelay(d time.Duration) Option {
	return func(r *Retrier) { r.maxDelay = d }
}

// WithGrowth sets the backoff growth factor.
func WithGrowth(g float64) Option {
	return func(r *Retrier) { r.growth = g }
}

// WithAttempts sets the total number of attempts, including the first one.
func WithAttempts(n int) Option {
	return func(r *Retrier) { r.attempts = n }
}

// WithJitter sets the jitter fraction applied to each delay, in [0, 1].
func WithJitter(frac float64) Option {
	return func(r *Retrier) { r.jitterFrac = frac }
}

// WithNotify installs a callback invoked after each failed attempt that will
// be retried, with the delay before the next attempt.
func WithNotify(fn func(attempt int, err error, next time.Duration)) Option {
	return func(r *Retrier) { r.notify = fn }
}

// New builds a Retrier with defaults overridden by opts.
func New(opts ...Option) *Retrier {
	r := &Retrier{
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
		growth:     defaultGrowth,
		attempts:   defaultAttempts,
		jitterFrac: defaultJitterFrac,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.attempts < 1 {
		r.attempts = 1
	}
	return r
}

// Do runs fn until it returns nil, the context is canceled, or attempts run
// out. The last error from fn is returned on exhaustion.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := r.baseDelay

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt >= r.attempts {
			return lastErr
		}

		wait := r.jittered(delay)
		if r.notify != nil {
			r.notify(attempt, lastErr, wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * r.growth)
		if delay > r.maxDelay {
			delay = r.maxDelay
		}
	}
}

func (r *Retrier) jittered(d time.Duration) time.Duration {
	if r.jitterFrac <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * r.jitterFrac * float64(d)
	out := time.Duration(float64(d) + spread)
	if out < 0 {
		return 0
	}
	return out
}

// DoWithData runs fn with retries and returns its value on success.
func DoWithData[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context) error {
		var ferr error
		out, ferr = fn(ctx)
		return ferr
	})
	return out, err
}
