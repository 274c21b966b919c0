// Package retrier provides bounded retries with exponential backoff and
// jitter for calls to flaky external dependencies.
package retrier

import (
	"context"
	"math/rand"
	"time"
)

const (
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 30 * time.Second
	defaultFactor       = 2.0
	defaultAttempts     = 4
	defaultJitter       = 0.2
)

// Retrier retries an operation a bounded number of times, sleeping an
// exponentially growing, jittered delay between attempts.
type Retrier struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	factor       float64
	attempts     int
	jitter       float64
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithInitialDelay sets the delay before the second attempt.
func WithInitialDelay(d time.Duration) Option {
	return func(r *Retrier) { r.initialDelay = d }
}

// WithMaxDelay caps the backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(r *Retrier) { r.maxDelay = d }
}

// WithFactor sets the backoff multiplier.
func WithFactor(f float64) Option {
	return func(r *Retrier) { r.factor = f }
}

// WithAttempts sets the total number of attempts, including the first.
func WithAttempts(n int) Option {
	return func(r *Retrier) {
		if n < 1 {
			n = 1
		}
		r.attempts = n
	}
}

// WithJitter sets the jitter fraction applied to each delay (0 to 1).
func WithJitter(j float64) Option {
	return func(r *Retrier) { r.jitter = j }
}

// New builds a Retrier with defaults overridden by opts.
func New(opts ...Option) *Retrier {
	r := &Retrier{
		initialDelay: defaultInitialDelay,
		maxDelay:     defaultMaxDelay,
		factor:       defaultFactor,
		attempts:     defaultAttempts,
		jitter:       defaultJitter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do runs fn until it succeeds, the attempts are exhausted, or ctx is done.
// The last error is returned when all attempts fail.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := r.initialDelay

	var err error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			sleep := delay
			if r.jitter > 0 {
				offset := (rand.Float64()*2 - 1) * r.jitter * float64(delay)
				sleep = time.Duration(float64(delay) + offset)
				if sleep < 0 {
					sleep = 0
				}
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}

			delay = time.Duration(float64(delay) * r.factor)
			if delay > r.maxDelay {
				delay = r.maxDelay
			}
		}

		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}

// DoWithData runs fn with retries and returns its value.
func DoWithData[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context) error {
		var e error
		out, e = fn(ctx)
		return e
	})
	return out, err
}
