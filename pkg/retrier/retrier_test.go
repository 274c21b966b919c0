package retrier

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func fastRetrier(attempts int) *Retrier {
	return New(
		WithAttempts(attempts),
		WithInitialDelay(time.Millisecond),
		WithMaxDelay(5*time.Millisecond),
		WithJitter(0),
	)
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := fastRetrier(3).Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := fastRetrier(4).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	boom := errors.New("still broken")
	calls := 0
	err := fastRetrier(3).Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := New(WithAttempts(10), WithInitialDelay(50*time.Millisecond), WithJitter(0)).
		Do(ctx, func(context.Context) error {
			calls++
			cancel()
			return errors.New("transient")
		})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestDoWithData(t *testing.T) {
	calls := 0
	got, err := DoWithData(context.Background(), fastRetrier(3), func(context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, got)
}
