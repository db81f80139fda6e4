package retry

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/power-budget/backend/pkg/faults"
)

type recorder struct {
	sleeps   []time.Duration
	progress []string
}

func (r *recorder) config(maxRetries int) Config {
	return Config{
		MaxRetries:   maxRetries,
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		OnProgress: func(msg string) {
			r.progress = append(r.progress, msg)
		},
		Sleep: func(_ context.Context, d time.Duration) error {
			r.sleeps = append(r.sleeps, d)
			return nil
		},
	}
}

func failNTimes(n int, err error) (func(context.Context) error, *int) {
	calls := 0
	return func(context.Context) error {
		calls++
		if calls <= n {
			return err
		}
		return nil
	}, &calls
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	rec := &recorder{}
	op, calls := failNTimes(0, nil)

	require.NoError(t, Do(context.Background(), rec.config(3), op))
	assert.Equal(t, 1, *calls)
	assert.Empty(t, rec.sleeps)
	assert.Empty(t, rec.progress)
}

func TestDo_RetryBudget(t *testing.T) {
	rateLimited := faults.RateLimited(errors.New("429"), 429)

	for r := 0; r <= 4; r++ {
		for maxRetries := 0; maxRetries <= 4; maxRetries++ {
			t.Run(fmt.Sprintf("fail=%d max=%d", r, maxRetries), func(t *testing.T) {
				rec := &recorder{}
				op, _ := failNTimes(r, rateLimited)

				err := Do(context.Background(), rec.config(maxRetries), op)
				if maxRetries >= r {
					assert.NoError(t, err)
				} else {
					require.Error(t, err)
					assert.Same(t, rateLimited, err)
				}
			})
		}
	}
}

func TestDo_NonRetryableShortCircuits(t *testing.T) {
	rec := &recorder{}
	permanent := errors.New("invalid api key")
	op, calls := failNTimes(10, permanent)

	err := Do(context.Background(), rec.config(5), op)
	assert.Same(t, permanent, err)
	assert.Equal(t, 1, *calls)
	assert.Empty(t, rec.sleeps)
}

func TestDo_ConfigurationErrorNotRetried(t *testing.T) {
	rec := &recorder{}
	op, calls := failNTimes(10, faults.Configuration("missing API key"))

	err := Do(context.Background(), rec.config(5), op)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
	assert.Equal(t, 1, *calls)
}

func TestDo_ExponentialBackoff(t *testing.T) {
	rec := &recorder{}
	op, calls := failNTimes(3, fmt.Errorf("dial: %w", syscall.ECONNREFUSED))

	require.NoError(t, Do(context.Background(), rec.config(3), op))
	assert.Equal(t, 4, *calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.sleeps)
}

func TestDo_BackoffCappedAtMaxDelay(t *testing.T) {
	rec := &recorder{}
	cfg := rec.config(4)
	cfg.MaxDelay = 5 * time.Second
	op, _ := failNTimes(4, faults.Network(errors.New("reset")))

	require.NoError(t, Do(context.Background(), cfg, op))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, rec.sleeps)
}

func TestDo_ProgressNotifications(t *testing.T) {
	rec := &recorder{}
	op, _ := failNTimes(2, faults.Malformed(errors.New("eof"), "raw", "clean"))

	require.NoError(t, Do(context.Background(), rec.config(3), op))

	require.Len(t, rec.progress, 4)
	assert.Equal(t, "Response parse error (attempt 1 of 4). Retrying in 2s...", rec.progress[0])
	assert.Equal(t, "", rec.progress[1])
	assert.Equal(t, "Response parse error (attempt 2 of 4). Retrying in 4s...", rec.progress[2])
	assert.Equal(t, "", rec.progress[3])
}

func TestDo_LastErrorReturnedUnwrapped(t *testing.T) {
	rec := &recorder{}
	calls := 0
	var last error
	op := func(context.Context) error {
		calls++
		last = faults.EmptyResponse(fmt.Sprintf("empty #%d", calls))
		return last
	}

	err := Do(context.Background(), rec.config(2), op)
	assert.Equal(t, 3, calls)
	assert.Same(t, last, err)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxRetries:   5,
		InitialDelay: time.Hour,
	}
	calls := 0
	rateLimited := faults.RateLimited(errors.New("slow down"), 429)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		return rateLimited
	})
	assert.Same(t, rateLimited, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op, calls := failNTimes(0, nil)
	err := Do(ctx, DefaultConfig(), op)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, *calls)
}

func TestDoWithResult(t *testing.T) {
	rec := &recorder{}
	calls := 0

	got, err := DoWithResult(context.Background(), rec.config(2), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "partial", faults.Network(errors.New("reset"))
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", got)

	got, err = DoWithResult(context.Background(), rec.config(0), func(context.Context) (string, error) {
		return "ignored", errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, "", got)
}
