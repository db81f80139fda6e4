package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/power-budget/backend/pkg/faults"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("llm", cfg)
	cb.now = clock.now
	cb.toNewGeneration(clock.now())
	return cb, clock
}

func fail(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterBackendFailures(t *testing.T) {
	var transitions []string
	cb, _ := newTestBreaker(Config{
		FailureThreshold: 3,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()
	netErr := faults.Network(errors.New("reset"))

	for i := 0; i < 3; i++ {
		assert.Same(t, netErr, cb.Execute(ctx, fail(netErr)))
	}

	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
	assert.Equal(t, []string{"closed->open"}, transitions)
}

func TestBreaker_MalformedResponsesDoNotTrip(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 2})
	ctx := context.Background()
	malformed := faults.Malformed(errors.New("eof"), "", "")

	for i := 0; i < 5; i++ {
		assert.Same(t, malformed, cb.Execute(ctx, fail(malformed)))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		MaxRequests:      2,
		Timeout:          10 * time.Second,
	})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail(faults.RateLimited(errors.New("429"), 429))))
	assert.Equal(t, StateOpen, cb.State())

	clock.t = clock.t.Add(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Second})
	ctx := context.Background()
	netErr := faults.Network(errors.New("refused"))

	require.Error(t, cb.Execute(ctx, fail(netErr)))
	clock.t = clock.t.Add(2 * time.Second)
	require.Error(t, cb.Execute(ctx, fail(netErr)))
	assert.Equal(t, StateOpen, cb.State())
}

func TestExecuteVal_PreservesResult(t *testing.T) {
	cb, _ := newTestBreaker(Config{})

	got, err := ExecuteVal(context.Background(), cb, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, uint32(1), cb.Counts().TotalSuccesses)
}

func TestErrCircuitOpen_IsRetryable(t *testing.T) {
	assert.True(t, faults.Classify(ErrCircuitOpen).Retryable())
}
