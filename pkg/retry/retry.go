package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/power-budget/backend/pkg/faults"
)

// Config controls one logical operation. MaxRetries is the number of
// additional attempts after the first one fails, so an operation that fails
// R times succeeds only when MaxRetries >= R.
type Config struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64

	// Classify maps an error to a failure kind; defaults to faults.Classify.
	Classify func(error) faults.Kind

	// OnProgress receives "" before every attempt after the first and a
	// human-readable status when a retryable failure is about to be retried.
	OnProgress func(message string)

	// OnRetry is called with the failure kind before each backoff wait.
	OnRetry func(kind faults.Kind, attempt int)

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		Logger:       zap.NewNop(),
	}
}

func Do(ctx context.Context, cfg Config, operation func(ctx context.Context) error) error {
	cfg = applyDefaults(cfg)

	var lastErr error
	delay := cfg.InitialDelay
	attempts := cfg.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if attempt > 1 {
			cfg.OnProgress("")
		}

		err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				cfg.Logger.Info("Operation succeeded after retry",
					zap.Int("attempt", attempt),
				)
			}
			return nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}

		kind := cfg.Classify(err)
		if !kind.Retryable() {
			cfg.Logger.Debug("Error not retryable",
				zap.Error(err),
				zap.String("kind", string(kind)),
				zap.Int("attempt", attempt),
			)
			return err
		}

		if attempt == attempts {
			break
		}

		wait := addJitter(delay, cfg.JitterFraction)

		cfg.Logger.Warn("Operation failed, retrying",
			zap.Error(err),
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("delay", wait),
		)

		if cfg.OnRetry != nil {
			cfg.OnRetry(kind, attempt)
		}
		cfg.OnProgress(ProgressMessage(kind, attempt, attempts, wait))

		if err := cfg.Sleep(ctx, wait); err != nil {
			return lastErr
		}

		delay = time.Duration(math.Min(float64(cfg.MaxDelay), float64(delay)*cfg.Multiplier))
	}

	cfg.Logger.Warn("Retries exhausted",
		zap.Error(lastErr),
		zap.Int("attempts", attempts),
	)

	return lastErr
}

func DoWithResult[T any](ctx context.Context, cfg Config, operation func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		result, err = operation(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// ProgressMessage formats the status shown while waiting to retry.
func ProgressMessage(kind faults.Kind, attempt, attempts int, wait time.Duration) string {
	return fmt.Sprintf("%s (attempt %d of %d). Retrying in %s...",
		kind.Label(), attempt, attempts, wait.Round(100*time.Millisecond))
}

func applyDefaults(cfg Config) Config {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.Classify == nil {
		cfg.Classify = faults.Classify
	}
	if cfg.OnProgress == nil {
		cfg.OnProgress = func(string) {}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func addJitter(duration time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 {
		return duration
	}

	jitter := time.Duration(rand.Float64() * float64(duration) * jitterFraction)
	if rand.Intn(2) == 0 {
		return duration - jitter
	}
	return duration + jitter
}
