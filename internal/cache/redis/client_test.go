package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/power-budget/backend/internal/models"
)

func TestKeys(t *testing.T) {
	day := time.Date(2026, 5, 4, 23, 30, 0, 0, time.FixedZone("PDT", -7*3600))
	assert.Equal(t, "usage:gpt-4o", totalKey("gpt-4o"))
	assert.Equal(t, "usage:gpt-4o:2026-05-05", dailyKey("gpt-4o", day))
}

// Runs against a live server when POWER_BUDGET_TEST_REDIS_ADDR is set.
func TestUsageCounters(t *testing.T) {
	addr := os.Getenv("POWER_BUDGET_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POWER_BUDGET_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	raw := redis.NewClient(&redis.Options{Addr: addr})
	c := NewFromClient(raw)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Ping(ctx))

	fixed := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }
	model := "test-" + uuid.NewString()
	t.Cleanup(func() {
		raw.Del(ctx, totalKey(model), dailyKey(model, fixed))
		raw.SRem(ctx, modelsKey, model)
	})

	require.NoError(t, c.IncrUsage(ctx, model, models.Usage{PromptTokens: 100, CompletionTokens: 40}))
	require.NoError(t, c.IncrUsage(ctx, model, models.Usage{PromptTokens: 50, CompletionTokens: 10}))

	total, err := c.GetUsage(ctx, model, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, Usage{Model: model, Requests: 2, PromptTokens: 150, CompletionTokens: 50}, total)

	daily, err := c.GetUsage(ctx, model, fixed)
	require.NoError(t, err)
	assert.Equal(t, total, daily)

	other, err := c.GetUsage(ctx, model, fixed.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Zero(t, other.Requests)

	all, err := c.AllUsage(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, total)
}
