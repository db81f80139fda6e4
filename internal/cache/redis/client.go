package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/power-budget/backend/internal/models"
	"github.com/power-budget/backend/pkg/logger"
)

const (
	modelsKey = "usage:models"
	dailyTTL  = 35 * 24 * time.Hour
)

// Usage is the accumulated token accounting of one model.
type Usage struct {
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	PromptTokens     int64  `json:"promptTokens"`
	CompletionTokens int64  `json:"completionTokens"`
}

// Client keeps token usage counters per model, in total and per UTC day.
type Client struct {
	client *redis.Client
	now    func() time.Time
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, eris.Wrap(err, "failed to connect to redis")
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return NewFromClient(client), nil
}

func NewFromClient(client *redis.Client) *Client {
	return &Client{client: client, now: time.Now}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func totalKey(model string) string {
	return "usage:" + model
}

func dailyKey(model string, day time.Time) string {
	return "usage:" + model + ":" + day.UTC().Format("2006-01-02")
}

// IncrUsage adds one request and its tokens to the model's counters.
func (c *Client) IncrUsage(ctx context.Context, model string, usage models.Usage) error {
	daily := dailyKey(model, c.now())

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range []string{totalKey(model), daily} {
			pipe.HIncrBy(ctx, key, "requests", 1)
			pipe.HIncrBy(ctx, key, "prompt_tokens", int64(usage.PromptTokens))
			pipe.HIncrBy(ctx, key, "completion_tokens", int64(usage.CompletionTokens))
		}
		pipe.Expire(ctx, daily, dailyTTL)
		pipe.SAdd(ctx, modelsKey, model)
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "failed to record usage for %s", model)
	}

	logger.Debug("Usage recorded",
		zap.String("model", model),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
	)
	return nil
}

// GetUsage returns the all-time counters of model, or the counters of a
// single day when day is non-zero.
func (c *Client) GetUsage(ctx context.Context, model string, day time.Time) (Usage, error) {
	key := totalKey(model)
	if !day.IsZero() {
		key = dailyKey(model, day)
	}

	values, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Usage{}, eris.Wrapf(err, "failed to read usage for %s", model)
	}

	u := Usage{Model: model}
	for field, dst := range map[string]*int64{
		"requests":          &u.Requests,
		"prompt_tokens":     &u.PromptTokens,
		"completion_tokens": &u.CompletionTokens,
	} {
		if raw, ok := values[field]; ok {
			if _, err := fmt.Sscan(raw, dst); err != nil {
				return Usage{}, eris.Wrapf(err, "invalid %s counter for %s", field, model)
			}
		}
	}
	return u, nil
}

// AllUsage returns all-time counters for every model seen.
func (c *Client) AllUsage(ctx context.Context) ([]Usage, error) {
	names, err := c.client.SMembers(ctx, modelsKey).Result()
	if err != nil {
		return nil, eris.Wrap(err, "failed to list models")
	}

	out := make([]Usage, 0, len(names))
	for _, name := range names {
		u, err := c.GetUsage(ctx, name, time.Time{})
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}
