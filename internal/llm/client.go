package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/power-budget/backend/internal/models"
	"github.com/power-budget/backend/pkg/circuitbreaker"
	"github.com/power-budget/backend/pkg/faults"
)

// Completer is a single chat completion round trip. The analyzer depends on
// this rather than on *Client.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration

	// RequestsPerMinute paces calls client-side; zero disables pacing.
	RequestsPerMinute int

	HTTPClient    *http.Client
	OnStateChange func(name string, from, to circuitbreaker.State)
	Logger        *zap.Logger
}

type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration

	httpClient *http.Client
	limiter    *rate.Limiter
	cb         *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

// CompletionRequest carries the caller's credential; it is used for this
// call only and never stored on the client.
type CompletionRequest struct {
	APIKey       string
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
	JSONMode     bool
}

type CompletionResponse struct {
	Content      string
	Model        string
	FinishReason string
	Usage        models.Usage
}

func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		OnStateChange:    cfg.OnStateChange,
		Logger:           cfg.Logger,
	})

	cfg.Logger.Info("LLM client initialized",
		zap.String("base_url", cfg.BaseURL),
		zap.String("model", cfg.Model),
		zap.Int("max_tokens", cfg.MaxTokens),
		zap.Int("requests_per_minute", cfg.RequestsPerMinute),
	)

	return &Client{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		httpClient:  cfg.HTTPClient,
		limiter:     rate.NewLimiter(limit, 1),
		cb:          cb,
		logger:      cfg.Logger,
	}
}

// DefaultModel is the model used when a request does not name one.
func (c *Client) DefaultModel() string {
	return c.model
}

func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.cb
}

// Complete sends one chat completion. Failures are returned as classified
// *faults.Error values so the retry orchestrator can decide what to repeat.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	apiKey := strings.TrimSpace(req.APIKey)
	if apiKey == "" {
		apiKey = c.apiKey
	}
	if apiKey == "" {
		return nil, faults.Configuration("an API key is required to call the model backend")
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "waiting for request slot")
	}

	oc := c.newOpenAIClient(apiKey)

	chatReq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.SystemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: req.UserPrompt,
			},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	started := time.Now()
	resp, err := circuitbreaker.ExecuteVal(ctx, c.cb, func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		if c.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		resp, err := oc.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return resp, classify(err)
		}
		return resp, nil
	})
	if err != nil {
		c.logger.Debug("LLM completion failed",
			zap.String("model", model),
			zap.String("kind", string(faults.Classify(err))),
			zap.Error(err),
		)
		return nil, err
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, faults.EmptyResponse("model returned an empty response")
	}

	c.logger.Debug("LLM completion generated",
		zap.String("model", model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Duration("elapsed", time.Since(started)),
	)

	return &CompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (c *Client) newOpenAIClient(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if c.baseURL != "" {
		cfg.BaseURL = strings.TrimRight(c.baseURL, "/")
	}
	cfg.HTTPClient = c.httpClient
	return openai.NewClientWithConfig(cfg)
}

// classify maps go-openai errors onto the fault taxonomy. Authorization
// failures are configuration errors and are never retried.
func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return faults.RateLimited(err, status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e := faults.Wrap(faults.KindConfiguration, err, "model backend rejected the API key")
		e.StatusCode = status
		return e
	case status >= http.StatusInternalServerError:
		e := faults.Network(err)
		e.StatusCode = status
		return e
	case status != 0:
		return eris.Wrapf(err, "model backend returned status %d", status)
	}

	switch faults.Classify(err) {
	case faults.KindRateLimited:
		return faults.RateLimited(err, 0)
	case faults.KindNetwork:
		return faults.Network(err)
	default:
		return eris.Wrap(err, "chat completion failed")
	}
}
