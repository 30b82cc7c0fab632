package embed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Config holds configuration for the OpenAI-compatible embedder.
type Config struct {
	Endpoint  string        `yaml:"endpoint" env:"EMBED_ENDPOINT"`
	Model     string        `yaml:"model" env:"EMBED_MODEL" env-default:"text-embedding-3-small"`
	APIKey    string        `yaml:"api_key" env:"EMBED_API_KEY"`
	Dimension int           `yaml:"dimension" env:"EMBED_DIMENSION" env-default:"1536"`
	Timeout   time.Duration `yaml:"timeout" env:"EMBED_TIMEOUT" env-default:"10s"`
	Retry     RetryConfig   `yaml:"retry"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

// Client embeds text through an OpenAI-compatible /embeddings endpoint.
type Client struct {
	client  *openai.Client
	model   string
	dim     int
	timeout time.Duration
	retry   RetryConfig
	breaker *Breaker
	logger  *zap.Logger
}

var _ Embedder = (*Client)(nil)

// NewClient creates an embedder for cfg.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("embedding endpoint is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimSuffix(cfg.Endpoint, "/")

	return &Client{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		dim:     cfg.Dimension,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		breaker: NewBreaker(cfg.Breaker),
		logger:  logger.Named("embed"),
	}, nil
}

// Dimension returns the configured vector size.
func (c *Client) Dimension() int { return c.dim }

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Embed returns the embedding of text. Failures trip the breaker; once open
// Embed fails fast with ErrUnavailable.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	vec, err := retryWithResult(ctx, c.retry, isRetryable, func() ([]float32, error) {
		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(c.model),
			Input: []string{text},
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
			return nil, fmt.Errorf("no embedding in response")
		}
		return resp.Data[0].Embedding, nil
	})
	if err != nil {
		c.breaker.RecordFailure()
		c.logger.Warn("embedding request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.String("breaker", c.breaker.State().String()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	c.breaker.RecordSuccess()

	if c.dim > 0 && len(vec) != c.dim {
		return nil, fmt.Errorf("embedding has %d dimensions, expected %d", len(vec), c.dim)
	}
	c.logger.Debug("embedding created",
		zap.Int("inputLen", len(text)),
		zap.Duration("elapsed", time.Since(start)))
	return vec, nil
}

// isRetryable retries rate limits, server errors and transport failures;
// other API errors are permanent.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return true
}
