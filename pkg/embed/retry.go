package embed

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior with exponential backoff.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries" env:"EMBED_MAX_RETRIES" env-default:"2"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"EMBED_RETRY_DELAY" env-default:"200ms"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"EMBED_RETRY_MAX_DELAY" env-default:"2s"`
	Multiplier   float64       `yaml:"multiplier" env-default:"2"`
	JitterFactor float64       `yaml:"jitter" env-default:"0.1"`
}

// DefaultRetryConfig retries twice starting at 200ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// retryWithResult runs fn until it succeeds, retryable reports false, or
// the retries run out. Waiting respects ctx.
func retryWithResult[T any](ctx context.Context, cfg RetryConfig, retryable func(error) bool, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error
	delay := cfg.InitialDelay
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		result, lastErr = r, err
		if !retryable(err) || attempt == cfg.MaxRetries {
			break
		}
		select {
		case <-time.After(applyJitter(delay, cfg.JitterFactor)):
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
	return result, lastErr
}
