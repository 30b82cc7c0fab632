// Package embed provides text embedding collaborators: an
// OpenAI-compatible client guarded by a circuit breaker and retries, and a
// deterministic hashing embedder that needs no network.
package embed

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the embedding provider is not reachable
// or the breaker is open.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Func adapts a plain function into an Embedder.
type Func struct {
	Fn  func(ctx context.Context, text string) ([]float32, error)
	Dim int
}

func (f Func) Embed(ctx context.Context, text string) ([]float32, error) { return f.Fn(ctx, text) }
func (f Func) Dimension() int                                            { return f.Dim }

var _ Embedder = Func{}
