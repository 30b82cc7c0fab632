package graphcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/kittclouds/kittvault/internal/model"
	"github.com/kittclouds/kittvault/pkg/vector"
)

// StoreEmbedding attaches vec to the node id. The node must exist.
func (c *Cache) StoreEmbedding(ctx context.Context, id string, vec []float32) error {
	n, err := c.GetNode(ctx, id)
	if err != nil {
		return err
	}
	if n == nil {
		return model.NotFound("node", id)
	}
	if err := c.vectors.Add(id, string(n.Type), vec); err != nil {
		return fmt.Errorf("store embedding for %s: %w", id, err)
	}
	return nil
}

// HasEmbedding reports whether id has a stored vector.
func (c *Cache) HasEmbedding(id string) bool {
	return c.vectors.Has(id)
}

// VectorSearch returns up to k nodes nearest to vec by cosine similarity,
// optionally restricted to types. It returns ErrVectorUnavailable when no
// embeddings are stored or vec has the wrong dimension.
func (c *Cache) VectorSearch(ctx context.Context, vec []float32, k int, types ...model.EntityType) ([]Hit, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if c.vectors.Len() == 0 {
		return nil, ErrVectorUnavailable
	}
	hits, err := c.vectors.Search(vec, k, typeStrings(types)...)
	if errors.Is(err, vector.ErrDimension) {
		return nil, fmt.Errorf("%w: %w", ErrVectorUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		n, err := c.GetNode(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		if n != nil {
			out = append(out, Hit{Node: n, Score: h.Score})
		}
	}
	return out, nil
}

// FulltextSearch ranks cached nodes against text with BM25F over name,
// tags and body.
func (c *Cache) FulltextSearch(ctx context.Context, text string, k int, types ...model.EntityType) ([]Hit, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	results := c.text.Search(text, k, typeStrings(types)...)
	out := make([]Hit, 0, len(results))
	for _, r := range results {
		n, err := c.GetNode(ctx, r.DocID)
		if err != nil {
			return nil, err
		}
		if n != nil {
			out = append(out, Hit{Node: n, Score: r.Score})
		}
	}
	return out, nil
}

func typeStrings(types []model.EntityType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		if t != "" {
			out = append(out, string(t))
		}
	}
	return out
}
