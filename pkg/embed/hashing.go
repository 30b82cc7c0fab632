package embed

import (
	"context"
	"hash/fnv"

	"github.com/kittclouds/kittvault/pkg/resorank"
)

// Hashing embeds text by feature hashing its tokens (and adjacent token
// pairs) into a fixed number of signed buckets. Texts sharing vocabulary
// land near each other; no model or network is involved.
type Hashing struct {
	dim int
}

var _ Embedder = Hashing{}

// NewHashing returns a hashing embedder of dimension dim (256 if dim <= 0).
func NewHashing(dim int) Hashing {
	if dim <= 0 {
		dim = 256
	}
	return Hashing{dim: dim}
}

func (h Hashing) Dimension() int { return h.dim }

// Embed never fails except on a cancelled context. Text without tokens
// embeds to the zero vector.
func (h Hashing) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, h.dim)
	tokens := resorank.Tokenize(text)
	for i, tok := range tokens {
		h.add(vec, tok, 1)
		if i > 0 {
			h.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	resorank.Normalize(vec)
	return vec, nil
}

func (h Hashing) add(vec []float32, feature string, weight float32) {
	f := fnv.New64a()
	f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dim))
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}
