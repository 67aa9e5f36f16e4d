package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// DefaultHashDimension is used when no dimension is configured.
const DefaultHashDimension = 256

// HashProvider is an offline provider based on feature hashing: every token is
// hashed into a bucket with a hashed sign. Texts sharing vocabulary get high
// cosine similarity and texts with disjoint vocabulary land near zero. Output
// is deterministic and no network is needed.
type HashProvider struct {
	dim int
}

// NewHashProvider returns a HashProvider producing vectors of dim entries.
func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = DefaultHashDimension
	}
	return &HashProvider{dim: dim}
}

func (p *HashProvider) Name() string   { return "hash" }
func (p *HashProvider) Dimension() int { return p.dim }

func (p *HashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dim)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dim))
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	return normalizeVector(vec), nil
}

func (p *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
