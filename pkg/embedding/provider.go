// Package embedding turns text into fixed-dimension vectors. Providers call an
// external model; Cache sits in front of a provider so identical text is only
// ever embedded once.
package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jmylchreest/recall/pkg/retry"
)

// Provider generates embeddings.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider name.
	Name() string

	// Dimension returns the embedding dimension.
	Dimension() int
}

// Config selects and configures a provider.
type Config struct {
	Provider   string // hash, openai, ollama
	Model      string
	Dimensions int
	BaseURL    string
	APIKey     string
}

// New builds the provider named in cfg.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "hash":
		return NewHashProvider(cfg.Dimensions), nil
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	case "ollama":
		return NewOllamaProvider(OllamaConfig{
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// singleAttemptClient is the HTTP client for remote providers. It does not
// retry: Cache wraps each provider call in the one retry policy.
func singleAttemptClient() *retry.Client {
	return retry.NewClient(retry.WithPolicy(retry.Policy{}))
}

// Normalize canonicalizes text before hashing and embedding: surrounding
// whitespace is trimmed, inner runs collapse to one space, and case is folded.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// CosineSimilarity returns the cosine similarity of a and b, or 0 when the
// lengths differ or either vector is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// normalizeVector scales v to unit length in place.
func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
