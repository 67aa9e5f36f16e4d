package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmylchreest/recall/pkg/retry"
	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider embeds text with the OpenAI embeddings API.
type OpenAIProvider struct {
	client     *openai.Client
	model      string
	dimensions int
}

// OpenAIConfig configures OpenAIProvider.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string // Optional custom base URL (Azure, proxies)
	Model      string // text-embedding-3-small or text-embedding-3-large
	Dimensions int    // Optional truncation supported by the v3 models
}

// NewOpenAIProvider creates an OpenAI provider. Transient 429/5xx failures
// are retried by Cache; other API errors are returned as permanent.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	config.HTTPClient = singleAttemptClient()

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(config),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Dimension returns the configured dimension, or the model's native one.
func (p *OpenAIProvider) Dimension() int {
	if p.dimensions > 0 {
		return p.dimensions
	}
	switch p.model {
	case string(openai.LargeEmbedding3):
		return 3072
	default:
		return 1536
	}
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vecs[0], nil
}

func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: p.dimensions,
	})
	if err != nil {
		return nil, classifyOpenAIError(fmt.Errorf("create embeddings: %w", err))
	}

	results := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(results) {
			return nil, fmt.Errorf("embedding index %d out of range", data.Index)
		}
		results[data.Index] = data.Embedding
	}
	for i, r := range results {
		if r == nil {
			return nil, fmt.Errorf("no embedding returned for input %d", i)
		}
	}
	return results, nil
}

// classifyOpenAIError marks API errors with a non-transient status as
// permanent. Transport failures and 429/5xx stay retryable.
func classifyOpenAIError(err error) error {
	var status int
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status != 0 && !retry.RetryableStatus(status) {
		return retry.Permanent(err)
	}
	return err
}
