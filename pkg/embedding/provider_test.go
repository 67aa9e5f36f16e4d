package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHashProvider(t *testing.T) {
	p := NewHashProvider(256)
	ctx := context.Background()

	a, _ := p.Embed(ctx, "retry with exponential backoff")
	b, _ := p.Embed(ctx, "retry with exponential backoff and jitter")
	c, _ := p.Embed(ctx, "format strings with padding")

	if len(a) != 256 {
		t.Fatalf("dimension = %d, want 256", len(a))
	}
	if sim := CosineSimilarity(a, b); sim < 0.7 {
		t.Errorf("near-duplicates similarity = %.3f, want >= 0.7", sim)
	}
	if sim := CosineSimilarity(a, c); sim > 0.5 {
		t.Errorf("unrelated similarity = %.3f, want <= 0.5", sim)
	}

	again, _ := p.Embed(ctx, "retry with exponential backoff")
	if CosineSimilarity(a, again) < 0.9999 {
		t.Error("hash provider should be deterministic")
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CosineSimilarity(tt.a, tt.b); got < tt.want-1e-9 || got > tt.want+1e-9 {
				t.Errorf("CosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	t.Run("default is hash", func(t *testing.T) {
		p, err := New(Config{})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if p.Name() != "hash" || p.Dimension() != DefaultHashDimension {
			t.Errorf("got %s/%d", p.Name(), p.Dimension())
		}
	})
	t.Run("openai needs key", func(t *testing.T) {
		if _, err := New(Config{Provider: "openai"}); err == nil {
			t.Error("expected error without API key")
		}
	})
	t.Run("unknown", func(t *testing.T) {
		if _, err := New(Config{Provider: "word2vec"}); err == nil {
			t.Error("expected error for unknown provider")
		}
	})
}

func TestOllamaProvider_EmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		resp := ollamaEmbedResponse{}
		for range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{0.1, 0.2, 0.3})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL + "/", Dimensions: 3})
	if err != nil {
		t.Fatalf("NewOllamaProvider: %v", err)
	}
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 || len(vecs[0]) != 3 {
		t.Errorf("unexpected vectors: %v", vecs)
	}
}

func TestOllamaProvider_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p, _ := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL})
	if _, err := p.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestOpenAIProvider_EmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0, 1]},
				{"object": "embedding", "index": 0, "embedding": [1, 0]}
			],
			"usage": {"prompt_tokens": 2, "total_tokens": 2}
		}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1", Dimensions: 2})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	vecs, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vectors not ordered by index: %v", vecs)
	}
}

// =============================================================================
// Retries through the cache
// =============================================================================

func TestCache_RemoteProviderAttempts(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int // Response per attempt; the last repeats
		wantErr  bool
		wantHits int32
	}{
		{"unavailable is retried once", []int{http.StatusServiceUnavailable}, true, 2},
		{"recovers on retry", []int{http.StatusBadGateway, http.StatusOK}, false, 2},
		{"bad request is not retried", []int{http.StatusBadRequest}, true, 1},
		{"missing model is not retried", []int{http.StatusNotFound}, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				n := int(hits.Add(1))
				status := tt.statuses[min(n, len(tt.statuses))-1]
				if status != http.StatusOK {
					http.Error(w, "unavailable", status)
					return
				}
				_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{0.6, 0.8}}})
			}))
			defer srv.Close()

			p, _ := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL, Dimensions: 2})
			c := newTestCache(t, p, nil)
			_, err := c.Embed(context.Background(), "retry budget")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Embed error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := hits.Load(); got != tt.wantHits {
				t.Errorf("HTTP attempts = %d, want %d", got, tt.wantHits)
			}
		})
	}
}

func TestCache_OpenAIAuthFailureNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "invalid api key", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "bad", BaseURL: srv.URL + "/v1", Dimensions: 2})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	c := newTestCache(t, p, nil)
	if _, err := c.Embed(context.Background(), "anything"); err == nil {
		t.Fatal("expected an error for 401")
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("HTTP attempts = %d, want 1", got)
	}
}
