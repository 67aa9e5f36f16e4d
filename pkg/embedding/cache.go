package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/jmylchreest/recall/pkg/retry"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize is the number of vectors kept in the in-process tier.
const DefaultCacheSize = 1000

// Durable is the persistent cache tier, keyed by content hash.
type Durable interface {
	GetEmbedding(key string) ([]float32, bool, error)
	PutEmbedding(key string, vec []float32) error
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	Size    int           // In-process entries; 0 uses DefaultCacheSize
	Timeout time.Duration // Per provider call; 0 means no extra bound
	Retry   retry.Policy
	Logger  *slog.Logger
}

// CacheStats counts cache traffic.
type CacheStats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	ProviderCalls uint64 `json:"provider_calls"`
}

// Cache maps normalized text to vectors. Lookups try the in-process tier, then
// the durable tier, and only then the provider; concurrent misses for the same
// text share one provider call.
type Cache struct {
	provider Provider
	hot      *ristretto.Cache
	durable  Durable
	group    singleflight.Group
	opts     CacheOptions
	log      *slog.Logger

	hits, misses, calls atomic.Uint64
}

// NewCache wraps provider. durable may be nil for a process-local cache.
func NewCache(provider Provider, durable Durable, opts CacheOptions) (*Cache, error) {
	if opts.Size <= 0 {
		opts.Size = DefaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(opts.Size) * 10,
		MaxCost:     int64(opts.Size),
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Cache{
		provider: provider,
		hot:      hot,
		durable:  durable,
		opts:     opts,
		log:      opts.Logger.With("component", "embedding"),
	}, nil
}

// Key returns the cache key for text: the hex SHA-256 of its normalized form.
func Key(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Dimension is the provider's vector length.
func (c *Cache) Dimension() int { return c.provider.Dimension() }

// ProviderName names the underlying provider.
func (c *Cache) ProviderName() string { return c.provider.Name() }

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), ProviderCalls: c.calls.Load()}
}

// Close releases the in-process tier.
func (c *Cache) Close() {
	c.hot.Close()
}

// Embed returns the vector for text, calling the provider only on a miss in
// both tiers. The returned slice is owned by the caller.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := Key(text)
	if vec, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return slices.Clone(vec), nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if vec, ok := c.lookup(key); ok {
			return vec, nil
		}
		c.misses.Add(1)
		var vec []float32
		err := c.callProvider(ctx, func(ctx context.Context) error {
			var err error
			vec, err = c.provider.Embed(ctx, Normalize(text))
			return err
		})
		if err != nil {
			return nil, err
		}
		if err := c.checkDimension(vec); err != nil {
			return nil, err
		}
		c.store(key, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]float32)), nil
}

// EmbedBatch embeds texts in order. Cached texts are served from the cache and
// the remaining distinct texts go to the provider in a single batch.
func (c *Cache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	pending := map[string][]int{}
	var missTexts, missKeys []string

	for i, t := range texts {
		keys[i] = Key(t)
		if vec, ok := c.lookup(keys[i]); ok {
			c.hits.Add(1)
			out[i] = slices.Clone(vec)
			continue
		}
		if _, seen := pending[keys[i]]; !seen {
			missTexts = append(missTexts, Normalize(t))
			missKeys = append(missKeys, keys[i])
		}
		pending[keys[i]] = append(pending[keys[i]], i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	c.misses.Add(uint64(len(missTexts)))
	var vecs [][]float32
	err := c.callProvider(ctx, func(ctx context.Context) error {
		var err error
		vecs, err = c.provider.EmbedBatch(ctx, missTexts)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for j, vec := range vecs {
		if err := c.checkDimension(vec); err != nil {
			return nil, err
		}
		c.store(missKeys[j], vec)
		for _, i := range pending[missKeys[j]] {
			out[i] = slices.Clone(vec)
		}
	}
	return out, nil
}

func (c *Cache) callProvider(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, c.opts.Retry, func(ctx context.Context) error {
		c.calls.Add(1)
		if c.opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
		}
		return fn(ctx)
	})
}

func (c *Cache) checkDimension(vec []float32) error {
	if want := c.provider.Dimension(); want > 0 && len(vec) != want {
		return fmt.Errorf("provider %s returned %d dimensions, want %d", c.provider.Name(), len(vec), want)
	}
	return nil
}

func (c *Cache) lookup(key string) ([]float32, bool) {
	if v, ok := c.hot.Get(key); ok {
		return v.([]float32), true
	}
	if c.durable == nil {
		return nil, false
	}
	vec, ok, err := c.durable.GetEmbedding(key)
	if err != nil {
		c.log.Warn("durable cache lookup failed", "key", key, "error", err)
		return nil, false
	}
	if ok {
		c.hot.Set(key, vec, 1)
	}
	return vec, ok
}

func (c *Cache) store(key string, vec []float32) {
	if c.durable != nil {
		if err := c.durable.PutEmbedding(key, vec); err != nil {
			c.log.Warn("durable cache write failed", "key", key, "error", err)
		}
	}
	c.hot.Set(key, vec, 1)
	c.hot.Wait()
}
