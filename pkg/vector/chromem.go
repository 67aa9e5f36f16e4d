package vector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
)

const (
	collectionName = "memories"
	tagSeparator   = "\x1f"
)

// ChromemIndex is a cosine index backed by an in-memory chromem-go collection.
// It is rebuilt from the record store on startup.
type ChromemIndex struct {
	mu  sync.RWMutex
	db  *chromem.DB
	col *chromem.Collection
	dim int
}

// NewChromemIndex creates an empty cosine index.
func NewChromemIndex(dim int) (*ChromemIndex, error) {
	idx := &ChromemIndex{dim: dim}
	if err := idx.Reset(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (c *ChromemIndex) Metric() Metric { return MetricCosine }

// Reset drops every vector.
func (c *ChromemIndex) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	db := chromem.NewDB()
	col, err := db.CreateCollection(collectionName, nil, noEmbedding)
	if err != nil {
		return fmt.Errorf("create vector collection: %w", err)
	}
	c.db, c.col = db, col
	return nil
}

// noEmbedding is installed as the collection's embedding func. Vectors are
// always supplied by the caller, so reaching it is a bug.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("vector index does not embed text")
}

func (c *ChromemIndex) Upsert(ctx context.Context, id string, vec []float32, attrs Attrs) error {
	if err := checkDim(c.dim, vec); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Embedding: append([]float32(nil), vec...),
		Metadata: map[string]string{
			"kind":    attrs.Kind,
			"project": attrs.Project,
			"tags":    strings.Join(attrs.Tags, tagSeparator),
		},
	})
}

func (c *ChromemIndex) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.col.Delete(ctx, nil, nil, id)
}

func (c *ChromemIndex) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.col.Count()
}

// Query returns up to k hits passing filter. Filtering happens after the
// collection query, so the fetch window widens until k hits pass or the
// collection is exhausted.
func (c *ChromemIndex) Query(ctx context.Context, vec []float32, k int, filter Filter) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	if err := checkDim(c.dim, vec); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.col.Count()
	if total == 0 {
		return nil, nil
	}
	window := min(total, k)
	if filter != nil {
		window = min(total, k*4)
	}

	for {
		results, err := c.col.QueryEmbedding(ctx, vec, window, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("query vector collection: %w", err)
		}
		hits := make([]Hit, 0, min(k, len(results)))
		for _, r := range results {
			attrs := Attrs{Kind: r.Metadata["kind"], Project: r.Metadata["project"]}
			if t := r.Metadata["tags"]; t != "" {
				attrs.Tags = strings.Split(t, tagSeparator)
			}
			if filter != nil && !filter(r.ID, attrs) {
				continue
			}
			hits = append(hits, Hit{ID: r.ID, Score: float64(r.Similarity)})
		}
		sortHits(hits)
		if len(hits) >= k || window >= total {
			if len(hits) > k {
				hits = hits[:k]
			}
			return hits, nil
		}
		window = min(total, window*2)
	}
}
