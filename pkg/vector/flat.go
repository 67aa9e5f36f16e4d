package vector

import (
	"context"
	"math"
	"slices"
	"sync"
)

type flatEntry struct {
	vec   []float32
	attrs Attrs
}

// FlatIndex scores every stored vector on each query. It backs the dot and
// euclidean metrics, which chromem-go does not offer.
type FlatIndex struct {
	mu      sync.RWMutex
	metric  Metric
	dim     int
	entries map[string]flatEntry
}

// NewFlatIndex creates an empty exhaustive index.
func NewFlatIndex(metric Metric, dim int) *FlatIndex {
	return &FlatIndex{metric: metric, dim: dim, entries: map[string]flatEntry{}}
}

func (f *FlatIndex) Metric() Metric { return f.metric }

func (f *FlatIndex) Reset() error {
	f.mu.Lock()
	f.entries = map[string]flatEntry{}
	f.mu.Unlock()
	return nil
}

func (f *FlatIndex) Upsert(_ context.Context, id string, vec []float32, attrs Attrs) error {
	if err := checkDim(f.dim, vec); err != nil {
		return err
	}
	f.mu.Lock()
	f.entries[id] = flatEntry{vec: slices.Clone(vec), attrs: attrs}
	f.mu.Unlock()
	return nil
}

func (f *FlatIndex) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	delete(f.entries, id)
	f.mu.Unlock()
	return nil
}

func (f *FlatIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

func (f *FlatIndex) Query(ctx context.Context, vec []float32, k int, filter Filter) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	if err := checkDim(f.dim, vec); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	hits := make([]Hit, 0, len(f.entries))
	for id, e := range f.entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if filter != nil && !filter(id, e.attrs) {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: f.score(vec, e.vec)})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *FlatIndex) score(a, b []float32) float64 {
	switch f.metric {
	case MetricEuclidean:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return 1 / (1 + math.Sqrt(sum))
	default:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return dot
	}
}
