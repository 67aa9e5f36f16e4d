// Package vector provides the nearest-neighbour index over memory embeddings.
package vector

import (
	"cmp"
	"context"
	"fmt"
	"slices"
)

// Metric is the distance function used to rank neighbours.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricDot       Metric = "dot"
	MetricEuclidean Metric = "euclidean"
)

// Attrs are the filterable attributes stored alongside a vector.
type Attrs struct {
	Kind    string
	Project string
	Tags    []string
}

// Filter decides whether a candidate may be returned. A nil Filter admits all.
type Filter func(id string, attrs Attrs) bool

// Hit is one query result. Higher Score is more similar for every metric.
type Hit struct {
	ID    string
	Score float64
}

// Index is a vector index keyed by memory id.
type Index interface {
	Upsert(ctx context.Context, id string, vec []float32, attrs Attrs) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, vec []float32, k int, filter Filter) ([]Hit, error)
	Len() int
	Metric() Metric
	Reset() error
}

// New returns an index for metric. Cosine is served by chromem-go; the other
// metrics use an exhaustive in-process scan.
func New(metric Metric, dim int) (Index, error) {
	switch metric {
	case "", MetricCosine:
		return NewChromemIndex(dim)
	case MetricDot, MetricEuclidean:
		return NewFlatIndex(metric, dim), nil
	default:
		return nil, fmt.Errorf("unknown vector metric %q", metric)
	}
}

func sortHits(hits []Hit) {
	slices.SortStableFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func checkDim(dim int, vec []float32) error {
	if dim > 0 && len(vec) != dim {
		return fmt.Errorf("vector has %d dimensions, index expects %d", len(vec), dim)
	}
	return nil
}
