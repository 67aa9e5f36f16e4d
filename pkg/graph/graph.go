// Package graph maintains RelatesTo edges between memories: semantic
// auto-linking after commits, manual links, and bounded neighbourhood walks.
package graph

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jmylchreest/recall/pkg/embedding"
	"github.com/jmylchreest/recall/pkg/memory"
	"github.com/jmylchreest/recall/pkg/metrics"
	"github.com/jmylchreest/recall/pkg/store"
	"github.com/jmylchreest/recall/pkg/vector"
)

// Defaults for auto-linking and traversal.
const (
	DefaultTopN           = 5
	DefaultThreshold      = 0.7
	DefaultManualStrength = 0.8
	MinDepth              = 1
	MaxDepth              = 3
)

// Options configures a Linker.
type Options struct {
	TopN      int
	Threshold float64
	Async     bool // Run auto-linking in a tracked goroutine after commit
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Linker creates and walks edges.
type Linker struct {
	store   *store.BoltStore
	vectors vector.Index
	opts    Options
	log     *slog.Logger
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewLinker returns a Linker over s, finding candidates in vectors.
func NewLinker(s *store.BoltStore, vectors vector.Index, opts Options) *Linker {
	if opts.TopN <= 0 {
		opts.TopN = DefaultTopN
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Linker{
		store:   s,
		vectors: vectors,
		opts:    opts,
		log:     opts.Logger.With("component", "graph"),
		now:     time.Now,
	}
}

// ClampDepth bounds a traversal depth to [MinDepth, MaxDepth].
func ClampDepth(depth int) int {
	return min(max(depth, MinDepth), MaxDepth)
}

// AfterCommit links m to its nearest neighbours. It is registered as the
// memory store's post-commit hook. In async mode it returns nil immediately
// and Close waits for the work. Failures are logged: the commit already
// happened and does not depend on linking.
func (l *Linker) AfterCommit(ctx context.Context, m *memory.Memory) []*memory.Edge {
	if len(m.Embedding) == 0 || m.Deleted() {
		return nil
	}
	if l.opts.Async {
		snapshot := m.Clone()
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if _, err := l.autoLink(context.WithoutCancel(ctx), snapshot); err != nil {
				l.log.Warn("auto-link failed", "id", snapshot.ID, "error", err)
			}
		}()
		return nil
	}
	edges, err := l.autoLink(ctx, m)
	if err != nil {
		l.log.Warn("auto-link failed", "id", m.ID, "error", err)
	}
	return edges
}

// Close waits for in-flight asynchronous linking.
func (l *Linker) Close() {
	l.wg.Wait()
}

type candidate struct {
	id  string
	sim float64
}

func (l *Linker) autoLink(ctx context.Context, m *memory.Memory) ([]*memory.Edge, error) {
	hits, err := l.vectors.Query(ctx, m.Embedding, l.opts.TopN, func(id string, _ vector.Attrs) bool {
		return id != m.ID
	})
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	var created []*memory.Edge
	err = l.store.Update(func(tx *store.Tx) error {
		// Similarity is always cosine on the stored vectors so the threshold
		// means the same thing whatever metric the index ranks by.
		var picks []candidate
		for _, h := range hits {
			other, err := tx.GetMemory(h.ID)
			if err != nil || other.Deleted() || len(other.Embedding) == 0 {
				continue
			}
			sim := embedding.CosineSimilarity(m.Embedding, other.Embedding)
			if sim > l.opts.Threshold {
				picks = append(picks, candidate{id: other.ID, sim: sim})
			}
		}
		slices.SortFunc(picks, func(a, b candidate) int {
			if c := cmp.Compare(b.sim, a.sim); c != 0 {
				return c
			}
			return cmp.Compare(a.id, b.id)
		})

		now := l.now()
		for _, p := range picks {
			e := &memory.Edge{
				From:      m.ID,
				To:        p.id,
				Strength:  min(max(p.sim, 0), 1),
				Reason:    memory.ReasonSemanticSimilarity,
				Auto:      true,
				CreatedAt: now,
			}
			ok, err := tx.PutEdge(e)
			if err != nil {
				return err
			}
			if ok {
				created = append(created, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.opts.Metrics.LinksCreated(len(created))
	if len(created) > 0 {
		l.log.Debug("auto-linked", "id", m.ID, "edges", len(created))
	}
	return created, nil
}

// Link creates a manual edge from -> to. An existing edge for the pair is
// returned unchanged. A nil strength uses DefaultManualStrength and an empty
// reason becomes "manual".
func (l *Linker) Link(ctx context.Context, from, to, reason string, strength *float64) (*memory.Edge, error) {
	const op = "link"
	if from == "" {
		return nil, memory.Validation(op, "from_id", "from_id is required")
	}
	if to == "" {
		return nil, memory.Validation(op, "to_id", "to_id is required")
	}
	if from == to {
		return nil, memory.Validation(op, "to_id", "a memory cannot link to itself")
	}
	s := DefaultManualStrength
	if strength != nil {
		s = *strength
	}
	if s < 0 || s > 1 {
		return nil, memory.Validation(op, "strength", "strength must be within [0, 1]")
	}
	if reason == "" {
		reason = memory.ReasonManual
	}

	var edge *memory.Edge
	err := l.store.Update(func(tx *store.Tx) error {
		for _, id := range []string{from, to} {
			if !tx.HasMemory(id) {
				return memory.NotFound(op, id)
			}
		}
		if existing, err := tx.GetEdge(from, to); err == nil {
			edge = existing
			return nil
		}
		edge = &memory.Edge{From: from, To: to, Strength: s, Reason: reason, CreatedAt: l.now()}
		_, err := tx.PutEdge(edge)
		return err
	})
	if err != nil {
		return nil, classify(op, from, err)
	}
	return edge, nil
}

// Unlink removes the edge from -> to and reports whether it existed.
func (l *Linker) Unlink(ctx context.Context, from, to string) (bool, error) {
	if from == "" || to == "" {
		return false, memory.Validation("unlink", "from_id", "from_id and to_id are required")
	}
	var removed bool
	err := l.store.Update(func(tx *store.Tx) error {
		var err error
		removed, err = tx.DeleteEdge(from, to)
		return err
	})
	if err != nil {
		return false, memory.StoreFailure("unlink", from, err)
	}
	return removed, nil
}

// Traverse runs a breadth-first walk from id over edges in both directions,
// up to depth hops (clamped to [MinDepth, MaxDepth]). Each reachable live
// record appears once, at its shortest hop distance, with the edge that first
// reached it. Tombstoned records are neither returned nor walked through.
func Traverse(tx *store.Tx, id string, depth int) ([]memory.Related, error) {
	depth = ClampDepth(depth)
	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []memory.Related

	for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
		var next []string
		for _, cur := range frontier {
			edges, err := tx.Neighbors(cur)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				other := e.To
				if other == cur {
					other = e.From
				}
				if visited[other] {
					continue
				}
				visited[other] = true
				m, err := tx.GetMemory(other)
				if err != nil || m.Deleted() {
					continue
				}
				out = append(out, memory.Related{ID: m.ID, Kind: m.Kind, Title: m.Title, Hop: hop, Edge: e})
				next = append(next, other)
			}
		}
		slices.Sort(next)
		frontier = next
	}
	return out, nil
}

func classify(op, id string, err error) error {
	var me *memory.Error
	if errors.As(err, &me) {
		return err
	}
	return memory.StoreFailure(op, id, err)
}
