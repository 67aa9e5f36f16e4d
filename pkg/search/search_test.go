package search

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmylchreest/recall/pkg/embedding"
	"github.com/jmylchreest/recall/pkg/engine"
	"github.com/jmylchreest/recall/pkg/graph"
	"github.com/jmylchreest/recall/pkg/memory"
	"github.com/jmylchreest/recall/pkg/retry"
	"github.com/jmylchreest/recall/pkg/store"
	"github.com/jmylchreest/recall/pkg/vector"
)

const testDim = 256

type switchableEmbedder struct {
	inner *embedding.HashProvider
	down  atomic.Bool
}

func (e *switchableEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.down.Load() {
		return nil, errors.New("provider unreachable")
	}
	return e.inner.Embed(ctx, text)
}

func (e *switchableEmbedder) Dimension() int { return e.inner.Dimension() }

type fixture struct {
	store    *store.BoltStore
	vectors  vector.Index
	engine   *engine.Engine
	searcher *Searcher
	embedder *switchableEmbedder
}

func setupTestSearch(t *testing.T) *fixture {
	t.Helper()

	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "recall.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	kw, err := store.NewKeywordIndex("")
	if err != nil {
		s.Close()
		t.Fatalf("failed to create keyword index: %v", err)
	}
	vec, err := vector.New(vector.MetricCosine, testDim)
	if err != nil {
		t.Fatalf("failed to create vector index: %v", err)
	}
	t.Cleanup(func() {
		kw.Close()
		s.Close()
	})

	emb := &switchableEmbedder{inner: embedding.NewHashProvider(testDim)}
	return &fixture{
		store:   s,
		vectors: vec,
		engine: engine.New(s, kw, vec, emb, engine.Options{
			Retry: retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		}),
		searcher: New(s, kw, vec, emb, Options{}),
		embedder: emb,
	}
}

func (f *fixture) create(t *testing.T, kind memory.Kind, title, content string) *memory.Memory {
	t.Helper()
	return f.createWithMetadata(t, kind, title, content, "")
}

func (f *fixture) createWithMetadata(t *testing.T, kind memory.Kind, title, content, metadata string) *memory.Memory {
	t.Helper()
	in := engine.CreateInput{Kind: kind, Title: title, Content: content, Project: "recall"}
	if metadata != "" {
		in.Metadata = json.RawMessage(metadata)
	}
	res, err := f.engine.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return res.Memory
}

func ids(entries []IndexEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

// =============================================================================
// Ranking
// =============================================================================

func TestSearchRanksMatchingRecordsFirst(t *testing.T) {
	f := setupTestSearch(t)

	k1 := f.create(t, memory.KindKnowledge, "", "Retry failed HTTP calls with exponential backoff")
	k2 := f.create(t, memory.KindKnowledge, "", "Always retry with backoff so the server is not hammered")
	k3 := f.create(t, memory.KindKnowledge, "", "Queue consumers retry messages with capped backoff and jitter")
	dec := f.create(t, memory.KindDecision, "Circuit breakers", "Circuit breakers open after repeated failures to protect downstream services")
	code := f.createWithMetadata(t, memory.KindCodeChunk, "", "func formatName(first, last string) string { return fmt.Sprintf(\"%s %s\", first, last) }",
		`{"file_path": "internal/names/format.go", "language": "go", "start_line": 12, "end_line": 14}`)

	resp, err := f.searcher.Search(context.Background(), Query{Query: "backoff retry", MaxResults: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Index) != 3 {
		t.Fatalf("expected 3 results, got %d", len(resp.Index))
	}
	top := map[string]bool{}
	for _, id := range ids(resp.Index) {
		top[id] = true
	}
	for _, k := range []*memory.Memory{k1, k2, k3} {
		if !top[k.ID] {
			t.Errorf("knowledge record %q missing from top 3", k.Content)
		}
	}
	if top[dec.ID] || top[code.ID] {
		t.Error("unrelated records ranked into the top 3")
	}
	if resp.TotalCount < 3 {
		t.Errorf("total_count = %d", resp.TotalCount)
	}
	if resp.VectorUnavailable {
		t.Error("vector side should be available")
	}
	for i := 1; i < len(resp.Index); i++ {
		if resp.Index[i].Score > resp.Index[i-1].Score {
			t.Errorf("scores not descending at %d", i)
		}
	}

	again, err := f.searcher.Search(context.Background(), Query{Query: "backoff retry", MaxResults: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if strings.Join(ids(again.Index), ",") != strings.Join(ids(resp.Index), ",") {
		t.Errorf("repeated search changed order: %v then %v", ids(resp.Index), ids(again.Index))
	}

	tight, err := f.searcher.Search(context.Background(), Query{Query: "backoff retry", MaxResults: 10, MaxTokens: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(tight.Index) != tight.TotalCount || len(tight.Details) != 0 {
		t.Errorf("a one-token budget should keep the index and drop details: index=%d total=%d details=%d",
			len(tight.Index), tight.TotalCount, len(tight.Details))
	}
}

func TestSearchDeterministic(t *testing.T) {
	f := setupTestSearch(t)
	for _, c := range []string{
		"connection pool exhaustion under load",
		"pool sizing for database connections",
		"load shedding when the pool is exhausted",
		"database migrations run at startup",
	} {
		f.create(t, memory.KindKnowledge, "", c)
	}

	q := Query{Query: "database connection pool"}
	first, err := f.searcher.Search(context.Background(), q)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for range 5 {
		again, err := f.searcher.Search(context.Background(), q)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if strings.Join(ids(again.Index), ",") != strings.Join(ids(first.Index), ",") {
			t.Fatalf("ranking changed between runs: %v vs %v", ids(first.Index), ids(again.Index))
		}
		for i := range again.Index {
			if again.Index[i].Score != first.Index[i].Score {
				t.Fatalf("score changed for %s", again.Index[i].ID)
			}
		}
	}
}

func TestSearchFiltersAndTombstones(t *testing.T) {
	f := setupTestSearch(t)
	ctx := context.Background()

	keep := f.create(t, memory.KindPattern, "", "cache invalidation on write")
	gone := f.create(t, memory.KindPattern, "", "cache invalidation by ttl")
	f.create(t, memory.KindKnowledge, "", "cache invalidation is hard")

	if _, err := f.engine.Delete(ctx, gone.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	resp, err := f.searcher.Search(ctx, Query{Query: "cache invalidation", Kind: memory.KindPattern})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Index) != 1 || resp.Index[0].ID != keep.ID {
		t.Errorf("expected only %s, got %v", keep.ID, ids(resp.Index))
	}
	if resp.TotalCount != 1 {
		t.Errorf("total_count = %d", resp.TotalCount)
	}

	resp, err = f.searcher.Search(ctx, Query{Query: "cache invalidation", Project: "elsewhere"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Index) != 0 {
		t.Errorf("project filter leaked %v", ids(resp.Index))
	}
}

// =============================================================================
// Dual response
// =============================================================================

func TestSearchTokenBudget(t *testing.T) {
	f := setupTestSearch(t)
	ctx := context.Background()
	body := strings.Repeat("throughput tuning notes ", 80)
	for range 5 {
		f.create(t, memory.KindKnowledge, "", body)
	}

	t.Run("partial details", func(t *testing.T) {
		resp, err := f.searcher.Search(ctx, Query{Query: "throughput tuning", MaxTokens: 1200})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(resp.Index) != 5 {
			t.Fatalf("index should list every result, got %d", len(resp.Index))
		}
		if len(resp.Details) == 0 || len(resp.Details) >= 5 {
			t.Fatalf("expected a partial details list, got %d", len(resp.Details))
		}
		used := 0
		for i, d := range resp.Details {
			if d.Memory.ID != resp.Index[i].ID {
				t.Errorf("details must be a prefix of the index, %d differs", i)
			}
			if d.Memory.Embedding != nil {
				t.Error("details must not carry embeddings")
			}
			used += EstimateTokens(d)
		}
		if used > 1200 {
			t.Errorf("details use %d tokens, budget 1200", used)
		}
	})

	t.Run("budget too small for any detail", func(t *testing.T) {
		resp, err := f.searcher.Search(ctx, Query{Query: "throughput tuning", MaxTokens: 1})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(resp.Index) != 5 || len(resp.Details) != 0 {
			t.Errorf("index=%d details=%d", len(resp.Index), len(resp.Details))
		}
	})

	t.Run("snippets are cut", func(t *testing.T) {
		resp, err := f.searcher.Search(ctx, Query{Query: "throughput", MaxResults: 1})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if !strings.HasSuffix(resp.Index[0].Snippet, "...") {
			t.Errorf("long content should be cut: %q", resp.Index[0].Snippet)
		}
	})
}

func TestSearchIncludeGraph(t *testing.T) {
	f := setupTestSearch(t)
	ctx := context.Background()

	a := f.create(t, memory.KindDecision, "", "adopt structured logging everywhere")
	b := f.create(t, memory.KindPattern, "", "attach request ids to every log line")

	linker := graph.NewLinker(f.store, f.vectors, graph.Options{})
	if _, err := linker.Link(ctx, a.ID, b.ID, "", nil); err != nil {
		t.Fatalf("Link: %v", err)
	}

	resp, err := f.searcher.Search(ctx, Query{Query: "structured logging", IncludeGraph: true, MaxResults: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Details) != 1 || resp.Details[0].Memory.ID != a.ID {
		t.Fatalf("expected %s in details, got %+v", a.ID, resp.Details)
	}
	related := resp.Details[0].Related
	if len(related) != 1 || related[0].ID != b.ID || related[0].Hop != 1 {
		t.Errorf("related = %+v", related)
	}
}

// =============================================================================
// Degraded and invalid queries
// =============================================================================

func TestSearchVectorUnavailable(t *testing.T) {
	f := setupTestSearch(t)
	ctx := context.Background()
	m := f.create(t, memory.KindKnowledge, "", "graceful degradation keeps keyword search alive")

	f.embedder.down.Store(true)

	resp, err := f.searcher.Search(ctx, Query{Query: "graceful degradation"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !resp.VectorUnavailable {
		t.Error("expected vector_unavailable")
	}
	if len(resp.Index) != 1 || resp.Index[0].ID != m.ID {
		t.Errorf("keyword results missing: %v", ids(resp.Index))
	}

	_, err = f.searcher.Search(ctx, Query{Query: "graceful degradation", RequireVector: true})
	if memory.CodeOf(err) != memory.CodeEmbedding {
		t.Errorf("expected EMBEDDING_ERROR, got %v", err)
	}
}

func TestSearchValidation(t *testing.T) {
	f := setupTestSearch(t)
	tests := []struct {
		name  string
		q     Query
		field string
	}{
		{"empty query", Query{Query: "   "}, "query"},
		{"unknown kind", Query{Query: "x", Kind: "note"}, "kind"},
		{"negative limit", Query{Query: "x", MaxResults: -1}, "max_results"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.searcher.Search(context.Background(), tt.q)
			var e *memory.Error
			if !errors.As(err, &e) || e.Code != memory.CodeValidation || e.Field != tt.field {
				t.Errorf("expected validation error on %q, got %v", tt.field, err)
			}
		})
	}
}

// =============================================================================
// Fusion
// =============================================================================

func TestFuse(t *testing.T) {
	vec := []vector.Hit{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.8}}
	kw := []store.KeywordHit{{ID: "b", Score: 7}, {ID: "a", Score: 5}, {ID: "c", Score: 1}}

	got := Fuse(vec, kw, 60)
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	byID := map[string]Candidate{}
	for _, c := range got {
		byID[c.ID] = c
	}
	want := 1.0/61 + 1.0/62
	if math.Abs(byID["a"].Score-want) > 1e-12 || math.Abs(byID["b"].Score-want) > 1e-12 {
		t.Errorf("a=%v b=%v want %v", byID["a"].Score, byID["b"].Score, want)
	}
	if c := byID["c"]; c.Score != 1.0/63 || c.VecRank != 0 || c.KwRank != 3 || !math.IsInf(c.VecScore, -1) {
		t.Errorf("keyword-only candidate = %+v", c)
	}
}

func TestOrderTieBreaks(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	mk := func(id string, score, vec float64, updated time.Time) ranked {
		return ranked{
			Candidate: Candidate{ID: id, Score: score, VecScore: vec},
			mem:       &memory.Memory{ID: id, UpdatedAt: updated},
		}
	}
	noVec := math.Inf(-1)

	rs := []ranked{
		mk("d", 0.02, noVec, older),
		mk("c", 0.02, noVec, older),
		mk("b", 0.02, noVec, newer),
		mk("a", 0.02, 0.5, older),
		mk("z", 0.03, noVec, older),
	}
	order(rs)

	var got []string
	for _, r := range rs {
		got = append(got, r.ID)
	}
	if strings.Join(got, "") != "zabcd" {
		t.Errorf("order = %v, want z a b c d", got)
	}
}

func TestSnippet(t *testing.T) {
	short := "short content"
	if Snippet(short) != short {
		t.Errorf("short content changed: %q", Snippet(short))
	}
	long := strings.Repeat("é", SnippetRunes+50)
	got := Snippet(long)
	if !strings.HasSuffix(got, "...") || len([]rune(got)) != SnippetRunes+3 {
		t.Errorf("snippet has %d runes", len([]rune(got)))
	}
}
