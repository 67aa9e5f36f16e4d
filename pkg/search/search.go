// Package search answers hybrid queries: vector similarity and BM25 keyword
// ranking run in parallel and are merged with reciprocal rank fusion into a
// token-bounded dual response.
package search

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmylchreest/recall/pkg/graph"
	"github.com/jmylchreest/recall/pkg/memory"
	"github.com/jmylchreest/recall/pkg/metrics"
	"github.com/jmylchreest/recall/pkg/store"
	"github.com/jmylchreest/recall/pkg/vector"
	"golang.org/x/sync/errgroup"
)

// Defaults.
const (
	DefaultRRFK       = 60
	DefaultCandidateK = 50
	DefaultMaxResults = 10
	DefaultMaxTokens  = 2000
	DefaultTimeout    = 2 * time.Second
	MaxResultsLimit   = 100
	SnippetRunes      = 200
)

// Embedder turns the query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// KeywordSearcher is the BM25 side. *store.KeywordIndex satisfies it.
type KeywordSearcher interface {
	Search(ctx context.Context, text string, f store.KeywordFilter, limit int) ([]store.KeywordHit, error)
}

// Options configures a Searcher.
type Options struct {
	RRFK       int
	CandidateK int
	MaxResults int
	MaxTokens  int
	Timeout    time.Duration // Per index query and for the query embedding
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Query is a search request.
type Query struct {
	Query         string      `json:"query"`
	Kind          memory.Kind `json:"kind,omitempty"`
	Project       string      `json:"project,omitempty"`
	Tags          []string    `json:"tags,omitempty"`
	MaxResults    int         `json:"max_results,omitempty"`
	MaxTokens     int         `json:"max_tokens,omitempty"`
	IncludeGraph  bool        `json:"include_graph,omitempty"`
	RequireVector bool        `json:"require_vector,omitempty"`
}

// IndexEntry is the lightweight view of one result.
type IndexEntry struct {
	ID      string      `json:"id"`
	Title   string      `json:"title,omitempty"`
	Kind    memory.Kind `json:"kind"`
	Snippet string      `json:"snippet"`
	Score   float64     `json:"score"`
}

// Detail is the full record of a leading result.
type Detail struct {
	Memory  *memory.Memory   `json:"memory"`
	Related []memory.Related `json:"related,omitempty"`
}

// Response is the dual response: every result in Index, and as many leading
// results in Details as fit the token budget.
type Response struct {
	Index             []IndexEntry `json:"index"`
	Details           []Detail     `json:"details"`
	TotalCount        int          `json:"total_count"`
	VectorUnavailable bool         `json:"vector_unavailable,omitempty"`
}

// Searcher runs fused queries over the record store's indexes.
type Searcher struct {
	store    *store.BoltStore
	keyword  KeywordSearcher
	vectors  vector.Index
	embedder Embedder
	opts     Options
	log      *slog.Logger
}

// New returns a Searcher.
func New(s *store.BoltStore, keyword KeywordSearcher, vectors vector.Index, embedder Embedder, opts Options) *Searcher {
	if opts.RRFK <= 0 {
		opts.RRFK = DefaultRRFK
	}
	if opts.CandidateK <= 0 {
		opts.CandidateK = DefaultCandidateK
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Searcher{
		store:    s,
		keyword:  keyword,
		vectors:  vectors,
		embedder: embedder,
		opts:     opts,
		log:      opts.Logger.With("component", "search"),
	}
}

// Search runs q. When the query cannot be embedded, or the vector index does
// not answer in time, results come from the keyword index alone and
// VectorUnavailable is set, unless q.RequireVector asks for an error instead.
func (s *Searcher) Search(ctx context.Context, q Query) (resp *Response, err error) {
	const op = "search"
	defer func(start time.Time) {
		code := "ok"
		if err != nil {
			code = string(memory.CodeOf(err))
		}
		s.opts.Metrics.Observe(op, code, start)
	}(time.Now())

	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return nil, memory.Validation(op, "query", "query must not be empty")
	}
	if q.Kind != "" && !q.Kind.Valid() {
		return nil, memory.Validation(op, "kind", "unknown kind %q", q.Kind)
	}
	if q.MaxResults < 0 || q.MaxTokens < 0 {
		return nil, memory.Validation(op, "max_results", "limits must not be negative")
	}
	if q.MaxResults == 0 {
		q.MaxResults = s.opts.MaxResults
	}
	q.MaxResults = min(q.MaxResults, MaxResultsLimit)
	if q.MaxTokens == 0 {
		q.MaxTokens = s.opts.MaxTokens
	}
	q.Tags = memory.NormalizeTags(q.Tags)

	vecHits, kwHits, vectorUnavailable, err := s.gather(ctx, q)
	if err != nil {
		return nil, err
	}

	fused := Fuse(vecHits, kwHits, s.opts.RRFK)
	resp = &Response{Index: []IndexEntry{}, Details: []Detail{}, VectorUnavailable: vectorUnavailable}

	err = s.store.View(func(tx *store.Tx) error {
		live := make([]ranked, 0, len(fused))
		for _, c := range fused {
			m, err := tx.GetMemory(c.ID)
			if err != nil || !matches(m, q) {
				continue
			}
			live = append(live, ranked{Candidate: c, mem: m})
		}
		order(live)
		resp.TotalCount = len(live)
		if len(live) > q.MaxResults {
			live = live[:q.MaxResults]
		}

		used := 0
		budgetSpent := false
		for _, r := range live {
			resp.Index = append(resp.Index, IndexEntry{
				ID:      r.mem.ID,
				Title:   r.mem.Title,
				Kind:    r.mem.Kind,
				Snippet: Snippet(r.mem.Content),
				Score:   r.Score,
			})
			if budgetSpent {
				continue
			}
			d := Detail{Memory: r.mem.WithoutEmbedding()}
			if q.IncludeGraph {
				related, err := graph.Traverse(tx, r.mem.ID, 1)
				if err != nil {
					return err
				}
				d.Related = related
			}
			cost := EstimateTokens(d)
			if used+cost > q.MaxTokens {
				budgetSpent = true
				continue
			}
			used += cost
			resp.Details = append(resp.Details, d)
		}
		return nil
	})
	if err != nil {
		return nil, memory.StoreFailure(op, "", err)
	}

	s.opts.Metrics.SearchServed(len(resp.Index), vectorUnavailable)
	return resp, nil
}

// gather runs both retrievals in parallel. Each side records its own failure
// so one slow or broken index never cancels the other.
func (s *Searcher) gather(ctx context.Context, q Query) ([]vector.Hit, []store.KeywordHit, bool, error) {
	var (
		vecHits []vector.Hit
		kwHits  []store.KeywordHit
		vecErr  error
		kwErr   error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		qctx, cancel := context.WithTimeout(gctx, s.opts.Timeout)
		defer cancel()
		vec, err := s.embedder.Embed(qctx, q.Query)
		if err != nil {
			vecErr = memory.EmbeddingFailure("search", err)
			return nil
		}
		vecHits, err = s.vectors.Query(qctx, vec, s.opts.CandidateK, vectorFilter(q))
		if err != nil {
			vecErr = memory.EmbeddingFailure("search", err)
		}
		return nil
	})
	g.Go(func() error {
		qctx, cancel := context.WithTimeout(gctx, s.opts.Timeout)
		defer cancel()
		kwHits, kwErr = s.keyword.Search(qctx, q.Query, store.KeywordFilter{
			Kind:    q.Kind,
			Project: q.Project,
			Tags:    q.Tags,
		}, s.opts.CandidateK)
		return nil
	})
	_ = g.Wait()

	if vecErr != nil {
		if q.RequireVector {
			return nil, nil, true, vecErr
		}
		s.log.Warn("vector search unavailable, serving keyword results", "error", vecErr)
	}
	if kwErr != nil {
		if vecErr != nil {
			return nil, nil, true, memory.StoreFailure("search", "", kwErr)
		}
		s.log.Warn("keyword search failed, serving vector results", "error", kwErr)
	}
	return vecHits, kwHits, vecErr != nil, nil
}

func vectorFilter(q Query) vector.Filter {
	if q.Kind == "" && q.Project == "" && len(q.Tags) == 0 {
		return nil
	}
	return func(_ string, a vector.Attrs) bool {
		if q.Kind != "" && a.Kind != string(q.Kind) {
			return false
		}
		if q.Project != "" && a.Project != q.Project {
			return false
		}
		for _, t := range q.Tags {
			if !slices.Contains(a.Tags, t) {
				return false
			}
		}
		return true
	}
}

func matches(m *memory.Memory, q Query) bool {
	return memory.ListOptions{Kind: q.Kind, Project: q.Project, Tags: q.Tags}.Match(m)
}

// Candidate is one fused result before records are loaded.
type Candidate struct {
	ID       string
	Score    float64 // Sum of 1/(k + rank) over the lists containing ID
	VecScore float64 // Raw vector similarity, -Inf when absent from the vector list
	VecRank  int     // 1-based, 0 when absent
	KwRank   int     // 1-based, 0 when absent
}

// Fuse merges the two ranked lists with reciprocal rank fusion. Ranks are
// 1-based positions in each list.
func Fuse(vecHits []vector.Hit, kwHits []store.KeywordHit, k int) []Candidate {
	byID := make(map[string]*Candidate, len(vecHits)+len(kwHits))
	var seen []string
	get := func(id string) *Candidate {
		c, ok := byID[id]
		if !ok {
			c = &Candidate{ID: id, VecScore: math.Inf(-1)}
			byID[id] = c
			seen = append(seen, id)
		}
		return c
	}
	for i, h := range vecHits {
		c := get(h.ID)
		c.VecRank = i + 1
		c.VecScore = h.Score
		c.Score += 1 / float64(k+i+1)
	}
	for i, h := range kwHits {
		c := get(h.ID)
		c.KwRank = i + 1
		c.Score += 1 / float64(k+i+1)
	}
	out := make([]Candidate, 0, len(seen))
	for _, id := range seen {
		out = append(out, *byID[id])
	}
	return out
}

type ranked struct {
	Candidate
	mem *memory.Memory
}

// order sorts by fused score, then raw vector score, then newer updated_at,
// then ascending id, so equal inputs always give the same ranking.
func order(rs []ranked) {
	slices.SortFunc(rs, func(a, b ranked) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.VecScore, a.VecScore); c != 0 {
			return c
		}
		if c := b.mem.UpdatedAt.Compare(a.mem.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Snippet returns the first SnippetRunes runes of content, marked with an
// ellipsis when cut.
func Snippet(content string) string {
	if utf8.RuneCountInString(content) <= SnippetRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:SnippetRunes]) + "..."
}

// EstimateTokens approximates the token cost of v as a quarter of its JSON
// size, rounded up.
func EstimateTokens(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return math.MaxInt32
	}
	return (len(data) + 3) / 4
}
