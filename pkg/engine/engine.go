// Package engine is the memory store: validated CRUD over memory records with
// soft delete and audit history, keeping the keyword and vector indexes in
// step with every committed write.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmylchreest/recall/pkg/graph"
	"github.com/jmylchreest/recall/pkg/memory"
	"github.com/jmylchreest/recall/pkg/metrics"
	"github.com/jmylchreest/recall/pkg/retry"
	"github.com/jmylchreest/recall/pkg/store"
	"github.com/jmylchreest/recall/pkg/vector"
	"github.com/oklog/ulid/v2"
)

// DefaultRetention is how long change-log entries and tombstones are kept.
const DefaultRetention = 90 * 24 * time.Hour

// Embedder turns text into a vector. *embedding.Cache satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// KeywordIndex is the full-text side of the write path. *store.KeywordIndex
// satisfies it.
type KeywordIndex interface {
	Index(m *memory.Memory) error
	Delete(id string) error
	Reindex(ms []*memory.Memory) error
	Clear() error
	Count() (uint64, error)
}

// CommitHook runs after a record is committed with a new embedding. Edges it
// returns are reported to the caller of Create or Update.
type CommitHook func(ctx context.Context, m *memory.Memory) []*memory.Edge

// Options configures an Engine.
type Options struct {
	Retention time.Duration
	Retry     retry.Policy // Applied to keyword index writes
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Engine owns the authoritative record store and both indexes.
type Engine struct {
	store    *store.BoltStore
	keyword  KeywordIndex
	vectors  vector.Index
	embedder Embedder
	hooks    []CommitHook
	locks    recordLocks
	opts     Options
	log      *slog.Logger
	now      func() time.Time
}

// New assembles an Engine. Call LoadIndexes before serving queries.
func New(s *store.BoltStore, keyword KeywordIndex, vectors vector.Index, embedder Embedder, opts Options) *Engine {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:    s,
		keyword:  keyword,
		vectors:  vectors,
		embedder: embedder,
		opts:     opts,
		log:      opts.Logger.With("component", "engine"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnCommit registers a post-commit hook. Hooks must be registered before the
// engine is used.
func (e *Engine) OnCommit(h CommitHook) {
	e.hooks = append(e.hooks, h)
}

// CreateInput describes a new record.
type CreateInput struct {
	Kind       memory.Kind     `json:"kind"`
	Content    string          `json:"content"`
	Title      string          `json:"title,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Project    string          `json:"project,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
	SourceTask string          `json:"source_task,omitempty"`
}

// CreateResult is the stored record plus any edges created by auto-linking.
type CreateResult struct {
	Memory    *memory.Memory `json:"memory"`
	AutoLinks []*memory.Edge `json:"auto_links"`
}

// Create validates, embeds and stores a new record. When the embedder fails
// the record is still stored, flagged embedding_pending.
func (e *Engine) Create(ctx context.Context, in CreateInput) (res *CreateResult, err error) {
	const op = "create"
	defer e.observe(op, time.Now(), &err)

	meta, err := memory.ValidateMetadata(op, in.Kind, in.Metadata)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, memory.Validation(op, "content", "content must not be empty")
	}
	confidence := memory.DefaultConfidence
	if in.Confidence != nil {
		confidence = *in.Confidence
	}
	if err := checkConfidence(op, confidence); err != nil {
		return nil, err
	}

	now := e.now()
	m := &memory.Memory{
		ID:         ulid.Make().String(),
		Kind:       in.Kind,
		Content:    in.Content,
		Title:      strings.TrimSpace(in.Title),
		Metadata:   meta,
		Tags:       memory.NormalizeTags(in.Tags),
		Project:    strings.TrimSpace(in.Project),
		Confidence: confidence,
		SourceTask: in.SourceTask,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e.embed(ctx, op, m)

	unlock := e.locks.lock(m.ID)
	defer unlock()

	err = e.commit(ctx, nil, m, func(tx *store.Tx) error {
		if m.SourceTask != "" {
			if _, err := tx.GetTask(m.SourceTask); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return memory.Validation(op, "source_task", "task %s does not exist", m.SourceTask)
				}
				return err
			}
		}
		if err := tx.PutMemory(m); err != nil {
			return err
		}
		return tx.AppendChange(&memory.Change{MemoryID: m.ID, Op: memory.ChangeCreate, Snapshot: m, At: now})
	})
	if err != nil {
		return nil, classify(op, m.ID, err)
	}

	e.log.Debug("memory created", "id", m.ID, "kind", m.Kind, "pending", m.EmbeddingPending)
	return &CreateResult{Memory: m, AutoLinks: e.runHooks(ctx, m)}, nil
}

// ReadResult is a record with its graph neighbourhood.
type ReadResult struct {
	Memory  *memory.Memory   `json:"memory"`
	Related []memory.Related `json:"related"`
}

// Read returns a live record and its neighbours up to depth hops (clamped to
// [1, 3]). Each read increments access_count atomically; only the access
// entry is written, the record itself is read in a shared transaction.
func (e *Engine) Read(ctx context.Context, id string, depth int) (res *ReadResult, err error) {
	const op = "read"
	defer e.observe(op, time.Now(), &err)

	res = &ReadResult{}
	err = e.store.View(func(tx *store.Tx) error {
		m, err := tx.GetMemory(id)
		if err != nil || m.Deleted() {
			return memory.NotFound(op, id)
		}
		res.Memory = m
		res.Related, err = graph.Traverse(tx, id, depth)
		return err
	})
	if err != nil {
		return nil, classify(op, id, err)
	}

	now := e.now()
	err = e.store.Update(func(tx *store.Tx) error {
		count, err := tx.TouchAccess(id, now)
		if errors.Is(err, store.ErrNotFound) {
			return memory.NotFound(op, id)
		}
		res.Memory.AccessCount = count
		return err
	})
	if err != nil {
		return nil, classify(op, id, err)
	}
	res.Memory.LastAccessed = now
	if res.Related == nil {
		res.Related = []memory.Related{}
	}
	return res, nil
}

// Get returns a live record without touching its access statistics.
func (e *Engine) Get(ctx context.Context, id string) (*memory.Memory, error) {
	m, err := e.store.GetMemory(id)
	if err != nil || m.Deleted() {
		return nil, memory.NotFound("get", id)
	}
	return m, nil
}

// UpdateInput lists the fields to change. Nil fields are left alone. Metadata
// is a top-level merge patch: keys set to null are removed.
type UpdateInput struct {
	Content    *string         `json:"content,omitempty"`
	Title      *string         `json:"title,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Tags       *[]string       `json:"tags,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
}

// UpdateResult is the updated record plus any edges created by re-linking.
type UpdateResult struct {
	Memory    *memory.Memory `json:"memory"`
	AutoLinks []*memory.Edge `json:"auto_links,omitempty"`
}

// Update applies in to a live record. A content change re-embeds before the
// commit, so the record and both indexes move together.
func (e *Engine) Update(ctx context.Context, id string, in UpdateInput) (res *UpdateResult, err error) {
	const op = "update"
	defer e.observe(op, time.Now(), &err)

	unlock := e.locks.lock(id)
	defer unlock()

	prev, err := e.store.GetMemory(id)
	if err != nil || prev.Deleted() {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, memory.StoreFailure(op, id, err)
		}
		return nil, memory.NotFound(op, id)
	}

	next := prev.Clone()
	contentChanged := false
	if in.Content != nil {
		if strings.TrimSpace(*in.Content) == "" {
			return nil, memory.Validation(op, "content", "content must not be empty")
		}
		contentChanged = *in.Content != prev.Content
		next.Content = *in.Content
	}
	if in.Title != nil {
		next.Title = strings.TrimSpace(*in.Title)
	}
	if in.Tags != nil {
		next.Tags = memory.NormalizeTags(*in.Tags)
	}
	if in.Confidence != nil {
		if err := checkConfidence(op, *in.Confidence); err != nil {
			return nil, err
		}
		next.Confidence = *in.Confidence
	}
	if len(in.Metadata) > 0 {
		merged, err := memory.MergeMetadata(prev.Metadata, in.Metadata)
		if err != nil {
			return nil, classify(op, id, err)
		}
		if next.Metadata, err = memory.ValidateMetadata(op, next.Kind, merged); err != nil {
			return nil, err
		}
	}

	reembed := contentChanged || prev.EmbeddingPending
	if reembed {
		next.Embedding = nil
		next.EmbeddingPending = false
		e.embed(ctx, op, next)
	}
	now := e.now()
	next.UpdatedAt = now

	err = e.commit(ctx, prev, next, func(tx *store.Tx) error {
		// Reads may have touched the record since prev was loaded.
		if cur, err := tx.GetMemory(id); err == nil {
			next.AccessCount = cur.AccessCount
			next.LastAccessed = cur.LastAccessed
		}
		if err := tx.PutMemory(next); err != nil {
			return err
		}
		return tx.AppendChange(&memory.Change{MemoryID: id, Op: memory.ChangeUpdate, Snapshot: prev, At: now})
	})
	if err != nil {
		return nil, classify(op, id, err)
	}

	res = &UpdateResult{Memory: next}
	if reembed {
		res.AutoLinks = e.runHooks(ctx, next)
	}
	return res, nil
}

// DeleteResult confirms a soft delete.
type DeleteResult struct {
	ID        string    `json:"id"`
	Deleted   bool      `json:"deleted"`
	DeletedAt time.Time `json:"deleted_at"`
}

// Delete tombstones a record. Its prior state stays in the change log for the
// retention window. Deleting a tombstoned record succeeds without change; an
// id that never existed is NotFound.
func (e *Engine) Delete(ctx context.Context, id string) (res *DeleteResult, err error) {
	const op = "delete"
	defer e.observe(op, time.Now(), &err)

	unlock := e.locks.lock(id)
	defer unlock()

	prev, err := e.store.GetMemory(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, memory.NotFound(op, id)
		}
		return nil, memory.StoreFailure(op, id, err)
	}
	if prev.Deleted() {
		return &DeleteResult{ID: id, Deleted: true, DeletedAt: prev.DeletedAt}, nil
	}

	now := e.now()
	next := prev.Clone()
	next.DeletedAt = now
	next.UpdatedAt = now

	err = e.commit(ctx, prev, next, func(tx *store.Tx) error {
		if err := tx.PutMemory(next); err != nil {
			return err
		}
		return tx.AppendChange(&memory.Change{MemoryID: id, Op: memory.ChangeDelete, Snapshot: prev, At: now})
	})
	if err != nil {
		return nil, classify(op, id, err)
	}
	e.log.Debug("memory deleted", "id", id)
	return &DeleteResult{ID: id, Deleted: true, DeletedAt: now}, nil
}

// List returns records matching opts, oldest first.
func (e *Engine) List(ctx context.Context, opts memory.ListOptions) ([]*memory.Memory, error) {
	ms, err := e.store.ListMemories(opts)
	if err != nil {
		return nil, memory.StoreFailure("list", "", err)
	}
	return ms, nil
}

// Stats aggregates live records, optionally restricted to a project or kind.
func (e *Engine) Stats(ctx context.Context, project string, kind memory.Kind) (st *memory.Stats, err error) {
	const op = "stats"
	defer e.observe(op, time.Now(), &err)

	if kind != "" && !kind.Valid() {
		return nil, memory.Validation(op, "kind", "unknown kind %q", kind)
	}
	st = &memory.Stats{ByKind: map[memory.Kind]int{}, ByProject: map[string]int{}}
	var confSum float64
	err = e.store.View(func(tx *store.Tx) error {
		err := tx.ForEachMemory(false, func(m *memory.Memory) error {
			if m.Deleted() || (project != "" && m.Project != project) || (kind != "" && m.Kind != kind) {
				return nil
			}
			st.Total++
			st.ByKind[m.Kind]++
			st.ByProject[m.Project]++
			confSum += m.Confidence
			if m.EmbeddingPending {
				st.EmbeddingPending++
			}
			return nil
		})
		st.TotalEdges = tx.CountEdges()
		return err
	})
	if err != nil {
		return nil, memory.StoreFailure(op, "", err)
	}
	if st.Total > 0 {
		st.AverageConfidence = confSum / float64(st.Total)
	}
	return st, nil
}

// History returns the change log of a record, tombstoned or not.
func (e *Engine) History(ctx context.Context, id string) ([]*memory.Change, error) {
	const op = "history"
	var changes []*memory.Change
	err := e.store.View(func(tx *store.Tx) error {
		var err error
		if changes, err = tx.History(id); err != nil {
			return err
		}
		if len(changes) == 0 {
			if _, err := tx.GetMemory(id); err != nil {
				return memory.NotFound(op, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(op, id, err)
	}
	if changes == nil {
		changes = []*memory.Change{}
	}
	return changes, nil
}

// PruneHistory drops change-log entries and tombstoned records older than the
// retention window.
func (e *Engine) PruneHistory(ctx context.Context) (res store.PruneResult, err error) {
	const op = "prune_history"
	defer e.observe(op, time.Now(), &err)

	cutoff := e.now().Add(-e.opts.Retention)
	var purged []string
	err = e.store.Update(func(tx *store.Tx) error {
		var err error
		res, purged, err = tx.PruneBefore(cutoff)
		return err
	})
	if err != nil {
		return res, memory.StoreFailure(op, "", err)
	}
	for _, id := range purged {
		// Tombstones already left both indexes; this clears any leftovers.
		_ = e.keyword.Delete(id)
		_ = e.vectors.Delete(ctx, id)
	}
	if res.Changes > 0 || res.Records > 0 {
		e.log.Info("history pruned", "changes", res.Changes, "records", res.Records, "cutoff", cutoff)
	}
	return res, nil
}

// RetryResult counts a pass over embedding-pending records.
type RetryResult struct {
	Attempted int `json:"attempted"`
	Embedded  int `json:"embedded"`
	Remaining int `json:"remaining"`
}

// RetryPending re-embeds records stored while the embedder was unavailable.
func (e *Engine) RetryPending(ctx context.Context) (res RetryResult, err error) {
	const op = "retry_pending"
	defer e.observe(op, time.Now(), &err)

	var ids []string
	if err := e.store.View(func(tx *store.Tx) error { ids = tx.PendingIDs(); return nil }); err != nil {
		return res, memory.StoreFailure(op, "", err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++
		ok, err := e.retryOne(ctx, id)
		if err != nil {
			e.log.Warn("re-embed failed", "id", id, "error", err)
			continue
		}
		if ok {
			res.Embedded++
		}
	}
	res.Remaining = len(ids) - res.Embedded
	e.opts.Metrics.SetPending(res.Remaining)
	return res, nil
}

func (e *Engine) retryOne(ctx context.Context, id string) (bool, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	prev, err := e.store.GetMemory(id)
	if err != nil {
		return false, err
	}
	if !prev.EmbeddingPending {
		return true, nil
	}
	vec, err := e.embedder.Embed(ctx, prev.Content)
	if err != nil {
		return false, err
	}
	next := prev.Clone()
	next.Embedding = vec
	next.EmbeddingPending = false

	err = e.commit(ctx, prev, next, func(tx *store.Tx) error {
		if cur, err := tx.GetMemory(id); err == nil {
			next.AccessCount = cur.AccessCount
			next.LastAccessed = cur.LastAccessed
		}
		return tx.PutMemory(next)
	})
	if err != nil {
		return false, err
	}
	if !next.Deleted() {
		e.runHooks(ctx, next)
	}
	return true, nil
}

// ReindexResult counts documents written during a rebuild.
type ReindexResult struct {
	Keyword int `json:"keyword"`
	Vector  int `json:"vector"`
}

// Reindex rebuilds both indexes from the record store.
func (e *Engine) Reindex(ctx context.Context) (res ReindexResult, err error) {
	const op = "reindex"
	defer e.observe(op, time.Now(), &err)

	if err := e.keyword.Clear(); err != nil {
		return res, memory.StoreFailure(op, "", err)
	}
	if res.Keyword, err = e.reindexKeyword(); err != nil {
		return res, memory.StoreFailure(op, "", err)
	}
	if res.Vector, err = e.reindexVectors(ctx); err != nil {
		return res, memory.StoreFailure(op, "", err)
	}
	e.log.Info("indexes rebuilt", "keyword", res.Keyword, "vector", res.Vector)
	return res, nil
}

// LoadIndexes prepares the indexes at startup. The vector index is always
// rebuilt from stored vectors; the keyword index only when its mapping
// changed or its document count disagrees with the live record count.
func (e *Engine) LoadIndexes(ctx context.Context) error {
	const op = "load_indexes"
	if _, err := e.reindexVectors(ctx); err != nil {
		return memory.StoreFailure(op, "", err)
	}

	stale, hash, err := e.store.KeywordMappingStale()
	if err != nil {
		return memory.StoreFailure(op, "", err)
	}
	live, err := e.liveCount()
	if err != nil {
		return memory.StoreFailure(op, "", err)
	}
	indexed, err := e.keyword.Count()
	if err != nil || indexed != uint64(live) {
		stale = true
	}
	if stale {
		e.log.Info("keyword index out of date, rebuilding", "indexed", indexed, "live", live)
		if err := e.keyword.Clear(); err != nil {
			return memory.StoreFailure(op, "", err)
		}
		if _, err := e.reindexKeyword(); err != nil {
			return memory.StoreFailure(op, "", err)
		}
	}
	if err := e.store.SetMeta(store.MetaKeywordMappingHash, hash); err != nil {
		return memory.StoreFailure(op, "", err)
	}

	var pending int
	_ = e.store.View(func(tx *store.Tx) error { pending = len(tx.PendingIDs()); return nil })
	e.opts.Metrics.SetPending(pending)
	return nil
}

func (e *Engine) liveCount() (int, error) {
	var n int
	err := e.store.View(func(tx *store.Tx) error {
		return tx.ForEachMemory(false, func(m *memory.Memory) error {
			if !m.Deleted() {
				n++
			}
			return nil
		})
	})
	return n, err
}

func (e *Engine) reindexKeyword() (int, error) {
	ms, err := e.store.ListMemories(memory.ListOptions{})
	if err != nil {
		return 0, err
	}
	if err := e.keyword.Reindex(ms); err != nil {
		return 0, err
	}
	return len(ms), nil
}

func (e *Engine) reindexVectors(ctx context.Context) (int, error) {
	if err := e.vectors.Reset(); err != nil {
		return 0, err
	}
	var n int
	err := e.store.View(func(tx *store.Tx) error {
		return tx.ForEachMemory(true, func(m *memory.Memory) error {
			if m.Deleted() || len(m.Embedding) == 0 {
				return nil
			}
			if err := e.vectors.Upsert(ctx, m.ID, m.Embedding, AttrsOf(m)); err != nil {
				e.log.Warn("skipping vector", "id", m.ID, "error", err)
				return nil
			}
			n++
			return nil
		})
	})
	return n, err
}

// AttrsOf returns the filterable vector attributes of m.
func AttrsOf(m *memory.Memory) vector.Attrs {
	return vector.Attrs{Kind: string(m.Kind), Project: m.Project, Tags: m.Tags}
}

// embed fills m.Embedding or flags the record pending.
func (e *Engine) embed(ctx context.Context, op string, m *memory.Memory) {
	vec, err := e.embedder.Embed(ctx, m.Content)
	if err != nil {
		e.log.Warn("embedding unavailable, storing as pending", "op", op, "id", m.ID, "error", err)
		m.Embedding = nil
		m.EmbeddingPending = true
		return
	}
	m.Embedding = vec
	m.EmbeddingPending = false
}

// commit runs write and then brings both indexes to next inside one bbolt
// write transaction. If an index write fails, or the transaction does not
// commit, the indexes are restored to prev and nothing is persisted.
func (e *Engine) commit(ctx context.Context, prev, next *memory.Memory, write func(*store.Tx) error) error {
	applied := false
	err := e.store.Update(func(tx *store.Tx) error {
		if err := write(tx); err != nil {
			return err
		}
		if err := e.applyIndexes(ctx, next); err != nil {
			e.restoreIndexes(ctx, prev, next.ID)
			return err
		}
		applied = true
		return nil
	})
	if err != nil && applied {
		e.restoreIndexes(ctx, prev, next.ID)
	}
	return err
}

func (e *Engine) applyIndexes(ctx context.Context, m *memory.Memory) error {
	if m.Deleted() {
		if err := retry.Do(ctx, e.opts.Retry, func(context.Context) error { return e.keyword.Delete(m.ID) }); err != nil {
			return fmt.Errorf("keyword index delete: %w", err)
		}
		if err := e.vectors.Delete(ctx, m.ID); err != nil {
			return fmt.Errorf("vector index delete: %w", err)
		}
		return nil
	}
	if err := retry.Do(ctx, e.opts.Retry, func(context.Context) error { return e.keyword.Index(m) }); err != nil {
		return fmt.Errorf("keyword index write: %w", err)
	}
	if len(m.Embedding) == 0 {
		if err := e.vectors.Delete(ctx, m.ID); err != nil {
			return fmt.Errorf("vector index delete: %w", err)
		}
		return nil
	}
	if err := e.vectors.Upsert(ctx, m.ID, m.Embedding, AttrsOf(m)); err != nil {
		return fmt.Errorf("vector index write: %w", err)
	}
	return nil
}

func (e *Engine) restoreIndexes(ctx context.Context, prev *memory.Memory, id string) {
	var errs []error
	if prev == nil || prev.Deleted() {
		errs = append(errs, e.keyword.Delete(id), e.vectors.Delete(ctx, id))
	} else {
		errs = append(errs, e.keyword.Index(prev))
		if len(prev.Embedding) > 0 {
			errs = append(errs, e.vectors.Upsert(ctx, id, prev.Embedding, AttrsOf(prev)))
		} else {
			errs = append(errs, e.vectors.Delete(ctx, id))
		}
	}
	if err := errors.Join(errs...); err != nil {
		e.log.Error("index restore failed, run reindex", "id", id, "error", err)
	}
}

func (e *Engine) runHooks(ctx context.Context, m *memory.Memory) []*memory.Edge {
	if len(m.Embedding) == 0 {
		return []*memory.Edge{}
	}
	edges := []*memory.Edge{}
	for _, h := range e.hooks {
		edges = append(edges, h(ctx, m)...)
	}
	return edges
}

func (e *Engine) observe(op string, started time.Time, errp *error) {
	code := "ok"
	if *errp != nil {
		code = string(memory.CodeOf(*errp))
	}
	e.opts.Metrics.Observe(op, code, started)
}

func checkConfidence(op string, c float64) error {
	if c < 0 || c > 1 {
		return memory.Validation(op, "confidence", "confidence must be within [0, 1]")
	}
	return nil
}

// classify passes classified errors through and wraps the rest as StoreError.
func classify(op, id string, err error) error {
	var me *memory.Error
	if errors.As(err, &me) {
		return err
	}
	return memory.StoreFailure(op, id, err)
}
