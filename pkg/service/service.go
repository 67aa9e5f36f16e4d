// Package service wires the recall components together from a Config and
// exposes the operations shared by the MCP, HTTP and CLI surfaces. Records
// leave this package without their embedding vectors.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/recall/pkg/config"
	"github.com/jmylchreest/recall/pkg/embedding"
	"github.com/jmylchreest/recall/pkg/engine"
	"github.com/jmylchreest/recall/pkg/graph"
	"github.com/jmylchreest/recall/pkg/ledger"
	"github.com/jmylchreest/recall/pkg/memory"
	"github.com/jmylchreest/recall/pkg/metrics"
	"github.com/jmylchreest/recall/pkg/reflection"
	"github.com/jmylchreest/recall/pkg/retry"
	"github.com/jmylchreest/recall/pkg/search"
	"github.com/jmylchreest/recall/pkg/store"
	"github.com/jmylchreest/recall/pkg/vector"
)

// Service is an opened recall database with every component attached.
type Service struct {
	Engine     *engine.Engine
	Searcher   *search.Searcher
	Linker     *graph.Linker
	Ledger     *ledger.Ledger
	Reflection *reflection.Analyzer
	Metrics    *metrics.Metrics
	Cache      *embedding.Cache

	store   *store.BoltStore
	keyword *store.KeywordIndex
	cfg     *config.Config
	log     *slog.Logger
	started time.Time
}

// Open opens the database named by cfg, rebuilds the in-process indexes and
// returns a ready Service.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dbPath, err := cfg.ResolveDBPath()
	if err != nil {
		return nil, err
	}
	st, err := store.NewBoltStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	svc := &Service{store: st, cfg: cfg, log: logger.With("component", "service"), started: time.Now()}
	ok := false
	defer func() {
		if !ok {
			svc.Close()
		}
	}()

	svc.keyword, err = store.NewKeywordIndex(store.KeywordIndexPath(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open keyword index: %w", err)
	}

	provider, err := embedding.New(embedding.Config{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
	})
	if err != nil {
		return nil, err
	}
	svc.Cache, err = embedding.NewCache(provider, st, embedding.CacheOptions{
		Size:    cfg.Embedding.CacheSize,
		Timeout: cfg.Embedding.Timeout,
		Retry:   retry.DefaultPolicy(),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	vectors, err := vector.New(vector.Metric(cfg.Vector.Metric), svc.Cache.Dimension())
	if err != nil {
		return nil, err
	}

	svc.Metrics = metrics.New()
	svc.Engine = engine.New(st, svc.keyword, vectors, svc.Cache, engine.Options{
		Retention: cfg.History.Retention,
		Logger:    logger,
		Metrics:   svc.Metrics,
	})
	svc.Linker = graph.NewLinker(st, vectors, graph.Options{
		TopN:      cfg.Graph.TopN,
		Threshold: cfg.Graph.Threshold,
		Async:     cfg.Graph.Async,
		Logger:    logger,
		Metrics:   svc.Metrics,
	})
	svc.Engine.OnCommit(svc.Linker.AfterCommit)
	svc.Searcher = search.New(st, svc.keyword, vectors, svc.Cache, search.Options{
		RRFK:       cfg.Search.RRFK,
		CandidateK: cfg.Search.CandidateK,
		MaxResults: cfg.Search.MaxResults,
		MaxTokens:  cfg.Search.MaxTokens,
		Timeout:    cfg.Search.Timeout,
		Logger:     logger,
		Metrics:    svc.Metrics,
	})
	svc.Ledger = ledger.New(st, ledger.Options{Logger: logger, Metrics: svc.Metrics})
	svc.Reflection = reflection.New(svc.Engine, svc.Searcher, reflection.Options{
		MinSamples:    cfg.Reflection.MinSamples,
		FallbackModel: cfg.Reflection.FallbackModel,
		Logger:        logger,
		Metrics:       svc.Metrics,
	})

	if err := svc.Engine.LoadIndexes(ctx); err != nil {
		return nil, err
	}
	ok = true
	return svc, nil
}

// Close waits for background linking and closes the indexes and database.
func (s *Service) Close() error {
	if s.Linker != nil {
		s.Linker.Close()
	}
	if s.Cache != nil {
		s.Cache.Close()
	}
	if s.keyword != nil {
		if err := s.keyword.Close(); err != nil {
			s.log.Warn("close keyword index", "error", err)
		}
	}
	return s.store.Close()
}

// DBPath returns the path of the open database.
func (s *Service) DBPath() string { return s.store.Path() }

// =============================================================================
// Memory operations
// =============================================================================

func (s *Service) Store(ctx context.Context, in engine.CreateInput) (*engine.CreateResult, error) {
	res, err := s.Engine.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	res.Memory = res.Memory.WithoutEmbedding()
	return res, nil
}

func (s *Service) Read(ctx context.Context, id string, depth int) (*engine.ReadResult, error) {
	res, err := s.Engine.Read(ctx, id, depth)
	if err != nil {
		return nil, err
	}
	res.Memory = res.Memory.WithoutEmbedding()
	return res, nil
}

func (s *Service) Update(ctx context.Context, id string, in engine.UpdateInput) (*engine.UpdateResult, error) {
	res, err := s.Engine.Update(ctx, id, in)
	if err != nil {
		return nil, err
	}
	res.Memory = res.Memory.WithoutEmbedding()
	return res, nil
}

func (s *Service) Delete(ctx context.Context, id string) (*engine.DeleteResult, error) {
	return s.Engine.Delete(ctx, id)
}

func (s *Service) List(ctx context.Context, opts memory.ListOptions) ([]*memory.Memory, error) {
	ms, err := s.Engine.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	for i, m := range ms {
		ms[i] = m.WithoutEmbedding()
	}
	return ms, nil
}

func (s *Service) History(ctx context.Context, id string) ([]*memory.Change, error) {
	changes, err := s.Engine.History(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, c := range changes {
		if c.Snapshot != nil {
			c.Snapshot = c.Snapshot.WithoutEmbedding()
		}
	}
	return changes, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) (*search.Response, error) {
	return s.Searcher.Search(ctx, q)
}

func (s *Service) Link(ctx context.Context, from, to, reason string, strength *float64) (*memory.Edge, error) {
	return s.Linker.Link(ctx, from, to, reason, strength)
}

func (s *Service) Stats(ctx context.Context, project string, kind memory.Kind) (*memory.Stats, error) {
	return s.Engine.Stats(ctx, project, kind)
}

func (s *Service) Reflect(ctx context.Context, in reflection.ReflectInput) (*reflection.ReflectResult, error) {
	res, err := s.Reflection.Reflect(ctx, in)
	if err != nil {
		return nil, err
	}
	res.Episode = res.Episode.WithoutEmbedding()
	return res, nil
}

// EmbedBatch embeds texts through the cache.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, memory.Validation("embed_batch", "texts", "texts must not be empty")
	}
	vecs, err := s.Cache.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, memory.EmbeddingFailure("embed_batch", err)
	}
	return vecs, nil
}

// Health reports liveness and basic counters.
type Health struct {
	Status    string               `json:"status"`
	DBPath    string               `json:"db_path"`
	Uptime    float64              `json:"uptime_seconds"`
	Provider  string               `json:"embedding_provider"`
	Dimension int                  `json:"embedding_dimension"`
	Cache     embedding.CacheStats `json:"cache"`
}

func (s *Service) Ping(ctx context.Context) *Health {
	return &Health{
		Status:    "ok",
		DBPath:    s.store.Path(),
		Uptime:    time.Since(s.started).Seconds(),
		Provider:  s.Cache.ProviderName(),
		Dimension: s.Cache.Dimension(),
		Cache:     s.Cache.Stats(),
	}
}

// RunMaintenance re-embeds pending records every interval until ctx is done,
// and prunes history once per day. A zero interval returns immediately.
func (s *Service) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastPrune := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		res, err := s.Engine.RetryPending(ctx)
		if err != nil {
			s.log.Warn("re-embedding pending records failed", "error", err)
		} else if res.Attempted > 0 {
			s.log.Info("re-embedded pending records", "embedded", res.Embedded, "remaining", res.Remaining)
		}
		if time.Since(lastPrune) >= 24*time.Hour {
			lastPrune = time.Now()
			if pruned, err := s.Engine.PruneHistory(ctx); err != nil {
				s.log.Warn("history prune failed", "error", err)
			} else if pruned.Changes+pruned.Records > 0 {
				s.log.Info("history pruned", "changes", pruned.Changes, "records", pruned.Records)
			}
		}
	}
}
