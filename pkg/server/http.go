// Package server provides the HTTP API for recall.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmylchreest/recall/pkg/engine"
	"github.com/jmylchreest/recall/pkg/ledger"
	"github.com/jmylchreest/recall/pkg/memory"
	"github.com/jmylchreest/recall/pkg/reflection"
	"github.com/jmylchreest/recall/pkg/search"
	"github.com/jmylchreest/recall/pkg/service"
)

// Server provides the HTTP API for recall.
type Server struct {
	svc    *service.Service
	addr   string
	router chi.Router
	log    *slog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(svc *service.Service, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:  svc,
		addr: addr,
		log:  logger.With("component", "http"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	if reg := s.svc.Metrics.Registry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/ping", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Route("/memories", func(r chi.Router) {
			r.Get("/", s.handleListMemories)
			r.Post("/", s.handleCreateMemory)
			r.Get("/{id}", s.handleReadMemory)
			r.Patch("/{id}", s.handleUpdateMemory)
			r.Delete("/{id}", s.handleDeleteMemory)
			r.Get("/{id}/history", s.handleHistory)
		})
		r.Post("/search", s.handleSearch)
		r.Post("/links", s.handleLink)
		r.Delete("/links", s.handleUnlink)
		r.Post("/embed", s.handleEmbedBatch)

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Post("/", s.handleCreateProject)
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Post("/next", s.handleNextTask)
			r.Get("/{id}", s.handleGetTask)
			r.Post("/{id}/complete", s.handleCompleteTask)
		})

		r.Post("/reflect", s.handleReflect)
		r.Post("/improved-attempt", s.handleImprovedAttempt)
		r.Get("/model-effectiveness", s.handleModelEffectiveness)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/retry-pending", s.handleRetryPending)
			r.Post("/reindex", s.handleReindex)
			r.Post("/prune", s.handlePrune)
		})
	})

	s.router = r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("recall server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// instrument records request latency by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.svc.Metrics.HTTPRequest(r.Method, route, status, time.Since(start))
		s.log.Debug("request", "method", r.Method, "route", route, "status", status, "duration", time.Since(start))
	})
}

// MaxRequestBodySize limits request body size to 1MB.
const MaxRequestBodySize = 1 << 20 // 1MB

// limitRequestBody wraps the request body with a size limit.
func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
}

// decode reads a JSON body into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	limitRequestBody(w, r)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, memory.Validation("decode", "body", "invalid JSON or request too large"))
		return false
	}
	return true
}

// Response helpers
func jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Error string      `json:"error"`
	Code  memory.Code `json:"code"`
}

func writeError(w http.ResponseWriter, err error) {
	code := memory.CodeOf(err)
	jsonResponse(w, errorBody{Error: memory.Public(err), Code: code}, statusFor(code))
}

func statusFor(code memory.Code) int {
	switch code {
	case memory.CodeNotFound:
		return http.StatusNotFound
	case memory.CodeValidation:
		return http.StatusBadRequest
	case memory.CodeInvalidTransition:
		return http.StatusConflict
	case memory.CodeEmbedding:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, memory.Validation("query", name, "%s must be an integer", name)
	}
	return n, nil
}

// =============================================================================
// Health and stats
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.svc.Ping(r.Context()), http.StatusOK)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	st, err := s.svc.Stats(r.Context(), q.Get("project"), memory.Kind(q.Get("kind")))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, st, http.StatusOK)
}

// =============================================================================
// Memories
// =============================================================================

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	ms, err := s.svc.List(r.Context(), memory.ListOptions{
		Kind:           memory.Kind(q.Get("kind")),
		Project:        q.Get("project"),
		Tags:           q["tag"],
		IncludeDeleted: q.Get("include_deleted") == "true",
		Limit:          limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, ms, http.StatusOK)
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	var in engine.CreateInput
	if !decode(w, r, &in) {
		return
	}
	res, err := s.svc.Store(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, res, http.StatusCreated)
}

func (s *Server) handleReadMemory(w http.ResponseWriter, r *http.Request) {
	depth, err := queryInt(r, "depth", 1)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.Read(r.Context(), chi.URLParam(r, "id"), depth)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, res, http.StatusOK)
}

func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	var in engine.UpdateInput
	if !decode(w, r, &in) {
		return
	}
	res, err := s.svc.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, res, http.StatusOK)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, res, http.StatusOK)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	changes, err := s.svc.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, changes, http.StatusOK)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var q search.Query
	if !decode(w, r, &q) {
		return
	}
	res, err := s.svc.Search(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, res, http.StatusOK)
}

type linkRequest struct {
	From     string   `json:"from_id"`
	To       string   `json:"to_id"`
	Reason   string   `json:"reason,omitempty"`
	Strength *float64 `json:"strength,omitempty"`
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !decode(w, r, &req) {
		return
	}
	edge, err := s.svc.Link(r.Context(), req.From, req.To, req.Reason, req.Strength)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, edge, http.StatusCreated)
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	removed, err := s.svc.Linker.Unlink(r.Context(), q.Get("from_id"), q.Get("to_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]bool{"removed": removed}, http.StatusOK)
}

func (s *Server) handleEmbedBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Texts []string `json:"texts"`
	}
	if !decode(w, r, &req) {
		return
	}
	vecs, err := s.svc.EmbedBatch(r.Context(), req.Texts)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]any{
		"embeddings": vecs,
		"dimension":  s.svc.Cache.Dimension(),
	}, http.StatusOK)
}

// =============================================================================
// Projects and tasks
// =============================================================================

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.svc.Ledger.ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, projects, http.StatusOK)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var in ledger.CreateProjectInput
	if !decode(w, r, &in) {
		return
	}
	p, err := s.svc.Ledger.CreateProject(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, p, http.StatusCreated)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.svc.Ledger.ListTasks(r.Context(), memory.TaskFilter{
		Project: q.Get("project"),
		Status:  memory.TaskStatus(q.Get("status")),
		Kind:    memory.TaskKind(q.Get("kind")),
		Parent:  q.Get("parent"),
		File:    q.Get("file"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, tasks, http.StatusOK)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in ledger.CreateTaskInput
	if !decode(w, r, &in) {
		return
	}
	task, err := s.svc.Ledger.CreateTask(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, task, http.StatusCreated)
}

func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Project string `json:"project"`
	}
	if !decode(w, r, &req) {
		return
	}
	task, err := s.svc.Ledger.GetNextTask(r.Context(), req.Project)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]*memory.Task{"task": task}, http.StatusOK)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.Ledger.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, task, http.StatusOK)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var in ledger.CompleteInput
	if !decode(w, r, &in) {
		return
	}
	in.ID = chi.URLParam(r, "id")
	res, err := s.svc.Ledger.CompleteTask(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, res, http.StatusOK)
}

// =============================================================================
// Reflection
// =============================================================================

func (s *Server) handleReflect(w http.ResponseWriter, r *http.Request) {
	var in reflection.ReflectInput
	if !decode(w, r, &in) {
		return
	}
	res, err := s.svc.Reflect(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, res, http.StatusCreated)
}

func (s *Server) handleImprovedAttempt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Task           string `json:"task"`
		OriginalOutput string `json:"original_output"`
		ErrorPattern   string `json:"error_pattern,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	g, err := s.svc.Reflection.ImprovedAttempt(r.Context(), req.Task, req.OriginalOutput, req.ErrorPattern)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, g, http.StatusOK)
}

func (s *Server) handleModelEffectiveness(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rec, err := s.svc.Reflection.ModelEffectiveness(r.Context(), q.Get("task_pattern"), q.Get("feedback_type"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, rec, http.StatusOK)
}

// =============================================================================
// Maintenance
// =============================================================================

func (s *Server) handleRetryPending(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Engine.RetryPending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, res, http.StatusOK)
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Engine.Reindex(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, res, http.StatusOK)
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Engine.PruneHistory(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, res, http.StatusOK)
}
