package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmylchreest/recall/pkg/config"
	"github.com/jmylchreest/recall/pkg/engine"
	"github.com/jmylchreest/recall/pkg/memory"
	"github.com/jmylchreest/recall/pkg/search"
	"github.com/jmylchreest/recall/pkg/service"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	cfg.Embedding.Dimensions = 64
	svc, err := service.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("failed to open service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	return NewServer(svc, ":0", nil)
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code memory.Code) {
	t.Helper()
	if w.Code != status {
		t.Errorf("expected status %d, got %d: %s", status, w.Code, w.Body.String())
	}
	body := decodeBody[errorBody](t, w)
	if body.Code != code || body.Error == "" {
		t.Errorf("expected code %s with a message, got %+v", code, body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := setupTestServer(t)

	for _, path := range []string{"/health", "/api/ping"} {
		w := do(t, srv, http.MethodGet, path, nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, w.Code)
		}
		h := decodeBody[service.Health](t, w)
		if h.Status != "ok" || h.Provider != "hash" {
			t.Errorf("%s: health = %+v", path, h)
		}
	}
}

func TestMemoryEndpoints(t *testing.T) {
	srv := setupTestServer(t)

	// Create
	w := do(t, srv, http.MethodPost, "/api/memories", engine.CreateInput{
		Kind:    memory.KindKnowledge,
		Title:   "Retry policy",
		Content: "retry transient failures with exponential backoff",
		Tags:    []string{"resilience"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decodeBody[engine.CreateResult](t, w)
	id := created.Memory.ID
	if id == "" || created.Memory.Embedding != nil {
		t.Fatalf("create returned %+v", created.Memory)
	}

	// Read
	w = do(t, srv, http.MethodGet, "/api/memories/"+id+"?depth=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("read: expected 200, got %d", w.Code)
	}
	read := decodeBody[engine.ReadResult](t, w)
	if read.Memory.AccessCount != 1 {
		t.Errorf("expected access_count 1, got %d", read.Memory.AccessCount)
	}

	// Update
	w = do(t, srv, http.MethodPatch, "/api/memories/"+id, map[string]any{"title": "Retry with backoff"})
	if w.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody[engine.UpdateResult](t, w).Memory.Title; got != "Retry with backoff" {
		t.Errorf("updated title = %q", got)
	}

	// List with filters
	w = do(t, srv, http.MethodGet, "/api/memories?kind=knowledge&tag=resilience", nil)
	if list := decodeBody[[]memory.Memory](t, w); len(list) != 1 {
		t.Errorf("expected 1 listed memory, got %d", len(list))
	}
	w = do(t, srv, http.MethodGet, "/api/memories?kind=decision", nil)
	if list := decodeBody[[]memory.Memory](t, w); len(list) != 0 {
		t.Errorf("expected no decisions, got %d", len(list))
	}

	// Delete, then the record is gone
	w = do(t, srv, http.MethodDelete, "/api/memories/"+id, nil)
	if w.Code != http.StatusOK || !decodeBody[engine.DeleteResult](t, w).Deleted {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}
	expectError(t, do(t, srv, http.MethodGet, "/api/memories/"+id, nil), http.StatusNotFound, memory.CodeNotFound)

	// History keeps every change
	w = do(t, srv, http.MethodGet, "/api/memories/"+id+"/history", nil)
	if changes := decodeBody[[]memory.Change](t, w); len(changes) != 3 {
		t.Errorf("expected 3 history entries, got %d", len(changes))
	}
}

func TestMemoryErrors(t *testing.T) {
	srv := setupTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   memory.Code
	}{
		{"unknown kind", http.MethodPost, "/api/memories", map[string]any{"kind": "rumour", "content": "x"}, http.StatusBadRequest, memory.CodeValidation},
		{"empty content", http.MethodPost, "/api/memories", map[string]any{"kind": "knowledge"}, http.StatusBadRequest, memory.CodeValidation},
		{"malformed JSON", http.MethodPost, "/api/memories", "{not json", http.StatusBadRequest, memory.CodeValidation},
		{"missing record", http.MethodGet, "/api/memories/nope", nil, http.StatusNotFound, memory.CodeNotFound},
		{"bad depth", http.MethodGet, "/api/memories/nope?depth=deep", nil, http.StatusBadRequest, memory.CodeValidation},
		{"empty search", http.MethodPost, "/api/search", map[string]any{"query": ""}, http.StatusBadRequest, memory.CodeValidation},
		{"unlink without ids", http.MethodDelete, "/api/links", nil, http.StatusBadRequest, memory.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, do(t, srv, tt.method, tt.path, tt.body), tt.status, tt.code)
		})
	}
}

func TestRequestBodyLimit(t *testing.T) {
	srv := setupTestServer(t)

	big := `{"kind":"knowledge","content":"` + strings.Repeat("a", MaxRequestBodySize) + `"}`
	expectError(t, do(t, srv, http.MethodPost, "/api/memories", big), http.StatusBadRequest, memory.CodeValidation)
}

func TestSearchAndLinks(t *testing.T) {
	srv := setupTestServer(t)

	var ids []string
	for _, content := range []string{
		"retry transient failures with exponential backoff",
		"circuit breakers stop cascading outages",
	} {
		w := do(t, srv, http.MethodPost, "/api/memories", engine.CreateInput{Kind: memory.KindKnowledge, Content: content})
		ids = append(ids, decodeBody[engine.CreateResult](t, w).Memory.ID)
	}

	w := do(t, srv, http.MethodPost, "/api/search", search.Query{Query: "exponential backoff"})
	if w.Code != http.StatusOK {
		t.Fatalf("search: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decodeBody[search.Response](t, w)
	if len(res.Index) == 0 || res.Index[0].ID != ids[0] {
		t.Fatalf("expected %s first, got %+v", ids[0], res.Index)
	}

	w = do(t, srv, http.MethodPost, "/api/links", map[string]any{"from_id": ids[0], "to_id": ids[1], "reason": "complements"})
	if w.Code != http.StatusCreated {
		t.Fatalf("link: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if e := decodeBody[memory.Edge](t, w); e.Reason != "complements" || e.Auto {
		t.Errorf("edge = %+v", e)
	}

	w = do(t, srv, http.MethodGet, "/api/memories/"+ids[0], nil)
	related := decodeBody[engine.ReadResult](t, w).Related
	if len(related) == 0 {
		t.Error("expected the linked record among related")
	}

	w = do(t, srv, http.MethodDelete, "/api/links?from_id="+ids[0]+"&to_id="+ids[1], nil)
	if got := decodeBody[map[string]bool](t, w); !got["removed"] {
		t.Errorf("unlink = %v", got)
	}

	expectError(t, do(t, srv, http.MethodPost, "/api/links", map[string]any{"from_id": ids[0], "to_id": "missing"}), http.StatusNotFound, memory.CodeNotFound)
}

func TestTaskEndpoints(t *testing.T) {
	srv := setupTestServer(t)

	w := do(t, srv, http.MethodPost, "/api/projects", map[string]any{"name": "recall", "prefix": "REC"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create project: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, srv, http.MethodPost, "/api/tasks", map[string]any{"project": "recall", "name": "write schema"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create task: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	first := decodeBody[memory.Task](t, w)

	w = do(t, srv, http.MethodPost, "/api/tasks", map[string]any{
		"project":    "recall",
		"name":       "write migrations",
		"depends_on": []string{first.ID},
	})
	second := decodeBody[memory.Task](t, w)
	if second.Status != memory.TaskStatusBlocked {
		t.Errorf("dependent task should start blocked, got %s", second.Status)
	}

	// A blocked task cannot be completed
	expectError(t, do(t, srv, http.MethodPost, "/api/tasks/"+second.ID+"/complete", map[string]any{}), http.StatusConflict, memory.CodeInvalidTransition)

	w = do(t, srv, http.MethodPost, "/api/tasks/next", map[string]any{"project": "recall"})
	next := decodeBody[map[string]*memory.Task](t, w)["task"]
	if next == nil || next.ID != first.ID || next.Status != memory.TaskStatusInProgress {
		t.Fatalf("next task = %+v", next)
	}

	w = do(t, srv, http.MethodPost, "/api/tasks/"+first.ID+"/complete", map[string]any{"summary": "done"})
	if w.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var completed struct {
		Task      memory.Task `json:"task"`
		Unblocked []string    `json:"unblocked"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &completed); err != nil {
		t.Fatal(err)
	}
	if len(completed.Unblocked) != 1 || completed.Unblocked[0] != second.ID {
		t.Errorf("unblocked = %v", completed.Unblocked)
	}

	w = do(t, srv, http.MethodGet, "/api/tasks?project=recall&status=pending", nil)
	if tasks := decodeBody[[]memory.Task](t, w); len(tasks) != 1 || tasks[0].ID != second.ID {
		t.Errorf("pending tasks = %+v", tasks)
	}

	w = do(t, srv, http.MethodGet, "/api/tasks/"+first.ID, nil)
	if got := decodeBody[memory.Task](t, w); got.Status != memory.TaskStatusDone {
		t.Errorf("task status = %s", got.Status)
	}
	expectError(t, do(t, srv, http.MethodGet, "/api/tasks/REC-TASK-999", nil), http.StatusNotFound, memory.CodeNotFound)

	w = do(t, srv, http.MethodGet, "/api/projects", nil)
	if projects := decodeBody[[]memory.Project](t, w); len(projects) != 1 {
		t.Errorf("expected 1 project, got %d", len(projects))
	}
}

func TestReflectionEndpoints(t *testing.T) {
	srv := setupTestServer(t)

	w := do(t, srv, http.MethodPost, "/api/reflect", map[string]any{
		"task":       "parse config file",
		"output":     "panic: nil map",
		"feedback":   "TestLoad failed with a nil map write",
		"model_used": "haiku",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("reflect: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var reflected struct {
		Episode memory.Memory `json:"episode"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &reflected); err != nil {
		t.Fatal(err)
	}
	if reflected.Episode.Kind != memory.KindEpisode || reflected.Episode.Embedding != nil {
		t.Errorf("episode = %+v", reflected.Episode)
	}

	expectError(t, do(t, srv, http.MethodPost, "/api/reflect", map[string]any{"output": "x"}), http.StatusBadRequest, memory.CodeValidation)

	w = do(t, srv, http.MethodPost, "/api/improved-attempt", map[string]any{"task": "parse config file", "original_output": "panic: nil map"})
	if w.Code != http.StatusOK {
		t.Fatalf("improved attempt: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, srv, http.MethodGet, "/api/model-effectiveness?task_pattern=config", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("model effectiveness: expected 200, got %d", w.Code)
	}
	var rec struct {
		RecommendedModel string `json:"recommended_model"`
	}
	json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.RecommendedModel != "sonnet" {
		t.Errorf("expected the fallback model with one sample, got %q", rec.RecommendedModel)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := setupTestServer(t)

	do(t, srv, http.MethodGet, "/api/stats", nil)
	w := do(t, srv, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"recall_http_request_duration_seconds", `route="/api/stats"`, "recall_operations_total"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
