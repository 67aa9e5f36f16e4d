package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jmylchreest/recall/pkg/config"
	"github.com/jmylchreest/recall/pkg/memory"
	"github.com/jmylchreest/recall/pkg/service"
)

func setupTestMCP(t *testing.T) *MCPServer {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "recall.db")
	cfg.Embedding.Dimensions = 64
	svc, err := service.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("failed to open service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return NewMCPServer(svc, nil)
}

// resultText returns the single text block of a tool result.
func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected one content block, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func decodeResult[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	var v T
	if err := json.Unmarshal([]byte(resultText(t, res)), &v); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return v
}

func expectToolError(t *testing.T, res *mcp.CallToolResult, code memory.Code) {
	t.Helper()
	if !res.IsError {
		t.Fatalf("expected an error result, got %s", resultText(t, res))
	}
	var body toolError
	if err := json.Unmarshal([]byte(resultText(t, res)), &body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if body.Code != code || body.Error == "" {
		t.Errorf("expected %s with a message, got %+v", code, body)
	}
}

// =============================================================================
// Memory tools
// =============================================================================

func TestMCPStoreReadUpdateDelete(t *testing.T) {
	s := setupTestMCP(t)
	ctx := context.Background()

	res, _, _ := s.handleStore(ctx, nil, StoreInput{
		Kind:     "decision",
		Title:    "Storage engine",
		Content:  "use bbolt for the record store",
		Metadata: map[string]any{"topic": "storage", "rationale": "single file, transactions"},
		Tags:     []string{"storage"},
	})
	stored := decodeResult[struct {
		Memory memory.Memory `json:"memory"`
	}](t, res)
	id := stored.Memory.ID
	if id == "" || stored.Memory.Embedding != nil {
		t.Fatalf("stored = %+v", stored.Memory)
	}

	res, _, _ = s.handleRead(ctx, nil, ReadInput{ID: id})
	read := decodeResult[struct {
		Memory memory.Memory `json:"memory"`
	}](t, res)
	if read.Memory.AccessCount != 1 {
		t.Errorf("access_count = %d, want 1", read.Memory.AccessCount)
	}

	title := "Record store engine"
	res, _, _ = s.handleUpdate(ctx, nil, UpdateInput{ID: id, Title: &title, Metadata: map[string]any{"rationale": nil}})
	updated := decodeResult[struct {
		Memory memory.Memory `json:"memory"`
	}](t, res)
	if updated.Memory.Title != title {
		t.Errorf("title = %q", updated.Memory.Title)
	}
	var meta map[string]any
	if err := json.Unmarshal(updated.Memory.Metadata, &meta); err != nil {
		t.Fatal(err)
	}
	if _, ok := meta["rationale"]; ok {
		t.Errorf("null in the patch should remove the key, metadata = %v", meta)
	}

	res, _, _ = s.handleDelete(ctx, nil, IDInput{ID: id})
	if !decodeResult[map[string]any](t, res)["deleted"].(bool) {
		t.Error("expected deleted=true")
	}

	res, _, _ = s.handleRead(ctx, nil, ReadInput{ID: id})
	expectToolError(t, res, memory.CodeNotFound)

	res, _, _ = s.handleHistory(ctx, nil, IDInput{ID: id})
	if changes := decodeResult[[]memory.Change](t, res); len(changes) != 3 {
		t.Errorf("expected 3 history entries, got %d", len(changes))
	}
}

func TestMCPValidationErrors(t *testing.T) {
	s := setupTestMCP(t)
	ctx := context.Background()

	res, _, _ := s.handleStore(ctx, nil, StoreInput{Kind: "gossip", Content: "x"})
	expectToolError(t, res, memory.CodeValidation)

	res, _, _ = s.handleSearch(ctx, nil, SearchInput{Query: "   "})
	expectToolError(t, res, memory.CodeValidation)

	res, _, _ = s.handleLink(ctx, nil, LinkInput{FromID: "a", ToID: "a"})
	expectToolError(t, res, memory.CodeValidation)

	res, _, _ = s.handleEmbedBatch(ctx, nil, EmbedBatchInput{})
	expectToolError(t, res, memory.CodeValidation)
}

func TestMCPSearchAndLink(t *testing.T) {
	s := setupTestMCP(t)
	ctx := context.Background()

	var ids []string
	for _, content := range []string{"exponential backoff with jitter", "the office coffee machine"} {
		res, _, _ := s.handleStore(ctx, nil, StoreInput{Kind: "knowledge", Content: content})
		ids = append(ids, decodeResult[struct {
			Memory memory.Memory `json:"memory"`
		}](t, res).Memory.ID)
	}

	res, _, _ := s.handleSearch(ctx, nil, SearchInput{Query: "backoff jitter"})
	found := decodeResult[struct {
		Index []struct {
			ID string `json:"id"`
		} `json:"index"`
		TotalCount int `json:"total_count"`
	}](t, res)
	if len(found.Index) == 0 || found.Index[0].ID != ids[0] {
		t.Fatalf("search index = %+v", found.Index)
	}

	res, _, _ = s.handleLink(ctx, nil, LinkInput{FromID: ids[0], ToID: ids[1]})
	edge := decodeResult[memory.Edge](t, res)
	if edge.Reason != memory.ReasonManual || edge.Strength != 0.8 {
		t.Errorf("edge = %+v", edge)
	}

	res, _, _ = s.handleStats(ctx, nil, StatsInput{})
	st := decodeResult[memory.Stats](t, res)
	if st.Total != 2 || st.TotalEdges < 1 {
		t.Errorf("stats = %+v", st)
	}
}

// =============================================================================
// Ledger and reflection tools
// =============================================================================

func TestMCPTaskFlow(t *testing.T) {
	s := setupTestMCP(t)
	ctx := context.Background()

	res, _, _ := s.handleCreateProject(ctx, nil, CreateProjectInput{Name: "recall"})
	if p := decodeResult[memory.Project](t, res); p.Prefix != "RECA" {
		t.Errorf("derived prefix = %q", p.Prefix)
	}

	res, _, _ = s.handleGetNextTask(ctx, nil, GetNextTaskInput{Project: "recall"})
	if next := decodeResult[map[string]*memory.Task](t, res); next["task"] != nil {
		t.Errorf("expected no task, got %+v", next["task"])
	}

	res, _, _ = s.handleCreateTask(ctx, nil, CreateTaskInput{Project: "recall", Name: "index episodes", Priority: 1})
	task := decodeResult[memory.Task](t, res)

	res, _, _ = s.handleGetNextTask(ctx, nil, GetNextTaskInput{Project: "recall"})
	next := decodeResult[map[string]*memory.Task](t, res)["task"]
	if next == nil || next.ID != task.ID {
		t.Fatalf("next = %+v", next)
	}

	res, _, _ = s.handleReflect(ctx, nil, ReflectInput{
		Task:      "index episodes",
		Output:    "added the bleve mapping",
		Feedback:  "all tests pass",
		Outcome:   "success",
		ModelUsed: "sonnet",
	})
	episode := decodeResult[struct {
		Episode memory.Memory `json:"episode"`
	}](t, res).Episode

	res, _, _ = s.handleCompleteTask(ctx, nil, CompleteTaskInput{ID: task.ID, ResolvedBy: episode.ID})
	if done := decodeResult[struct {
		Task memory.Task `json:"task"`
	}](t, res); done.Task.Status != memory.TaskStatusDone {
		t.Errorf("status = %s", done.Task.Status)
	}

	res, _, _ = s.handleCompleteTask(ctx, nil, CompleteTaskInput{ID: task.ID})
	expectToolError(t, res, memory.CodeInvalidTransition)

	res, _, _ = s.handleListTasks(ctx, nil, ListTasksInput{Project: "recall", Status: "done"})
	if tasks := decodeResult[[]memory.Task](t, res); len(tasks) != 1 {
		t.Errorf("done tasks = %d", len(tasks))
	}

	res, _, _ = s.handleModelEffectiveness(ctx, nil, ModelEffectivenessInput{})
	rec := decodeResult[map[string]any](t, res)
	if rec["recommended_model"] != "sonnet" {
		t.Errorf("recommendation = %v", rec)
	}

	res, _, _ = s.handleImprovedAttempt(ctx, nil, ImprovedAttemptInput{Task: "index episodes"})
	if g := decodeResult[map[string]any](t, res); g["guidance"] == "" {
		t.Error("expected guidance text")
	}
}

func TestMCPPingCountsTools(t *testing.T) {
	s := setupTestMCP(t)
	s.incrementToolCount("search")
	s.incrementToolCount("search")

	res, _, _ := s.handlePing(context.Background(), nil, emptyInput{})
	got := decodeResult[struct {
		Health     service.Health   `json:"health"`
		ToolCounts map[string]int64 `json:"tool_counts"`
	}](t, res)
	if got.Health.Status != "ok" || got.ToolCounts["search"] != 2 {
		t.Errorf("ping = %+v", got)
	}
}
