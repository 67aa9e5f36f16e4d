package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmylchreest/recall/pkg/memory"
)

// runCLI executes one command against dbPath and returns its stdout.
func runCLI(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--db", dbPath, "--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func setupTestCLI(t *testing.T) string {
	t.Helper()
	t.Setenv("RECALL_CONFIG", "")
	t.Setenv("RECALL_EMBEDDING__PROVIDER", "hash")
	t.Setenv("RECALL_EMBEDDING__DIMENSIONS", "64")
	return filepath.Join(t.TempDir(), "recall.db")
}

// =============================================================================
// Command round trips
// =============================================================================

func TestCLIMemoryRoundTrip(t *testing.T) {
	db := setupTestCLI(t)

	out, err := runCLI(t, db, "--json", "memory", "add", "--kind", "pattern", "--title", "Retry policy",
		"--tags", "reliability,http", "retry", "transient", "errors", "with", "backoff")
	if err != nil {
		t.Fatalf("memory add: %v", err)
	}
	var created struct {
		Memory memory.Memory `json:"memory"`
	}
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode add output %q: %v", out, err)
	}
	if created.Memory.Content != "retry transient errors with backoff" || len(created.Memory.Tags) != 2 {
		t.Fatalf("created = %+v", created.Memory)
	}

	out, err = runCLI(t, db, "--json", "memory", "get", created.Memory.ID)
	if err != nil {
		t.Fatalf("memory get: %v", err)
	}
	if !strings.Contains(out, `"access_count": 1`) {
		t.Errorf("get output missing access count: %s", out)
	}

	out, err = runCLI(t, db, "--json", "search", "transient backoff")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(out, created.Memory.ID) {
		t.Errorf("search did not find %s: %s", created.Memory.ID, out)
	}

	if _, err := runCLI(t, db, "memory", "delete", created.Memory.ID); err != nil {
		t.Fatalf("memory delete: %v", err)
	}
	_, err = runCLI(t, db, "memory", "get", created.Memory.ID)
	if memory.CodeOf(err) != memory.CodeNotFound {
		t.Errorf("get after delete: %v", err)
	}
}

func TestCLIValidationError(t *testing.T) {
	db := setupTestCLI(t)

	_, err := runCLI(t, db, "memory", "add", "--kind", "rumor", "something")
	if memory.CodeOf(err) != memory.CodeValidation {
		t.Fatalf("expected a validation error, got %v", err)
	}
	if got := formatError(err); !strings.Contains(got, "[VALIDATION_ERROR]") {
		t.Errorf("formatError() = %q", got)
	}
}

func TestCLITaskFlow(t *testing.T) {
	db := setupTestCLI(t)

	if _, err := runCLI(t, db, "project", "create", "billing", "--prefix", "BILL"); err != nil {
		t.Fatalf("project create: %v", err)
	}
	out, err := runCLI(t, db, "--json", "task", "create", "add invoices", "--project", "billing")
	if err != nil {
		t.Fatalf("task create: %v", err)
	}
	var task memory.Task
	if err := json.Unmarshal([]byte(out), &task); err != nil {
		t.Fatalf("decode task %q: %v", out, err)
	}
	if task.ID != "BILL-TASK-001" {
		t.Errorf("task id = %q", task.ID)
	}

	out, err = runCLI(t, db, "task", "list", "--project", "billing")
	if err != nil {
		t.Fatalf("task list: %v", err)
	}
	if !strings.Contains(out, "BILL-TASK-001") {
		t.Errorf("list output: %s", out)
	}
}

func TestCLIVersion(t *testing.T) {
	out, err := runCLI(t, filepath.Join(t.TempDir(), "unused.db"), "--json", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var info map[string]any
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("version output is not JSON: %q", out)
	}
}
