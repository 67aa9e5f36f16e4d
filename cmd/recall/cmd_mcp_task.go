package main

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jmylchreest/recall/pkg/ledger"
	"github.com/jmylchreest/recall/pkg/memory"
	"github.com/jmylchreest/recall/pkg/reflection"
)

// ============================================================================
// Input types for ledger and reflection tools
// ============================================================================

type CreateProjectInput struct {
	Name        string `json:"name" jsonschema:"Project name (required, unique)"`
	Prefix      string `json:"prefix,omitempty" jsonschema:"Task id prefix, 2-6 uppercase letters or digits. Derived from the name when omitted."`
	Description string `json:"description,omitempty" jsonschema:"What the project is about"`
}

type CreateTaskInput struct {
	Project        string   `json:"project" jsonschema:"Project name (required)"`
	Kind           string   `json:"kind,omitempty" jsonschema:"task (default) or epic"`
	Name           string   `json:"name" jsonschema:"Short task name (required)"`
	Description    string   `json:"description,omitempty" jsonschema:"What done looks like"`
	Priority       int      `json:"priority,omitempty" jsonschema:"1 (most urgent) to 5 (default 3)"`
	FilesExclusive []string `json:"files_exclusive,omitempty" jsonschema:"Globs of files this task may modify"`
	FilesReadonly  []string `json:"files_readonly,omitempty" jsonschema:"Globs of files this task may read"`
	DependsOn      []string `json:"depends_on,omitempty" jsonschema:"Task ids that must be done first"`
	Parent         string   `json:"parent,omitempty" jsonschema:"Parent epic id"`
	SuggestedModel string   `json:"suggested_model,omitempty" jsonschema:"Model best suited to the task"`
}

type GetNextTaskInput struct {
	Project string `json:"project,omitempty" jsonschema:"Project name. Omit to consider every project."`
}

type CompleteTaskInput struct {
	ID         string `json:"id" jsonschema:"Task id (required)"`
	ResolvedBy string `json:"resolved_by,omitempty" jsonschema:"Memory id of the episode recording the work"`
	Summary    string `json:"summary,omitempty" jsonschema:"What was done"`
}

type TaskGetInput struct {
	ID string `json:"id" jsonschema:"Task id (required)"`
}

type ListTasksInput struct {
	Project string `json:"project,omitempty" jsonschema:"Filter by project"`
	Status  string `json:"status,omitempty" jsonschema:"Filter by status: pending, in_progress, blocked, done"`
	Kind    string `json:"kind,omitempty" jsonschema:"Filter by kind: task, epic"`
	Parent  string `json:"parent,omitempty" jsonschema:"Filter by parent epic id"`
	File    string `json:"file,omitempty" jsonschema:"Only tasks whose file globs match this path"`
}

type ReflectInput struct {
	Output         string   `json:"output" jsonschema:"Output that was produced"`
	Feedback       string   `json:"feedback" jsonschema:"Feedback received, e.g. a test failure (required)"`
	FeedbackType   string   `json:"feedback_type,omitempty" jsonschema:"Feedback type (default test_failure)"`
	Task           string   `json:"task,omitempty" jsonschema:"Task description"`
	Approach       string   `json:"approach,omitempty" jsonschema:"Approach taken"`
	ModelUsed      string   `json:"model_used,omitempty" jsonschema:"Model that produced the output"`
	CodeContext    string   `json:"code_context,omitempty" jsonschema:"Relevant code"`
	FilePath       string   `json:"file_path,omitempty" jsonschema:"File the attempt touched"`
	Outcome        string   `json:"outcome,omitempty" jsonschema:"success, failure (default) or partial"`
	Project        string   `json:"project,omitempty" jsonschema:"Project name"`
	AppliedLessons []string `json:"applied_lessons,omitempty" jsonschema:"Memory ids of lessons applied; their confidence moves with the outcome"`
}

type ImprovedAttemptInput struct {
	Task           string `json:"task" jsonschema:"Task that failed"`
	OriginalOutput string `json:"original_output,omitempty" jsonschema:"Output of the failed attempt"`
	ErrorPattern   string `json:"error_pattern,omitempty" jsonschema:"Error message or pattern"`
}

type ModelEffectivenessInput struct {
	TaskPattern  string `json:"task_pattern,omitempty" jsonschema:"Only episodes whose content contains this text"`
	FeedbackType string `json:"feedback_type,omitempty" jsonschema:"Only episodes with this feedback type"`
}

// ============================================================================
// Ledger tools
// ============================================================================

func (s *MCPServer) registerTaskTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "create_project",
		Description: `Create a project. Task ids take the form PREFIX-KIND-NNN.`,
	}, s.handleCreateProject)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_projects",
		Description: `List projects with their prefixes and task counters.`,
	}, s.handleListProjects)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "create_task",
		Description: `Create a task or epic. A task with unfinished dependencies starts blocked
and becomes pending when they are done.`,
	}, s.handleCreateTask)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "get_next_task",
		Description: `Get the one task to work on now and mark it in progress.

Returns the task already in progress if there is one: finish it with
complete_task before asking for another. Returns {"task": null} when nothing
is ready. Epics are never issued.`,
	}, s.handleGetNextTask)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "complete_task",
		Description: `Mark a task done and report which dependents it unblocked.`,
	}, s.handleCompleteTask)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_task",
		Description: `Get a task by id.`,
	}, s.handleGetTask)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_tasks",
		Description: `List tasks ordered by priority then age. Read-only.`,
	}, s.handleListTasks)
}

func (s *MCPServer) handleCreateProject(ctx context.Context, _ *mcp.CallToolRequest, in CreateProjectInput) (*mcp.CallToolResult, any, error) {
	p, err := s.svc.Ledger.CreateProject(ctx, ledger.CreateProjectInput{
		Name:        in.Name,
		Prefix:      in.Prefix,
		Description: in.Description,
	})
	return s.respond("create_project", p, err)
}

func (s *MCPServer) handleListProjects(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, any, error) {
	projects, err := s.svc.Ledger.ListProjects(ctx)
	return s.respond("list_projects", projects, err)
}

func (s *MCPServer) handleCreateTask(ctx context.Context, _ *mcp.CallToolRequest, in CreateTaskInput) (*mcp.CallToolResult, any, error) {
	task, err := s.svc.Ledger.CreateTask(ctx, ledger.CreateTaskInput{
		Project:        in.Project,
		Kind:           memory.TaskKind(in.Kind),
		Name:           in.Name,
		Description:    in.Description,
		Priority:       in.Priority,
		FilesExclusive: in.FilesExclusive,
		FilesReadonly:  in.FilesReadonly,
		DependsOn:      in.DependsOn,
		Parent:         in.Parent,
		SuggestedModel: in.SuggestedModel,
	})
	return s.respond("create_task", task, err)
}

func (s *MCPServer) handleGetNextTask(ctx context.Context, _ *mcp.CallToolRequest, in GetNextTaskInput) (*mcp.CallToolResult, any, error) {
	task, err := s.svc.Ledger.GetNextTask(ctx, in.Project)
	if err != nil {
		return s.respond("get_next_task", nil, err)
	}
	return s.respond("get_next_task", map[string]*memory.Task{"task": task}, nil)
}

func (s *MCPServer) handleCompleteTask(ctx context.Context, _ *mcp.CallToolRequest, in CompleteTaskInput) (*mcp.CallToolResult, any, error) {
	res, err := s.svc.Ledger.CompleteTask(ctx, ledger.CompleteInput{
		ID:         in.ID,
		ResolvedBy: in.ResolvedBy,
		Summary:    in.Summary,
	})
	return s.respond("complete_task", res, err)
}

func (s *MCPServer) handleGetTask(ctx context.Context, _ *mcp.CallToolRequest, in TaskGetInput) (*mcp.CallToolResult, any, error) {
	task, err := s.svc.Ledger.GetTask(ctx, in.ID)
	return s.respond("get_task", task, err)
}

func (s *MCPServer) handleListTasks(ctx context.Context, _ *mcp.CallToolRequest, in ListTasksInput) (*mcp.CallToolResult, any, error) {
	tasks, err := s.svc.Ledger.ListTasks(ctx, memory.TaskFilter{
		Project: in.Project,
		Status:  memory.TaskStatus(in.Status),
		Kind:    memory.TaskKind(in.Kind),
		Parent:  in.Parent,
		File:    in.File,
	})
	return s.respond("list_tasks", tasks, err)
}

// ============================================================================
// Reflection tools
// ============================================================================

func (s *MCPServer) registerReflectionTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name: "reflect",
		Description: `Record an attempt and the feedback it got as an episode memory.

Returns a breakdown (what went wrong, root cause, what to try next, general
lesson). Lessons listed in applied_lessons gain confidence on success and lose
it on failure.`,
	}, s.handleReflect)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "improved_attempt",
		Description: `Before retrying a failed task, find similar past episodes and summarize
what worked, what failed, and the lessons learned.`,
	}, s.handleImprovedAttempt)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "model_effectiveness",
		Description: `Recommend a model from past episode outcomes. Falls back to a default model
when no model has enough episodes.`,
	}, s.handleModelEffectiveness)
}

func (s *MCPServer) handleReflect(ctx context.Context, _ *mcp.CallToolRequest, in ReflectInput) (*mcp.CallToolResult, any, error) {
	res, err := s.svc.Reflect(ctx, reflection.ReflectInput{
		Output:         in.Output,
		Feedback:       in.Feedback,
		FeedbackType:   in.FeedbackType,
		Task:           in.Task,
		Approach:       in.Approach,
		ModelUsed:      in.ModelUsed,
		CodeContext:    in.CodeContext,
		FilePath:       in.FilePath,
		Outcome:        memory.Outcome(in.Outcome),
		Project:        in.Project,
		AppliedLessons: in.AppliedLessons,
	})
	return s.respond("reflect", res, err)
}

func (s *MCPServer) handleImprovedAttempt(ctx context.Context, _ *mcp.CallToolRequest, in ImprovedAttemptInput) (*mcp.CallToolResult, any, error) {
	g, err := s.svc.Reflection.ImprovedAttempt(ctx, in.Task, in.OriginalOutput, in.ErrorPattern)
	return s.respond("improved_attempt", g, err)
}

func (s *MCPServer) handleModelEffectiveness(ctx context.Context, _ *mcp.CallToolRequest, in ModelEffectivenessInput) (*mcp.CallToolResult, any, error) {
	rec, err := s.svc.Reflection.ModelEffectiveness(ctx, in.TaskPattern, in.FeedbackType)
	return s.respond("model_effectiveness", rec, err)
}
