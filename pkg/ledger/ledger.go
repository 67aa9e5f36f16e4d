// Package ledger tracks projects and their tasks: human-readable ids,
// dependency gating, and one-task-at-a-time issuance.
package ledger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jmylchreest/recall/pkg/memory"
	"github.com/jmylchreest/recall/pkg/metrics"
	"github.com/jmylchreest/recall/pkg/store"
)

// Options configures a Ledger.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Ledger manages tasks stored alongside memories.
type Ledger struct {
	store   *store.BoltStore
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New returns a Ledger over s.
func New(s *store.BoltStore, opts Options) *Ledger {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ledger{
		store:   s,
		log:     opts.Logger.With("component", "ledger"),
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// =============================================================================
// Projects
// =============================================================================

// CreateProjectInput describes a new project.
type CreateProjectInput struct {
	Name        string `json:"name"`
	Prefix      string `json:"prefix,omitempty"` // Derived from Name when empty
	Description string `json:"description,omitempty"`
}

// CreateProject registers a project. Names and prefixes are unique.
func (l *Ledger) CreateProject(ctx context.Context, in CreateProjectInput) (p *memory.Project, err error) {
	const op = "create_project"
	defer l.observe(op, time.Now(), &err)

	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, memory.Validation(op, "name", "name is required")
	}
	if in.Prefix == "" {
		in.Prefix = DerivePrefix(in.Name)
	}
	in.Prefix = strings.ToUpper(strings.TrimSpace(in.Prefix))
	if !memory.ValidPrefix(in.Prefix) {
		return nil, memory.Validation(op, "prefix", "prefix %q must be 2-6 uppercase letters or digits starting with a letter", in.Prefix)
	}

	p = &memory.Project{
		Name:        in.Name,
		Prefix:      in.Prefix,
		Description: in.Description,
		CreatedAt:   l.now(),
	}
	err = l.store.Update(func(tx *store.Tx) error {
		return tx.CreateProject(p)
	})
	if errors.Is(err, store.ErrExists) {
		return nil, memory.Validation(op, "name", "project %q or prefix %q already exists", in.Name, in.Prefix)
	}
	if err != nil {
		return nil, memory.StoreFailure(op, in.Name, err)
	}
	l.log.Info("project created", "name", p.Name, "prefix", p.Prefix)
	return p, nil
}

// DerivePrefix builds a task id prefix from the letters and digits of name.
func DerivePrefix(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(name) {
		if sb.Len() == 0 && !unicode.IsLetter(r) {
			continue
		}
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
		if sb.Len() == 4 {
			break
		}
	}
	return sb.String()
}

// ListProjects returns every project ordered by name.
func (l *Ledger) ListProjects(ctx context.Context) ([]*memory.Project, error) {
	var out []*memory.Project
	err := l.store.View(func(tx *store.Tx) error {
		var err error
		out, err = tx.ListProjects()
		return err
	})
	if err != nil {
		return nil, memory.StoreFailure("list_projects", "", err)
	}
	return out, nil
}

// =============================================================================
// Tasks
// =============================================================================

// CreateTaskInput describes a new task or epic.
type CreateTaskInput struct {
	Project        string          `json:"project"`
	Kind           memory.TaskKind `json:"kind,omitempty"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	FilesExclusive []string        `json:"files_exclusive,omitempty"`
	FilesReadonly  []string        `json:"files_readonly,omitempty"`
	DependsOn      []string        `json:"depends_on,omitempty"`
	Parent         string          `json:"parent,omitempty"`
	SuggestedModel string          `json:"suggested_model,omitempty"`
}

func (in *CreateTaskInput) validate(op string) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Project == "" {
		return memory.Validation(op, "project", "project is required")
	}
	if in.Name == "" {
		return memory.Validation(op, "name", "name is required")
	}
	if in.Kind == "" {
		in.Kind = memory.TaskKindTask
	}
	if in.Kind != memory.TaskKindTask && in.Kind != memory.TaskKindEpic {
		return memory.Validation(op, "kind", "kind must be %q or %q", memory.TaskKindTask, memory.TaskKindEpic)
	}
	if in.Priority == 0 {
		in.Priority = memory.DefaultPriority
	}
	if in.Priority < memory.MinPriority || in.Priority > memory.MaxPriority {
		return memory.Validation(op, "priority", "priority must be within [%d, %d]", memory.MinPriority, memory.MaxPriority)
	}
	for _, pattern := range slices.Concat(in.FilesExclusive, in.FilesReadonly) {
		if !doublestar.ValidatePattern(pattern) {
			return memory.Validation(op, "files", "invalid glob %q", pattern)
		}
	}
	slices.Sort(in.DependsOn)
	in.DependsOn = slices.Compact(in.DependsOn)
	return nil
}

// CreateTask adds a task to an existing project. Dependencies must exist in
// the same project, and a parent must be an epic. A task with unresolved
// dependencies starts out blocked.
func (l *Ledger) CreateTask(ctx context.Context, in CreateTaskInput) (task *memory.Task, err error) {
	const op = "create_task"
	defer l.observe(op, time.Now(), &err)

	if err := in.validate(op); err != nil {
		return nil, err
	}

	err = l.store.Update(func(tx *store.Tx) error {
		if _, err := tx.GetProject(in.Project); err != nil {
			return notFound(op, in.Project, err)
		}

		status := memory.TaskStatusPending
		for _, dep := range in.DependsOn {
			d, err := tx.GetTask(dep)
			if err != nil {
				return notFound(op, dep, err)
			}
			if d.Project != in.Project {
				return memory.Validation(op, "depends_on", "dependency %s belongs to project %q", dep, d.Project)
			}
			if d.Status != memory.TaskStatusDone {
				status = memory.TaskStatusBlocked
			}
		}
		if in.Parent != "" {
			parent, err := tx.GetTask(in.Parent)
			if err != nil {
				return notFound(op, in.Parent, err)
			}
			if parent.Kind != memory.TaskKindEpic {
				return memory.Validation(op, "parent", "parent %s is not an epic", in.Parent)
			}
			if parent.Project != in.Project {
				return memory.Validation(op, "parent", "parent %s belongs to project %q", in.Parent, parent.Project)
			}
		}

		p, seq, err := tx.NextTaskSeq(in.Project)
		if err != nil {
			return err
		}
		now := l.now()
		task = &memory.Task{
			ID:             fmt.Sprintf("%s-%s-%03d", p.Prefix, strings.ToUpper(string(in.Kind)), seq),
			Project:        in.Project,
			Kind:           in.Kind,
			Name:           in.Name,
			Description:    in.Description,
			Status:         status,
			Priority:       in.Priority,
			FilesExclusive: in.FilesExclusive,
			FilesReadonly:  in.FilesReadonly,
			DependsOn:      in.DependsOn,
			Parent:         in.Parent,
			SuggestedModel: in.SuggestedModel,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.PutTask(task)
	})
	if err != nil {
		return nil, classify(op, in.Project, err)
	}
	return task, nil
}

// GetTask returns one task.
func (l *Ledger) GetTask(ctx context.Context, id string) (*memory.Task, error) {
	var task *memory.Task
	err := l.store.View(func(tx *store.Tx) error {
		var err error
		task, err = tx.GetTask(id)
		return notFound("get_task", id, err)
	})
	if err != nil {
		return nil, classify("get_task", id, err)
	}
	return task, nil
}

// GetNextTask issues exactly one task. Statuses are refreshed against their
// dependencies first. A task already in progress is returned again, so an
// agent cannot work ahead; otherwise the most urgent ready task is started.
// Epics are never issued. A nil task means nothing is ready.
func (l *Ledger) GetNextTask(ctx context.Context, project string) (task *memory.Task, err error) {
	const op = "get_next_task"
	defer l.observe(op, time.Now(), &err)

	err = l.store.Update(func(tx *store.Tx) error {
		if project != "" {
			if _, err := tx.GetProject(project); err != nil {
				return notFound(op, project, err)
			}
		}
		tasks, err := l.refresh(tx, project)
		if err != nil {
			return err
		}

		var active, ready []*memory.Task
		for _, t := range tasks {
			if t.Kind != memory.TaskKindTask {
				continue
			}
			switch t.Status {
			case memory.TaskStatusInProgress:
				active = append(active, t)
			case memory.TaskStatusPending:
				ready = append(ready, t)
			}
		}

		if len(active) > 0 {
			slices.SortFunc(active, func(a, b *memory.Task) int {
				if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
					return c
				}
				return cmp.Compare(a.ID, b.ID)
			})
			task = active[0]
			return nil
		}
		if len(ready) == 0 {
			return nil
		}

		sortTasks(ready)
		task = ready[0]
		now := l.now()
		task.Status = memory.TaskStatusInProgress
		task.StartedAt = now
		task.UpdatedAt = now
		return tx.PutTask(task)
	})
	if err != nil {
		return nil, classify(op, project, err)
	}
	if task != nil {
		l.log.Debug("task issued", "id", task.ID, "status", task.Status)
	}
	return task, nil
}

// refresh moves pending and blocked tasks in scope to match their
// dependencies and returns every task in scope.
func (l *Ledger) refresh(tx *store.Tx, project string) ([]*memory.Task, error) {
	all := map[string]*memory.Task{}
	var scoped []*memory.Task
	err := tx.ForEachTask(func(t *memory.Task) error {
		all[t.ID] = t
		if project == "" || t.Project == project {
			scoped = append(scoped, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := l.now()
	for _, t := range scoped {
		var next memory.TaskStatus
		switch {
		case t.Status == memory.TaskStatusPending && !resolved(t, all):
			next = memory.TaskStatusBlocked
		case t.Status == memory.TaskStatusBlocked && resolved(t, all):
			next = memory.TaskStatusPending
		default:
			continue
		}
		t.Status = next
		t.UpdatedAt = now
		if err := tx.PutTask(t); err != nil {
			return nil, err
		}
	}
	return scoped, nil
}

func resolved(t *memory.Task, all map[string]*memory.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := all[dep]
		if !ok || d.Status != memory.TaskStatusDone {
			return false
		}
	}
	return true
}

// CompleteInput closes a task.
type CompleteInput struct {
	ID         string `json:"id"`
	ResolvedBy string `json:"resolved_by,omitempty"` // Memory id
	Summary    string `json:"summary,omitempty"`
}

// CompleteResult is the closed task and the dependents it unblocked.
type CompleteResult struct {
	Task      *memory.Task `json:"task"`
	Unblocked []string     `json:"unblocked"`
}

// CompleteTask moves a pending or in-progress task to done.
func (l *Ledger) CompleteTask(ctx context.Context, in CompleteInput) (res *CompleteResult, err error) {
	const op = "complete_task"
	defer l.observe(op, time.Now(), &err)

	if in.ID == "" {
		return nil, memory.Validation(op, "id", "id is required")
	}

	res = &CompleteResult{Unblocked: []string{}}
	err = l.store.Update(func(tx *store.Tx) error {
		task, err := tx.GetTask(in.ID)
		if err != nil {
			return notFound(op, in.ID, err)
		}
		if !task.Status.CanTransition(memory.TaskStatusDone) {
			return memory.InvalidTransition(op, task.ID, task.Status, memory.TaskStatusDone)
		}
		if in.ResolvedBy != "" && !tx.HasMemory(in.ResolvedBy) {
			return memory.NotFound(op, in.ResolvedBy)
		}

		now := l.now()
		task.Status = memory.TaskStatusDone
		task.CompletedAt = now
		task.UpdatedAt = now
		if in.ResolvedBy != "" {
			task.ResolvedBy = in.ResolvedBy
		}
		if in.Summary != "" {
			task.Summary = in.Summary
		}
		if err := tx.PutTask(task); err != nil {
			return err
		}
		res.Task = task

		before := map[string]memory.TaskStatus{}
		if err := tx.ForEachTask(func(t *memory.Task) error {
			if t.Project == task.Project {
				before[t.ID] = t.Status
			}
			return nil
		}); err != nil {
			return err
		}
		scoped, err := l.refresh(tx, task.Project)
		if err != nil {
			return err
		}
		for _, t := range scoped {
			if before[t.ID] == memory.TaskStatusBlocked && t.Status == memory.TaskStatusPending {
				res.Unblocked = append(res.Unblocked, t.ID)
			}
		}
		slices.Sort(res.Unblocked)
		return nil
	})
	if err != nil {
		return nil, classify(op, in.ID, err)
	}
	l.log.Info("task completed", "id", in.ID, "unblocked", len(res.Unblocked))
	return res, nil
}

// ListTasks returns tasks matching f ordered by priority, creation time and
// id. It never changes stored state.
func (l *Ledger) ListTasks(ctx context.Context, f memory.TaskFilter) ([]*memory.Task, error) {
	const op = "list_tasks"
	if f.Status != "" && !f.Status.Valid() {
		return nil, memory.Validation(op, "status", "unknown status %q", f.Status)
	}
	if f.Kind != "" && f.Kind != memory.TaskKindTask && f.Kind != memory.TaskKindEpic {
		return nil, memory.Validation(op, "kind", "unknown kind %q", f.Kind)
	}

	out := []*memory.Task{}
	err := l.store.View(func(tx *store.Tx) error {
		return tx.ForEachTask(func(t *memory.Task) error {
			if matchTask(t, f) {
				out = append(out, t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, memory.StoreFailure(op, "", err)
	}
	sortTasks(out)
	return out, nil
}

func matchTask(t *memory.Task, f memory.TaskFilter) bool {
	if f.Project != "" && t.Project != f.Project {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	if f.Parent != "" && t.Parent != f.Parent {
		return false
	}
	if f.File == "" {
		return true
	}
	for _, pattern := range slices.Concat(t.FilesExclusive, t.FilesReadonly) {
		if ok, _ := doublestar.Match(pattern, f.File); ok {
			return true
		}
	}
	return false
}

func sortTasks(tasks []*memory.Task) {
	slices.SortFunc(tasks, func(a, b *memory.Task) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func notFound(op, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return memory.NotFound(op, id)
	}
	return err
}

func classify(op, id string, err error) error {
	var me *memory.Error
	if errors.As(err, &me) {
		return err
	}
	return memory.StoreFailure(op, id, err)
}

func (l *Ledger) observe(op string, started time.Time, errp *error) {
	code := "ok"
	if *errp != nil {
		code = string(memory.CodeOf(*errp))
	}
	l.metrics.Observe(op, code, started)
}
