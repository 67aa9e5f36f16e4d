package memory

import (
	"regexp"
	"time"
)

// TaskStatus is the state of a Task in the ledger.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusBlocked, TaskStatusDone:
		return true
	}
	return false
}

// transitions lists the allowed moves. Work in progress is never demoted to
// blocked and done is terminal.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusInProgress, TaskStatusBlocked, TaskStatusDone},
	TaskStatusBlocked:    {TaskStatusPending},
	TaskStatusInProgress: {TaskStatusDone},
}

// CanTransition reports whether a task may move from s to to.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskKind distinguishes leaf tasks from epics that group them.
type TaskKind string

const (
	TaskKindTask TaskKind = "task"
	TaskKindEpic TaskKind = "epic"
)

// Task priorities: lower is more urgent.
const (
	MinPriority     = 1
	MaxPriority     = 5
	DefaultPriority = 3
)

// Task is a unit of actionable work.
type Task struct {
	ID             string     `json:"id"`
	Project        string     `json:"project"`
	Kind           TaskKind   `json:"kind"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Status         TaskStatus `json:"status"`
	Priority       int        `json:"priority"`
	FilesExclusive []string   `json:"files_exclusive,omitempty"`
	FilesReadonly  []string   `json:"files_readonly,omitempty"`
	DependsOn      []string   `json:"depends_on,omitempty"`
	Parent         string     `json:"parent,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"` // Memory id of the episode that closed it
	Summary        string     `json:"summary,omitempty"`
	SuggestedModel string     `json:"suggested_model,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      time.Time  `json:"started_at,omitzero"`
	CompletedAt    time.Time  `json:"completed_at,omitzero"`
}

// Project namespaces tasks and supplies the prefix for their ids.
type Project struct {
	Name        string    `json:"name"`
	Prefix      string    `json:"prefix"`
	Description string    `json:"description,omitempty"`
	Counter     uint64    `json:"counter"`
	CreatedAt   time.Time `json:"created_at"`
}

var prefixPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,5}$`)

// ValidPrefix reports whether p is usable as a task id prefix.
func ValidPrefix(p string) bool {
	return prefixPattern.MatchString(p)
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Project string
	Status  TaskStatus
	Kind    TaskKind
	Parent  string
	File    string // Path matched against files_exclusive/files_readonly globs
}
