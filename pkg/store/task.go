package store

import (
	"encoding/json"
	"fmt"

	"github.com/jmylchreest/recall/pkg/memory"
)

// GetTask retrieves a task by id.
func (t *Tx) GetTask(id string) (*memory.Task, error) {
	data := t.tx.Bucket(BucketTasks).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var task memory.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// PutTask writes a task.
func (t *Tx) PutTask(task *memory.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return t.tx.Bucket(BucketTasks).Put([]byte(task.ID), data)
}

// ForEachTask calls fn for every task. Malformed entries are logged and skipped.
func (t *Tx) ForEachTask(fn func(*memory.Task) error) error {
	return t.tx.Bucket(BucketTasks).ForEach(func(k, v []byte) error {
		var task memory.Task
		if err := json.Unmarshal(v, &task); err != nil {
			t.log.Warn("skipping malformed task entry", "id", string(k), "error", err)
			return nil
		}
		return fn(&task)
	})
}

// GetProject retrieves a project by name.
func (t *Tx) GetProject(name string) (*memory.Project, error) {
	data := t.tx.Bucket(BucketProjects).Get([]byte(name))
	if data == nil {
		return nil, ErrNotFound
	}
	var p memory.Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProject stores a new project. Both the name and the prefix must be
// unused; otherwise ErrExists is returned.
func (t *Tx) CreateProject(p *memory.Project) error {
	projects := t.tx.Bucket(BucketProjects)
	prefixes := t.tx.Bucket(BucketPrefixes)
	if projects.Get([]byte(p.Name)) != nil {
		return fmt.Errorf("project %q: %w", p.Name, ErrExists)
	}
	if owner := prefixes.Get([]byte(p.Prefix)); owner != nil {
		return fmt.Errorf("prefix %q used by project %q: %w", p.Prefix, owner, ErrExists)
	}
	if err := t.putProject(p); err != nil {
		return err
	}
	return prefixes.Put([]byte(p.Prefix), []byte(p.Name))
}

// NextTaskSeq increments and returns the project's task counter.
func (t *Tx) NextTaskSeq(name string) (*memory.Project, uint64, error) {
	p, err := t.GetProject(name)
	if err != nil {
		return nil, 0, err
	}
	p.Counter++
	if err := t.putProject(p); err != nil {
		return nil, 0, err
	}
	return p, p.Counter, nil
}

// ListProjects returns every project ordered by name.
func (t *Tx) ListProjects() ([]*memory.Project, error) {
	var out []*memory.Project
	err := t.tx.Bucket(BucketProjects).ForEach(func(k, v []byte) error {
		var p memory.Project
		if err := json.Unmarshal(v, &p); err != nil {
			t.log.Warn("skipping malformed project entry", "name", string(k), "error", err)
			return nil
		}
		out = append(out, &p)
		return nil
	})
	return out, err
}

func (t *Tx) putProject(p *memory.Project) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return t.tx.Bucket(BucketProjects).Put([]byte(p.Name), data)
}
