package engine

import "sync"

type recordLock struct {
	mu   sync.Mutex
	refs int
}

// recordLocks serializes writers per memory id. Entries live only while held
// or awaited.
type recordLocks struct {
	mu    sync.Mutex
	locks map[string]*recordLock
}

func (r *recordLocks) lock(id string) func() {
	r.mu.Lock()
	if r.locks == nil {
		r.locks = make(map[string]*recordLock)
	}
	l := r.locks[id]
	if l == nil {
		l = &recordLock{}
		r.locks[id] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs <= 0 {
			delete(r.locks, id)
		}
		r.mu.Unlock()
	}
}
