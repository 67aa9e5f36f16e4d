package store

import (
	"cmp"
	"encoding/binary"
	"encoding/json"
	"math"
	"slices"
	"time"

	"github.com/jmylchreest/recall/pkg/memory"
)

// GetMemory returns the record with id, including its embedding. Tombstoned
// records are returned as stored; callers decide whether they are visible.
func (t *Tx) GetMemory(id string) (*memory.Memory, error) {
	data := t.tx.Bucket(BucketMemories).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var m memory.Memory
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m.Embedding = t.getVector(id)
	t.applyAccess(&m)
	return &m, nil
}

// HasMemory reports whether a live (not tombstoned) record with id exists.
func (t *Tx) HasMemory(id string) bool {
	m, err := t.GetMemory(id)
	return err == nil && !m.Deleted()
}

// PutMemory writes m. The embedding goes to the vectors bucket and the
// embedding-pending set mirrors m.EmbeddingPending.
func (t *Tx) PutMemory(m *memory.Memory) error {
	stored := *m
	stored.Embedding = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	key := []byte(m.ID)
	if err := t.tx.Bucket(BucketMemories).Put(key, data); err != nil {
		return err
	}

	vectors := t.tx.Bucket(BucketVectors)
	if len(m.Embedding) > 0 {
		if err := vectors.Put(key, encodeVector(m.Embedding)); err != nil {
			return err
		}
	} else if err := vectors.Delete(key); err != nil {
		return err
	}

	pending := t.tx.Bucket(BucketPending)
	if m.EmbeddingPending {
		return pending.Put(key, nil)
	}
	return pending.Delete(key)
}

// PurgeMemory physically removes a record, its vector and its edges.
func (t *Tx) PurgeMemory(id string) error {
	key := []byte(id)
	for _, b := range [][]byte{BucketMemories, BucketVectors, BucketPending, BucketAccess} {
		if err := t.tx.Bucket(b).Delete(key); err != nil {
			return err
		}
	}
	_, err := t.DeleteEdgesOf(id)
	return err
}

// ForEachMemory calls fn for every stored record, tombstoned ones included.
// Malformed entries are logged and skipped. Embeddings are attached only when
// withVectors is set.
func (t *Tx) ForEachMemory(withVectors bool, fn func(*memory.Memory) error) error {
	return t.tx.Bucket(BucketMemories).ForEach(func(k, v []byte) error {
		var m memory.Memory
		if err := json.Unmarshal(v, &m); err != nil {
			t.log.Warn("skipping malformed memory entry", "id", string(k), "error", err)
			return nil
		}
		if withVectors {
			m.Embedding = t.getVector(m.ID)
		}
		t.applyAccess(&m)
		return fn(&m)
	})
}

// Access statistics live in their own bucket as 16 bytes (count, then
// last-access unix nanos), so a read rewrites only that entry. Records
// written before the bucket existed carry the values in their JSON.

// TouchAccess increments access_count and stamps last_accessed for a live
// record, returning the new count. Run inside Update so concurrent touches
// never lose an increment.
func (t *Tx) TouchAccess(id string, now time.Time) (uint64, error) {
	data := t.tx.Bucket(BucketMemories).Get([]byte(id))
	if data == nil {
		return 0, ErrNotFound
	}
	var head struct {
		AccessCount uint64    `json:"access_count"`
		DeletedAt   time.Time `json:"deleted_at"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return 0, err
	}
	if !head.DeletedAt.IsZero() {
		return 0, ErrNotFound
	}

	b := t.tx.Bucket(BucketAccess)
	count := head.AccessCount
	if cur := b.Get([]byte(id)); len(cur) == 16 {
		count = binary.BigEndian.Uint64(cur[:8])
	}
	count++
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], count)
	binary.BigEndian.PutUint64(buf[8:], uint64(now.UnixNano()))
	if err := b.Put([]byte(id), buf); err != nil {
		return 0, err
	}
	return count, nil
}

func (t *Tx) applyAccess(m *memory.Memory) {
	data := t.tx.Bucket(BucketAccess).Get([]byte(m.ID))
	if len(data) != 16 {
		return
	}
	m.AccessCount = binary.BigEndian.Uint64(data[:8])
	m.LastAccessed = time.Unix(0, int64(binary.BigEndian.Uint64(data[8:])))
}

// PendingIDs lists records waiting for an embedding.
func (t *Tx) PendingIDs() []string {
	var ids []string
	_ = t.tx.Bucket(BucketPending).ForEach(func(k, _ []byte) error {
		ids = append(ids, string(k))
		return nil
	})
	return ids
}

func (t *Tx) getVector(id string) []float32 {
	data := t.tx.Bucket(BucketVectors).Get([]byte(id))
	if data == nil {
		return nil
	}
	return decodeVector(data)
}

// GetMemory retrieves a record by id.
func (s *BoltStore) GetMemory(id string) (*memory.Memory, error) {
	var m *memory.Memory
	err := s.View(func(tx *Tx) error {
		var err error
		m, err = tx.GetMemory(id)
		return err
	})
	return m, err
}

// ListMemories returns records matching opts, oldest first.
func (s *BoltStore) ListMemories(opts memory.ListOptions) ([]*memory.Memory, error) {
	var out []*memory.Memory
	err := s.View(func(tx *Tx) error {
		return tx.ForEachMemory(false, func(m *memory.Memory) error {
			if opts.Match(m) {
				out = append(out, m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortByCreated(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func sortByCreated(ms []*memory.Memory) {
	slices.SortFunc(ms, func(a, b *memory.Memory) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// encodeVector converts a []float32 to little-endian bytes (4 per float).
func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector converts little-endian bytes back to []float32.
func decodeVector(buf []byte) []float32 {
	n := len(buf) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
