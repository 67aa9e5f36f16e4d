package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/jmylchreest/recall/pkg/memory"
)

// AppendChange records an audit entry under "memoryID\x00unixnano", so a
// cursor prefix scan yields one record's history in time order.
func (t *Tx) AppendChange(c *memory.Change) error {
	snap := *c.Snapshot
	snap.Embedding = nil
	entry := *c
	entry.Snapshot = &snap
	data, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	key := compositeKey([]byte(c.MemoryID), itob(uint64(c.At.UnixNano())))
	b := t.tx.Bucket(BucketHistory)
	// Two changes in the same nanosecond keep both entries.
	for b.Get(key) != nil {
		ts := binary.BigEndian.Uint64(key[len(key)-8:]) + 1
		binary.BigEndian.PutUint64(key[len(key)-8:], ts)
	}
	return b.Put(key, data)
}

// History returns the change log for id, oldest first.
func (t *Tx) History(id string) ([]*memory.Change, error) {
	var out []*memory.Change
	prefix := append([]byte(id), 0)
	c := t.tx.Bucket(BucketHistory).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var ch memory.Change
		if err := json.Unmarshal(v, &ch); err != nil {
			t.log.Warn("skipping malformed history entry", "key", string(k), "error", err)
			continue
		}
		out = append(out, &ch)
	}
	return out, nil
}

// PruneResult counts what PruneBefore removed.
type PruneResult struct {
	Changes int `json:"changes"`
	Records int `json:"records"`
}

// PruneBefore drops change-log entries recorded before cutoff and physically
// removes records tombstoned before cutoff, with their vectors and edges.
func (t *Tx) PruneBefore(cutoff time.Time) (PruneResult, []string, error) {
	var res PruneResult
	var staleKeys [][]byte
	err := t.tx.Bucket(BucketHistory).ForEach(func(k, _ []byte) error {
		if len(k) < 9 {
			return nil
		}
		at := time.Unix(0, int64(binary.BigEndian.Uint64(k[len(k)-8:])))
		if at.Before(cutoff) {
			staleKeys = append(staleKeys, bytes.Clone(k))
		}
		return nil
	})
	if err != nil {
		return res, nil, err
	}
	hist := t.tx.Bucket(BucketHistory)
	for _, k := range staleKeys {
		if err := hist.Delete(k); err != nil {
			return res, nil, err
		}
		res.Changes++
	}

	var purge []string
	err = t.ForEachMemory(false, func(m *memory.Memory) error {
		if m.Deleted() && m.DeletedAt.Before(cutoff) {
			purge = append(purge, m.ID)
		}
		return nil
	})
	if err != nil {
		return res, nil, err
	}
	for _, id := range purge {
		if err := t.PurgeMemory(id); err != nil {
			return res, nil, err
		}
		res.Records++
	}
	return res, purge, nil
}

// History returns the change log for id.
func (s *BoltStore) History(id string) ([]*memory.Change, error) {
	var out []*memory.Change
	err := s.View(func(tx *Tx) error {
		var err error
		out, err = tx.History(id)
		return err
	})
	return out, err
}
