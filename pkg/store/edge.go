package store

import (
	"bytes"
	"encoding/json"

	"github.com/jmylchreest/recall/pkg/memory"
)

// Edges live twice: edges_out under "from\x00to" holds the edge itself and
// edges_in under "to\x00from" is an empty marker, so both directions of a
// node's adjacency are a single prefix scan.

// GetEdge returns the edge from -> to.
func (t *Tx) GetEdge(from, to string) (*memory.Edge, error) {
	data := t.tx.Bucket(BucketEdgesOut).Get(compositeKey([]byte(from), []byte(to)))
	if data == nil {
		return nil, ErrNotFound
	}
	var e memory.Edge
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// PutEdge stores e unless an edge between the same ordered pair exists. It
// reports whether a new edge was written.
func (t *Tx) PutEdge(e *memory.Edge) (bool, error) {
	key := compositeKey([]byte(e.From), []byte(e.To))
	out := t.tx.Bucket(BucketEdgesOut)
	if out.Get(key) != nil {
		return false, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	if err := out.Put(key, data); err != nil {
		return false, err
	}
	if err := t.tx.Bucket(BucketEdgesIn).Put(compositeKey([]byte(e.To), []byte(e.From)), nil); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteEdge removes from -> to. Missing edges are not an error.
func (t *Tx) DeleteEdge(from, to string) (bool, error) {
	key := compositeKey([]byte(from), []byte(to))
	out := t.tx.Bucket(BucketEdgesOut)
	if out.Get(key) == nil {
		return false, nil
	}
	if err := out.Delete(key); err != nil {
		return false, err
	}
	return true, t.tx.Bucket(BucketEdgesIn).Delete(compositeKey([]byte(to), []byte(from)))
}

// EdgesFrom returns the outgoing edges of id.
func (t *Tx) EdgesFrom(id string) ([]*memory.Edge, error) {
	var out []*memory.Edge
	prefix := append([]byte(id), 0)
	c := t.tx.Bucket(BucketEdgesOut).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var e memory.Edge
		if err := json.Unmarshal(v, &e); err != nil {
			t.log.Warn("skipping malformed edge", "key", string(k), "error", err)
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}

// EdgesTo returns the incoming edges of id.
func (t *Tx) EdgesTo(id string) ([]*memory.Edge, error) {
	var sources []string
	prefix := append([]byte(id), 0)
	c := t.tx.Bucket(BucketEdgesIn).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		sources = append(sources, string(k[len(prefix):]))
	}
	out := make([]*memory.Edge, 0, len(sources))
	for _, from := range sources {
		e, err := t.GetEdge(from, id)
		if err != nil {
			t.log.Warn("dangling incoming edge marker", "from", from, "to", id)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Neighbors returns every edge touching id in either direction, outgoing first.
func (t *Tx) Neighbors(id string) ([]*memory.Edge, error) {
	out, err := t.EdgesFrom(id)
	if err != nil {
		return nil, err
	}
	in, err := t.EdgesTo(id)
	if err != nil {
		return nil, err
	}
	return append(out, in...), nil
}

// DeleteEdgesOf removes every edge touching id.
func (t *Tx) DeleteEdgesOf(id string) (int, error) {
	edges, err := t.Neighbors(id)
	if err != nil {
		return 0, err
	}
	var n int
	for _, e := range edges {
		ok, err := t.DeleteEdge(e.From, e.To)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// CountEdges returns the number of stored edges, including changes made
// earlier in the same transaction.
func (t *Tx) CountEdges() int {
	var n int
	c := t.tx.Bucket(BucketEdgesOut).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}
