// Package store provides the persistence layer for recall: bbolt buckets for
// records, history, edges, tasks and cached embeddings, plus the bleve keyword
// index.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// Bucket names.
var (
	BucketMemories   = []byte("memories")
	BucketVectors    = []byte("vectors")
	BucketPending    = []byte("embedding_pending")
	BucketAccess     = []byte("access")
	BucketHistory    = []byte("history")
	BucketEdgesOut   = []byte("edges_out")
	BucketEdgesIn    = []byte("edges_in")
	BucketEmbeddings = []byte("embeddings")
	BucketTasks      = []byte("tasks")
	BucketProjects   = []byte("projects")
	BucketPrefixes   = []byte("project_prefixes")
	BucketMeta       = []byte("meta")
)

var allBuckets = [][]byte{
	BucketMemories,
	BucketVectors,
	BucketPending,
	BucketAccess,
	BucketHistory,
	BucketEdgesOut,
	BucketEdgesIn,
	BucketEmbeddings,
	BucketTasks,
	BucketProjects,
	BucketPrefixes,
	BucketMeta,
}

// BoltStore implements storage using bbolt.
type BoltStore struct {
	db  *bolt.DB
	log *slog.Logger
}

// Tx is a read or read-write transaction over the store's buckets. Several
// record, edge and history operations can be combined in one Tx so they commit
// or roll back together.
type Tx struct {
	tx  *bolt.Tx
	log *slog.Logger
}

// NewBoltStore opens (or creates) the database at path and applies migrations.
func NewBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{db: db, log: slog.Default().With("component", "store")}
	if err := RunMigrations(db, s.log); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// View runs fn in a read-only transaction.
func (s *BoltStore) View(fn func(*Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx, log: s.log})
	})
}

// Update runs fn in a read-write transaction. Returning an error from fn rolls
// back every change made through the Tx.
func (s *BoltStore) Update(fn func(*Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx, log: s.log})
	})
}

// itob converts a uint64 to a big-endian byte slice, so keys sort numerically.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// compositeKey joins parts with a zero byte. Ids never contain zero bytes, so
// prefix scans on "part\x00" are exact.
func compositeKey(parts ...[]byte) []byte {
	n := len(parts) - 1
	for _, p := range parts {
		n += len(p)
	}
	key := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			key = append(key, 0)
		}
		key = append(key, p...)
	}
	return key
}

// GetMeta reads a string value from the meta bucket.
func (s *BoltStore) GetMeta(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(BucketMeta).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		val = string(data)
		return nil
	})
	return val, err
}

// SetMeta writes a string value to the meta bucket.
func (s *BoltStore) SetMeta(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketMeta).Put([]byte(key), []byte(value))
	})
}
