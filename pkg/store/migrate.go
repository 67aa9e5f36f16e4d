package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/blevesearch/bleve/v2/mapping"
	bolt "go.etcd.io/bbolt"
)

// SchemaVersion is the current schema version. Increment this when adding new migrations.
var SchemaVersion uint64 = 2

// migration represents a single schema migration step.
type migration struct {
	version     uint64
	description string
	migrate     func(tx *bolt.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Each migration is applied exactly once, in order, when the DB version is below SchemaVersion.
var migrations = []migration{
	{version: 1, description: "baseline schema stamp", migrate: func(tx *bolt.Tx) error { return nil }},
	{version: 2, description: "rebuild embedding-pending set from records", migrate: rebuildPendingSet},
}

// rebuildPendingSet derives the pending bucket from the embedding_pending flag
// carried by each record.
func rebuildPendingSet(tx *bolt.Tx) error {
	pending := tx.Bucket(BucketPending)
	return tx.Bucket(BucketMemories).ForEach(func(k, v []byte) error {
		var flag struct {
			Pending bool `json:"embedding_pending"`
		}
		if err := json.Unmarshal(v, &flag); err != nil {
			return nil
		}
		if flag.Pending {
			return pending.Put(k, nil)
		}
		return nil
	})
}

// RunMigrations applies any pending schema migrations to the database.
// Returns an error if the DB version is ahead of SchemaVersion (downgrade).
func RunMigrations(db *bolt.DB, log *slog.Logger) error {
	current, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	if current > SchemaVersion {
		return fmt.Errorf("database schema version %d is ahead of binary version %d (downgrade not supported)", current, SchemaVersion)
	}

	if current == SchemaVersion {
		return nil
	}

	var pending []migration
	for _, m := range migrations {
		if m.version > current {
			pending = append(pending, m)
		}
	}

	// Apply all pending migrations and the version stamp in a single transaction.
	err = db.Update(func(tx *bolt.Tx) error {
		for _, m := range pending {
			log.Info("applying migration", "version", m.version, "description", m.description)
			if err := m.migrate(tx); err != nil {
				return fmt.Errorf("migration v%d (%s) failed: %w", m.version, m.description, err)
			}
		}
		return tx.Bucket(BucketMeta).Put([]byte("schema_version"), itob(SchemaVersion))
	})
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// GetSchemaVersion reads the current schema version from the meta bucket.
// Returns 0 if no version has been set (fresh database).
func GetSchemaVersion(db *bolt.DB) (uint64, error) {
	var version uint64
	err := db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(BucketMeta)
		if meta == nil {
			return nil
		}
		data := meta.Get([]byte("schema_version"))
		if data == nil {
			return nil
		}
		if len(data) != 8 {
			return fmt.Errorf("corrupt schema_version: expected 8 bytes, got %d", len(data))
		}
		version = binary.BigEndian.Uint64(data)
		return nil
	})
	return version, err
}

// MappingHash computes a deterministic SHA-256 hex digest of a bleve index mapping.
// A changed hash means the keyword index must be rebuilt.
func MappingHash(m mapping.IndexMapping) string {
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h)
}
