package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	bolt "go.etcd.io/bbolt"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

// setupMigrateTestDB creates a fresh bbolt database with every bucket created
// but no schema version stamped.
func setupMigrateTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0o600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to create buckets: %v", err)
	}
	return db
}

func writeSchemaVersion(t *testing.T, db *bolt.DB, version uint64) {
	t.Helper()
	err := db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, version)
		return tx.Bucket(BucketMeta).Put([]byte("schema_version"), buf)
	})
	if err != nil {
		t.Fatalf("failed to write schema version: %v", err)
	}
}

func TestRunMigrations_FreshDB(t *testing.T) {
	db := setupMigrateTestDB(t)

	if v, _ := GetSchemaVersion(db); v != 0 {
		t.Fatalf("expected version 0 on fresh db, got %d", v)
	}
	if err := RunMigrations(db, quietLog); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	if v, _ := GetSchemaVersion(db); v != SchemaVersion {
		t.Errorf("expected version %d after migration, got %d", SchemaVersion, v)
	}
}

func TestRunMigrations_RebuildsPendingSet(t *testing.T) {
	db := setupMigrateTestDB(t)
	writeSchemaVersion(t, db, 1)

	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketMemories)
		for id, pending := range map[string]bool{"p1": true, "p2": false} {
			data, _ := json.Marshal(map[string]any{"id": id, "embedding_pending": pending})
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := RunMigrations(db, quietLog); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}

	db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketPending)
		if b.Get([]byte("p1")) == nil {
			t.Error("p1 should be in the pending set")
		}
		if b.Get([]byte("p2")) != nil {
			t.Error("p2 should not be in the pending set")
		}
		return nil
	})
}

func TestRunMigrations_DowngradeError(t *testing.T) {
	db := setupMigrateTestDB(t)
	writeSchemaVersion(t, db, SchemaVersion+10)

	if err := RunMigrations(db, quietLog); err == nil {
		t.Fatal("expected error for downgrade, got nil")
	}
}

func TestRunMigrations_PartialFailure(t *testing.T) {
	db := setupMigrateTestDB(t)
	writeSchemaVersion(t, db, SchemaVersion)

	origMigrations := migrations
	origVersion := SchemaVersion
	defer func() {
		migrations = origMigrations
		SchemaVersion = origVersion
	}()

	SchemaVersion = origVersion + 1
	migrations = append(migrations, migration{
		version:     SchemaVersion,
		description: "intentionally failing migration",
		migrate: func(tx *bolt.Tx) error {
			return fmt.Errorf("simulated failure")
		},
	})

	if err := RunMigrations(db, quietLog); err == nil {
		t.Fatal("expected error from failing migration, got nil")
	}
	if v, _ := GetSchemaVersion(db); v != origVersion {
		t.Errorf("expected version to stay at %d after failure, got %d", origVersion, v)
	}
}

func TestMappingHash_Deterministic(t *testing.T) {
	m1, _ := BuildKeywordMapping()
	m2, _ := BuildKeywordMapping()

	h1 := MappingHash(m1)
	if h1 == "" {
		t.Fatal("hash should not be empty")
	}
	if h2 := MappingHash(m2); h1 != h2 {
		t.Errorf("same mapping produced different hashes: %s vs %s", h1, h2)
	}
}

func TestMappingHash_DifferentMappings(t *testing.T) {
	m1, _ := BuildKeywordMapping()

	m2 := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()
	f := mapping.NewTextFieldMapping()
	f.Analyzer = keyword.Name
	doc.AddFieldMappingsAt("different_field", f)
	m2.DefaultMapping = doc

	if MappingHash(m1) == MappingHash(m2) {
		t.Error("different mappings should produce different hashes")
	}
}
