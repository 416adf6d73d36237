package testing

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gustavoali/ytrag/db"
)

// CreateTestDB creates an in-memory SQLite test database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	// Every connection to :memory: is a separate database
	conn.SetMaxOpenConns(1)

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// CreateMigratedTestDB creates an in-memory database with the full schema applied.
func CreateMigratedTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn := CreateTestDB(t)
	if err := db.Migrate(conn, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return conn
}

// CreateFileTestDB creates a migrated WAL database in t.TempDir(). Use it when
// a test needs several connections at once, e.g. a reader racing a writer.
func CreateFileTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "ytrag-test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create file test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// SeedVideo inserts a minimal video row so rows referencing it satisfy foreign keys.
func SeedVideo(t *testing.T, conn *sql.DB, id string) {
	t.Helper()

	now := time.Now().UTC()
	_, err := conn.Exec(`INSERT INTO videos (id, external_id, url, status, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?)`, id, "ext-"+id, "https://www.youtube.com/watch?v=ext-"+id, now, now)
	if err != nil {
		t.Fatalf("Failed to seed video %s: %v", id, err)
	}
}
