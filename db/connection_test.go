package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gustavoali/ytrag/errors"
)

func TestOpen(t *testing.T) {
	t.Run("opens database successfully", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		require.NotNil(t, db)
		defer db.Close()

		var journalMode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		var foreignKeys int
		require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)

		var busyTimeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
	})

	t.Run("settings apply to every pooled connection", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "pool.db"), nil)
		require.NoError(t, err)
		defer db.Close()
		db.SetMaxIdleConns(4)

		// Hold one connection so the next query must open another
		tx, err := db.Begin()
		require.NoError(t, err)
		defer tx.Rollback()

		var foreignKeys int
		require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/db.sqlite", nil)
		require.Error(t, err)
		assert.Nil(t, db)
		assert.NotNil(t, errors.GetStack(err), "errors carry stack traces")
	})
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "a.db?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", dsn("a.db"))
	assert.Contains(t, dsn("file:a.db?cache=shared"), "cache=shared&_journal_mode=WAL")
}

func TestIsDatabaseClosed(t *testing.T) {
	assert.False(t, IsDatabaseClosed(nil))
	assert.True(t, IsDatabaseClosed(errors.Wrap(ErrDatabaseClosed, "query jobs")))
	assert.True(t, IsDatabaseClosed(errors.New("sql: database is closed")))
	assert.False(t, IsDatabaseClosed(errors.New("no such table: jobs")))
}

func TestIsUniqueViolation(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "u.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	insert := `INSERT INTO videos (id, external_id, created_at, updated_at) VALUES (?, ?, datetime('now'), datetime('now'))`
	_, err = db.Exec(insert, "v1", "abc")
	require.NoError(t, err)
	_, err = db.Exec(insert, "v2", "abc")
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
	assert.False(t, IsUniqueViolation(errors.New("disk I/O error")))
}
