package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	database, err := Open(dir)
	require.NoError(t, err)
	defer database.Close()

	_, err = os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err, "database file should exist")

	var walMode string
	require.NoError(t, database.QueryRow("PRAGMA journal_mode").Scan(&walMode))
	assert.Equal(t, "wal", walMode)

	// FULL == 2
	var syncMode int
	require.NoError(t, database.QueryRow("PRAGMA synchronous").Scan(&syncMode))
	assert.Equal(t, 2, syncMode)

	var fkEnabled int
	require.NoError(t, database.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled))
	assert.Equal(t, 1, fkEnabled)

	for _, table := range []string{"connections", "pending_operations", "pending_rejects", "duplicate_log", "failed_operations"} {
		var name string
		err := database.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s should exist", table)
	}
}

func TestOpen_reopenKeepsSchema(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(dir)
	require.NoError(t, err)
	defer second.Close()

	version, err := NewMigrator(second.DB, Migrations()).CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestOpen_invalidDataDir(t *testing.T) {
	_, err := Open("/dev/null/invalid_path/that/cannot/be/created")
	assert.Error(t, err)
}
