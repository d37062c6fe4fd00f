package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return sqlDB
}

func TestMigrator_initializeAndVersion(t *testing.T) {
	sqlDB := openMemory(t)
	m := NewMigrator(sqlDB, fstest.MapFS{})
	require.NoError(t, m.Initialize())

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	_, err = sqlDB.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "initial", strings.Repeat("a", 64))
	require.NoError(t, err)

	version, err = m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestMigrator_upAppliesInOrderAndSkipsApplied(t *testing.T) {
	sqlDB := openMemory(t)
	fsys := fstest.MapFS{
		"V2__add_index.up.sql": {Data: []byte(`CREATE INDEX idx_t_name ON t(name);`)},
		"V1__create.up.sql":    {Data: []byte(`CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT);`)},
		"V1__create.down.sql":  {Data: []byte(`DROP TABLE t;`)},
		"README.md":            {Data: []byte(`ignored`)},
		"Vx__bad.up.sql":       {Data: []byte(`ignored`)},
	}
	m := NewMigrator(sqlDB, fsys)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	applied, err := m.GetAppliedMigrations()
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, 1, applied[0].Version)
	assert.Equal(t, "create", applied[0].Description)
	assert.Equal(t, "add_index", applied[1].Description)

	// Second run is a no-op.
	require.NoError(t, m.Up())
}

func TestMigrator_upDetectsEditedMigration(t *testing.T) {
	sqlDB := openMemory(t)
	fsys := fstest.MapFS{
		"V1__create.up.sql": {Data: []byte(`CREATE TABLE t (id INTEGER PRIMARY KEY);`)},
	}
	m := NewMigrator(sqlDB, fsys)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	fsys["V1__create.up.sql"] = &fstest.MapFile{Data: []byte(`CREATE TABLE t (id TEXT PRIMARY KEY);`)}
	err := m.Up()
	assert.ErrorContains(t, err, "modified")
}

func TestMigrator_down(t *testing.T) {
	sqlDB := openMemory(t)
	m := NewMigrator(sqlDB, Migrations())
	require.NoError(t, m.Initialize())

	err := m.Down()
	assert.ErrorContains(t, err, "no migrations to rollback")

	require.NoError(t, m.Up())
	require.NoError(t, m.Down())

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	var n int
	require.NoError(t, sqlDB.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='connections'").Scan(&n))
	assert.Zero(t, n)
}

func TestMigrator_downMissingFile(t *testing.T) {
	sqlDB := openMemory(t)
	m := NewMigrator(sqlDB, fstest.MapFS{
		"V1__create.up.sql": {Data: []byte(`CREATE TABLE t (id INTEGER PRIMARY KEY);`)},
	})
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	assert.ErrorContains(t, m.Down(), "no rollback migration found")
}
