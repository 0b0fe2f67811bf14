package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestreldb/kestrel/internal/schema"
)

func openTemp(t *testing.T) *Handle {
	t.Helper()
	h, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestOpen_CreatesNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	h, err := Open(path, Options{})
	require.NoError(t, err)
	defer h.Close()

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "database file should exist")

	v, err := h.ReadVersion()
	require.NoError(t, err)
	assert.Zero(t, v, "fresh file starts at commit version 0")
}

func TestOpen_NoCreateMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.db"), Options{NoCreate: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_ReadOnlyMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.db"), Options{ReadOnly: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_ExclusiveExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	h, err := Open(path, Options{})
	require.NoError(t, err)
	h.Close()

	_, err = Open(path, Options{Exclusive: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExists)
}

func TestOpen_MissingDirectory(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "no", "such", "dir", "test.db"), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_NotADatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a database file at all"), 0o644))

	_, err := Open(path, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompatible)
}

func TestOpen_NewerFormatVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")
	h, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, h.BeginWrite())
	require.NoError(t, h.Exec(`UPDATE kestrel_meta SET value = 999 WHERE key = 'format_version'`))
	_, err = h.Commit()
	require.NoError(t, err)
	h.Close()

	_, err = Open(path, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompatible)
}

func TestWrite_CommitBumpsVersion(t *testing.T) {
	h := openTemp(t)

	require.NoError(t, h.BeginWrite())
	require.NoError(t, h.Exec(`CREATE TABLE t (x INTEGER)`))
	v, err := h.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	rv, err := h.ReadVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(1), rv, "read view follows own commit")
}

func TestWrite_RollbackKeepsVersion(t *testing.T) {
	h := openTemp(t)

	require.NoError(t, h.BeginWrite())
	require.NoError(t, h.Exec(`CREATE TABLE t (x INTEGER)`))
	require.NoError(t, h.Rollback())

	rv, err := h.ReadVersion()
	require.NoError(t, err)
	assert.Zero(t, rv)

	var count int
	err = h.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 't'`).Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWrite_StateGuards(t *testing.T) {
	h := openTemp(t)

	_, err := h.Commit()
	assert.ErrorIs(t, err, ErrTxState)
	assert.ErrorIs(t, h.Rollback(), ErrTxState)

	require.NoError(t, h.BeginWrite())
	assert.ErrorIs(t, h.BeginWrite(), ErrTxState)
	_, err = h.Refresh()
	assert.ErrorIs(t, err, ErrTxState)
	require.NoError(t, h.Rollback())
}

func TestReadOnly_RejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	h, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, h.BeginWrite())
	require.NoError(t, h.Exec(`CREATE TABLE t (x INTEGER)`))
	_, err = h.Commit()
	require.NoError(t, err)
	h.Close()

	ro, err := Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	assert.ErrorIs(t, ro.BeginWrite(), ErrReadOnly)
}

func TestRefresh_PinnedViewIgnoresSiblingCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	writer, err := Open(path, Options{})
	require.NoError(t, err)
	defer writer.Close()
	require.NoError(t, writer.BeginWrite())
	require.NoError(t, writer.Exec(`CREATE TABLE t (x INTEGER)`))
	_, err = writer.Commit()
	require.NoError(t, err)

	reader, err := Open(path, Options{})
	require.NoError(t, err)
	defer reader.Close()

	require.NoError(t, writer.BeginWrite())
	require.NoError(t, writer.Exec(`INSERT INTO t (x) VALUES (1)`))
	_, err = writer.Commit()
	require.NoError(t, err)

	var count int
	require.NoError(t, reader.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&count))
	assert.Zero(t, count, "pinned view must not see the sibling commit")

	changed, err := reader.HasNewVersion()
	require.NoError(t, err)
	assert.True(t, changed)

	advanced, err := reader.Refresh()
	require.NoError(t, err)
	assert.True(t, advanced)

	require.NoError(t, reader.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&count))
	assert.Equal(t, 1, count)

	advanced, err = reader.Refresh()
	require.NoError(t, err)
	assert.False(t, advanced, "second refresh with no new commit is a no-op")
}

func TestInvalidate_DropsView(t *testing.T) {
	h := openTemp(t)

	_, err := h.ReadVersion()
	require.NoError(t, err)
	require.NoError(t, h.Invalidate())

	// Next read re-establishes a view.
	v, err := h.ReadVersion()
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestRefresh_AfterInvalidateWithoutCommit(t *testing.T) {
	h := openTemp(t)

	require.NoError(t, h.Invalidate())

	// Re-establishing a view at the version last observed is not an
	// advance.
	advanced, err := h.Refresh()
	require.NoError(t, err)
	assert.False(t, advanced)
}

func TestRefresh_AfterInvalidateSeesNewCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	reader, err := Open(path, Options{})
	require.NoError(t, err)
	defer reader.Close()
	require.NoError(t, reader.Invalidate())

	writer, err := Open(path, Options{})
	require.NoError(t, err)
	defer writer.Close()
	require.NoError(t, writer.BeginWrite())
	require.NoError(t, writer.Exec(`CREATE TABLE t (x INTEGER)`))
	_, err = writer.Commit()
	require.NoError(t, err)

	advanced, err := reader.Refresh()
	require.NoError(t, err)
	assert.True(t, advanced)
}

func TestCompact_ReclaimsSpace(t *testing.T) {
	h := openTemp(t)

	require.NoError(t, h.BeginWrite())
	require.NoError(t, h.Exec(`CREATE TABLE t (x BLOB)`))
	for i := 0; i < 50; i++ {
		require.NoError(t, h.Exec(`INSERT INTO t (x) VALUES (zeroblob(4096))`))
	}
	require.NoError(t, h.Exec(`DELETE FROM t`))
	_, err := h.Commit()
	require.NoError(t, err)

	require.NoError(t, h.Compact())

	// The handle stays usable after compaction.
	var count int
	require.NoError(t, h.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&count))
	assert.Zero(t, count)
}

func TestSchemaVersion_RoundTrip(t *testing.T) {
	h := openTemp(t)

	_, ok, err := h.SchemaVersion()
	require.NoError(t, err)
	assert.False(t, ok, "fresh file has no schema version")

	require.NoError(t, h.BeginWrite())
	require.NoError(t, h.SetSchemaVersion(7))
	_, err = h.Commit()
	require.NoError(t, err)

	v, ok, err := h.SchemaVersion()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(7), v)
}

func TestInMemory_SharedByName(t *testing.T) {
	name := "shared-mem-test"

	a, err := Open(name, Options{InMemory: true})
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.BeginWrite())
	require.NoError(t, a.Exec(`CREATE TABLE t (x INTEGER)`))
	_, err = a.Commit()
	require.NoError(t, err)

	b, err := Open(name, Options{InMemory: true})
	require.NoError(t, err)
	defer b.Close()

	var count int
	require.NoError(t, b.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 't'`).Scan(&count))
	assert.Equal(t, 1, count, "in-memory handles with the same name share contents")
}

func TestReadSchema_RoundTrip(t *testing.T) {
	h := openTemp(t)

	target := &schema.Schema{Tables: []schema.Table{{
		Name: "person",
		Columns: []schema.Column{
			{Name: "name", Type: schema.TypeText, Required: true, Indexed: true},
			{Name: "age", Type: schema.TypeInteger},
			{Name: "photo", Type: schema.TypeBlob},
		},
	}}}
	target.Normalize()

	changes, err := schema.Diff(target, &schema.Schema{})
	require.NoError(t, err)
	require.NoError(t, h.BeginWrite())
	require.NoError(t, h.ApplyChanges(changes))
	_, err = h.Commit()
	require.NoError(t, err)

	stored, err := h.ReadSchema()
	require.NoError(t, err)

	roundTrip, err := schema.Diff(target, stored)
	require.NoError(t, err)
	assert.True(t, roundTrip.Empty(), "introspected schema must match what was applied")
}

func TestApplyChanges_AddColumnAndIndexes(t *testing.T) {
	h := openTemp(t)

	base := &schema.Schema{Tables: []schema.Table{{
		Name:    "person",
		Columns: []schema.Column{{Name: "name", Type: schema.TypeText, Indexed: true}},
	}}}
	base.Normalize()
	changes, err := schema.Diff(base, &schema.Schema{})
	require.NoError(t, err)
	require.NoError(t, h.BeginWrite())
	require.NoError(t, h.ApplyChanges(changes))
	require.NoError(t, h.Exec(`INSERT INTO person (name) VALUES ('ada')`))
	_, err = h.Commit()
	require.NoError(t, err)

	// Add a required column to a table that already has rows, and drop
	// the index on name.
	wider := &schema.Schema{Tables: []schema.Table{{
		Name: "person",
		Columns: []schema.Column{
			{Name: "name", Type: schema.TypeText},
			{Name: "age", Type: schema.TypeInteger, Required: true},
		},
	}}}
	wider.Normalize()

	stored, err := h.ReadSchema()
	require.NoError(t, err)
	changes, err = schema.Diff(wider, stored)
	require.NoError(t, err)
	require.NoError(t, h.BeginWrite())
	require.NoError(t, h.ApplyChanges(changes))
	_, err = h.Commit()
	require.NoError(t, err)

	var age int
	require.NoError(t, h.QueryRow(`SELECT age FROM person WHERE name = 'ada'`).Scan(&age))
	assert.Zero(t, age, "existing rows get the zero default")

	stored, err = h.ReadSchema()
	require.NoError(t, err)
	table, ok := stored.Table("person")
	require.True(t, ok)
	nameCol, ok := table.Column("name")
	require.True(t, ok)
	assert.False(t, nameCol.Indexed, "stale index should be dropped")
}
