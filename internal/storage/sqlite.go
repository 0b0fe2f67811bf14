package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
)

// formatVersion is written into every file this backend creates. A file
// carrying a higher value was produced by a newer backend and cannot be
// shared safely.
const formatVersion = 1

// metaTable holds backend bookkeeping: format_version, commit_version
// (bumped on every committed write transaction) and schema_version (the
// application schema version; absent until the file is initialized).
const metaTable = "kestrel_meta"

// Handle is an open connection to one storage file. It is not safe for
// concurrent use; the layer above binds each Handle to one goroutine.
type Handle struct {
	db   *sql.DB
	conn *sql.Conn
	ctx  context.Context

	path     string
	readOnly bool

	inRead      bool
	inWrite     bool
	readVersion int64
}

// Open opens or creates the storage file at path.
//
// Failure sentinels (ErrNotFound, ErrPermission, ErrExists,
// ErrIncompatible) are wrapped into the returned error and can be
// matched with errors.Is. Other failures are generic I/O errors.
func Open(path string, opts Options) (*Handle, error) {
	if !opts.InMemory {
		if err := checkFile(path, opts); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dsn(path, opts))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One dedicated connection holds the read view or write
	// transaction; one pooled connection serves latest-version peeks.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, classifyOpenErr(path, err)
	}

	h := &Handle{
		db:       db,
		conn:     conn,
		ctx:      ctx,
		path:     path,
		readOnly: opts.ReadOnly,
	}

	if err := h.initMeta(); err != nil {
		h.closeQuiet()
		return nil, err
	}
	if err := h.beginRead(); err != nil {
		h.closeQuiet()
		return nil, fmt.Errorf("establish read view on %s: %w", path, err)
	}

	slog.Debug("storage handle opened",
		"path", path, "read_only", opts.ReadOnly, "in_memory", opts.InMemory)
	return h, nil
}

// checkFile enforces the creation-mode flags before SQLite gets a
// chance to auto-create the file.
func checkFile(path string, opts Options) error {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if opts.Exclusive {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
		if info.IsDir() {
			return fmt.Errorf("open %s: is a directory", path)
		}
	case os.IsNotExist(err):
		if opts.NoCreate || opts.ReadOnly {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		// Creation requires a writable parent directory.
		if dirErr := checkDir(filepath.Dir(path)); dirErr != nil {
			return dirErr
		}
	case os.IsPermission(err):
		return fmt.Errorf("%w: %s", ErrPermission, path)
	default:
		return fmt.Errorf("open %s: %w", path, err)
	}
	return nil
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: directory %s", ErrNotFound, dir)
	}
	if os.IsPermission(err) {
		return fmt.Errorf("%w: directory %s", ErrPermission, dir)
	}
	if err != nil {
		return fmt.Errorf("open directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("open %s: not a directory", dir)
	}
	return nil
}

func dsn(path string, opts Options) string {
	if opts.InMemory {
		// The path doubles as the shared-memory database name so
		// sibling handles on the same path see the same contents.
		return fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", url.PathEscape(path))
	}
	if opts.ReadOnly {
		// The journal mode is a property of the file; a read-only
		// connection must not try to set it.
		return fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000&_query_only=1", path)
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1", path)
}

func classifyOpenErr(path string, err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrCantOpen:
			return fmt.Errorf("%w: %s", ErrPermission, path)
		case sqlite3.ErrNotADB:
			return fmt.Errorf("%w: %s", ErrIncompatible, path)
		}
	}
	return fmt.Errorf("open %s: %w", path, err)
}

// initMeta verifies the format version, creating the meta table on the
// first open of a fresh file. Sibling handles may hold read views on
// the same file, so an already-initialized file must be opened without
// writing anything. A pre-existing non-database file surfaces here as
// ErrIncompatible.
func (h *Handle) initMeta() error {
	var stored int64
	err := h.conn.QueryRowContext(h.ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = 'format_version'`, metaTable)).
		Scan(&stored)
	if err == nil {
		if stored > formatVersion {
			return fmt.Errorf("%w: %s has format version %d, this backend supports %d",
				ErrIncompatible, h.path, stored, formatVersion)
		}
		return nil
	}
	if !isMissingMeta(err) {
		return classifyOpenErr(h.path, err)
	}
	if h.readOnly {
		return fmt.Errorf("%w: %s carries no metadata", ErrIncompatible, h.path)
	}

	_, err = h.conn.ExecContext(h.ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key   TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`, metaTable))
	if err != nil {
		return classifyOpenErr(h.path, err)
	}
	_, err = h.conn.ExecContext(h.ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value) VALUES
			('format_version', ?),
			('commit_version', 0)
		ON CONFLICT(key) DO NOTHING`, metaTable), formatVersion)
	if err != nil {
		return fmt.Errorf("init meta on %s: %w", h.path, err)
	}
	return nil
}

// isMissingMeta distinguishes "the meta table does not exist yet" from
// real failures. SQLite reports it as a generic error, not a distinct
// code.
func isMissingMeta(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.Code == sqlite3.ErrError
}

// beginRead pins the read view: a deferred read transaction plus a
// read of commit_version inside it to materialize the snapshot.
func (h *Handle) beginRead() error {
	if _, err := h.conn.ExecContext(h.ctx, "BEGIN"); err != nil {
		return err
	}
	if err := h.conn.QueryRowContext(h.ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = 'commit_version'`, metaTable)).
		Scan(&h.readVersion); err != nil {
		h.conn.ExecContext(h.ctx, "ROLLBACK")
		return err
	}
	h.inRead = true
	return nil
}

func (h *Handle) endRead() error {
	if !h.inRead {
		return nil
	}
	h.inRead = false
	_, err := h.conn.ExecContext(h.ctx, "ROLLBACK")
	return err
}

// ReadVersion returns the commit version the current read view is
// pinned at. A fresh view is established first if none is held.
func (h *Handle) ReadVersion() (int64, error) {
	if h.inWrite {
		return h.readVersion, nil
	}
	if !h.inRead {
		if err := h.beginRead(); err != nil {
			return 0, err
		}
	}
	return h.readVersion, nil
}

// LatestVersion returns the most recently committed version, read
// outside the pinned view.
func (h *Handle) LatestVersion() (int64, error) {
	var v int64
	err := h.db.QueryRowContext(h.ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = 'commit_version'`, metaTable)).
		Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("latest version of %s: %w", h.path, err)
	}
	return v, nil
}

// HasNewVersion reports whether a version newer than the last observed
// one has been committed. Valid with or without a held view:
// readVersion survives Invalidate.
func (h *Handle) HasNewVersion() (bool, error) {
	latest, err := h.LatestVersion()
	if err != nil {
		return false, err
	}
	return latest > h.readVersion, nil
}

// Refresh advances the read view to the latest committed version.
// Reports whether the view actually moved.
func (h *Handle) Refresh() (bool, error) {
	if h.inWrite {
		return false, ErrTxState
	}
	if h.inRead {
		latest, err := h.LatestVersion()
		if err != nil {
			return false, err
		}
		if latest == h.readVersion {
			return false, nil
		}
	}
	// readVersion survives Invalidate, so after a dropped view the
	// comparison is still against the last version actually observed;
	// re-establishing a view at the same version is not an advance.
	prev := h.readVersion
	if err := h.endRead(); err != nil {
		return false, err
	}
	if err := h.beginRead(); err != nil {
		return false, err
	}
	return h.readVersion > prev, nil
}

// Invalidate drops the read view without advancing it, releasing the
// locks and memory it pins. The next read operation establishes a
// fresh view.
func (h *Handle) Invalidate() error {
	if h.inWrite {
		return ErrTxState
	}
	return h.endRead()
}

// BeginWrite starts the write transaction. The read view is released
// first; the write transaction observes the latest committed state.
func (h *Handle) BeginWrite() error {
	if h.readOnly {
		return ErrReadOnly
	}
	if h.inWrite {
		return ErrTxState
	}
	if err := h.endRead(); err != nil {
		return err
	}
	if _, err := h.conn.ExecContext(h.ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin write on %s: %w", h.path, err)
	}
	if err := h.conn.QueryRowContext(h.ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = 'commit_version'`, metaTable)).
		Scan(&h.readVersion); err != nil {
		h.conn.ExecContext(h.ctx, "ROLLBACK")
		return fmt.Errorf("begin write on %s: %w", h.path, err)
	}
	h.inWrite = true
	return nil
}

// Commit bumps the commit version, persists the write transaction and
// re-establishes a read view at the new version. Returns the new
// version.
func (h *Handle) Commit() (int64, error) {
	if !h.inWrite {
		return 0, ErrTxState
	}
	_, err := h.conn.ExecContext(h.ctx,
		fmt.Sprintf(`UPDATE %s SET value = value + 1 WHERE key = 'commit_version'`, metaTable))
	if err != nil {
		return 0, fmt.Errorf("bump commit version on %s: %w", h.path, err)
	}
	var v int64
	if err := h.conn.QueryRowContext(h.ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = 'commit_version'`, metaTable)).
		Scan(&v); err != nil {
		return 0, fmt.Errorf("read commit version on %s: %w", h.path, err)
	}
	if _, err := h.conn.ExecContext(h.ctx, "COMMIT"); err != nil {
		return 0, fmt.Errorf("commit on %s: %w", h.path, err)
	}
	h.inWrite = false
	if err := h.beginRead(); err != nil {
		return 0, fmt.Errorf("re-establish read view on %s: %w", h.path, err)
	}
	return v, nil
}

// Rollback discards the write transaction and re-establishes a read
// view.
func (h *Handle) Rollback() error {
	if !h.inWrite {
		return ErrTxState
	}
	h.inWrite = false
	if _, err := h.conn.ExecContext(h.ctx, "ROLLBACK"); err != nil {
		return fmt.Errorf("rollback on %s: %w", h.path, err)
	}
	if err := h.beginRead(); err != nil {
		return fmt.Errorf("re-establish read view on %s: %w", h.path, err)
	}
	return nil
}

// InWrite reports whether a write transaction is open.
func (h *Handle) InWrite() bool { return h.inWrite }

// ReadOnly reports whether the handle was opened read-only.
func (h *Handle) ReadOnly() bool { return h.readOnly }

// Path returns the path the handle was opened with.
func (h *Handle) Path() string { return h.path }

// Exec runs a statement inside the open write transaction. It is the
// surface the migration callback mutates data through.
func (h *Handle) Exec(query string, args ...any) error {
	if !h.inWrite {
		return ErrTxState
	}
	if _, err := h.conn.ExecContext(h.ctx, query, args...); err != nil {
		return fmt.Errorf("exec on %s: %w", h.path, err)
	}
	return nil
}

// Query runs a read inside the current view (or write transaction).
// Callers close the returned rows.
func (h *Handle) Query(query string, args ...any) (*sql.Rows, error) {
	if !h.inRead && !h.inWrite {
		if err := h.beginRead(); err != nil {
			return nil, err
		}
	}
	return h.conn.QueryContext(h.ctx, query, args...)
}

// QueryRow runs a single-row read inside the current view. If no view
// is held one is established; an establishment failure surfaces on the
// query itself.
func (h *Handle) QueryRow(query string, args ...any) *sql.Row {
	if !h.inRead && !h.inWrite {
		_ = h.beginRead()
	}
	return h.conn.QueryRowContext(h.ctx, query, args...)
}

// SchemaVersion returns the stored application schema version. ok is
// false for an uninitialized file (no schema was ever written).
func (h *Handle) SchemaVersion() (version uint64, ok bool, err error) {
	var v int64
	scanErr := h.conn.QueryRowContext(h.ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = 'schema_version'`, metaTable)).
		Scan(&v)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return 0, false, nil
	}
	if scanErr != nil {
		return 0, false, fmt.Errorf("schema version of %s: %w", h.path, scanErr)
	}
	return uint64(v), true, nil
}

// SetSchemaVersion writes the stored schema version inside the open
// write transaction.
func (h *Handle) SetSchemaVersion(version uint64) error {
	if !h.inWrite {
		return ErrTxState
	}
	_, err := h.conn.ExecContext(h.ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, metaTable), int64(version))
	if err != nil {
		return fmt.Errorf("set schema version on %s: %w", h.path, err)
	}
	return nil
}

// Compact reclaims unused file space. Requires that no read view or
// write transaction is held on this handle; callers also ensure no
// sibling handle pins a view on the same file.
func (h *Handle) Compact() error {
	if h.inWrite {
		return ErrTxState
	}
	if err := h.endRead(); err != nil {
		return err
	}
	if _, err := h.conn.ExecContext(h.ctx, "VACUUM"); err != nil {
		return fmt.Errorf("compact %s: %w", h.path, err)
	}
	return h.beginRead()
}

// Close releases the connection. Any open transaction is discarded.
func (h *Handle) Close() error {
	if h.inWrite {
		h.inWrite = false
		h.conn.ExecContext(h.ctx, "ROLLBACK")
	} else {
		h.endRead()
	}
	return h.closeQuiet()
}

func (h *Handle) closeQuiet() error {
	var first error
	if h.conn != nil {
		if err := h.conn.Close(); err != nil && first == nil {
			first = err
		}
		h.conn = nil
	}
	if h.db != nil {
		if err := h.db.Close(); err != nil && first == nil {
			first = err
		}
		h.db = nil
	}
	return first
}
