// Package storage is the boundary to the transactional storage backend.
//
// A Handle owns one durable SQLite file (or a named shared in-memory
// database) and exposes the contract the lifecycle layer consumes:
// open, single write transaction at a time, a pinned read view that
// only moves when explicitly refreshed, schema introspection and
// structural updates, and compaction.
//
// The read view is a held read transaction on a dedicated connection;
// with WAL journaling that gives a stable snapshot that concurrent
// writers cannot disturb. A second pooled connection is used to peek at
// the latest committed version without disturbing the view.
package storage

import "errors"

// Options controls how a storage file is opened.
type Options struct {
	// ReadOnly opens the file without write access. The file must
	// already exist.
	ReadOnly bool

	// InMemory opens a named shared in-memory database instead of a
	// file. The path is used as the database name so handles opened
	// with the same path share contents.
	InMemory bool

	// NoCreate fails with ErrNotFound if the file does not exist.
	NoCreate bool

	// Exclusive fails with ErrExists if the file already exists.
	Exclusive bool
}

// Open failure sentinels. Callers map these to their own error
// taxonomy with errors.Is.
var (
	// ErrNotFound: the file does not exist and creation was not allowed.
	ErrNotFound = errors.New("storage: file not found")

	// ErrPermission: the process may not open or create the file in the
	// requested access mode.
	ErrPermission = errors.New("storage: permission denied")

	// ErrExists: exclusive creation was requested and the file exists.
	ErrExists = errors.New("storage: file already exists")

	// ErrIncompatible: the file exists but is not a database this
	// version of the backend can share (wrong format, or written by a
	// newer format version).
	ErrIncompatible = errors.New("storage: incompatible file")

	// ErrReadOnly: a write transaction was requested on a read-only
	// handle.
	ErrReadOnly = errors.New("storage: handle is read-only")

	// ErrTxState: a transaction operation was called in the wrong state.
	ErrTxState = errors.New("storage: invalid transaction state")
)
