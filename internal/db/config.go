package db

import (
	"bytes"
	"math"

	"github.com/kestreldb/kestrel/internal/schema"
)

// NotVersioned is the sentinel for "no schema version requested".
const NotVersioned = uint64(math.MaxUint64)

// MigrationFunc transforms existing data when the stored schema version
// advances. It runs exactly once per migration, inside the same write
// transaction as the structural update, with old and new application
// version numbers. Statements issued through exec participate in that
// transaction; returning an error rolls the whole migration back.
type MigrationFunc func(oldVersion, newVersion uint64, exec func(query string, args ...any) error) error

// Config describes how a storage file is opened. It is logically
// immutable once an instance exists for it, except that a successful
// schema update rewrites Schema and SchemaVersion to the new on-disk
// truth.
type Config struct {
	// Path is the storage file location and the cache identity key.
	Path string

	// ReadOnly opens the file without write access.
	ReadOnly bool

	// InMemory backs the instance with a named shared in-memory
	// database instead of a file.
	InMemory bool

	// NoCreate fails the open if the file does not exist.
	NoCreate bool

	// Exclusive fails the open if the file already exists.
	Exclusive bool

	// EncryptionKey is opaque to this layer; it only participates in
	// compatibility checks across instances sharing a path.
	EncryptionKey []byte

	// Schema is the target schema, or nil to read whatever schema is
	// stored on disk (dynamic mode).
	Schema *schema.Schema

	// SchemaVersion is the target version for Schema. NotVersioned
	// means unspecified.
	SchemaVersion uint64

	// Migration is invoked when advancing between two existing
	// application versions. Optional.
	Migration MigrationFunc
}

// compatibleWith checks the flags that must agree for two configs to
// share a path. An already-open instance is never reconfigured by a
// later request, so only the immutable flags participate.
func (c *Config) compatibleWith(other *Config) bool {
	return c.ReadOnly == other.ReadOnly &&
		c.InMemory == other.InMemory &&
		bytes.Equal(c.EncryptionKey, other.EncryptionKey)
}
