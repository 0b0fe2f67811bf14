package db

import (
	"errors"

	"github.com/kestreldb/kestrel/internal/schema"
)

// UpdateSchema advances the stored schema to the target (schema,
// version) pair and reports whether anything changed.
//
// The state machine over (stored, target):
//   - target version behind the stored one: InvalidSchemaVersion,
//     migrations are strictly forward-only.
//   - equal versions: a structural-only reconciliation with no
//     migration callback; version numbers are app-controlled labels,
//     not guarantees of shape identity. Idempotent: a matching shape is
//     a no-op reporting no change.
//   - target ahead: one write transaction invokes the migration
//     callback exactly once with (stored, target), applies the
//     structural delta, writes the new version and commits. Any
//     failure rolls the whole transaction back; the file keeps its
//     pre-migration committed state.
//
// Initial creation of an uninitialized file writes the schema and
// version without invoking the callback.
//
// On success the instance's Config is rewritten in place to the new
// schema and version, so later compatibility checks see the
// post-migration state.
func (i *Instance) UpdateSchema(target *schema.Schema, version uint64) (bool, error) {
	if err := i.verifyThread(); err != nil {
		return false, err
	}
	if i.inTransaction {
		return false, newError(KindInvalidTransaction, i.config.Path,
			"cannot update schema inside a transaction")
	}
	return i.updateSchema(target, version)
}

// updateSchema is UpdateSchema without the affinity/state preamble; the
// acquisition protocol calls it on a not-yet-registered instance.
func (i *Instance) updateSchema(target *schema.Schema, version uint64) (bool, error) {
	path := i.config.Path

	target = target.Clone()
	target.Normalize()
	if err := target.Validate(); err != nil {
		return false, wrapError(KindInvalidSchemaVersion, path, err, "invalid target schema")
	}

	// The pre-transaction reads go through the instance's pinned view
	// and may be stale; they only serve early failure and the no-op
	// exit. The authoritative monotonicity check repeats inside the
	// write transaction.
	stored, initialized, err := i.handle.SchemaVersion()
	if err != nil {
		return false, wrapError(KindFileAccessError, path, err, "read stored schema version")
	}
	if initialized && version < stored {
		return false, newError(KindInvalidSchemaVersion, path,
			"requested schema version %d is behind stored version %d", version, stored)
	}

	storedSchema, err := i.handle.ReadSchema()
	if err != nil {
		return false, wrapError(KindFileAccessError, path, err, "read stored schema")
	}
	changes, err := schema.Diff(target, storedSchema)
	if err != nil {
		return false, wrapError(KindInvalidSchemaVersion, path, err, "schema shapes conflict")
	}

	versionAdvances := !initialized || version != stored
	if changes.Empty() && !versionAdvances {
		i.config.Schema = target
		i.config.SchemaVersion = version
		return false, nil
	}

	if err := i.handle.BeginWrite(); err != nil {
		return false, wrapError(KindFileAccessError, path, err, "begin migration")
	}

	migrated, err := i.runMigrationSteps(target, version)
	if err != nil {
		i.handle.Rollback()
		return false, err
	}

	if _, err := i.handle.Commit(); err != nil {
		i.handle.Rollback()
		return false, wrapError(KindFileAccessError, path, err, "commit migration")
	}

	i.config.Schema = target
	i.config.SchemaVersion = version
	return migrated, nil
}

// runMigrationSteps does the in-transaction work: the user callback
// (only when advancing between two existing app versions), then the
// structural delta and the version write. The stored version and the
// delta are both read inside the transaction: the pinned view may lag
// a sibling's migration, and the forward-only guarantee has to hold
// against the latest committed version, not the view's. The same read
// supplies the callback's (old, new) pair.
func (i *Instance) runMigrationSteps(target *schema.Schema, version uint64) (bool, error) {
	path := i.config.Path

	stored, initialized, err := i.handle.SchemaVersion()
	if err != nil {
		return false, wrapError(KindFileAccessError, path, err, "read stored schema version")
	}
	if initialized && version < stored {
		return false, newError(KindInvalidSchemaVersion, path,
			"requested schema version %d is behind stored version %d", version, stored)
	}

	if initialized && version > stored && i.config.Migration != nil {
		if err := i.config.Migration(stored, version, i.handle.Exec); err != nil {
			var le *Error
			if errors.As(err, &le) {
				return false, le
			}
			return false, wrapError(KindFileAccessError, path, err,
				"migration callback from version %d to %d", stored, version)
		}
	}

	storedSchema, err := i.handle.ReadSchema()
	if err != nil {
		return false, wrapError(KindFileAccessError, path, err, "read schema for migration")
	}
	changes, err := schema.Diff(target, storedSchema)
	if err != nil {
		return false, wrapError(KindInvalidSchemaVersion, path, err, "schema shapes conflict")
	}

	if err := i.handle.ApplyChanges(changes); err != nil {
		return false, wrapError(KindFileAccessError, path, err, "apply schema changes")
	}
	if !initialized || version != stored {
		if err := i.handle.SetSchemaVersion(version); err != nil {
			return false, wrapError(KindFileAccessError, path, err, "write schema version")
		}
		return true, nil
	}
	return !changes.Empty(), nil
}
