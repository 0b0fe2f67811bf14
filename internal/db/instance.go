package db

import (
	"errors"
	"sync/atomic"

	"github.com/kestreldb/kestrel/internal/schema"
	"github.com/kestreldb/kestrel/internal/storage"
	"github.com/kestreldb/kestrel/internal/threadid"
)

// Instance is one live, goroutine-bound connection onto a storage file
// plus its transaction and notification state. Instances are obtained
// from Registry.Open and released with Close.
//
// Every mutating or transaction-related operation must be invoked from
// the goroutine that created the instance; a mismatch fails with
// IncorrectThread and leaves state unchanged. The storage handle is not
// safe for concurrent use and this layer adds no synchronization around
// it.
type Instance struct {
	registry *Registry
	config   *Config
	handle   *storage.Handle
	thread   threadid.ID

	inTransaction bool
	autoRefresh   bool
	hub           *hub

	// closed is read by the registry from other goroutines during
	// pruning, hence atomic.
	closed atomic.Bool
}

// Open returns the instance for cfg, reusing a live instance when the
// calling goroutine already has one for cfg.Path.
//
// For a fresh instance: the storage file is opened with cfg's flags;
// if cfg carries a target schema and version the migration protocol
// runs synchronously before the instance is returned; with no target
// schema the stored schema and version are read back into cfg (dynamic
// mode). When another goroutine already has the path open and cfg has
// no target schema, that instance's schema and version are cloned into
// cfg instead.
//
// A failed open or migration leaves no instance registered.
func (r *Registry) Open(cfg *Config) (*Instance, error) {
	tid := threadid.Current()

	// A target schema without a version is invalid regardless of
	// whether the path is already open; the sentinel must never reach
	// the migration path.
	if cfg.Schema != nil && cfg.SchemaVersion == NotVersioned {
		return nil, newError(KindInvalidSchemaVersion, cfg.Path,
			"a target schema requires a schema version")
	}

	if existing := r.Get(cfg.Path, tid); existing != nil {
		if !existing.config.compatibleWith(cfg) {
			return nil, newError(KindMismatchedConfig, cfg.Path,
				"open flags conflict with an instance already open on this path")
		}
		// The existing instance keeps its flags; only a newer schema
		// request acts on it.
		if cfg.Schema != nil && cfg.SchemaVersion != existing.config.SchemaVersion {
			existing.config.Migration = cfg.Migration
			if _, err := existing.UpdateSchema(cfg.Schema, cfg.SchemaVersion); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	// A sibling on another goroutine pins the path's flags, and lends
	// its schema to configs that did not bring one.
	if sibling := r.GetAny(cfg.Path); sibling != nil {
		if !sibling.config.compatibleWith(cfg) {
			return nil, newError(KindMismatchedConfig, cfg.Path,
				"open flags conflict with an instance open on another goroutine")
		}
		if cfg.Schema == nil {
			cfg.Schema = sibling.config.Schema.Clone()
			cfg.SchemaVersion = sibling.config.SchemaVersion
		}
	}

	handle, err := storage.Open(cfg.Path, storage.Options{
		ReadOnly:  cfg.ReadOnly,
		InMemory:  cfg.InMemory,
		NoCreate:  cfg.NoCreate,
		Exclusive: cfg.Exclusive,
	})
	if err != nil {
		return nil, mapOpenError(cfg.Path, err)
	}

	inst := &Instance{
		registry:    r,
		config:      cfg,
		handle:      handle,
		thread:      tid,
		autoRefresh: true,
		hub:         newHub(),
	}

	if cfg.Schema != nil {
		if _, err := inst.updateSchema(cfg.Schema, cfg.SchemaVersion); err != nil {
			handle.Close()
			return nil, err
		}
	} else {
		if err := inst.adoptStoredSchema(); err != nil {
			handle.Close()
			return nil, err
		}
	}

	if err := r.insert(inst, tid); err != nil {
		handle.Close()
		return nil, err
	}
	return inst, nil
}

// adoptStoredSchema populates cfg with the schema and version already
// on disk (dynamic mode). An uninitialized file cannot be opened this
// way: there is no schema to trust.
func (i *Instance) adoptStoredSchema() error {
	version, ok, err := i.handle.SchemaVersion()
	if err != nil {
		return wrapError(KindFileAccessError, i.config.Path, err, "read stored schema version")
	}
	if !ok {
		return newError(KindInvalidSchemaVersion, i.config.Path,
			"file is uninitialized and no target schema was given")
	}
	stored, err := i.handle.ReadSchema()
	if err != nil {
		return wrapError(KindFileAccessError, i.config.Path, err, "read stored schema")
	}
	i.config.Schema = stored
	i.config.SchemaVersion = version
	return nil
}

func mapOpenError(path string, err error) *Error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return wrapError(KindFileNotFound, path, err, "file not found")
	case errors.Is(err, storage.ErrPermission):
		return wrapError(KindFilePermissionDenied, path, err, "permission denied")
	case errors.Is(err, storage.ErrExists):
		return wrapError(KindFileExists, path, err, "file already exists")
	case errors.Is(err, storage.ErrIncompatible):
		return wrapError(KindIncompatibleLockFile, path, err, "file cannot be shared by this process")
	default:
		return wrapError(KindFileAccessError, path, err, "open failed")
	}
}

// verifyThread is the affinity precondition on every instance
// operation.
func (i *Instance) verifyThread() error {
	if current := threadid.Current(); current != i.thread {
		return newError(KindIncorrectThread, i.config.Path,
			"instance belongs to goroutine %d, used from %d", i.thread, current)
	}
	return nil
}

// Config returns the instance's configuration. After a successful
// schema update it reflects the new on-disk schema and version.
func (i *Instance) Config() *Config { return i.config }

// Thread returns the owning goroutine's ID.
func (i *Instance) Thread() threadid.ID { return i.thread }

// InTransaction reports whether a write transaction is open.
func (i *Instance) InTransaction() bool { return i.inTransaction }

// AutoRefresh reports whether implicit refresh is enabled.
func (i *Instance) AutoRefresh() bool { return i.autoRefresh }

// SetAutoRefresh toggles implicit refresh. With it off the instance
// observes a frozen snapshot until Refresh is called explicitly.
func (i *Instance) SetAutoRefresh(on bool) error {
	if err := i.verifyThread(); err != nil {
		return err
	}
	i.autoRefresh = on
	return nil
}

// BeginTransaction opens the write transaction: Idle → InTransaction.
// The read view advances to the latest committed state for the
// transaction's duration.
func (i *Instance) BeginTransaction() error {
	if err := i.verifyThread(); err != nil {
		return err
	}
	if i.inTransaction {
		return newError(KindInvalidTransaction, i.config.Path, "transaction already in progress")
	}
	if i.config.ReadOnly {
		return newError(KindInvalidTransaction, i.config.Path, "instance is read-only")
	}
	if err := i.handle.BeginWrite(); err != nil {
		return wrapError(KindFileAccessError, i.config.Path, err, "begin transaction")
	}
	i.inTransaction = true
	return nil
}

// CommitTransaction persists the open transaction: InTransaction →
// Idle. Subscribers get the post-refresh event and the external
// notifier is scheduled so sibling instances learn a new version
// exists.
func (i *Instance) CommitTransaction() error {
	if err := i.verifyThread(); err != nil {
		return err
	}
	if !i.inTransaction {
		return newError(KindInvalidTransaction, i.config.Path, "no transaction in progress")
	}
	if _, err := i.handle.Commit(); err != nil {
		return wrapError(KindFileAccessError, i.config.Path, err, "commit transaction")
	}
	i.inTransaction = false
	i.hub.notifyLocal(EventDidChange)
	i.hub.notifyExternal()
	return nil
}

// CancelTransaction discards the open transaction: InTransaction →
// Idle. No notifications fire.
func (i *Instance) CancelTransaction() error {
	if err := i.verifyThread(); err != nil {
		return err
	}
	if !i.inTransaction {
		return newError(KindInvalidTransaction, i.config.Path, "no transaction in progress")
	}
	if err := i.handle.Rollback(); err != nil {
		return wrapError(KindFileAccessError, i.config.Path, err, "cancel transaction")
	}
	i.inTransaction = false
	return nil
}

// Refresh advances the read view to the latest committed version.
// Reports whether any advance occurred; fires the post-refresh event
// when one did. A transaction's read view must stay fixed for its
// duration, so Refresh inside a transaction is invalid.
func (i *Instance) Refresh() (bool, error) {
	if err := i.verifyThread(); err != nil {
		return false, err
	}
	if i.inTransaction {
		return false, newError(KindInvalidTransaction, i.config.Path, "cannot refresh inside a transaction")
	}
	advanced, err := i.handle.Refresh()
	if err != nil {
		return false, wrapError(KindFileAccessError, i.config.Path, err, "refresh")
	}
	if advanced {
		i.hub.notifyLocal(EventDidChange)
	}
	return advanced, nil
}

// Notify is the per-goroutine wakeup entry paired with the external
// notifier: when another instance commits, its external hook wakes
// this goroutine's event loop, which calls Notify here. With
// auto-refresh on the view advances and subscribers get the
// post-refresh event; otherwise they get the post-external-change
// event and the view stays put until an explicit Refresh.
func (i *Instance) Notify() error {
	if err := i.verifyThread(); err != nil {
		return err
	}
	changed, err := i.handle.HasNewVersion()
	if err != nil {
		return wrapError(KindFileAccessError, i.config.Path, err, "check for new version")
	}
	if !changed {
		return nil
	}
	if i.autoRefresh && !i.inTransaction {
		_, err := i.Refresh()
		return err
	}
	i.hub.notifyLocal(EventRefreshRequired)
	return nil
}

// Invalidate releases the read view without advancing it, dropping the
// locks and memory it pins. An open transaction is cancelled first.
func (i *Instance) Invalidate() error {
	if err := i.verifyThread(); err != nil {
		return err
	}
	if i.inTransaction {
		if err := i.CancelTransaction(); err != nil {
			return err
		}
	}
	if err := i.handle.Invalidate(); err != nil {
		return wrapError(KindFileAccessError, i.config.Path, err, "invalidate")
	}
	return nil
}

// Compact reclaims unused file space. It reports false without error
// when the preconditions are unmet: another live instance holds the
// path, or the instance is read-only. Calling it inside a transaction
// is an InvalidTransaction error.
func (i *Instance) Compact() (bool, error) {
	if err := i.verifyThread(); err != nil {
		return false, err
	}
	if i.inTransaction {
		return false, newError(KindInvalidTransaction, i.config.Path, "cannot compact inside a transaction")
	}
	if i.config.ReadOnly {
		return false, nil
	}
	if i.registry.othersOnPath(i.config.Path, i) {
		return false, nil
	}
	if err := i.handle.Compact(); err != nil {
		return false, wrapError(KindFileAccessError, i.config.Path, err, "compact")
	}
	return true, nil
}

// AddNotification registers a subscriber and returns the token that
// removes it.
func (i *Instance) AddNotification(fn NotificationFunc) (Token, error) {
	if err := i.verifyThread(); err != nil {
		return "", err
	}
	return i.hub.add(fn), nil
}

// RemoveNotification deregisters a subscription by token. Unknown
// tokens are a no-op.
func (i *Instance) RemoveNotification(token Token) error {
	if err := i.verifyThread(); err != nil {
		return err
	}
	i.hub.remove(token)
	return nil
}

// SetExternalNotifier installs the hook invoked after each successful
// commit. It is advisory only: it should wake the event loops of
// goroutines holding sibling instances so they call Notify themselves.
func (i *Instance) SetExternalNotifier(fn func()) error {
	if err := i.verifyThread(); err != nil {
		return err
	}
	i.hub.external = fn
	return nil
}

// Exec runs a data statement inside the open transaction.
func (i *Instance) Exec(query string, args ...any) error {
	if err := i.verifyThread(); err != nil {
		return err
	}
	if !i.inTransaction {
		return newError(KindInvalidTransaction, i.config.Path, "no transaction in progress")
	}
	return i.handle.Exec(query, args...)
}

// QueryValue reads a single value through the instance's current read
// view into dest.
func (i *Instance) QueryValue(dest any, query string, args ...any) error {
	if err := i.verifyThread(); err != nil {
		return err
	}
	return i.handle.QueryRow(query, args...).Scan(dest)
}

// ValidateRecord checks candidate record values for a table against
// the instance's schema. A missing required field is a
// MissingPropertyValue error.
func (i *Instance) ValidateRecord(table string, values map[string]any) error {
	if i.config.Schema == nil {
		return newError(KindMissingPropertyValue, i.config.Path, "instance has no schema")
	}
	t, ok := i.config.Schema.Table(table)
	if !ok {
		return newError(KindMissingPropertyValue, i.config.Path, "unknown table %q", table)
	}
	if err := t.ValidateRecord(values); err != nil {
		var missing *schema.MissingFieldError
		if errors.As(err, &missing) {
			return wrapError(KindMissingPropertyValue, i.config.Path, err,
				"record for %q omits required field %q", missing.Table, missing.Column)
		}
		return wrapError(KindMissingPropertyValue, i.config.Path, err, "record does not conform to %q", table)
	}
	return nil
}

// Close releases the instance: any open transaction is discarded, the
// registry entry is removed and the storage handle is closed. The
// registry never extends instance lifetime, so a leaked instance is
// also pruned once collected; Close is the deterministic path.
func (i *Instance) Close() error {
	if err := i.verifyThread(); err != nil {
		return err
	}
	if i.closed.Swap(true) {
		return nil
	}
	i.registry.remove(i.config.Path, i.thread)
	i.inTransaction = false
	if err := i.handle.Close(); err != nil {
		return wrapError(KindFileAccessError, i.config.Path, err, "close")
	}
	return nil
}
