package db

import (
	"errors"
	"fmt"
)

// Kind categorizes lifecycle-layer failures. Every failure is reported
// synchronously to the caller of the operation that detected it; none
// are retried by this layer.
type Kind string

const (
	// KindMismatchedConfig: the config conflicts with a live instance
	// already open on the same path.
	KindMismatchedConfig Kind = "MISMATCHED_CONFIG"

	// KindFileAccessError: generic I/O failure opening the file.
	KindFileAccessError Kind = "FILE_ACCESS_ERROR"

	// KindFilePermissionDenied: the process may not open or create the
	// file in the requested access mode.
	KindFilePermissionDenied Kind = "FILE_PERMISSION_DENIED"

	// KindFileExists: exclusive creation was requested and the file
	// already exists.
	KindFileExists Kind = "FILE_EXISTS"

	// KindFileNotFound: the file does not exist and creation was not
	// allowed.
	KindFileNotFound Kind = "FILE_NOT_FOUND"

	// KindIncompatibleLockFile: the file is held or was written in a
	// format this process cannot share.
	KindIncompatibleLockFile Kind = "INCOMPATIBLE_LOCK_FILE"

	// KindInvalidTransaction: a transaction operation was called in the
	// wrong state.
	KindInvalidTransaction Kind = "INVALID_TRANSACTION"

	// KindIncorrectThread: an instance was used from a goroutine other
	// than the one that created it.
	KindIncorrectThread Kind = "INCORRECT_THREAD"

	// KindInvalidSchemaVersion: the requested schema version is behind
	// the stored one, or an uninitialized file was opened without a
	// target schema.
	KindInvalidSchemaVersion Kind = "INVALID_SCHEMA_VERSION"

	// KindMissingPropertyValue: a record value omits a required field.
	KindMissingPropertyValue Kind = "MISSING_PROPERTY_VALUE"
)

// Error is the typed error surfaced by this package. Path identifies
// the storage file involved where one exists.
type Error struct {
	Kind    Kind
	Path    string
	Message string
	Err     error // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (path=%s)", e.Kind, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is (or wraps) a lifecycle error of the
// given kind.
func IsKind(err error, kind Kind) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind == kind
	}
	return false
}

func newError(kind Kind, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Path: path, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, path string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Path: path, Message: fmt.Sprintf(format, args...), Err: err}
}
