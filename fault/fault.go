// Package fault defines the error taxonomy shared by the finveille storage
// layer. Every failure that crosses a package boundary carries a Kind so
// that callers (CLI, dashboard API) can distinguish "temporarily degraded,
// safe to retry" from "needs operator attention" without parsing messages.
//
// SQLite reports lock contention and corruption through a narrow set of
// error strings rather than distinct Go types, so classification inspects
// the message. This mirrors how the engine itself surfaces result codes.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorises a storage-layer failure.
type Kind int

const (
	// Unknown is the zero value: an error that carries no Kind.
	Unknown Kind = iota

	// Contention is a transient lock conflict. Retried internally by the
	// transaction runner and only surfaced when retries exhaust.
	Contention

	// SchemaMismatch means a migration could not be applied safely.
	// Fatal for the affected store.
	SchemaMismatch

	// Corruption means the engine reported an unreadable file. The store
	// must be quarantined and restored from backup, never auto-deleted.
	Corruption

	// IOFailure is a disk or permission problem during backup, restore or
	// consolidation. The current operation aborts, prior state is intact.
	IOFailure
)

// String returns the wire/log name of the kind.
func (k Kind) String() string {
	switch k {
	case Contention:
		return "contention"
	case SchemaMismatch:
		return "schema_mismatch"
	case Corruption:
		return "corruption"
	case IOFailure:
		return "io_failure"
	default:
		return "unknown"
	}
}

// Retryable reports whether the kind denotes a transient condition.
func (k Kind) Retryable() bool { return k == Contention }

// Error is a typed storage-layer failure bound to a store file.
type Error struct {
	Kind Kind
	Path string // affected store file, may be empty
	Err  error
}

// New wraps err with a kind and the affected store path.
func New(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from an error chain. Errors without an explicit
// Kind are classified from the engine message as a fallback.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Classify(err)
}

// IsBusy reports whether err indicates an SQLite BUSY/LOCKED condition.
// It checks for SQLITE_BUSY, "database is locked", and
// "database table is locked".
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// IsCorrupt reports whether err indicates an unreadable store file.
func IsCorrupt(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_CORRUPT") ||
		strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "file is encrypted or is not a database")
}

// IsSchema reports whether err indicates a table or column a statement
// expected is missing.
func IsSchema(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "has no column named")
}

// IsDiskFailure reports whether err indicates the disk, not the data,
// failed.
func IsDiskFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database or disk is full") ||
		strings.Contains(msg, "attempt to write a readonly database")
}

// Classify maps a raw engine error onto a Kind by message inspection.
// nil maps to Unknown.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return Unknown
	case IsBusy(err):
		return Contention
	case IsCorrupt(err):
		return Corruption
	case IsSchema(err):
		return SchemaMismatch
	case IsDiskFailure(err):
		return IOFailure
	default:
		return Unknown
	}
}
