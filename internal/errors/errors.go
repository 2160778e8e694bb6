// Package errors defines the typed error kinds used across the daemon.
//
// Every surfaced error carries a stable code, a human message, and - where a
// fix is actionable - a remediation hint. Kinds decide propagation: stage
// errors retry, task errors fail the task, folder errors fail the folder,
// daemon errors trigger graceful shutdown.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation policy.
type Kind string

const (
	// KindConfig - invalid, missing, or conflicting configuration.
	// Fatal at startup; a reload surfaces it without killing the daemon.
	KindConfig Kind = "config"

	// KindValidation - user-driven invariant breach (duplicate folder,
	// subfolder, missing path). Returned to the caller; no state change.
	KindValidation Kind = "validation"

	// KindTransient - retriable storage, parse, or network failure.
	KindTransient Kind = "transient"

	// KindModel - embedding model load or inference failure.
	KindModel Kind = "model"

	// KindCorruption - storage corruption detected on open.
	KindCorruption Kind = "corruption"

	// KindSupervisor - child process failed beyond its restart budget.
	KindSupervisor Kind = "supervisor"

	// KindInternal - broken invariant in daemon code. Crash-worthy.
	KindInternal Kind = "internal"
)

// ValidationCode identifies the specific folder-validation failure.
type ValidationCode string

const (
	CodeNotExists    ValidationCode = "NOT_EXISTS"
	CodeNotDirectory ValidationCode = "NOT_DIRECTORY"
	CodeDuplicate    ValidationCode = "DUPLICATE"
	CodeSubfolder    ValidationCode = "SUBFOLDER"
	CodeAncestor     ValidationCode = "ANCESTOR" // warning, never blocks
)

// Error is the concrete error type carried across subsystem boundaries.
type Error struct {
	Kind        Kind
	Code        string // stable machine-readable code, e.g. "SUBFOLDER"
	Op          string // operation that failed, e.g. "store.open"
	Path        string // file or folder involved, if any
	Remediation string // suggested fix for user-visible surfaces
	Timestamp   time.Time
	Underlying  error
}

// New creates an error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{
		Kind:       kind,
		Op:         op,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Newf creates an error of the given kind from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// WithPath attaches the file or folder path involved.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithCode attaches a stable machine-readable code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithRemediation attaches a suggested fix shown to users.
func (e *Error) WithRemediation(hint string) *Error {
	e.Remediation = hint
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s failed for %s: %v", e.Kind, e.Op, e.Path, e.Underlying)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Kind, e.Op, e.Underlying)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsRetriable reports whether the error may be retried by a stage policy.
// Transient I/O and model-backend failures are retriable; validation,
// configuration, and corruption errors are not.
func (e *Error) IsRetriable() bool {
	return e.Kind == KindTransient || e.Kind == KindModel
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetriable reports whether err is a transient failure.
func IsRetriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsRetriable()
	}
	return false
}

// Validation constructs a ValidationError with its taxonomy code.
func Validation(code ValidationCode, path, format string, args ...any) *Error {
	return Newf(KindValidation, "validate", format, args...).
		WithPath(path).
		WithCode(string(code))
}

// Config constructs a ConfigurationError for a named key.
func Config(key string, err error) *Error {
	return New(KindConfig, "config", err).WithCode(key)
}

// Transient constructs a retriable I/O error.
func Transient(op string, err error) *Error {
	return New(KindTransient, op, err)
}

// Model constructs a model load or inference error.
func Model(op, modelID string, err error) *Error {
	return New(KindModel, op, err).WithCode(modelID)
}

// Corruption constructs a storage-corruption error.
func Corruption(path string, err error) *Error {
	return New(KindCorruption, "store.open", err).
		WithPath(path).
		WithRemediation("remove the folder's .semfold directory and re-add the folder")
}

// Supervisor constructs a child-process failure error.
func Supervisor(op string, err error) *Error {
	return New(KindSupervisor, op, err)
}

// Internal constructs a broken-invariant error.
func Internal(op, format string, args ...any) *Error {
	return Newf(KindInternal, op, format, args...)
}
