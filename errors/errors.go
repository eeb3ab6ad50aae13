// Package errors provides error handling for pulsecron.
//
// This package re-exports github.com/cockroachdb/errors, which gives every
// error a stack trace, wrapping context, user-facing hints and safe details.
//
// Usage:
//
//	if err := store.UpdateJob(ctx, job); err != nil {
//	    return errors.Wrapf(err, "failed to update job %s", job.Name)
//	}
//
//	if errors.Is(err, errors.ErrNotFound) {
//	    // unknown job name
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Join         = crdb.Join
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints
)

// Common sentinel errors. Match them with errors.Is(); wrap them with
// errors.Wrap() to add context while keeping the type.
var (
	// ErrNotFound indicates the requested job or execution does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates a malformed request or configuration value
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a uniqueness violation (e.g., duplicate job name)
	ErrConflict = New("resource conflict")

	// ErrServiceUnavailable indicates a required collaborator is not reachable
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// NotFoundError is the typed result returned for operations against an
// unknown entity. It matches ErrNotFound under errors.Is.
type NotFoundError struct {
	Kind string // entity kind, e.g. "job"
	Key  string // lookup key, e.g. the job name
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFound returns a NotFoundError for the given entity kind and key.
func NewNotFound(kind, key string) error {
	return &NotFoundError{Kind: kind, Key: key}
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Wrap(ErrConflict, fmt.Sprintf(format, args...))
}
