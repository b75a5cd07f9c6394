package snapshot

import (
	"errors"
	"fmt"
)

// NotFoundError indicates a workspace, dataset or snapshot that does not
// exist in the backend.
type NotFoundError struct {
	s string
}

func (e NotFoundError) Error() string {
	return e.s
}

func NewNotFoundError(msg string, args ...interface{}) error {
	return NotFoundError{
		s: fmt.Sprintf(msg, args...),
	}
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var e NotFoundError
	return errors.As(err, &e)
}

// ConflictError indicates a concurrent writer held the dataset lock for
// longer than the caller was willing to wait. Safe to retry.
type ConflictError struct {
	s string
}

func (e ConflictError) Error() string {
	return e.s
}

func NewConflictError(msg string, args ...interface{}) error {
	return ConflictError{
		s: fmt.Sprintf(msg, args...),
	}
}

// IsConflict reports whether err is, or wraps, a ConflictError.
func IsConflict(err error) bool {
	var e ConflictError
	return errors.As(err, &e)
}

// SchemaError indicates a malformed schema: duplicate or empty column
// names, unknown types, or out-of-order positions.
type SchemaError struct {
	s string
}

func (e SchemaError) Error() string {
	return e.s
}

func NewSchemaError(msg string, args ...interface{}) error {
	return SchemaError{
		s: fmt.Sprintf(msg, args...),
	}
}

// IncompatibleSchemaError indicates an operation that needs columns the
// snapshots involved do not share, such as keyed diffing on a primary key
// missing from one side.
type IncompatibleSchemaError struct {
	s string
}

func (e IncompatibleSchemaError) Error() string {
	return e.s
}

func NewIncompatibleSchemaError(msg string, args ...interface{}) error {
	return IncompatibleSchemaError{
		s: fmt.Sprintf(msg, args...),
	}
}

// IsIncompatibleSchema reports whether err is, or wraps, an
// IncompatibleSchemaError.
func IsIncompatibleSchema(err error) bool {
	var e IncompatibleSchemaError
	return errors.As(err, &e)
}

// InvalidReferenceError indicates a reference string that matches none of
// the supported forms, or a tag that fails validation.
type InvalidReferenceError struct {
	s string
}

func (e InvalidReferenceError) Error() string {
	return e.s
}

func NewInvalidReferenceError(msg string, args ...interface{}) error {
	return InvalidReferenceError{
		s: fmt.Sprintf(msg, args...),
	}
}

// IsInvalidReference reports whether err is, or wraps, an
// InvalidReferenceError.
func IsInvalidReference(err error) bool {
	var e InvalidReferenceError
	return errors.As(err, &e)
}

// AmbiguousReferenceError indicates a tag reference that matches more than
// one snapshot while the caller required a unique match.
type AmbiguousReferenceError struct {
	s string
}

func (e AmbiguousReferenceError) Error() string {
	return e.s
}

func NewAmbiguousReferenceError(msg string, args ...interface{}) error {
	return AmbiguousReferenceError{
		s: fmt.Sprintf(msg, args...),
	}
}

// IsAmbiguous reports whether err is, or wraps, an AmbiguousReferenceError.
func IsAmbiguous(err error) bool {
	var e AmbiguousReferenceError
	return errors.As(err, &e)
}

// IoError wraps a storage failure: filesystem, network or archive level.
type IoError struct {
	s     string
	cause error
}

func (e IoError) Error() string {
	if e.cause != nil {
		return e.s + ": " + e.cause.Error()
	}
	return e.s
}

func (e IoError) Unwrap() error {
	return e.cause
}

func NewIoError(cause error, msg string, args ...interface{}) error {
	return IoError{
		s:     fmt.Sprintf(msg, args...),
		cause: cause,
	}
}

// EngineError wraps a failure from the embedded query engine.
type EngineError struct {
	s     string
	cause error
}

func (e EngineError) Error() string {
	if e.cause != nil {
		return e.s + ": " + e.cause.Error()
	}
	return e.s
}

func (e EngineError) Unwrap() error {
	return e.cause
}

func NewEngineError(cause error, msg string, args ...interface{}) error {
	return EngineError{
		s:     fmt.Sprintf(msg, args...),
		cause: cause,
	}
}

// SourceError wraps a failure reading or decoding source data during
// snapshot creation.
type SourceError struct {
	s     string
	cause error
}

func (e SourceError) Error() string {
	if e.cause != nil {
		return e.s + ": " + e.cause.Error()
	}
	return e.s
}

func (e SourceError) Unwrap() error {
	return e.cause
}

func NewSourceError(cause error, msg string, args ...interface{}) error {
	return SourceError{
		s:     fmt.Sprintf(msg, args...),
		cause: cause,
	}
}
