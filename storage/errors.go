package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when the store options are unusable.
	ErrConfiguration = errors.New("invalid store configuration")

	// ErrInitialization is returned when the connectivity check or the
	// schema sync performed at construction failed.
	ErrInitialization = errors.New("store initialization failed")

	// ErrSerialization is returned when a session payload cannot be
	// encoded or a stored payload cannot be decoded.
	ErrSerialization = errors.New("session payload serialization failed")

	// ErrBackend is returned when the database rejects an operation.
	ErrBackend = errors.New("database operation failed")
)

// OpError reports a failed store operation. It unwraps to both its kind
// (one of the sentinel errors above) and the underlying cause.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind, err error) error {
	return &OpError{Op: op, Kind: kind, Err: err}
}

func backendErr(op string, err error) error {
	return opErr(op, ErrBackend, err)
}
