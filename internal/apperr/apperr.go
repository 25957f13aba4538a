// Package apperr defines the error kinds surfaced to operators.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindIngestion     Kind = "ingestion"
	KindIndexBuild    Kind = "index build"
	KindPersistence   Kind = "persistence"
	KindGeneration    Kind = "generation"
)

// Kind sentinels for errors.Is.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrIngestion     = &Error{Kind: KindIngestion}
	ErrIndexBuild    = &Error{Kind: KindIndexBuild}
	ErrPersistence   = &Error{Kind: KindPersistence}
	ErrGeneration    = &Error{Kind: KindGeneration}
)

// ErrNoDocuments is the non-fatal ingestion outcome for an empty source directory.
var ErrNoDocuments = errors.New("no documents found")

type Error struct {
	Kind      Kind
	Op        string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s error: %s", e.Kind, e.Op)
	default:
		return string(e.Kind) + " error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrGeneration) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Configuration(op string, err error) *Error { return New(KindConfiguration, op, err) }
func Ingestion(op string, err error) *Error     { return New(KindIngestion, op, err) }
func IndexBuild(op string, err error) *Error    { return New(KindIndexBuild, op, err) }
func Persistence(op string, err error) *Error   { return New(KindPersistence, op, err) }

// Generation builds a generation error; retryable marks transient failures such as timeouts.
func Generation(op string, err error, retryable bool) *Error {
	return &Error{Kind: KindGeneration, Op: op, Err: err, Retryable: retryable}
}

// IsRetryable reports whether err carries a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
