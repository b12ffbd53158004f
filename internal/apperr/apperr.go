// Package apperr defines the stable error kinds surfaced by the ingest and
// query paths. Every failure that crosses a component boundary carries one
// Kind plus a human-readable detail string.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers deciding how to react to it.
type Kind string

const (
	// InvalidSource means the repository address is malformed. The user fixes the input.
	InvalidSource Kind = "invalid_source"
	// Fetch means the repository could not be retrieved. Safe to retry.
	Fetch Kind = "fetch"
	// EmptyIndex means the repository produced no indexable content.
	EmptyIndex Kind = "empty_index"
	// Embedding means bad input text reached the embedding model.
	Embedding Kind = "embedding"
	// NotReady means an ingest for the repository is in progress.
	NotReady Kind = "not_ready"
	// NotFound means the repository name is unknown.
	NotFound Kind = "not_found"
	// InvalidQuery means the query text or result count is unusable.
	InvalidQuery Kind = "invalid_query"
	// Internal is everything else.
	Internal Kind = "internal"
)

// Fetch reasons, used to tell "source not found" from "source unreachable".
const (
	ReasonNotFound    = "not_found"
	ReasonUnreachable = "unreachable"
)

// Error is the concrete error type for all kinds.
type Error struct {
	Kind   Kind
	Detail string
	// Reason refines Kind where callers need it (only Fetch today).
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind (and reason, when
// target sets one).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// FetchFailed builds a Fetch error with a reason.
func FetchFailed(reason string, err error, format string, args ...any) *Error {
	return &Error{Kind: Fetch, Reason: reason, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or Internal for errors that carry none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// ReasonOf returns the reason of err, or "".
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// DetailOf returns the human-readable detail of err.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidSource = &Error{Kind: InvalidSource}
	ErrFetch         = &Error{Kind: Fetch}
	ErrEmptyIndex    = &Error{Kind: EmptyIndex}
	ErrEmbedding     = &Error{Kind: Embedding}
	ErrNotReady      = &Error{Kind: NotReady}
	ErrNotFound      = &Error{Kind: NotFound}
	ErrInvalidQuery  = &Error{Kind: InvalidQuery}
)
