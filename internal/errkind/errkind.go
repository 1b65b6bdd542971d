// Package errkind defines the error taxonomy of spec.md §7 as
// sentinel-comparable types, so callers can branch with errors.As
// instead of string matching wherever a typed error is available.
package errkind

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Transport Kind = "transport"
	Protocol  Kind = "protocol"
	Timeout   Kind = "timeout"
	Policy    Kind = "policy"
	Upstream  Kind = "upstream"
	Resource  Kind = "resource"
)

// Error wraps an underlying cause with a Kind from the taxonomy.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
