// Package errs defines the error kinds shared across dapbridge's
// components, so callers can branch on failure class without parsing
// message strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error. The set matches the error kinds enumerated
// in the error handling design: probe, connection, protocol, pack,
// config, and IO level failures each need different caller handling
// (retry, surface-to-user, abort-session).
type Kind string

const (
	KindProbe      Kind = "probe"
	KindNotFound   Kind = "not_found"
	KindConnection Kind = "connection"
	KindProtocol   Kind = "protocol"
	KindFlash      Kind = "flash"
	KindMemory     Kind = "memory"
	KindRTT        Kind = "rtt"
	KindPack       Kind = "pack"
	KindConfig     Kind = "config"
	KindIO         Kind = "io"
	KindBusy       Kind = "busy"
)

// Error wraps an underlying error with an operation name and a Kind so
// callers can use errors.As to recover the classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error for op with the given kind, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
