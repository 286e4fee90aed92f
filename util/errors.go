// util/errors.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"github.com/pkg/errors"
)

// The kinds of errors reported by the repository engine. Errors returned
// by the engine wrap one of these; use errors.Is to test for them.
var (
	ErrAuth     = errors.New("authentication failed")
	ErrFormat   = errors.New("unrecognized format")
	ErrNotFound = errors.New("not found")
	ErrCorrupt  = errors.New("corrupt data")
	ErrIO       = errors.New("i/o error")
	ErrState    = errors.New("invalid repository state")
)

var kindNames = []struct {
	kind error
	name string
}{
	{ErrAuth, "AuthError"},
	{ErrFormat, "FormatError"},
	{ErrNotFound, "NotFound"},
	{ErrCorrupt, "Corrupt"},
	{ErrIO, "IoError"},
	{ErrState, "StateError"},
}

// kindError attaches one of the error kinds to an underlying error so
// that both the kind and the original cause remain visible.
type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return e.err.Error()
}

func (e *kindError) Is(target error) bool {
	return target == e.kind
}

func (e *kindError) Unwrap() error {
	return e.err
}

// Format keeps %+v stack traces from the wrapped error.
func (e *kindError) Format(s fmt.State, verb rune) {
	if f, ok := e.err.(fmt.Formatter); ok {
		f.Format(s, verb)
		return
	}
	fmt.Fprint(s, e.err.Error())
}

// WithKind returns err tagged with the given kind; err keeps its own
// message and stack.
func WithKind(kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// IOError tags err as an ErrIO, adding the name of the file involved.
func IOError(err error, name string) error {
	if err == nil {
		return nil
	}
	return WithKind(ErrIO, errors.Wrap(err, name))
}

// Errorf returns an error of the given kind with a formatted message.
func Errorf(kind error, f string, args ...interface{}) error {
	return errors.Wrapf(kind, f, args...)
}

// KindName returns the user-visible name of err's kind, e.g.
// "FormatError", or "Error" if it has none of the known kinds.
func KindName(err error) string {
	for _, k := range kindNames {
		if errors.Is(err, k.kind) {
			return k.name
		}
	}
	return "Error"
}

// KindByName returns the error kind with the given user-visible name, as
// returned by KindName, or nil if there's no such kind.
func KindByName(name string) error {
	for _, k := range kindNames {
		if k.name == name {
			return k.kind
		}
	}
	return nil
}
