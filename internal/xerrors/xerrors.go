// Package xerrors attaches call-site information to errors so the logger can
// render where a failure was created or wrapped.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/multierr"
)

const maxStackDepth = 64

// stacked carries the PCs captured when the error was created.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// annotated prefixes an error with a message and remembers a single frame.
type annotated struct {
	err error
	msg string
	pc  uintptr
}

func (a *annotated) Error() string     { return a.msg + ": " + a.err.Error() }
func (a *annotated) Unwrap() error     { return a.err }
func (a *annotated) PC() uintptr       { return a.pc }
func (a *annotated) IsXerrorsWrapper() {}

// skip counts frames above runtime.Callers.
func stackAt(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip, pcs)
	return pcs[:n]
}

func frameAt(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// runtime.Callers + stackAt + constructor = 3
func withStack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: stackAt(4)}
}

func New(msg string) error             { return withStack(errors.New(msg)) }
func Newf(f string, args ...any) error { return withStack(fmt.Errorf(f, args...)) }

// WithStack records the caller's stack on err.
func WithStack(err error) error { return withStack(err) }

// EnsureTrace adds a stack only when no error in the chain already has one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && hs != nil && len(hs.StackPCs()) > 0 {
		return err
	}
	return withStack(err)
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: msg, pc: frameAt(3)}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: fmt.Sprintf(format, args...), pc: frameAt(3)}
}

// Combine merges errs into one, skipping nils. Returns nil when all are nil.
// The combined error supports errors.Is/As against each member.
func Combine(errs ...error) error { return multierr.Combine(errs...) }

// Errors returns the members of a combined error, or []error{err}.
func Errors(err error) []error { return multierr.Errors(err) }
