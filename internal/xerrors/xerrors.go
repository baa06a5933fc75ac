// Package xerrors wraps errors with call-site information the logger can
// render. Wrapped errors keep working with errors.Is and errors.As.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries the program counters of the goroutine that created it.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }

// skip counts frames above the caller of the exported function.
func stack(err error, skip int) error {
	if err == nil {
		return nil
	}
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+3, pcs)
	return &stacked{err: err, pcs: pcs[:n]}
}

func New(msg string) error { return stack(errors.New(msg), 0) }

func Newf(format string, args ...any) error { return stack(fmt.Errorf(format, args...), 0) }

// WithStack records the current stack on err.
func WithStack(err error) error { return stack(err, 0) }

// EnsureTrace records a stack only when no error in the chain has one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return stack(err, 0)
}

// wrapped adds a message and the single frame that wrapped it.
type wrapped struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrapped) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) PC() uintptr   { return w.pc }

func caller() uintptr {
	var pcs [1]uintptr
	// runtime.Callers, caller, the exported wrapper
	if runtime.Callers(3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// Wrap prefixes err with msg. A nil err yields nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: msg, pc: caller()}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: fmt.Sprintf(format, args...), pc: caller()}
}

// marked joins a sentinel kind onto a cause so errors.Is matches either,
// while the message stays "msg: cause".
type marked struct {
	kind error
	err  error
	msg  string
	pc   uintptr
}

func (m *marked) Error() string {
	prefix := m.msg
	if prefix == "" {
		prefix = m.kind.Error()
	}
	return prefix + ": " + m.err.Error()
}
func (m *marked) Unwrap() []error { return []error{m.kind, m.err} }
func (m *marked) PC() uintptr     { return m.pc }

// Mark tags err with kind. A nil err yields nil.
func Mark(kind, err error) error {
	if err == nil {
		return nil
	}
	return &marked{kind: kind, err: err, pc: caller()}
}

// Markf is Mark with a formatted prefix in place of kind's text.
func Markf(kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &marked{kind: kind, err: err, msg: fmt.Sprintf(format, args...), pc: caller()}
}
