// Package errors defines the error taxonomy shared by the probe runner,
// the protocol engines and the command line.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Operations reported in ProbeError.
const (
	OpAllocate = "allocate"
	OpStart    = "start"
	OpProtocol = "protocol"
)

var (
	// ErrUnsupportedTransport is returned by engines that cannot run over the
	// selected transport protocol.
	ErrUnsupportedTransport = stderrors.New("unsupported transport")

	// ErrClosed is returned when an engine is used after release.
	ErrClosed = stderrors.New("engine closed")
)

// FatalError aborts a run before any probe has been started.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as a startup failure.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Op: op, Err: err}
}

// IsFatal reports whether err is, or wraps, a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return stderrors.As(err, &fe)
}

// ProbeError is a failure confined to a single probe. It never stops
// the other probes of a run.
type ProbeError struct {
	Probe string
	Op    string
	Err   error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Probe, e.Op, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// NewProbeError wraps err for the given probe and operation.
func NewProbeError(probe, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProbeError{Probe: probe, Op: op, Err: err}
}

// Is and As re-export the standard helpers so callers importing this
// package do not need a second errors import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// New re-exports errors.New.
func New(text string) error {
	return stderrors.New(text)
}
