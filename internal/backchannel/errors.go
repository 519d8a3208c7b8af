package backchannel

import (
	"errors"
	"fmt"

	"github.com/danmuck/bcnet/internal/contype"
)

// Code is the closed result taxonomy of every operation.
type Code uint8

const (
	CodeSuccess Code = iota
	CodeInvalidArgument
	CodeRangeExceeded
	CodeNotFound
	CodeOutOfMemory
	CodeRemoteFailure
)

var (
	ErrInvalidArgument = errors.New("backchannel: invalid argument")
	ErrRangeExceeded   = errors.New("backchannel: range exceeded")
	ErrNotFound        = errors.New("backchannel: not found")
	ErrOutOfMemory     = errors.New("backchannel: out of memory")
	ErrRemoteFailure   = errors.New("backchannel: remote failure")

	errNoResponse = errors.New("no response packet")
	errEnded      = errors.New("connection already ended")
	errUnassigned = errors.New("connection has no identifier")
	errAssigned   = errors.New("connection already has an identifier")
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeRangeExceeded:
		return "range_exceeded"
	case CodeNotFound:
		return "not_found"
	case CodeOutOfMemory:
		return "out_of_memory"
	case CodeRemoteFailure:
		return "remote_failure"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

func (c Code) sentinel() error {
	switch c {
	case CodeInvalidArgument:
		return ErrInvalidArgument
	case CodeRangeExceeded:
		return ErrRangeExceeded
	case CodeNotFound:
		return ErrNotFound
	case CodeOutOfMemory:
		return ErrOutOfMemory
	case CodeRemoteFailure:
		return ErrRemoteFailure
	default:
		return nil
	}
}

// Error is the failure of one operation.
type Error struct {
	Op   string
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("backchannel %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("backchannel %s: %s: %v", e.Op, e.Code, e.Err)
}

// Unwrap exposes both the code sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := e.Code.sentinel(); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func newError(op string, code Code, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

// StatusError carries a nonzero status byte from the dispatcher or the remote peer.
type StatusError struct {
	Local  bool
	Status uint8
}

func (e *StatusError) Error() string {
	if e.Local {
		return fmt.Sprintf("local dispatch status %d", e.Status)
	}
	return fmt.Sprintf("remote status %d", e.Status)
}

// CodeOf maps err onto the taxonomy. nil is CodeSuccess.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, contype.ErrRangeExceeded):
		return CodeRangeExceeded
	case errors.Is(err, contype.ErrNotFound):
		return CodeNotFound
	default:
		return CodeRemoteFailure
	}
}
