// Package metaerrors defines the error taxonomy shared by the control
// plane's barrier, recovery, scheduling, and RPC code.
//
// Every error raised by this module carries a Kind drawn from a small,
// closed set so that callers at the RPC boundary can map it to a
// transport-level status code without inspecting message text, plus a
// backtrace captured at construction.
package metaerrors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies an error for RPC status mapping and retry decisions.
type Kind int

const (
	// OK is not actually an error; it exists so GRPCCode has a total mapping.
	OK Kind = iota
	Internal
	Memory
	Protobuf
	NotImplemented
	Io
	Parse
	NumericOutOfRange
	Protocol
	TaskNotFound
	Rpc
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case Internal:
		return "Internal"
	case Memory:
		return "Memory"
	case Protobuf:
		return "Protobuf"
	case NotImplemented:
		return "NotImplemented"
	case Io:
		return "Io"
	case Parse:
		return "Parse"
	case NumericOutOfRange:
		return "NumericOutOfRange"
	case Protocol:
		return "Protocol"
	case TaskNotFound:
		return "TaskNotFound"
	case Rpc:
		return "Rpc"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type used across the control plane. It
// is comparable by Kind, which lets multiple awaiting callers observe
// and branch on the same failure.
type Error struct {
	Cause error
	Msg   string
	Kind  Kind
	stack []uintptr
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Backtrace renders the call stack captured when the error was
// constructed, one frame per line.
func (e *Error) Backtrace() string {
	if len(e.stack) == 0 {
		return ""
	}
	frames := runtime.CallersFrames(e.stack)
	var b strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return b.String()
}

// Clone returns a value-copy of the error, safe to hand to multiple
// awaiting callers without risk of one mutating a shared instance.
func (e *Error) Clone() *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.stack = append([]uintptr(nil), e.stack...)
	return &cp
}

func callers() []uintptr {
	var pcs [32]uintptr
	// Skip runtime.Callers, this helper, and the New/Wrap frame.
	n := runtime.Callers(3, pcs[:])
	return pcs[:n]
}

// New constructs an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, stack: callers()}
}

// Wrap constructs an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause, stack: callers()}
}

// KindOf extracts the Kind of err, defaulting to Internal for any
// error not produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return OK
	}
	return Internal
}

// GRPCCode maps an error kind to its transport status: NOT_FOUND for
// TaskNotFound, UNIMPLEMENTED for NotImplemented, OK for OK, else
// INTERNAL. Codes are expressed as plain strings since the wire
// framing lives outside this module.
func (e *Error) GRPCCode() string {
	switch e.Kind {
	case TaskNotFound:
		return "NOT_FOUND"
	case NotImplemented:
		return "UNIMPLEMENTED"
	case OK:
		return "OK"
	default:
		return "INTERNAL"
	}
}
