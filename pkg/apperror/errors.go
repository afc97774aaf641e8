// Package apperror provides the structured error taxonomy shared by every
// component of the control plane (Topology, PIO, Endpoint, PolicyStore,
// Daemon, Agents, Controller). Every public boundary returns one of these
// errors instead of panicking or returning a bare string, and carries
// enough context (kind, file, line, underlying errno) to reconstruct what
// failed without re-running the caller.
package apperror

import (
	"errors"
	"fmt"
	"runtime"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is the closed set of error categories a control-plane component may
// report. Callers branch on Kind, never on Message.
type Kind string

const (
	// Invalid marks a caller error: unknown signal/control name, wrong
	// domain, out-of-range index, length mismatch, malformed policy.
	Invalid Kind = "invalid"
	// Runtime marks a transient or environment failure: hardware
	// inaccessible, endpoint timeout, mutex made inconsistent by a dead
	// owner, concurrent writer conflict.
	Runtime Kind = "runtime"
	// Logic marks an internal consistency failure: a handle sampled
	// before any read_batch, a policy vector of the wrong length for a
	// tree level, a push after the batch has already been read.
	Logic Kind = "logic"
	// Unsupported marks a feature absent on this platform.
	Unsupported Kind = "unsupported"
	// FileParse marks a persistent store or JSON document that is
	// corrupt or does not match the expected schema.
	FileParse Kind = "file_parse"
)

// exitCode assigns each Kind a one-to-one negative exit code, per §6.
var exitCode = map[Kind]int{
	Invalid:     -1,
	Runtime:     -2,
	Logic:       -3,
	Unsupported: -4,
	FileParse:   -5,
}

// Error is the single structured error value returned at every public
// boundary in the control plane.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Details map[string]any
	File    string
	Line    int
	Errno   int // originating errno, 0 when not applicable
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause so errors.Is/errors.As keep working
// across the wire boundary.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given Kind, capturing the caller's file and
// line for diagnostics.
func New(kind Kind, message string) *Error {
	return newAt(kind, message, 2)
}

// Wrap creates an Error that carries an underlying cause.
func Wrap(cause error, kind Kind, message string) *Error {
	e := newAt(kind, message, 2)
	e.Cause = cause
	return e
}

// WrapErrno creates a Runtime error carrying a raw syscall errno, used by
// drivers and the shared-memory layer when a syscall fails.
func WrapErrno(cause error, errno int, message string) *Error {
	e := newAt(Runtime, message, 2)
	e.Cause = cause
	e.Errno = errno
	return e
}

func newAt(kind Kind, message string, skip int) *Error {
	file, line := "", 0
	if _, f, l, ok := runtime.Caller(skip); ok {
		file, line = f, l
	}
	return &Error{
		Kind:    kind,
		Message: message,
		Details: make(map[string]any),
		File:    file,
		Line:    line,
	}
}

// WithDetail attaches a key/value pair of structured context and returns e.
func (e *Error) WithDetail(key string, value any) *Error {
	e.Details[key] = value
	return e
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Runtime for errors that
// did not originate in this package (an unexpected error is treated as an
// environment failure, not a caller mistake).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Runtime
}

// ExitCode maps err onto the one-to-one negative exit code for its Kind, 0
// for a nil error, and -128 for an error of unknown provenance.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		if code, ok := exitCode[e.Kind]; ok {
			return code
		}
	}
	return -128
}

// ExitCodeString translates an exit code produced by ExitCode back into a
// human-readable name, for logs and process exit messages.
func ExitCodeString(code int) string {
	if code == 0 {
		return "success"
	}
	for kind, c := range exitCode {
		if c == code {
			return string(kind)
		}
	}
	return "unknown"
}

// grpcCode maps a Kind onto the gRPC status code used by the admin
// surface (pkg/adminserver) when it reports a control-plane error over the
// wire.
func grpcCode(kind Kind) codes.Code {
	switch kind {
	case Invalid:
		return codes.InvalidArgument
	case Runtime:
		return codes.Unavailable
	case Logic:
		return codes.Internal
	case Unsupported:
		return codes.Unimplemented
	case FileParse:
		return codes.DataLoss
	default:
		return codes.Unknown
	}
}

// GRPCStatus implements the interface status.FromError looks for, so any
// *Error returned from an adminserver handler is translated automatically.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(grpcCode(e.Kind), e.Message)
}

// ToGRPC converts any error into a gRPC status error, using the Kind
// mapping for *Error and Internal for everything else.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.GRPCStatus().Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

// FromGRPC recovers an *Error from a gRPC status error, used by a client
// of pkg/adminserver to restore the original Kind.
func FromGRPC(err error) *Error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return New(Runtime, err.Error())
	}
	var kind Kind
	switch st.Code() {
	case codes.InvalidArgument:
		kind = Invalid
	case codes.Unavailable:
		kind = Runtime
	case codes.Unimplemented:
		kind = Unsupported
	case codes.DataLoss:
		kind = FileParse
	default:
		kind = Logic
	}
	return New(kind, st.Message())
}
