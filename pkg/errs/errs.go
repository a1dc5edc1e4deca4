// Package errs defines the tagged error kinds the launcher core
// originates (spec §7): a small closed vocabulary that lets callers
// branch on *why* an operation failed without string-matching messages.
package errs

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Kind classifies an Error. The set is closed and mirrors spec §7.
type Kind int

const (
	Unknown Kind = iota
	InvalidArgument
	NotFound
	AlreadyExists
	BrokenService
	InvalidSpec
	Internal
	Shutdown
	Runner
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case BrokenService:
		return "broken_service"
	case InvalidSpec:
		return "invalid_spec"
	case Internal:
		return "internal"
	case Shutdown:
		return "shutdown"
	case Runner:
		return "runner"
	default:
		return "unknown"
	}
}

// GRPCCode maps a Kind onto the nearest google.golang.org/grpc/codes
// value, for any host surface that re-exposes these errors over RPC. The
// core itself does not use grpc transport (spec §6).
func (k Kind) GRPCCode() codes.Code {
	switch k {
	case InvalidArgument, InvalidSpec:
		return codes.InvalidArgument
	case NotFound:
		return codes.NotFound
	case AlreadyExists:
		return codes.AlreadyExists
	case BrokenService:
		return codes.FailedPrecondition
	case Internal:
		return codes.Internal
	case Shutdown:
		return codes.Unavailable
	case Runner:
		return codes.Unknown
	default:
		return codes.Unknown
	}
}

// Error is a tagged value carrying a Kind, the operation that produced
// it, and an optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error whose Err is a plain error carrying msg.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap tags an existing error with a Kind and the operation it occurred
// in. Wrapping a nil error returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error; otherwise it returns Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err is tagged with the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
