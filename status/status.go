// Package status defines the error model used throughout grpcwire. A Status
// combines a canonical code with an optional human-readable description and
// an optional underlying cause. Statuses are immutable; the With* methods
// return derived copies.
//
// The code taxonomy is the canonical gRPC one, so the enum is borrowed from
// google.golang.org/grpc/codes rather than redeclared.
package status

import (
	"context"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Status describes the outcome of an operation. The zero value is not
// meaningful; use New or one of the predefined values.
type Status struct {
	code  codes.Code
	desc  string
	cause error
}

// Predefined statuses, one per code, with no description and no cause.
var (
	OK                 = &Status{code: codes.OK}
	Cancelled          = &Status{code: codes.Canceled}
	Unknown            = &Status{code: codes.Unknown}
	InvalidArgument    = &Status{code: codes.InvalidArgument}
	DeadlineExceeded   = &Status{code: codes.DeadlineExceeded}
	NotFound           = &Status{code: codes.NotFound}
	AlreadyExists      = &Status{code: codes.AlreadyExists}
	PermissionDenied   = &Status{code: codes.PermissionDenied}
	ResourceExhausted  = &Status{code: codes.ResourceExhausted}
	FailedPrecondition = &Status{code: codes.FailedPrecondition}
	Aborted            = &Status{code: codes.Aborted}
	OutOfRange         = &Status{code: codes.OutOfRange}
	Unimplemented      = &Status{code: codes.Unimplemented}
	Internal           = &Status{code: codes.Internal}
	Unavailable        = &Status{code: codes.Unavailable}
	DataLoss           = &Status{code: codes.DataLoss}
	Unauthenticated    = &Status{code: codes.Unauthenticated}
)

// New returns a status with the given code and description.
func New(c codes.Code, desc string) *Status {
	return &Status{code: c, desc: desc}
}

// Newf returns a status with the given code and a formatted description.
func Newf(c codes.Code, format string, args ...interface{}) *Status {
	return New(c, fmt.Sprintf(format, args...))
}

// FromCodeValue returns the predefined status for the given numeric code
// value, as transmitted in the grpc-status trailer. Out-of-range values
// produce an UNKNOWN status describing the raw value.
func FromCodeValue(v int) *Status {
	if v < 0 || v > int(codes.Unauthenticated) {
		return Unknown.WithDescriptionf("Unknown code %d", v)
	}
	return &Status{code: codes.Code(v)}
}

// Code returns the canonical code.
func (s *Status) Code() codes.Code { return s.code }

// Description returns the description, which may be empty.
func (s *Status) Description() string { return s.desc }

// Cause returns the underlying cause, which may be nil.
func (s *Status) Cause() error { return s.cause }

// IsOK reports whether the status carries the OK code.
func (s *Status) IsOK() bool { return s.code == codes.OK }

// WithDescription returns a copy of s with the given description, replacing
// any existing one.
func (s *Status) WithDescription(desc string) *Status {
	return &Status{code: s.code, desc: desc, cause: s.cause}
}

// WithDescriptionf is WithDescription with formatting.
func (s *Status) WithDescriptionf(format string, args ...interface{}) *Status {
	return s.WithDescription(fmt.Sprintf(format, args...))
}

// AugmentDescription returns a copy of s with the given text appended to the
// existing description, if any.
func (s *Status) AugmentDescription(extra string) *Status {
	if extra == "" {
		return s
	}
	desc := s.desc
	if desc == "" {
		desc = extra
	} else {
		desc = desc + "\n" + extra
	}
	return &Status{code: s.code, desc: desc, cause: s.cause}
}

// WithCause returns a copy of s with the given cause, replacing any existing
// one.
func (s *Status) WithCause(err error) *Status {
	return &Status{code: s.code, desc: s.desc, cause: err}
}

// String renders the status for logs; the cause is included when present.
func (s *Status) String() string {
	out := s.code.String()
	if s.desc != "" {
		out += ": " + s.desc
	}
	if s.cause != nil {
		out += fmt.Sprintf(" (caused by %v)", s.cause)
	}
	return out
}

// Err returns nil if the status is OK, and an error wrapping the status
// otherwise.
func (s *Status) Err() error {
	if s.IsOK() {
		return nil
	}
	return &Error{s: s}
}

// Error wraps a non-OK Status as an error.
type Error struct {
	s *Status
}

func (e *Error) Error() string { return e.s.String() }

// Status returns the wrapped status.
func (e *Error) Status() *Status { return e.s }

// Unwrap exposes the status cause to errors.Is/As chains.
func (e *Error) Unwrap() error { return e.s.cause }

// FromError extracts a Status from an error. Errors produced by Status.Err
// yield the original status. Context errors map to CANCELLED and
// DEADLINE_EXCEEDED. Anything else becomes UNKNOWN with the error as cause.
func FromError(err error) *Status {
	if err == nil {
		return OK
	}
	if se, ok := err.(*Error); ok {
		return se.s
	}
	switch err {
	case context.Canceled:
		return Cancelled.WithCause(err)
	case context.DeadlineExceeded:
		return DeadlineExceeded.WithCause(err)
	}
	return Unknown.WithDescription(err.Error()).WithCause(err)
}

// FromContextError maps a context error to its status; non-context errors
// pass through FromError unchanged.
func FromContextError(err error) *Status {
	return FromError(err)
}
