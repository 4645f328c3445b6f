// Package kerrors defines the error taxonomy shared by every arrowlog
// component (spec §7). Library functions return these typed errors;
// wrapping with github.com/pkg/errors adds call-site context the way the
// teacher's metadata.go and commitlog.go do.
package kerrors

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Kind identifies the abstract error category so callers can branch on it
// with Is, regardless of how much pkg/errors context has been wrapped on.
type Kind int

const (
	// Unknown is the zero value; never constructed directly by this package.
	Unknown Kind = iota
	// NotFound indicates a missing stream, segment, or file.
	NotFound
	// AlreadyExists indicates a stream/segment collision.
	AlreadyExists
	// InvalidArgument indicates a malformed request, e.g. truncating
	// un-acked entries.
	InvalidArgument
	// Staled indicates writer_epoch < promised_epoch.
	Staled
	// Corruption indicates a CRC failure, truncated record, or malformed
	// manifest.
	Corruption
	// IO indicates an underlying storage error.
	IO
	// Timeout indicates a non-fatal transport-level timeout.
	Timeout
	// Busy indicates a pipelined writer's pending queue is past its soft
	// high-water mark; callers retry once the in-flight batch completes.
	Busy
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case InvalidArgument:
		return "invalid argument"
	case Staled:
		return "staled"
	case Corruption:
		return "corruption"
	case IO:
		return "io"
	case Timeout:
		return "timeout"
	case Busy:
		return "busy"
	default:
		return "unknown"
	}
}

// Error is a typed error carrying a Kind plus a message.
type Error struct {
	kind Kind
	msg  string
}

func (e *Error) Error() string { return e.kind.String() + ": " + e.msg }

// Kind returns the abstract error category.
func (e *Error) Kind() Kind { return e.kind }

// New constructs an Error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: errors.Errorf(format, args...).Error()}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.kind == kind
	}
	return false
}

// Sentinels for the common no-argument cases, matching spec §7 by name.
var (
	ErrNotFound       = New(NotFound, "not found")
	ErrAlreadyExists  = New(AlreadyExists, "already exists")
	ErrInvalidArg     = New(InvalidArgument, "invalid argument")
	ErrStaled         = New(Staled, "staled epoch")
	ErrCorruption     = New(Corruption, "corruption")
	ErrIO             = New(IO, "io error")
	ErrTimeout        = New(Timeout, "timeout")
	ErrSegmentNotFnd  = New(NotFound, "segment not found")
	ErrStreamNotFound = New(NotFound, "stream not found")
	ErrBusy           = New(Busy, "writer queue at high-water mark")
)
