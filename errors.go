package msgstore

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can branch on failure category
// instead of matching error strings. See spec §7.
type Kind int

const (
	// KindUnknown is the zero value; never returned by this package.
	KindUnknown Kind = iota
	// KindNotFound indicates a mailbox, message, or file is absent.
	KindNotFound
	// KindAlreadyExists indicates a create collided with an existing name.
	KindAlreadyExists
	// KindNotEmpty indicates a delete was attempted on a non-empty mailbox.
	KindNotEmpty
	// KindInvalidArgument indicates a bad message number, bad name, or
	// path traversal attempt.
	KindInvalidArgument
	// KindReadOnly indicates a mutation was attempted on a read-only mailbox.
	KindReadOnly
	// KindIllegalState indicates an operation invalid for the object's
	// current lifecycle state (double append, use after close).
	KindIllegalState
	// KindCorruptIndex indicates a magic/version/CRC/structural failure
	// in the sidecar search index. Recovered locally by rebuilding.
	KindCorruptIndex
	// KindIoError indicates a filesystem failure.
	KindIoError
	// KindParseError indicates the MIME parser aborted; see Locator.
	KindParseError
	// KindHandlerError indicates a MIME event handler cancelled parsing.
	KindHandlerError
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindNotEmpty:
		return "not_empty"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindReadOnly:
		return "read_only"
	case KindIllegalState:
		return "illegal_state"
	case KindCorruptIndex:
		return "corrupt_index"
	case KindIoError:
		return "io_error"
	case KindParseError:
		return "parse_error"
	case KindHandlerError:
		return "handler_error"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every operation in this module.
// Op names the failing operation (e.g. "mbox.Mailbox.Delete") so logs
// and traces can locate the failure without string-matching messages.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, msgstore.ErrNotFound) style checks against
// the sentinel values below.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// NewError builds an *Error for the given kind and operation.
func NewError(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Sentinel Errors usable with errors.Is(err, msgstore.ErrNotFound), etc.
// Each carries no Op/Err so it only matches on Kind via (*Error).Is.
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrAlreadyExists   = &Error{Kind: KindAlreadyExists}
	ErrNotEmpty        = &Error{Kind: KindNotEmpty}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrReadOnly        = &Error{Kind: KindReadOnly}
	ErrIllegalState    = &Error{Kind: KindIllegalState}
	ErrCorruptIndex    = &Error{Kind: KindCorruptIndex}
	ErrIoError         = &Error{Kind: KindIoError}
	ErrParseError      = &Error{Kind: KindParseError}
	ErrHandlerError    = &Error{Kind: KindHandlerError}
)

// KindOf returns the Kind of err if it is (or wraps) an *Error, and
// false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindUnknown, false
}
