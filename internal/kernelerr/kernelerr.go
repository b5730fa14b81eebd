// Package kernelerr defines the kernel-wide error taxonomy and its mapping
// onto Linux errno values for system-call returns.
package kernelerr

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind classifies a kernel error independently of its originating
// subsystem. Handlers branch on Kind; humans read the wrapped message.
type Kind int

const (
	// KindNone is the zero value; never produced by New.
	KindNone Kind = iota
	KindNoMemory
	KindInvalid
	KindNotFound
	KindExists
	KindPermissionDenied
	KindBusy
	KindWouldBlock
	KindInterrupted
	KindNotSupported
	KindFault
	KindIoError
	KindRange
)

func (k Kind) String() string {
	switch k {
	case KindNoMemory:
		return "NoMemory"
	case KindInvalid:
		return "Invalid"
	case KindNotFound:
		return "NotFound"
	case KindExists:
		return "Exists"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindBusy:
		return "Busy"
	case KindWouldBlock:
		return "WouldBlock"
	case KindInterrupted:
		return "Interrupted"
	case KindNotSupported:
		return "NotSupported"
	case KindFault:
		return "Fault"
	case KindIoError:
		return "IoError"
	case KindRange:
		return "Range"
	default:
		return "None"
	}
}

// errno holds the errno each Kind maps to when surfaced to user mode.
var errno = map[Kind]unix.Errno{
	KindNoMemory:         unix.ENOMEM,
	KindInvalid:          unix.EINVAL,
	KindNotFound:         unix.ENOENT,
	KindExists:           unix.EEXIST,
	KindPermissionDenied: unix.EPERM,
	KindBusy:             unix.EBUSY,
	KindWouldBlock:       unix.EAGAIN,
	KindInterrupted:      unix.EINTR,
	KindNotSupported:     unix.ENOSYS,
	KindFault:            unix.EFAULT,
	KindIoError:          unix.EIO,
	KindRange:            unix.ERANGE,
}

// Error is a kernel error carrying a Kind and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Module  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Module, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Module, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Errno returns the negative errno value a syscall handler should place in
// the ABI return register for this error.
func (e *Error) Errno() int {
	if n, ok := errno[e.Kind]; ok {
		return -int(n)
	}
	return -int(unix.EINVAL)
}

// New constructs a kernel error of the given kind.
func New(module string, kind Kind, message string) *Error {
	return &Error{Module: module, Kind: kind, Message: message}
}

// Wrap constructs a kernel error of the given kind wrapping cause.
func Wrap(module string, kind Kind, message string, cause error) *Error {
	return &Error{Module: module, Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a kernel error of the given kind.
func Is(err error, kind Kind) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}
	return false
}

// Errno maps any error to a -errno return value. Non-kernel errors map to
// -EIO, matching the teacher's convention of never letting a bare error
// escape to the ABI boundary unmapped.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Errno()
	}
	return -int(unix.EIO)
}
