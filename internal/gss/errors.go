package gss

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// The GSS subsystem reports failures as errno-shaped errors because the
// daemon protocol carries raw errno values and the RPC runtime dispatches
// on them (retry vs. surface). Each sentinel wraps the corresponding
// unix.Errno so errors.Is works both against the sentinel and the errno.
var (
	// ErrAgain means "retry after waiting": no daemon attached yet, or a
	// transient allocation/parse failure that must not poison the credential.
	ErrAgain = wrapErrno("gss: temporarily unavailable", unix.EAGAIN)

	// ErrAccess means the daemon refused the request, or no daemon showed
	// up within the absence timeout. Surfaced to the RPC caller, no retry.
	ErrAccess = wrapErrno("gss: access denied", unix.EACCES)

	// ErrKeyExpired means the daemon reported an expired key (e.g. the TGT
	// lifetime ran out). The credential enters a negative cooling-off
	// window during which refresh fails immediately.
	ErrKeyExpired = wrapErrno("gss: key has expired", unix.EKEYEXPIRED)

	// ErrPipe means the daemon detached while the upcall was pending.
	ErrPipe = wrapErrno("gss: upcall pipe closed", unix.EPIPE)

	// ErrRestartSys means a synchronous waiter was cancelled. The upcall
	// itself continues in the background.
	ErrRestartSys = wrapErrno("gss: interrupted", unix.ERESTART)

	// ErrFault marks a downcall payload that overran its buffer.
	ErrFault = wrapErrno("gss: bad downcall payload", unix.EFAULT)

	// ErrInval marks an invalid argument: a context blob the mechanism
	// cannot import, or an upcall too long to encode.
	ErrInval = wrapErrno("gss: invalid argument", unix.EINVAL)

	// ErrNoEnt means no pending upcall matched a downcall's uid.
	ErrNoEnt = wrapErrno("gss: no matching upcall", unix.ENOENT)

	// ErrBusy is returned when a daemon opens a pipe of a different
	// version than the one already latched.
	ErrBusy = wrapErrno("gss: pipe version already in use", unix.EBUSY)

	// ErrTimedOut marks an upcall that sat unread past its deadline.
	ErrTimedOut = wrapErrno("gss: upcall timed out", unix.ETIMEDOUT)

	// ErrTooBig is returned for downcalls exceeding the message size cap.
	ErrTooBig = wrapErrno("gss: downcall too large", unix.EFBIG)

	// ErrIO is the catch-all for MIC/wrap failures that abort a call.
	ErrIO = wrapErrno("gss: i/o error", unix.EIO)
)

// errnoError pairs a human-readable message with the errno the daemon
// protocol and the RPC runtime dispatch on.
type errnoError struct {
	msg   string
	errno unix.Errno
}

func wrapErrno(msg string, errno unix.Errno) *errnoError {
	return &errnoError{msg: msg, errno: errno}
}

func (e *errnoError) Error() string { return e.msg }

func (e *errnoError) Unwrap() error { return e.errno }

// Errno returns the raw errno value for wire encoding.
func (e *errnoError) Errno() unix.Errno { return e.errno }

// errnoToError maps a signed errno from the daemon wire format onto the
// matching sentinel. Unknown values are preserved as unix.Errno so the
// numeric identity survives.
func errnoToError(errno int32) error {
	if errno >= 0 {
		return nil
	}
	switch unix.Errno(-errno) {
	case unix.EAGAIN:
		return ErrAgain
	case unix.EACCES:
		return ErrAccess
	case unix.EKEYEXPIRED:
		return ErrKeyExpired
	case unix.EPIPE:
		return ErrPipe
	case unix.EFAULT:
		return ErrFault
	case unix.EINVAL:
		return ErrInval
	case unix.ETIMEDOUT:
		return ErrTimedOut
	default:
		return fmt.Errorf("gss: daemon error: %w", unix.Errno(-errno))
	}
}
