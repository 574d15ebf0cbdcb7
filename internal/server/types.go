// Package server defines the shared error values, supervisor statuses, and
// close-error helpers reused across connection, supervisor, and core logic.
package server

import (
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	// ErrInvalidConfig is returned by New and Config.Validate for settings
	// the server cannot run with.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrServerFull is returned when a connection arrives while the
	// connection table is at capacity.
	ErrServerFull = errors.New("server full")

	// ErrWouldBlock is returned by Conn.ReadFrame when no complete frame is
	// available yet. It is not fatal; the caller polls again later.
	ErrWouldBlock = errors.New("read would block")

	// errConnPoisoned is returned when a previous holder of a connection's
	// lock panicked while using it.
	errConnPoisoned = errors.New("connection lock poisoned")
)

// Reason is the terminal state of a connection supervisor.
type Reason int

const (
	// Terminated means the supervisor stopped because the server shut down.
	Terminated Reason = iota
	// TimedOut means the peer sent nothing for the configured timeout.
	TimedOut
	// Errored means reading from the peer failed.
	Errored
	// Panicked means the supervisor or another holder of the connection
	// lock panicked.
	Panicked
)

// String returns the metric label for the reason.
func (r Reason) String() string {
	switch r {
	case Terminated:
		return "terminated"
	case TimedOut:
		return "timed_out"
	case Errored:
		return "errored"
	case Panicked:
		return "panicked"
	default:
		return "unknown"
	}
}

// Status is reported exactly once by a supervisor when it finishes.
// Err is set for Errored and Panicked.
type Status struct {
	Reason Reason
	Err    error
}

// isExpectedCloseError reports whether err is a routine peer disconnect:
// EOF, a closed connection, a broken pipe, or a reset.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// isTimeout reports whether err is a deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
