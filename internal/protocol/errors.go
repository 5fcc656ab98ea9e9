package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection marks transport-level failures. Callers recover with Restart.
	ErrConnection = errors.New("protocol: connection error")

	// ErrMalformed marks a meta-data document or data frame that cannot be used.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrSessionTerminated means the peer answered a data frame with a NaN or
	// negative clock: it dropped the session and expects meta-data again.
	ErrSessionTerminated = errors.New("protocol: session terminated by peer")

	// ErrNotConnected is returned by operations that need an open socket.
	ErrNotConnected = errors.New("protocol: not connected")
)

// ConnectionError wraps a transport failure.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("protocol: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// Retryable is always true: the session can be restarted.
func (e *ConnectionError) Retryable() bool { return true }

// Timeout reports whether the failure was a deadline expiry.
func (e *ConnectionError) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

// MalformedError describes what was wrong with a message.
type MalformedError struct {
	Field  string
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	msg := fmt.Sprintf("protocol: malformed %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedError) Unwrap() error { return e.Err }

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

func malformed(field, format string, args ...any) *MalformedError {
	return &MalformedError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
