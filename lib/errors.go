package lib

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownPeer = errors.New("no transfer session for peer")
	ErrWindowFull  = errors.New("send window is full")
	ErrAborted     = errors.New("transfer aborted")
)

// FormatError reports a datagram or payload that cannot be interpreted.
type FormatError struct {
	msg string
}

func newFormatError(format string, args ...interface{}) *FormatError {
	return &FormatError{msg: fmt.Sprintf(format, args...)}
}

func (e *FormatError) Error() string {
	return "malformed packet: " + e.msg
}

// TimeoutError is returned when no acknowledgment arrives before a deadline.
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return false
}

// SizeMismatchError is reported when a transfer ends with a byte count
// different from the declared total size.
type SizeMismatchError struct {
	Received, Expected uint64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch: received %d of %d bytes", e.Received, e.Expected)
}

// IOError wraps a sink failure. It aborts the affected session only.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// isTimeout reports whether err is a deadline expiry from a transport.
func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
