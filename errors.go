package ingest

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrHandlerEmpty  = errors.New("empty request handler")
	ErrSessionClosed = errors.New("session closed")
	ErrSourceEmpty   = errors.New("empty byte source")
	ErrPoolClosed    = errors.New("pool closed")
)

// ProtocolError reports structurally invalid multipart framing. It is fatal to
// the current parse but never to the session.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// TimeoutError is returned when the idle window passes without a single byte.
type TimeoutError struct {
	Idle time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Idle <= 0 {
		return "timeout"
	}
	return "timeout: no bytes received within " + e.Idle.String()
}

// Only implement the Timeout() and Temporary() functions of the net.Error interface.
// This allows for checks like:
//
//   if x, ok := err.(interface{ Timeout() bool }); ok && x.Timeout() {
func (e *TimeoutError) Timeout() bool   { return true }
func (e *TimeoutError) Temporary() bool { return true }

// ErrTimeout is returned from timed out calls.
var ErrTimeout = &TimeoutError{}

// ResourceError reports an overflow file that could not be created or written.
type ResourceError struct {
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource error: %s: %v", e.Path, e.Err)
}

func (e *ResourceError) Cause() error  { return e.Err }
func (e *ResourceError) Unwrap() error { return e.Err }

// StateError is returned when the body stream of a request is consumed twice.
type StateError struct {
	Op string
}

func (e *StateError) Error() string { return "state error: " + e.Op }

// IsTimeout tells whether err, or its cause, is a timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if x, ok := errors.Cause(err).(interface{ Timeout() bool }); ok && x.Timeout() {
		return true
	}
	return false
}
