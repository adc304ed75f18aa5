package driver

import (
	"errors"
	"fmt"
)

// ErrNotInitialized is wrapped in a ConnectivityError when a command is issued
// before Initialize succeeded.
var ErrNotInitialized = errors.New("device not initialized")

// ConnectivityError means the device did not answer. The controller stays
// uninitialized after a failed handshake.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: device unreachable (%v); check the cable and the selected serial port", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// PreconditionError rejects an operation whose required state is not met. The
// device was not commanded.
type PreconditionError struct {
	Op     string
	Reason string
	Err    error
}

func (e *PreconditionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// DesyncError reports an acknowledgement that does not match the request. The
// last confirmed value is kept.
type DesyncError struct {
	Op   string
	Want string
	Got  string
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("%s: device answered %q, expected %q; the previous setting is kept", e.Op, e.Got, e.Want)
}

// IgnitionError reports a strike that failed after the preconditions held. The
// device has been sent a shutdown by the time it is returned.
type IgnitionError struct {
	Stage string
	Err   error
}

func (e *IgnitionError) Error() string {
	return fmt.Sprintf("strike plasma: %s failed, supplies were shut down: %v", e.Stage, e.Err)
}

func (e *IgnitionError) Unwrap() error {
	return e.Err
}

// IsConnectivity reports whether err is or wraps a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsPrecondition reports whether err is or wraps a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// IsDesync reports whether err is or wraps a DesyncError.
func IsDesync(err error) bool {
	var de *DesyncError
	return errors.As(err, &de)
}

// IsIgnition reports whether err is or wraps an IgnitionError.
func IsIgnition(err error) bool {
	var ie *IgnitionError
	return errors.As(err, &ie)
}
