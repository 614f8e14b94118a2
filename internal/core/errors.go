package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is matching across layers. The typed errors
// below carry the detail; these anchor the four protocol error classes.
var (
	ErrTimeout      = errors.New("protocol timeout")
	ErrValidation   = errors.New("validation failed")
	ErrDisconnected = errors.New("printer disconnected")
	ErrComm         = errors.New("communication error")

	ErrPrintStopped = errors.New("print stopped")
)

// TimeoutError reports a command or watcher that received no terminating
// acknowledgement within its deadline.
type TimeoutError struct {
	Command string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("protocol timeout after %s", e.Elapsed.Round(time.Millisecond))
	}
	return fmt.Sprintf("protocol timeout after %s waiting for %q", e.Elapsed.Round(time.Millisecond), e.Command)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ValidationError rejects an operation before anything is written to the
// printer: malformed G-code, a state that forbids the operation, or bad
// connection parameters.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// DisconnectError resolves pending commands and watchers when their
// connection goes away before they complete.
type DisconnectError struct {
	Port string
}

func (e *DisconnectError) Error() string {
	if e.Port == "" {
		return "printer disconnected"
	}
	return fmt.Sprintf("printer %s disconnected", e.Port)
}

func (e *DisconnectError) Is(target error) bool { return target == ErrDisconnected }

// CommError wraps transport failures and fatal firmware conditions.
type CommError struct {
	Op  string
	Err error
}

func (e *CommError) Error() string {
	if e.Err == nil {
		return "communication error: " + e.Op
	}
	return fmt.Sprintf("communication error: %s: %v", e.Op, e.Err)
}

func (e *CommError) Is(target error) bool { return target == ErrComm }

func (e *CommError) Unwrap() error { return e.Err }
