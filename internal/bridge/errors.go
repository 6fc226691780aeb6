package bridge

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrAlreadyAwaiting is returned when a second callback is registered on a gate.
	ErrAlreadyAwaiting = errors.New("readiness callback already registered")

	// ErrModuleRejected is reported when a promise-like readiness signal
	// closes without delivering a module.
	ErrModuleRejected = errors.New("module readiness signal closed without a module")
)

// ReadinessTimeoutError occurs when polling exhausts its attempt budget.
type ReadinessTimeoutError struct {
	Attempts int
	Interval time.Duration
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("module not ready after %d attempts (interval %v)", e.Attempts, e.Interval)
}

// ReadinessCancelledError occurs when the context passed to the gate ends
// before the module became ready.
type ReadinessCancelledError struct {
	Attempts int
	Err      error
}

func (e *ReadinessCancelledError) Error() string {
	return fmt.Sprintf("readiness wait cancelled after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ReadinessCancelledError) Unwrap() error {
	return e.Err
}

// AllocationUnavailableError occurs when the arena cannot provide a region,
// either because the module exports no allocator or because the allocator
// returned an invalid address.
type AllocationUnavailableError struct {
	Size   uint32
	Reason string
	Err    error
}

func (e *AllocationUnavailableError) Error() string {
	msg := fmt.Sprintf("allocation of %d bytes unavailable: %s", e.Size, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AllocationUnavailableError) Unwrap() error {
	return e.Err
}

// EntryPointUnavailableError occurs when no binding style resolves an entry point.
type EntryPointUnavailableError struct {
	Name  string
	Tried []string
}

func (e *EntryPointUnavailableError) Error() string {
	return fmt.Sprintf("entry point '%s' unavailable (tried: %s)", e.Name, strings.Join(e.Tried, ", "))
}

// LaneError occurs when a host lane cannot be placed into an allocation.
type LaneError struct {
	Addr   uint32
	Width  uint32
	Reason string
	Err    error
}

func (e *LaneError) Error() string {
	msg := fmt.Sprintf("cannot write %d-byte lane at address %d: %s", e.Width, e.Addr, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LaneError) Unwrap() error {
	return e.Err
}

// InvocationPanicError wraps a panic recovered at the orchestrator boundary.
type InvocationPanicError struct {
	Op    string
	Value any
}

func (e *InvocationPanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Op, e.Value)
}
