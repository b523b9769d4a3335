package errors

import (
	"errors"
	"fmt"
	"time"
)

// BridgeError is the base interface for all bridge errors.
type BridgeError interface {
	error
	IsBridgeError() bool
}

// Compile-time verification that all error types implement BridgeError.
var (
	_ BridgeError = (*ExecutableNotFoundError)(nil)
	_ BridgeError = (*ForeignProcessError)(nil)
	_ BridgeError = (*StartupTimeoutError)(nil)
	_ BridgeError = (*BackendConnectionError)(nil)
	_ BridgeError = (*APIError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrNotOwned indicates the backend process was not spawned by this
	// supervisor and therefore must not be stopped by it.
	ErrNotOwned = errors.New("backend process is externally managed, refusing to stop it")

	// ErrNoConsumer indicates no event consumer is registered for the session.
	ErrNoConsumer = errors.New("no event consumer registered for session")

	// ErrPipelineClosed indicates the event pipeline has been shut down.
	ErrPipelineClosed = errors.New("event pipeline closed")

	// ErrSessionNotFound indicates the session id is unknown.
	ErrSessionNotFound = errors.New("session not found")
)

// ExecutableNotFoundError indicates the backend executable was not found.
type ExecutableNotFoundError struct {
	SearchedPaths []string
}

func (e *ExecutableNotFoundError) Error() string {
	return fmt.Sprintf("opencode executable not found in: %v", e.SearchedPaths)
}

// IsBridgeError implements BridgeError.
func (e *ExecutableNotFoundError) IsBridgeError() bool { return true }

// ForeignProcessError indicates the configured port is occupied by an
// unresponsive process that this supervisor does not own.
type ForeignProcessError struct {
	Port int
	PID  int32 // 0 when the owner could not be determined
}

func (e *ForeignProcessError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("port %d is in use by pid %d but the backend is not responding", e.Port, e.PID)
	}

	return fmt.Sprintf("port %d is in use but the backend is not responding", e.Port)
}

// IsBridgeError implements BridgeError.
func (e *ForeignProcessError) IsBridgeError() bool { return true }

// StartupTimeoutError indicates the backend never became healthy within
// the startup budget.
type StartupTimeoutError struct {
	Timeout time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("backend failed to become healthy within %s", e.Timeout)
}

// IsBridgeError implements BridgeError.
func (e *StartupTimeoutError) IsBridgeError() bool { return true }

// BackendConnectionError indicates a network-level failure talking to the
// backend. It is retryable and never fatal by itself.
type BackendConnectionError struct {
	Err error
}

func (e *BackendConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to backend: %v", e.Err)
}

func (e *BackendConnectionError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *BackendConnectionError) IsBridgeError() bool { return true }

// APIError indicates the backend answered an API request with an error status.
type APIError struct {
	Status int
	Body   string
	Err    error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend API error (status %d): %v", e.Status, e.Err)
	}

	return fmt.Sprintf("backend API error (status %d): %s", e.Status, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *APIError) IsBridgeError() bool { return true }
