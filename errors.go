package bridge

import (
	bridgeerr "github.com/wagiedev/opencode-bridge/internal/errors"
)

// Error types re-exported for callers. See the internal errors package
// for details.
type (
	// BridgeError is the marker interface implemented by all bridge errors.
	BridgeError = bridgeerr.BridgeError

	// ExecutableNotFoundError indicates the backend executable was not found.
	ExecutableNotFoundError = bridgeerr.ExecutableNotFoundError

	// ForeignProcessError indicates the backend port is held by an
	// unresponsive process the supervisor does not own.
	ForeignProcessError = bridgeerr.ForeignProcessError

	// StartupTimeoutError indicates the backend never became healthy
	// within the startup budget.
	StartupTimeoutError = bridgeerr.StartupTimeoutError

	// BackendConnectionError indicates a network-level failure talking to
	// the backend.
	BackendConnectionError = bridgeerr.BackendConnectionError

	// APIError indicates the backend answered with an error status.
	APIError = bridgeerr.APIError
)

// Sentinel errors re-exported for callers.
var (
	ErrNotOwned        = bridgeerr.ErrNotOwned
	ErrNoConsumer      = bridgeerr.ErrNoConsumer
	ErrPipelineClosed  = bridgeerr.ErrPipelineClosed
	ErrSessionNotFound = bridgeerr.ErrSessionNotFound
)
