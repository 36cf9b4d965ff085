package gateway

import "errors"

// Domain-specific errors for gateway operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when attempting operations on a disconnected client.
	ErrNotConnected = errors.New("gateway: client not connected")

	// ErrConnectionFailed is returned when a connection attempt cannot be started.
	ErrConnectionFailed = errors.New("gateway: connection failed")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("gateway: publish failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("gateway: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidEvent is returned when an empty event name is provided.
	ErrInvalidEvent = errors.New("gateway: event name cannot be empty")

	// ErrMissingCredentials is returned when credentials lack the org,
	// device ID, or token needed to connect.
	ErrMissingCredentials = errors.New("gateway: missing credentials")
)
