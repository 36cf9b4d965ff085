package simulation

import "errors"

// Domain-specific errors for simulation operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrDeviceExists is returned when adding a device whose ID is already present.
	ErrDeviceExists = errors.New("simulation: device already exists")

	// ErrDeviceNotFound is returned when an operation targets an unknown device ID.
	ErrDeviceNotFound = errors.New("simulation: no such device")

	// ErrArchDeviceExists is returned when adding a duplicate device type.
	ErrArchDeviceExists = errors.New("simulation: architecture device already exists")

	// ErrArchDeviceNotFound is returned when referencing an unknown device type.
	ErrArchDeviceNotFound = errors.New("simulation: unknown architecture device")

	// ErrMissingCredentials is returned when a device instance has no
	// platform credentials and therefore cannot be simulated.
	ErrMissingCredentials = errors.New("simulation: unregistered device instance")

	// ErrAttributeNotFound is returned when writing an attribute the
	// device type does not declare.
	ErrAttributeNotFound = errors.New("simulation: no such attribute")

	// ErrSessionClosed is returned for operations on a destroyed session.
	ErrSessionClosed = errors.New("simulation: session closed")
)

// Logger is the logging interface used across the simulation layer.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
