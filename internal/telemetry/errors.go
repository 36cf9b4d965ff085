package telemetry

import "errors"

var (
	// ErrDisabled is returned when telemetry recording is disabled in config.
	ErrDisabled = errors.New("telemetry: recording is disabled")

	// ErrConnectionFailed is returned when the InfluxDB server is unreachable.
	ErrConnectionFailed = errors.New("telemetry: connection failed")
)
