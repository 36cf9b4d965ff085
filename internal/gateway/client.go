package gateway

// Credentials identify one device on the messaging platform.
// Each simulated device connects with its own credentials.
type Credentials struct {
	Org        string `json:"org"`
	DeviceType string `json:"deviceType"`
	DeviceID   string `json:"deviceID"`
	Token      string `json:"token"`

	// Domain overrides the configured messaging domain when set.
	Domain string `json:"domain,omitempty"`
}

// Valid reports whether the credentials are sufficient to register a
// device connection.
func (c Credentials) Valid() bool {
	return c.Org != "" && c.DeviceID != "" && c.Token != ""
}

// ActionRequest is a device-management action received from the platform.
type ActionRequest struct {
	// ID correlates the response with the request.
	ID string `json:"reqId"`

	// Action names the requested operation (reboot, factory_reset).
	Action string `json:"action"`
}

// Device-management action names.
const (
	ActionReboot       = "reboot"
	ActionFactoryReset = "factory_reset"
)

// ResponseCode is the result code sent when acknowledging an action.
type ResponseCode int

// Action response codes.
const (
	ResponseAccepted      ResponseCode = 202
	ResponseInternalError ResponseCode = 500
)

// Events holds the callbacks a device registers to observe its
// connection. All callbacks are optional; nil callbacks are skipped.
//
// Callbacks are invoked from the client's own goroutines and must not
// block for extended periods.
type Events struct {
	// OnConnect fires when the connection to the platform is established,
	// including after an automatic reconnect.
	OnConnect func()

	// OnDisconnect fires when the connection is closed, either gracefully
	// (err == nil) or because it was lost (err != nil).
	OnDisconnect func(err error)

	// OnCommand fires for each inbound application command.
	OnCommand func(name, format string, payload []byte, topic string)

	// OnAction fires for device-management action requests.
	OnAction func(req ActionRequest)

	// OnFirmwareDownload fires when the platform initiates a firmware download.
	OnFirmwareDownload func(req ActionRequest)

	// OnFirmwareUpdate fires when the platform initiates a firmware update.
	OnFirmwareUpdate func(req ActionRequest)

	// OnError fires for transport-level errors. These are advisory; the
	// client keeps retrying on its own.
	OnError func(err error)
}

// Client is the per-device messaging connection.
//
// Connect and Disconnect initiate transitions; completion is signalled
// through the registered Events callbacks, never awaited synchronously.
//
// Thread Safety: all methods are safe for concurrent use.
type Client interface {
	// Connect initiates a connection attempt. The result is delivered via
	// Events.OnConnect or Events.OnError; an error return means the
	// attempt could not even be started.
	Connect() error

	// Disconnect closes the connection and aborts any connect attempt
	// still pending. Safe to call when not connected.
	Disconnect() error

	// Publish sends an outbound event message with the given QoS.
	Publish(event, format string, payload []byte, qos byte) error

	// IsConnected reports the current connection state.
	IsConnected() bool

	// RespondToAction acknowledges a device-management action request.
	RespondToAction(req ActionRequest, code ResponseCode, message string) error

	// RetryCount returns the number of reconnect attempts since the last reset.
	RetryCount() int

	// ResetRetryCount zeroes the reconnect counter.
	ResetRetryCount()
}

// Factory constructs a Client for the given device credentials.
// Production code uses NewPahoFactory; tests inject fakes.
type Factory func(creds Credentials, events Events) (Client, error)

// Logger is the logging interface used by gateway clients.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
