package gateway

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/iotelec/simulator-core/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time the connect goroutine waits
	// before reporting failure via OnError. Reconnection continues regardless.
	defaultConnectTimeout = 30 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for device connections.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// tokenAuthUsername is the fixed username for token-authenticated devices.
const tokenAuthUsername = "use-token-auth"

// pahoClient implements Client on top of paho.mqtt.golang.
//
// One pahoClient exists per simulated device. Unlike a shared broker
// connection, each device authenticates with its own credentials and
// carries its own reconnect counter.
type pahoClient struct {
	client pahomqtt.Client
	creds  Credentials
	events Events
	cfg    config.GatewayConfig
	logger Logger

	// connected tracks current connection state.
	connected bool
	connMu    sync.RWMutex

	// retryCount counts reconnect attempts since the last reset. The
	// session reaper resets it once it exceeds a threshold so backoff
	// does not grow without bound on long-lived sessions.
	retryCount int
	retryMu    sync.Mutex
}

// NewPahoFactory returns a Factory that builds MQTT-backed clients
// against the configured messaging domain.
//
// The returned factory validates credentials but does not connect;
// Connect must be called on the resulting client.
func NewPahoFactory(cfg config.GatewayConfig, logger Logger) Factory {
	if logger == nil {
		logger = noopLogger{}
	}
	return func(creds Credentials, events Events) (Client, error) {
		if !creds.Valid() {
			return nil, fmt.Errorf("%w: org, deviceID and token are required", ErrMissingCredentials)
		}

		c := &pahoClient{
			creds:  creds,
			events: events,
			cfg:    cfg,
			logger: logger,
		}

		opts := buildClientOptions(cfg, creds)
		opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
			c.handleConnect()
		})
		opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.handleConnectionLost(err)
		})
		opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
			c.incrementRetryCount()
		})

		c.client = pahomqtt.NewClient(opts)
		return c, nil
	}
}

// buildClientOptions creates paho MQTT options for a device connection.
//
// This configures:
//   - Broker URL at {org}.{domain}:{port} (tcp:// or ssl:// based on TLS setting)
//   - Client ID in the d:{org}:{type}:{id} device form
//   - Token authentication
//   - Auto-reconnect with exponential backoff
func buildClientOptions(cfg config.GatewayConfig, creds Credentials) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(brokerURL(creds, cfg.Domain, cfg.Port, cfg.TLS))
	opts.SetClientID(clientID(creds))
	opts.SetUsername(tokenAuthUsername)
	opts.SetPassword(creds.Token)

	// Clean session - simulated devices never resume broker state.
	opts.SetCleanSession(true)

	// Auto-reconnect with exponential backoff
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	return opts
}

// Connect initiates a connection attempt.
//
// The call returns immediately; success is delivered via Events.OnConnect
// and failure via Events.OnError. Calling Connect on a connected client
// is a no-op.
func (c *pahoClient) Connect() error {
	if c.IsConnected() {
		return nil
	}

	token := c.client.Connect()
	go func() {
		if !token.WaitTimeout(defaultConnectTimeout) {
			c.emitError(fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout))
			return
		}
		if err := token.Error(); err != nil {
			c.emitError(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
		}
	}()

	return nil
}

// handleConnect is called when the connection is established, including
// after automatic reconnects.
func (c *pahoClient) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.subscribeInbound()

	if c.events.OnConnect != nil {
		c.events.OnConnect()
	}
}

// handleConnectionLost is called when an established connection drops.
func (c *pahoClient) handleConnectionLost(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.logger.Warn("device connection lost",
		"device_id", c.creds.DeviceID,
		"error", err,
	)

	if c.events.OnDisconnect != nil {
		c.events.OnDisconnect(err)
	}
}

// subscribeInbound subscribes to command and management topics.
// Paho restores nothing across reconnects with clean sessions, so this
// runs on every connect.
func (c *pahoClient) subscribeInbound() {
	if token := c.client.Subscribe(commandFilter, byte(c.cfg.QoS), c.handleCommand); token.WaitTimeout(defaultPublishTimeout) {
		if err := token.Error(); err != nil {
			c.emitError(fmt.Errorf("subscribing to commands: %w", err))
		}
	}
	if token := c.client.Subscribe(actionFilter, byte(c.cfg.QoS), c.handleAction); token.WaitTimeout(defaultPublishTimeout) {
		if err := token.Error(); err != nil {
			c.emitError(fmt.Errorf("subscribing to management actions: %w", err))
		}
	}
}

// handleCommand dispatches an inbound application command.
func (c *pahoClient) handleCommand(_ pahomqtt.Client, msg pahomqtt.Message) {
	name, format, ok := parseCommandTopic(msg.Topic())
	if !ok {
		c.logger.Debug("ignoring message on unexpected topic", "topic", msg.Topic())
		return
	}
	if c.events.OnCommand != nil {
		c.events.OnCommand(name, format, msg.Payload(), msg.Topic())
	}
}

// handleAction dispatches an inbound device-management request.
func (c *pahoClient) handleAction(_ pahomqtt.Client, msg pahomqtt.Message) {
	var req ActionRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		c.emitError(fmt.Errorf("decoding action request on %s: %w", msg.Topic(), err))
		return
	}

	switch msg.Topic() {
	case actionTopicReboot:
		req.Action = ActionReboot
		if c.events.OnAction != nil {
			c.events.OnAction(req)
		}
	case actionTopicFactoryReset:
		req.Action = ActionFactoryReset
		if c.events.OnAction != nil {
			c.events.OnAction(req)
		}
	case actionTopicFirmwareDownload:
		if c.events.OnFirmwareDownload != nil {
			c.events.OnFirmwareDownload(req)
		}
	case actionTopicFirmwareUpdate:
		if c.events.OnFirmwareUpdate != nil {
			c.events.OnFirmwareUpdate(req)
		}
	default:
		c.logger.Debug("ignoring unsupported management request", "topic", msg.Topic())
	}
}

// Disconnect closes the connection gracefully.
//
// Safe to call when not connected or while a connect attempt is still
// retrying; paho's Disconnect also aborts the retry loop. A graceful
// disconnect is reported via Events.OnDisconnect with a nil error.
func (c *pahoClient) Disconnect() error {
	// Disconnect with quiesce period for pending operations. Paho does not
	// invoke the connection-lost handler on a requested disconnect, so the
	// callback fires here.
	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	if c.events.OnDisconnect != nil {
		c.events.OnDisconnect(nil)
	}

	return nil
}

// Publish sends an outbound event message.
//
// Parameters:
//   - event: Event name, forming topic iot-2/evt/{event}/fmt/{format}
//   - format: Payload format identifier (typically "json")
//   - payload: The message payload
//   - qos: Quality of Service level (0, 1, or 2)
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *pahoClient) Publish(event, format string, payload []byte, qos byte) error {
	if event == "" {
		return ErrInvalidEvent
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(eventTopic(event, format), qos, false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

// RespondToAction acknowledges a device-management action request.
func (c *pahoClient) RespondToAction(req ActionRequest, code ResponseCode, message string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	body := map[string]any{
		"rc":    int(code),
		"reqId": req.ID,
	}
	if message != "" {
		body["message"] = message
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding action response: %w", err)
	}

	token := c.client.Publish(actionResponseTopic, 1, false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

// IsConnected returns the current connection state.
func (c *pahoClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// RetryCount returns the number of reconnect attempts since the last reset.
func (c *pahoClient) RetryCount() int {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	return c.retryCount
}

// ResetRetryCount zeroes the reconnect counter.
func (c *pahoClient) ResetRetryCount() {
	c.retryMu.Lock()
	c.retryCount = 0
	c.retryMu.Unlock()
}

func (c *pahoClient) incrementRetryCount() {
	c.retryMu.Lock()
	c.retryCount++
	c.retryMu.Unlock()
}

func (c *pahoClient) emitError(err error) {
	c.logger.Error("gateway error", "device_id", c.creds.DeviceID, "error", err)
	if c.events.OnError != nil {
		c.events.OnError(err)
	}
}
