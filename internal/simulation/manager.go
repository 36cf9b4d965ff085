package simulation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/iotelec/simulator-core/internal/behavior"
	"github.com/iotelec/simulator-core/internal/gateway"
)

// Session lifecycle defaults.
const (
	// defaultSessionTTL is the session idle lifetime. Any mutating command
	// refreshes the expiration by this much.
	defaultSessionTTL = 2 * time.Hour

	// defaultCloseGrace is the delay between the termination broadcast and
	// the channel close, letting in-flight clients receive the notice.
	defaultCloseGrace = 2 * time.Second

	// runValueSaveTimeout bounds one run-value persistence write.
	runValueSaveTimeout = 5 * time.Second
)

// Broadcaster fans messages out to every observer of one session.
type Broadcaster interface {
	// Broadcast delivers v, JSON-encoded, to all connected observers.
	Broadcast(v any)

	// Close shuts the channel down after the grace delay, letting
	// already-queued messages drain first.
	Close(grace time.Duration)
}

// RunValueStore persists last-known attribute values across runs.
type RunValueStore interface {
	SaveValues(ctx context.Context, sessionID, deviceID string, values map[string]any) error
	LoadValues(ctx context.Context, sessionID, deviceID string) (map[string]any, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// TelemetryRecorder records outbound device messages for analysis.
// Implementations must not block the caller.
type TelemetryRecorder interface {
	RecordMessage(sessionID, deviceID, message string, payload map[string]any)
}

// ManagerDeps are the collaborators a session manager is constructed with.
// Store and Telemetry are optional.
type ManagerDeps struct {
	Gateway     gateway.Factory
	Engine      *behavior.Engine
	Broadcaster Broadcaster
	Store       RunValueStore
	Telemetry   TelemetryRecorder
	Logger      Logger
	TTL         time.Duration
	CloseGrace  time.Duration
}

// Manager owns the device catalog and instances of one simulation
// session. It translates observer commands into device operations and
// device domain events into broadcast messages.
//
// Thread Safety: all methods are safe for concurrent use. Broadcast
// delivery order matches the order events are raised.
type Manager struct {
	sessionID    string
	archRevision string
	simRevision  string
	deps         ManagerDeps

	mu          sync.Mutex
	archDevices map[string]ArchitectureDevice
	archOrder   []string
	devices     map[string]*Device
	deviceOrder []string
	expiration  time.Time
	closed      bool
}

// NewManager constructs a session from its configuration: the
// architecture catalog is installed first, then every instance that
// carries platform credentials becomes a live device. Instances without
// credentials are logged and skipped.
func NewManager(cfg SessionConfig, deps ManagerDeps) *Manager {
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	if deps.TTL <= 0 {
		deps.TTL = defaultSessionTTL
	}
	if deps.CloseGrace <= 0 {
		deps.CloseGrace = defaultCloseGrace
	}

	m := &Manager{
		sessionID:    cfg.SessionID,
		archRevision: cfg.ArchitectureRevision,
		simRevision:  cfg.SimulationRevision,
		deps:         deps,
		archDevices:  make(map[string]ArchitectureDevice),
		devices:      make(map[string]*Device),
	}

	byArch := make(map[string][]DeviceInstance)
	for _, inst := range cfg.Devices {
		byArch[inst.ArchDeviceGUID] = append(byArch[inst.ArchDeviceGUID], inst)
	}

	for _, schema := range cfg.DevicesSchemas {
		if err := m.AddArchDevice(schema); err != nil {
			deps.Logger.Error("installing architecture device",
				"session_id", cfg.SessionID, "guid", schema.GUID, "error", err)
			continue
		}
		for _, inst := range byArch[schema.GUID] {
			if inst.Credentials == nil {
				deps.Logger.Error("unregistered device instance, skipping",
					"session_id", cfg.SessionID, "device_id", inst.DeviceID)
				continue
			}
			if err := m.AddDevice(inst); err != nil {
				deps.Logger.Error("creating device",
					"session_id", cfg.SessionID, "device_id", inst.DeviceID, "error", err)
			}
		}
	}

	m.Touch()
	return m
}

// SessionID returns the session's identifier.
func (m *Manager) SessionID() string { return m.sessionID }

// Touch extends the session's expiration by the TTL.
func (m *Manager) Touch() {
	m.mu.Lock()
	m.expiration = time.Now().Add(m.deps.TTL)
	m.mu.Unlock()
}

// ExpirationDate returns the session's current expiration time.
func (m *Manager) ExpirationDate() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiration
}

// Expired reports whether the session has passed its expiration.
func (m *Manager) Expired(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return now.After(m.expiration)
}

// AddArchDevice installs a new device type. The definition is
// normalized, rejected on duplicate guid, and announced to observers.
func (m *Manager) AddArchDevice(def ArchitectureDevice) error {
	if err := def.Normalize(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if _, exists := m.archDevices[def.GUID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrArchDeviceExists, def.GUID)
	}
	m.archDevices[def.GUID] = def
	m.archOrder = append(m.archOrder, def.GUID)
	m.mu.Unlock()

	m.broadcast(map[string]any{
		"messageType": MessageNewArchitectureDevice,
		"archDevice":  def,
	})
	return nil
}

// UpdateArchDevice replaces an existing device type and re-applies the
// new definition to every instance of that type. Instances keep their
// identity; attribute values reset to the new defaults.
func (m *Manager) UpdateArchDevice(def ArchitectureDevice) error {
	if err := def.Normalize(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if _, exists := m.archDevices[def.GUID]; !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrArchDeviceNotFound, def.GUID)
	}
	m.archDevices[def.GUID] = def
	var instances []*Device
	for _, id := range m.deviceOrder {
		if device := m.devices[id]; device != nil && device.ArchDeviceGUID() == def.GUID {
			instances = append(instances, device)
		}
	}
	m.mu.Unlock()

	if m.deps.Engine != nil {
		m.deps.Engine.InvalidateType(def.GUID)
	}
	for _, device := range instances {
		device.ApplyModel(def)
	}

	m.broadcast(map[string]any{
		"messageType": MessageArchitectureDeviceUpdated,
		"archDevice":  def,
	})
	return nil
}

// AddDevice creates a VirtualDevice from an instance record. Rejected on
// duplicate deviceID, unknown type guid or missing credentials, without
// mutating session state. Stored run values from a previous run of the
// same session are applied beneath any values the instance carries.
func (m *Manager) AddDevice(inst DeviceInstance) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if _, exists := m.devices[inst.DeviceID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceExists, inst.DeviceID)
	}
	model, ok := m.archDevices[inst.ArchDeviceGUID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrArchDeviceNotFound, inst.ArchDeviceGUID)
	}
	if inst.Credentials == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMissingCredentials, inst.DeviceID)
	}
	m.mu.Unlock()

	inst.LastRunValues = m.mergeStoredValues(inst)

	device, err := NewDevice(model, inst, m.sessionID, DeviceDeps{
		Gateway:         m.deps.Gateway,
		Engine:          m.deps.Engine,
		Sink:            m.handleDeviceEvent,
		Logger:          m.deps.Logger,
		PublishObserver: m.recordPublish,
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		device.Destroy()
		return ErrSessionClosed
	}
	if _, exists := m.devices[inst.DeviceID]; exists {
		m.mu.Unlock()
		device.Destroy()
		return fmt.Errorf("%w: %s", ErrDeviceExists, inst.DeviceID)
	}
	m.devices[inst.DeviceID] = device
	m.deviceOrder = append(m.deviceOrder, inst.DeviceID)
	m.mu.Unlock()

	m.broadcast(map[string]any{
		"messageType": MessageNewDeviceCreated,
		"device":      inst,
	})
	return nil
}

// mergeStoredValues layers the instance's own last-run values over any
// values persisted for this session and device. Values applied later
// win, so the instance record overrides the store.
func (m *Manager) mergeStoredValues(inst DeviceInstance) []LastRunValue {
	if m.deps.Store == nil {
		return inst.LastRunValues
	}
	ctx, cancel := context.WithTimeout(context.Background(), runValueSaveTimeout)
	defer cancel()
	stored, err := m.deps.Store.LoadValues(ctx, m.sessionID, inst.DeviceID)
	if err != nil {
		m.deps.Logger.Warn("loading stored run values",
			"session_id", m.sessionID, "device_id", inst.DeviceID, "error", err)
		return inst.LastRunValues
	}
	if len(stored) == 0 {
		return inst.LastRunValues
	}
	merged := make([]LastRunValue, 0, len(stored)+len(inst.LastRunValues))
	for name, value := range stored {
		merged = append(merged, LastRunValue{Name: name, Value: value})
	}
	return append(merged, inst.LastRunValues...)
}

// DeleteDevice tears down and removes one instance.
func (m *Manager) DeleteDevice(deviceID string) error {
	m.mu.Lock()
	device, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	delete(m.devices, deviceID)
	for i, id := range m.deviceOrder {
		if id == deviceID {
			m.deviceOrder = append(m.deviceOrder[:i], m.deviceOrder[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	device.Destroy()
	m.broadcast(map[string]any{
		"messageType": MessageDeviceDeleted,
		"deviceID":    deviceID,
	})
	return nil
}

// Connect starts a connection attempt for one device. Connecting an
// already connected device is a no-op.
func (m *Manager) Connect(deviceID string) error {
	device, err := m.device(deviceID)
	if err != nil {
		return err
	}
	device.Connect()
	return nil
}

// Disconnect closes one device's connection. Disconnecting an already
// disconnected device is a no-op.
func (m *Manager) Disconnect(deviceID string) error {
	device, err := m.device(deviceID)
	if err != nil {
		return err
	}
	device.Disconnect()
	return nil
}

// ConnectAll connects every disconnected device, in registration order.
func (m *Manager) ConnectAll() {
	for _, device := range m.orderedDevices() {
		if !device.IsConnected() {
			device.Connect()
		}
	}
}

// DisconnectAll disconnects every connected device, in registration order.
func (m *Manager) DisconnectAll() {
	for _, device := range m.orderedDevices() {
		if device.IsConnected() {
			device.Disconnect()
		}
	}
}

// SetAttribute writes one attribute on one device.
func (m *Manager) SetAttribute(deviceID, name string, value any) error {
	device, err := m.device(deviceID)
	if err != nil {
		return err
	}
	return device.SetAttribute(name, value)
}

// DeviceStatus returns the visible state of one device.
func (m *Manager) DeviceStatus(deviceID string) (DeviceStatus, error) {
	device, err := m.device(deviceID)
	if err != nil {
		return DeviceStatus{}, err
	}
	return device.Status(), nil
}

// AllDevicesStatus returns the visible state of every device, keyed by
// device ID.
func (m *Manager) AllDevicesStatus() map[string]DeviceStatus {
	statuses := make(map[string]DeviceStatus)
	for _, device := range m.orderedDevices() {
		statuses[device.DeviceID()] = device.Status()
	}
	return statuses
}

// ArchDevices returns the type catalog keyed by guid.
func (m *Manager) ArchDevices() map[string]ArchitectureDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ArchitectureDevice, len(m.archDevices))
	for guid, def := range m.archDevices {
		out[guid] = def
	}
	return out
}

// DeviceCount returns the number of devices in the session.
func (m *Manager) DeviceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

// ConnectedDeviceCount returns the number of connected devices.
func (m *Manager) ConnectedDeviceCount() int {
	count := 0
	for _, device := range m.orderedDevices() {
		if device.IsConnected() {
			count++
		}
	}
	return count
}

// ResetStuckRetries zeroes any device retry counter above the threshold.
// Called by the registry reaper.
func (m *Manager) ResetStuckRetries(threshold int) {
	for _, device := range m.orderedDevices() {
		device.ResetStuckRetry(threshold)
	}
}

// Snapshot returns the full-status message sent to each newly connected
// observer.
func (m *Manager) Snapshot() any {
	return map[string]any{
		"messageType": MessageDevicesStatus,
		"devices":     m.AllDevicesStatus(),
	}
}

// Destroy tears the session down: every device is deleted with its
// teardown propagated, one termination message is broadcast, and the
// channel closes after the grace delay.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	order := m.deviceOrder
	devices := m.devices
	m.devices = make(map[string]*Device)
	m.deviceOrder = nil
	m.mu.Unlock()

	for _, id := range order {
		device := devices[id]
		device.Destroy()
		m.broadcast(map[string]any{
			"messageType": MessageDeviceDeleted,
			"deviceID":    id,
		})
	}

	m.broadcast(map[string]any{"messageType": MessageSimulationTerminated})
	if m.deps.Broadcaster != nil {
		m.deps.Broadcaster.Close(m.deps.CloseGrace)
	}
}

// HandleCommand processes one raw observer command and sends any direct
// response through reply. Malformed input or a failing operation yields
// an inline error reply; the observer's connection is never closed and
// no failure here may crash the session.
func (m *Manager) HandleCommand(raw []byte, reply func(v any)) {
	defer func() {
		if r := recover(); r != nil {
			m.deps.Logger.Error("panic handling observer command",
				"session_id", m.sessionID, "panic", r)
			reply(ErrorReply{Error: fmt.Sprintf("%v", r)})
		}
	}()

	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		reply(ErrorReply{Error: err.Error()})
		return
	}

	if cmd.DeviceID != "" {
		if _, err := m.device(cmd.DeviceID); err != nil {
			reply(ErrorReply{Error: "No such device : " + cmd.DeviceID})
			return
		}
	}

	if mutatingCommand(cmd.CmdType) {
		m.Touch()
	}

	var err error
	switch cmd.CmdType {
	case CmdConnect:
		err = m.Connect(cmd.DeviceID)
	case CmdConnectAll:
		m.ConnectAll()
	case CmdDisconnect:
		err = m.Disconnect(cmd.DeviceID)
	case CmdDisconnectAll:
		m.DisconnectAll()
	case CmdSetAttribute:
		err = m.SetAttribute(cmd.DeviceID, cmd.AttributeName, cmd.AttributeValue)
	case CmdDeviceStatus:
		var status DeviceStatus
		if status, err = m.DeviceStatus(cmd.DeviceID); err == nil {
			reply(struct {
				MessageType string `json:"messageType"`
				DeviceStatus
			}{MessageType: MessageDeviceStatus, DeviceStatus: status})
		}
	case CmdAllDevicesStatus:
		reply(m.Snapshot())
	case CmdAddDevice:
		if cmd.Device == nil {
			err = fmt.Errorf("missing simulationDevice")
		} else {
			err = m.AddDevice(*cmd.Device)
		}
	case CmdAddArchDevice:
		if cmd.ArchDevice == nil {
			err = fmt.Errorf("missing archDevice")
		} else {
			err = m.AddArchDevice(*cmd.ArchDevice)
		}
	case CmdUpdateArchDevice:
		if cmd.ArchDevice == nil {
			err = fmt.Errorf("missing archDevice")
		} else {
			err = m.UpdateArchDevice(*cmd.ArchDevice)
		}
	case CmdGetArchDevices:
		reply(map[string]any{
			"messageType": MessageArchitectureDevices,
			"archDevices": m.ArchDevices(),
		})
	case CmdDeleteDevice:
		err = m.DeleteDevice(cmd.DeviceID)
	default:
		m.deps.Logger.Error("unknown observer command",
			"session_id", m.sessionID, "cmd_type", cmd.CmdType)
		reply(ErrorReply{Error: "unknown command"})
	}

	if err != nil {
		reply(ErrorReply{Error: err.Error()})
	}
}

// mutatingCommand reports whether a command refreshes the session TTL.
// Reads and unrecognised commands do not keep a session alive.
func mutatingCommand(cmdType string) bool {
	switch cmdType {
	case CmdConnect, CmdConnectAll, CmdDisconnect, CmdDisconnectAll,
		CmdSetAttribute, CmdAddDevice, CmdAddArchDevice,
		CmdUpdateArchDevice, CmdDeleteDevice:
		return true
	}
	return false
}

// handleDeviceEvent maps one device domain event onto its broadcast
// message. Validation errors stay with the requesting observer; these
// lifecycle events go session-wide so every observer keeps a consistent
// view of device health.
func (m *Manager) handleDeviceEvent(ev Event) {
	switch ev.Kind {
	case EventActivity:
		m.Touch()
	case EventAttributesChange:
		m.persistRunValues(ev.DeviceID, ev.Attributes)
		m.broadcast(map[string]any{
			"messageType":       MessageDeviceAttributesChange,
			"deviceID":          ev.DeviceID,
			"changedAttributes": ev.Attributes,
		})
	case EventConnected:
		m.broadcast(map[string]any{
			"messageType": MessageDeviceConnected,
			"deviceID":    ev.DeviceID,
		})
	case EventDisconnected:
		m.broadcast(map[string]any{
			"messageType": MessageDeviceDisconnected,
			"deviceID":    ev.DeviceID,
		})
	case EventDmAction:
		m.broadcast(map[string]any{
			"messageType": MessageDeviceDmAction,
			"deviceID":    ev.DeviceID,
			"action":      ev.Action,
		})
	case EventFirmwareDownload:
		m.broadcast(map[string]any{
			"messageType": MessageDeviceFirmwareDownload,
			"deviceID":    ev.DeviceID,
		})
	case EventFirmwareUpdate:
		m.broadcast(map[string]any{
			"messageType": MessageDeviceFirmwareUpdate,
			"deviceID":    ev.DeviceID,
		})
	case EventConnectionError:
		m.broadcast(map[string]any{
			"messageType": MessageDeviceConnectionError,
			"deviceID":    ev.DeviceID,
			"message":     ev.Message,
			"stack":       ev.Stack,
		})
	case EventBehaviorCodeError:
		m.broadcast(map[string]any{
			"messageType": MessageDeviceBehaviorCodeError,
			"deviceID":    ev.DeviceID,
			"hookName":    ev.Hook,
			"message":     ev.Message,
			"stack":       ev.Stack,
		})
	case EventBehaviorRuntimeError:
		m.broadcast(map[string]any{
			"messageType": MessageDeviceBehaviorRuntime,
			"deviceID":    ev.DeviceID,
			"hookName":    ev.Hook,
			"message":     ev.Message,
			"stack":       ev.Stack,
		})
	case EventNotConnected:
		m.broadcast(map[string]any{
			"messageType": MessageDeviceNotConnected,
			"deviceID":    ev.DeviceID,
		})
	}
}

// persistRunValues stores changed attribute values so a later run of the
// same session resumes from them. Failures are logged, never surfaced.
func (m *Manager) persistRunValues(deviceID string, values map[string]any) {
	if m.deps.Store == nil || len(values) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), runValueSaveTimeout)
		defer cancel()
		if err := m.deps.Store.SaveValues(ctx, m.sessionID, deviceID, values); err != nil {
			m.deps.Logger.Warn("persisting run values",
				"session_id", m.sessionID, "device_id", deviceID, "error", err)
		}
	}()
}

// recordPublish forwards one published message to the telemetry recorder.
func (m *Manager) recordPublish(deviceID, message string, payload map[string]any) {
	if m.deps.Telemetry != nil {
		m.deps.Telemetry.RecordMessage(m.sessionID, deviceID, message, payload)
	}
}

func (m *Manager) broadcast(v any) {
	if m.deps.Broadcaster != nil {
		m.deps.Broadcaster.Broadcast(v)
	}
}

func (m *Manager) device(deviceID string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	device, ok := m.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return device, nil
}

func (m *Manager) orderedDevices() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Device, 0, len(m.deviceOrder))
	for _, id := range m.deviceOrder {
		if device, ok := m.devices[id]; ok {
			out = append(out, device)
		}
	}
	return out
}
