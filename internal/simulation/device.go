package simulation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iotelec/simulator-core/internal/behavior"
	"github.com/iotelec/simulator-core/internal/gateway"
)

const (
	// dmActionDelay is the pause before the disconnect, and again before
	// the reconnect, that simulate a reboot or factory reset.
	dmActionDelay = 3 * time.Second

	// defaultRunningPeriod is the running-hook period in seconds when the
	// type does not declare one.
	defaultRunningPeriod = 1

	// defaultMessageRate is the periodic message rate in seconds when the
	// definition does not declare one.
	defaultMessageRate = 1
)

// connectionState is the device's position in the connection lifecycle.
type connectionState int

const (
	stateDisconnected connectionState = iota
	stateConnecting
	stateConnected
)

// DeviceDeps are the collaborators a device is constructed with.
type DeviceDeps struct {
	Gateway gateway.Factory
	Engine  *behavior.Engine
	Sink    EventSink
	Logger  Logger

	// PublishObserver, when set, is invoked after each successful outbound
	// publish. Used for telemetry recording.
	PublishObserver func(deviceID, message string, payload map[string]any)
}

// Device is one simulated device instance: a connection state machine
// composing an attribute store, message scheduling and behavior hooks.
//
// All state mutation happens under a single mutex, but the lock is never
// held across event emission or publishing: changes collected during one
// mutation pass are dispatched after the pass completes. This keeps a
// device's events strictly ordered while letting timers, gateway
// callbacks and observer commands interleave safely.
type Device struct {
	deviceID  string
	sessionID string

	mu            sync.Mutex
	deviceType    string
	archGUID      string
	attributes    map[string]Attribute
	values        map[string]any
	inputs        map[string]MessageDefinition
	outputs       map[string]MessageDefinition
	onChangeIndex map[string][]string
	behavior      BehaviorScripts
	state         connectionState
	destroyed     bool

	// batch collects attribute changes and message sends during one
	// mutation pass; nil outside a pass.
	batch *changeBatch

	// periodic holds the per-output-message timers, live only while
	// connected. running fires the running hook for the device lifetime.
	periodic []*repeatingTask
	running  *repeatingTask
	timers   *timerSet

	client   gateway.Client
	engine   *behavior.Engine
	sink     EventSink
	logger   Logger
	observer func(deviceID, message string, payload map[string]any)
}

// changeBatch accumulates one mutation pass.
type changeBatch struct {
	order  []string
	values map[string]any
	sends  []string
}

// NewDevice constructs a device from its type definition and instance
// record, connects its gateway callbacks, runs the init hook and starts
// the running-hook timer. If the instance was marked connected, a
// connection attempt is started.
func NewDevice(model ArchitectureDevice, instance DeviceInstance, sessionID string, deps DeviceDeps) (*Device, error) {
	if instance.Credentials == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingCredentials, instance.DeviceID)
	}
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}

	d := &Device{
		deviceID:  instance.DeviceID,
		sessionID: sessionID,
		timers:    newTimerSet(),
		engine:    deps.Engine,
		sink:      deps.Sink,
		logger:    deps.Logger,
		observer:  deps.PublishObserver,
	}
	d.applyModelLocked(model)

	for _, runVal := range instance.LastRunValues {
		if runVal.Value == nil {
			continue
		}
		if _, ok := d.attributes[runVal.Name]; ok {
			d.values[runVal.Name] = runVal.Value
		}
	}

	creds := instance.Credentials.GatewayCredentials(instance.DeviceID, model.Name)
	client, err := deps.Gateway(creds, gateway.Events{
		OnConnect:          d.handleGatewayConnect,
		OnDisconnect:       d.handleGatewayDisconnect,
		OnCommand:          d.handleGatewayCommand,
		OnAction:           d.handleGatewayAction,
		OnFirmwareDownload: d.handleFirmwareDownload,
		OnFirmwareUpdate:   d.handleFirmwareUpdate,
		OnError:            d.handleGatewayError,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gateway client for %s: %w", instance.DeviceID, err)
	}
	d.client = client

	d.runHook(behavior.HookOnInit)
	d.startRunningTask()

	if instance.Connected {
		d.Connect()
	}
	return d, nil
}

// applyModelLocked installs a type definition: attribute set with typed
// defaults, message definitions and the OnChange→message index. Existing
// attribute values are replaced by the new defaults.
func (d *Device) applyModelLocked(model ArchitectureDevice) {
	d.deviceType = model.Name
	d.archGUID = model.GUID
	d.behavior = model.Behavior

	d.attributes = make(map[string]Attribute, len(model.Attributes))
	d.values = make(map[string]any, len(model.Attributes))
	for _, attr := range model.Attributes {
		d.attributes[attr.Name] = attr
		d.values[attr.Name] = attr.Default()
	}

	d.inputs = make(map[string]MessageDefinition, len(model.Inputs))
	for _, def := range model.Inputs {
		d.inputs[def.Name] = def
	}

	d.outputs = make(map[string]MessageDefinition, len(model.Outputs))
	d.onChangeIndex = make(map[string][]string)
	for _, def := range model.Outputs {
		d.outputs[def.Name] = def
		if def.Pattern.Type == PatternOnChange {
			for _, attrName := range def.PayloadAttributes() {
				d.onChangeIndex[attrName] = append(d.onChangeIndex[attrName], def.Name)
			}
		}
	}
}

// ApplyModel re-applies an updated type definition to this instance.
// Attribute values reset to the new defaults; timers are rebuilt against
// the new message set and running script.
func (d *Device) ApplyModel(model ArchitectureDevice) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	running := d.running
	d.running = nil
	d.applyModelLocked(model)
	connected := d.state == stateConnected
	d.mu.Unlock()

	if running != nil {
		running.Stop()
	}
	d.stopPeriodicMessages()
	d.startRunningTask()
	if connected {
		d.startPeriodicMessages()
	}
}

// mutate runs fn under the device lock inside a change batch, then
// dispatches the batch: one attributes-change event carrying every
// changed value, followed by each triggered output message at most once.
func (d *Device) mutate(fn func() error) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrSessionClosed
	}
	if d.batch != nil {
		// Nested pass joins the enclosing batch.
		err := fn()
		d.mu.Unlock()
		return err
	}

	d.batch = &changeBatch{values: make(map[string]any)}
	err := fn()
	batch := d.batch
	d.batch = nil

	messages := make([]string, 0, len(batch.sends))
	seen := make(map[string]bool)
	for _, name := range batch.sends {
		if !seen[name] {
			seen[name] = true
			messages = append(messages, name)
		}
	}
	for _, attrName := range batch.order {
		for _, msgName := range d.onChangeIndex[attrName] {
			if !seen[msgName] {
				seen[msgName] = true
				messages = append(messages, msgName)
			}
		}
	}
	d.mu.Unlock()

	if len(batch.values) > 0 {
		d.emit(Event{Kind: EventAttributesChange, Attributes: batch.values})
	}
	for _, name := range messages {
		d.SendMessage(name)
	}
	return err
}

// setValueLocked writes one attribute inside the current batch.
// Caller holds d.mu and a batch is open.
func (d *Device) setValueLocked(name string, value any) error {
	if _, ok := d.attributes[name]; !ok {
		return fmt.Errorf("%w: %s", ErrAttributeNotFound, name)
	}
	if _, ok := d.batch.values[name]; !ok {
		d.batch.order = append(d.batch.order, name)
	}
	d.batch.values[name] = value
	d.values[name] = value
	return nil
}

// SetAttribute writes one attribute, firing change detection: the change
// is reported as an attributes-change event and any OnChange output
// message listing the attribute is sent once.
func (d *Device) SetAttribute(name string, value any) error {
	return d.mutate(func() error {
		return d.setValueLocked(name, value)
	})
}

// Connect starts a connection attempt. Connecting an already connected
// or connecting device is a no-op. Failures surface as connection-error
// events; the device remains usable for retry.
func (d *Device) Connect() {
	d.mu.Lock()
	if d.destroyed || d.state != stateDisconnected {
		d.mu.Unlock()
		return
	}
	d.state = stateConnecting
	client := d.client
	d.mu.Unlock()

	if err := client.Connect(); err != nil {
		d.mu.Lock()
		d.state = stateDisconnected
		d.mu.Unlock()
		d.reportConnectionError(err)
	}
}

// Disconnect closes the device's connection. Disconnecting an already
// disconnected device is a no-op; disconnecting while a connect attempt
// is still pending aborts the attempt.
func (d *Device) Disconnect() {
	d.mu.Lock()
	if d.state == stateDisconnected {
		d.mu.Unlock()
		return
	}
	client := d.client
	d.mu.Unlock()

	if err := client.Disconnect(); err != nil {
		d.reportConnectionError(err)
	}
}

// IsConnected reports whether the device is connected.
func (d *Device) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == stateConnected
}

// DeviceID returns the device's identifier.
func (d *Device) DeviceID() string { return d.deviceID }

// ArchDeviceGUID returns the guid of the device's type.
func (d *Device) ArchDeviceGUID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.archGUID
}

// Status returns the externally visible state of the device.
func (d *Device) Status() DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	attrs := make(map[string]any, len(d.values))
	for name, value := range d.values {
		attrs[name] = value
	}
	return DeviceStatus{
		DeviceID:       d.deviceID,
		DeviceType:     d.deviceType,
		Connected:      d.state == stateConnected,
		Attributes:     attrs,
		ArchDeviceGUID: d.archGUID,
	}
}

// ResetStuckRetry zeroes the gateway retry counter once it exceeds the
// threshold. Called by the session reaper to keep backoff bounded.
func (d *Device) ResetStuckRetry(threshold int) {
	if d.client.RetryCount() > threshold {
		d.client.ResetRetryCount()
	}
}

// SendMessage sends one output message by definition name. If the device
// is not connected the send is rejected and reported, never queued. The
// payload is assembled from the definition's attribute list; a missing
// attribute is logged but does not block the send.
func (d *Device) SendMessage(name string) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	if d.state != stateConnected {
		d.mu.Unlock()
		d.logger.Error("cannot send message while disconnected",
			"device_id", d.deviceID, "message", name)
		d.emit(Event{Kind: EventNotConnected})
		return
	}
	def, ok := d.outputs[name]
	if !ok {
		d.mu.Unlock()
		d.logger.Error("unknown message", "device_id", d.deviceID, "message", name)
		return
	}
	payload := make(map[string]any)
	for _, attrName := range def.PayloadAttributes() {
		value, present := d.values[attrName]
		if !present {
			d.logger.Error("no such attribute used as message payload",
				"device_id", d.deviceID, "message", name, "attribute", attrName)
			continue
		}
		payload[attrName] = value
	}
	client := d.client
	d.mu.Unlock()

	body, err := json.Marshal(map[string]any{"d": payload})
	if err != nil {
		d.logger.Error("encoding message payload", "device_id", d.deviceID, "message", name, "error", err)
		return
	}
	if err := client.Publish(def.Name, "json", body, byte(def.QoS)); err != nil {
		d.logger.Error("publishing message", "device_id", d.deviceID, "message", name, "error", err)
		return
	}
	if d.observer != nil {
		d.observer(d.deviceID, def.Name, payload)
	}
}

// Destroy tears the device down: stops every timer, disconnects if
// connected and detaches the event sink. Safe to call on a device that
// never connected, and idempotent.
func (d *Device) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	running := d.running
	d.running = nil
	periodic := d.periodic
	d.periodic = nil
	connected := d.state != stateDisconnected
	d.state = stateDisconnected
	client := d.client
	d.mu.Unlock()

	if running != nil {
		running.Stop()
	}
	for _, task := range periodic {
		task.Stop()
	}
	d.timers.StopAll()
	if connected && client != nil {
		client.Disconnect() //nolint:errcheck // best-effort during teardown
	}
}

// emit delivers one domain event to the sink. Destroyed devices emit
// nothing. Never called with d.mu held.
func (d *Device) emit(ev Event) {
	d.mu.Lock()
	destroyed := d.destroyed
	sink := d.sink
	d.mu.Unlock()
	if destroyed || sink == nil {
		return
	}
	ev.DeviceID = d.deviceID
	sink(ev)
}

func (d *Device) reportConnectionError(err error) {
	d.logger.Warn("device connection error", "device_id", d.deviceID, "error", err)
	d.emit(Event{Kind: EventConnectionError, Message: err.Error()})
}

// handleGatewayConnect runs when the gateway reports a live connection.
func (d *Device) handleGatewayConnect() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.state = stateConnected
	d.mu.Unlock()

	d.emit(Event{Kind: EventConnected})
	d.runHook(behavior.HookOnConnected)
	d.startPeriodicMessages()
}

// handleGatewayDisconnect runs on graceful and lost disconnections alike.
func (d *Device) handleGatewayDisconnect(err error) {
	d.mu.Lock()
	wasDisconnected := d.state == stateDisconnected
	d.state = stateDisconnected
	d.mu.Unlock()

	d.stopPeriodicMessages()
	if !wasDisconnected {
		d.emit(Event{Kind: EventDisconnected})
	}
	if err != nil {
		d.logger.Debug("device connection lost", "device_id", d.deviceID, "error", err)
	}
}

// handleGatewayCommand runs for each inbound application command.
func (d *Device) handleGatewayCommand(name, _ string, payload []byte, topic string) {
	d.emit(Event{Kind: EventActivity})

	var parsed any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		parsed = string(payload)
	}
	d.runHook(behavior.HookOnMessageReception,
		behavior.Arg{Name: "message", Value: name},
		behavior.Arg{Name: "payload", Value: parsed},
		behavior.Arg{Name: "topic", Value: topic},
	)
}

// handleGatewayAction acknowledges a management action, then simulates
// it by disconnecting and reconnecting after a fixed delay.
func (d *Device) handleGatewayAction(req gateway.ActionRequest) {
	d.emit(Event{Kind: EventDmAction, Action: req.Action})

	if err := d.client.RespondToAction(req, gateway.ResponseAccepted, ""); err != nil {
		d.logger.Error("acknowledging management action",
			"device_id", d.deviceID, "action", req.Action, "error", err)
		//nolint:errcheck // the failure response is best-effort
		d.client.RespondToAction(req, gateway.ResponseInternalError,
			fmt.Sprintf("cannot perform %s now: %v", req.Action, err))
		return
	}

	d.timers.After(dmActionDelay, func() {
		d.Disconnect()
		d.timers.After(dmActionDelay, d.Connect)
	})
}

// Firmware requests are acknowledged and surfaced to observers. Devices
// register as plain clients, so no managed-device state machine runs.
func (d *Device) handleFirmwareDownload(req gateway.ActionRequest) {
	d.emit(Event{Kind: EventFirmwareDownload})
	if err := d.client.RespondToAction(req, gateway.ResponseAccepted, ""); err != nil {
		d.logger.Error("acknowledging firmware download",
			"device_id", d.deviceID, "error", err)
	}
}

func (d *Device) handleFirmwareUpdate(req gateway.ActionRequest) {
	d.emit(Event{Kind: EventFirmwareUpdate})
	if err := d.client.RespondToAction(req, gateway.ResponseAccepted, ""); err != nil {
		d.logger.Error("acknowledging firmware update",
			"device_id", d.deviceID, "error", err)
	}
}

// handleGatewayError surfaces transport errors as connection-error
// events. A failed connect attempt returns the device to disconnected so
// it can be retried.
func (d *Device) handleGatewayError(err error) {
	d.mu.Lock()
	if d.state == stateConnecting {
		d.state = stateDisconnected
	}
	d.mu.Unlock()
	d.reportConnectionError(err)
}

// startPeriodicMessages creates one recurring timer per Periodic output.
// No-op when timers are already running.
func (d *Device) startPeriodicMessages() {
	d.mu.Lock()
	if d.destroyed || d.periodic != nil {
		d.mu.Unlock()
		return
	}
	tasks := make([]*repeatingTask, 0)
	for _, def := range d.outputs {
		if def.Pattern.Type != PatternPeriodic {
			continue
		}
		rate := def.Pattern.Rate
		if rate <= 0 {
			rate = defaultMessageRate
		}
		name := def.Name
		tasks = append(tasks, startRepeating(time.Duration(rate)*time.Second, func() {
			d.SendMessage(name)
		}))
	}
	d.periodic = tasks
	d.mu.Unlock()
}

func (d *Device) stopPeriodicMessages() {
	d.mu.Lock()
	tasks := d.periodic
	d.periodic = nil
	d.mu.Unlock()
	for _, task := range tasks {
		task.Stop()
	}
}

// startRunningTask starts the running-hook timer if the type declares a
// running script. Independent of connection state; runs until Destroy.
func (d *Device) startRunningTask() {
	d.mu.Lock()
	if d.destroyed || d.running != nil || d.behavior.WhileRunningCode == "" {
		d.mu.Unlock()
		return
	}
	period := d.behavior.RunningPeriodSec
	if period <= 0 {
		period = defaultRunningPeriod
	}
	d.running = startRepeating(time.Duration(period)*time.Second, func() {
		d.runHook(behavior.HookWhileRunning)
	})
	d.mu.Unlock()
}

// runHook executes the type's script for one lifecycle hook inside a
// mutation pass. Compile failures are reported once per script version;
// runtime throws are reported per invocation. Neither propagates.
func (d *Device) runHook(hook behavior.Hook, args ...behavior.Arg) {
	d.mu.Lock()
	guid := d.archGUID
	source := hookSource(d.behavior, hook)
	d.mu.Unlock()
	if source == "" || d.engine == nil {
		return
	}

	var runErr error
	//nolint:errcheck // the batch itself cannot fail; script errors land in runErr
	d.mutate(func() error {
		runErr = d.engine.Run(guid, hook, source, scriptBinding{d}, args)
		return nil
	})

	var compileErr *behavior.CompileError
	var runtimeErr *behavior.RuntimeError
	switch {
	case runErr == nil:
	case errors.As(runErr, &compileErr):
		d.logger.Error("behavior script does not compile",
			"device_id", d.deviceID, "hook", string(hook), "error", compileErr.Message)
		if !compileErr.Cached {
			d.emit(Event{
				Kind:    EventBehaviorCodeError,
				Hook:    string(hook),
				Message: compileErr.Message,
				Stack:   compileErr.Stack,
			})
		}
	case errors.As(runErr, &runtimeErr):
		d.logger.Error("behavior script failed",
			"device_id", d.deviceID, "hook", string(hook), "error", runtimeErr.Message)
		d.emit(Event{
			Kind:    EventBehaviorRuntimeError,
			Hook:    string(hook),
			Message: runtimeErr.Message,
			Stack:   runtimeErr.Stack,
		})
	}
}

// hookSource maps a hook to its script source on the type.
func hookSource(scripts BehaviorScripts, hook behavior.Hook) string {
	switch hook {
	case behavior.HookOnInit:
		return scripts.OnInitCode
	case behavior.HookOnConnected:
		return scripts.OnConnectedCode
	case behavior.HookOnMessageReception:
		return scripts.OnMessageReceptionCode
	case behavior.HookWhileRunning:
		return scripts.WhileRunningCode
	default:
		return ""
	}
}

// scriptBinding exposes the device to behavior scripts. Its methods are
// only invoked while the device lock is held by the enclosing mutation
// pass, so they touch state directly.
type scriptBinding struct {
	d *Device
}

func (b scriptBinding) DeviceID() string { return b.d.deviceID }

func (b scriptBinding) GetAttribute(name string) (any, bool) {
	value, ok := b.d.values[name]
	return value, ok
}

func (b scriptBinding) SetAttribute(name string, value any) error {
	return b.d.setValueLocked(name, value)
}

func (b scriptBinding) SendMessage(name string) {
	b.d.batch.sends = append(b.d.batch.sends, name)
}

func (b scriptBinding) IsConnected() bool {
	return b.d.state == stateConnected
}
