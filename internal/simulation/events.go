package simulation

// EventKind identifies one kind of device domain event.
type EventKind string

// Device domain events. The manager maps each kind onto a broadcast
// message; EventActivity only refreshes the session TTL.
const (
	EventAttributesChange     EventKind = "attributesChange"
	EventConnected            EventKind = "connected"
	EventDisconnected         EventKind = "disconnected"
	EventDmAction             EventKind = "dmAction"
	EventFirmwareDownload     EventKind = "firmwareDownload"
	EventFirmwareUpdate       EventKind = "firmwareUpdate"
	EventConnectionError      EventKind = "connectionError"
	EventBehaviorCodeError    EventKind = "behaviorCodeError"
	EventBehaviorRuntimeError EventKind = "behaviorRuntimeError"
	EventNotConnected         EventKind = "deviceNotConnected"
	EventActivity             EventKind = "deviceActivity"
)

// Event is one device domain event with its kind-specific payload.
type Event struct {
	Kind     EventKind
	DeviceID string

	// Attributes carries post-change values for EventAttributesChange.
	Attributes map[string]any

	// Action names the management action for EventDmAction.
	Action string

	// Hook, Message and Stack describe behavior-script and connection errors.
	Hook    string
	Message string
	Stack   string
}

// EventSink receives a device's domain events in the order they are
// raised. Sinks must be safe for calls from multiple goroutines; events
// from a single device are never delivered concurrently.
type EventSink func(Event)
