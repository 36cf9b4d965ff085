package simulation

import (
	"context"
	"sync"
	"time"

	"github.com/iotelec/simulator-core/internal/gateway"
)

// fakeClient is an in-memory gateway client. Connect and Disconnect
// complete synchronously, invoking the registered callbacks inline so
// tests observe a deterministic event order.
type fakeClient struct {
	creds  gateway.Credentials
	events gateway.Events

	mu           sync.Mutex
	connected    bool
	connectErr   error
	deferConnect bool
	connects     int
	disconnects  int
	published    []publishedMessage
	responses    []actionResponse
	retry        int
}

type publishedMessage struct {
	Event   string
	Format  string
	Payload []byte
	QoS     byte
}

type actionResponse struct {
	Request gateway.ActionRequest
	Code    gateway.ResponseCode
	Message string
}

func (c *fakeClient) Connect() error {
	c.mu.Lock()
	c.connects++
	if c.connectErr != nil {
		err := c.connectErr
		c.mu.Unlock()
		return err
	}
	if c.deferConnect {
		// Attempt stays pending, like a broker that never answers.
		c.mu.Unlock()
		return nil
	}
	c.connected = true
	onConnect := c.events.OnConnect
	c.mu.Unlock()
	if onConnect != nil {
		onConnect()
	}
	return nil
}

// Disconnect always fires OnDisconnect(nil), like the paho client: a
// requested disconnect also aborts a connect attempt still pending.
func (c *fakeClient) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	c.connected = false
	onDisconnect := c.events.OnDisconnect
	c.mu.Unlock()
	if onDisconnect != nil {
		onDisconnect(nil)
	}
	return nil
}

func (c *fakeClient) Publish(event, format string, payload []byte, qos byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	body := make([]byte, len(payload))
	copy(body, payload)
	c.published = append(c.published, publishedMessage{Event: event, Format: format, Payload: body, QoS: qos})
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) RespondToAction(req gateway.ActionRequest, code gateway.ResponseCode, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, actionResponse{Request: req, Code: code, Message: message})
	return nil
}

func (c *fakeClient) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry
}

func (c *fakeClient) ResetRetryCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retry = 0
}

func (c *fakeClient) publishedMessages() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]publishedMessage, len(c.published))
	copy(out, c.published)
	return out
}

func (c *fakeClient) actionResponses() []actionResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]actionResponse, len(c.responses))
	copy(out, c.responses)
	return out
}

// fakeGateway is a gateway.Factory that hands out fakeClients and
// remembers them by device ID.
type fakeGateway struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{clients: make(map[string]*fakeClient)}
}

func (g *fakeGateway) Factory(creds gateway.Credentials, events gateway.Events) (gateway.Client, error) {
	client := &fakeClient{creds: creds, events: events}
	g.mu.Lock()
	g.clients[creds.DeviceID] = client
	g.mu.Unlock()
	return client, nil
}

func (g *fakeGateway) client(deviceID string) *fakeClient {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clients[deviceID]
}

// recordingBroadcaster captures every broadcast message.
type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []any
	closed   bool
	grace    time.Duration
}

func (b *recordingBroadcaster) Broadcast(v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, v)
}

func (b *recordingBroadcaster) Close(grace time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.grace = grace
}

func (b *recordingBroadcaster) all() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]any, len(b.messages))
	copy(out, b.messages)
	return out
}

// messageTypes returns the messageType of each broadcast, in order.
func (b *recordingBroadcaster) messageTypes() []string {
	var types []string
	for _, msg := range b.all() {
		if m, ok := msg.(map[string]any); ok {
			if t, ok := m["messageType"].(string); ok {
				types = append(types, t)
			}
		}
	}
	return types
}

func (b *recordingBroadcaster) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// memoryStore is an in-memory RunValueStore.
type memoryStore struct {
	mu     sync.Mutex
	values map[string]map[string]any // sessionID/deviceID -> values
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: make(map[string]map[string]any)}
}

func (s *memoryStore) key(sessionID, deviceID string) string {
	return sessionID + "/" + deviceID
}

func (s *memoryStore) SaveValues(_ context.Context, sessionID, deviceID string, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.values[s.key(sessionID, deviceID)]
	if stored == nil {
		stored = make(map[string]any)
		s.values[s.key(sessionID, deviceID)] = stored
	}
	for name, value := range values {
		stored[name] = value
	}
	return nil
}

func (s *memoryStore) LoadValues(_ context.Context, sessionID, deviceID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any)
	for name, value := range s.values[s.key(sessionID, deviceID)] {
		out[name] = value
	}
	return out, nil
}

func (s *memoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.values {
		if len(key) > len(sessionID) && key[:len(sessionID)+1] == sessionID+"/" {
			delete(s.values, key)
		}
	}
	return nil
}

// eventRecorder is an EventSink capturing events in arrival order.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) sink(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) kinds() []EventKind {
	var kinds []EventKind
	for _, ev := range r.all() {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

// thermostatType is a device type with one numeric and one text
// attribute and an OnChange status message covering both.
func thermostatType() ArchitectureDevice {
	return ArchitectureDevice{
		GUID: "arch-thermostat",
		Name: "Thermostat",
		Attributes: []Attribute{
			{Name: "temp", DataType: TypeNumber, DefaultValue: float64(21)},
			{Name: "mode", DataType: TypeText, DefaultValue: "auto"},
		},
		Outputs: []MessageDefinition{
			{Name: "status", Pattern: Pattern{Type: PatternOnChange}, QoS: 1, Payload: "temp,mode"},
		},
	}
}

func thermostatInstance(deviceID string) DeviceInstance {
	return DeviceInstance{
		DeviceID:       deviceID,
		ArchDeviceGUID: "arch-thermostat",
		Credentials: &InstanceCredentials{
			Org:      "testorg",
			Password: "secret",
		},
	}
}
