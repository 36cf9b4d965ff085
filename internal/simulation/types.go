package simulation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/iotelec/simulator-core/internal/gateway"
)

// DataType is the value type of a device attribute.
type DataType string

// Supported attribute data types.
const (
	TypeNumber  DataType = "Number"
	TypeBoolean DataType = "Boolean"
	TypeText    DataType = "Text"
)

// Attribute defines the shape and default of one simulated property.
type Attribute struct {
	Name         string   `json:"name"`
	DataType     DataType `json:"dataType"`
	DefaultValue any      `json:"defaultValue,omitempty"`
}

// Default returns the attribute's typed default value: the declared
// default when present, otherwise the zero value for the data type
// (Number→0, Boolean→false, Text→"").
func (a Attribute) Default() any {
	switch a.DataType {
	case TypeNumber:
		if n, ok := toNumber(a.DefaultValue); ok {
			return n
		}
		return float64(0)
	case TypeBoolean:
		if b, ok := a.DefaultValue.(bool); ok {
			return b
		}
		return false
	default:
		if s, ok := a.DefaultValue.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
		return ""
	}
}

// toNumber normalizes JSON-decoded numeric values to float64.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Message delivery patterns.
const (
	PatternPeriodic = "Periodic"
	PatternOnChange = "OnChange"
)

// Pattern describes how an output message is triggered.
type Pattern struct {
	Type string `json:"type"`

	// Rate is the send interval in seconds, Periodic only.
	Rate int `json:"rate,omitempty"`
}

// MessageDefinition describes one inbound or outbound message of a
// device type. Payload is the comma-separated list of attribute names
// included in the message body.
type MessageDefinition struct {
	Name    string  `json:"name"`
	Pattern Pattern `json:"pattern"`
	QoS     int     `json:"qos"`
	Payload string  `json:"payload,omitempty"`
}

// PayloadAttributes returns the parsed payload attribute names.
func (m MessageDefinition) PayloadAttributes() []string {
	if m.Payload == "" {
		return nil
	}
	parts := strings.Split(m.Payload, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if name := strings.TrimSpace(p); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// BehaviorScripts holds the user scripts attached to a device type's
// lifecycle hooks, plus the period of the running hook.
type BehaviorScripts struct {
	OnInitCode             string `json:"onInitCode,omitempty"`
	OnConnectedCode        string `json:"onConnectedCode,omitempty"`
	OnMessageReceptionCode string `json:"onMessageReceptionCode,omitempty"`
	WhileRunningCode       string `json:"onRunningCode,omitempty"`
	RunningPeriodSec       int    `json:"onRunningPeriodSec,omitempty"`
}

// ArchitectureDevice is a device type definition: attributes, message
// definitions and behavior scripts. Instances reference it by GUID.
type ArchitectureDevice struct {
	GUID       string              `json:"guid"`
	Name       string              `json:"name"`
	Attributes []Attribute         `json:"attributes,omitempty"`
	Inputs     []MessageDefinition `json:"mqttInputs,omitempty"`
	Outputs    []MessageDefinition `json:"mqttOutputs,omitempty"`
	Behavior   BehaviorScripts     `json:"simulation,omitempty"`

	// Specification carries nested model-editor data; Normalize folds it
	// into the flat fields above.
	Specification map[string]json.RawMessage `json:"specification,omitempty"`
}

// Normalize folds a nested specification block into the flat type record.
// Model-editor exports wrap the attribute and message definitions inside
// a specification object; the flattened form is what the simulator uses.
func (d *ArchitectureDevice) Normalize() error {
	if len(d.Specification) == 0 {
		d.Specification = nil
		return nil
	}
	delete(d.Specification, "type")

	raw, err := json.Marshal(d.Specification)
	if err != nil {
		return fmt.Errorf("encoding specification for %s: %w", d.GUID, err)
	}
	spec := d.Specification
	d.Specification = nil
	if err := json.Unmarshal(raw, d); err != nil {
		d.Specification = spec
		return fmt.Errorf("normalizing specification for %s: %w", d.GUID, err)
	}
	d.Specification = nil
	return nil
}

// LastRunValue is one persisted attribute value from a previous run.
type LastRunValue struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// InstanceCredentials are the messaging platform credentials of one
// device instance. Org may be given directly or embedded in a
// platform UUID of the form "x:org:type:id".
type InstanceCredentials struct {
	Org      string `json:"org,omitempty"`
	UUID     string `json:"uuid,omitempty"`
	Password string `json:"password"`
	Domain   string `json:"domain,omitempty"`
}

// GatewayCredentials resolves the instance credentials into the form
// the gateway client connects with.
func (c InstanceCredentials) GatewayCredentials(deviceID, deviceType string) gateway.Credentials {
	org := c.Org
	if org == "" {
		if parts := strings.Split(c.UUID, ":"); len(parts) > 1 {
			org = parts[1]
		}
	}
	return gateway.Credentials{
		Org:        org,
		DeviceType: deviceType,
		DeviceID:   deviceID,
		Token:      c.Password,
		Domain:     c.Domain,
	}
}

// DeviceInstance is the stored definition of one simulated device.
type DeviceInstance struct {
	GUID           string               `json:"guid,omitempty"`
	DeviceID       string               `json:"deviceID"`
	ArchDeviceGUID string               `json:"archDeviceGuid"`
	Connected      bool                 `json:"connected,omitempty"`
	Credentials    *InstanceCredentials `json:"iotFCredentials,omitempty"`
	LastRunValues  []LastRunValue       `json:"lastRunAttributesValues,omitempty"`
}

// SessionConfig is everything needed to construct one simulation session.
type SessionConfig struct {
	SessionID            string               `json:"sessionID"`
	ArchitectureRevision string               `json:"architectureRevision,omitempty"`
	SimulationRevision   string               `json:"simulationRevision,omitempty"`
	DevicesSchemas       []ArchitectureDevice `json:"devicesSchemas"`
	Devices              []DeviceInstance     `json:"devices"`
}

// ArchitectureDocument is the stored architecture model a session is built from.
type ArchitectureDocument struct {
	ID    string `json:"_id"`
	Rev   string `json:"_rev,omitempty"`
	Model struct {
		Devices []ArchitectureDevice `json:"devices"`
	} `json:"iotArchModel"`
}

// SimulationDocument is the stored device-instance list a session is built from.
type SimulationDocument struct {
	ID      string           `json:"_id"`
	Rev     string           `json:"_rev,omitempty"`
	Devices []DeviceInstance `json:"devices"`
}

// BuildSessionConfig combines an architecture document and a simulation
// document into a session configuration. The simulation document's ID
// becomes the session ID.
func BuildSessionConfig(arch ArchitectureDocument, sim SimulationDocument) SessionConfig {
	return SessionConfig{
		SessionID:            sim.ID,
		ArchitectureRevision: arch.Rev,
		SimulationRevision:   sim.Rev,
		DevicesSchemas:       arch.Model.Devices,
		Devices:              sim.Devices,
	}
}

// DeviceStatus is the externally visible state of one device.
type DeviceStatus struct {
	DeviceID       string         `json:"deviceID"`
	DeviceType     string         `json:"deviceType"`
	Connected      bool           `json:"connected"`
	Attributes     map[string]any `json:"attributes"`
	ArchDeviceGUID string         `json:"archDeviceGuid"`
}

// GenerateID returns a new unique identifier for sessions and devices.
func GenerateID() string {
	return uuid.NewString()
}
