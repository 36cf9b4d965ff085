package simulation

// Command is one inbound observer message on a session's real-time channel.
type Command struct {
	CmdType        string              `json:"cmdType"`
	DeviceID       string              `json:"deviceID,omitempty"`
	AttributeName  string              `json:"attributeName,omitempty"`
	AttributeValue any                 `json:"attributeValue,omitempty"`
	Device         *DeviceInstance     `json:"simulationDevice,omitempty"`
	ArchDevice     *ArchitectureDevice `json:"archDevice,omitempty"`
}

// Inbound command types.
const (
	CmdConnect          = "connect"
	CmdConnectAll       = "connectAll"
	CmdDisconnect       = "disconnect"
	CmdDisconnectAll    = "disconnectAll"
	CmdSetAttribute     = "setAttribute"
	CmdDeviceStatus     = "deviceStatus"
	CmdAllDevicesStatus = "allDevicesStatus"
	CmdAddDevice        = "addDevice"
	CmdAddArchDevice    = "addArchDevice"
	CmdUpdateArchDevice = "updateArchDevice"
	CmdGetArchDevices   = "getArchDevices"
	CmdDeleteDevice     = "deleteDevice"
)

// Outbound broadcast message types.
const (
	MessageDevicesStatus             = "devicesStatus"
	MessageDeviceStatus              = "deviceStatus"
	MessageArchitectureDevices       = "architectureDevices"
	MessageNewArchitectureDevice     = "newArchitectureDevice"
	MessageArchitectureDeviceUpdated = "architectureDeviceUpdated"
	MessageNewDeviceCreated          = "newDeviceCreated"
	MessageDeviceDeleted             = "deviceDeleted"
	MessageDeviceAttributesChange    = "deviceAttributesChange"
	MessageDeviceConnected           = "deviceConnected"
	MessageDeviceDisconnected        = "deviceDisconnected"
	MessageDeviceDmAction            = "deviceDmAction"
	MessageDeviceFirmwareDownload    = "deviceFirmwareDownload"
	MessageDeviceFirmwareUpdate      = "deviceFirmwareUpdate"
	MessageDeviceConnectionError     = "deviceConnectionError"
	MessageDeviceBehaviorCodeError   = "deviceBehaviorCodeError"
	MessageDeviceBehaviorRuntime     = "deviceBehaviorRuntimeError"
	MessageDeviceNotConnected        = "deviceNotConnected"
	MessageSimulationTerminated      = "simulationTerminated"
)

// ErrorReply is the inline error response sent to the observer whose
// command failed. The connection stays open.
type ErrorReply struct {
	Error string `json:"error"`
}
