// Package gateway provides per-device connections to the IoT messaging platform.
//
// Each simulated device opens its own MQTT connection, authenticated with the
// device's instance credentials, and communicates over the platform's device
// topics: outbound events on iot-2/evt/{event}/fmt/{format}, inbound commands
// on iot-2/cmd/+/fmt/+, and device-management requests under iotdm-1/mgmt.
//
// The package exposes a small Client interface plus a Factory so the
// simulation layer never depends on the MQTT transport directly. Production
// wiring uses NewPahoFactory; tests substitute in-memory fakes.
//
// Connection state changes and inbound traffic are delivered through the
// Events callbacks registered at construction. Connect and Disconnect are
// asynchronous: they start the transition and return, mirroring the
// behaviour of real devices whose links come and go on their own schedule.
package gateway
