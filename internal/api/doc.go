// Package api provides the HTTP REST API and per-session WebSocket
// channels of the device-fleet simulator.
//
// The REST surface manages simulation sessions (create, list, inspect,
// terminate) plus health and aggregate stats. Each live session also
// gets a WebSocket observer channel at /sessions/{id}/ws: connecting
// observers receive a full device-status snapshot, then the session's
// broadcast stream, and may issue commands (connect, disconnect,
// setAttribute, ...) that the session manager executes.
//
// The server follows the same lifecycle pattern as the other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
