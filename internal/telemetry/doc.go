// Package telemetry records outbound device messages to InfluxDB.
//
// The recorder is optional: when disabled in config the simulator runs
// without it and devices publish exactly as before. Recording is
// fire-and-forget with batched, non-blocking writes.
package telemetry
