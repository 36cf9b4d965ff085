// Package behavior runs user-supplied device behavior scripts.
//
// Device types may attach short JavaScript snippets to lifecycle hooks
// (init, connected, message reception, periodic running). The engine
// compiles each snippet once per device type and caches the result;
// sources that fail to compile are marked permanently invalid so they
// are never re-attempted.
//
// Scripts execute in a sandboxed interpreter with a fixed capability
// set: a device binding with explicit attribute accessors, console-style
// logging routed to the host logger, and a small utils library. There is
// no network, filesystem or process access, and a watchdog interrupts
// scripts that run too long. Compile and runtime failures are returned
// as typed errors and never crash the hosting device.
package behavior
