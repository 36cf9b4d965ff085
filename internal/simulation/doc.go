// Package simulation implements the device-fleet simulation core.
//
// A Registry maps session IDs to Managers and sweeps expired sessions on
// a fixed interval. Each Manager owns one session: its architecture
// catalog (device type definitions), its live Device instances, and the
// broadcast channel observers attach to. Observer commands flow in
// through Manager.HandleCommand; device domain events flow out through
// the same manager as broadcast messages, in the order they were raised.
//
// A Device is a connection state machine (Disconnected → Connecting →
// Connected) driven by its gateway client's callbacks. While connected
// it sends its type's Periodic output messages on their declared rates;
// attribute writes are batched per mutation pass, reported as a single
// attributes-change event, and matched against the OnChange message
// index so each triggered message sends at most once per batch. Behavior
// scripts attached to the type run at the init, connected,
// message-reception and running hooks.
//
// Every timer is an owned, cancelable task; destroying a device or
// session cancels all of its timers. No error in command handling,
// device callbacks or script execution may crash a session.
package simulation
