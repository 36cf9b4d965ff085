// Package runstore persists last-known device attribute values.
//
// Each attribute write a simulated device reports is stored keyed by
// (session, device, attribute). When a device is re-added to a session
// the stored values are layered beneath the instance's own last-run
// values, so long-running simulations survive process restarts.
package runstore
