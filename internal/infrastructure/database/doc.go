// Package database provides the SQLite connection and schema migrations
// for the simulator's local persistence (the run-value store).
//
// The DB wrapper configures WAL mode, busy timeout, and a single-writer
// connection pool suited to SQLite, and applies embedded SQL migrations
// on startup. Migration files are registered by the top-level migrations
// package via the MigrationsFS variable.
package database
