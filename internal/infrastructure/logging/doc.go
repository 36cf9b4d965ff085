// Package logging provides structured logging built on log/slog.
//
// The Logger wraps slog.Logger with service defaults and a small With
// helper for attaching component fields. Format, level, and destination
// come from the logging section of config.yaml.
package logging
