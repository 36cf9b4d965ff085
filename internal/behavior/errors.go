package behavior

import "fmt"

// CompileError reports a script source that does not compile.
//
// The failure is cached per (type, hook, signature, source): the first
// occurrence has Cached false, every later invocation of the same script
// returns the error with Cached true without re-attempting compilation.
type CompileError struct {
	Hook    Hook
	Message string
	Stack   string
	Cached  bool
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("behavior: compile error in %s hook: %s", e.Hook, e.Message)
}

// RuntimeError reports a script that threw during invocation.
// The throw is isolated to the one invocation; device state is unchanged
// beyond whatever the script wrote before throwing.
type RuntimeError struct {
	Hook    Hook
	Message string
	Stack   string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("behavior: runtime error in %s hook: %s", e.Hook, e.Message)
}

// Logger is the logging interface used by the engine.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
