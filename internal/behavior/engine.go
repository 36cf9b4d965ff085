package behavior

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// Hook names a lifecycle point where a user behavior script may run.
type Hook string

// Lifecycle hooks.
const (
	HookOnInit             Hook = "onInit"
	HookOnConnected        Hook = "onConnected"
	HookOnMessageReception Hook = "onMessageReception"
	HookWhileRunning       Hook = "whileRunning"
)

// Arg is one named argument passed to a script invocation.
// Order matters: the argument-name signature is part of the cache key.
type Arg struct {
	Name  string
	Value any
}

// DeviceBinding is the capability surface a script sees as its device.
//
// Scripts get explicit accessors instead of raw field access so every
// attribute write flows through the device's change-detection batch.
type DeviceBinding interface {
	// DeviceID returns the device's identifier.
	DeviceID() string

	// GetAttribute returns the current value of a named attribute.
	GetAttribute(name string) (any, bool)

	// SetAttribute writes a named attribute, recording the change.
	SetAttribute(name string, value any) error

	// SendMessage queues an outbound message by definition name.
	SendMessage(name string)

	// IsConnected reports the device's connection state.
	IsConnected() bool
}

// defaultScriptTimeout bounds a single script invocation. Scripts are
// meant to be short snippets; anything longer is a runaway loop.
const defaultScriptTimeout = 500 * time.Millisecond

// Engine compiles and runs user behavior scripts.
//
// Compiled programs are cached per device type: the key combines the
// type guid, hook name, argument-name signature and source text, so an
// updated script compiles fresh while unchanged scripts reuse the cached
// program. A source that fails to compile is cached as permanently
// invalid and never re-attempted.
//
// Each invocation runs in a fresh interpreter with a fixed capability
// set (console logging, a small utils library, the device binding) and
// an interrupt watchdog. Scripts have no access to the host environment.
//
// Thread Safety: all methods are safe for concurrent use.
type Engine struct {
	cache   map[string]*cacheEntry
	cacheMu sync.Mutex

	logger  Logger
	timeout time.Duration
}

// cacheEntry is one compiled (or permanently invalid) script.
type cacheEntry struct {
	program    *goja.Program
	compileErr *CompileError
}

// NewEngine creates a script engine with an empty cache.
func NewEngine(logger Logger) *Engine {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Engine{
		cache:   make(map[string]*cacheEntry),
		logger:  logger,
		timeout: defaultScriptTimeout,
	}
}

// Run executes the script for one hook invocation.
//
// Parameters:
//   - typeGUID: The device type's guid, scoping the compile cache
//   - hook: The lifecycle hook being fired
//   - source: The script source (a function body)
//   - device: The device binding exposed to the script
//   - args: Hook-specific named arguments, in declaration order
//
// Returns:
//   - error: nil on success; *CompileError if the source does not
//     compile (Cached reports whether this failure was already known);
//     *RuntimeError if the script throws. Errors never indicate device
//     state corruption; the device continues operating.
func (e *Engine) Run(typeGUID string, hook Hook, source string, device DeviceBinding, args []Arg) error {
	if strings.TrimSpace(source) == "" {
		return nil
	}

	argNames := make([]string, len(args))
	for i, a := range args {
		argNames[i] = a.Name
	}
	signature := strings.Join(argNames, ",")

	entry, fresh := e.compile(typeGUID, hook, signature, source)
	if entry.compileErr != nil {
		cerr := *entry.compileErr
		cerr.Cached = !fresh
		return &cerr
	}

	return e.invoke(entry.program, hook, device, args)
}

// InvalidateType drops every cached script for a device type. Called
// when the type definition is updated so new sources compile fresh.
func (e *Engine) InvalidateType(typeGUID string) {
	prefix := typeGUID + "\x00"
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	for key := range e.cache {
		if strings.HasPrefix(key, prefix) {
			delete(e.cache, key)
		}
	}
}

// compile returns the cached entry for the key, compiling on first use.
// fresh reports whether this call performed the compilation.
func (e *Engine) compile(typeGUID string, hook Hook, signature, source string) (entry *cacheEntry, fresh bool) {
	key := typeGUID + "\x00" + string(hook) + "\x00" + signature + "\x00" + source

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	if entry, ok := e.cache[key]; ok {
		return entry, false
	}

	// Wrap the snippet so it compiles as a callable with the declared
	// argument names in scope, matching how script authors write hooks.
	wrapped := "(function(" + signature + "){" + source + "\n})"

	program, err := goja.Compile(string(hook), wrapped, false)
	entry = &cacheEntry{program: program}
	if err != nil {
		entry.compileErr = &CompileError{
			Hook:    hook,
			Message: err.Error(),
		}
		entry.program = nil
	}
	e.cache[key] = entry
	return entry, true
}

// invoke runs a compiled program in a fresh interpreter.
func (e *Engine) invoke(program *goja.Program, hook Hook, device DeviceBinding, args []Arg) error {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	deviceObj := e.bindDevice(vm, device)
	if err := vm.Set("device", deviceObj); err != nil {
		return &RuntimeError{Hook: hook, Message: err.Error()}
	}
	if err := vm.Set("console", e.bindConsole(vm, device, hook)); err != nil {
		return &RuntimeError{Hook: hook, Message: err.Error()}
	}
	if err := vm.Set("utils", bindUtils(vm)); err != nil {
		return &RuntimeError{Hook: hook, Message: err.Error()}
	}

	watchdog := time.AfterFunc(e.timeout, func() {
		vm.Interrupt("script execution timed out")
	})
	defer watchdog.Stop()

	value, err := vm.RunProgram(program)
	if err != nil {
		return runtimeError(hook, err)
	}

	fn, ok := goja.AssertFunction(value)
	if !ok {
		return &RuntimeError{Hook: hook, Message: "script did not compile to a function"}
	}

	argValues := make([]goja.Value, len(args))
	for i, a := range args {
		argValues[i] = vm.ToValue(a.Value)
	}

	if _, err := fn(deviceObj, argValues...); err != nil {
		return runtimeError(hook, err)
	}
	return nil
}

// bindDevice builds the script-visible device object.
func (e *Engine) bindDevice(vm *goja.Runtime, device DeviceBinding) *goja.Object {
	obj := vm.NewObject()
	//nolint:errcheck // Set on a fresh object cannot fail.
	obj.Set("deviceID", device.DeviceID())
	obj.Set("getAttribute", func(name string) goja.Value {
		value, ok := device.GetAttribute(name)
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(value)
	})
	obj.Set("setAttribute", func(name string, value goja.Value) {
		if err := device.SetAttribute(name, value.Export()); err != nil {
			panic(vm.ToValue(err.Error()))
		}
	})
	obj.Set("sendMessage", func(name string) {
		device.SendMessage(name)
	})
	obj.Set("isConnected", func() bool {
		return device.IsConnected()
	})
	return obj
}

// bindConsole routes script console output into the engine's logger.
func (e *Engine) bindConsole(vm *goja.Runtime, device DeviceBinding, hook Hook) *goja.Object {
	format := func(parts []goja.Value) string {
		strs := make([]string, len(parts))
		for i, p := range parts {
			strs[i] = fmt.Sprintf("%v", p.Export())
		}
		return strings.Join(strs, " ")
	}

	obj := vm.NewObject()
	//nolint:errcheck
	obj.Set("log", func(parts ...goja.Value) {
		e.logger.Debug("script console", "device_id", device.DeviceID(), "hook", string(hook), "message", format(parts))
	})
	obj.Set("warn", func(parts ...goja.Value) {
		e.logger.Warn("script console", "device_id", device.DeviceID(), "hook", string(hook), "message", format(parts))
	})
	obj.Set("error", func(parts ...goja.Value) {
		e.logger.Error("script console", "device_id", device.DeviceID(), "hook", string(hook), "message", format(parts))
	})
	return obj
}

// bindUtils builds the small utility library available to scripts.
func bindUtils(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	//nolint:errcheck
	obj.Set("random", func(min, max float64) float64 {
		return min + rand.Float64()*(max-min)
	})
	obj.Set("randomInt", func(min, max int64) int64 {
		if max <= min {
			return min
		}
		return min + rand.Int63n(max-min+1)
	})
	obj.Set("round", func(value float64, digits int) float64 {
		scale := math.Pow(10, float64(digits))
		return math.Round(value*scale) / scale
	})
	obj.Set("clamp", func(value, min, max float64) float64 {
		return math.Min(math.Max(value, min), max)
	})
	obj.Set("now", func() int64 {
		return time.Now().UnixMilli()
	})
	return obj
}

// runtimeError converts a goja evaluation error into a RuntimeError.
func runtimeError(hook Hook, err error) *RuntimeError {
	var exc *goja.Exception
	if ok := asException(err, &exc); ok {
		return &RuntimeError{
			Hook:    hook,
			Message: exc.Error(),
			Stack:   exc.String(),
		}
	}
	return &RuntimeError{Hook: hook, Message: err.Error()}
}

// asException reports whether err is a script exception.
func asException(err error, target **goja.Exception) bool {
	exc, ok := err.(*goja.Exception) //nolint:errorlint // goja exceptions are never wrapped here.
	if ok {
		*target = exc
	}
	return ok
}
