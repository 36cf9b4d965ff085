package behavior

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

// fakeDevice implements DeviceBinding for engine tests.
type fakeDevice struct {
	id        string
	attrs     map[string]any
	sent      []string
	connected bool
	setErr    error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		id:        "dev-1",
		attrs:     map[string]any{"temperature": float64(20)},
		connected: true,
	}
}

func (d *fakeDevice) DeviceID() string { return d.id }

func (d *fakeDevice) GetAttribute(name string) (any, bool) {
	v, ok := d.attrs[name]
	return v, ok
}

func (d *fakeDevice) SetAttribute(name string, value any) error {
	if d.setErr != nil {
		return d.setErr
	}
	d.attrs[name] = value
	return nil
}

func (d *fakeDevice) SendMessage(name string) { d.sent = append(d.sent, name) }

func (d *fakeDevice) IsConnected() bool { return d.connected }

func TestRunReadsAndWritesAttributes(t *testing.T) {
	engine := NewEngine(nil)
	dev := newFakeDevice()

	src := `
		var t = device.getAttribute("temperature");
		device.setAttribute("temperature", t + 1);
	`
	if err := engine.Run("type-1", HookWhileRunning, src, dev, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, _ := dev.GetAttribute("temperature")
	if got != float64(21) {
		t.Errorf("temperature = %v, want 21", got)
	}
}

func TestRunPassesHookArguments(t *testing.T) {
	engine := NewEngine(nil)
	dev := newFakeDevice()

	src := `device.setAttribute("lastCommand", message + ":" + topic);`
	args := []Arg{
		{Name: "message", Value: "setTemperature"},
		{Name: "payload", Value: map[string]any{"value": 5}},
		{Name: "topic", Value: "iot-2/cmd/setTemperature/fmt/json"},
	}
	if err := engine.Run("type-1", HookOnMessageReception, src, dev, args); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, _ := dev.GetAttribute("lastCommand")
	if got != "setTemperature:iot-2/cmd/setTemperature/fmt/json" {
		t.Errorf("lastCommand = %v", got)
	}
}

func TestRunSendsMessages(t *testing.T) {
	engine := NewEngine(nil)
	dev := newFakeDevice()

	src := `if (device.isConnected()) { device.sendMessage("status"); }`
	if err := engine.Run("type-1", HookOnConnected, src, dev, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(dev.sent) != 1 || dev.sent[0] != "status" {
		t.Errorf("sent = %v, want [status]", dev.sent)
	}
}

func TestRunEmptySourceIsNoop(t *testing.T) {
	engine := NewEngine(nil)
	if err := engine.Run("type-1", HookOnInit, "   ", newFakeDevice(), nil); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
}

func TestRunCompileErrorIsCached(t *testing.T) {
	engine := NewEngine(nil)
	dev := newFakeDevice()
	src := `this is not javascript`

	err := engine.Run("type-1", HookOnInit, src, dev, nil)
	var cerr *CompileError
	if !errors.As(err, &cerr) {
		t.Fatalf("Run() error = %v, want *CompileError", err)
	}
	if cerr.Cached {
		t.Error("first failure should not be marked cached")
	}
	if cerr.Hook != HookOnInit {
		t.Errorf("Hook = %q, want %q", cerr.Hook, HookOnInit)
	}

	err = engine.Run("type-1", HookOnInit, src, dev, nil)
	if !errors.As(err, &cerr) {
		t.Fatalf("second Run() error = %v, want *CompileError", err)
	}
	if !cerr.Cached {
		t.Error("second failure should be marked cached")
	}
}

func TestRunRuntimeErrorIsIsolated(t *testing.T) {
	engine := NewEngine(nil)
	dev := newFakeDevice()

	err := engine.Run("type-1", HookWhileRunning, `throw new Error("boom");`, dev, nil)
	var rerr *RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("Run() error = %v, want *RuntimeError", err)
	}
	if rerr.Hook != HookWhileRunning {
		t.Errorf("Hook = %q, want %q", rerr.Hook, HookWhileRunning)
	}

	// The same script remains runnable: runtime errors are per-invocation,
	// not cached like compile errors.
	err = engine.Run("type-1", HookWhileRunning, `device.setAttribute("ok", true);`, dev, nil)
	if err != nil {
		t.Errorf("subsequent Run() error = %v", err)
	}
}

func TestRunSetAttributeErrorSurfacesAsRuntimeError(t *testing.T) {
	engine := NewEngine(nil)
	dev := newFakeDevice()
	dev.setErr = fmt.Errorf("no such attribute")

	err := engine.Run("type-1", HookOnInit, `device.setAttribute("missing", 1);`, dev, nil)
	var rerr *RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("Run() error = %v, want *RuntimeError", err)
	}
}

func TestRunInterruptsRunawayScripts(t *testing.T) {
	engine := NewEngine(nil)
	engine.timeout = 50 * time.Millisecond

	err := engine.Run("type-1", HookWhileRunning, `while (true) {}`, newFakeDevice(), nil)
	var rerr *RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("Run() error = %v, want *RuntimeError", err)
	}
}

func TestInvalidateTypeAllowsRecompile(t *testing.T) {
	engine := NewEngine(nil)
	dev := newFakeDevice()
	src := `not valid {`

	if err := engine.Run("type-1", HookOnInit, src, dev, nil); err == nil {
		t.Fatal("expected compile error")
	}

	engine.InvalidateType("type-1")

	err := engine.Run("type-1", HookOnInit, src, dev, nil)
	var cerr *CompileError
	if !errors.As(err, &cerr) {
		t.Fatalf("Run() error = %v, want *CompileError", err)
	}
	if cerr.Cached {
		t.Error("post-invalidation failure should be a fresh compile, not cached")
	}
}

func TestCacheIsScopedPerType(t *testing.T) {
	engine := NewEngine(nil)
	dev := newFakeDevice()
	src := `broken (`

	if err := engine.Run("type-1", HookOnInit, src, dev, nil); err == nil {
		t.Fatal("expected compile error")
	}

	// The same broken source under a different type guid compiles fresh.
	err := engine.Run("type-2", HookOnInit, src, dev, nil)
	var cerr *CompileError
	if !errors.As(err, &cerr) {
		t.Fatalf("Run() error = %v, want *CompileError", err)
	}
	if cerr.Cached {
		t.Error("different type guid should not share cache entries")
	}
}

func TestUtilsLibrary(t *testing.T) {
	engine := NewEngine(nil)
	dev := newFakeDevice()

	src := `
		device.setAttribute("rounded", utils.round(3.14159, 2));
		device.setAttribute("clamped", utils.clamp(15, 0, 10));
		var r = utils.random(5, 6);
		device.setAttribute("inRange", r >= 5 && r < 6);
	`
	if err := engine.Run("type-1", HookOnInit, src, dev, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got, _ := dev.GetAttribute("rounded"); got != float64(3.14) {
		t.Errorf("rounded = %v, want 3.14", got)
	}
	if got, _ := dev.GetAttribute("clamped"); got != float64(10) {
		t.Errorf("clamped = %v, want 10", got)
	}
	if got, _ := dev.GetAttribute("inRange"); got != true {
		t.Errorf("inRange = %v, want true", got)
	}
}
