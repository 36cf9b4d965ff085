package simulation

import (
	"sync"
	"testing"
	"time"

	"github.com/iotelec/simulator-core/internal/behavior"
)

type registryFixture struct {
	registry *Registry
	gateway  *fakeGateway

	mu           sync.Mutex
	broadcasters map[string]*recordingBroadcaster
	created      int
}

func newTestRegistry(t *testing.T, cfg RegistryConfig) *registryFixture {
	t.Helper()
	f := &registryFixture{
		gateway:      newFakeGateway(),
		broadcasters: make(map[string]*recordingBroadcaster),
	}
	f.registry = NewRegistry(cfg, RegistryDeps{
		Gateway: f.gateway.Factory,
		Engine:  behavior.NewEngine(nil),
		NewBroadcaster: func(sessionID string) Broadcaster {
			b := &recordingBroadcaster{}
			f.mu.Lock()
			f.broadcasters[sessionID] = b
			f.created++
			f.mu.Unlock()
			return b
		},
		Store: newMemoryStore(),
	})
	t.Cleanup(f.registry.Close)
	return f
}

func (f *registryFixture) broadcaster(sessionID string) *recordingBroadcaster {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcasters[sessionID]
}

func TestCreateSessionIsIdempotent(t *testing.T) {
	f := newTestRegistry(t, RegistryConfig{})

	first, err := f.registry.CreateSession(twoDeviceConfig())
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if got := first.DeviceCount(); got != 2 {
		t.Fatalf("DeviceCount() = %d, want 2", got)
	}

	second, err := f.registry.CreateSession(twoDeviceConfig())
	if err != nil {
		t.Fatalf("second CreateSession() error = %v", err)
	}
	if second != first {
		t.Error("re-creating a session must return the existing manager")
	}

	if got, ok := f.registry.Get("session-1"); !ok || got != first {
		t.Error("Get() should return the created session")
	}
	if _, ok := f.registry.Get("no-such-session"); ok {
		t.Error("Get() of an unknown ID should report absence")
	}
}

func TestConcurrentCreateBuildsOneSession(t *testing.T) {
	f := newTestRegistry(t, RegistryConfig{})

	const callers = 8
	managers := make([]*Manager, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			managers[i], errs[i] = f.registry.CreateSession(twoDeviceConfig())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("CreateSession() error = %v", errs[i])
		}
		if managers[i] != managers[0] {
			t.Fatal("concurrent creates for one ID must return the same manager")
		}
	}
	f.mu.Lock()
	created := f.created
	f.mu.Unlock()
	if created != 1 {
		t.Errorf("broadcast channels built = %d, want 1", created)
	}
}

func TestGetStatsAggregatesSessions(t *testing.T) {
	f := newTestRegistry(t, RegistryConfig{})

	one, err := f.registry.CreateSession(twoDeviceConfig())
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	other := twoDeviceConfig()
	other.SessionID = "session-2"
	other.Devices = other.Devices[:1]
	if _, err := f.registry.CreateSession(other); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	one.ConnectAll()

	stats := f.registry.GetStats()
	if stats.Sessions != 2 {
		t.Errorf("Sessions = %d, want 2", stats.Sessions)
	}
	if stats.Devices != 3 {
		t.Errorf("Devices = %d, want 3", stats.Devices)
	}
	if stats.ConnectedDevices != 2 {
		t.Errorf("ConnectedDevices = %d, want 2", stats.ConnectedDevices)
	}
}

func TestTerminateDestroysSession(t *testing.T) {
	f := newTestRegistry(t, RegistryConfig{})

	f.registry.Terminate("no-such-session") // no-op

	manager, err := f.registry.CreateSession(twoDeviceConfig())
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	manager.ConnectAll()

	f.registry.Terminate("session-1")

	if _, ok := f.registry.Get("session-1"); ok {
		t.Error("terminated session should be gone from the registry")
	}
	b := f.broadcaster("session-1")
	if !b.isClosed() {
		t.Error("terminating should close the session's broadcast channel")
	}
	var terminated int
	for _, msgType := range b.messageTypes() {
		if msgType == MessageSimulationTerminated {
			terminated++
		}
	}
	if terminated != 1 {
		t.Errorf("simulationTerminated broadcasts = %d, want 1", terminated)
	}
	if f.gateway.client("dev-a").IsConnected() {
		t.Error("devices should be disconnected on terminate")
	}
}

func TestCloseDestroysEverySession(t *testing.T) {
	f := newTestRegistry(t, RegistryConfig{})
	if _, err := f.registry.CreateSession(twoDeviceConfig()); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	f.registry.Close()

	if _, ok := f.registry.Get("session-1"); ok {
		t.Error("Get() after Close() should report absence")
	}
	if !f.broadcaster("session-1").isClosed() {
		t.Error("Close() should close every session's broadcast channel")
	}
	if _, err := f.registry.CreateSession(twoDeviceConfig()); err == nil {
		t.Error("CreateSession() after Close() should fail")
	}
}

func TestReaperTerminatesExpiredSessions(t *testing.T) {
	f := newTestRegistry(t, RegistryConfig{
		TTL:            50 * time.Millisecond,
		ReaperInterval: 25 * time.Millisecond,
	})
	if _, err := f.registry.CreateSession(twoDeviceConfig()); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := f.registry.Get("session-1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expired session was never reaped")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !f.broadcaster("session-1").isClosed() {
		t.Error("reaped session should close its broadcast channel")
	}
}

func TestReaperResetsStuckRetryCounters(t *testing.T) {
	f := newTestRegistry(t, RegistryConfig{
		ReaperInterval:      25 * time.Millisecond,
		RetryResetThreshold: 3,
	})
	if _, err := f.registry.CreateSession(twoDeviceConfig()); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	client := f.gateway.client("dev-a")
	client.mu.Lock()
	client.retry = 5
	client.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for client.RetryCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("retry count = %d, want reset to 0", client.RetryCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
