package simulation

import (
	"sync"
	"time"

	"github.com/iotelec/simulator-core/internal/behavior"
	"github.com/iotelec/simulator-core/internal/gateway"
)

// Registry defaults.
const (
	// defaultReaperInterval is how often expired sessions are swept.
	defaultReaperInterval = 5 * time.Minute

	// defaultRetryThreshold is the gateway retry count above which the
	// reaper resets a device's counter.
	defaultRetryThreshold = 10
)

// RegistryConfig tunes session lifecycle behaviour. Zero values fall
// back to the defaults.
type RegistryConfig struct {
	TTL                 time.Duration
	ReaperInterval      time.Duration
	RetryResetThreshold int
	CloseGrace          time.Duration
}

// RegistryDeps are the collaborators shared by every session the
// registry creates. NewBroadcaster is called once per session to build
// its observer channel; Store and Telemetry are optional.
type RegistryDeps struct {
	Gateway        gateway.Factory
	Engine         *behavior.Engine
	NewBroadcaster func(sessionID string) Broadcaster
	Store          RunValueStore
	Telemetry      TelemetryRecorder
	Logger         Logger
}

// Stats aggregates counts across every live session.
type Stats struct {
	Sessions         int `json:"simulations"`
	Devices          int `json:"devices"`
	ConnectedDevices int `json:"connectedDevices"`
}

// Registry is the process-wide map of session ID to Manager. A
// background reaper terminates expired sessions and resets stuck device
// retry counters on a fixed interval.
//
// The session map is the only process-wide mutable shared state; every
// other piece of state is owned by exactly one manager or device.
//
// Thread Safety: all methods are safe for concurrent use.
type Registry struct {
	cfg  RegistryConfig
	deps RegistryDeps

	mu       sync.Mutex
	sessions map[string]*Manager
	closed   bool

	// creating reserves session IDs whose manager is being built, so
	// concurrent creates for one ID never build two managers (and never
	// request two broadcast channels). Waiters block on the channel.
	creating map[string]chan struct{}

	reaper *repeatingTask
}

// NewRegistry creates a registry and starts its reaper.
func NewRegistry(cfg RegistryConfig, deps RegistryDeps) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultSessionTTL
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = defaultReaperInterval
	}
	if cfg.RetryResetThreshold <= 0 {
		cfg.RetryResetThreshold = defaultRetryThreshold
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = defaultCloseGrace
	}
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}

	r := &Registry{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]*Manager),
		creating: make(map[string]chan struct{}),
	}
	r.reaper = startRepeating(cfg.ReaperInterval, r.reap)
	return r
}

// CreateSession builds a session from its configuration. Idempotent per
// session ID: an existing session is touched and returned unchanged.
// Concurrent creates for one ID are serialized: exactly one caller
// builds the manager and its broadcast channel, the rest wait and
// receive the built session.
func (r *Registry) CreateSession(cfg SessionConfig) (*Manager, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrSessionClosed
		}
		if existing, ok := r.sessions[cfg.SessionID]; ok {
			r.mu.Unlock()
			existing.Touch()
			return existing, nil
		}
		pending, ok := r.creating[cfg.SessionID]
		if !ok {
			r.creating[cfg.SessionID] = make(chan struct{})
			r.mu.Unlock()
			break
		}
		r.mu.Unlock()

		// Someone else is building this session; wait and re-check.
		<-pending
	}

	var broadcaster Broadcaster
	if r.deps.NewBroadcaster != nil {
		broadcaster = r.deps.NewBroadcaster(cfg.SessionID)
	}
	manager := NewManager(cfg, ManagerDeps{
		Gateway:     r.deps.Gateway,
		Engine:      r.deps.Engine,
		Broadcaster: broadcaster,
		Store:       r.deps.Store,
		Telemetry:   r.deps.Telemetry,
		Logger:      r.deps.Logger,
		TTL:         r.cfg.TTL,
		CloseGrace:  r.cfg.CloseGrace,
	})

	r.mu.Lock()
	pending := r.creating[cfg.SessionID]
	delete(r.creating, cfg.SessionID)
	if r.closed {
		r.mu.Unlock()
		close(pending)
		manager.Destroy()
		return nil, ErrSessionClosed
	}
	r.sessions[cfg.SessionID] = manager
	r.mu.Unlock()
	close(pending)

	r.deps.Logger.Info("session created",
		"session_id", cfg.SessionID, "devices", manager.DeviceCount())
	manager.Touch()
	return manager, nil
}

// Get returns the session with the given ID, if present.
func (r *Registry) Get(sessionID string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	manager, ok := r.sessions[sessionID]
	return manager, ok
}

// Terminate tears a session down and removes it. Unknown IDs are a no-op.
func (r *Registry) Terminate(sessionID string) {
	r.mu.Lock()
	manager, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if ok {
		manager.Destroy()
		r.deps.Logger.Info("session terminated", "session_id", sessionID)
	}
}

// SessionIDs returns the IDs of every live session.
func (r *Registry) SessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// GetStats aggregates session and device counts across the registry.
func (r *Registry) GetStats() Stats {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.sessions))
	for _, m := range r.sessions {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	stats := Stats{Sessions: len(managers)}
	for _, m := range managers {
		stats.Devices += m.DeviceCount()
		stats.ConnectedDevices += m.ConnectedDeviceCount()
	}
	return stats
}

// Close stops the reaper and terminates every session.
func (r *Registry) Close() {
	r.reaper.Stop()

	r.mu.Lock()
	r.closed = true
	managers := make([]*Manager, 0, len(r.sessions))
	for _, m := range r.sessions {
		managers = append(managers, m)
	}
	r.sessions = make(map[string]*Manager)
	r.mu.Unlock()

	for _, m := range managers {
		m.Destroy()
	}
}

// reap terminates expired sessions and, on every surviving session,
// resets device retry counters that exceeded the threshold.
func (r *Registry) reap() {
	now := time.Now()

	r.mu.Lock()
	var expired []string
	var live []*Manager
	for id, m := range r.sessions {
		if m.Expired(now) {
			expired = append(expired, id)
		} else {
			live = append(live, m)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.deps.Logger.Info("session expired", "session_id", id)
		r.Terminate(id)
	}
	for _, m := range live {
		m.ResetStuckRetries(r.cfg.RetryResetThreshold)
	}
}
