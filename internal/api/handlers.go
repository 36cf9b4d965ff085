package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iotelec/simulator-core/internal/simulation"
)

// createSimulationRequest starts a session either from a prebuilt
// session config or from the raw architecture and simulation documents
// the modelling tools export.
type createSimulationRequest struct {
	Config       *simulation.SessionConfig        `json:"config,omitempty"`
	Architecture *simulation.ArchitectureDocument `json:"architecture,omitempty"`
	Simulation   *simulation.SimulationDocument   `json:"simulation,omitempty"`
}

// simulationResponse describes one live session.
type simulationResponse struct {
	SessionID      string    `json:"sessionID"`
	ConnectionURL  string    `json:"connectionURL"`
	ExpirationDate time.Time `json:"expirationDate"`
	DeviceCount    int       `json:"deviceCount"`
}

// handleCreateSimulation builds (or touches) a session. Idempotent per
// session ID: re-posting an existing session returns it unchanged with
// its expiration refreshed.
func (s *Server) handleCreateSimulation(w http.ResponseWriter, r *http.Request) {
	var req createSimulationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	var cfg simulation.SessionConfig
	switch {
	case req.Config != nil:
		cfg = *req.Config
	case req.Architecture != nil && req.Simulation != nil:
		cfg = simulation.BuildSessionConfig(*req.Architecture, *req.Simulation)
	default:
		writeBadRequest(w, "either config or architecture+simulation is required")
		return
	}
	if cfg.SessionID == "" {
		cfg.SessionID = simulation.GenerateID()
	}

	manager, err := s.registry.CreateSession(cfg)
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, simulationResponse{
		SessionID:      manager.SessionID(),
		ConnectionURL:  s.connectionURL(r, manager.SessionID()),
		ExpirationDate: manager.ExpirationDate(),
		DeviceCount:    manager.DeviceCount(),
	})
}

// handleListSimulations returns a summary of every live session.
func (s *Server) handleListSimulations(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.SessionIDs()
	sessions := make([]simulationResponse, 0, len(ids))
	for _, id := range ids {
		manager, ok := s.registry.Get(id)
		if !ok {
			continue
		}
		sessions = append(sessions, simulationResponse{
			SessionID:      id,
			ConnectionURL:  s.connectionURL(r, id),
			ExpirationDate: manager.ExpirationDate(),
			DeviceCount:    manager.DeviceCount(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"simulations": sessions})
}

// handleGetSimulation returns one session's summary and full device
// status. Read-only: does not refresh the session's expiration.
func (s *Server) handleGetSimulation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	manager, ok := s.registry.Get(id)
	if !ok {
		writeNotFound(w, "no such simulation: "+id)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionID":      id,
		"connectionURL":  s.connectionURL(r, id),
		"expirationDate": manager.ExpirationDate(),
		"devices":        manager.AllDevicesStatus(),
	})
}

// handleDeleteSimulation terminates a session and purges its stored run
// values. Unknown IDs are a no-op, as is the registry's own contract.
func (s *Server) handleDeleteSimulation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.registry.Terminate(id)

	if s.store != nil {
		if err := s.store.DeleteSession(r.Context(), id); err != nil {
			s.logger.Warn("purging run values", "session_id", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminated": id})
}

// handleSessionWebSocket upgrades an observer onto a session's
// broadcast channel. The session ID in the path is the capability:
// whoever holds it may observe and command the session.
func (s *Server) handleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	manager, ok := s.registry.Get(id)
	if !ok {
		writeNotFound(w, "no such simulation: "+id)
		return
	}
	hub, ok := s.hubs.Get(id)
	if !ok {
		writeNotFound(w, "no observer channel for simulation: "+id)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "session_id", id, "error", err)
		return
	}
	hub.attach(conn, manager)
}

// connectionURL builds the observer channel URL for a session as seen
// from the requesting client.
func (s *Server) connectionURL(r *http.Request, sessionID string) string {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/sessions/%s/ws", scheme, r.Host, sessionID)
}
