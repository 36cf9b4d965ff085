package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iotelec/simulator-core/internal/infrastructure/config"
	"github.com/iotelec/simulator-core/internal/infrastructure/logging"
	"github.com/iotelec/simulator-core/internal/simulation"
)

// wsSendBufferSize is the per-client outbound message buffer size.
// A client that cannot keep up has messages dropped rather than letting
// one slow observer stall the whole session.
const wsSendBufferSize = 256

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// SessionHubs owns one hub per live session. It is handed to the
// registry as its broadcaster factory, and to the HTTP layer so the
// WebSocket endpoint can attach observers to the right hub.
type SessionHubs struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu   sync.Mutex
	hubs map[string]*SessionHub
}

// NewSessionHubs creates the hub collection.
func NewSessionHubs(cfg config.WebSocketConfig, logger *logging.Logger) *SessionHubs {
	return &SessionHubs{
		cfg:    cfg,
		logger: logger,
		hubs:   make(map[string]*SessionHub),
	}
}

// Create builds the broadcast hub for one session. Satisfies the
// registry's broadcaster-factory dependency.
//
// A hub replaces any entry a terminating session left under the same
// ID. Eviction on close checks identity, so a superseded hub closing
// late cannot strand its replacement.
func (s *SessionHubs) Create(sessionID string) simulation.Broadcaster {
	hub := &SessionHub{
		sessionID: sessionID,
		cfg:       s.cfg,
		logger:    s.logger,
		clients:   make(map[*wsClient]struct{}),
	}
	hub.onClose = func() {
		s.mu.Lock()
		if s.hubs[sessionID] == hub {
			delete(s.hubs, sessionID)
		}
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.hubs[sessionID] = hub
	s.mu.Unlock()
	return hub
}

// Get returns the hub for a session, if one is live.
func (s *SessionHubs) Get(sessionID string) (*SessionHub, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hub, ok := s.hubs[sessionID]
	return hub, ok
}

// SessionHub fans broadcast messages out to every observer of one
// session. It implements simulation.Broadcaster.
//
// Thread Safety: all methods are safe for concurrent use. Messages are
// delivered to each client in the order Broadcast is called.
type SessionHub struct {
	sessionID string
	cfg       config.WebSocketConfig
	logger    *logging.Logger
	onClose   func()

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

// Broadcast delivers v, JSON-encoded, to every connected observer.
func (h *SessionHub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("encoding broadcast message", "session_id", h.sessionID, "error", err)
		return
	}

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.trySend(data)
	}
}

// Close rejects new observers immediately and disconnects existing ones
// after the grace delay, so a termination broadcast already queued can
// reach them first.
func (h *SessionHub) Close(grace time.Duration) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	if h.onClose != nil {
		h.onClose()
	}

	time.AfterFunc(grace, func() {
		h.mu.Lock()
		clients := h.clients
		h.clients = make(map[*wsClient]struct{})
		h.mu.Unlock()

		for client := range clients {
			close(client.send)
			client.conn.Close() //nolint:errcheck
		}
	})
}

// attach registers a new observer connection: the client receives the
// session's full status snapshot, then the broadcast stream, and its
// inbound messages are handed to the manager as commands.
func (h *SessionHub) attach(conn *websocket.Conn, manager *simulation.Manager) {
	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close() //nolint:errcheck
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go client.writePump(h.cfg)
	go client.readPump(h.cfg, manager)

	if snapshot, err := json.Marshal(manager.Snapshot()); err == nil {
		client.trySend(snapshot)
	}
	h.logger.Debug("observer connected", "session_id", h.sessionID, "observers", h.clientCount())
}

// detach removes a client. Only the goroutine that removes the client
// from the map closes its send channel, preventing double-close panics.
func (h *SessionHub) detach(client *wsClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
}

func (h *SessionHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// wsClient is one connected observer.
type wsClient struct {
	hub  *SessionHub
	conn *websocket.Conn
	send chan []byte
}

// trySend queues a message without blocking; a full buffer drops it.
func (c *wsClient) trySend(data []byte) {
	defer func() {
		// The send channel may close concurrently during hub shutdown.
		_ = recover()
	}()
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("observer send buffer full, dropping message",
			"session_id", c.hub.sessionID)
	}
}

// readPump reads observer commands and hands them to the manager.
// Command replies go only to this client; broadcasts flow via the hub.
func (c *wsClient) readPump(cfg config.WebSocketConfig, manager *simulation.Manager) {
	defer func() {
		c.hub.detach(c)
		c.conn.Close() //nolint:errcheck
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "session_id", c.hub.sessionID, "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))

		manager.HandleCommand(message, func(v any) {
			if data, err := json.Marshal(v); err == nil {
				c.trySend(data)
			}
		})
	}
}

// writePump writes queued messages and protocol pings to the connection.
func (c *wsClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
