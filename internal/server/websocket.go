package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-governance/internal/audit"
	"github.com/kubilitics/kubilitics-governance/internal/metrics"
)

// WebSocket message types
const (
	MessageTypeEntry     = "entry"
	MessageTypeHeartbeat = "heartbeat"
	MessageTypeDropped   = "dropped"
)

const (
	clientBuffer   = 64
	writeWait      = 10 * time.Second
	heartbeatEvery = 30 * time.Second
)

// defaultOrigins are accepted when no allow list is configured
var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// WSMessage is one frame sent to stream clients
type WSMessage struct {
	Type      string       `json:"type"`
	Entry     *audit.Entry `json:"entry,omitempty"`
	Dropped   int          `json:"dropped,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// newUpgrader builds an upgrader that only accepts the allowed origins.
// Requests without an Origin header come from non-browser clients and are accepted.
func newUpgrader(allowed []string) websocket.Upgrader {
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}
	wildcard := false
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || wildcard {
				return true
			}
			return set[strings.ToLower(strings.TrimRight(origin, "/"))]
		},
	}
}

// AuditHub fans committed audit entries out to WebSocket clients.
// Publish never blocks the audit writer: a client whose buffer is full misses entries
// and is told how many.
type AuditHub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	conn    *websocket.Conn
	send    chan audit.Entry
	filter  audit.Filter
	mu      sync.Mutex
	dropped int
	done    chan struct{}
	once    sync.Once
}

// NewAuditHub creates a hub accepting the given origins.
func NewAuditHub(allowedOrigins []string, logger *zap.Logger) *AuditHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditHub{
		upgrader: newUpgrader(allowedOrigins),
		logger:   logger,
		clients:  make(map[*streamClient]struct{}),
	}
}

// Publish is an audit.Observer.
func (h *AuditHub) Publish(e audit.Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.filter.Matches(&e) {
			continue
		}
		select {
		case c.send <- e:
		default:
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
		}
	}
}

// Clients returns the number of connected clients.
func (h *AuditHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *AuditHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*streamClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
	metrics.AuditStreamClients.Set(0)
}

// ServeWS upgrades the request and streams entries matching the level, action and actor
// query parameters until the client disconnects.
func (h *AuditHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{Action: q.Get("action"), Actor: q.Get("actor")}
	if v := q.Get("level"); v != "" {
		l, err := audit.ParseLevel(v)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
			return
		}
		filter.Level = l
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &streamClient{
		conn:   conn,
		send:   make(chan audit.Entry, clientBuffer),
		filter: filter,
		done:   make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.logger.Info("Audit stream client connected", zap.String("remote", r.RemoteAddr))

	go c.readLoop()
	c.writeLoop()

	h.unregister(c)
	h.logger.Info("Audit stream client disconnected", zap.String("remote", r.RemoteAddr))
}

func (h *AuditHub) register(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.AuditStreamClients.Set(float64(len(h.clients)))
	return true
}

func (h *AuditHub) unregister(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	metrics.AuditStreamClients.Set(float64(len(h.clients)))
	h.mu.Unlock()
	c.close()
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readLoop only drains control frames; the stream is one-way.
func (c *streamClient) readLoop() {
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *streamClient) writeLoop() {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case e := <-c.send:
			c.mu.Lock()
			dropped := c.dropped
			c.dropped = 0
			c.mu.Unlock()
			if dropped > 0 {
				if c.write(&WSMessage{Type: MessageTypeDropped, Dropped: dropped, Timestamp: time.Now().UTC()}) != nil {
					return
				}
			}
			if c.write(&WSMessage{Type: MessageTypeEntry, Entry: &e, Timestamp: time.Now().UTC()}) != nil {
				return
			}
		case <-ticker.C:
			if c.write(&WSMessage{Type: MessageTypeHeartbeat, Timestamp: time.Now().UTC()}) != nil {
				return
			}
		}
	}
}

func (c *streamClient) write(msg *WSMessage) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}
