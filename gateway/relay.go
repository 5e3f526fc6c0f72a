package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsConnection is the relay's record of one client↔backend pipe.
type wsConnection struct {
	id          string
	backendName string
	client      *websocket.Conn
	backend     *websocket.Conn
	createdAt   time.Time

	mu           sync.Mutex
	connected    bool
	lastActivity time.Time
}

func (c *wsConnection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *wsConnection) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// RelayStats summarizes relay activity for the /stats admin endpoint.
type RelayStats struct {
	TotalEver uint64
	Active    int
	ByServer  map[string]int
}

// Relay accepts client WebSocket upgrades at /ws/<name>, opens a matching
// connection to the backend's loopback port, and pipes frames both ways
// with heartbeats. It is the "F" component of the gateway (spec §4.F).
type Relay struct {
	allocator *Allocator
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	maxConnections    int
	connectionTimeout time.Duration
	pingInterval      time.Duration

	mu          sync.Mutex
	connections map[string]*wsConnection
	counter     uint64
	totalEver   uint64

	stopHeartbeat chan struct{}
}

// NewRelay constructs a WebSocket Relay over allocator with spec-default
// tuning (maxConnections 1000, connectionTimeout 60s, pingInterval 30s).
func NewRelay(allocator *Allocator, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		allocator:         allocator,
		logger:            logger,
		maxConnections:    1000,
		connectionTimeout: 60 * time.Second,
		pingInterval:      30 * time.Second,
		connections:       make(map[string]*wsConnection),
		stopHeartbeat:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	go r.heartbeatLoop()
	return r
}

// HandleUpgrade accepts a client upgrade at r.URL.Path == "/ws/<name>[/...]",
// dials the backend's loopback port, and pipes frames bidirectionally until
// either side closes.
func (rl *Relay) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	name, ok := parseWsName(r.URL.Path)
	if !ok {
		rl.rejectUpgrade(w, r, websocket.CloseUnsupportedData, "invalid path")
		return
	}

	rl.mu.Lock()
	if len(rl.connections) >= rl.maxConnections {
		rl.mu.Unlock()
		rl.rejectUpgrade(w, r, websocket.ClosePolicyViolation, "connection limit reached")
		return
	}
	rl.counter++
	counter := rl.counter
	rl.mu.Unlock()

	port, ok := rl.allocator.PortForName(name)
	if !ok {
		rl.rejectUpgrade(w, r, websocket.CloseInternalServerErr, "no port allocated for backend")
		return
	}

	client, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.logger.Warn("relay: client upgrade failed", "backend", name, "error", err)
		return
	}

	dialer := &websocket.Dialer{HandshakeTimeout: rl.connectionTimeout}
	backendURL := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	backend, _, err := dialer.Dial(backendURL, nil)
	if err != nil {
		rl.logger.Warn("relay: backend dial failed", "backend", name, "url", backendURL, "error", err)
		client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "backend unreachable"),
			time.Now().Add(time.Second))
		client.Close()
		return
	}

	conn := &wsConnection{
		id:          fmt.Sprintf("ws-%d-%d-%s", counter, time.Now().UnixNano(), uuid.NewString()[:8]),
		backendName: name,
		client:      client,
		backend:     backend,
		createdAt:   time.Now(),
		connected:   true,
	}
	conn.touch()
	client.SetPongHandler(func(string) error {
		conn.touch()
		return nil
	})

	rl.mu.Lock()
	rl.connections[conn.id] = conn
	rl.totalEver++
	rl.mu.Unlock()

	RecordRelayOpen(name)
	rl.logger.Info("relay: connection opened", "id", conn.id, "backend", name)

	done := make(chan struct{}, 2)
	go rl.pipe(conn, client, backend, done)
	go rl.pipe(conn, backend, client, done)
	<-done
	<-done

	rl.closeConnection(conn, websocket.CloseNormalClosure, "")
}

// pipe copies frames from src to dst, preserving binary/text framing, until
// src closes or errors. Each frame read from src bumps lastActivity.
func (rl *Relay) pipe(conn *wsConnection, src, dst *websocket.Conn, done chan struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		conn.touch()
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

// closeConnection closes both sockets with the given code/reason and
// removes the record. Safe to call more than once.
func (rl *Relay) closeConnection(conn *wsConnection, code int, reason string) {
	conn.mu.Lock()
	if !conn.connected {
		conn.mu.Unlock()
		return
	}
	conn.connected = false
	conn.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	conn.client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.backend.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.client.Close()
	conn.backend.Close()

	rl.mu.Lock()
	delete(rl.connections, conn.id)
	rl.mu.Unlock()

	RecordRelayClose()
	rl.logger.Info("relay: connection closed", "id", conn.id, "backend", conn.backendName, "code", code)
}

// heartbeatLoop walks active connections every pingInterval, closing any
// that have exceeded connectionTimeout since their last activity and
// pinging the rest.
func (rl *Relay) heartbeatLoop() {
	ticker := time.NewTicker(rl.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopHeartbeat:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *Relay) sweep() {
	rl.mu.Lock()
	snapshot := make([]*wsConnection, 0, len(rl.connections))
	for _, c := range rl.connections {
		snapshot = append(snapshot, c)
	}
	rl.mu.Unlock()

	for _, conn := range snapshot {
		if conn.idleFor() > rl.connectionTimeout {
			rl.closeConnection(conn, websocket.CloseGoingAway, "connection timeout")
			continue
		}
		conn.client.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	}
}

// rejectUpgrade answers an upgrade attempt that can never succeed by
// upgrading just far enough to send a close frame with the given code, per
// spec §4.F. If the connection can't even be upgraded, falls back to a
// plain HTTP error.
func (rl *Relay) rejectUpgrade(w http.ResponseWriter, r *http.Request, code int, reason string) {
	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, reason, http.StatusBadRequest)
		return
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	conn.Close()
}

// parseWsName extracts <name> from a path of the form "/ws/<name>[/...]".
func parseWsName(p string) (string, bool) {
	trimmed := strings.TrimPrefix(p, "/ws/")
	if trimmed == p || trimmed == "" {
		return "", false
	}
	if idx := strings.IndexByte(trimmed, '/'); idx != -1 {
		trimmed = trimmed[:idx]
	}
	return trimmed, true
}

// Connections returns a snapshot of active connection IDs.
func (rl *Relay) Connections() []string {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	out := make([]string, 0, len(rl.connections))
	for id := range rl.connections {
		out = append(out, id)
	}
	return out
}

// ConnectionsByServer returns active connection IDs for a given backend.
func (rl *Relay) ConnectionsByServer(name string) []string {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	var out []string
	for id, c := range rl.connections {
		if c.backendName == name {
			out = append(out, id)
		}
	}
	return out
}

// ConnectionCount returns the number of active connections.
func (rl *Relay) ConnectionCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.connections)
}

// Stats returns a snapshot of relay-wide activity.
func (rl *Relay) Stats() RelayStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	byServer := make(map[string]int)
	for _, c := range rl.connections {
		byServer[c.backendName]++
	}
	return RelayStats{
		TotalEver: rl.totalEver,
		Active:    len(rl.connections),
		ByServer:  byServer,
	}
}

// Shutdown cancels the heartbeat and closes every active connection. It may
// be called only once per Relay: a second call panics closing stopHeartbeat.
func (rl *Relay) Shutdown() {
	close(rl.stopHeartbeat)
	rl.mu.Lock()
	snapshot := make([]*wsConnection, 0, len(rl.connections))
	for _, c := range rl.connections {
		snapshot = append(snapshot, c)
	}
	rl.mu.Unlock()
	for _, c := range snapshot {
		rl.closeConnection(c, websocket.CloseGoingAway, "server shutdown")
	}
}
