// Package server exposes a Session's modules over HTTP and streams its events to
// WebSocket clients.
package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zot/hotplug/internal/config"
	"github.com/zot/hotplug/internal/plugin"
)

// outboxSize is how many messages a client may fall behind before it is dropped.
const outboxSize = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// Message is what clients receive. The first message on a connection is a snapshot
// of the loaded modules; every later one is an event.
type Message struct {
	Type    string              `json:"type"` // "snapshot" or "event"
	Kind    string              `json:"kind,omitempty"`
	Name    string              `json:"name,omitempty"`
	Module  *plugin.ModuleInfo  `json:"module,omitempty"`
	Modules []plugin.ModuleInfo `json:"modules,omitempty"`
	Error   string              `json:"error,omitempty"`
	Time    time.Time           `json:"time"`
}

// EventMessage converts a Session event to a Message.
func EventMessage(event plugin.Event) *Message {
	msg := &Message{
		Type:   "event",
		Kind:   event.Kind.String(),
		Name:   event.Name,
		Module: event.Module,
		Time:   time.Now(),
	}
	if event.Err != nil {
		msg.Error = event.Err.Error()
	}
	return msg
}

type client struct {
	id   string
	conn *websocket.Conn
	out  ChanSvc // serializes writes to conn
}

// WebSocketEndpoint broadcasts Session events to WebSocket clients. It is a
// plugin.Observer; pass it to Attach.
type WebSocketEndpoint struct {
	config   *config.Config
	snapshot func() []plugin.ModuleInfo
	clients  map[string]*client // connectionID -> client
	mu       sync.RWMutex
}

// NewWebSocketEndpoint creates a new WebSocket endpoint.
func NewWebSocketEndpoint(cfg *config.Config) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		config:  cfg,
		clients: make(map[string]*client),
	}
}

// Log logs a message via the config.
func (ws *WebSocketEndpoint) Log(level int, format string, args ...interface{}) {
	ws.config.Log(level, format, args...)
}

// SetSnapshot sets the provider for the module list sent to new connections.
func (ws *WebSocketEndpoint) SetSnapshot(snapshot func() []plugin.ModuleInfo) {
	ws.mu.Lock()
	ws.snapshot = snapshot
	ws.mu.Unlock()
}

// Notify implements plugin.Observer. It never blocks on a client.
func (ws *WebSocketEndpoint) Notify(event plugin.Event) {
	if err := ws.Broadcast(EventMessage(event)); err != nil {
		ws.Log(0, "WebSocket: encoding %s event for %s: %v", event.Kind, event.Name, err)
	}
}

// HandleWebSocket handles incoming WebSocket connections.
func (ws *WebSocketEndpoint) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.Log(0, "WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		out:  NewSvc(outboxSize),
	}
	RunSvc(c.out)

	// The snapshot is queued under the lock so it precedes every event for c
	ws.mu.Lock()
	ws.clients[c.id] = c
	msg := &Message{Type: "snapshot", Modules: []plugin.ModuleInfo{}, Time: time.Now()}
	if ws.snapshot != nil {
		msg.Modules = ws.snapshot()
	}
	if data, err := json.Marshal(msg); err == nil {
		TrySvc(c.out, func() { ws.write(c, data) })
	} else {
		ws.Log(0, "WebSocket: encoding snapshot: %v", err)
	}
	ws.mu.Unlock()
	ws.Log(1, "WebSocket connected: conn=%s", c.id)

	go ws.readPump(c)
}

// readPump discards client messages and notices when the connection closes.
func (ws *WebSocketEndpoint) readPump(c *client) {
	defer ws.onDisconnect(c.id)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				ws.Log(0, "WebSocket error: %v", err)
			}
			return
		}
	}
}

func (ws *WebSocketEndpoint) write(c *client, data []byte) {
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.Log(1, "WebSocket write to %s failed: %v", c.id, err)
		c.conn.Close()
	}
}

// onDisconnect handles connection close.
func (ws *WebSocketEndpoint) onDisconnect(connectionID string) {
	ws.mu.Lock()
	c, ok := ws.clients[connectionID]
	if ok {
		delete(ws.clients, connectionID)
		close(c.out)
	}
	ws.mu.Unlock()

	if ok {
		c.conn.Close()
		ws.Log(1, "WebSocket disconnected: conn=%s", connectionID)
	}
}

// Broadcast queues msg for every client. Clients whose queue is full are
// disconnected.
func (ws *WebSocketEndpoint) Broadcast(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if ws.config.Verbosity() >= 4 {
		ws.Log(4, "[OUT] %s", string(data))
	} else {
		ws.Log(2, "[OUT] %s %s %s", msg.Type, msg.Kind, msg.Name)
	}

	var slow []*client
	ws.mu.RLock()
	for _, c := range ws.clients {
		if !TrySvc(c.out, func() { ws.write(c, data) }) {
			slow = append(slow, c)
		}
	}
	ws.mu.RUnlock()

	for _, c := range slow {
		ws.Log(0, "WebSocket: dropping slow client %s", c.id)
		c.conn.Close()
	}
	return nil
}

// ConnectionCount returns the number of connected clients.
func (ws *WebSocketEndpoint) ConnectionCount() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.clients)
}

// Close disconnects every client.
func (ws *WebSocketEndpoint) Close() {
	ws.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(ws.clients))
	for _, c := range ws.clients {
		conns = append(conns, c.conn)
	}
	ws.mu.RUnlock()

	for _, conn := range conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
}
