// Package main provides the WebSocket push channel for the capture UI.
package main

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/logging"
	syncpkg "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/connectivity"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/queue"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/uuid"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts same-machine pages and clients that send no Origin.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id            string
	conn          *websocket.Conn
	send          chan []byte
	hub           *WSHub
	mu            sync.Mutex
	subscriptions map[string]bool
}

// WSHub maintains active client connections and broadcasts messages.
// Broadcast never blocks: a client that cannot keep up is dropped.
type WSHub struct {
	mu      sync.RWMutex
	clients map[string]*WSClient
	closed  bool
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// =====================================================
// WebSocket Event Types
// =====================================================

const (
	EventQueueCounts  = "queue.counts"
	EventConnectivity = "connectivity.changed"

	EventSyncStarted    = "sync.started"
	EventSyncCompleted  = "sync.completed"
	EventSyncFailed     = "sync.failed"
	EventSubmission     = "submission.state"
	EventConflict       = "submission.conflict"
	EventSubmissionGone = "submission.removed"
)

var syncEventTypes = map[syncpkg.SyncEventType]string{
	syncpkg.SyncEventStarted:   EventSyncStarted,
	syncpkg.SyncEventCompleted: EventSyncCompleted,
	syncpkg.SyncEventFailed:    EventSyncFailed,
	syncpkg.SyncEventState:     EventSubmission,
	syncpkg.SyncEventConflict:  EventConflict,
	syncpkg.SyncEventRemoved:   EventSubmissionGone,
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{clients: make(map[string]*WSClient)}
}

func (h *WSHub) register(c *WSClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	logging.Debug("WebSocket client connected", map[string]interface{}{
		"client_id": c.id,
		"total":     len(h.clients),
	})
	return true
}

func (h *WSHub) unregister(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
		logging.Debug("WebSocket client disconnected", map[string]interface{}{
			"client_id": c.id,
			"total":     len(h.clients),
		})
	}
}

// Broadcast sends a message to all subscribed clients.
func (h *WSHub) Broadcast(messageType string, data interface{}) {
	bytes, err := json.Marshal(WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		logging.Warn("Failed to marshal WebSocket message", map[string]interface{}{"error": err.Error()})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		if !client.subscribed(messageType) {
			continue
		}
		select {
		case client.send <- bytes:
		default:
			// Client send buffer is full, close connection
			delete(h.clients, id)
			close(client.send)
			logging.Warn("WebSocket client too slow, dropped", map[string]interface{}{"client_id": id})
		}
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *WSHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.send)
	}
}

// OnSyncEvent forwards engine events. It implements sync.SyncEventHandler.
func (h *WSHub) OnSyncEvent(event syncpkg.SyncEvent) {
	if t, ok := syncEventTypes[event.Type]; ok {
		h.Broadcast(t, event)
	}
}

// ForwardCounts pushes queue counts until the subscription ends.
func (h *WSHub) ForwardCounts(counts <-chan queue.Counts) {
	for c := range counts {
		h.Broadcast(EventQueueCounts, c)
	}
}

// OnConnectivity pushes a settled online/offline transition.
func (h *WSHub) OnConnectivity(ev connectivity.Event) {
	h.Broadcast(EventConnectivity, ev)
}

// subscribed reports whether the client wants messageType. A client that
// never subscribed receives everything.
func (c *WSClient) subscribed(messageType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[messageType]
}

// readPump pumps messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Debug("Invalid WebSocket message", map[string]interface{}{"error": err.Error()})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a direct answer to this client.
func (c *WSClient) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().UnixMilli()
	if bytes, err := json.Marshal(body); err == nil {
		c.push(bytes)
	}
}

// push queues bytes unless the client is gone or its buffer is full.
func (c *WSClient) push(bytes []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}

// HandleWebSocket handles WebSocket connections. snapshot supplies the
// first message so a new client does not wait for the next change.
func HandleWebSocket(hub *WSHub, snapshot func() (string, interface{})) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Debug("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, sendBuffer),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}
		if !hub.register(client) {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			conn.Close()
			return
		}

		if snapshot != nil {
			if t, data := snapshot(); t != "" {
				if bytes, err := json.Marshal(WSEnvelope{Type: t, Data: data, Timestamp: time.Now().UnixMilli()}); err == nil {
					client.push(bytes)
				}
			}
		}

		go client.writePump()
		go client.readPump()
	}
}
