// Package bus streams trade lifecycle events, chat messages, and
// notifications to connected parties over WebSocket.
//
// Delivery is ordered per hub and at-least-once: the single run loop fans
// events out in publish order, and consumers resync from the trade state
// endpoint when they suspect a gap. Duplicates are possible after a
// reconnect; every frame carries a sequence number so observers can drop
// what they have already seen.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tradehub-ng/tradehub/internal/metrics"
)

// Kind classifies a frame on the wire.
type Kind string

const (
	KindTradeEvent   Kind = "trade_event"  // escrow transitions, party-scoped
	KindMessage      Kind = "message"      // trade chat, party-scoped
	KindNotification Kind = "notification" // user-scoped
)

// Event is a single frame delivered to subscribers.
type Event struct {
	Seq       int64       `json:"seq"`
	Kind      Kind        `json:"kind"`
	TradeID   string      `json:"tradeId,omitempty"`
	UserID    string      `json:"userId,omitempty"` // notification target
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// PartyChecker verifies trade membership before a subscription is granted.
// Implemented by the trade service.
type PartyChecker interface {
	IsParty(ctx context.Context, tradeID, userID string) (bool, error)
}

// subscribeMsg is what clients send to manage their trade subscriptions.
type subscribeMsg struct {
	Action  string `json:"action"` // "subscribe" | "unsubscribe"
	TradeID string `json:"tradeId"`
}

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Client represents one authenticated WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string

	mu     sync.RWMutex
	trades map[string]bool // granted trade subscriptions
}

func (c *Client) subscribed(tradeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trades[tradeID]
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections.
type Hub struct {
	parties    PartyChecker
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	seq         atomic.Int64
	totalEvents atomic.Int64
}

// NewHub creates a new WebSocket hub.
func NewHub(parties PartyChecker, logger *slog.Logger) *Hub {
	return &Hub{
		parties:    parties,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "userId", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "userId", client.userID, "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload := h.serialize(event)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, event) {
					select {
					case client.send <- payload:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend enforces scoping: trade frames go only to subscribed parties,
// notifications only to their target user.
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	switch event.Kind {
	case KindNotification:
		return event.UserID != "" && event.UserID == client.userID
	case KindTradeEvent, KindMessage:
		return client.subscribed(event.TradeID)
	}
	return false
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Publish queues an event for fan-out. The sequence number is assigned
// here, in publish order.
func (h *Hub) Publish(kind Kind, tradeID, userID string, data interface{}) {
	event := &Event{
		Seq:       h.seq.Add(1),
		Kind:      kind,
		TradeID:   tradeID,
		UserID:    userID,
		Timestamp: time.Now(),
		Data:      data,
	}
	select {
	case h.broadcast <- event:
		metrics.EventsPublishedTotal.WithLabelValues(string(kind)).Inc()
	default:
		h.logger.Warn("broadcast channel full, dropping event", "kind", kind, "tradeId", tradeID)
	}
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"lastSeq":          h.seq.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket. userID must already be
// authenticated by the caller; anonymous connections are rejected.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	if userID == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
		trades: make(map[string]bool),
	}

	h.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates from the WebSocket.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var msg subscribeMsg
		if err := json.Unmarshal(message, &msg); err != nil || msg.TradeID == "" {
			continue
		}

		switch msg.Action {
		case "subscribe":
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := c.hub.parties.IsParty(ctx, msg.TradeID, c.userID)
			cancel()
			if err != nil || !ok {
				c.hub.logger.Info("subscription refused",
					"userId", c.userID, "tradeId", msg.TradeID, "error", err)
				continue
			}
			c.mu.Lock()
			c.trades[msg.TradeID] = true
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			delete(c.trades, msg.TradeID)
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to the WebSocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
