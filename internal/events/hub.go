// Package events broadcasts auction and allocation lifecycle events to
// WebSocket subscribers.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fundbridge/allocation-engine/internal/metrics"
)

// Event types broadcast to clients.
const (
	TypeBidPlaced            = "bid_placed"
	TypeBidWithdrawn         = "bid_withdrawn"
	TypeAuctionStarted       = "auction_started"
	TypeAuctionClosed        = "auction_closed"
	TypeAuctionCancelled     = "auction_cancelled"
	TypeAuctionExtended      = "auction_extended"
	TypeGuaranteesAllocated  = "guarantees_allocated"
	TypeAllocationTransition = "allocation_transition"
)

// Message is a JSON event sent to WebSocket clients. Monetary fields are
// decimal strings.
type Message struct {
	Type         string `json:"type"`
	AuctionID    string `json:"auction_id,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	BidID        string `json:"bid_id,omitempty"`
	AllocationID string `json:"allocation_id,omitempty"`
	EntityID     string `json:"entity_id,omitempty"`
	Price        string `json:"price,omitempty"`
	ClearedPrice string `json:"cleared_price,omitempty"`
	Coverage     string `json:"coverage,omitempty"`
	Status       string `json:"status,omitempty"`
	At           string `json:"at,omitempty"`
}

// Hub manages WebSocket connections and broadcasts lifecycle events to all
// connected clients. A nil *Hub is valid and drops all broadcasts, so the
// engines never need to check whether eventing is enabled.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			// Write lock: dead clients are removed from the map mid-loop,
			// which must not race the ping ticker's membership reads.
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
		}
	}
}

// Broadcast sends a message to all connected clients. Safe on a nil hub.
func (h *Hub) Broadcast(msg Message) {
	if h == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking auction operations.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
