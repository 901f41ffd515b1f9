// Package trade — WebSocket hub for real-time trade broadcasting.
package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/bet-engine/internal/metrics"
	"github.com/atmx/bet-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type       string   `json:"type"`
	ContractID string   `json:"contract_id"`
	AnswerID   string   `json:"answer_id,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	BetIDs     []string `json:"bet_ids,omitempty"`
	NewProb    string   `json:"new_prob,omitempty"`
}

// wsClient is one connection plus its optional contract filter. A client
// that connected with ?contract_id= only receives that market's trades.
type wsClient struct {
	conn     *websocket.Conn
	contract string // "" means all markets
	send     chan []byte
}

// WSHub manages WebSocket connections and fans committed trades out to
// subscribed clients. Each client has its own buffered send queue so one
// slow reader cannot stall the hub loop.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan wsEnvelope
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
}

type wsEnvelope struct {
	contractID string
	data       []byte
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan wsEnvelope, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
			slog.Info("ws client connected", "contract", c.contract, "total", len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				c.conn.Close()
			}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.contract != "" && c.contract != env.contractID {
					continue
				}
				select {
				case c.send <- env.data:
				default:
					// Client queue full: drop the event for this client.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues a message for all clients subscribed to its contract.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsEnvelope{contractID: msg.ContractID, data: data}:
	default:
		// Drop if buffer full to avoid blocking trade execution.
	}
}

// Name implements engine.EventSink.
func (h *WSHub) Name() string { return "ws_broadcast" }

// Publish implements engine.EventSink: committed trades fan out to the
// contract's subscribers.
func (h *WSHub) Publish(_ context.Context, ev model.TradeEvent) error {
	h.Broadcast(WSMessage{
		Type:       "trade_committed",
		ContractID: ev.ContractID,
		AnswerID:   ev.AnswerID,
		UserID:     ev.UserID,
		BetIDs:     ev.BetIDs,
		NewProb:    ev.NewProb.String(),
	})
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. An
// optional contract_id query parameter narrows the subscription to one
// market.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{
		conn:     conn,
		contract: r.URL.Query().Get("contract_id"),
		send:     make(chan []byte, 32),
	}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnects. Inbound
// frames are ignored; the feed is one-way.
func (h *WSHub) readPump(c *wsClient) {
	defer func() { h.unregister <- c }()
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the client queue and pings through proxies.
func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
