package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"scuffedchat/core"
	"scuffedchat/middleware"
	"scuffedchat/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the API token already gates the socket
	},
}

// Client is one UI socket
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	last *[]byte // newest snapshot queued, owned by Hub.Run
}

type directPayload struct {
	client  *Client
	message []byte
}

// Hub fans session snapshots out to every connected UI socket
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	direct     chan directPayload
	changed    chan struct{}
	count      chan chan int
	latest     atomic.Pointer[[]byte]
	done       chan struct{}
	logger     zerolog.Logger
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		direct:     make(chan directPayload, 16),
		changed:    make(chan struct{}, 1),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// Run serves the hub until ctx is done and then drops every client
func (hub *Hub) Run(ctx context.Context) {
	defer func() {
		for client := range hub.clients {
			delete(hub.clients, client)
			close(client.send)
		}
		close(hub.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-hub.register:
			hub.clients[client] = struct{}{}
			hub.logger.Debug().Int("clients", len(hub.clients)).Msg("Client connected")
			if data := hub.latest.Load(); data != nil {
				hub.push(client, data)
			}

		case client := <-hub.unregister:
			if _, ok := hub.clients[client]; ok {
				delete(hub.clients, client)
				close(client.send)
			}
			hub.logger.Debug().Int("clients", len(hub.clients)).Msg("Client disconnected")

		case payload := <-hub.direct:
			if _, ok := hub.clients[payload.client]; ok {
				hub.deliver(payload.client, payload.message)
			}

		case reply := <-hub.count:
			reply <- len(hub.clients)

		case <-hub.changed:
			data := hub.latest.Load()
			if data == nil {
				continue
			}
			for client := range hub.clients {
				hub.push(client, data)
			}
		}
	}
}

func (hub *Hub) push(client *Client, data *[]byte) {
	if client.last == data {
		return
	}
	client.last = data
	hub.deliver(client, *data)
}

// deliver drops a client whose buffer is full
func (hub *Hub) deliver(client *Client, message []byte) {
	select {
	case client.send <- message:
	default:
		close(client.send)
		delete(hub.clients, client)
		hub.logger.Warn().Msg("Dropping slow client")
	}
}

// Broadcast publishes snap to every client. It never blocks; when several
// snapshots arrive before the hub wakes up only the newest is sent.
func (hub *Hub) Broadcast(snap *core.Snapshot) {
	data, err := json.Marshal(models.WebSocketMessage{Type: "snapshot", Payload: snap})
	if err != nil {
		hub.logger.Error().Err(err).Msg("Error marshaling snapshot")
		return
	}
	hub.latest.Store(&data)
	select {
	case hub.changed <- struct{}{}:
	default:
	}
}

// Clients counts connected sockets
func (hub *Hub) Clients() int {
	reply := make(chan int, 1)
	select {
	case hub.count <- reply:
		return <-reply
	case <-hub.done:
		return 0
	}
}

func (hub *Hub) reply(client *Client, msg models.WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		hub.logger.Error().Err(err).Msg("Error marshaling reply")
		return
	}
	select {
	case hub.direct <- directPayload{client: client, message: data}:
	case <-hub.done:
	}
}

// HandleWebSocket upgrades the request and serves the socket until it closes
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if middleware.GetUserFromContext(r) == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}

	client := &Client{
		hub:  h.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	h.readPump(r.Context(), client)
}

type clientCommand struct {
	PeerID string `json:"peer_id"`
}

// readPump handles commands from the UI. It runs on the request goroutine.
func (h *Handler) readPump(ctx context.Context, c *Client) {
	defer func() {
		select {
		case h.hub.unregister <- c:
		case <-h.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}

		var envelope struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(message, &envelope); err != nil {
			continue
		}
		var cmd clientCommand
		if len(envelope.Payload) > 0 {
			if err := json.Unmarshal(envelope.Payload, &cmd); err != nil {
				continue
			}
		}

		switch envelope.Type {
		case "open":
			_, err = h.svc.OpenConversation(ctx, cmd.PeerID)
		case "close":
			err = h.svc.CloseConversation(ctx, cmd.PeerID)
		default:
			continue
		}
		if err != nil {
			h.hub.reply(c, models.WebSocketMessage{
				Type:    "error",
				Payload: map[string]string{"command": envelope.Type, "error": err.Error()},
			})
		}
	}
}

func (c *Client) writePump() {
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
