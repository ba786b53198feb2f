package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/moonvale/server/internal/bus"
	"github.com/moonvale/server/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
)

// Hub relays bus traffic to websocket connections. It subscribes to
// every room topic; player topics are fanned out only to the socket
// authenticated as that player.
type Hub struct {
	clients    map[*Client]bool
	rooms      map[uuid.UUID]map[*Client]bool
	deliver    chan delivery
	register   chan *Client
	unregister chan *Client
	bus        bus.Bus
	mu         sync.RWMutex
}

type delivery struct {
	roomID   uuid.UUID
	playerID *uuid.UUID
	payload  []byte
}

func NewHub(b bus.Bus) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[uuid.UUID]map[*Client]bool),
		deliver:    make(chan delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		bus:        b,
	}
}

// Run subscribes to the bus and pumps deliveries until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	unsubscribe, err := h.bus.Subscribe(ctx, "room.*", h.route)
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("hub shutting down")
			h.closeAll()
			return nil
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case d := <-h.deliver:
			h.dispatch(d)
		}
	}
}

// route parses a bus topic into a delivery. Topics are either
// room.<id> or room.<id>.player.<id>.
func (h *Hub) route(topic string, payload []byte) {
	parts := strings.Split(topic, ".")
	if len(parts) != 2 && len(parts) != 4 {
		return
	}
	roomID, err := uuid.Parse(parts[1])
	if err != nil {
		return
	}
	d := delivery{roomID: roomID, payload: payload}
	if len(parts) == 4 {
		if parts[2] != "player" {
			return
		}
		playerID, err := uuid.Parse(parts[3])
		if err != nil {
			return
		}
		d.playerID = &playerID
	}
	select {
	case h.deliver <- d:
	default:
		log.Warn().Str("topic", topic).Msg("hub delivery queue full, dropping")
	}
}

func (h *Hub) dispatch(d delivery) {
	var slow []*Client

	h.mu.RLock()
	for client := range h.rooms[d.roomID] {
		if d.playerID != nil && client.PlayerID != *d.playerID {
			continue
		}
		if !client.enqueue(d.payload) {
			// Slow consumer; it will reconnect and re-snapshot.
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		client.closeSend()
		delete(h.clients, client)
		h.removeFromRoom(client)
	}
	h.mu.Unlock()
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.closeSend()
	h.removeFromRoom(client)
	log.Debug().Str("userId", client.UserID.String()).Msg("socket disconnected")
}

func (h *Hub) removeFromRoom(client *Client) {
	if client.RoomID == uuid.Nil {
		return
	}
	if clients, ok := h.rooms[client.RoomID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, client.RoomID)
		}
	}
}

// JoinRoom binds a connected socket to a room and player identity so
// the dispatcher can address it.
func (h *Hub) JoinRoom(client *Client, roomID, playerID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoom(client)
	client.RoomID = roomID
	client.PlayerID = playerID
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][client] = true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.closeSend()
	}
	h.clients = make(map[*Client]bool)
	h.rooms = make(map[uuid.UUID]map[*Client]bool)
}

// ---------------------------------------------------------------------------
// Client

// MessageHandler processes one client event; the API layer wires the
// game semantics in here.
type MessageHandler func(c *Client, msg models.WSMessage)

// DisconnectHandler runs when the socket's read pump exits.
type DisconnectHandler func(c *Client)

type Client struct {
	hub          *Hub
	conn         *websocket.Conn
	send         chan []byte
	sendMu       sync.Mutex
	closed       bool
	UserID       uuid.UUID
	Username     string
	RoomID       uuid.UUID
	PlayerID     uuid.UUID
	onMessage    MessageHandler
	onDisconnect DisconnectHandler
}

func NewClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID, username string,
	onMessage MessageHandler, onDisconnect DisconnectHandler) *Client {
	return &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, 256),
		UserID:       userID,
		Username:     username,
		onMessage:    onMessage,
		onDisconnect: onDisconnect,
	}
}

func (c *Client) Register() {
	c.hub.register <- c
}

// enqueue queues a payload unless the socket is full or already
// closed. Closing and sending share sendMu so a send can never hit a
// just-closed channel.
func (c *Client) enqueue(payload []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Send queues a message for this socket only, bypassing the bus; used
// for direct replies like snapshots and errors.
func (c *Client) Send(event string, data map[string]any) {
	payload, err := json.Marshal(models.NewWSMessage(event, data))
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("marshal direct message")
		return
	}
	c.enqueue(payload)
}

// SendError maps an error onto the wire for the submitter only.
func (c *Client) SendError(err error) {
	c.Send(models.EventError, map[string]any{"message": err.Error()})
}

// ReadPump pumps messages from the socket into the message handler.
func (c *Client) ReadPump() {
	defer func() {
		if c.onDisconnect != nil {
			c.onDisconnect(c)
		}
		c.hub.unregister <- c
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
				log.Debug().Err(err).Msg("websocket read")
			}
			break
		}

		var msg models.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.Send(models.EventError, map[string]any{"message": "malformed message"})
			continue
		}

		if msg.Type == "ping" {
			c.Send("pong", nil)
			continue
		}

		if c.onMessage != nil {
			c.onMessage(c, msg)
		}
	}
}

// WritePump pumps queued messages out and keeps the connection alive.
func (c *Client) WritePump() {
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
