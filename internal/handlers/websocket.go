package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-call/internal/middleware"
	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBuffer     = 256
	presenceWait   = 2 * time.Second
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// PresenceStore records which users hold a relay connection per conversation
type PresenceStore interface {
	Join(ctx context.Context, conversationID, userID string) error
	Leave(ctx context.Context, conversationID, userID string) error
	Members(ctx context.Context, conversationID string) ([]string, error)
}

// Hub relays signaling frames between the clients of each conversation
type Hub struct {
	presence PresenceStore

	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewHub(presence PresenceStore) *Hub {
	return &Hub{
		presence: presence,
		rooms:    make(map[string]*Room),
	}
}

// Room holds the clients connected to one conversation
type Room struct {
	ID    string
	Peers map[string]*Client
	mu    sync.RWMutex
}

// Client represents a WebSocket client connection
type Client struct {
	ID             string
	UserID         string
	ConversationID string
	Conn           *websocket.Conn
	Send           chan []byte
	log            zerolog.Logger
}

// HandleSignaling upgrades an authenticated request to the signaling
// websocket of the conversation in the path
func (h *Hub) HandleSignaling(c *gin.Context) {
	conversationID := c.Param("conversationId")
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId is required"})
		return
	}
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to upgrade connection")
		return
	}

	client := &Client{
		ID:             uuid.New().String(),
		UserID:         userID,
		ConversationID: conversationID,
		Conn:           conn,
		Send:           make(chan []byte, sendBuffer),
	}
	client.log = log.With().
		Str("client_id", client.ID).
		Str("user_id", userID).
		Str("conversation_id", conversationID).
		Logger()

	// Presence is written before the client is visible in the room, so
	// anyone who sees it connected also finds it in the presence set.
	h.join(client)
	room := h.getOrCreateRoom(conversationID)
	room.addClient(client)
	client.log.Info().Int("peers", room.size()).Msg("Client joined conversation")

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump(h, room)
}

// Peers returns the user ids connected to conversationID on this relay
func (h *Hub) Peers(conversationID string) []string {
	h.mu.RLock()
	room, ok := h.rooms[conversationID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	seen := make(map[string]bool, len(room.Peers))
	var out []string
	for _, client := range room.Peers {
		if !seen[client.UserID] {
			seen[client.UserID] = true
			out = append(out, client.UserID)
		}
	}
	return out
}

func (h *Hub) getOrCreateRoom(conversationID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.rooms[conversationID]
	if !exists {
		room = &Room{
			ID:    conversationID,
			Peers: make(map[string]*Client),
		}
		h.rooms[conversationID] = room
		log.Debug().Str("conversation_id", conversationID).Msg("Created signaling room")
	}
	return room
}

// leave removes client from room and drops the room once empty
func (h *Hub) leave(room *Room, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room.mu.Lock()
	delete(room.Peers, client.ID)
	empty := len(room.Peers) == 0
	room.mu.Unlock()

	if empty && h.rooms[room.ID] == room {
		delete(h.rooms, room.ID)
		log.Debug().Str("conversation_id", room.ID).Msg("Removed empty signaling room")
	}
}

func (h *Hub) join(client *Client) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceWait)
	defer cancel()
	if err := h.presence.Join(ctx, client.ConversationID, client.UserID); err != nil {
		client.log.Warn().Err(err).Msg("Failed to record presence")
	}
}

// dropPresence removes the user from the presence set unless another of its
// connections is still in the room
func (h *Hub) dropPresence(room *Room, client *Client) {
	if h.presence == nil {
		return
	}
	room.mu.RLock()
	for _, other := range room.Peers {
		if other.UserID == client.UserID {
			room.mu.RUnlock()
			return
		}
	}
	room.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), presenceWait)
	defer cancel()
	if err := h.presence.Leave(ctx, client.ConversationID, client.UserID); err != nil {
		client.log.Warn().Err(err).Msg("Failed to clear presence")
	}
}

func (r *Room) addClient(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Peers[client.ID] = client
}

func (r *Room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Peers)
}

// broadcast queues data for every client but the sender. Slow clients lose
// frames instead of stalling the room.
func (r *Room) broadcast(data []byte, excludeClientID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for clientID, client := range r.Peers {
		if clientID == excludeClientID {
			continue
		}
		select {
		case client.Send <- data:
		default:
			client.log.Warn().Msg("Failed to send message to client, buffer full")
		}
	}
}

func (c *Client) readPump(h *Hub, room *Room) {
	defer func() {
		h.leave(room, c)
		h.dropPresence(room, c)
		close(c.Send)
		c.log.Info().Msg("Client left conversation")
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}

		msg, err := models.Decode(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("Dropping undecodable frame")
			continue
		}
		// Senders can only speak for themselves
		if sender := msg.Addressing().SenderID; sender != c.UserID {
			c.log.Warn().Str("sender_id", sender).Str("event", string(msg.Kind())).Msg("Dropping frame with spoofed sender")
			continue
		}
		room.broadcast(data, c.ID)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn().Err(err).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
