package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/classmesh/backend/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// TokenValidator validates a signaling token and returns the caller's
// identity and the session the token was minted for.
type TokenValidator func(token string) (userID uuid.UUID, displayName, role string, sessionID uuid.UUID, err error)

// Client represents a single WebSocket connection to the relay.
type Client struct {
	ConnectionID string
	UserID       uuid.UUID
	DisplayName  string
	Role         string
	SessionID    uuid.UUID
	JoinedAt     time.Time
	hub          *Hub
	conn         *websocket.Conn
	send         chan Message
	logger       *zap.Logger

	mu   sync.Mutex
	room *room
}

func (c *Client) member() Member {
	return Member{
		ConnectionID: c.ConnectionID,
		UserID:       c.UserID.String(),
		DisplayName:  c.DisplayName,
		Role:         c.Role,
		JoinedAt:     c.JoinedAt,
	}
}

// sendEvent queues a message on the client's FIFO send channel. Drops the
// message instead of blocking when the buffer is full.
func (c *Client) sendEvent(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case c.send <- Message{Event: event, Data: data}:
	default:
	}
}

func (c *Client) currentRoom() *room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) setRoom(r *room) {
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
}

// leaveRoom detaches the client from its room, if it has one. Safe to call
// more than once.
func (c *Client) leaveRoom() {
	c.mu.Lock()
	r := c.room
	c.room = nil
	c.mu.Unlock()
	if r != nil {
		r.leave(c)
	}
}

// ServeWs handles the WebSocket upgrade and runs the client loop. The token
// is the short-lived signaling token minted by the REST join endpoint.
func ServeWs(hub *Hub, logger *zap.Logger, validate TokenValidator) gin.HandlerFunc {
	return func(gc *gin.Context) {
		token := gc.Query("token")
		if token == "" {
			gc.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		userID, displayName, role, sessionID, err := validate(token)
		if err != nil {
			gc.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(gc.Writer, gc.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ConnectionID: uuid.New().String(),
			UserID:       userID,
			DisplayName:  displayName,
			Role:         role,
			SessionID:    sessionID,
			JoinedAt:     time.Now(),
			hub:          hub,
			conn:         conn,
			send:         make(chan Message, 256),
			logger:       logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case EventJoinRoom:
			c.handleJoin(msg.Data)
		case EventLeaveRoom:
			c.leaveRoom()
		case EventOffer, EventAnswer, EventICECandidate, EventStreamInfo:
			if r := c.currentRoom(); r != nil {
				r.relay(c, msg.Event, msg.Data)
			}
		case EventChatMessage:
			if r := c.currentRoom(); r != nil {
				r.chat(c, msg.Data)
			}
		case EventModerateMuteAll, EventModerateAllowUnmute, EventModerateMuteOne:
			c.handleModerate(msg.Event, msg.Data)
		default:
			// ignore
		}
	}
}

// handleJoin admits the caller to the room for its session. The session must
// match the token scope and must currently be live.
func (c *Client) handleJoin(data json.RawMessage) {
	var payload JoinRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.SessionID == uuid.Nil {
		c.sendEvent(EventJoinError, JoinErrorPayload{Reason: "invalid join payload"})
		return
	}
	if payload.SessionID != c.SessionID {
		c.sendEvent(EventJoinError, JoinErrorPayload{Reason: "token not valid for this session"})
		return
	}
	if c.currentRoom() != nil {
		return // already joined
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := c.hub.sessions.GetStatus(ctx, payload.SessionID)
	if err != nil {
		c.sendEvent(EventJoinError, JoinErrorPayload{Reason: "session not found"})
		return
	}
	if status != models.StatusLive {
		c.sendEvent(EventJoinError, JoinErrorPayload{Reason: "session is not live"})
		return
	}

	c.setRoom(c.hub.joinRoom(c, payload.SessionID))
}

// handleModerate checks the caller against the persisted host before
// forwarding. The caller's asserted role is never trusted for moderation.
func (c *Client) handleModerate(event string, data json.RawMessage) {
	r := c.currentRoom()
	if r == nil {
		return
	}
	var payload ModeratePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	isHost, err := c.hub.sessions.IsHost(ctx, r.sessionID, c.UserID)
	if err != nil || !isHost {
		c.logger.Warn("moderation rejected",
			zap.String("event", event),
			zap.String("user_id", c.UserID.String()),
			zap.String("session_id", r.sessionID.String()))
		return
	}
	r.moderate(c, event, payload.TargetConnectionID)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
