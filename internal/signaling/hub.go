package signaling

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classmesh/backend/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// SessionDirectory answers lifecycle and authorization questions from
// persisted session state. Moderation is only honored for the stored host.
type SessionDirectory interface {
	IsHost(ctx context.Context, sessionID, userID uuid.UUID) (bool, error)
	GetStatus(ctx context.Context, sessionID uuid.UUID) (string, error)
}

// MemberLeftHandler is called when a connection leaves a room for any reason
// (explicit leave or socket drop), e.g. to close the attendance record.
type MemberLeftHandler func(sessionID, userID uuid.UUID)

// LifecyclePublisher publishes session lifecycle events to Redis so every
// instance, including this one, delivers them via its subscriber.
type LifecyclePublisher interface {
	PublishSessionEvent(event string, payload []byte) error
}

// LifecycleSubscriber subscribes to the shared lifecycle channel.
type LifecycleSubscriber interface {
	SubscribeSessionEvents(handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub owns the room registry and the set of all connected clients. Rooms
// serialize their own membership; the hub only guards the two maps.
type Hub struct {
	rooms    map[uuid.UUID]*room
	clients  map[string]*Client
	mu       sync.RWMutex
	logger   *zap.Logger
	sessions SessionDirectory
	pub      LifecyclePublisher
	sub      LifecycleSubscriber
	onLeft   MemberLeftHandler
	cancel   func()
}

// NewHub creates the signaling hub.
func NewHub(logger *zap.Logger, sessions SessionDirectory, pub LifecyclePublisher, sub LifecycleSubscriber) *Hub {
	return &Hub{
		rooms:    make(map[uuid.UUID]*room),
		clients:  make(map[string]*Client),
		logger:   logger,
		sessions: sessions,
		pub:      pub,
		sub:      sub,
	}
}

// SetMemberLeftHandler sets the callback invoked when a member leaves a room.
func (h *Hub) SetMemberLeftHandler(fn MemberLeftHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onLeft = fn
}

// Start begins consuming the shared lifecycle channel. Call once at startup.
func (h *Hub) Start() error {
	if h.sub == nil {
		return nil
	}
	cancel, err := h.sub.SubscribeSessionEvents(func(event string, payload []byte) {
		h.broadcastAll(event, json.RawMessage(payload))
	})
	if err != nil {
		return err
	}
	h.cancel = cancel
	return nil
}

// Stop cancels the lifecycle subscription.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Register adds a client to the global connection set.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ConnectionID] = c
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("connection_id", c.ConnectionID))
}

// Unregister removes a client from the global set and from its room, if any.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ConnectionID)
	h.mu.Unlock()
	c.leaveRoom()
	h.logger.Debug("client disconnected", zap.String("connection_id", c.ConnectionID))
}

// joinRoom places a client in the room for a session, creating the room if
// needed. Retries when it races with a room that is shutting down.
func (h *Hub) joinRoom(c *Client, sessionID uuid.UUID) *room {
	for {
		h.mu.Lock()
		r, ok := h.rooms[sessionID]
		if !ok {
			r = newRoom(sessionID, h, h.logger)
			h.rooms[sessionID] = r
		}
		h.mu.Unlock()
		if r.join(c) {
			return r
		}
		// room actor stopped between lookup and join; drop the stale
		// entry and create a fresh room on the next pass
		h.mu.Lock()
		if h.rooms[sessionID] == r {
			delete(h.rooms, sessionID)
		}
		h.mu.Unlock()
	}
}

// release removes an emptied room from the registry. Called from the room's
// actor goroutine just before it stops.
func (h *Hub) release(r *room) {
	h.mu.Lock()
	if h.rooms[r.sessionID] == r {
		delete(h.rooms, r.sessionID)
	}
	h.mu.Unlock()
	h.logger.Debug("room released", zap.String("session_id", r.sessionID.String()))
}

// memberLeft notifies the registered handler. Called from room actors.
func (h *Hub) memberLeft(sessionID, userID uuid.UUID) {
	h.mu.RLock()
	fn := h.onLeft
	h.mu.RUnlock()
	if fn != nil {
		fn(sessionID, userID)
	}
}

// broadcastAll sends an event to every connected client, in or out of rooms.
func (h *Hub) broadcastAll(event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := Message{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// SessionStarted announces a started session to all connected clients.
// Published to Redis only so the subscriber callback broadcasts once for
// every instance, avoiding duplicate delivery to local clients.
func (h *Hub) SessionStarted(session *models.Session) {
	h.publishLifecycle(EventSessionStarted, session)
}

// SessionEnded announces an ended session to all connected clients.
func (h *Hub) SessionEnded(session *models.Session) {
	h.publishLifecycle(EventSessionEnded, session)
}

func (h *Hub) publishLifecycle(event string, session *models.Session) {
	data, err := json.Marshal(SessionEventPayload{SessionID: session.ID, Session: session})
	if err != nil {
		return
	}
	if h.pub != nil {
		if err := h.pub.PublishSessionEvent(event, data); err != nil {
			h.logger.Warn("lifecycle publish failed", zap.String("event", event), zap.Error(err))
		}
		return
	}
	h.broadcastAll(event, json.RawMessage(data))
}
