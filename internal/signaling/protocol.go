package signaling

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/classmesh/backend/internal/models"
)

// Message is the WebSocket message envelope.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client -> relay events.
const (
	EventJoinRoom            = "join-room"
	EventLeaveRoom           = "leave-room"
	EventOffer               = "offer"
	EventAnswer              = "answer"
	EventICECandidate        = "ice-candidate"
	EventStreamInfo          = "stream-info"
	EventChatMessage         = "chat-message"
	EventModerateMuteAll     = "moderate-mute-all"
	EventModerateAllowUnmute = "moderate-allow-unmute"
	EventModerateMuteOne     = "moderate-mute-one"
)

// Relay -> client events.
const (
	EventRoomMembers    = "room-members"
	EventMemberJoined   = "member-joined"
	EventMemberLeft     = "member-left"
	EventForceMute      = "force-mute"
	EventAllowUnmute    = "allow-unmute"
	EventSessionStarted = "session-started"
	EventSessionEnded   = "session-ended"
	EventJoinError      = "join-error"
)

// Stream kinds carried in stream-info messages. Every published stream is
// tagged at the protocol level so receivers never have to guess from
// arrival order.
const (
	StreamKindCamera = "camera"
	StreamKindScreen = "screen"
)

// Member is one room occupant as seen by other occupants.
type Member struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	JoinedAt     time.Time `json:"joined_at"`
}

// JoinRoomPayload is the data for join-room. Identity comes from the
// signaling token; the session ID must match the token's scope.
type JoinRoomPayload struct {
	SessionID uuid.UUID `json:"session_id"`
}

// RoomMembersPayload is the join reply: the membership snapshot taken
// before the caller was added. SelfConnectionID tells the caller the
// identifier the relay assigned it, used for deterministic initiator
// election.
type RoomMembersPayload struct {
	SelfConnectionID string   `json:"self_connection_id"`
	Members          []Member `json:"members"`
}

// MemberLeftPayload is the data for member-left broadcasts.
type MemberLeftPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name"`
}

// StreamInfoPayload tags a published media stream with its kind. Routed to
// the target connection like offers and answers.
type StreamInfoPayload struct {
	TargetConnectionID string `json:"target_connection_id,omitempty"`
	SenderConnectionID string `json:"sender_connection_id,omitempty"`
	StreamID           string `json:"stream_id"`
	Kind               string `json:"kind"`
	Active             bool   `json:"active"`
}

// ModeratePayload is the data for moderate-* directives.
type ModeratePayload struct {
	SessionID          uuid.UUID `json:"session_id"`
	TargetConnectionID string    `json:"target_connection_id,omitempty"`
}

// ForceMutePayload is the data for force-mute. Scope is "all" or "one".
type ForceMutePayload struct {
	Scope string `json:"scope"`
}

// SessionEventPayload is the data for global session-started/session-ended
// broadcasts.
type SessionEventPayload struct {
	SessionID uuid.UUID       `json:"session_id"`
	Session   *models.Session `json:"session"`
}

// JoinErrorPayload is the data for join-error replies.
type JoinErrorPayload struct {
	Reason string `json:"reason"`
}
