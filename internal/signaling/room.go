package signaling

import (
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// room holds the membership of one live class. All membership mutations and
// relays for a room run on its single actor goroutine, so join replies and
// subsequent broadcasts are serialized without locks. Rooms are independent
// and run in parallel.
type room struct {
	sessionID uuid.UUID
	members   map[string]*Client // connection ID -> client
	ops       chan func()
	done      chan struct{}
	released  bool // actor goroutine only
	hub       *Hub
	log       *zap.Logger
}

func newRoom(sessionID uuid.UUID, hub *Hub, log *zap.Logger) *room {
	r := &room{
		sessionID: sessionID,
		members:   make(map[string]*Client),
		ops:       make(chan func(), 64),
		done:      make(chan struct{}),
		hub:       hub,
		log:       log.With(zap.String("session_id", sessionID.String())),
	}
	go r.run()
	return r
}

func (r *room) run() {
	for {
		select {
		case op := <-r.ops:
			op()
		case <-r.done:
			// Ops can still win the enqueue race against shutdown.
			// Drain them so an accepted join reports failure instead
			// of vanishing; its caller then retries on a fresh room.
			for {
				select {
				case op := <-r.ops:
					op()
				default:
					return
				}
			}
		}
	}
}

// enqueue posts an op to the room actor. Returns false if the actor has
// already stopped; callers treat that the same as an empty room.
func (r *room) enqueue(op func()) bool {
	select {
	case r.ops <- op:
		return true
	case <-r.done:
		return false
	}
}

// join snapshots the membership before adding the caller, replies with the
// snapshot and then announces the caller to everyone else. Because both the
// reply and later broadcasts pass through the caller's FIFO send queue, the
// caller always sees its own snapshot before any member-joined that follows.
// Blocks until the actor has run the op; returns false when the room stopped
// or released before admitting the caller, in which case the caller must
// join a fresh room.
func (r *room) join(c *Client) bool {
	admitted := make(chan bool, 1)
	if !r.enqueue(func() {
		if r.released {
			admitted <- false
			return
		}
		snapshot := make([]Member, 0, len(r.members))
		for _, m := range r.members {
			snapshot = append(snapshot, m.member())
		}
		r.members[c.ConnectionID] = c

		c.sendEvent(EventRoomMembers, RoomMembersPayload{
			SelfConnectionID: c.ConnectionID,
			Members:          snapshot,
		})
		r.broadcastExcept(c.ConnectionID, EventMemberJoined, c.member())
		r.log.Debug("member joined room",
			zap.String("connection_id", c.ConnectionID), zap.Int("members", len(r.members)))
		admitted <- true
	}) {
		return false
	}
	select {
	case ok := <-admitted:
		return ok
	case <-r.done:
		// The actor drains queued ops after done closes, so the op may
		// still run; give its verdict precedence over the shutdown.
		select {
		case ok := <-admitted:
			return ok
		default:
			return false
		}
	}
}

// leave removes the caller and announces member-left. Idempotent: a second
// leave or a leave after disconnect is a no-op.
func (r *room) leave(c *Client) {
	r.enqueue(func() {
		if _, ok := r.members[c.ConnectionID]; !ok {
			return
		}
		delete(r.members, c.ConnectionID)
		r.broadcastExcept(c.ConnectionID, EventMemberLeft, MemberLeftPayload{
			ConnectionID: c.ConnectionID,
			UserID:       c.UserID.String(),
			DisplayName:  c.DisplayName,
		})
		r.log.Debug("member left room",
			zap.String("connection_id", c.ConnectionID), zap.Int("members", len(r.members)))
		r.hub.memberLeft(r.sessionID, c.UserID)
		if len(r.members) == 0 {
			r.released = true
			r.hub.release(r)
			close(r.done)
		}
	})
}

// relay forwards a negotiation message verbatim to the addressed connection,
// with the sender's connection ID injected. A vanished target is a silent
// drop: the sender will independently learn of it via member-left.
func (r *room) relay(sender *Client, event string, data json.RawMessage) {
	r.enqueue(func() {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return
		}
		targetRaw, ok := fields["target_connection_id"]
		if !ok {
			return
		}
		var targetID string
		if err := json.Unmarshal(targetRaw, &targetID); err != nil {
			return
		}
		target, ok := r.members[targetID]
		if !ok {
			return // target gone; drop
		}

		delete(fields, "target_connection_id")
		senderRaw, _ := json.Marshal(sender.ConnectionID)
		fields["sender_connection_id"] = senderRaw
		forwarded, err := json.Marshal(fields)
		if err != nil {
			return
		}
		select {
		case target.send <- Message{Event: event, Data: forwarded}:
		default:
		}
	})
}

// chat fans a chat message out to the whole room, sender included, with the
// sender's identity attached. The echo lets clients render their own message
// from the same path as everyone else's.
func (r *room) chat(sender *Client, data json.RawMessage) {
	r.enqueue(func() {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return
		}
		senderRaw, _ := json.Marshal(sender.ConnectionID)
		fields["sender_connection_id"] = senderRaw
		nameRaw, _ := json.Marshal(sender.DisplayName)
		fields["display_name"] = nameRaw
		forwarded, err := json.Marshal(fields)
		if err != nil {
			return
		}
		r.broadcastExcept("", EventChatMessage, json.RawMessage(forwarded))
	})
}

// moderate dispatches an authorized moderation directive.
func (r *room) moderate(caller *Client, event string, targetConnectionID string) {
	r.enqueue(func() {
		switch event {
		case EventModerateMuteAll:
			r.broadcastExcept(caller.ConnectionID, EventForceMute, ForceMutePayload{Scope: "all"})
		case EventModerateAllowUnmute:
			r.broadcastExcept(caller.ConnectionID, EventAllowUnmute, struct{}{})
		case EventModerateMuteOne:
			if target, ok := r.members[targetConnectionID]; ok {
				target.sendEvent(EventForceMute, ForceMutePayload{Scope: "one"})
			}
		}
	})
}

// broadcastExcept must run on the actor goroutine. An empty exceptConnID
// excludes no one.
func (r *room) broadcastExcept(exceptConnID string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := Message{Event: event, Data: data}
	for id, m := range r.members {
		if id == exceptConnID {
			continue
		}
		select {
		case m.send <- msg:
		default:
			// buffer full, skip
		}
	}
}
