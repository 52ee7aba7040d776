package signaling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/classmesh/backend/internal/models"
)

type fakeDirectory struct {
	hostID uuid.UUID
	status string
}

func (f *fakeDirectory) IsHost(_ context.Context, _, userID uuid.UUID) (bool, error) {
	return userID == f.hostID, nil
}

func (f *fakeDirectory) GetStatus(_ context.Context, _ uuid.UUID) (string, error) {
	return f.status, nil
}

type RoomTestSuite struct {
	suite.Suite
	hub       *Hub
	directory *fakeDirectory
	sessionID uuid.UUID
}

func (s *RoomTestSuite) SetupTest() {
	s.directory = &fakeDirectory{hostID: uuid.New(), status: models.StatusLive}
	s.hub = NewHub(zap.NewNop(), s.directory, nil, nil)
	s.sessionID = uuid.New()
}

func TestRoomTestSuite(t *testing.T) {
	suite.Run(t, new(RoomTestSuite))
}

func (s *RoomTestSuite) newClient(name string) *Client {
	return &Client{
		ConnectionID: uuid.New().String(),
		UserID:       uuid.New(),
		DisplayName:  name,
		Role:         "student",
		JoinedAt:     time.Now(),
		hub:          s.hub,
		send:         make(chan Message, 64),
	}
}

func (s *RoomTestSuite) recv(c *Client) Message {
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		s.FailNow("no message received")
		return Message{}
	}
}

func (s *RoomTestSuite) join(c *Client) *room {
	r := s.hub.joinRoom(c, s.sessionID)
	s.Require().NotNil(r)
	c.setRoom(r)
	return r
}

func (s *RoomTestSuite) TestJoinReplyIsSnapshotMinusCaller() {
	a := s.newClient("a")
	b := s.newClient("b")
	s.join(a)

	var first RoomMembersPayload
	msg := s.recv(a)
	s.Equal(EventRoomMembers, msg.Event)
	s.Require().NoError(json.Unmarshal(msg.Data, &first))
	s.Equal(a.ConnectionID, first.SelfConnectionID)
	s.Empty(first.Members)

	s.join(b)
	var second RoomMembersPayload
	msg = s.recv(b)
	s.Equal(EventRoomMembers, msg.Event)
	s.Require().NoError(json.Unmarshal(msg.Data, &second))
	s.Equal(b.ConnectionID, second.SelfConnectionID)
	s.Require().Len(second.Members, 1)
	s.Equal(a.ConnectionID, second.Members[0].ConnectionID)
}

func (s *RoomTestSuite) TestJoinBroadcastsMemberJoinedToOthers() {
	a := s.newClient("a")
	b := s.newClient("b")
	s.join(a)
	s.recv(a) // own snapshot

	s.join(b)
	msg := s.recv(a)
	s.Equal(EventMemberJoined, msg.Event)
	var joined Member
	s.Require().NoError(json.Unmarshal(msg.Data, &joined))
	s.Equal(b.ConnectionID, joined.ConnectionID)

	// the joiner's own queue has only the snapshot
	s.recv(b)
	select {
	case extra := <-b.send:
		s.Failf("unexpected message", "event %s", extra.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *RoomTestSuite) TestSnapshotDeliveredBeforeLaterJoins() {
	a := s.newClient("a")
	b := s.newClient("b")
	c := s.newClient("c")
	s.join(a)
	s.join(b)
	s.join(c)

	// b's FIFO queue: its own snapshot first, then c's arrival
	msg := s.recv(b)
	s.Equal(EventRoomMembers, msg.Event)
	msg = s.recv(b)
	s.Equal(EventMemberJoined, msg.Event)
}

func (s *RoomTestSuite) TestRelayRoutesToTargetWithSenderInjected() {
	a := s.newClient("a")
	b := s.newClient("b")
	r := s.join(a)
	s.recv(a)
	s.join(b)
	s.recv(b)
	s.recv(a) // member-joined b

	payload, _ := json.Marshal(map[string]interface{}{
		"target_connection_id": b.ConnectionID,
		"type":                 "offer",
		"sdp":                  "v=0",
	})
	r.relay(a, EventOffer, payload)

	msg := s.recv(b)
	s.Equal(EventOffer, msg.Event)
	var fields map[string]json.RawMessage
	s.Require().NoError(json.Unmarshal(msg.Data, &fields))
	s.NotContains(fields, "target_connection_id")
	var sender string
	s.Require().NoError(json.Unmarshal(fields["sender_connection_id"], &sender))
	s.Equal(a.ConnectionID, sender)
}

func (s *RoomTestSuite) TestRelayToVanishedTargetIsSilentlyDropped() {
	a := s.newClient("a")
	b := s.newClient("b")
	c := s.newClient("c")
	r := s.join(a)
	s.join(b)
	s.join(c)

	b.leaveRoom()

	payload, _ := json.Marshal(map[string]interface{}{
		"target_connection_id": b.ConnectionID,
		"sdp":                  "v=0",
	})
	r.relay(a, EventOffer, payload)

	// relay after leave on the same actor queue; c saw b leave but no offer
	drainUntil := func(c *Client, event string) {
		for {
			msg := s.recv(c)
			if msg.Event == event {
				return
			}
			s.NotEqual(EventOffer, msg.Event)
		}
	}
	drainUntil(c, EventMemberLeft)
	select {
	case extra := <-c.send:
		s.NotEqual(EventOffer, extra.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *RoomTestSuite) TestLeaveBroadcastsAndIsIdempotent() {
	a := s.newClient("a")
	b := s.newClient("b")
	r := s.join(a)
	s.recv(a)
	s.join(b)
	s.recv(a) // member-joined

	r.leave(b)
	r.leave(b)

	msg := s.recv(a)
	s.Equal(EventMemberLeft, msg.Event)
	var left MemberLeftPayload
	s.Require().NoError(json.Unmarshal(msg.Data, &left))
	s.Equal(b.ConnectionID, left.ConnectionID)

	select {
	case extra := <-a.send:
		s.Failf("duplicate member-left", "event %s", extra.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *RoomTestSuite) TestRoomReleasedWhenEmpty() {
	a := s.newClient("a")
	s.join(a)
	a.leaveRoom()

	s.Require().Eventually(func() bool {
		s.hub.mu.RLock()
		defer s.hub.mu.RUnlock()
		return len(s.hub.rooms) == 0
	}, time.Second, 10*time.Millisecond)

	// a new join after release gets a fresh room
	b := s.newClient("b")
	s.join(b)
	msg := s.recv(b)
	s.Equal(EventRoomMembers, msg.Event)
}

func (s *RoomTestSuite) TestJoinRacingFinalLeaveAlwaysGetsReply() {
	// A join landing while the last member leaves must never lose its
	// snapshot reply: either the old actor admits it before stopping or
	// the hub retries on a fresh room.
	for i := 0; i < 50; i++ {
		a := s.newClient("a")
		s.join(a)
		s.recv(a)

		b := s.newClient("b")
		roomCh := make(chan *room, 1)
		go func() { roomCh <- s.hub.joinRoom(b, s.sessionID) }()
		a.leaveRoom()

		r := <-roomCh
		s.Require().NotNil(r)
		b.setRoom(r)

		msg := s.recv(b)
		s.Require().Equal(EventRoomMembers, msg.Event)
		var reply RoomMembersPayload
		s.Require().NoError(json.Unmarshal(msg.Data, &reply))
		s.Equal(b.ConnectionID, reply.SelfConnectionID)

		b.leaveRoom()
	}
}

func (s *RoomTestSuite) TestChatReachesWholeRoomIncludingSender() {
	a := s.newClient("a")
	b := s.newClient("b")
	r := s.join(a)
	s.recv(a)
	s.join(b)
	s.recv(b)
	s.recv(a) // member-joined

	r.chat(a, json.RawMessage(`{"text":"hello"}`))

	for _, c := range []*Client{a, b} {
		msg := s.recv(c)
		s.Equal(EventChatMessage, msg.Event)
		var fields map[string]json.RawMessage
		s.Require().NoError(json.Unmarshal(msg.Data, &fields))
		var senderID string
		s.Require().NoError(json.Unmarshal(fields["sender_connection_id"], &senderID))
		s.Equal(a.ConnectionID, senderID)
		var name string
		s.Require().NoError(json.Unmarshal(fields["display_name"], &name))
		s.Equal("a", name)
	}
}

func (s *RoomTestSuite) TestDisconnectClosesAttendanceCallback() {
	var gotSession, gotUser uuid.UUID
	done := make(chan struct{})
	s.hub.SetMemberLeftHandler(func(sessionID, userID uuid.UUID) {
		gotSession, gotUser = sessionID, userID
		close(done)
	})

	a := s.newClient("a")
	s.join(a)
	s.hub.Register(a)
	s.hub.Unregister(a)

	select {
	case <-done:
	case <-time.After(time.Second):
		s.FailNow("member-left handler not called")
	}
	s.Equal(s.sessionID, gotSession)
	s.Equal(a.UserID, gotUser)
}

func (s *RoomTestSuite) TestModerateMuteAllSparesCaller() {
	host := s.newClient("host")
	x := s.newClient("x")
	y := s.newClient("y")
	r := s.join(host)
	s.join(x)
	s.join(y)

	r.moderate(host, EventModerateMuteAll, "")

	expect := func(c *Client) {
		for {
			msg := s.recv(c)
			if msg.Event == EventForceMute {
				var p ForceMutePayload
				s.Require().NoError(json.Unmarshal(msg.Data, &p))
				s.Equal("all", p.Scope)
				return
			}
		}
	}
	expect(x)
	expect(y)

	for {
		select {
		case msg := <-host.send:
			s.NotEqual(EventForceMute, msg.Event)
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
}

func (s *RoomTestSuite) TestModerateMuteOneIsUnicast() {
	host := s.newClient("host")
	x := s.newClient("x")
	y := s.newClient("y")
	r := s.join(host)
	s.join(x)
	s.join(y)

	r.moderate(host, EventModerateMuteOne, x.ConnectionID)

	for {
		msg := s.recv(x)
		if msg.Event == EventForceMute {
			var p ForceMutePayload
			s.Require().NoError(json.Unmarshal(msg.Data, &p))
			s.Equal("one", p.Scope)
			break
		}
	}
	for {
		select {
		case msg := <-y.send:
			s.NotEqual(EventForceMute, msg.Event)
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
}

func (s *RoomTestSuite) TestLifecycleBroadcastReachesAllClients() {
	a := s.newClient("a")
	b := s.newClient("b")
	s.hub.Register(a)
	s.hub.Register(b)
	// b never joined a room; global events must still reach it

	sess := &models.Session{ID: s.sessionID, Status: models.StatusLive}
	s.hub.SessionStarted(sess)

	for _, c := range []*Client{a, b} {
		msg := s.recv(c)
		s.Equal(EventSessionStarted, msg.Event)
		var p SessionEventPayload
		s.Require().NoError(json.Unmarshal(msg.Data, &p))
		s.Equal(s.sessionID, p.SessionID)
	}
}
