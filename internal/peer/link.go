package peer

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/classmesh/backend/internal/signaling"
)

// sdpPayload carries an offer or answer through the relay.
type sdpPayload struct {
	TargetConnectionID string `json:"target_connection_id,omitempty"`
	SenderConnectionID string `json:"sender_connection_id,omitempty"`
	Type               string `json:"type"`
	SDP                string `json:"sdp"`
}

// candidatePayload carries one ICE candidate through the relay.
type candidatePayload struct {
	TargetConnectionID string                  `json:"target_connection_id,omitempty"`
	SenderConnectionID string                  `json:"sender_connection_id,omitempty"`
	Candidate          webrtc.ICECandidateInit `json:"candidate"`
}

// linkCallbacks decouples a link from the orchestrator that owns it.
type linkCallbacks struct {
	sendSignal func(event string, payload interface{})
	onTrack    func(remoteID, streamID string, track *webrtc.TrackRemote)
}

// link is the negotiated media relationship to exactly one remote
// participant. One side initiates; the other answers. A link torn down
// mid-negotiation discards late results instead of applying them.
type link struct {
	remoteID  string
	initiator bool
	pc        *webrtc.PeerConnection
	cb        linkCallbacks
	log       *zap.Logger

	mu             sync.Mutex
	awaitingAnswer bool
	remoteSet      bool
	closed         bool
	pending        []webrtc.ICECandidateInit
	senders        map[string][]*webrtc.RTPSender // local stream ID -> senders
}

func newLink(api *webrtc.API, cfg webrtc.Configuration, remoteID string, initiator bool, cb linkCallbacks, log *zap.Logger) (*link, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	l := &link{
		remoteID:  remoteID,
		initiator: initiator,
		pc:        pc,
		cb:        cb,
		log:       log.With(zap.String("remote_id", remoteID)),
		senders:   make(map[string][]*webrtc.RTPSender),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cb.sendSignal(signaling.EventICECandidate, candidatePayload{
			TargetConnectionID: remoteID,
			Candidate:          c.ToJSON(),
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		cb.onTrack(remoteID, track.StreamID(), track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.log.Debug("peer connection state", zap.String("state", state.String()))
	})
	return l, nil
}

// addSource attaches every track of a local capture source.
func (l *link) addSource(src CaptureSource) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	for _, t := range src.Tracks() {
		sender, err := l.pc.AddTrack(t)
		if err != nil {
			return err
		}
		l.senders[src.StreamID()] = append(l.senders[src.StreamID()], sender)
	}
	return nil
}

// removeStream detaches every sender belonging to a local stream.
func (l *link) removeStream(streamID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	for _, sender := range l.senders[streamID] {
		if err := l.pc.RemoveTrack(sender); err != nil {
			return err
		}
	}
	delete(l.senders, streamID)
	return nil
}

// negotiate creates an offer and sends it to the remote. Used both for the
// initial negotiation and for renegotiation after track changes.
func (l *link) negotiate() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		l.mu.Unlock()
		return err
	}
	l.awaitingAnswer = true
	l.mu.Unlock()

	l.cb.sendSignal(signaling.EventOffer, sdpPayload{
		TargetConnectionID: l.remoteID,
		Type:               offer.Type.String(),
		SDP:                offer.SDP,
	})
	return nil
}

// hasSenders reports whether any local capture source is attached.
func (l *link) hasSenders() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.senders) > 0
}

// isAwaitingAnswer reports whether a local offer is in flight.
func (l *link) isAwaitingAnswer() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.awaitingAnswer
}

// handleOffer applies a remote offer and replies with an answer.
func (l *link) handleOffer(sdp string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		l.mu.Unlock()
		return err
	}
	l.remoteSet = true
	l.flushPendingLocked()
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	l.cb.sendSignal(signaling.EventAnswer, sdpPayload{
		TargetConnectionID: l.remoteID,
		Type:               answer.Type.String(),
		SDP:                answer.SDP,
	})
	return nil
}

// handleAnswer applies a remote answer if one is awaited. Stale or duplicate
// answers are ignored, not errored.
func (l *link) handleAnswer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.awaitingAnswer {
		return nil
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	l.awaitingAnswer = false
	l.remoteSet = true
	l.flushPendingLocked()
	return nil
}

// addCandidate applies a remote ICE candidate, buffering it when the remote
// description has not arrived yet.
func (l *link) addCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		return nil
	}
	return l.pc.AddICECandidate(c)
}

func (l *link) flushPendingLocked() {
	for _, c := range l.pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.log.Debug("dropping buffered candidate", zap.Error(err))
		}
	}
	l.pending = nil
}

// close releases the underlying transport. Idempotent.
func (l *link) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	pc := l.pc
	l.mu.Unlock()
	_ = pc.Close()
}
