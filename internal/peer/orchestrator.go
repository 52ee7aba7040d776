package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/classmesh/backend/internal/signaling"
)

var (
	// ErrCapture means local media could not be acquired. Fatal to the
	// join attempt; a retry is a fresh user action.
	ErrCapture = errors.New("media capture failed")
	// ErrNotReady means Join was called before local media was acquired.
	ErrNotReady = errors.New("local media not acquired")
	// ErrAlreadyJoined means Join was called twice.
	ErrAlreadyJoined = errors.New("already joined a session")
	// ErrJoinRejected carries the relay's join-error reason.
	ErrJoinRejected = errors.New("join rejected")
)

// RemoteStream is one inbound media stream from a remote participant,
// tagged with its declared kind.
type RemoteStream struct {
	ID     string
	Kind   string
	Tracks []*webrtc.TrackRemote
}

// RemoteFeed aggregates everything received from one remote participant.
type RemoteFeed struct {
	ConnectionID string
	Streams      map[string]*RemoteStream
}

// Orchestrator maintains exactly one negotiated link per other participant
// in the session, reconciled as membership events arrive. One instance per
// participant process.
type Orchestrator struct {
	signal  Signaler
	capture Capture
	api     *webrtc.API
	cfg     webrtc.Configuration
	logger  *zap.Logger
	mute    *MuteState

	mu          sync.Mutex
	selfID      string
	sessionID   uuid.UUID
	joined      bool
	closed      bool
	camera      CaptureSource
	screen      CaptureSource
	links       map[string]*link
	feeds       map[string]*RemoteFeed
	remoteKinds map[string]map[string]string // remote ID -> stream ID -> kind
	joinResult  chan error
}

// New creates an orchestrator over an established signaling connection.
func New(signal Signaler, capture Capture, iceServers []webrtc.ICEServer, logger *zap.Logger) (*Orchestrator, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	cfg := webrtc.Configuration{ICEServers: iceServers}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return &Orchestrator{
		signal:      signal,
		capture:     capture,
		api:         webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine)),
		cfg:         cfg,
		logger:      logger,
		mute:        NewMuteState(),
		links:       make(map[string]*link),
		feeds:       make(map[string]*RemoteFeed),
		remoteKinds: make(map[string]map[string]string),
		joinResult:  make(chan error, 1),
	}, nil
}

// AcquireLocalMedia acquires the camera and microphone. Must succeed before
// Join; denial blocks the join attempt.
func (o *Orchestrator) AcquireLocalMedia(ctx context.Context) error {
	src, err := o.capture.AcquireCamera(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCapture, err)
	}
	o.mu.Lock()
	o.camera = src
	o.mu.Unlock()
	return nil
}

// Join enters the session's room and waits for the membership snapshot.
// Run must be consuming events concurrently.
func (o *Orchestrator) Join(ctx context.Context, sessionID uuid.UUID) error {
	o.mu.Lock()
	if o.camera == nil {
		o.mu.Unlock()
		return ErrNotReady
	}
	if o.joined {
		o.mu.Unlock()
		return ErrAlreadyJoined
	}
	o.joined = true
	o.sessionID = sessionID
	o.mu.Unlock()

	if err := o.signal.Send(signaling.EventJoinRoom, signaling.JoinRoomPayload{SessionID: sessionID}); err != nil {
		o.mu.Lock()
		o.joined = false
		o.mu.Unlock()
		return err
	}
	select {
	case err := <-o.joinResult:
		if err != nil {
			o.mu.Lock()
			o.joined = false
			o.mu.Unlock()
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes relay events until the connection closes or ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.Teardown()
			return
		case msg, ok := <-o.signal.Events():
			if !ok {
				o.Teardown()
				return
			}
			o.dispatch(msg)
		}
	}
}

func (o *Orchestrator) dispatch(msg signaling.Message) {
	switch msg.Event {
	case signaling.EventRoomMembers:
		o.handleRoomMembers(msg.Data)
	case signaling.EventJoinError:
		var p signaling.JoinErrorPayload
		_ = json.Unmarshal(msg.Data, &p)
		select {
		case o.joinResult <- fmt.Errorf("%w: %s", ErrJoinRejected, p.Reason):
		default:
		}
	case signaling.EventMemberJoined:
		o.handleMemberJoined(msg.Data)
	case signaling.EventMemberLeft:
		o.handleMemberLeft(msg.Data)
	case signaling.EventOffer:
		o.handleOffer(msg.Data)
	case signaling.EventAnswer:
		o.handleAnswer(msg.Data)
	case signaling.EventICECandidate:
		o.handleCandidate(msg.Data)
	case signaling.EventStreamInfo:
		o.handleStreamInfo(msg.Data)
	case signaling.EventForceMute:
		o.handleForceMute()
	case signaling.EventAllowUnmute:
		o.mute.AllowUnmute()
	case signaling.EventSessionEnded:
		var p signaling.SessionEventPayload
		if err := json.Unmarshal(msg.Data, &p); err == nil && p.SessionID == o.currentSessionID() {
			o.Teardown()
		}
	}
}

func (o *Orchestrator) currentSessionID() uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// handleRoomMembers records the relay-assigned connection ID and creates a
// responder link per existing member. The earlier-present side initiates,
// never the new arrival; this is deliberate, and if both sides offer anyway
// handleOffer settles it by connection ID, so responder mode here is safe
// even against a remote that initiates late.
func (o *Orchestrator) handleRoomMembers(data json.RawMessage) {
	var p signaling.RoomMembersPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	o.mu.Lock()
	o.selfID = p.SelfConnectionID
	for _, m := range p.Members {
		if _, ok := o.links[m.ConnectionID]; ok {
			continue
		}
		if l, err := o.newLinkLocked(m.ConnectionID, false); err == nil {
			o.links[m.ConnectionID] = l
		}
	}
	o.mu.Unlock()

	select {
	case o.joinResult <- nil:
	default:
	}
}

// handleMemberJoined creates an initiator link toward the new arrival and
// starts negotiation.
func (o *Orchestrator) handleMemberJoined(data json.RawMessage) {
	var m signaling.Member
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	o.mu.Lock()
	if _, ok := o.links[m.ConnectionID]; ok {
		o.mu.Unlock()
		return
	}
	l, err := o.newLinkLocked(m.ConnectionID, true)
	if err != nil {
		o.mu.Unlock()
		o.logger.Warn("link create failed", zap.String("remote_id", m.ConnectionID), zap.Error(err))
		return
	}
	o.links[m.ConnectionID] = l
	sources := o.activeSourcesLocked()
	o.mu.Unlock()

	o.attachAndNegotiate(l, sources)
}

// newLinkLocked builds a link for a remote. Caller holds o.mu.
func (o *Orchestrator) newLinkLocked(remoteID string, initiator bool) (*link, error) {
	return newLink(o.api, o.cfg, remoteID, initiator, linkCallbacks{
		sendSignal: func(event string, payload interface{}) {
			if err := o.signal.Send(event, payload); err != nil {
				o.logger.Debug("signal send failed", zap.String("event", event), zap.Error(err))
			}
		},
		onTrack: o.onRemoteTrack,
	}, o.logger)
}

func (o *Orchestrator) activeSourcesLocked() []CaptureSource {
	var out []CaptureSource
	if o.camera != nil {
		out = append(out, o.camera)
	}
	if o.screen != nil {
		out = append(out, o.screen)
	}
	return out
}

// attachAndNegotiate adds local sources, announces their kinds to the remote
// and sends the offer. A failed negotiation tears down only this link.
func (o *Orchestrator) attachAndNegotiate(l *link, sources []CaptureSource) {
	for _, src := range sources {
		if err := l.addSource(src); err != nil {
			o.logger.Warn("add track failed", zap.String("remote_id", l.remoteID), zap.Error(err))
			o.dropLink(l.remoteID)
			return
		}
		o.announceStream(l.remoteID, src, true)
	}
	if err := l.negotiate(); err != nil {
		o.logger.Warn("negotiation failed", zap.String("remote_id", l.remoteID), zap.Error(err))
		o.dropLink(l.remoteID)
	}
}

// announceStream tags a local stream for one remote before its tracks arrive.
func (o *Orchestrator) announceStream(remoteID string, src CaptureSource, active bool) {
	err := o.signal.Send(signaling.EventStreamInfo, signaling.StreamInfoPayload{
		TargetConnectionID: remoteID,
		StreamID:           src.StreamID(),
		Kind:               src.Kind(),
		Active:             active,
	})
	if err != nil {
		o.logger.Debug("stream announce failed", zap.Error(err))
	}
}

// handleOffer answers an inbound offer. An unknown remote gets a fresh
// responder link. Glare, where both sides sent offers, is resolved by
// comparing connection IDs: the lower ID keeps its offer and the higher ID
// restarts as responder.
func (o *Orchestrator) handleOffer(data json.RawMessage) {
	var p sdpPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SenderConnectionID == "" {
		return
	}
	remoteID := p.SenderConnectionID

	o.mu.Lock()
	l, ok := o.links[remoteID]
	if ok && l.initiator && l.isAwaitingAnswer() {
		if o.selfID < remoteID {
			// we win the glare race; the remote will answer our offer
			o.mu.Unlock()
			return
		}
		l.close()
		delete(o.links, remoteID)
		ok = false
	}
	if !ok {
		nl, err := o.newLinkLocked(remoteID, false)
		if err != nil {
			o.mu.Unlock()
			return
		}
		o.links[remoteID] = nl
		l = nl
	}
	// Responder links created from the membership snapshot carry no local
	// tracks yet; attach them before answering so the remote receives our
	// media in the same negotiation.
	var sources []CaptureSource
	if !l.hasSenders() {
		sources = o.activeSourcesLocked()
	}
	o.mu.Unlock()

	for _, src := range sources {
		if err := l.addSource(src); err != nil {
			o.logger.Warn("add track failed", zap.String("remote_id", remoteID), zap.Error(err))
			o.dropLink(remoteID)
			return
		}
		o.announceStream(remoteID, src, true)
	}
	if err := l.handleOffer(p.SDP); err != nil {
		o.logger.Warn("offer rejected", zap.String("remote_id", remoteID), zap.Error(err))
		o.dropLink(remoteID)
	}
}

func (o *Orchestrator) handleAnswer(data json.RawMessage) {
	var p sdpPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	o.mu.Lock()
	l, ok := o.links[p.SenderConnectionID]
	o.mu.Unlock()
	if !ok {
		return // link torn down while the answer was in flight
	}
	if err := l.handleAnswer(p.SDP); err != nil {
		o.logger.Warn("answer rejected", zap.String("remote_id", p.SenderConnectionID), zap.Error(err))
		o.dropLink(p.SenderConnectionID)
	}
}

func (o *Orchestrator) handleCandidate(data json.RawMessage) {
	var p candidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	o.mu.Lock()
	l, ok := o.links[p.SenderConnectionID]
	o.mu.Unlock()
	if !ok {
		return // expected race with teardown; drop
	}
	if err := l.addCandidate(p.Candidate); err != nil {
		o.logger.Debug("candidate rejected", zap.Error(err))
	}
}

// handleStreamInfo records the declared kind for a remote stream so inbound
// tracks are grouped by tag rather than arrival order.
func (o *Orchestrator) handleStreamInfo(data json.RawMessage) {
	var p signaling.StreamInfoPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SenderConnectionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	kinds := o.remoteKinds[p.SenderConnectionID]
	if kinds == nil {
		kinds = make(map[string]string)
		o.remoteKinds[p.SenderConnectionID] = kinds
	}
	if !p.Active {
		delete(kinds, p.StreamID)
		if feed, ok := o.feeds[p.SenderConnectionID]; ok {
			delete(feed.Streams, p.StreamID)
		}
		return
	}
	kinds[p.StreamID] = p.Kind
	if feed, ok := o.feeds[p.SenderConnectionID]; ok {
		if stream, ok := feed.Streams[p.StreamID]; ok {
			stream.Kind = p.Kind
		}
	}
}

func (o *Orchestrator) onRemoteTrack(remoteID, streamID string, track *webrtc.TrackRemote) {
	o.mu.Lock()
	defer o.mu.Unlock()
	feed := o.feeds[remoteID]
	if feed == nil {
		feed = &RemoteFeed{ConnectionID: remoteID, Streams: make(map[string]*RemoteStream)}
		o.feeds[remoteID] = feed
	}
	stream := feed.Streams[streamID]
	if stream == nil {
		kind := signaling.StreamKindCamera
		if k, ok := o.remoteKinds[remoteID][streamID]; ok {
			kind = k
		}
		stream = &RemoteStream{ID: streamID, Kind: kind}
		feed.Streams[streamID] = stream
	}
	stream.Tracks = append(stream.Tracks, track)
}

func (o *Orchestrator) handleMemberLeft(data json.RawMessage) {
	var p signaling.MemberLeftPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	o.dropLink(p.ConnectionID)
}

// dropLink tears down the relationship to one remote. Idempotent; other
// links are unaffected.
func (o *Orchestrator) dropLink(remoteID string) {
	o.mu.Lock()
	l, ok := o.links[remoteID]
	if ok {
		delete(o.links, remoteID)
	}
	delete(o.feeds, remoteID)
	delete(o.remoteKinds, remoteID)
	o.mu.Unlock()
	if ok {
		l.close()
	}
}

func (o *Orchestrator) handleForceMute() {
	o.mute.ForceMute()
	o.mu.Lock()
	camera, screen := o.camera, o.screen
	o.mu.Unlock()
	if camera != nil {
		camera.SetPaused(true)
	}
	if screen != nil {
		screen.SetPaused(true)
	}
}

// SetMuted applies a local mute toggle. Unmuting is refused while a host
// force-mute is in effect.
func (o *Orchestrator) SetMuted(muted bool) bool {
	if !o.mute.SetMuted(muted) {
		return false
	}
	o.mu.Lock()
	camera := o.camera
	o.mu.Unlock()
	if camera != nil {
		camera.SetPaused(muted)
	}
	return true
}

// Muted reports whether local media is currently disabled.
func (o *Orchestrator) Muted() bool { return o.mute.Muted() }

// CanUnmute reports whether a local unmute would be honored.
func (o *Orchestrator) CanUnmute() bool { return o.mute.CanUnmute() }

// ShareScreen acquires a screen source and renegotiates every open link
// with its tracks added.
func (o *Orchestrator) ShareScreen(ctx context.Context) error {
	o.mu.Lock()
	if o.screen != nil {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	src, err := o.capture.AcquireScreen(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCapture, err)
	}

	o.mu.Lock()
	o.screen = src
	links := make([]*link, 0, len(o.links))
	for _, l := range o.links {
		links = append(links, l)
	}
	o.mu.Unlock()

	for _, l := range links {
		if err := l.addSource(src); err != nil {
			o.logger.Warn("screen track add failed", zap.String("remote_id", l.remoteID), zap.Error(err))
			continue
		}
		o.announceStream(l.remoteID, src, true)
		if err := l.negotiate(); err != nil {
			o.logger.Warn("screen renegotiation failed", zap.String("remote_id", l.remoteID), zap.Error(err))
			o.dropLink(l.remoteID)
		}
	}
	return nil
}

// StopScreenShare removes the screen tracks from every link and releases
// the capture. No-op when not sharing.
func (o *Orchestrator) StopScreenShare() error {
	o.mu.Lock()
	src := o.screen
	o.screen = nil
	links := make([]*link, 0, len(o.links))
	for _, l := range o.links {
		links = append(links, l)
	}
	o.mu.Unlock()
	if src == nil {
		return nil
	}

	for _, l := range links {
		if err := l.removeStream(src.StreamID()); err != nil {
			o.logger.Warn("screen track remove failed", zap.String("remote_id", l.remoteID), zap.Error(err))
			continue
		}
		o.announceStream(l.remoteID, src, false)
		if err := l.negotiate(); err != nil {
			o.logger.Warn("screen renegotiation failed", zap.String("remote_id", l.remoteID), zap.Error(err))
			o.dropLink(l.remoteID)
		}
	}
	return src.Close()
}

// RemoteFeeds returns a snapshot of everything currently received, grouped
// by remote participant and stream kind.
func (o *Orchestrator) RemoteFeeds() []RemoteFeed {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]RemoteFeed, 0, len(o.feeds))
	for _, feed := range o.feeds {
		copied := RemoteFeed{ConnectionID: feed.ConnectionID, Streams: make(map[string]*RemoteStream, len(feed.Streams))}
		for id, s := range feed.Streams {
			tracks := make([]*webrtc.TrackRemote, len(s.Tracks))
			copy(tracks, s.Tracks)
			copied.Streams[id] = &RemoteStream{ID: s.ID, Kind: s.Kind, Tracks: tracks}
		}
		out = append(out, copied)
	}
	return out
}

// LinkCount reports the number of open peer links.
func (o *Orchestrator) LinkCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.links)
}

// Teardown closes every link, stops local capture and leaves the room.
// Idempotent and safe under every trigger path: explicit leave, process
// exit, relay disconnect.
func (o *Orchestrator) Teardown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	links := o.links
	o.links = make(map[string]*link)
	o.feeds = make(map[string]*RemoteFeed)
	o.remoteKinds = make(map[string]map[string]string)
	camera, screen := o.camera, o.screen
	o.camera, o.screen = nil, nil
	wasJoined := o.joined
	o.joined = false
	o.mu.Unlock()

	for _, l := range links {
		l.close()
	}
	if camera != nil {
		_ = camera.Close()
	}
	if screen != nil {
		_ = screen.Close()
	}
	if wasJoined {
		_ = o.signal.Send(signaling.EventLeaveRoom, struct{}{})
	}
	_ = o.signal.Close()
}
