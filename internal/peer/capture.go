package peer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/classmesh/backend/internal/signaling"
)

// CaptureSource is one acquired local media stream (camera+mic or screen).
// All of its tracks share one stream ID so remotes can group them.
type CaptureSource interface {
	StreamID() string
	Kind() string
	Tracks() []webrtc.TrackLocal
	SetPaused(paused bool)
	Close() error
}

// Capture acquires local media. Acquisition failure is fatal to the join
// attempt; retry is a fresh user action.
type Capture interface {
	AcquireCamera(ctx context.Context) (CaptureSource, error)
	AcquireScreen(ctx context.Context) (CaptureSource, error)
}

// SyntheticCapture produces silent, blank media tracks at a fixed cadence.
// Used by the headless participant agent, which has no real devices.
type SyntheticCapture struct {
	// FrameInterval is the pacing of generated samples. Defaults to 100ms.
	FrameInterval time.Duration
}

func (s *SyntheticCapture) interval() time.Duration {
	if s.FrameInterval <= 0 {
		return 100 * time.Millisecond
	}
	return s.FrameInterval
}

// AcquireCamera returns a synthetic camera+microphone source.
func (s *SyntheticCapture) AcquireCamera(ctx context.Context) (CaptureSource, error) {
	return newSyntheticSource(signaling.StreamKindCamera, s.interval(), true)
}

// AcquireScreen returns a synthetic screen source (video only).
func (s *SyntheticCapture) AcquireScreen(ctx context.Context) (CaptureSource, error) {
	return newSyntheticSource(signaling.StreamKindScreen, s.interval(), false)
}

type syntheticSource struct {
	streamID string
	kind     string
	tracks   []webrtc.TrackLocal
	samples  []*webrtc.TrackLocalStaticSample
	interval time.Duration
	paused   atomic.Bool
	done     chan struct{}
	once     sync.Once
}

func newSyntheticSource(kind string, interval time.Duration, withAudio bool) (*syntheticSource, error) {
	streamID := uuid.New().String()
	src := &syntheticSource{
		streamID: streamID,
		kind:     kind,
		interval: interval,
		done:     make(chan struct{}),
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video-"+kind, streamID)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	src.tracks = append(src.tracks, video)
	src.samples = append(src.samples, video)

	if withAudio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio-"+kind, streamID)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		src.tracks = append(src.tracks, audio)
		src.samples = append(src.samples, audio)
	}

	go src.generate()
	return src, nil
}

// generate writes placeholder samples until the source is closed. Paused
// sources skip frames so no media leaves a muted participant.
func (s *syntheticSource) generate() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.paused.Load() {
				continue
			}
			sample := media.Sample{Data: []byte{0x00}, Duration: s.interval}
			for _, t := range s.samples {
				_ = t.WriteSample(sample)
			}
		}
	}
}

func (s *syntheticSource) StreamID() string          { return s.streamID }
func (s *syntheticSource) Kind() string              { return s.kind }
func (s *syntheticSource) Tracks() []webrtc.TrackLocal { return s.tracks }
func (s *syntheticSource) SetPaused(paused bool)     { s.paused.Store(paused) }

func (s *syntheticSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
