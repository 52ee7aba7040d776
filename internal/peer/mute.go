package peer

import "sync"

// MuteState tracks the local participant's moderation state. A force-mute
// disables outgoing media and revokes the ability to re-enable it; an
// allow-unmute restores only that ability, never the enabled state itself.
type MuteState struct {
	mu        sync.Mutex
	muted     bool
	canUnmute bool
}

// NewMuteState returns an unmuted state with unmute permitted.
func NewMuteState() *MuteState {
	return &MuteState{canUnmute: true}
}

// ForceMute disables local media and blocks re-enabling it.
func (m *MuteState) ForceMute() {
	m.mu.Lock()
	m.muted = true
	m.canUnmute = false
	m.mu.Unlock()
}

// AllowUnmute restores the ability to unmute. The participant stays muted
// until they unmute themselves.
func (m *MuteState) AllowUnmute() {
	m.mu.Lock()
	m.canUnmute = true
	m.mu.Unlock()
}

// SetMuted applies a local mute or unmute request. Muting always succeeds;
// unmuting is refused while a force-mute is in effect. Returns whether the
// request took effect.
func (m *MuteState) SetMuted(muted bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !muted && !m.canUnmute {
		return false
	}
	m.muted = muted
	return true
}

// Muted reports whether local media is currently disabled.
func (m *MuteState) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// CanUnmute reports whether a local unmute would be honored.
func (m *MuteState) CanUnmute() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canUnmute
}
