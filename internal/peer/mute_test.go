package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMuteStateInitial(t *testing.T) {
	m := NewMuteState()
	assert.False(t, m.Muted())
	assert.True(t, m.CanUnmute())
}

func TestForceMuteBlocksUnmute(t *testing.T) {
	m := NewMuteState()
	m.ForceMute()
	assert.True(t, m.Muted())
	assert.False(t, m.CanUnmute())
	assert.False(t, m.SetMuted(false))
	assert.True(t, m.Muted())
}

func TestAllowUnmuteRestoresCapabilityNotState(t *testing.T) {
	m := NewMuteState()
	m.ForceMute()
	m.AllowUnmute()
	// still muted, but the participant may now unmute themselves
	assert.True(t, m.Muted())
	assert.True(t, m.CanUnmute())
	assert.True(t, m.SetMuted(false))
	assert.False(t, m.Muted())
}

func TestSelfMuteAlwaysAllowed(t *testing.T) {
	m := NewMuteState()
	assert.True(t, m.SetMuted(true))
	assert.True(t, m.Muted())
	assert.True(t, m.SetMuted(false))

	m.ForceMute()
	assert.True(t, m.SetMuted(true))
}
