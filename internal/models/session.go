package models

import (
	"time"

	"github.com/google/uuid"
)

// Session lifecycle states. Transitions only move forward:
// scheduled -> live -> ended.
const (
	StatusScheduled = "scheduled"
	StatusLive      = "live"
	StatusEnded     = "ended"
)

// Session is a schedulable live class with one host and many participants.
type Session struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	HostID          uuid.UUID  `json:"host_id"`
	RoomID          string     `json:"room_id"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	Status          string     `json:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	RecordingRef    string     `json:"recording_ref,omitempty"`
	RecordingURL    string     `json:"recording_url,omitempty"`
	Visible         bool       `json:"visible"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
