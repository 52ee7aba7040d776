package models

import (
	"time"

	"github.com/google/uuid"
)

// AttendanceRecord is one join/leave interval of a user in a session.
// At most one open record (LeaveTime nil) exists per (session, user).
type AttendanceRecord struct {
	ID           uuid.UUID  `json:"id"`
	SessionID    uuid.UUID  `json:"session_id"`
	UserID       uuid.UUID  `json:"user_id"`
	JoinTime     time.Time  `json:"join_time"`
	LeaveTime    *time.Time `json:"leave_time,omitempty"`
	TotalMinutes int        `json:"total_minutes"`
	CreatedAt    time.Time  `json:"created_at"`
}

// WatchMinutes rounds an attendance interval to whole minutes.
func WatchMinutes(join, leave time.Time) int {
	return int(leave.Sub(join).Round(time.Minute) / time.Minute)
}
