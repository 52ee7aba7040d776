package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchMinutes(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		elapsed time.Duration
		want    int
	}{
		{"zero", 0, 0},
		{"under half a minute rounds down", 29 * time.Second, 0},
		{"half a minute rounds up", 30 * time.Second, 1},
		{"exact minutes", 45 * time.Minute, 45},
		{"rounds down", 12*time.Minute + 29*time.Second, 12},
		{"rounds up", 12*time.Minute + 31*time.Second, 13},
		{"long session", 3*time.Hour + 15*time.Second, 180},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WatchMinutes(base, base.Add(tt.elapsed)))
		})
	}
}
