package types

import "time"

// ActivityState classifies a user as active or inactive based on event recency.
type ActivityState string

const (
	// Active means the user's last event is within the idle threshold.
	Active ActivityState = "ACTIVE"

	// Inactive means the user has exceeded the idle threshold without events.
	Inactive ActivityState = "INACTIVE"
)

// ActivityRecord is the derived classification for a user. It is computed
// on demand from UserState.LastSeenAt and never stored as a timer.
type ActivityRecord struct {
	UserID string        `json:"user_id"`
	State  ActivityState `json:"state"`
	Since  time.Time     `json:"since"`
}
