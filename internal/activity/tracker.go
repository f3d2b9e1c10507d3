// Package activity classifies users as active or inactive from event recency.
//
// Classification is a pure function of the stored last-seen timestamp and a
// configured idle threshold. There are no timers and no background sweeps:
// computing the state on demand cannot drift from wall-clock reality the way
// a stored timer can.
package activity

import (
	"time"

	"github.com/syncbridge/syncbridge/pkg/types"
)

// Tracker classifies user states against a configured idle threshold.
type Tracker struct {
	idleThreshold time.Duration
}

// NewTracker creates a tracker with the given idle threshold.
func NewTracker(idleThreshold time.Duration) *Tracker {
	return &Tracker{idleThreshold: idleThreshold}
}

// IdleThreshold returns the configured idle threshold.
func (t *Tracker) IdleThreshold() time.Duration {
	return t.idleThreshold
}

// Classify returns ACTIVE iff now - state.LastSeenAt < idleThreshold.
// The boundary is exact: at now == LastSeenAt + idleThreshold the user is
// INACTIVE, so the flip is deterministic given a fixed clock.
func (t *Tracker) Classify(state *types.UserState, now time.Time) types.ActivityState {
	if state == nil {
		return types.Inactive
	}
	if now.Sub(state.LastSeenAt) < t.idleThreshold {
		return types.Active
	}
	return types.Inactive
}

// Record builds the full ActivityRecord for a user state.
// Since is the last transition point: the last event time for an ACTIVE
// user, or the moment the idle threshold elapsed for an INACTIVE one.
func (t *Tracker) Record(state *types.UserState, now time.Time) types.ActivityRecord {
	if state == nil {
		return types.ActivityRecord{State: types.Inactive}
	}

	rec := types.ActivityRecord{
		UserID: state.UserID,
		State:  t.Classify(state, now),
	}
	if rec.State == types.Active {
		rec.Since = state.LastSeenAt
	} else {
		rec.Since = state.LastSeenAt.Add(t.idleThreshold)
	}
	return rec
}
