package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/syncbridge/syncbridge/pkg/types"
)

func stateSeenAt(ts time.Time) *types.UserState {
	return &types.UserState{
		UserID:       "u1",
		LastSeenAt:   ts,
		LastEventSeq: 1,
	}
}

func TestClassify_WithinThreshold(t *testing.T) {
	tracker := NewTracker(10 * time.Minute)
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	state := stateSeenAt(t0)
	assert.Equal(t, types.Active, tracker.Classify(state, t0.Add(9*time.Minute)))
}

func TestClassify_BeyondThreshold(t *testing.T) {
	tracker := NewTracker(10 * time.Minute)
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	state := stateSeenAt(t0)
	assert.Equal(t, types.Inactive, tracker.Classify(state, t0.Add(11*time.Minute)))
}

func TestClassify_ExactBoundaryIsDeterministic(t *testing.T) {
	tracker := NewTracker(10 * time.Minute)
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	state := stateSeenAt(t0)

	// Strictly-less-than: at exactly the threshold the user is INACTIVE,
	// one nanosecond earlier they are ACTIVE. Repeated evaluation with a
	// fixed clock always agrees.
	boundary := t0.Add(10 * time.Minute)
	for i := 0; i < 3; i++ {
		assert.Equal(t, types.Inactive, tracker.Classify(state, boundary))
		assert.Equal(t, types.Active, tracker.Classify(state, boundary.Add(-time.Nanosecond)))
	}
}

func TestClassify_NilState(t *testing.T) {
	tracker := NewTracker(10 * time.Minute)
	assert.Equal(t, types.Inactive, tracker.Classify(nil, time.Now()))
}

func TestClassify_NewEventReactivates(t *testing.T) {
	tracker := NewTracker(10 * time.Minute)
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	state := stateSeenAt(t0)
	now := t0.Add(30 * time.Minute)
	assert.Equal(t, types.Inactive, tracker.Classify(state, now))

	// A new event is the only way back to ACTIVE.
	refreshed := stateSeenAt(now.Add(-time.Second))
	assert.Equal(t, types.Active, tracker.Classify(refreshed, now))
}

func TestRecord_SinceTransitions(t *testing.T) {
	tracker := NewTracker(10 * time.Minute)
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	state := stateSeenAt(t0)

	active := tracker.Record(state, t0.Add(time.Minute))
	assert.Equal(t, types.Active, active.State)
	assert.Equal(t, t0, active.Since)

	inactive := tracker.Record(state, t0.Add(time.Hour))
	assert.Equal(t, types.Inactive, inactive.State)
	assert.Equal(t, t0.Add(10*time.Minute), inactive.Since)
}
