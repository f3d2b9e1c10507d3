// Package types provides the core data types shared across Syncbridge components.
package types

import "time"

// UserState is the immutable per-user snapshot held by the cache store.
// Writers never mutate a published UserState; they construct a new one and
// publish it atomically, so concurrent readers always observe a complete
// pre- or post-write snapshot.
type UserState struct {
	// UserID is the unique key for this state.
	UserID string `json:"user_id"`

	// Payload is the last merged device state, treated as opaque.
	Payload map[string]interface{} `json:"payload"`

	// LastEventSeq is the monotonic sequence of the last applied event.
	// Events with seq <= LastEventSeq are rejected as stale.
	LastEventSeq uint64 `json:"last_event_seq"`

	// LastSeenAt is the timestamp of the last applied event.
	LastSeenAt time.Time `json:"last_seen_at"`

	// Dirty reports whether this state has been written since the last
	// compacted snapshot was taken.
	Dirty bool `json:"dirty"`
}

// Clone returns a shallow copy with a fresh payload map so the caller can
// build a successor snapshot without touching the published one.
func (s *UserState) Clone() *UserState {
	cp := *s
	cp.Payload = make(map[string]interface{}, len(s.Payload))
	for k, v := range s.Payload {
		cp.Payload[k] = v
	}
	return &cp
}

// NormalizedEvent is the canonical per-user update record produced by the
// event normalizer from a raw feed record.
type NormalizedEvent struct {
	// UserID identifies the user this event belongs to.
	UserID string `json:"user_id"`

	// Seq is the monotonic per-user sequence/offset used for ordering
	// and at-least-once deduplication.
	Seq uint64 `json:"seq"`

	// Timestamp is when the device reported the event.
	Timestamp time.Time `json:"timestamp"`

	// Payload carries the device state fields.
	Payload map[string]interface{} `json:"payload"`
}

// HistoricalState is a per-user record served by the analytical store.
type HistoricalState struct {
	// UserID is the unique key.
	UserID string `json:"user_id"`

	// Payload is the historical device state.
	Payload map[string]interface{} `json:"payload"`

	// LastEventSeq is the last event sequence known to the analytical store.
	LastEventSeq uint64 `json:"last_event_seq"`

	// LastSeenAt is the event time of the historical record.
	LastSeenAt time.Time `json:"last_seen_at"`
}
