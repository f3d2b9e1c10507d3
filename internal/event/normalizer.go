// Package event converts raw device event feed records into canonical
// per-user update records.
package event

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/syncbridge/syncbridge/internal/errors"
	"github.com/syncbridge/syncbridge/pkg/types"
)

// RawEvent is a single record as delivered by the streaming transport.
type RawEvent struct {
	// Key is the partition key (usually the user ID), may be empty.
	Key []byte

	// Value is the JSON-encoded event body.
	Value []byte

	// Offset is the transport offset for this record. It is used as the
	// event sequence when the body does not carry an explicit seq, which
	// is safe because the feed is ordered per key.
	Offset int64

	// Time is the transport timestamp for this record.
	Time time.Time
}

// body is the flat event shape: {user_id, seq, timestamp, payload}.
// CDC-style feeds wrap the fields in payload.after instead; Normalize
// unwraps that envelope before decoding.
type body struct {
	UserID    json.RawMessage        `json:"user_id"`
	Seq       *uint64                `json:"seq"`
	Timestamp *int64                 `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// userIDString accepts both string and numeric user IDs, since upstream
// feeds have shipped both shapes.
func userIDString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

type cdcEnvelope struct {
	Payload struct {
		After json.RawMessage `json:"after"`
	} `json:"payload"`
}

// Normalize converts a raw feed record into a NormalizedEvent.
// It is a pure function with no shared state. Records missing a user ID
// or sequence information are rejected with a MalformedEvent error.
func Normalize(raw RawEvent) (*types.NormalizedEvent, error) {
	if len(raw.Value) == 0 {
		// Tombstone record; nothing to apply.
		return nil, errors.NewValidationError(errors.CodeMalformedEvent, "empty event body")
	}

	value := raw.Value

	// Unwrap a CDC envelope if present.
	var env cdcEnvelope
	if err := json.Unmarshal(value, &env); err == nil && len(env.Payload.After) > 0 {
		value = env.Payload.After
	}

	var b body
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	if err := dec.Decode(&b); err != nil {
		return nil, errors.Wrap(errors.ErrCategoryValidation, errors.CodeMalformedEvent, "invalid event JSON", err)
	}

	userID := userIDString(b.UserID)
	if userID == "" {
		return nil, errors.NewValidationError(errors.CodeMalformedEvent, "event missing user_id")
	}

	var seq uint64
	switch {
	case b.Seq != nil:
		seq = *b.Seq
	case raw.Offset >= 0:
		seq = uint64(raw.Offset) + 1
	default:
		return nil, errors.NewValidationError(errors.CodeMalformedEvent, "event missing sequence information")
	}

	ts := raw.Time
	if b.Timestamp != nil {
		ts = time.UnixMilli(*b.Timestamp)
	}
	if ts.IsZero() {
		return nil, errors.NewValidationError(errors.CodeMalformedEvent, "event missing timestamp")
	}

	payload := b.Payload
	if payload == nil {
		// Flat CDC rows carry the device fields at the top level.
		payload = make(map[string]interface{})
		var fields map[string]interface{}
		if err := json.Unmarshal(value, &fields); err == nil {
			for k, v := range fields {
				switch k {
				case "user_id", "seq", "timestamp":
					continue
				}
				payload[k] = v
			}
		}
	}

	return &types.NormalizedEvent{
		UserID:    userID,
		Seq:       seq,
		Timestamp: ts.UTC(),
		Payload:   payload,
	}, nil
}
