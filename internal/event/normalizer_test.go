package event

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	sberrors "github.com/syncbridge/syncbridge/internal/errors"
)

func TestNormalize_FlatEvent(t *testing.T) {
	raw := RawEvent{
		Value:  []byte(`{"user_id":"u1","seq":7,"timestamp":1700000000000,"payload":{"platform":"ios","device_id":"d-42"}}`),
		Offset: 99,
		Time:   time.Now(),
	}

	ev, err := Normalize(raw)
	assert.NoError(t, err)
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, uint64(7), ev.Seq)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), ev.Timestamp)
	assert.Equal(t, "ios", ev.Payload["platform"])
}

func TestNormalize_NumericUserID(t *testing.T) {
	raw := RawEvent{
		Value:  []byte(`{"user_id":116585,"seq":1,"timestamp":1700000000000}`),
		Offset: 0,
	}

	ev, err := Normalize(raw)
	assert.NoError(t, err)
	assert.Equal(t, "116585", ev.UserID)
}

func TestNormalize_CDCEnvelope(t *testing.T) {
	raw := RawEvent{
		Value:  []byte(`{"payload":{"after":{"user_id":91061,"consumer_token":"tok","platform":"android","device_id":"d-1"}}}`),
		Offset: 41,
		Time:   time.UnixMilli(1700000001000),
	}

	ev, err := Normalize(raw)
	assert.NoError(t, err)
	assert.Equal(t, "91061", ev.UserID)
	// No explicit seq: the transport offset stands in, shifted so offset 0 is valid.
	assert.Equal(t, uint64(42), ev.Seq)
	assert.Equal(t, "android", ev.Payload["platform"])
	assert.Equal(t, "tok", ev.Payload["consumer_token"])
	// Device fields only; identity fields are not duplicated into the payload.
	_, hasUserID := ev.Payload["user_id"]
	assert.False(t, hasUserID)
}

func TestNormalize_MissingUserID(t *testing.T) {
	raw := RawEvent{
		Value:  []byte(`{"seq":3,"timestamp":1700000000000,"payload":{}}`),
		Offset: 3,
	}

	_, err := Normalize(raw)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, sberrors.ErrMalformedEvent))
}

func TestNormalize_MissingSequence(t *testing.T) {
	raw := RawEvent{
		Value:  []byte(`{"user_id":"u1","timestamp":1700000000000}`),
		Offset: -1,
	}

	_, err := Normalize(raw)
	assert.Error(t, err)
	assert.Equal(t, sberrors.CodeMalformedEvent, sberrors.GetCode(err))
}

func TestNormalize_Tombstone(t *testing.T) {
	_, err := Normalize(RawEvent{Value: nil, Offset: 5})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, sberrors.ErrMalformedEvent))
}

func TestNormalize_InvalidJSON(t *testing.T) {
	_, err := Normalize(RawEvent{Value: []byte(`{not json`), Offset: 5, Time: time.Now()})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, sberrors.ErrMalformedEvent))
}

func TestNormalize_Pure(t *testing.T) {
	raw := RawEvent{
		Value:  []byte(`{"user_id":"u1","seq":7,"timestamp":1700000000000,"payload":{"k":"v"}}`),
		Offset: 1,
	}

	a, err := Normalize(raw)
	assert.NoError(t, err)
	b, err := Normalize(raw)
	assert.NoError(t, err)
	assert.Equal(t, a, b)

	// Mutating one result must not leak into a fresh normalization.
	a.Payload["k"] = "mutated"
	c, err := Normalize(raw)
	assert.NoError(t, err)
	assert.Equal(t, "v", c.Payload["k"])
}
