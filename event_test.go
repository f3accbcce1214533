package keel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

func TestParseStreamName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		category string
		id       string
		wantErr  bool
	}{
		{name: "simple", input: "order-1", category: "order", id: "1"},
		{name: "id with hyphens", input: "order-7f3c-11ee", category: "order", id: "7f3c-11ee"},
		{name: "no hyphen", input: "order", wantErr: true},
		{name: "empty category", input: "-1", wantErr: true},
		{name: "empty id", input: "order-", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sn, err := ParseStreamName(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.category, sn.Category)
			assert.Equal(t, tt.id, sn.ID)
			assert.Equal(t, tt.input, sn.String())
		})
	}
}

func TestStreamName_Validate(t *testing.T) {
	assert.NoError(t, NewStreamName("order", "1").Validate())
	assert.Error(t, NewStreamName("", "1").Validate())
	assert.Error(t, NewStreamName("order", "").Validate())
	assert.Error(t, NewStreamName("big-order", "1").Validate())
	assert.True(t, StreamName{}.IsZero())
}

func TestCategory(t *testing.T) {
	assert.Equal(t, "order", Category("order-1"))
	assert.Equal(t, "order", Event{StreamName: "order-1-2"}.Category())
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "regular", EventKindRegular.String())
	assert.Equal(t, "snapshot", EventKindSnapshot.String())
	assert.Equal(t, "unknown", EventKind(9).String())
}

func TestEventData_Validate(t *testing.T) {
	assert.NoError(t, NewEventData("OrderPlaced", []byte(`{}`)).Validate())
	assert.Error(t, NewEventData("", []byte(`{}`)).Validate())
	assert.Error(t, NewEventData("OrderPlaced", nil).Validate())

	ed := NewEventData("OrderPlaced", []byte(`{}`)).WithHeaders(Headers{TraceID: "t-1"})
	assert.Equal(t, "t-1", ed.Headers.TraceID)
}

func TestChecksum(t *testing.T) {
	base := Checksum("e-1", "OrderPlaced", "order-1", 1, []byte(`{"a":1}`))

	assert.Len(t, base, 64)
	assert.Equal(t, base, Checksum("e-1", "OrderPlaced", "order-1", 1, []byte(`{"a":1}`)))

	t.Run("every field contributes", func(t *testing.T) {
		assert.NotEqual(t, base, Checksum("e-2", "OrderPlaced", "order-1", 1, []byte(`{"a":1}`)))
		assert.NotEqual(t, base, Checksum("e-1", "OrderPaid", "order-1", 1, []byte(`{"a":1}`)))
		assert.NotEqual(t, base, Checksum("e-1", "OrderPlaced", "order-2", 1, []byte(`{"a":1}`)))
		assert.NotEqual(t, base, Checksum("e-1", "OrderPlaced", "order-1", 2, []byte(`{"a":1}`)))
		assert.NotEqual(t, base, Checksum("e-1", "OrderPlaced", "order-1", 1, []byte(`{"a":2}`)))
	})

	t.Run("field boundaries are unambiguous", func(t *testing.T) {
		assert.NotEqual(t,
			Checksum("ab", "c", "order-1", 1, nil),
			Checksum("a", "bc", "order-1", 1, nil))
	})
}

func TestEvent_Verify(t *testing.T) {
	e := Event{ID: "e-1", Type: "OrderPlaced", StreamName: "order-1", Version: 1, Payload: []byte(`{}`)}
	assert.True(t, e.Verify(), "no checksum verifies")

	e.Checksum = Checksum(e.ID, e.Type, e.StreamName, e.Version, e.Payload)
	assert.True(t, e.Verify())

	e.Payload = []byte(`{"tampered":true}`)
	assert.False(t, e.Verify())
}

func TestEventFromStored(t *testing.T) {
	now := time.Now()
	stored := adapters.StoredEvent{
		ID:             "e-1",
		StreamName:     "order-1",
		Type:           "OrderPlaced",
		SchemaVersion:  2,
		Data:           []byte(`{}`),
		Headers:        adapters.Headers{TraceID: "t-1", OriginStream: "cart-9"},
		Checksum:       "abc",
		SequenceID:     4,
		GlobalPosition: 17,
		Timestamp:      now,
	}

	e := eventFromStored(stored)

	assert.Equal(t, "e-1", e.ID)
	assert.Equal(t, "order-1", e.StreamName)
	assert.Equal(t, int64(4), e.SequenceID)
	assert.Equal(t, 2, e.Version)
	assert.Equal(t, uint64(17), e.GlobalPosition)
	assert.Equal(t, "cart-9", e.Headers.OriginStream)
	assert.Equal(t, EventKindRegular, e.Kind)
	assert.Nil(t, e.Data)
}
