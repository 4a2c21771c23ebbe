package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/future-self/internal/core"
)

func TestEncodeLifecycleEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ev := core.NewEvent(core.EventDelivered, core.Message{
		ID: "m-1", OwnerID: "u-1", Status: core.StatusDelivered, Attempts: 2,
	}, at)

	msg, err := encode(ev)
	require.NoError(t, err)
	require.Equal(t, "m-1", string(msg.Key))
	require.True(t, msg.Time.Equal(at))
	require.Len(t, msg.Headers, 1)
	require.Equal(t, core.EventDelivered, string(msg.Headers[0].Value))

	var back core.LifecycleEvent
	require.NoError(t, json.Unmarshal(msg.Value, &back))
	require.Equal(t, ev.Type, back.Type)
	require.Equal(t, core.StatusDelivered, back.Status)
	require.Equal(t, 2, back.Attempts)
}

func TestEncodeUserEventKeysByOwner(t *testing.T) {
	msg, err := encode(core.LifecycleEvent{Type: core.EventUserCreated, OwnerID: "u-1", At: time.Now()})
	require.NoError(t, err)
	require.Equal(t, "u-1", string(msg.Key))
	require.NotContains(t, string(msg.Value), "message_id")
}

func TestDecodeMilestone(t *testing.T) {
	ev, err := decodeMilestone([]byte(`{"owner_id":"u-1","milestone_key":"new-job","occurred_at":"2026-05-01T10:00:00Z"}`))
	require.NoError(t, err)
	require.Equal(t, "u-1", ev.OwnerID)
	require.Equal(t, "new-job", ev.Key)
	require.True(t, ev.OccurredAt.Equal(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)))

	_, err = decodeMilestone([]byte(`{not json`))
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestSplitBrokers(t *testing.T) {
	require.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokers(" a:9092, ,b:9092 "))
	require.Empty(t, SplitBrokers(""))
}
