package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBaseEvent(t *testing.T) {
	before := time.Now().UTC()
	event := NewBaseEvent(EventTypeSessionCompleted, "cp-001")
	after := time.Now().UTC()

	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, EventTypeSessionCompleted, event.GetEventType())
	assert.Equal(t, "cp-001", event.GetChargerID())
	assert.False(t, event.GetTimestamp().Before(before))
	assert.False(t, event.GetTimestamp().After(after))
}

func TestEventIDsAreUnique(t *testing.T) {
	a := NewBaseEvent(EventTypeChargerConnected, "cp-001")
	b := NewBaseEvent(EventTypeChargerConnected, "cp-001")
	assert.NotEqual(t, a.EventID, b.EventID)
}

func TestChargerConnectedEventJSON(t *testing.T) {
	event := NewChargerConnectedEvent("cp-001", "10.0.0.5:51234", "depot")

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "charger.connected", decoded["eventType"])
	assert.Equal(t, "cp-001", decoded["chargerId"])
	assert.Equal(t, "10.0.0.5:51234", decoded["remoteAddr"])
	assert.Equal(t, "depot", decoded["groupId"])
}

func TestChargeChangeAppliedEventOmitsNilTransaction(t *testing.T) {
	event := &ChargeChangeAppliedEvent{
		BaseEvent:   NewBaseEvent(EventTypeChargeChangeApplied, "cp-001"),
		GroupID:     "depot",
		ConnectorID: 1,
		Allocation:  6,
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "transactionId")

	txID := 1
	event.TransactionID = &txID
	data, err = json.Marshal(event)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"transactionId":1`)
}
