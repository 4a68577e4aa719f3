package ocpp16

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeterValuesRequestDecode(t *testing.T) {
	raw := `{
		"connectorId": 1,
		"transactionId": 1,
		"meterValue": [{
			"timestamp": "2026-03-01T12:00:00Z",
			"sampledValue": [
				{"value": "15.9", "measurand": "Current.Import", "phase": "L1", "unit": "A"},
				{"value": "14.2", "measurand": "Current.Import", "phase": "L2", "unit": "A"},
				{"value": "12044", "measurand": "Energy.Active.Import.Register", "unit": "Wh"},
				{"value": "16", "measurand": "Current.Offered", "unit": "A"},
				{"value": "230.1"}
			]
		}]
	}`

	var req MeterValuesRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &req))

	assert.Equal(t, 1, req.ConnectorId)
	require.NotNil(t, req.TransactionId)
	assert.Equal(t, 1, *req.TransactionId)
	require.Len(t, req.MeterValue, 1)
	require.Len(t, req.MeterValue[0].SampledValue, 5)

	first := req.MeterValue[0].SampledValue[0]
	require.NotNil(t, first.Measurand)
	assert.Equal(t, MeasurandCurrentImport, *first.Measurand)
	require.NotNil(t, first.Phase)
	assert.Equal(t, PhaseL1, *first.Phase)

	// A sampled value without a measurand is legal; the reading defaults
	// to the energy register per OCPP 1.6.
	last := req.MeterValue[0].SampledValue[4]
	assert.Nil(t, last.Measurand)
	assert.Equal(t, "230.1", last.Value)
}

func TestStopTransactionRequestOptionalFields(t *testing.T) {
	raw := `{"meterStop": 11500, "timestamp": "2026-03-01T14:30:00Z", "transactionId": 1}`

	var req StopTransactionRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &req))

	assert.Nil(t, req.IdTag)
	assert.Nil(t, req.Reason)
	assert.Equal(t, 11500, req.MeterStop)
	assert.Equal(t, 1, req.TransactionId)
}

func TestClearChargingProfileRequestEncoding(t *testing.T) {
	purpose := ChargingProfilePurposeTxDefaultProfile
	data, err := json.Marshal(ClearChargingProfileRequest{ChargingProfilePurpose: &purpose})
	require.NoError(t, err)
	assert.JSONEq(t, `{"chargingProfilePurpose": "TxDefaultProfile"}`, string(data))

	id := 2
	connector := 1
	data, err = json.Marshal(ClearChargingProfileRequest{Id: &id, ConnectorId: &connector})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id": 2, "connectorId": 1}`, string(data))
}

func TestTriggerMessageRequestEncoding(t *testing.T) {
	connector := 2
	data, err := json.Marshal(TriggerMessageRequest{
		RequestedMessage: MessageTriggerStatusNotification,
		ConnectorId:      &connector,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"requestedMessage": "StatusNotification", "connectorId": 2}`, string(data))

	data, err = json.Marshal(TriggerMessageRequest{RequestedMessage: MessageTriggerBootNotification})
	require.NoError(t, err)
	assert.JSONEq(t, `{"requestedMessage": "BootNotification"}`, string(data))
}
