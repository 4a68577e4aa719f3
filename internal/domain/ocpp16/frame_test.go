package ocpp16

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameCall(t *testing.T) {
	raw := `[2, "19223201", "BootNotification", {"chargePointVendor": "VendorX", "chargePointModel": "M1"}]`

	frame, err := ParseFrame([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, Call, frame.Type)
	assert.Equal(t, "19223201", frame.ID)
	assert.Equal(t, ActionBootNotification, frame.Action)

	var req BootNotificationRequest
	require.NoError(t, json.Unmarshal(frame.Payload, &req))
	assert.Equal(t, "VendorX", req.ChargePointVendor)
	assert.Equal(t, "M1", req.ChargePointModel)
}

func TestParseFrameCallResult(t *testing.T) {
	raw := `[3, "19223201", {"status": "Accepted"}]`

	frame, err := ParseFrame([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, CallResult, frame.Type)
	assert.Equal(t, "19223201", frame.ID)
	assert.Empty(t, frame.Action)
}

func TestParseFrameCallError(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantDetails bool
	}{
		{
			name:        "five elements",
			raw:         `[4, "42", "ProtocolError", "bad payload", {"field": "connectorId"}]`,
			wantDetails: true,
		},
		{
			name:        "four elements",
			raw:         `[4, "42", "NotSupported", "no such action"]`,
			wantDetails: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := ParseFrame([]byte(tt.raw))
			require.NoError(t, err)

			assert.Equal(t, CallError, frame.Type)
			assert.Equal(t, "42", frame.ID)
			assert.NotEmpty(t, frame.ErrorCode)
			assert.NotEmpty(t, frame.ErrorDescription)
			if tt.wantDetails {
				assert.NotNil(t, frame.ErrorDetails)
			} else {
				assert.Nil(t, frame.ErrorDetails)
			}
		})
	}
}

func TestParseFrameMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `not json at all`},
		{"not an array", `{"messageTypeId": 2}`},
		{"too short", `[2, "id"]`},
		{"call with 3 elements", `[2, "id", "Heartbeat"]`},
		{"call with 5 elements", `[2, "id", "Heartbeat", {}, {}]`},
		{"call result with 4 elements", `[3, "id", {}, {}]`},
		{"call error with 3 elements", `[4, "id", "GenericError"]`},
		{"call error with 6 elements", `[4, "id", "GenericError", "d", {}, {}]`},
		{"unknown type", `[7, "id", {}]`},
		{"non-string id", `[2, 17, "Heartbeat", {}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrame([]byte(tt.raw))
			require.Error(t, err)
			var fe FrameError
			assert.ErrorAs(t, err, &fe)
		})
	}
}

func TestMarshalCall(t *testing.T) {
	data, err := MarshalCall("abc", ActionHeartbeat, HeartbeatRequest{})
	require.NoError(t, err)
	assert.JSONEq(t, `[2, "abc", "Heartbeat", {}]`, string(data))
}

func TestMarshalCallResult(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := MarshalCallResult("abc", HeartbeatResponse{CurrentTime: NewDateTime(now)})
	require.NoError(t, err)
	assert.JSONEq(t, `[3, "abc", {"currentTime": "2026-03-01T12:00:00Z"}]`, string(data))
}

func TestMarshalCallError(t *testing.T) {
	data, err := MarshalCallError("007", ErrorCodeProtocolError, "malformed frame", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[4, "007", "ProtocolError", "malformed frame", {}]`, string(data))
}

func TestMarshalRoundTrip(t *testing.T) {
	payload := SetChargingProfileRequest{
		ConnectorId: 1,
		CsChargingProfiles: ChargingProfile{
			ChargingProfileId:      3,
			StackLevel:             3,
			ChargingProfilePurpose: ChargingProfilePurposeTxProfile,
			ChargingProfileKind:    ChargingProfileKindAbsolute,
			ChargingSchedule: ChargingSchedule{
				ChargingRateUnit: ChargingRateUnitA,
				ChargingSchedulePeriod: []ChargingSchedulePeriod{
					{StartPeriod: 0, Limit: 16},
				},
			},
		},
	}

	data, err := MarshalCall("lc-1", ActionSetChargingProfile, payload)
	require.NoError(t, err)

	frame, err := ParseFrame(data)
	require.NoError(t, err)
	assert.Equal(t, ActionSetChargingProfile, frame.Action)

	var decoded SetChargingProfileRequest
	require.NoError(t, json.Unmarshal(frame.Payload, &decoded))
	assert.Equal(t, payload.ConnectorId, decoded.ConnectorId)
	assert.Equal(t, payload.CsChargingProfiles.ChargingProfileId, decoded.CsChargingProfiles.ChargingProfileId)
	assert.InDelta(t, 16.0, decoded.CsChargingProfiles.ChargingSchedule.ChargingSchedulePeriod[0].Limit, 1e-9)
}

func TestDateTimeUnmarshalVariants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"rfc3339 zulu", `"2026-03-01T12:00:00Z"`, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"with offset", `"2026-03-01T13:00:00+01:00"`, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"fractional no zone", `"2026-03-01T12:00:00.500"`, time.Date(2026, 3, 1, 12, 0, 0, 500000000, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dt DateTime
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &dt))
			assert.True(t, dt.Time.Equal(tt.want), "got %v want %v", dt.Time, tt.want)
		})
	}
}

func TestInTransaction(t *testing.T) {
	assert.True(t, ChargePointStatusCharging.InTransaction())
	assert.True(t, ChargePointStatusSuspendedEV.InTransaction())
	assert.True(t, ChargePointStatusSuspendedEVSE.InTransaction())
	assert.False(t, ChargePointStatusAvailable.InTransaction())
	assert.False(t, ChargePointStatusPreparing.InTransaction())
	assert.False(t, ChargePointStatusFinishing.InTransaction())
	assert.False(t, ChargePointStatusFaulted.InTransaction())
}

func TestCallFailureError(t *testing.T) {
	err := CallFailure{Action: ActionSetChargingProfile, Code: "Rejected", Description: "stack level in use"}
	assert.Contains(t, err.Error(), "SetChargingProfile")
	assert.Contains(t, err.Error(), "Rejected")
	assert.Contains(t, err.Error(), "stack level in use")
}
