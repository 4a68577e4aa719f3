package ocpp16

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/charging-platform/balanz/internal/domain/ocpp16"
	"github.com/charging-platform/balanz/internal/model"
)

// handleCall routes one inbound Call to the model and returns the encoded
// reply frame. Unknown payload fields are tolerated; a payload that fails
// to decode yields a FormationViolation CallError.
func (s *Session) handleCall(frame *ocpp16.Frame) []byte {
	var (
		payload interface{}
		err     error
	)

	switch frame.Action {
	case ocpp16.ActionBootNotification:
		var req ocpp16.BootNotificationRequest
		if err = json.Unmarshal(frame.Payload, &req); err == nil {
			payload = s.onBootNotification(&req)
		}
	case ocpp16.ActionHeartbeat:
		s.store.Heartbeat(s.chargerID)
		payload = ocpp16.HeartbeatResponse{CurrentTime: ocpp16.NewDateTime(s.clock.Now().UTC())}
	case ocpp16.ActionAuthorize:
		var req ocpp16.AuthorizeRequest
		if err = json.Unmarshal(frame.Payload, &req); err == nil {
			payload = ocpp16.AuthorizeResponse{IdTagInfo: s.store.Authorize(s.chargerID, req.IdTag)}
		}
	case ocpp16.ActionStatusNotification:
		var req ocpp16.StatusNotificationRequest
		if err = json.Unmarshal(frame.Payload, &req); err == nil {
			payload = s.onStatusNotification(&req)
		}
	case ocpp16.ActionStartTransaction:
		var req ocpp16.StartTransactionRequest
		if err = json.Unmarshal(frame.Payload, &req); err == nil {
			payload = s.onStartTransaction(&req)
		}
	case ocpp16.ActionStopTransaction:
		var req ocpp16.StopTransactionRequest
		if err = json.Unmarshal(frame.Payload, &req); err == nil {
			payload = s.onStopTransaction(&req)
		}
	case ocpp16.ActionMeterValues:
		var req ocpp16.MeterValuesRequest
		if err = json.Unmarshal(frame.Payload, &req); err == nil {
			payload = s.onMeterValues(&req)
		}
	case ocpp16.ActionDataTransfer:
		payload = ocpp16.DataTransferResponse{Status: ocpp16.DataTransferStatusRejected}
	case ocpp16.ActionDiagnosticsStatusNotification:
		payload = ocpp16.DiagnosticsStatusNotificationResponse{}
	case ocpp16.ActionFirmwareStatusNotification:
		payload = ocpp16.FirmwareStatusNotificationResponse{}
	case ocpp16.ActionSignedFirmwareStatusNotification:
		payload = ocpp16.SignedFirmwareStatusNotificationResponse{}
	case ocpp16.ActionLogStatusNotification:
		payload = ocpp16.LogStatusNotificationResponse{}
	case ocpp16.ActionSecurityEventNotification:
		var req ocpp16.SecurityEventNotificationRequest
		if err = json.Unmarshal(frame.Payload, &req); err == nil {
			s.log.Warn().Str("event", req.Type).Msg("Security event from charger")
			payload = ocpp16.SecurityEventNotificationResponse{}
		}
	default:
		s.log.Warn().Str("action", string(frame.Action)).Msg("Unsupported action from charger")
		reply, _ := ocpp16.MarshalCallError(frame.ID, ocpp16.ErrorCodeNotImplemented,
			"Action not supported", nil)
		return reply
	}

	if err != nil {
		s.log.Warn().Err(err).Str("action", string(frame.Action)).Msg("Bad call payload")
		reply, _ := ocpp16.MarshalCallError(frame.ID, ocpp16.ErrorCodeFormationViolation,
			"Invalid payload", nil)
		return reply
	}
	reply, err := ocpp16.MarshalCallResult(frame.ID, payload)
	if err != nil {
		s.log.Error().Err(err).Str("action", string(frame.Action)).Msg("Failed to encode reply")
		reply, _ = ocpp16.MarshalCallError(frame.ID, ocpp16.ErrorCodeInternalError,
			"Failed to encode reply", nil)
	}
	return reply
}

func (s *Session) onBootNotification(req *ocpp16.BootNotificationRequest) ocpp16.BootNotificationResponse {
	info := model.BootInfo{
		Vendor:            req.ChargePointVendor,
		Model:             req.ChargePointModel,
		ChargeBoxSerial:   deref(req.ChargeBoxSerialNumber),
		ChargePointSerial: deref(req.ChargePointSerialNumber),
		FirmwareVersion:   deref(req.FirmwareVersion),
		MeterType:         deref(req.MeterType),
	}
	if err := s.store.BootNotification(s.chargerID, info); err != nil {
		s.log.Error().Err(err).Msg("Failed to record boot notification")
	}
	return ocpp16.BootNotificationResponse{
		Status:      ocpp16.RegistrationStatusAccepted,
		CurrentTime: ocpp16.NewDateTime(s.clock.Now().UTC()),
		Interval:    int(s.csms.HeartbeatInterval.Seconds()),
	}
}

func (s *Session) onStatusNotification(req *ocpp16.StatusNotificationRequest) ocpp16.StatusNotificationResponse {
	if err := s.store.StatusNotification(s.chargerID, req.ConnectorId, req.Status); err != nil {
		s.log.Error().Err(err).Int("connector_id", req.ConnectorId).Msg("Failed to record status")
	}
	return ocpp16.StatusNotificationResponse{}
}

func (s *Session) onStartTransaction(req *ocpp16.StartTransactionRequest) ocpp16.StartTransactionResponse {
	txID, err := s.store.StartTransaction(s.chargerID, req.ConnectorId, req.IdTag,
		int64(req.MeterStart), req.Timestamp.Time)
	if err != nil {
		s.log.Error().Err(err).Int("connector_id", req.ConnectorId).Msg("Failed to start transaction")
		return ocpp16.StartTransactionResponse{
			IdTagInfo:     ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusBlocked},
			TransactionId: 0,
		}
	}
	return ocpp16.StartTransactionResponse{
		IdTagInfo:     ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted},
		TransactionId: txID,
	}
}

func (s *Session) onStopTransaction(req *ocpp16.StopTransactionRequest) ocpp16.StopTransactionResponse {
	reason := ""
	if req.Reason != nil {
		reason = string(*req.Reason)
	}
	if err := s.store.StopTransaction(s.chargerID, req.TransactionId, int64(req.MeterStop),
		req.Timestamp.Time, reason, deref(req.IdTag)); err != nil {
		s.log.Error().Err(err).Int("transaction_id", req.TransactionId).Msg("Failed to stop transaction")
	}
	return ocpp16.StopTransactionResponse{
		IdTagInfo: &ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted},
	}
}

func (s *Session) onMeterValues(req *ocpp16.MeterValuesRequest) ocpp16.MeterValuesResponse {
	if len(req.MeterValue) == 0 {
		return ocpp16.MeterValuesResponse{}
	}
	reading := projectMeterValue(req.MeterValue[0], s.clock.Now())
	if err := s.store.MeterValues(s.chargerID, req.ConnectorId, req.TransactionId, reading); err != nil {
		s.log.Error().Err(err).Int("connector_id", req.ConnectorId).Msg("Failed to record meter values")
	}
	return ocpp16.MeterValuesResponse{}
}

// projectMeterValue reduces one MeterValue batch to the model's reading.
// Usage is the highest Current.Import across phases; a sample with no
// measurand counts as Energy.Active.Import.Register per the OCPP default.
func projectMeterValue(mv ocpp16.MeterValue, now time.Time) model.MeterReading {
	r := model.MeterReading{Timestamp: now}
	if !mv.Timestamp.IsZero() {
		r.Timestamp = mv.Timestamp.Time
	}
	for _, sv := range mv.SampledValue {
		measurand := ocpp16.MeasurandEnergyActiveImportRegister
		if sv.Measurand != nil {
			measurand = *sv.Measurand
		}
		switch measurand {
		case ocpp16.MeasurandEnergyActiveImportRegister:
			if v, err := strconv.ParseFloat(sv.Value, 64); err == nil {
				wh := v
				if sv.Unit != nil && *sv.Unit == ocpp16.UnitOfMeasureKWh {
					wh = v * 1000
				}
				r.EnergyWh = int64(wh)
				r.EnergySet = true
			}
		case ocpp16.MeasurandCurrentImport:
			if v, err := strconv.ParseFloat(sv.Value, 64); err == nil && v > r.Usage {
				r.Usage = v
			}
		case ocpp16.MeasurandCurrentOffered:
			if v, err := strconv.ParseFloat(sv.Value, 64); err == nil {
				r.Offered = v
				r.OfferedSet = true
			}
		}
	}
	return r
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
