package model

import (
	"strings"
	"time"

	"github.com/charging-platform/balanz/internal/domain/events"
	"github.com/charging-platform/balanz/internal/domain/ocpp16"
	"github.com/charging-platform/balanz/internal/metrics"
)

// BootInfo is the identifying detail a charger reports in BootNotification.
type BootInfo struct {
	Vendor            string
	Model             string
	ChargeBoxSerial   string
	ChargePointSerial string
	FirmwareVersion   string
	MeterType         string
}

// MeterReading is one MeterValues batch projected to the values the model
// tracks. Usage is the max Current.Import across phases (missing phases
// count as 0); EnergySet and OfferedSet distinguish absent measurands.
type MeterReading struct {
	Timestamp  time.Time
	Usage      float64
	EnergyWh   int64
	EnergySet  bool
	Offered    float64
	OfferedSet bool
}

// BootNotification records the charger identity fields.
func (s *Store) BootNotification(chargerID string, info BootInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chargers[chargerID]
	if !ok {
		return NewError(ErrCodeNoSuchCharger, "charger %s not found", chargerID)
	}
	c.Vendor = info.Vendor
	c.Model = info.Model
	if info.ChargeBoxSerial != "" {
		c.ChargeBoxSerial = info.ChargeBoxSerial
	}
	if info.ChargePointSerial != "" {
		c.ChargePointSerial = info.ChargePointSerial
	}
	if info.FirmwareVersion != "" {
		c.FirmwareVersion = info.FirmwareVersion
	}
	if info.MeterType != "" {
		c.MeterType = info.MeterType
	}
	s.log.Info().Str("charger_id", chargerID).Str("vendor", info.Vendor).Str("model", info.Model).
		Msg("Boot notification")
	return nil
}

// Heartbeat registers charger liveness. The timestamp itself is tracked via
// Touch on every inbound message.
func (s *Store) Heartbeat(chargerID string) {
	s.log.Debug().Str("charger_id", chargerID).Msg("Heartbeat")
}

// Authorize checks an id tag. Unknown tags are Invalid, deactivated tags
// Blocked, and, unless allow_concurrent_tag is set, a tag already charging
// on another charger is ConcurrentTx.
func (s *Store) Authorize(chargerID, idTag string) ocpp16.IdTagInfo {
	key := strings.ToUpper(idTag)
	s.mu.RLock()
	defer s.mu.RUnlock()

	tag, ok := s.tags[key]
	if !ok {
		s.log.Warn().Str("charger_id", chargerID).Str("id_tag", key).Msg("Authorize rejecting unknown tag")
		return ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusInvalid}
	}
	if tag.Status != TagActivated {
		s.log.Warn().Str("charger_id", chargerID).Str("id_tag", key).Str("status", string(tag.Status)).
			Msg("Authorize rejecting deactivated tag")
		return ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusBlocked}
	}
	if !s.csms.AllowConcurrentTag {
		for cid, c := range s.chargers {
			if cid == chargerID {
				continue
			}
			for _, conn := range c.Connectors {
				if conn.Transaction != nil && strings.ToUpper(conn.Transaction.IDTag) == key {
					s.log.Info().Str("charger_id", chargerID).Str("id_tag", key).Str("in_use_on", cid).
						Msg("Authorize rejecting tag already used in another transaction")
					return ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusConcurrentTx}
				}
			}
		}
	}

	s.log.Info().Str("charger_id", chargerID).Str("id_tag", key).Str("parent_id_tag", tag.ParentID).
		Msg("Authorize accepting tag")
	info := ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted}
	if tag.ParentID != "" {
		parent := tag.ParentID
		info.ParentIdTag = &parent
	}
	return info
}

// newTransactionLocked creates a transaction and applies the connector side
// effects a start implies: engine state resets, the offer clock starts now
// and the blocking default profile is considered cleared.
func (s *Store) newTransactionLocked(conn *Connector, transactionID int, idTag string, meterStart int64, startTime time.Time) *Transaction {
	tx := &Transaction{
		ID:            transactionID,
		ChargerID:     conn.ChargerID,
		ConnectorID:   conn.ID,
		IDTag:         idTag,
		UserName:      "Unknown",
		StartTime:     startTime,
		MeterStart:    meterStart,
		EnergyMeter:   meterStart,
		LastUsageTime: startTime,
	}
	if tag, ok := s.tags[strings.ToUpper(idTag)]; ok {
		tx.UserName = tag.UserName
		if tag.Priority != nil {
			p := *tag.Priority
			tx.Priority = &p
			s.log.Debug().Str("transaction", tx.idStr()).Int("priority", p).Msg("Transaction priority set from tag")
		}
	}

	conn.Transaction = tx
	conn.resetEngineState()
	conn.LastOfferTime = s.clock.Now()
	conn.BlockingProfileReset = false

	s.log.Info().Str("transaction", tx.idStr()).Str("id_tag", idTag).Int64("meter_start", meterStart).
		Time("start_time", startTime).Msg("Created transaction")
	return tx
}

// StartTransaction opens a transaction on the connector and returns the
// assigned transaction id (the connector id). A replay with a matching
// start time returns the existing id; a mismatch stops the old transaction
// first.
func (s *Store) StartTransaction(chargerID string, connectorID int, idTag string, meterStart int64, ts time.Time) (int, error) {
	s.mu.Lock()
	c, ok := s.chargers[chargerID]
	if !ok {
		s.mu.Unlock()
		return 0, NewError(ErrCodeNoSuchCharger, "charger %s not found", chargerID)
	}
	conn, ok := c.Connectors[connectorID]
	if !ok {
		s.mu.Unlock()
		return 0, NewError(ErrCodeNoSuchConnector, "connector %s/%d not found", chargerID, connectorID)
	}

	if conn.Transaction != nil {
		s.log.Warn().Str("connector", conn.idStr()).Int("transaction_id", conn.Transaction.ID).
			Msg("Start for connector already in transaction")
		if conn.Transaction.StartTime.Equal(ts) {
			id := conn.Transaction.ID
			s.mu.Unlock()
			s.log.Warn().Str("connector", conn.idStr()).Msg("Assuming replayed start as timestamps match")
			return id, nil
		}
		s.log.Warn().Str("connector", conn.idStr()).Msg("Stopping old transaction before starting new")
		s.stopTransactionLocked(c, conn.Transaction.ID, conn.Transaction.EnergyMeter, ts,
			"Start transaction without stop transaction", "")
	}

	s.newTransactionLocked(conn, connectorID, idTag, meterStart, ts)
	conn.toReview = true
	s.mu.Unlock()

	s.flushSessionWriter()
	return connectorID, nil
}

// stopTransactionLocked closes the transaction with the given id on any of
// the charger's connectors, records the completed session and resets the
// connector's engine state. Returns the session id, empty when the
// transaction was not found.
func (s *Store) stopTransactionLocked(c *Charger, transactionID int, meterStop int64, ts time.Time, reason, stopIDTag string) string {
	var conn *Connector
	for _, id := range connectorIDs(c) {
		cand := c.Connectors[id]
		if cand.Transaction != nil && cand.Transaction.ID == transactionID {
			conn = cand
			break
		}
	}
	if conn == nil {
		s.log.Error().Str("charger_id", c.ID).Int("transaction_id", transactionID).
			Msg("Stop for unknown transaction")
		return ""
	}

	tx := conn.Transaction
	tx.ChargingHistory = append(tx.ChargingHistory, HistoryEntry{At: ts, Offered: 0})
	session := newSession(tx, c, meterStop, ts, reason, stopIDTag)
	s.sessions = append(s.sessions, session)
	s.pendingSessions = append(s.pendingSessions, session)

	conn.Transaction = nil
	conn.resetEngineState()

	s.emit(&events.SessionCompletedEvent{
		BaseEvent:   events.NewBaseEvent(events.EventTypeSessionCompleted, c.ID),
		SessionID:   session.SessionID,
		GroupID:     session.GroupID,
		ConnectorID: session.ConnectorID,
		IDTag:       session.IDTag,
		UserName:    session.UserName,
		StartTime:   session.StartTime,
		EndTime:     session.EndTime,
		EnergyWh:    session.EnergyWh,
		StopReason:  session.Reason,
	})
	s.log.Info().Str("connector", conn.idStr()).Str("session_id", session.SessionID).
		Str("stop_id_tag", stopIDTag).Str("reason", reason).Msg("Stopped transaction")
	return session.SessionID
}

// StopTransaction closes a transaction and persists the resulting session.
func (s *Store) StopTransaction(chargerID string, transactionID int, meterStop int64, ts time.Time, reason, stopIDTag string) error {
	s.mu.Lock()
	c, ok := s.chargers[chargerID]
	if !ok {
		s.mu.Unlock()
		return NewError(ErrCodeNoSuchCharger, "charger %s not found", chargerID)
	}
	sessionID := s.stopTransactionLocked(c, transactionID, meterStop, ts, reason, stopIDTag)
	s.mu.Unlock()

	if sessionID == "" {
		return NewError(ErrCodeNoSuchConnector, "transaction %d not found on %s", transactionID, chargerID)
	}
	metrics.SessionsCompleted.Inc()
	s.flushSessionWriter()
	return nil
}

// StatusNotification updates a connector's status. Connector 0 addresses
// the charger as a whole and is ignored.
func (s *Store) StatusNotification(chargerID string, connectorID int, status ocpp16.ChargePointStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chargers[chargerID]
	if !ok {
		return NewError(ErrCodeNoSuchCharger, "charger %s not found", chargerID)
	}
	if connectorID == 0 {
		s.log.Debug().Str("charger_id", chargerID).Str("status", string(status)).
			Msg("Ignoring status notification for connector 0")
		return nil
	}
	conn, ok := c.Connectors[connectorID]
	if !ok {
		return NewError(ErrCodeNoSuchConnector, "connector %s/%d not found", chargerID, connectorID)
	}

	now := s.clock.Now()
	if status != conn.Status {
		s.log.Info().Str("connector", conn.idStr()).Str("old", string(conn.Status)).Str("new", string(status)).
			Msg("Updating connector status")
		conn.Status = status

		// A connector parked in SuspendedEVSE without a transaction is the
		// tag-scanned-waiting-for-power case the loop reviews urgently.
		if conn.Transaction == nil && status == statusSuspendedEVSE {
			conn.toReview = true
		}
		if status == statusSuspendedEV {
			conn.updateRecentUsage(0, now, now, s.params.UsageMonitoringInterval)
			if conn.Transaction != nil {
				conn.Transaction.UsageMeter = 0
				conn.Transaction.UsageMeterSet = true
			}
		}
	}

	// Outside a transaction the charging-profile logic guarantees nothing
	// is offered; realign regardless of whether the status changed.
	if !status.InTransaction() {
		conn.Offered = 0
		conn.OfferedSet = true
		conn.resetEngineState()
	}
	return nil
}

// MeterValues ingests one projected MeterValues batch. A transaction id
// without a live transaction is the restart case: the transaction is
// synthesized and a plausible status inferred from the readings.
func (s *Store) MeterValues(chargerID string, connectorID int, transactionID *int, r MeterReading) error {
	s.mu.Lock()
	c, ok := s.chargers[chargerID]
	if !ok {
		s.mu.Unlock()
		return NewError(ErrCodeNoSuchCharger, "charger %s not found", chargerID)
	}
	conn, ok := c.Connectors[connectorID]
	if !ok {
		s.mu.Unlock()
		s.log.Warn().Str("charger_id", chargerID).Int("connector_id", connectorID).
			Msg("Meter values for unknown connector")
		return nil
	}

	now := s.clock.Now()
	if transactionID != nil {
		if conn.Transaction == nil {
			s.log.Warn().Str("connector", conn.idStr()).Int("transaction_id", *transactionID).
				Msg("Meter values without live transaction, synthesizing one")
			s.newTransactionLocked(conn, *transactionID, "Unknown", 0, now)
			if !conn.Status.InTransaction() {
				// A reported offer of exactly 0 counts the same as the
				// measurand being absent.
				offeredOpen := !r.OfferedSet || r.Offered >= 0
				switch {
				case r.Usage > 0 && offeredOpen:
					conn.Status = statusCharging
				case r.Usage == 0 && offeredOpen:
					conn.Status = statusSuspendedEV
				default:
					conn.Status = statusSuspendedEVSE
				}
			}
		}
		conn.Transaction.UsageMeter = r.Usage
		conn.Transaction.UsageMeterSet = true
		if r.EnergySet {
			conn.Transaction.EnergyMeter = r.EnergyWh
		}
		conn.Transaction.LastUsageTime = r.Timestamp
	}

	s.log.Debug().Str("connector", conn.idStr()).Float64("usage", r.Usage).Int64("energy", r.EnergyWh).
		Float64("offered", r.Offered).Bool("offered_set", r.OfferedSet).Msg("Meter values")

	// The reported offer wins over what the engine believes is in force.
	if r.OfferedSet && (!conn.OfferedSet || conn.Offered != r.Offered) {
		s.log.Warn().Str("connector", conn.idStr()).Float64("reported", r.Offered).Float64("expected", conn.Offered).
			Msg("Reported offer differs from expected, adjusting")
		conn.Offered = r.Offered
		conn.OfferedSet = true
		if conn.LastOfferTime.IsZero() {
			conn.LastOfferTime = now
		}
	}

	conn.updateRecentUsage(r.Usage, r.Timestamp, now, s.params.UsageMonitoringInterval)
	s.mu.Unlock()
	return nil
}
