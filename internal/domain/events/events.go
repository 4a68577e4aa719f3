package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies an integration event published to the message
// broker.
type EventType string

const (
	EventTypeChargerConnected    EventType = "charger.connected"
	EventTypeChargerDisconnected EventType = "charger.disconnected"
	EventTypeSessionCompleted    EventType = "session.completed"
	EventTypeChargeChangeApplied EventType = "charge.change.applied"
)

// Event is the common surface of all integration events.
type Event interface {
	GetEventID() string
	GetEventType() EventType
	GetTimestamp() time.Time
	GetChargerID() string
}

// BaseEvent carries the fields shared by every event.
type BaseEvent struct {
	EventID   string    `json:"eventId"`
	EventType EventType `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
	ChargerID string    `json:"chargerId"`
}

func (e BaseEvent) GetEventID() string      { return e.EventID }
func (e BaseEvent) GetEventType() EventType { return e.EventType }
func (e BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e BaseEvent) GetChargerID() string    { return e.ChargerID }

// NewBaseEvent stamps a fresh event id and UTC timestamp.
func NewBaseEvent(eventType EventType, chargerID string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		ChargerID: chargerID,
	}
}

// ChargerConnectedEvent is emitted when a charger's WebSocket session
// is accepted.
type ChargerConnectedEvent struct {
	BaseEvent
	RemoteAddr string `json:"remoteAddr"`
	GroupID    string `json:"groupId"`
}

// ChargerDisconnectedEvent is emitted when a charger's session ends.
type ChargerDisconnectedEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

// SessionCompletedEvent mirrors one completed charging session.
type SessionCompletedEvent struct {
	BaseEvent
	SessionID   string    `json:"sessionId"`
	GroupID     string    `json:"groupId"`
	ConnectorID int       `json:"connectorId"`
	IDTag       string    `json:"idTag"`
	UserName    string    `json:"userName"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	EnergyWh    int64     `json:"energyWh"`
	StopReason  string    `json:"stopReason"`
}

// ChargeChangeAppliedEvent records one allocation change committed to a
// charger.
type ChargeChangeAppliedEvent struct {
	BaseEvent
	GroupID       string  `json:"groupId"`
	ConnectorID   int     `json:"connectorId"`
	TransactionID *int    `json:"transactionId,omitempty"`
	Allocation    float64 `json:"allocation"`
	Previous      float64 `json:"previous"`
}

// NewChargerConnectedEvent builds a charger.connected event.
func NewChargerConnectedEvent(chargerID, remoteAddr, groupID string) *ChargerConnectedEvent {
	return &ChargerConnectedEvent{
		BaseEvent:  NewBaseEvent(EventTypeChargerConnected, chargerID),
		RemoteAddr: remoteAddr,
		GroupID:    groupID,
	}
}

// NewChargerDisconnectedEvent builds a charger.disconnected event.
func NewChargerDisconnectedEvent(chargerID, reason string) *ChargerDisconnectedEvent {
	return &ChargerDisconnectedEvent{
		BaseEvent: NewBaseEvent(EventTypeChargerDisconnected, chargerID),
		Reason:    reason,
	}
}
