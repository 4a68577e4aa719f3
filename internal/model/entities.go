package model

import (
	"fmt"
	"time"

	"github.com/charging-platform/balanz/internal/domain/ocpp16"
)

// Entities in this file are owned by the Store and must only be touched while
// holding its lock. Loop and API consumers work on value snapshots instead.

// Status shorthands for the states the engine cares about.
const (
	statusAvailable     = ocpp16.ChargePointStatusAvailable
	statusCharging      = ocpp16.ChargePointStatusCharging
	statusSuspendedEV   = ocpp16.ChargePointStatusSuspendedEV
	statusSuspendedEVSE = ocpp16.ChargePointStatusSuspendedEVSE
)

// ChargeChange is one allocation change the balanz engine wants applied.
// TransactionID is nil for the starting case, where no transaction exists yet
// and the change is made by clearing (or restoring) the blocking default
// profile instead of setting a TxProfile.
type ChargeChange struct {
	ChargerID     string
	ConnectorID   int
	TransactionID *int
	Allocation    float64 // A
}

func (c ChargeChange) String() string {
	tx := "-"
	if c.TransactionID != nil {
		tx = fmt.Sprintf("%d", *c.TransactionID)
	}
	return fmt.Sprintf("%s/%d tx=%s alloc=%g", c.ChargerID, c.ConnectorID, tx, c.Allocation)
}

// HistoryEntry records one offer level over the course of a transaction.
type HistoryEntry struct {
	At      time.Time
	Offered float64
}

type usageSample struct {
	usage float64
	at    time.Time
}

// Group is a set of chargers sharing a capacity budget. Groups with a
// schedule are allocation groups and get a balanz loop.
type Group struct {
	ID            string
	Description   string
	MaxAllocation *Schedule // nil for non-allocation groups

	// Suspended stops the balanz loop from planning for this group.
	Suspended bool

	chargers map[string]*Charger
}

// IsAllocationGroup reports whether the group carries a capacity schedule.
func (g *Group) IsAllocationGroup() bool {
	return g.MaxAllocation != nil
}

func (g *Group) offered() float64 {
	var sum float64
	for _, c := range g.chargers {
		sum += c.offered()
	}
	return sum
}

func (g *Group) usage() float64 {
	var sum float64
	for _, c := range g.chargers {
		sum += c.usage()
	}
	return sum
}

// Charger is a physical charge point with one or more connectors.
type Charger struct {
	ID          string
	Alias       string
	GroupID     string
	Priority    int
	Description string
	ConnMax     float64 // max amps a single connector may be offered
	AuthSHA     string  // sha256 of the expected Authorization header, empty until provisioned

	// Reported by BootNotification.
	Vendor            string
	Model             string
	ChargeBoxSerial   string
	ChargePointSerial string
	FirmwareVersion   string
	MeterType         string

	Connectors map[int]*Connector

	// Connected tracks whether a live OCPP session exists. LastUpdate is the
	// last time anything was heard and deliberately survives disconnects so
	// the watchdog can expire stale transactions.
	Connected  bool
	LastUpdate time.Time

	// ProfileInitialized is set once the default charging profiles have been
	// driven onto the charger; RequestedStatus once post-connect state has
	// been triggered.
	ProfileInitialized bool
	RequestedStatus    bool
}

func (c *Charger) offered() float64 {
	var sum float64
	for _, conn := range c.Connectors {
		if conn.OfferedSet {
			sum += conn.Offered
		}
	}
	return sum
}

func (c *Charger) usage() float64 {
	var sum float64
	for _, conn := range c.Connectors {
		if conn.Transaction != nil && conn.Transaction.UsageMeterSet {
			sum += conn.Transaction.UsageMeter
		}
	}
	return sum
}

func (c *Charger) energy() int64 {
	var sum int64
	for _, conn := range c.Connectors {
		if conn.Transaction != nil {
			sum += conn.Transaction.EnergyMeter
		}
	}
	return sum
}

// Connector is a physical connector on a charger. While a transaction is
// live it points at it; outside a transaction nothing is offered.
type Connector struct {
	ChargerID string
	ID        int

	Status      ocpp16.ChargePointStatus
	Transaction *Transaction

	// Offered is the amps currently offered, as committed by the engine or
	// corrected from MeterValues. OfferedSet distinguishes "never reported"
	// from a genuine zero.
	Offered    float64
	OfferedSet bool

	// Engine state surviving across passes. Reset at transaction start.
	EVMaxUsage    float64 // sticky per-session ceiling learned from EV behaviour
	EVMaxUsageSet bool
	SuspendUntil  time.Time // zero when not suspended
	LastOfferTime time.Time // zero until a first offer is made

	// BlockingProfileReset is false while the blocking default profile needs
	// to be (re)instated on the charger, either because a transaction just
	// started or because a start attempt cleared it without a transaction
	// materializing.
	BlockingProfileReset bool

	recentUsages []usageSample
	toReview     bool

	// Per-pass scratch, zeroed at the start of every engine pass.
	allocation float64
	maxDesired float64
	done       bool

	charger *Charger
}

// newConnector creates a connector in its pre-status state. The blocking
// default profile counts as in place until a transaction clears it.
func newConnector(charger *Charger, id int) *Connector {
	return &Connector{
		ChargerID:            charger.ID,
		ID:                   id,
		BlockingProfileReset: true,
		charger:              charger,
	}
}

func (c *Connector) idStr() string {
	return fmt.Sprintf("%s/%d", c.ChargerID, c.ID)
}

func (c *Connector) connMax() float64 {
	return c.charger.ConnMax
}

// connPriority is the charger priority, unless the transaction's tag carried
// an override.
func (c *Connector) connPriority() int {
	if c.Transaction != nil && c.Transaction.Priority != nil {
		return *c.Transaction.Priority
	}
	return c.charger.Priority
}

// resetEngineState clears the fields the engine derives over a session.
// The blocking flag is tracked independently of this.
func (c *Connector) resetEngineState() {
	c.EVMaxUsage = 0
	c.EVMaxUsageSet = false
	c.SuspendUntil = time.Time{}
	c.LastOfferTime = time.Time{}
	c.recentUsages = nil
}

func (c *Connector) updateRecentUsage(usage float64, at, now time.Time, window time.Duration) {
	c.recentUsages = append(c.recentUsages, usageSample{usage: usage, at: at})
	c.expireRecentUsage(now, window)
}

func (c *Connector) expireRecentUsage(now time.Time, window time.Duration) {
	kept := c.recentUsages[:0]
	for _, s := range c.recentUsages {
		if now.Sub(s.at) < window {
			kept = append(kept, s)
		}
	}
	c.recentUsages = kept
}

// maxRecentUsage is the highest usage sample inside the monitoring window,
// zero when no samples remain.
func (c *Connector) maxRecentUsage(now time.Time, window time.Duration) float64 {
	c.expireRecentUsage(now, window)
	var max float64
	for _, s := range c.recentUsages {
		if s.usage > max {
			max = s.usage
		}
	}
	return max
}

// Transaction is a live charging transaction on a connector.
type Transaction struct {
	ID          int
	ChargerID   string
	ConnectorID int
	IDTag       string
	UserName    string
	StartTime   time.Time
	MeterStart  int64 // Wh

	// Live meter readings.
	UsageMeter    float64 // A
	UsageMeterSet bool
	EnergyMeter   int64 // Wh
	LastUsageTime time.Time

	// Priority override from the tag, nil when the charger priority applies.
	Priority *int

	ChargingHistory []HistoryEntry
}

func (t *Transaction) idStr() string {
	return fmt.Sprintf("%s/%d:%d", t.ChargerID, t.ConnectorID, t.ID)
}
