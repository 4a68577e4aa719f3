package model

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/balanz/internal/config"
	"github.com/charging-platform/balanz/internal/domain/events"
	"github.com/charging-platform/balanz/internal/domain/ocpp16"
)

func testConfig() *config.Config {
	return &config.Config{
		CSMS: config.CSMSConfig{
			HeartbeatInterval:   300 * time.Second,
			TransactionInterval: 60 * time.Second,
			TransactionTimeout:  300 * time.Second,
			CallTimeout:         30 * time.Second,
		},
		Balanz: config.BalanzConfig{
			RunInterval:                  60 * time.Second,
			IntervalsFull:                5,
			FirstWait:                    30 * time.Second,
			MinAllocation:                6,
			MaxOfferIncrease:             6,
			MinOfferIncreaseInterval:     180 * time.Second,
			UsageMonitoringInterval:      300 * time.Second,
			MarginLower:                  0.6,
			MarginIncrease:               0.6,
			UsageThreshold:               2.0,
			SuspendedAllocationTimeout:   300 * time.Second,
			SuspendedDelayedTime:         3600 * time.Second,
			SuspendedDelayedTimeNotFirst: 3600 * time.Second,
			SuspendTopOfHour:             true,
			EnergyThreshold:              500,
			WaitAfterReduce:              5 * time.Second,
			DefaultMaxAllocation:         32,
		},
	}
}

// newTestStore builds a store on a mock clock parked mid-hour so
// top-of-hour adjustments are unambiguous.
func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 2, 10, 20, 0, 0, time.UTC))
	s := New(testConfig(), nil)
	s.clock = mock
	return s, mock
}

func addTestGroup(t *testing.T, s *Store, id, schedule string) *Group {
	t.Helper()
	sched, err := ParseSchedule(schedule)
	require.NoError(t, err)
	g := &Group{ID: id, MaxAllocation: sched, chargers: make(map[string]*Charger)}
	s.mu.Lock()
	s.groups[id] = g
	s.mu.Unlock()
	return g
}

func addTestCharger(t *testing.T, s *Store, chargerID, groupID string, connectors, priority int) *Charger {
	t.Helper()
	s.mu.Lock()
	err := s.createChargerLocked(chargerID, chargerID, groupID, connectors, priority, "", nil, "")
	s.mu.Unlock()
	require.NoError(t, err)
	return s.chargers[chargerID]
}

// startTestTransaction puts the connector into Charging with a live
// transaction, mirroring what StartTransaction plus a StatusNotification
// would do.
func startTestTransaction(s *Store, c *Charger, connectorID int, idTag string) *Transaction {
	conn := c.Connectors[connectorID]
	s.mu.Lock()
	tx := s.newTransactionLocked(conn, connectorID, idTag, 0, s.clock.Now())
	conn.Status = statusCharging
	s.mu.Unlock()
	return tx
}

func TestResolveChargerID(t *testing.T) {
	s, _ := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	addTestCharger(t, s, "alpha", "g1", 1, 1)
	s.chargers["alpha"].Alias = "Parking A"
	addTestCharger(t, s, "beta", "g1", 1, 1)
	s.chargers["beta"].Alias = "Parking B"

	id, ok := s.ResolveChargerID("alpha")
	assert.True(t, ok)
	assert.Equal(t, "alpha", id)

	id, ok = s.ResolveChargerID("Parking B")
	assert.True(t, ok)
	assert.Equal(t, "beta", id)

	_, ok = s.ResolveChargerID("Parking C")
	assert.False(t, ok)

	// Duplicate aliases are ambiguous and do not resolve.
	s.chargers["beta"].Alias = "Parking A"
	_, ok = s.ResolveChargerID("Parking A")
	assert.False(t, ok)
}

func TestEnsureChargerAutoRegister(t *testing.T) {
	s, _ := newTestStore(t)
	addTestGroup(t, s, "default", "00:00-23:59>0=32")

	_, err := s.EnsureCharger("new-cp")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeNoSuchCharger))

	s.model.ChargerAutoRegister = true
	s.model.ChargerAutoRegisterGroup = "default"
	created, err := s.EnsureCharger("new-cp")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Contains(t, s.chargers, "new-cp")
	assert.Equal(t, 32.0, s.chargers["new-cp"].ConnMax)

	created, err = s.EnsureCharger("new-cp")
	require.NoError(t, err)
	assert.False(t, created)

	// Unknown autoregister group still rejects the charger.
	s.model.ChargerAutoRegisterGroup = "nope"
	_, err = s.EnsureCharger("other-cp")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeNoSuchGroup))
}

func TestConnectDisconnectEvents(t *testing.T) {
	s, _ := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	addTestCharger(t, s, "alpha", "g1", 1, 1)

	require.NoError(t, s.SetConnected("alpha", "10.0.0.5:1234"))
	assert.True(t, s.chargers["alpha"].Connected)

	ev := <-s.Events()
	conn, ok := ev.(*events.ChargerConnectedEvent)
	require.True(t, ok)
	assert.Equal(t, "alpha", conn.GetChargerID())
	assert.Equal(t, "g1", conn.GroupID)

	s.SetDisconnected("alpha", "going away")
	assert.False(t, s.chargers["alpha"].Connected)
	assert.False(t, s.chargers["alpha"].ProfileInitialized)

	ev = <-s.Events()
	disc, ok := ev.(*events.ChargerDisconnectedEvent)
	require.True(t, ok)
	assert.Equal(t, "going away", disc.Reason)

	// A second disconnect for an already-offline charger emits nothing.
	s.SetDisconnected("alpha", "again")
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %v", ev.GetEventType())
	default:
	}
}

func TestCheckUserAuth(t *testing.T) {
	s, _ := newTestStore(t)
	s.users["admin"] = &User{ID: "admin", Type: UserAdmin, AuthSHA: SHA256Hex("admin" + "secret")}

	ut, ok := s.CheckUserAuth("adminsecret")
	assert.True(t, ok)
	assert.Equal(t, UserAdmin, ut)

	_, ok = s.CheckUserAuth("adminwrong")
	assert.False(t, ok)
}

func TestGroupSuspend(t *testing.T) {
	s, _ := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	g2 := addTestGroup(t, s, "plain", "")
	require.Nil(t, g2.MaxAllocation)

	require.NoError(t, s.SetGroupSuspended("g1", true))
	assert.True(t, s.GroupSuspended("g1"))
	require.NoError(t, s.SetGroupSuspended("g1", false))
	assert.False(t, s.GroupSuspended("g1"))

	err := s.SetGroupSuspended("plain", true)
	assert.True(t, IsCode(err, ErrCodeNotAllocationGroup))
	err = s.SetGroupSuspended("missing", true)
	assert.True(t, IsCode(err, ErrCodeNoSuchGroup))
}

func TestInitAndStatusLists(t *testing.T) {
	s, _ := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	addTestCharger(t, s, "alpha", "g1", 2, 1)
	addTestCharger(t, s, "beta", "g1", 1, 1)

	// Nothing to init while disconnected.
	assert.Empty(t, s.ChargersToInit("g1"))

	require.NoError(t, s.SetConnected("alpha", ""))
	init := s.ChargersToInit("g1")
	require.Len(t, init, 1)
	assert.Equal(t, "alpha", init[0].ChargerID)
	assert.Equal(t, []int{1, 2}, init[0].ConnectorIDs)

	s.MarkProfileInitialized("alpha")
	assert.Empty(t, s.ChargersToInit("g1"))

	status := s.ChargersToRequestStatus("g1")
	require.Len(t, status, 1)
	assert.Equal(t, "alpha", status[0].ChargerID)
	s.MarkStatusRequested("alpha")
	assert.Empty(t, s.ChargersToRequestStatus("g1"))

	// Reconnect re-arms both sequences.
	s.SetDisconnected("alpha", "test")
	require.NoError(t, s.SetConnected("alpha", ""))
	assert.Len(t, s.ChargersToInit("g1"), 1)
	assert.Len(t, s.ChargersToRequestStatus("g1"), 1)
}

func TestBlockingProfileLists(t *testing.T) {
	s, _ := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	c := addTestCharger(t, s, "alpha", "g1", 2, 1)
	c.Connectors[1].Status = ocpp16.ChargePointStatusAvailable
	c.Connectors[2].Status = ocpp16.ChargePointStatusAvailable

	assert.Empty(t, s.ConnectorsToRearmBlocking("g1"))
	assert.Empty(t, s.TransactionsAwaitingTxProfile("g1"))

	// A started transaction clears the blocking flag and waits for its
	// TxProfile.
	tx := startTestTransaction(s, c, 1, "TAG1")
	assert.False(t, c.Connectors[1].BlockingProfileReset)
	await := s.TransactionsAwaitingTxProfile("g1")
	require.Len(t, await, 1)
	assert.Equal(t, TransactionRef{ChargerID: "alpha", ConnectorID: 1, TransactionID: tx.ID}, await[0])
	assert.Empty(t, s.ConnectorsToRearmBlocking("g1"))

	s.SetBlockingProfileReset("alpha", 1, true)
	assert.Empty(t, s.TransactionsAwaitingTxProfile("g1"))

	// A cleared blocking profile without a transaction must be re-armed.
	s.mu.Lock()
	c.Connectors[2].BlockingProfileReset = false
	s.mu.Unlock()
	rearm := s.ConnectorsToRearmBlocking("g1")
	require.Len(t, rearm, 1)
	assert.Equal(t, ConnectorRef{ChargerID: "alpha", ConnectorID: 2}, rearm[0])
}

func TestGroupNeedsUrgentRun(t *testing.T) {
	s, _ := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	c := addTestCharger(t, s, "alpha", "g1", 1, 1)
	c.Connectors[1].Status = ocpp16.ChargePointStatusAvailable

	assert.False(t, s.GroupNeedsUrgentRun("g1"))

	// Connected but uninitialized charger.
	require.NoError(t, s.SetConnected("alpha", ""))
	assert.True(t, s.GroupNeedsUrgentRun("g1"))
	s.MarkProfileInitialized("alpha")
	assert.False(t, s.GroupNeedsUrgentRun("g1"))

	// Live transaction still awaiting its first TxProfile.
	startTestTransaction(s, c, 1, "TAG1")
	assert.True(t, s.GroupNeedsUrgentRun("g1"))
	s.SetBlockingProfileReset("alpha", 1, true)
	assert.False(t, s.GroupNeedsUrgentRun("g1"))

	// Connector waiting for power without a transaction.
	s.mu.Lock()
	c.Connectors[1].Transaction = nil
	c.Connectors[1].Status = statusSuspendedEVSE
	c.Connectors[1].toReview = true
	s.mu.Unlock()
	assert.True(t, s.GroupNeedsUrgentRun("g1"))
}

func TestChargeChangeImplemented(t *testing.T) {
	s, mock := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	c := addTestCharger(t, s, "alpha", "g1", 1, 1)
	tx := startTestTransaction(s, c, 1, "TAG1")
	conn := c.Connectors[1]

	s.mu.Lock()
	conn.recentUsages = []usageSample{{usage: 3, at: mock.Now()}}
	conn.SuspendUntil = mock.Now().Add(time.Hour)
	s.mu.Unlock()

	id := tx.ID
	s.ChargeChangeImplemented(ChargeChange{ChargerID: "alpha", ConnectorID: 1, TransactionID: &id, Allocation: 10})

	assert.Equal(t, 10.0, conn.Offered)
	assert.True(t, conn.OfferedSet)
	assert.Equal(t, mock.Now(), conn.LastOfferTime)
	assert.Empty(t, conn.recentUsages)
	assert.True(t, conn.SuspendUntil.IsZero())
	require.Len(t, tx.ChargingHistory, 1)
	assert.Equal(t, 10.0, tx.ChargingHistory[0].Offered)

	ev := <-s.Events()
	applied, ok := ev.(*events.ChargeChangeAppliedEvent)
	require.True(t, ok)
	assert.Equal(t, 10.0, applied.Allocation)
	assert.Equal(t, 0.0, applied.Previous)

	// A reduction to zero keeps the usage window and offer clock: the next
	// offer decision must still see the stale usage.
	s.mu.Lock()
	conn.recentUsages = []usageSample{{usage: 3, at: mock.Now()}}
	s.mu.Unlock()
	before := conn.LastOfferTime
	mock.Add(30 * time.Second)
	s.ChargeChangeImplemented(ChargeChange{ChargerID: "alpha", ConnectorID: 1, TransactionID: &id, Allocation: 0})
	assert.Equal(t, 0.0, conn.Offered)
	assert.Equal(t, before, conn.LastOfferTime)
	assert.Len(t, conn.recentUsages, 1)
}

func TestExpireStaleTransactions(t *testing.T) {
	s, mock := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	c := addTestCharger(t, s, "alpha", "g1", 2, 1)
	startTestTransaction(s, c, 1, "TAG1")
	s.Touch("alpha")

	quiet := addTestCharger(t, s, "beta", "g1", 1, 1)
	startTestTransaction(s, quiet, 1, "TAG2")
	s.Touch("beta")

	// Fresh chargers are left alone.
	assert.Empty(t, s.ExpireStaleTransactions())

	mock.Add(200 * time.Second)
	s.Touch("alpha")
	mock.Add(150 * time.Second) // beta now silent for 350s

	stopped := s.ExpireStaleTransactions()
	require.Len(t, stopped, 1)
	assert.Nil(t, quiet.Connectors[1].Transaction)
	assert.Equal(t, ocpp16.ChargePointStatusAvailable, quiet.Connectors[1].Status)
	assert.NotNil(t, c.Connectors[1].Transaction)

	require.Len(t, s.sessions, 1)
	assert.Equal(t, string(ocpp16.ReasonOther), s.sessions[0].Reason)
	assert.Equal(t, "beta", s.sessions[0].ChargerID)
}

func TestUpdateParams(t *testing.T) {
	s, _ := newTestStore(t)
	s.UpdateParams(func(p *config.BalanzConfig) { p.MinAllocation = 8 })
	assert.Equal(t, 8.0, s.Params().MinAllocation)
}
