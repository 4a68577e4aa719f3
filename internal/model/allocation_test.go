package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chargingFixture opens a transaction on the connector and backfills the
// reported state the engine works from: the current offer, when it was made
// and the usage samples seen since.
func chargingFixture(s *Store, c *Charger, connectorID int, offered float64, offerAge time.Duration, usage float64) *Transaction {
	tx := startTestTransaction(s, c, connectorID, "TAG")
	conn := c.Connectors[connectorID]
	now := s.clock.Now()
	s.mu.Lock()
	conn.Offered = offered
	conn.OfferedSet = true
	conn.LastOfferTime = now.Add(-offerAge)
	tx.UsageMeter = usage
	tx.UsageMeterSet = true
	if usage > 0 {
		conn.recentUsages = []usageSample{{usage: usage, at: now.Add(-time.Minute)}}
	}
	s.mu.Unlock()
	return tx
}

func TestPlanGroupGrantsStarterMinimum(t *testing.T) {
	s, _ := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	c := addTestCharger(t, s, "cp1", "g1", 1, 1)
	conn := c.Connectors[1]
	s.mu.Lock()
	conn.Status = statusSuspendedEVSE
	conn.Offered = 0
	conn.OfferedSet = true
	s.mu.Unlock()

	reduce, grow, err := s.PlanGroup("g1")
	require.NoError(t, err)
	assert.Empty(t, reduce)
	require.Len(t, grow, 1)
	assert.Equal(t, "cp1", grow[0].ChargerID)
	assert.Equal(t, 1, grow[0].ConnectorID)
	assert.Nil(t, grow[0].TransactionID)
	assert.Equal(t, 6.0, grow[0].Allocation)
}

func TestPlanGroupNoCandidates(t *testing.T) {
	s, _ := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	c := addTestCharger(t, s, "cp1", "g1", 1, 1)
	c.Connectors[1].Status = statusAvailable

	reduce, grow, err := s.PlanGroup("g1")
	require.NoError(t, err)
	assert.Empty(t, reduce)
	assert.Empty(t, grow)
}

func TestPlanGroupRampsUpActiveCharging(t *testing.T) {
	s, _ := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	c := addTestCharger(t, s, "cp1", "g1", 1, 1)
	// Offered 6 A, drawing 5.8 A, last offer 200s ago: close to the margin
	// and past min_offer_increase_interval, so the offer may grow by 6.
	tx := chargingFixture(s, c, 1, 6, 200*time.Second, 5.8)

	reduce, grow, err := s.PlanGroup("g1")
	require.NoError(t, err)
	assert.Empty(t, reduce)
	require.Len(t, grow, 1)
	require.NotNil(t, grow[0].TransactionID)
	assert.Equal(t, tx.ID, *grow[0].TransactionID)
	assert.Equal(t, 12.0, grow[0].Allocation)
}

func TestPlanGroupHoldsOfferInsideIncreaseInterval(t *testing.T) {
	s, _ := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	c := addTestCharger(t, s, "cp1", "g1", 1, 1)
	// Same draw, but the offer is only 60s old: no change at all.
	chargingFixture(s, c, 1, 6, 60*time.Second, 5.8)

	reduce, grow, err := s.PlanGroup("g1")
	require.NoError(t, err)
	assert.Empty(t, reduce)
	assert.Empty(t, grow)
}

func TestPlanGroupPriorityPreemption(t *testing.T) {
	s, _ := newTestStore(t)
	// 16 A total, of which only 10 A is open to priority 0 traffic.
	addTestGroup(t, s, "g1", "00:00-23:59>0=10:5=16")
	lp := addTestCharger(t, s, "cp1", "g1", 1, 1)
	hp := addTestCharger(t, s, "cp2", "g1", 1, 1)

	lpTx := chargingFixture(s, lp, 1, 12, 60*time.Second, 11.5)
	hpTx := chargingFixture(s, hp, 1, 0, 0, 0)
	prio := 5
	hpTx.Priority = &prio

	reduce, grow, err := s.PlanGroup("g1")
	require.NoError(t, err)

	// The high-priority starter gets its minimum from the 16 A bucket; the
	// low-priority session is pushed back into its own 10 A bucket.
	require.Len(t, grow, 1)
	assert.Equal(t, "cp2", grow[0].ChargerID)
	assert.Equal(t, 6.0, grow[0].Allocation)
	require.NotNil(t, grow[0].TransactionID)
	assert.Equal(t, hpTx.ID, *grow[0].TransactionID)

	require.Len(t, reduce, 1)
	assert.Equal(t, "cp1", reduce[0].ChargerID)
	assert.Equal(t, 10.0, reduce[0].Allocation)
	require.NotNil(t, reduce[0].TransactionID)
	assert.Equal(t, lpTx.ID, *reduce[0].TransactionID)
}

func TestPlanGroupSuspendedEVRelease(t *testing.T) {
	t.Run("charged car waits the long delay", func(t *testing.T) {
		s, mock := newTestStore(t)
		addTestGroup(t, s, "g1", "00:00-23:59>0=32")
		c := addTestCharger(t, s, "cp1", "g1", 1, 1)
		tx := chargingFixture(s, c, 1, 10, 360*time.Second, 0)
		conn := c.Connectors[1]
		s.mu.Lock()
		conn.Status = statusSuspendedEV
		tx.EnergyMeter = 600 // past energy_threshold: the EV really charged
		s.mu.Unlock()

		reduce, grow, err := s.PlanGroup("g1")
		require.NoError(t, err)
		assert.Empty(t, grow)
		require.Len(t, reduce, 1)
		assert.Equal(t, 0.0, reduce[0].Allocation)
		assert.Equal(t, mock.Now().Add(3600*time.Second), conn.SuspendUntil)
	})

	t.Run("uncharged car retries at the top of the hour", func(t *testing.T) {
		s, _ := newTestStore(t)
		addTestGroup(t, s, "g1", "00:00-23:59>0=32")
		c := addTestCharger(t, s, "cp1", "g1", 1, 1)
		tx := chargingFixture(s, c, 1, 10, 360*time.Second, 0)
		conn := c.Connectors[1]
		s.mu.Lock()
		conn.Status = statusSuspendedEV
		tx.EnergyMeter = 100 // barely anything: likely a delayed start
		s.mu.Unlock()

		reduce, grow, err := s.PlanGroup("g1")
		require.NoError(t, err)
		assert.Empty(t, grow)
		require.Len(t, reduce, 1)
		assert.Equal(t, 0.0, reduce[0].Allocation)
		// Half the suspend timeout before 11:00.
		assert.True(t, conn.SuspendUntil.Equal(time.Date(2025, 6, 2, 10, 57, 30, 0, time.UTC)),
			"suspend until %v", conn.SuspendUntil)
	})

	t.Run("inside the grace period the EV keeps the minimum", func(t *testing.T) {
		s, _ := newTestStore(t)
		addTestGroup(t, s, "g1", "00:00-23:59>0=32")
		c := addTestCharger(t, s, "cp1", "g1", 1, 1)
		chargingFixture(s, c, 1, 10, 100*time.Second, 0)
		conn := c.Connectors[1]
		s.mu.Lock()
		conn.Status = statusSuspendedEV
		s.mu.Unlock()

		reduce, grow, err := s.PlanGroup("g1")
		require.NoError(t, err)
		assert.Empty(t, grow)
		require.Len(t, reduce, 1)
		assert.Equal(t, 6.0, reduce[0].Allocation)
		assert.True(t, conn.SuspendUntil.IsZero())
	})
}

func TestPlanGroupSuspendedConnectorStaysBlocked(t *testing.T) {
	s, mock := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	c := addTestCharger(t, s, "cp1", "g1", 1, 1)
	conn := c.Connectors[1]
	s.mu.Lock()
	conn.Status = statusSuspendedEVSE
	conn.Offered = 6
	conn.OfferedSet = true
	conn.SuspendUntil = mock.Now().Add(30 * time.Minute)
	s.mu.Unlock()

	reduce, grow, err := s.PlanGroup("g1")
	require.NoError(t, err)
	assert.Empty(t, grow)
	require.Len(t, reduce, 1)
	assert.Equal(t, 0.0, reduce[0].Allocation)

	// Once the suspension lapses the starter minimum comes back.
	mock.Add(31 * time.Minute)
	s.mu.Lock()
	conn.Offered = 0
	s.mu.Unlock()
	reduce, grow, err = s.PlanGroup("g1")
	require.NoError(t, err)
	assert.Empty(t, reduce)
	require.Len(t, grow, 1)
	assert.Equal(t, 6.0, grow[0].Allocation)

	// Applying the grant is what clears the suspension bookkeeping.
	s.ChargeChangeImplemented(grow[0])
	assert.True(t, conn.SuspendUntil.IsZero())
}

func TestPlanGroupVoluntaryReduce(t *testing.T) {
	s, _ := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	c := addTestCharger(t, s, "cp1", "g1", 1, 1)
	// Offered 16 A for 360s but the EV only ever drew 8.2 A.
	chargingFixture(s, c, 1, 16, 360*time.Second, 8.2)
	conn := c.Connectors[1]

	reduce, grow, err := s.PlanGroup("g1")
	require.NoError(t, err)
	assert.Empty(t, grow)
	require.Len(t, reduce, 1)
	assert.Equal(t, 9.0, reduce[0].Allocation)
	assert.True(t, conn.EVMaxUsageSet)
	assert.Equal(t, 9.0, conn.EVMaxUsage)

	// The learned ceiling keeps later passes from growing past it.
	s.mu.Lock()
	conn.Offered = 9
	conn.LastOfferTime = s.clock.Now().Add(-200 * time.Second)
	conn.recentUsages = []usageSample{{usage: 8.8, at: s.clock.Now().Add(-time.Minute)}}
	s.mu.Unlock()
	reduce, grow, err = s.PlanGroup("g1")
	require.NoError(t, err)
	assert.Empty(t, reduce)
	assert.Empty(t, grow)
}

func TestPlanGroupScarcityRoundRobin(t *testing.T) {
	s, _ := newTestStore(t)
	// Only 8 A for two sessions that are each offered 6 A and want more.
	addTestGroup(t, s, "g1", "00:00-23:59>0=8")
	c1 := addTestCharger(t, s, "cp1", "g1", 1, 1)
	c2 := addTestCharger(t, s, "cp2", "g1", 1, 1)
	chargingFixture(s, c1, 1, 6, 360*time.Second, 5.8)
	chargingFixture(s, c2, 1, 6, 360*time.Second, 5.8)

	reduce, grow, err := s.PlanGroup("g1")
	require.NoError(t, err)

	// Only one minimum fits; the round-robin then tops both with the
	// leftovers, leaving the loser below the minimum.
	require.Len(t, grow, 1)
	assert.Equal(t, "cp1", grow[0].ChargerID)
	assert.Equal(t, 7.0, grow[0].Allocation)
	require.Len(t, reduce, 1)
	assert.Equal(t, "cp2", reduce[0].ChargerID)
	assert.Equal(t, 1.0, reduce[0].Allocation)
}

func TestPlanGroupErrors(t *testing.T) {
	s, _ := newTestStore(t)
	addTestGroup(t, s, "plain", "")
	addTestGroup(t, s, "night", "23:00-23:59>0=32")

	_, _, err := s.PlanGroup("missing")
	assert.True(t, IsCode(err, ErrCodeNoSuchGroup))

	_, _, err = s.PlanGroup("plain")
	assert.True(t, IsCode(err, ErrCodeNotAllocationGroup))

	// Schedule exists but covers no bucket right now.
	_, _, err = s.PlanGroup("night")
	assert.True(t, IsCode(err, ErrCodeIllegalArguments))
}

func TestPlanGroupAssumesZeroWithoutReportedOffer(t *testing.T) {
	s, _ := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	c := addTestCharger(t, s, "cp1", "g1", 1, 1)
	startTestTransaction(s, c, 1, "TAG")
	conn := c.Connectors[1]
	require.False(t, conn.OfferedSet)

	_, grow, err := s.PlanGroup("g1")
	require.NoError(t, err)
	assert.True(t, conn.OfferedSet)
	require.Len(t, grow, 1)
	assert.Equal(t, 6.0, grow[0].Allocation)
}
