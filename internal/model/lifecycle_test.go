package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/balanz/internal/domain/ocpp16"
)

func TestBootNotification(t *testing.T) {
	s, _ := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	addTestCharger(t, s, "cp1", "g1", 1, 1)

	err := s.BootNotification("ghost", BootInfo{})
	assert.True(t, IsCode(err, ErrCodeNoSuchCharger))

	require.NoError(t, s.BootNotification("cp1", BootInfo{
		Vendor: "ACME", Model: "One", FirmwareVersion: "1.2.3", MeterType: "AC",
	}))
	c := s.chargers["cp1"]
	assert.Equal(t, "ACME", c.Vendor)
	assert.Equal(t, "1.2.3", c.FirmwareVersion)

	// Optional fields left out of a later boot do not wipe known values.
	require.NoError(t, s.BootNotification("cp1", BootInfo{Vendor: "ACME", Model: "One"}))
	assert.Equal(t, "1.2.3", c.FirmwareVersion)
	assert.Equal(t, "AC", c.MeterType)
}

func TestAuthorize(t *testing.T) {
	s, _ := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	c1 := addTestCharger(t, s, "cp1", "g1", 1, 1)
	addTestCharger(t, s, "cp2", "g1", 1, 1)
	s.tags["TAG1"] = &Tag{ID: "TAG1", UserName: "Alice", Status: TagActivated}
	s.tags["TAG2"] = &Tag{ID: "TAG2", UserName: "Bob", Status: TagBlocked}
	s.tags["TAG3"] = &Tag{ID: "TAG3", UserName: "Carol", Status: TagActivated, ParentID: "FLEET"}

	assert.Equal(t, ocpp16.AuthorizationStatusInvalid, s.Authorize("cp1", "NOPE").Status)
	assert.Equal(t, ocpp16.AuthorizationStatusBlocked, s.Authorize("cp1", "TAG2").Status)

	// Lookups are case-insensitive.
	info := s.Authorize("cp1", "tag1")
	assert.Equal(t, ocpp16.AuthorizationStatusAccepted, info.Status)
	assert.Nil(t, info.ParentIdTag)

	info = s.Authorize("cp1", "TAG3")
	assert.Equal(t, ocpp16.AuthorizationStatusAccepted, info.Status)
	require.NotNil(t, info.ParentIdTag)
	assert.Equal(t, "FLEET", *info.ParentIdTag)

	// A tag charging on another charger cannot start a second transaction,
	// but re-presenting it on the same charger is fine (that is a stop).
	startTestTransaction(s, c1, 1, "TAG1")
	assert.Equal(t, ocpp16.AuthorizationStatusConcurrentTx, s.Authorize("cp2", "TAG1").Status)
	assert.Equal(t, ocpp16.AuthorizationStatusAccepted, s.Authorize("cp1", "TAG1").Status)

	s.csms.AllowConcurrentTag = true
	assert.Equal(t, ocpp16.AuthorizationStatusAccepted, s.Authorize("cp2", "TAG1").Status)
}

func TestStartTransaction(t *testing.T) {
	s, mock := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	c := addTestCharger(t, s, "cp1", "g1", 2, 1)
	s.tags["TAG1"] = &Tag{ID: "TAG1", UserName: "Alice", Status: TagActivated}

	ts := mock.Now()
	id, err := s.StartTransaction("cp1", 2, "tag1", 1000, ts)
	require.NoError(t, err)
	assert.Equal(t, 2, id)

	tx := c.Connectors[2].Transaction
	require.NotNil(t, tx)
	assert.Equal(t, "Alice", tx.UserName)
	assert.Equal(t, int64(1000), tx.MeterStart)
	assert.False(t, c.Connectors[2].BlockingProfileReset)
	assert.True(t, c.Connectors[2].toReview)

	// A replayed start with the same timestamp returns the id again.
	id, err = s.StartTransaction("cp1", 2, "tag1", 1000, ts)
	require.NoError(t, err)
	assert.Equal(t, 2, id)
	assert.Empty(t, s.sessions)

	// A different timestamp means the stop was lost: close the old
	// transaction and open the new one.
	mock.Add(10 * time.Minute)
	id, err = s.StartTransaction("cp1", 2, "TAG1", 2000, mock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, id)
	require.Len(t, s.sessions, 1)
	assert.Equal(t, "Start transaction without stop transaction", s.sessions[0].Reason)
	assert.Equal(t, int64(2000), c.Connectors[2].Transaction.MeterStart)

	_, err = s.StartTransaction("ghost", 1, "TAG1", 0, ts)
	assert.True(t, IsCode(err, ErrCodeNoSuchCharger))
	_, err = s.StartTransaction("cp1", 9, "TAG1", 0, ts)
	assert.True(t, IsCode(err, ErrCodeNoSuchConnector))
}

func TestStopTransaction(t *testing.T) {
	s, mock := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	c := addTestCharger(t, s, "cp1", "g1", 1, 1)
	start := mock.Now()
	_, err := s.StartTransaction("cp1", 1, "TAG1", 1000, start)
	require.NoError(t, err)

	mock.Add(45 * time.Minute)
	require.NoError(t, s.StopTransaction("cp1", 1, 8350, mock.Now(), "Local", "TAG1"))

	assert.Nil(t, c.Connectors[1].Transaction)
	require.Len(t, s.sessions, 1)
	sess := s.sessions[0]
	assert.Equal(t, "cp1-"+start.Format("2006-01-02-15:04:05"), sess.SessionID)
	assert.Equal(t, int64(7350), sess.EnergyWh)
	assert.Equal(t, 45*time.Minute, sess.Duration)
	assert.Equal(t, "Local", sess.Reason)
	assert.Equal(t, "TAG1", sess.StopIDTag)
	// The history closes with a zero offer.
	require.NotEmpty(t, sess.History)
	assert.Equal(t, 0.0, sess.History[len(sess.History)-1].Offered)

	err = s.StopTransaction("cp1", 1, 0, mock.Now(), "Local", "")
	assert.True(t, IsCode(err, ErrCodeNoSuchConnector))
}

func TestStatusNotification(t *testing.T) {
	s, _ := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	c := addTestCharger(t, s, "cp1", "g1", 1, 1)
	conn := c.Connectors[1]

	assert.True(t, IsCode(s.StatusNotification("ghost", 1, statusAvailable), ErrCodeNoSuchCharger))
	assert.True(t, IsCode(s.StatusNotification("cp1", 9, statusAvailable), ErrCodeNoSuchConnector))

	// Connector 0 is the charger itself; nothing to track.
	require.NoError(t, s.StatusNotification("cp1", 0, ocpp16.ChargePointStatusFaulted))
	assert.Empty(t, conn.Status)

	require.NoError(t, s.StatusNotification("cp1", 1, statusAvailable))
	assert.Equal(t, statusAvailable, conn.Status)
	assert.True(t, conn.OfferedSet)
	assert.Equal(t, 0.0, conn.Offered)

	// Going SuspendedEV mid-transaction records an explicit zero draw so
	// the release timer has a sample to look at.
	tx := startTestTransaction(s, c, 1, "TAG1")
	s.mu.Lock()
	tx.UsageMeter = 14
	tx.UsageMeterSet = true
	s.mu.Unlock()
	require.NoError(t, s.StatusNotification("cp1", 1, statusSuspendedEV))
	assert.Equal(t, 0.0, tx.UsageMeter)
	assert.Equal(t, 0.0, conn.maxRecentUsage(s.clock.Now(), s.params.UsageMonitoringInterval))
	assert.Len(t, conn.recentUsages, 1)

	// SuspendedEVSE without a transaction flags the connector for an
	// urgent engine pass.
	s.mu.Lock()
	conn.Transaction = nil
	conn.Status = statusAvailable
	conn.toReview = false
	s.mu.Unlock()
	require.NoError(t, s.StatusNotification("cp1", 1, statusSuspendedEVSE))
	assert.True(t, conn.toReview)
}

func TestMeterValuesSynthesizesTransaction(t *testing.T) {
	cases := []struct {
		name    string
		reading MeterReading
		status  ocpp16.ChargePointStatus
	}{
		{"drawing power", MeterReading{Usage: 10, Offered: 16, OfferedSet: true}, statusCharging},
		{"offer open but idle", MeterReading{Usage: 0, Offered: 16, OfferedSet: true}, statusSuspendedEV},
		{"no offer reported", MeterReading{Usage: 0}, statusSuspendedEV},
		{"zero offer treated as absent", MeterReading{Usage: 0, Offered: 0, OfferedSet: true}, statusSuspendedEV},
		{"zero offer while drawing", MeterReading{Usage: 8, Offered: 0, OfferedSet: true}, statusCharging},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newTestStore(t)
			addTestGroup(t, s, "g1", "00:00-23:59>0=32")
			c := addTestCharger(t, s, "cp1", "g1", 1, 1)
			conn := c.Connectors[1]

			txID := 1
			tc.reading.Timestamp = mock.Now()
			require.NoError(t, s.MeterValues("cp1", 1, &txID, tc.reading))

			require.NotNil(t, conn.Transaction)
			assert.Equal(t, "Unknown", conn.Transaction.IDTag)
			assert.Equal(t, tc.status, conn.Status)
			assert.True(t, conn.Transaction.UsageMeterSet)
		})
	}
}

func TestMeterValuesTracksTransaction(t *testing.T) {
	s, mock := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	c := addTestCharger(t, s, "cp1", "g1", 1, 1)
	tx := startTestTransaction(s, c, 1, "TAG1")
	conn := c.Connectors[1]
	s.mu.Lock()
	conn.Offered = 16
	conn.OfferedSet = true
	s.mu.Unlock()

	ts := mock.Now()
	require.NoError(t, s.MeterValues("cp1", 1, &tx.ID, MeterReading{
		Timestamp: ts, Usage: 13.4, EnergyWh: 2500, EnergySet: true, Offered: 16, OfferedSet: true,
	}))
	assert.Equal(t, 13.4, tx.UsageMeter)
	assert.Equal(t, int64(2500), tx.EnergyMeter)
	assert.Equal(t, ts, tx.LastUsageTime)
	assert.Equal(t, 13.4, conn.maxRecentUsage(mock.Now(), s.params.UsageMonitoringInterval))

	// Readings without a transaction id still feed the usage window.
	mock.Add(time.Minute)
	require.NoError(t, s.MeterValues("cp1", 1, nil, MeterReading{Timestamp: mock.Now(), Usage: 15.1}))
	assert.Equal(t, 15.1, conn.maxRecentUsage(mock.Now(), s.params.UsageMonitoringInterval))
	assert.Equal(t, 13.4, tx.UsageMeter)

	// Unknown connectors are tolerated; meters sometimes report connector
	// ids the model does not carry.
	require.NoError(t, s.MeterValues("cp1", 9, nil, MeterReading{Timestamp: mock.Now()}))
	assert.True(t, IsCode(s.MeterValues("ghost", 1, nil, MeterReading{}), ErrCodeNoSuchCharger))
}

func TestMeterValuesCorrectsOffer(t *testing.T) {
	s, mock := newTestStore(t)
	addTestGroup(t, s, "g1", "00:00-23:59>0=32")
	c := addTestCharger(t, s, "cp1", "g1", 1, 1)
	tx := startTestTransaction(s, c, 1, "TAG1")
	conn := c.Connectors[1]
	s.mu.Lock()
	conn.Offered = 16
	conn.OfferedSet = true
	conn.LastOfferTime = mock.Now().Add(-time.Minute)
	s.mu.Unlock()

	// The charger reports a different offer than the engine committed; the
	// report wins but the offer clock is not restarted.
	before := conn.LastOfferTime
	require.NoError(t, s.MeterValues("cp1", 1, &tx.ID, MeterReading{
		Timestamp: mock.Now(), Usage: 9, Offered: 10, OfferedSet: true,
	}))
	assert.Equal(t, 10.0, conn.Offered)
	assert.Equal(t, before, conn.LastOfferTime)
}
