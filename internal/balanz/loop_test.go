package balanz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/balanz/internal/config"
	"github.com/charging-platform/balanz/internal/domain/ocpp16"
	"github.com/charging-platform/balanz/internal/model"
)

// fakeDriver records the profile primitives invoked on it, in order.
type fakeDriver struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (d *fakeDriver) record(call string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	if err, ok := d.fail[call]; ok {
		return err
	}
	return nil
}

func (d *fakeDriver) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *fakeDriver) ClearDefaultProfiles(ctx context.Context) error {
	return d.record("ClearDefaults")
}

func (d *fakeDriver) SetBaseDefaultProfile(ctx context.Context) error {
	return d.record("SetBase")
}

func (d *fakeDriver) SetBlockingDefaultProfile(ctx context.Context, connectorID int) error {
	return d.record(fmt.Sprintf("SetBlocking/%d", connectorID))
}

func (d *fakeDriver) ClearBlockingDefaultProfile(ctx context.Context, connectorID int) error {
	return d.record(fmt.Sprintf("ClearBlocking/%d", connectorID))
}

func (d *fakeDriver) SetTxProfile(ctx context.Context, connectorID, transactionID int, limit float64) error {
	return d.record(fmt.Sprintf("SetTx/%d/%d=%g", connectorID, transactionID, limit))
}

func (d *fakeDriver) TriggerMessage(ctx context.Context, requested ocpp16.MessageTrigger, connectorID *int) error {
	if connectorID != nil {
		return d.record(fmt.Sprintf("Trigger/%s/%d", requested, *connectorID))
	}
	return d.record(fmt.Sprintf("Trigger/%s", requested))
}

type fixture struct {
	store   *model.Store
	mock    *clock.Mock
	drivers map[string]*fakeDriver
}

func (f *fixture) resolve(chargerID string) (Driver, bool) {
	d, ok := f.drivers[chargerID]
	return d, ok
}

func (f *fixture) driver(t *testing.T, chargerID string) *fakeDriver {
	t.Helper()
	d := &fakeDriver{fail: map[string]error{}}
	f.drivers[chargerID] = d
	return d
}

func loopConfig() *config.Config {
	return &config.Config{
		CSMS: config.CSMSConfig{
			TransactionInterval: 60 * time.Second,
			TransactionTimeout:  300 * time.Second,
		},
		Balanz: config.BalanzConfig{
			RunInterval:                  5 * time.Second,
			IntervalsFull:                1,
			FirstWait:                    time.Second,
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
			DefaultMaxAllocation:         32,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 2, 10, 20, 0, 0, time.UTC))
	store := model.New(loopConfig(), nil)
	store.SetClock(mock)
	require.NoError(t, store.CreateGroup("g1", "test group", "00:00-23:59>0=24"))
	return &fixture{store: store, mock: mock, drivers: map[string]*fakeDriver{}}
}

func (f *fixture) addCharger(t *testing.T, id string, connectors int) *fakeDriver {
	t.Helper()
	require.NoError(t, f.store.CreateCharger(id, id, "g1", connectors, 1, "", nil))
	require.NoError(t, f.store.SetConnected(id, "10.0.0.1:1234"))
	return f.driver(t, id)
}

func TestTickInitializesChargers(t *testing.T) {
	f := newFixture(t)
	drv := f.addCharger(t, "CP-1", 2)
	loop := NewLoop("g1", f.store, f.resolve, f.mock)

	loop.tick(context.Background(), true)

	assert.Equal(t, []string{"ClearDefaults", "SetBlocking/1", "SetBlocking/2", "SetBase"}, drv.recorded())

	// A second tick must not re-initialize; it moves on to status requests.
	loop.tick(context.Background(), true)
	calls := drv.recorded()
	assert.NotContains(t, calls[4:], "ClearDefaults")
	assert.Contains(t, calls[4:], "Trigger/BootNotification")
	assert.Contains(t, calls[4:], "Trigger/StatusNotification/1")
	assert.Contains(t, calls[4:], "Trigger/StatusNotification/2")
	assert.Contains(t, calls[4:], "Trigger/MeterValues")
}

func TestTickInitFailureStillMarks(t *testing.T) {
	f := newFixture(t)
	drv := f.addCharger(t, "CP-1", 1)
	drv.fail["SetBase"] = errors.New("rejected")
	loop := NewLoop("g1", f.store, f.resolve, f.mock)

	loop.tick(context.Background(), true)
	loop.tick(context.Background(), true)

	// Initialization ran once despite the rejection; the charger is not
	// retried every tick.
	count := 0
	for _, c := range drv.recorded() {
		if c == "ClearDefaults" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestTickSkipsChargerWithoutSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateCharger("CP-1", "CP-1", "g1", 1, 1, "", nil))
	require.NoError(t, f.store.SetConnected("CP-1", "10.0.0.1:1234"))
	// No driver registered for CP-1.
	loop := NewLoop("g1", f.store, f.resolve, f.mock)
	loop.tick(context.Background(), true) // must not panic
}

// prepared returns a fixture whose charger is past initialization and
// status requests, so ticks go straight to planning.
func prepared(t *testing.T, f *fixture, id string, connectors int) *fakeDriver {
	t.Helper()
	drv := f.addCharger(t, id, connectors)
	f.store.MarkProfileInitialized(id)
	f.store.MarkStatusRequested(id)
	return drv
}

func TestTickInstallsTxProfileAfterStart(t *testing.T) {
	f := newFixture(t)
	drv := prepared(t, f, "CP-1", 1)
	loop := NewLoop("g1", f.store, f.resolve, f.mock)

	_, err := f.store.StartTransaction("CP-1", 1, "TAG1", 1000, f.mock.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.StatusNotification("CP-1", 1, ocpp16.ChargePointStatusCharging))

	loop.tick(context.Background(), true)

	calls := drv.recorded()
	require.NotEmpty(t, calls)
	assert.Equal(t, "SetTx/1/1=6", calls[0])
	assert.Equal(t, "SetBlocking/1", calls[1])
}

func TestTickRearmsBlockingProfile(t *testing.T) {
	f := newFixture(t)
	drv := prepared(t, f, "CP-1", 1)
	loop := NewLoop("g1", f.store, f.resolve, f.mock)

	// Simulate a connector that left its transaction with the blocking
	// profile still cleared.
	f.store.SetBlockingProfileReset("CP-1", 1, false)

	loop.tick(context.Background(), true)

	assert.Contains(t, drv.recorded(), "SetBlocking/1")
	assert.Empty(t, f.store.ConnectorsToRearmBlocking("g1"))
}

func TestTickReduceBeforeGrow(t *testing.T) {
	f := newFixture(t)
	drvX := prepared(t, f, "CP-X", 1)
	drvY := prepared(t, f, "CP-Y", 1)
	loop := NewLoop("g1", f.store, f.resolve, f.mock)

	// X: charging at 12 A offered but only drawing 6 A for longer than the
	// monitoring interval. Its offer should be reduced to 6.
	txID, err := f.store.StartTransaction("CP-X", 1, "TAGX", 0, f.mock.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.StatusNotification("CP-X", 1, ocpp16.ChargePointStatusCharging))
	f.store.SetBlockingProfileReset("CP-X", 1, true)
	f.store.ChargeChangeImplemented(model.ChargeChange{
		ChargerID: "CP-X", ConnectorID: 1, TransactionID: &txID, Allocation: 12,
	})
	f.mock.Add(301 * time.Second)
	require.NoError(t, f.store.MeterValues("CP-X", 1, &txID, model.MeterReading{
		Timestamp: f.mock.Now(), Usage: 6, EnergyWh: 2000, EnergySet: true,
	}))
	f.store.Touch("CP-X")

	// Y: plugged in and waiting, so it should be started by clearing its
	// blocking profile.
	require.NoError(t, f.store.StatusNotification("CP-Y", 1, ocpp16.ChargePointStatusSuspendedEVSE))

	loop.tick(context.Background(), true)

	assert.Equal(t, []string{"SetTx/1/1=6"}, drvX.recorded())
	assert.Equal(t, []string{"ClearBlocking/1"}, drvY.recorded())
}

func TestApplyChangesAbortsAfterTxProfileFailure(t *testing.T) {
	f := newFixture(t)
	drvX := prepared(t, f, "CP-X", 1)
	drvY := prepared(t, f, "CP-Y", 1)
	drvX.fail["SetTx/1/1=6"] = errors.New("rejected")
	loop := NewLoop("g1", f.store, f.resolve, f.mock)

	txID := 1
	changes := []model.ChargeChange{
		{ChargerID: "CP-X", ConnectorID: 1, TransactionID: &txID, Allocation: 6},
		{ChargerID: "CP-Y", ConnectorID: 1, Allocation: 6},
	}
	ok := loop.applyChanges(context.Background(), changes)

	assert.False(t, ok)
	assert.Empty(t, drvY.recorded())
}

func TestApplyChangesContinuesAfterClearBlockingFailure(t *testing.T) {
	f := newFixture(t)
	drvX := prepared(t, f, "CP-X", 1)
	drvY := prepared(t, f, "CP-Y", 1)
	drvX.fail["ClearBlocking/1"] = errors.New("rejected")
	loop := NewLoop("g1", f.store, f.resolve, f.mock)

	txID := 1
	changes := []model.ChargeChange{
		{ChargerID: "CP-X", ConnectorID: 1, Allocation: 6},
		{ChargerID: "CP-Y", ConnectorID: 1, TransactionID: &txID, Allocation: 8},
	}
	ok := loop.applyChanges(context.Background(), changes)

	assert.True(t, ok)
	assert.Equal(t, []string{"SetTx/1/1=8"}, drvY.recorded())
}

func TestTickSkipsSuspendedGroup(t *testing.T) {
	f := newFixture(t)
	drv := f.addCharger(t, "CP-1", 1)
	require.NoError(t, f.store.SetGroupSuspended("g1", true))
	loop := NewLoop("g1", f.store, f.resolve, f.mock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	f.mock.Add(time.Second) // first_wait
	time.Sleep(20 * time.Millisecond)
	f.mock.Add(5 * time.Second) // one run_interval
	time.Sleep(20 * time.Millisecond)

	cancel()
	<-done
	assert.Empty(t, drv.recorded())
}

func TestRunTicksOnClock(t *testing.T) {
	f := newFixture(t)
	drv := f.addCharger(t, "CP-1", 1)
	loop := NewLoop("g1", f.store, f.resolve, f.mock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	f.mock.Add(time.Second) // first_wait
	time.Sleep(20 * time.Millisecond)
	f.mock.Add(5 * time.Second) // one run_interval
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done
	assert.Contains(t, drv.recorded(), "ClearDefaults")
}

func TestSleepHonoursCancel(t *testing.T) {
	f := newFixture(t)
	loop := NewLoop("g1", f.store, f.resolve, f.mock)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, loop.sleep(ctx, time.Second))
}
