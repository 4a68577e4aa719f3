package ocpp16

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/balanz/internal/config"
	"github.com/charging-platform/balanz/internal/model"
)

type proxyFixture struct {
	store   *model.Store
	mock    *clock.Mock
	charger *fakeConn
	server  *fakeConn
	proxy   *ProxySession
}

func newProxyFixture(t *testing.T, serverChargingCall string) *proxyFixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 2, 10, 20, 0, 0, time.UTC))
	cfg := protoConfig()
	cfg.ExtServer = config.ExtServerConfig{
		Server:             "wss://csms.example.com/ocpp",
		ServerChargingCall: serverChargingCall,
	}
	store := model.New(cfg, nil)
	store.SetClock(mock)
	require.NoError(t, store.CreateGroup("g1", "test group", "00:00-23:59>0=24"))
	require.NoError(t, store.CreateCharger("CP-1", "CP-1", "g1", 2, 1, "", nil))
	require.NoError(t, store.SetConnected("CP-1", "10.0.0.9:50000"))

	charger := newFakeConn()
	server := newFakeConn()
	proxy := NewProxySession("CP-1", charger, server, store, cfg, mock)
	return &proxyFixture{store: store, mock: mock, charger: charger, server: server, proxy: proxy}
}

func TestProxyObservesChargerCalls(t *testing.T) {
	f := newProxyFixture(t, "Accepted")

	forward := f.proxy.routeUpstream(
		[]byte(`[2,"1","BootNotification",{"chargePointVendor":"ACME","chargePointModel":"X1"}]`))

	assert.True(t, forward)
	view, err := f.store.ChargerViewByID("CP-1")
	require.NoError(t, err)
	assert.Equal(t, "ACME", view.ChargePointVendor)
	// Observation never answers the charger; the upstream CSMS does.
	assert.Empty(t, f.charger.sent())
	assert.Empty(t, f.server.sent())
}

func TestProxyConsumesLocalReplies(t *testing.T) {
	f := newProxyFixture(t, "Accepted")

	ch, err := f.proxy.register("LC-abc")
	require.NoError(t, err)

	forward := f.proxy.routeUpstream([]byte(`[3,"LC-abc",{"status":"Accepted"}]`))
	assert.False(t, forward)

	select {
	case frame := <-ch:
		assert.Equal(t, "LC-abc", frame.ID)
	default:
		t.Fatal("reply was not delivered to the local call")
	}
}

func TestProxyForwardsForeignReplies(t *testing.T) {
	f := newProxyFixture(t, "Accepted")

	forward := f.proxy.routeUpstream([]byte(`[3,"42",{"currentTime":"2025-06-02T10:20:00Z"}]`))
	assert.True(t, forward)
}

func TestProxyInterceptsChargingCalls(t *testing.T) {
	f := newProxyFixture(t, "Rejected")

	reply, ok := f.proxy.interceptDownstream(
		[]byte(`[2,"55","SetChargingProfile",{"connectorId":1,"csChargingProfiles":{}}]`))
	require.True(t, ok)

	var elements []json.RawMessage
	require.NoError(t, json.Unmarshal(reply, &elements))
	var msgType int
	require.NoError(t, json.Unmarshal(elements[0], &msgType))
	assert.Equal(t, 3, msgType)
	var id string
	require.NoError(t, json.Unmarshal(elements[1], &id))
	assert.Equal(t, "55", id)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(elements[2], &payload))
	assert.Equal(t, "Rejected", payload["status"])

	_, ok = f.proxy.interceptDownstream(
		[]byte(`[2,"56","ClearChargingProfile",{"id":2}]`))
	assert.True(t, ok)
}

func TestProxyForwardPolicyDisablesInterception(t *testing.T) {
	f := newProxyFixture(t, "Forward")

	_, ok := f.proxy.interceptDownstream(
		[]byte(`[2,"55","SetChargingProfile",{"connectorId":1,"csChargingProfiles":{}}]`))
	assert.False(t, ok)
}

func TestProxyDoesNotInterceptOtherCalls(t *testing.T) {
	f := newProxyFixture(t, "Accepted")

	_, ok := f.proxy.interceptDownstream(
		[]byte(`[2,"60","RemoteStartTransaction",{"idTag":"TAG-1"}]`))
	assert.False(t, ok)

	_, ok = f.proxy.interceptDownstream([]byte(`[3,"61",{"status":"Accepted"}]`))
	assert.False(t, ok)
}

func TestProxyRunRelaysBothDirections(t *testing.T) {
	f := newProxyFixture(t, "Accepted")

	done := make(chan struct{})
	go func() {
		f.proxy.Run(context.Background())
		close(done)
	}()

	// Charger call goes to the server, untouched.
	f.charger.push(`[2,"1","Heartbeat",{}]`)
	assert.JSONEq(t, `[2,"1","Heartbeat",{}]`, string(f.server.nextWrite(t)))

	// Server reply goes back to the charger.
	f.server.push(`[3,"1",{"currentTime":"2025-06-02T10:20:00Z"}]`)
	assert.JSONEq(t, `[3,"1",{"currentTime":"2025-06-02T10:20:00Z"}]`, string(f.charger.nextWrite(t)))

	// Charging call from the server is answered locally.
	f.server.push(`[2,"2","SetChargingProfile",{"connectorId":1,"csChargingProfiles":{}}]`)
	assert.JSONEq(t, `[3,"2",{"status":"Accepted"}]`, string(f.server.nextWrite(t)))

	require.NoError(t, f.charger.Close(1000, "bye"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("proxy did not stop")
	}
	view, err := f.store.ChargerViewByID("CP-1")
	require.NoError(t, err)
	assert.False(t, view.NetworkConnected)
}
