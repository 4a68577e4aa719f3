package ocpp16

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/charging-platform/balanz/internal/config"
	"github.com/charging-platform/balanz/internal/domain/ocpp16"
	"github.com/charging-platform/balanz/internal/model"
)

// localCallPrefix marks message ids of calls the local controller itself
// originates. Replies carrying the prefix belong here and must not be
// forwarded to the upstream CSMS.
const localCallPrefix = "LC-"

// ProxySession runs one charger connection in local-controller mode. It
// relays frames between the charger and an upstream CSMS while listening
// in on charger traffic so the local model, and with it the balancing
// loop, stays current. Charging-profile calls from the upstream are
// intercepted when configured, since the local controller owns that
// policy.
type ProxySession struct {
	*Session

	server Conn
	ext    config.ExtServerConfig

	serverMu   sync.Mutex
	serverLast time.Time
}

// NewProxySession builds the proxy for an authenticated charger
// connection and an established upstream connection.
func NewProxySession(chargerID string, charger, server Conn, store *model.Store, cfg *config.Config, clk clock.Clock) *ProxySession {
	s := NewSession(chargerID, charger, store, cfg, clk, false)
	s.caller.idPrefix = localCallPrefix
	p := &ProxySession{
		Session:    s,
		server:     server,
		ext:        cfg.ExtServer,
		serverLast: clk.Now(),
	}
	return p
}

// Run pumps both directions until either side closes or ctx ends. On
// return both connections are closed and pending local calls have failed.
func (p *ProxySession) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{}, 2)
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		// Unblocks both pumps when the caller shuts down.
		<-ctx.Done()
		p.closeBoth()
	}()
	go func() {
		defer wg.Done()
		p.pumpUpstream(ctx)
		done <- struct{}{}
	}()
	go func() {
		defer wg.Done()
		p.pumpDownstream(ctx)
		done <- struct{}{}
	}()
	go func() {
		defer wg.Done()
		p.watchdog(ctx)
	}()

	<-done
	cancel()
	_ = p.conn.Close(closeGoingAway, "proxy ended")
	_ = p.server.Close(closeGoingAway, "proxy ended")
	p.shutdown()
	p.store.SetDisconnected(p.chargerID, "connection closed")
	wg.Wait()
	p.log.Info().Msg("Proxy session ended")
}

// pumpUpstream relays charger frames to the upstream CSMS. Calls are
// observed into the local model before forwarding; replies to locally
// originated calls are consumed here instead.
func (p *ProxySession) pumpUpstream(ctx context.Context) {
	for {
		data, err := p.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				p.log.Info().Err(err).Msg("Charger read failed")
			}
			return
		}
		p.touch()
		if !p.routeUpstream(data) {
			continue
		}
		if err := p.server.WriteMessage(data); err != nil {
			p.log.Warn().Err(err).Msg("Failed to forward frame to server")
			return
		}
	}
}

// routeUpstream reports whether the charger frame should be forwarded.
func (p *ProxySession) routeUpstream(data []byte) bool {
	frame, err := ocpp16.ParseFrame(data)
	if err != nil {
		p.log.Warn().Err(err).Str("raw", truncate(data, 256)).Msg("Dropping malformed charger frame")
		return false
	}

	switch frame.Type {
	case ocpp16.Call:
		p.observeCall(frame)
		return true
	case ocpp16.CallResult, ocpp16.CallError:
		if strings.HasPrefix(frame.ID, localCallPrefix) {
			if !p.deliver(frame) {
				p.log.Warn().Str("message_id", frame.ID).Msg("Reply for unknown local call")
			}
			return false
		}
		return true
	default:
		return true
	}
}

// observeCall feeds a charger Call into the local model without producing
// a reply; the upstream CSMS answers the charger. The CSMS-mode handler
// is reused and its reply discarded.
func (p *ProxySession) observeCall(frame *ocpp16.Frame) {
	switch frame.Action {
	case ocpp16.ActionBootNotification, ocpp16.ActionHeartbeat, ocpp16.ActionAuthorize,
		ocpp16.ActionStatusNotification, ocpp16.ActionStartTransaction,
		ocpp16.ActionStopTransaction, ocpp16.ActionMeterValues:
		_ = p.handleCall(frame)
	}
}

// pumpDownstream relays upstream frames to the charger, intercepting
// charging-profile calls when server_charging_call is not "Forward".
func (p *ProxySession) pumpDownstream(ctx context.Context) {
	for {
		data, err := p.server.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				p.log.Info().Err(err).Msg("Server read failed")
			}
			return
		}
		p.touchServer()
		if reply, ok := p.interceptDownstream(data); ok {
			p.log.Info().Msg("Intercepted charging call from server, answering locally")
			if err := p.server.WriteMessage(reply); err != nil {
				p.log.Warn().Err(err).Msg("Failed to answer server")
				return
			}
			continue
		}
		if err := p.conn.WriteMessage(data); err != nil {
			p.log.Warn().Err(err).Msg("Failed to forward frame to charger")
			return
		}
	}
}

// interceptDownstream answers SetChargingProfile/ClearChargingProfile
// Calls from the upstream with the configured status. Anything else, and
// anything unparseable, is forwarded untouched.
func (p *ProxySession) interceptDownstream(data []byte) ([]byte, bool) {
	if p.ext.ServerChargingCall == "Forward" {
		return nil, false
	}
	frame, err := ocpp16.ParseFrame(data)
	if err != nil {
		return nil, false
	}
	if frame.Type != ocpp16.Call {
		return nil, false
	}
	if frame.Action != ocpp16.ActionSetChargingProfile && frame.Action != ocpp16.ActionClearChargingProfile {
		return nil, false
	}
	reply, err := ocpp16.MarshalCallResult(frame.ID, map[string]string{"status": p.ext.ServerChargingCall})
	if err != nil {
		return nil, false
	}
	return reply, true
}

func (p *ProxySession) touchServer() {
	p.serverMu.Lock()
	p.serverLast = p.clock.Now()
	p.serverMu.Unlock()
}

func (p *ProxySession) sinceServerUpdate() time.Duration {
	p.serverMu.Lock()
	defer p.serverMu.Unlock()
	return p.clock.Now().Sub(p.serverLast)
}

// watchdog watches both sides; heartbeats propagate through the proxy so
// the same staleness bound applies to each.
func (p *ProxySession) watchdog(ctx context.Context) {
	ticker := p.clock.Ticker(p.host.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if elapsed := p.sinceLastUpdate(); elapsed > p.host.WatchdogStale {
			p.log.Error().Dur("elapsed", elapsed).Msg("No charger activity, closing connections")
			p.closeBoth()
			return
		}
		if elapsed := p.sinceServerUpdate(); elapsed > p.host.WatchdogStale {
			p.log.Error().Dur("elapsed", elapsed).Msg("No server activity, closing connections")
			p.closeBoth()
			return
		}
	}
}

func (p *ProxySession) closeBoth() {
	_ = p.conn.Close(closeGoingAway, "proxy closing")
	_ = p.server.Close(closeGoingAway, "proxy closing")
}
