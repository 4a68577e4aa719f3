package ocpp16

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/charging-platform/balanz/internal/config"
	"github.com/charging-platform/balanz/internal/domain/ocpp16"
	"github.com/charging-platform/balanz/internal/logger"
	"github.com/charging-platform/balanz/internal/model"
)

// Session is the central-system end of one charger's OCPP 1.6 connection.
// It owns the receive loop, routes inbound calls into the model, correlates
// replies to outbound calls and watches connection liveness.
type Session struct {
	*caller

	store *model.Store
	host  config.HostConfig
	csms  config.CSMSConfig
	log   zerolog.Logger

	lastMu     sync.Mutex
	lastUpdate time.Time

	// provisionAuth requests first-contact AuthorizationKey setup.
	provisionAuth bool
}

// NewSession builds the session for an authenticated charger connection.
// provisionAuth asks the session to install a fresh AuthorizationKey after
// http_auth_delay (first contact with HTTP auth enabled).
func NewSession(chargerID string, conn Conn, store *model.Store, cfg *config.Config, clk clock.Clock, provisionAuth bool) *Session {
	log := logger.Component("ocpp").With().Str("charger_id", chargerID).Logger()
	s := &Session{
		store:         store,
		host:          cfg.Host,
		csms:          cfg.CSMS,
		log:           log,
		provisionAuth: provisionAuth,
	}
	s.caller = newCaller(chargerID, conn, cfg.CSMS, clk, "", func() float64 {
		return store.Params().MinAllocation
	}, log)
	s.lastUpdate = clk.Now()
	return s
}

// ChargerID names the charger this session serves.
func (s *Session) ChargerID() string {
	return s.chargerID
}

// Run processes the connection until it closes or ctx ends. It blocks; the
// transport layer runs it in the connection's goroutine. On return all
// session state is cleaned up and pending calls have failed.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		// Unblocks the receive loop when the caller shuts down.
		<-ctx.Done()
		_ = s.conn.Close(closeGoingAway, "shutting down")
	}()
	go func() {
		defer wg.Done()
		s.watchdog(ctx)
	}()
	if s.provisionAuth {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.setNewAuthorizationKey(ctx)
		}()
	}

	s.receiveLoop(ctx)

	cancel()
	s.shutdown()
	// last_update is preserved on purpose: the model watchdog uses it to
	// expire transactions the charger never closed.
	s.store.SetDisconnected(s.chargerID, "connection closed")
	wg.Wait()
	s.log.Info().Msg("Session ended")
}

func (s *Session) receiveLoop(ctx context.Context) {
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Info().Err(err).Msg("Connection read failed")
			}
			return
		}
		s.touch()
		s.handleMessage(ctx, data)
	}
}

func (s *Session) handleMessage(ctx context.Context, data []byte) {
	frame, err := ocpp16.ParseFrame(data)
	if err != nil {
		s.log.Warn().Err(err).Str("raw", truncate(data, 256)).Msg("Dropping malformed frame")
		return
	}

	switch frame.Type {
	case ocpp16.Call:
		reply := s.handleCall(frame)
		if err := s.conn.WriteMessage(reply); err != nil {
			s.log.Warn().Err(err).Str("action", string(frame.Action)).Msg("Failed to send reply")
		}
	case ocpp16.CallResult, ocpp16.CallError:
		if !s.deliver(frame) {
			s.log.Warn().Str("message_id", frame.ID).Msg("Reply for unknown call")
		}
	}
}

func (s *Session) touch() {
	s.lastMu.Lock()
	s.lastUpdate = s.clock.Now()
	s.lastMu.Unlock()
	s.store.Touch(s.chargerID)
}

func (s *Session) sinceLastUpdate() time.Duration {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.clock.Now().Sub(s.lastUpdate)
}

// watchdog closes the connection when the charger goes quiet; the charger
// is expected to reconnect.
func (s *Session) watchdog(ctx context.Context) {
	ticker := s.clock.Ticker(s.host.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if elapsed := s.sinceLastUpdate(); elapsed > s.host.WatchdogStale {
			s.log.Error().Dur("elapsed", elapsed).Msg("No charger activity, closing connection")
			_ = s.conn.Close(closeGoingAway, "watchdog timeout")
			return
		}
	}
}

const (
	closeGoingAway = 1001
)

// setNewAuthorizationKey provisions HTTP Basic auth on first contact: a
// random password is pushed to the charger as its AuthorizationKey, and
// only its salted hash is kept on file.
func (s *Session) setNewAuthorizationKey(ctx context.Context) {
	timer := s.clock.Timer(s.host.HTTPAuthDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	password, err := generatePassword()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to generate AuthorizationKey")
		return
	}
	// The charger keeps the raw password as its AuthorizationKey and will
	// present "Basic base64(chargerID:password)" on its next connect; the
	// stored fingerprint is the sha of exactly that header.
	if err := s.ChangeConfiguration(ctx, "AuthorizationKey", password); err != nil {
		s.log.Warn().Err(err).Msg("Failed to set AuthorizationKey")
		return
	}

	credential := s.chargerID + ":" + password
	sha := model.SHA256Hex("Basic " + base64.StdEncoding.EncodeToString([]byte(credential)))
	if err := s.store.SetChargerAuthSHA(s.chargerID, sha); err != nil {
		s.log.Error().Err(err).Msg("Failed to store auth sha")
		return
	}
	s.log.Info().Str("sha", sha).Msg("AuthorizationKey set")
}

// generatePassword returns a 16-character random password.
func generatePassword() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
