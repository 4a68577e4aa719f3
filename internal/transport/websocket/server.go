package websocket

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/charging-platform/balanz/internal/config"
	"github.com/charging-platform/balanz/internal/logger"
	"github.com/charging-platform/balanz/internal/metrics"
	"github.com/charging-platform/balanz/internal/model"
	ocpp "github.com/charging-platform/balanz/internal/protocol/ocpp16"
)

// Subprotocol is the OCPP-J subprotocol chargers must offer.
const Subprotocol = "ocpp1.6"

const (
	closeInvalidPayload = 1007
	closePolicyError    = 1008
)

// APIHandler serves one admin API connection. The transport hands over the
// socket and returns when the session ends.
type APIHandler interface {
	Serve(ctx context.Context, conn ocpp.Conn, remoteAddr string)
}

// Server is the WebSocket front door: charger connections on
// /<charger_id>, the admin API on /api and Prometheus metrics on the
// configured path, all on one listener.
type Server struct {
	cfg      *config.Config
	store    *model.Store
	registry *ocpp.Registry
	api      APIHandler
	clock    clock.Clock
	ping     *PingService
	upgrader *websocket.Upgrader
	log      zerolog.Logger

	httpServer *http.Server
	wg         sync.WaitGroup

	ctxMu   sync.Mutex
	baseCtx context.Context
}

// NewServer wires the transport. api may be nil to disable the admin
// endpoint (used by some tests).
func NewServer(cfg *config.Config, store *model.Store, registry *ocpp.Registry, api APIHandler, clk clock.Clock) *Server {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  cfg.Host.ReadBufferSize,
		WriteBufferSize: cfg.Host.WriteBufferSize,
		Subprotocols:    []string{Subprotocol},
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return &Server{
		cfg:      cfg,
		store:    store,
		registry: registry,
		api:      api,
		clock:    clk,
		ping:     NewPingService(cfg.Host.PingInterval),
		upgrader: upgrader,
		log:      logger.Component("transport"),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully. Charger
// and API sessions run in their handler goroutines and end when ctx does.
func (s *Server) Run(ctx context.Context) error {
	s.ctxMu.Lock()
	s.baseCtx = ctx
	s.ctxMu.Unlock()

	mux := http.NewServeMux()
	if s.cfg.Metrics.Enabled {
		mux.Handle(s.cfg.Metrics.Path, promhttp.Handler())
	}
	mux.HandleFunc("/", s.serveWS)

	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr(),
		Handler: mux,
	}

	s.ping.Start()
	defer s.ping.Stop()

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLSEnabled() {
			errCh <- s.httpServer.ListenAndServeTLS(s.cfg.Host.TLSCert, s.cfg.Host.TLSKey)
			return
		}
		errCh <- s.httpServer.ListenAndServe()
	}()
	s.log.Info().Str("addr", s.cfg.ListenAddr()).Bool("tls", s.cfg.TLSEnabled()).
		Bool("local_controller", s.cfg.LocalControllerMode()).Msg("Listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		s.wg.Wait()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	switch {
	case path == "api":
		s.serveAPI(w, r)
	case path == "" || strings.Contains(path, "/"):
		http.Error(w, "Invalid path", http.StatusBadRequest)
	default:
		s.serveCharger(w, r, path)
	}
}

func (s *Server) serveAPI(w http.ResponseWriter, r *http.Request) {
	if s.api == nil {
		http.Error(w, "API disabled", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("API upgrade failed")
		return
	}
	wrapper := newConnectionWrapper(conn, s.cfg.Host.MaxMessageSize, s.cfg.Host.WriteTimeout, 0,
		s.log.With().Str("endpoint", "api").Logger())

	s.wg.Add(1)
	defer s.wg.Done()
	defer wrapper.Close(websocket.CloseNormalClosure, "")
	s.api.Serve(s.sessionContext(), wrapper, r.RemoteAddr)
}

// sessionContext is the lifetime for sessions started by handlers. The
// request context cannot serve: it ends when the handler's upgrade
// returns, not when the server stops.
func (s *Server) sessionContext() context.Context {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

func (s *Server) serveCharger(w http.ResponseWriter, r *http.Request, chargerID string) {
	log := s.log.With().Str("charger_id", chargerID).Logger()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Upgrade failed")
		return
	}
	wrapper := newConnectionWrapper(conn, s.cfg.Host.MaxMessageSize, s.cfg.Host.WriteTimeout,
		s.cfg.Host.WatchdogStale, log)

	if _, err := s.store.EnsureCharger(chargerID); err != nil {
		log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Unknown charger rejected")
		metrics.ConnectionsTotal.WithLabelValues("unknown_charger").Inc()
		_ = wrapper.Close(closeInvalidPayload, fmt.Sprintf("Charge point %s unknown", chargerID))
		return
	}

	provision := false
	if s.cfg.Host.HTTPAuth {
		ok, needsProvision := s.checkChargerAuth(r, chargerID)
		if !ok {
			log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Charger failed authentication")
			metrics.ConnectionsTotal.WithLabelValues("auth_failed").Inc()
			_ = wrapper.Close(closePolicyError, "Authentization error")
			return
		}
		provision = needsProvision
	}
	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()

	s.wg.Add(1)
	defer s.wg.Done()
	if s.cfg.LocalControllerMode() {
		s.runProxySession(r, chargerID, wrapper, log)
		return
	}
	s.runSession(r, chargerID, wrapper, provision)
}

// checkChargerAuth validates the Basic credential against the charger's
// stored fingerprint. A charger without a fingerprint is admitted and
// flagged for first-contact provisioning.
func (s *Server) checkChargerAuth(r *http.Request, chargerID string) (ok, needsProvision bool) {
	sha, err := s.store.ChargerAuthSHA(chargerID)
	if err != nil {
		return false, false
	}
	if sha == "" {
		return true, true
	}

	auth := r.Header.Get("Authorization")
	if auth == "" && s.cfg.Host.HTTPAuthViaProtocol {
		auth = credentialFromSubprotocols(r)
	}
	if auth == "" {
		return false, false
	}
	presented := model.SHA256Hex(auth)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(sha)) == 1, false
}

// credentialFromSubprotocols recovers a Basic credential smuggled as an
// extra subprotocol token: a hex-encoded "user:password" offered next to
// ocpp1.6 by chargers that cannot send an Authorization header.
func credentialFromSubprotocols(r *http.Request) string {
	for _, proto := range websocket.Subprotocols(r) {
		if proto == Subprotocol {
			continue
		}
		decoded, err := hex.DecodeString(proto)
		if err != nil || !strings.Contains(string(decoded), ":") {
			continue
		}
		return "Basic " + base64.StdEncoding.EncodeToString(decoded)
	}
	return ""
}

func (s *Server) runSession(r *http.Request, chargerID string, wrapper *ConnectionWrapper, provision bool) {
	if err := s.store.SetConnected(chargerID, r.RemoteAddr); err != nil {
		_ = wrapper.Close(closeInvalidPayload, err.Error())
		return
	}

	session := ocpp.NewSession(chargerID, wrapper, s.store, s.cfg, s.clock, provision)
	if displaced := s.registry.Add(session); displaced != nil {
		s.log.Warn().Str("charger_id", chargerID).Msg("Replacing existing session")
	}
	s.ping.Add(chargerID, wrapper)
	defer s.ping.Remove(chargerID)
	defer s.registry.Remove(session)
	defer wrapper.Close(websocket.CloseGoingAway, "session ended")

	session.Run(s.sessionContext())
}

func (s *Server) runProxySession(r *http.Request, chargerID string, wrapper *ConnectionWrapper, log zerolog.Logger) {
	upstream, err := s.dialUpstream(r, chargerID)
	if err != nil {
		log.Error().Err(err).Str("server", s.cfg.ExtServer.Server).Msg("Failed to reach upstream server")
		_ = wrapper.Close(closePolicyError, "Upstream unavailable")
		return
	}

	if err := s.store.SetConnected(chargerID, r.RemoteAddr); err != nil {
		_ = wrapper.Close(closeInvalidPayload, err.Error())
		_ = upstream.Close(websocket.CloseGoingAway, "")
		return
	}

	proxy := ocpp.NewProxySession(chargerID, wrapper, upstream, s.store, s.cfg, s.clock)
	if displaced := s.registry.Add(proxy.Session); displaced != nil {
		log.Warn().Msg("Replacing existing session")
	}
	s.ping.Add(chargerID, wrapper)
	defer s.ping.Remove(chargerID)
	defer s.registry.Remove(proxy.Session)

	proxy.Run(s.sessionContext())
}

// dialUpstream connects to the configured CSMS for one charger, passing
// through the charger's Authorization header.
func (s *Server) dialUpstream(r *http.Request, chargerID string) (*ConnectionWrapper, error) {
	url := strings.TrimSuffix(s.cfg.ExtServer.Server, "/") + "/" + chargerID

	header := http.Header{}
	header.Set("User-Agent", s.cfg.ExtServer.UserAgent)
	if auth := r.Header.Get("Authorization"); auth != "" {
		header.Set("Authorization", auth)
	}

	dialer := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   s.cfg.Host.ReadBufferSize,
		WriteBufferSize:  s.cfg.Host.WriteBufferSize,
	}
	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return newConnectionWrapper(conn, s.cfg.Host.MaxMessageSize, s.cfg.Host.WriteTimeout,
		s.cfg.Host.WatchdogStale, s.log.With().Str("charger_id", chargerID).Str("endpoint", "upstream").Logger()), nil
}
