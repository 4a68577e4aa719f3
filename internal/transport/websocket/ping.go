package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/charging-platform/balanz/internal/logger"
)

// PingService keeps every charger connection alive from a single
// goroutine instead of one ticker per connection.
type PingService struct {
	connections sync.Map // map[string]*ConnectionWrapper
	interval    time.Duration
	log         zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPingService builds the service; Start launches its goroutine.
func NewPingService(interval time.Duration) *PingService {
	return &PingService{
		interval: interval,
		log:      logger.Component("transport"),
	}
}

// Start launches the ping loop. No-op pings are skipped when a send
// fails; the connection's own read loop notices the dead peer.
func (s *PingService) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.pingAll()
			}
		}
	}()
	s.log.Info().Dur("interval", s.interval).Msg("Ping service started")
}

// Stop halts the ping loop and waits for it.
func (s *PingService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Add registers a connection for pinging.
func (s *PingService) Add(chargerID string, w *ConnectionWrapper) {
	s.connections.Store(chargerID, w)
}

// Remove drops a connection from the ping set.
func (s *PingService) Remove(chargerID string) {
	s.connections.Delete(chargerID)
}

func (s *PingService) pingAll() {
	var active, failed int
	s.connections.Range(func(key, value interface{}) bool {
		active++
		w := value.(*ConnectionWrapper)
		if err := w.Ping(); err != nil {
			failed++
			s.log.Debug().Err(err).Str("charger_id", key.(string)).Msg("Ping failed")
		}
		return true
	})
	if active > 0 {
		s.log.Debug().Int("active", active).Int("failed", failed).Msg("Ping sweep done")
	}
}
