package balanz

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/charging-platform/balanz/internal/logger"
	"github.com/charging-platform/balanz/internal/model"
)

// Watchdog sweeps the whole model for transactions on silent chargers and
// pseudo-stops them so their capacity returns to the pool. One goroutine
// covers every group.
type Watchdog struct {
	store    *model.Store
	interval time.Duration
	clock    clock.Clock
	log      zerolog.Logger
}

// NewWatchdog builds the model watchdog. interval is the sweep cadence
// (csms transaction_interval).
func NewWatchdog(store *model.Store, interval time.Duration, clk clock.Clock) *Watchdog {
	return &Watchdog{
		store:    store,
		interval: interval,
		clock:    clk,
		log:      logger.Component("watchdog"),
	}
}

// Run sweeps until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Model watchdog started")
	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Model watchdog stopped")
			return
		case <-ticker.C:
		}
		w.sweep()
	}
}

func (w *Watchdog) sweep() {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("Recovered panic in watchdog sweep")
		}
	}()
	if stopped := w.store.ExpireStaleTransactions(); len(stopped) > 0 {
		w.log.Warn().Strs("sessions", stopped).Msg("Stopped transactions on silent chargers")
	}
}
