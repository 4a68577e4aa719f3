package storage

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/charging-platform/balanz/internal/logger"
)

// ConnectedLister reports the chargers currently connected to this
// instance.
type ConnectedLister interface {
	ChargerIDs() []string
}

// Keeper re-claims presence for every connected charger at half the TTL
// so live entries never expire while the connection is up. Entries for
// disconnected chargers simply age out; nothing is released explicitly,
// which keeps a crashed instance from holding claims forever.
type Keeper struct {
	sessions   ConnectedLister
	presence   PresenceRegistry
	instanceID string
	ttl        time.Duration
	clock      clock.Clock
	log        zerolog.Logger
}

// NewKeeper builds the presence keeper for this instance.
func NewKeeper(sessions ConnectedLister, presence PresenceRegistry, instanceID string, ttl time.Duration, clk clock.Clock) *Keeper {
	return &Keeper{
		sessions:   sessions,
		presence:   presence,
		instanceID: instanceID,
		ttl:        ttl,
		clock:      clk,
		log:        logger.Component("presence"),
	}
}

// Run refreshes claims until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) {
	interval := k.ttl / 2
	if interval <= 0 {
		interval = time.Minute
	}
	k.log.Info().Str("instance_id", k.instanceID).Dur("interval", interval).Msg("Presence keeper started")

	ticker := k.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			k.log.Info().Msg("Presence keeper stopped")
			return
		case <-ticker.C:
		}
		k.sweep(ctx)
	}
}

func (k *Keeper) sweep(ctx context.Context) {
	for _, chargerID := range k.sessions.ChargerIDs() {
		if err := k.presence.Claim(ctx, chargerID, k.instanceID, k.ttl); err != nil {
			k.log.Warn().Err(err).Str("charger_id", chargerID).Msg("Presence claim failed")
		}
	}
}
