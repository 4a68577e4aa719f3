package message

import (
	"context"

	"github.com/charging-platform/balanz/internal/domain/events"
	"github.com/charging-platform/balanz/internal/logger"
)

// Pump drains src into producer until ctx is cancelled or src is
// closed. Publish errors are logged and the pump keeps going; a broker
// outage must never stall charging-state bookkeeping.
func Pump(ctx context.Context, src <-chan events.Event, producer EventProducer) {
	log := logger.Component("kafka")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src:
			if !ok {
				return
			}
			if err := producer.PublishEvent(ev); err != nil {
				log.Error().
					Err(err).
					Str("event_type", string(ev.GetEventType())).
					Str("charger_id", ev.GetChargerID()).
					Msg("event publish failed")
			}
		}
	}
}
