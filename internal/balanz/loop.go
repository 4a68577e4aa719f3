package balanz

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/charging-platform/balanz/internal/domain/ocpp16"
	"github.com/charging-platform/balanz/internal/logger"
	"github.com/charging-platform/balanz/internal/metrics"
	"github.com/charging-platform/balanz/internal/model"
)

// Loop runs smart charging for one allocation group. There is one Loop
// goroutine per group; ticks never overlap because a tick runs to
// completion before the next one is taken from the ticker.
//
// Each tick does the urgent housekeeping first (profile initialization,
// post-reconnect status requests, blocking-profile re-arms, TxProfile
// installation for fresh transactions) and then, on full passes, plans
// and applies allocation changes, reduce before grow.
type Loop struct {
	groupID string
	store   *model.Store
	resolve Resolver
	clock   clock.Clock
	log     zerolog.Logger
}

// NewLoop builds the loop for one allocation group.
func NewLoop(groupID string, store *model.Store, resolve Resolver, clk clock.Clock) *Loop {
	return &Loop{
		groupID: groupID,
		store:   store,
		resolve: resolve,
		clock:   clk,
		log:     logger.Component("balanz").With().Str("group_id", groupID).Logger(),
	}
}

// Run ticks until ctx is cancelled. It sleeps first_wait before the first
// tick so chargers get a chance to reconnect after a restart.
func (l *Loop) Run(ctx context.Context) {
	params := l.store.Params()
	l.log.Info().Dur("run_interval", params.RunInterval).Msg("Balanz loop started")
	if !l.sleep(ctx, params.FirstWait) {
		return
	}

	ticker := l.clock.Ticker(params.RunInterval)
	defer ticker.Stop()

	count := 0
	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("Balanz loop stopped")
			return
		case <-ticker.C:
		}

		count++
		params = l.store.Params()
		full := params.IntervalsFull <= 1 || count%params.IntervalsFull == 0
		if !full && !l.store.GroupNeedsUrgentRun(l.groupID) {
			continue
		}
		if l.store.GroupSuspended(l.groupID) {
			l.log.Debug().Msg("Group suspended, skipping pass")
			continue
		}
		l.tick(ctx, full)
	}
}

// tick performs one pass. Panics are logged and swallowed so a bad charger
// or model state cannot kill the group's loop.
func (l *Loop) tick(ctx context.Context, full bool) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("Recovered panic in balanz pass")
		}
	}()

	kind := "urgent"
	if full {
		kind = "full"
	}
	metrics.BalanzPasses.WithLabelValues(l.groupID, kind).Inc()
	start := l.clock.Now()
	defer func() {
		metrics.BalanzPassDuration.WithLabelValues(l.groupID).Observe(l.clock.Now().Sub(start).Seconds())
	}()

	l.log.Debug().Bool("full", full).Msg("Balanz pass")

	// Chargers must be brought under profile control before anything else,
	// or they will make allocations on their own. Balancing waits a tick.
	if l.initChargers(ctx) {
		return
	}

	l.requestStatus(ctx)
	l.rearmBlocking(ctx)
	l.installTxProfiles(ctx)
	l.applyPlan(ctx)
}

// initChargers clears and installs the default profiles on every connected
// charger that has not been initialized yet. Returns true when there was
// such a charger, in which case the pass stops here.
func (l *Loop) initChargers(ctx context.Context) bool {
	chargers := l.store.ChargersToInit(l.groupID)
	if len(chargers) == 0 {
		return false
	}
	for _, ch := range chargers {
		drv, ok := l.resolve(ch.ChargerID)
		if !ok {
			l.log.Warn().Str("charger_id", ch.ChargerID).Msg("No session while initializing profiles")
			continue
		}
		if err := drv.ClearDefaultProfiles(ctx); err != nil {
			l.log.Warn().Err(err).Str("charger_id", ch.ChargerID).Msg("Failed to clear default profiles")
		}
		for _, connID := range ch.ConnectorIDs {
			if err := drv.SetBlockingDefaultProfile(ctx, connID); err != nil {
				l.log.Warn().Err(err).Str("charger_id", ch.ChargerID).Int("connector_id", connID).
					Msg("Failed to set blocking default profile")
			}
		}
		if err := drv.SetBaseDefaultProfile(ctx); err != nil {
			l.log.Warn().Err(err).Str("charger_id", ch.ChargerID).Str("alias", ch.Alias).
				Msg("Failed to set base default profile")
		}
		l.log.Info().Str("charger_id", ch.ChargerID).Str("alias", ch.Alias).
			Msg("Cleared and set default profiles")
		l.store.MarkProfileInitialized(ch.ChargerID)
	}
	return true
}

// requestStatus asks recently (re)connected chargers to re-send boot,
// status and meter information so the model catches up.
func (l *Loop) requestStatus(ctx context.Context) {
	for _, ch := range l.store.ChargersToRequestStatus(l.groupID) {
		drv, ok := l.resolve(ch.ChargerID)
		if !ok {
			continue
		}
		if err := drv.TriggerMessage(ctx, ocpp16.MessageTriggerBootNotification, nil); err != nil {
			l.log.Debug().Err(err).Str("charger_id", ch.ChargerID).Msg("TriggerMessage BootNotification failed")
		}
		for _, connID := range ch.ConnectorIDs {
			cid := connID
			if err := drv.TriggerMessage(ctx, ocpp16.MessageTriggerStatusNotification, &cid); err != nil {
				l.log.Debug().Err(err).Str("charger_id", ch.ChargerID).Int("connector_id", connID).
					Msg("TriggerMessage StatusNotification failed")
			}
		}
		if err := drv.TriggerMessage(ctx, ocpp16.MessageTriggerMeterValues, nil); err != nil {
			l.log.Debug().Err(err).Str("charger_id", ch.ChargerID).Msg("TriggerMessage MeterValues failed")
		}
		l.store.MarkStatusRequested(ch.ChargerID)
	}
}

// rearmBlocking reinstates the blocking default profile on connectors that
// left a transaction without it. The flag is set regardless of the
// charger's answer; the profile may well be there anyway.
func (l *Loop) rearmBlocking(ctx context.Context) {
	for _, ref := range l.store.ConnectorsToRearmBlocking(l.groupID) {
		if drv, ok := l.resolve(ref.ChargerID); ok {
			if err := drv.SetBlockingDefaultProfile(ctx, ref.ConnectorID); err != nil {
				l.log.Warn().Err(err).Str("charger_id", ref.ChargerID).Int("connector_id", ref.ConnectorID).
					Msg("Failed to re-arm blocking default profile")
			} else {
				l.log.Debug().Str("charger_id", ref.ChargerID).Int("connector_id", ref.ConnectorID).
					Msg("Re-armed blocking default profile")
			}
		}
		l.store.SetBlockingProfileReset(ref.ChargerID, ref.ConnectorID, true)
	}
}

// installTxProfiles gives every transaction that started by clearing the
// blocking profile its own TxProfile at the minimum allocation, then puts
// the blocking default back in place for the next session.
func (l *Loop) installTxProfiles(ctx context.Context) {
	minAllocation := l.store.Params().MinAllocation
	for _, ref := range l.store.TransactionsAwaitingTxProfile(l.groupID) {
		if drv, ok := l.resolve(ref.ChargerID); ok {
			if err := drv.SetTxProfile(ctx, ref.ConnectorID, ref.TransactionID, minAllocation); err != nil {
				l.log.Warn().Err(err).Str("charger_id", ref.ChargerID).Int("connector_id", ref.ConnectorID).
					Msg("TxProfile initial setup failed")
			} else {
				txID := ref.TransactionID
				l.store.ChargeChangeImplemented(model.ChargeChange{
					ChargerID:     ref.ChargerID,
					ConnectorID:   ref.ConnectorID,
					TransactionID: &txID,
					Allocation:    minAllocation,
				})
				if err := drv.SetBlockingDefaultProfile(ctx, ref.ConnectorID); err != nil {
					l.log.Warn().Err(err).Str("charger_id", ref.ChargerID).Int("connector_id", ref.ConnectorID).
						Msg("Failed to reinstate blocking default profile after TxProfile")
				} else {
					l.log.Debug().Str("charger_id", ref.ChargerID).Int("connector_id", ref.ConnectorID).
						Msg("TxProfile installed, blocking default reinstated")
				}
			}
		}
		l.store.SetBlockingProfileReset(ref.ChargerID, ref.ConnectorID, true)
	}
}

// applyPlan runs the allocation engine and implements its change lists,
// reduces strictly before grows with a settle wait in between.
func (l *Loop) applyPlan(ctx context.Context) {
	reduce, grow, err := l.store.PlanGroup(l.groupID)
	if err != nil {
		l.log.Error().Err(err).Msg("Allocation planning failed")
		return
	}
	if len(reduce) == 0 && len(grow) == 0 {
		return
	}
	l.log.Debug().Int("reduce", len(reduce)).Int("grow", len(grow)).Msg("Applying allocation plan")

	if !l.applyChanges(ctx, reduce) {
		return
	}
	if len(reduce) > 0 && len(grow) > 0 {
		if !l.sleep(ctx, l.store.Params().WaitAfterReduce) {
			return
		}
	}
	l.applyChanges(ctx, grow)
}

// applyChanges implements one ordered change list. Returns false when the
// rest of the plan must be abandoned: a grow whose prerequisite reduce
// failed would overshoot the group ceiling.
func (l *Loop) applyChanges(ctx context.Context, changes []model.ChargeChange) bool {
	for _, change := range changes {
		drv, ok := l.resolve(change.ChargerID)
		if !ok {
			l.log.Warn().Str("change", change.String()).Msg("Skipping charge change, charger has no session")
			continue
		}

		if change.TransactionID == nil {
			// Starting case: no transaction to address a TxProfile to yet.
			// A zero allocation reinstates the blocking default instead.
			if change.Allocation == 0 {
				if err := drv.SetBlockingDefaultProfile(ctx, change.ConnectorID); err != nil {
					l.log.Warn().Err(err).Str("change", change.String()).
						Msg("Failed to set blocking default profile, aborting remaining changes")
					return false
				}
			} else {
				if err := drv.ClearBlockingDefaultProfile(ctx, change.ConnectorID); err != nil {
					l.log.Warn().Err(err).Str("change", change.String()).
						Msg("Failed to clear blocking default profile, continuing with other changes")
					continue
				}
				l.store.SetBlockingProfileReset(change.ChargerID, change.ConnectorID, false)
			}
		} else {
			if err := drv.SetTxProfile(ctx, change.ConnectorID, *change.TransactionID, change.Allocation); err != nil {
				l.log.Warn().Err(err).Str("change", change.String()).
					Msg("Failed to set TxProfile, aborting remaining changes")
				return false
			}
		}

		l.log.Info().Str("change", change.String()).Msg("Applied charge change")
		l.store.ChargeChangeImplemented(change)
	}
	return true
}

// sleep waits d on the loop's clock, returning false if ctx ended first.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := l.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
