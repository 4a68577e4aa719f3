package model

import (
	"math"
	"sort"
)

// PlanGroup runs the balanz engine over one allocation group and returns the
// changes to apply: reduce first (frees capacity), then grow (uses it).
// Callers must apply reduce before grow and report every applied change via
// ChargeChangeImplemented; the next pass assumes the current offers reflect
// what was applied.
//
// The engine walks connectors in a fixed (charger id, connector id) order so
// equal-priority round-robin topping is deterministic.
func (s *Store) PlanGroup(groupID string) (reduce, grow []ChargeChange, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, nil, NewError(ErrCodeNoSuchGroup, "group %s not found", groupID)
	}
	return s.balanzLocked(g)
}

func (s *Store) balanzLocked(g *Group) (reduce, grow []ChargeChange, err error) {
	if !g.IsAllocationGroup() {
		return nil, nil, NewError(ErrCodeNotAllocationGroup, "balanz called on non-allocation group %s", g.ID)
	}
	s.log.Debug().Str("group_id", g.ID).Msg("Running balanz")

	p := s.params
	now := s.clock.Now()

	// Candidates: connectors in an in-transaction status. Either charging,
	// or suspended and possibly wanting to (re)start.
	var connectors []*Connector
	for _, cid := range sortedKeys(g.chargers) {
		c := g.chargers[cid]
		for _, id := range connectorIDs(c) {
			conn := c.Connectors[id]
			if conn.Status.InTransaction() {
				connectors = append(connectors, conn)
			}
		}
	}

	for _, conn := range connectors {
		if !conn.OfferedSet {
			// Could be wrong, but without a reported offer there is nothing
			// better to assume.
			s.log.Warn().Str("connector", conn.idStr()).Msg("No offered value available, assuming 0")
			conn.Offered = 0
			conn.OfferedSet = true
		}
		conn.allocation = 0
		conn.done = false
		conn.toReview = false
	}

	// Voluntary release: take back capacity a connector clearly is not
	// using. The SuspendedEV case waits out a timeout first and records
	// when to try offering again.
	for _, conn := range connectors {
		if conn.done {
			continue
		}
		maxRecent := conn.maxRecentUsage(now, p.UsageMonitoringInterval)
		switch {
		case conn.Status == statusSuspendedEV && maxRecent < p.UsageThreshold:
			if !conn.LastOfferTime.IsZero() && now.Sub(conn.LastOfferTime) > p.SuspendedAllocationTimeout {
				conn.allocation = 0
				conn.done = true
				if conn.Transaction != nil && conn.Transaction.EnergyMeter >= p.EnergyThreshold {
					// Charged for real before going quiet, so this is the
					// EV-full case, not a delayed start.
					conn.SuspendUntil = now.Add(p.SuspendedDelayedTimeNotFirst)
				} else if p.SuspendTopOfHour {
					conn.SuspendUntil = adjustTopOfHour(now, p.SuspendedAllocationTimeout)
				} else {
					conn.SuspendUntil = now.Add(p.SuspendedDelayedTime)
				}
				s.log.Debug().Str("connector", conn.idStr()).Time("suspend_until", conn.SuspendUntil).
					Msg("EV suspended, removing allocation")
			} else {
				s.log.Debug().Str("connector", conn.idStr()).Msg("Allowing continued allocation for suspended EV for now")
			}
		case conn.Status == statusSuspendedEVSE && !conn.SuspendUntil.IsZero() && now.Before(conn.SuspendUntil):
			conn.allocation = 0
			conn.done = true
			s.log.Debug().Str("connector", conn.idStr()).Time("suspend_until", conn.SuspendUntil).
				Msg("Connector stays suspended")
		case conn.Status == statusCharging &&
			conn.Transaction != nil &&
			conn.Transaction.UsageMeterSet &&
			!conn.LastOfferTime.IsZero() &&
			now.Sub(conn.LastOfferTime) > p.UsageMonitoringInterval &&
			maxRecent >= p.MinAllocation &&
			maxRecent <= conn.Offered-p.MarginLower &&
			conn.Offered >= p.MinAllocation &&
			!(conn.EVMaxUsageSet && math.Ceil(conn.Transaction.UsageMeter) > conn.EVMaxUsage):
			// Stable usage below the offer, reduce to just above it. Stays
			// in effect for the rest of the transaction via EVMaxUsage.
			alloc := math.Ceil(maxRecent)
			if alloc < p.MinAllocation {
				alloc = p.MinAllocation
			}
			conn.allocation = alloc
			conn.done = true
			if !conn.EVMaxUsageSet || conn.EVMaxUsage > alloc {
				conn.EVMaxUsage = alloc
				conn.EVMaxUsageSet = true
				s.log.Info().Str("connector", conn.idStr()).Float64("from", conn.Offered).Float64("to", alloc).
					Msg("Reducing allocation due to lower EV usage")
			}
		}
	}

	// Determine how much each remaining connector would want.
	for _, conn := range connectors {
		if conn.done {
			continue
		}
		if conn.Status == statusSuspendedEV {
			// Keeping an allocation for a suspended EV happens at the
			// minimum level only.
			conn.maxDesired = p.MinAllocation
		} else if conn.Offered == 0 || conn.Transaction == nil {
			s.log.Debug().Str("connector", conn.idStr()).Msg("Setting max offer to min_allocation")
			conn.maxDesired = p.MinAllocation
		} else {
			if !conn.LastOfferTime.IsZero() && now.Sub(conn.LastOfferTime) < p.MinOfferIncreaseInterval {
				conn.maxDesired = conn.Offered
				s.log.Debug().Str("connector", conn.idStr()).Time("last_offer", conn.LastOfferTime).
					Msg("Not yet ready to increase offer")
			} else if conn.Offered-conn.maxRecentUsage(now, p.UsageMonitoringInterval) < p.MarginIncrease {
				conn.maxDesired = conn.Offered + p.MaxOfferIncrease
				s.log.Debug().Str("connector", conn.idStr()).Float64("max", conn.maxDesired).Msg("Increasing max offer")
			} else {
				conn.maxDesired = conn.Offered
				s.log.Debug().Str("connector", conn.idStr()).Float64("offered", conn.Offered).
					Msg("Recent usage too low to increase offer")
			}
			if conn.EVMaxUsageSet && conn.EVMaxUsage < conn.maxDesired {
				conn.maxDesired = conn.EVMaxUsage
				s.log.Debug().Str("connector", conn.idStr()).Float64("ev_max", conn.EVMaxUsage).
					Msg("Restricting offer due to EV history")
			}
			if cm := conn.connMax(); cm < conn.maxDesired {
				conn.maxDesired = cm
			}
		}
	}

	buckets := g.MaxAllocation.BucketsAt(now)
	if len(buckets) == 0 {
		s.log.Error().Str("group_id", g.ID).Msg("No priority buckets right now, cannot allocate")
		return nil, nil, NewError(ErrCodeIllegalArguments, "no priority bucket for group %s", g.ID)
	}
	ceiling := buckets[0].Amps

	// Connectors without a transaction come first: until the blocking
	// profile is lifted and a transaction starts, nothing else can happen
	// on them.
	remain := ceiling - doneAllocation(connectors)
	for _, conn := range connectors {
		if conn.done || conn.Transaction != nil || conn.Status != statusSuspendedEVSE {
			continue
		}
		if !conn.SuspendUntil.IsZero() && now.Before(conn.SuspendUntil) {
			continue
		}
		if remain >= p.MinAllocation {
			conn.allocation = p.MinAllocation
			remain -= p.MinAllocation
			conn.done = true
			s.log.Debug().Str("connector", conn.idStr()).Float64("remaining", remain).
				Msg("Allocating minimum to start transaction")
		}
	}

	// Allocate the rest by priority, highest first.
	prioSet := make(map[int]struct{})
	for _, conn := range connectors {
		if !conn.done {
			prioSet[conn.connPriority()] = struct{}{}
		}
	}
	priorities := make([]int, 0, len(prioSet))
	for pr := range prioSet {
		priorities = append(priorities, pr)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	for _, priority := range priorities {
		s.log.Debug().Str("group_id", g.ID).Int("priority", priority).Msg("Processing priority")

		// Match every done allocation to the highest bucket its priority
		// may draw from, then find the budget for this priority: what is
		// left in its bucket, capped by what is left under the overall
		// ceiling.
		usedTotals := make([]float64, len(buckets))
		for _, used := range connectors {
			if !used.done || used.allocation <= 0 {
				continue
			}
			for i, b := range buckets {
				if used.connPriority() >= b.Priority {
					usedTotals[i] += used.allocation
					break
				}
			}
		}
		remainingInBucket := 0.0
		found := false
		for i, b := range buckets {
			if priority >= b.Priority {
				remainingInBucket = b.Amps - usedTotals[i]
				found = true
				break
			}
		}
		if !found {
			s.log.Error().Str("group_id", g.ID).Int("priority", priority).
				Msg("No bucket matches priority, assuming no capacity")
		}
		remain := remainingInBucket
		if under := ceiling - doneAllocation(connectors); under < remain {
			remain = under
		}
		s.log.Debug().Float64("remaining_in_bucket", remainingInBucket).Float64("ceiling", ceiling).
			Float64("remain", remain).Msg("Capacity for priority")

		var connP []*Connector
		for _, conn := range connectors {
			if !conn.done && conn.connPriority() == priority {
				connP = append(connP, conn)
			}
		}

		// Confirm the minimum for as many running connectors as possible,
		// then for starters. Connectors granted a minimum stay open for
		// round-robin growth below; those that did not fit are closed out
		// at 0.
		for _, conn := range connP {
			if conn.Offered > 0 && conn.maxDesired >= p.MinAllocation {
				if remain >= p.MinAllocation {
					conn.allocation = p.MinAllocation
					remain -= p.MinAllocation
				} else {
					conn.allocation = 0
					conn.done = true
				}
			}
		}
		for _, conn := range connP {
			if conn.Offered == 0 && conn.maxDesired >= p.MinAllocation {
				if remain >= p.MinAllocation {
					conn.allocation = p.MinAllocation
					remain -= p.MinAllocation
				} else {
					conn.allocation = 0
					conn.done = true
				}
			}
		}

		// Naive round-robin growth, 1 A at a time, until capacity or
		// demand runs out.
		progressed := true
		for progressed {
			progressed = false
			for _, conn := range connP {
				if conn.allocation >= conn.maxDesired {
					conn.done = true
				} else if remain > 0 {
					conn.allocation++
					remain--
					progressed = true
				} else {
					conn.done = true
				}
			}
		}

		for _, conn := range connP {
			s.log.Debug().Str("connector", conn.idStr()).Float64("offer", conn.allocation).Bool("done", conn.done).
				Msg("Offer assigned")
		}
	}

	for _, conn := range connectors {
		if !conn.done {
			continue
		}
		change := ChargeChange{
			ChargerID:   conn.ChargerID,
			ConnectorID: conn.ID,
			Allocation:  conn.allocation,
		}
		if conn.Transaction != nil {
			id := conn.Transaction.ID
			change.TransactionID = &id
		}
		// Equal allocations need no change and are dropped.
		switch {
		case conn.allocation > conn.Offered:
			grow = append(grow, change)
		case conn.allocation < conn.Offered:
			reduce = append(reduce, change)
		}
	}
	return reduce, grow, nil
}

func doneAllocation(connectors []*Connector) float64 {
	var sum float64
	for _, conn := range connectors {
		if conn.done {
			sum += conn.allocation
		}
	}
	return sum
}
