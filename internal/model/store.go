package model

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/charging-platform/balanz/internal/config"
	"github.com/charging-platform/balanz/internal/domain/events"
	"github.com/charging-platform/balanz/internal/domain/ocpp16"
	"github.com/charging-platform/balanz/internal/logger"
	"github.com/charging-platform/balanz/internal/metrics"
)

const eventBufferSize = 256

// Store owns the entire charging model: groups, chargers, tags, users,
// firmware and completed sessions. All state is guarded by one RWMutex which
// is never held across network I/O; the balanz loop and the API work on
// value snapshots and commit results through short locked methods.
type Store struct {
	mu    sync.RWMutex
	clock clock.Clock
	log   zerolog.Logger

	groups   map[string]*Group
	chargers map[string]*Charger
	tags     map[string]*Tag
	users    map[string]*User
	firmware map[string]*Firmware
	sessions []*Session

	// Engine knobs, copied from the config at startup and adjustable at
	// runtime through the admin API.
	params  config.BalanzConfig
	csms    config.CSMSConfig
	model   config.ModelConfig
	api     config.APIConfig
	history config.HistoryConfig

	sessionWriter   *sessionWriter
	pendingSessions []*Session
	audit           *logger.Audit

	events        chan events.Event
	eventsDropped int64
}

// New builds an empty store from the configuration. Entity CSV files are
// loaded separately via LoadAll. A nil audit disables mutation records.
func New(cfg *config.Config, audit *logger.Audit) *Store {
	return &Store{
		clock:    clock.New(),
		log:      logger.Component("model"),
		groups:   make(map[string]*Group),
		chargers: make(map[string]*Charger),
		tags:     make(map[string]*Tag),
		users:    make(map[string]*User),
		firmware: make(map[string]*Firmware),
		params:   cfg.Balanz,
		csms:     cfg.CSMS,
		model:    cfg.Model,
		api:      cfg.API,
		history:  cfg.History,
		audit:    audit,
		events:   make(chan events.Event, eventBufferSize),
	}
}

// SetClock replaces the store's clock. Callers outside this package use it
// to drive time-dependent behaviour deterministically.
func (s *Store) SetClock(c clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
}

// Events is the stream of integration events (connects, completed sessions,
// applied charge changes). Events are dropped, not blocked on, when the
// consumer falls behind.
func (s *Store) Events() <-chan events.Event {
	return s.events
}

// emit must be called with the lock held; it never blocks.
func (s *Store) emit(ev events.Event) {
	select {
	case s.events <- ev:
	default:
		s.eventsDropped++
		s.log.Warn().Str("event_type", string(ev.GetEventType())).Int64("dropped", s.eventsDropped).
			Msg("Event buffer full, dropping event")
	}
}

// Params returns a copy of the live engine knobs.
func (s *Store) Params() config.BalanzConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// UpdateParams applies fn to the engine knobs under the write lock. Used by
// the admin API's SetConfig command.
func (s *Store) UpdateParams(fn func(*config.BalanzConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.params)
}

// Counts returns entity counts for the GetStatus command.
func (s *Store) Counts() (groups, chargers, tags, sessions int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups), len(s.chargers), len(s.tags), len(s.sessions)
}

// ResolveChargerID maps an alias to a charger id. The id itself always
// resolves; an alias resolves only when exactly one charger carries it.
func (s *Store) ResolveChargerID(idOrAlias string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.chargers[idOrAlias]; ok {
		return idOrAlias, true
	}
	var match string
	var hits int
	for id, c := range s.chargers {
		if c.Alias == idOrAlias {
			match = id
			hits++
		}
	}
	if hits == 1 {
		return match, true
	}
	return "", false
}

// CheckUserAuth compares a login token against the user table and returns
// the matching role.
func (s *Store) CheckUserAuth(token string) (UserType, bool) {
	sha := SHA256Hex(token)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.AuthSHA == sha {
			s.log.Info().Str("user_id", u.ID).Str("user_type", string(u.Type)).Msg("Successful auth check")
			return u.Type, true
		}
	}
	s.log.Info().Msg("Failed auth check")
	return "", false
}

// EnsureCharger resolves a connecting charger id, auto-registering it into
// the configured group when enabled. Returns whether a new charger was
// created.
func (s *Store) EnsureCharger(chargerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chargers[chargerID]; ok {
		return false, nil
	}
	if !s.model.ChargerAutoRegister {
		return false, NewError(ErrCodeNoSuchCharger, "charge point %s unknown", chargerID)
	}
	if err := s.createChargerLocked(chargerID, chargerID, s.model.ChargerAutoRegisterGroup, 1, 1, "", nil, ""); err != nil {
		return false, err
	}
	s.log.Info().Str("charger_id", chargerID).Str("group_id", s.model.ChargerAutoRegisterGroup).
		Msg("Auto-registered unknown charger")
	return true, nil
}

// ChargerAuthSHA returns the stored Basic-auth fingerprint, empty when the
// charger has not been provisioned yet.
func (s *Store) ChargerAuthSHA(chargerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chargers[chargerID]
	if !ok {
		return "", NewError(ErrCodeNoSuchCharger, "charger %s not found", chargerID)
	}
	return c.AuthSHA, nil
}

// SetChargerAuthSHA stores a freshly provisioned auth fingerprint and
// rewrites the chargers CSV.
func (s *Store) SetChargerAuthSHA(chargerID, sha string) error {
	s.mu.Lock()
	c, ok := s.chargers[chargerID]
	if !ok {
		s.mu.Unlock()
		return NewError(ErrCodeNoSuchCharger, "charger %s not found", chargerID)
	}
	c.AuthSHA = sha
	s.mu.Unlock()
	return s.saveChargers()
}

// SetConnected records a live OCPP session for the charger.
func (s *Store) SetConnected(chargerID, remoteAddr string) error {
	s.mu.Lock()
	c, ok := s.chargers[chargerID]
	if !ok {
		s.mu.Unlock()
		return NewError(ErrCodeNoSuchCharger, "charger %s not found", chargerID)
	}
	c.Connected = true
	c.RequestedStatus = false
	groupID := c.GroupID
	s.emit(events.NewChargerConnectedEvent(chargerID, remoteAddr, groupID))
	s.mu.Unlock()

	metrics.ConnectedChargers.Inc()
	s.log.Info().Str("charger_id", chargerID).Str("remote_addr", remoteAddr).Msg("Charger connected")
	return nil
}

// SetDisconnected clears the live-session mark. RequestedStatus and
// ProfileInitialized are reset so a reconnect re-drives initialization;
// LastUpdate is preserved so the watchdog can expire stale transactions.
func (s *Store) SetDisconnected(chargerID, reason string) {
	s.mu.Lock()
	c, ok := s.chargers[chargerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	wasConnected := c.Connected
	c.Connected = false
	c.RequestedStatus = false
	c.ProfileInitialized = false
	if wasConnected {
		s.emit(events.NewChargerDisconnectedEvent(chargerID, reason))
	}
	s.mu.Unlock()

	if wasConnected {
		metrics.ConnectedChargers.Dec()
		s.log.Info().Str("charger_id", chargerID).Str("reason", reason).Msg("Charger disconnected")
	}
}

// Touch refreshes the last-heard timestamp. Called for every inbound OCPP
// message.
func (s *Store) Touch(chargerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chargers[chargerID]; ok {
		c.LastUpdate = s.clock.Now()
	}
}

// AllocationGroupIDs lists the groups carrying a capacity schedule, sorted.
func (s *Store) AllocationGroupIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, g := range s.groups {
		if g.IsAllocationGroup() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// GroupSuspended reports the balanz suspend flag for a group.
func (s *Store) GroupSuspended(groupID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	return ok && g.Suspended
}

// SetGroupSuspended flips the balanz suspend flag on an allocation group.
func (s *Store) SetGroupSuspended(groupID string, suspended bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return NewError(ErrCodeNoSuchGroup, "group %s not found", groupID)
	}
	if !g.IsAllocationGroup() {
		return NewError(ErrCodeNotAllocationGroup, "group %s has no max_allocation", groupID)
	}
	g.Suspended = suspended
	s.log.Info().Str("group_id", groupID).Bool("suspend", suspended).Msg("Balanz suspend state changed")
	return nil
}

// ChargerInitState is the snapshot the balanz loop needs to drive default
// profiles or status triggers onto a charger.
type ChargerInitState struct {
	ChargerID    string
	Alias        string
	ConnectorIDs []int
}

// ConnectorRef names one connector.
type ConnectorRef struct {
	ChargerID   string
	ConnectorID int
}

// TransactionRef names one live transaction.
type TransactionRef struct {
	ChargerID     string
	ConnectorID   int
	TransactionID int
}

func connectorIDs(c *Charger) []int {
	ids := make([]int, 0, len(c.Connectors))
	for id := range c.Connectors {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *Store) groupChargersSorted(groupID string) []*Charger {
	g, ok := s.groups[groupID]
	if !ok {
		return nil
	}
	out := make([]*Charger, 0, len(g.chargers))
	for _, id := range sortedKeys(g.chargers) {
		out = append(out, g.chargers[id])
	}
	return out
}

// ChargersToInit lists connected chargers whose default profiles have not
// been driven yet.
func (s *Store) ChargersToInit(groupID string) []ChargerInitState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ChargerInitState
	for _, c := range s.groupChargersSorted(groupID) {
		if c.Connected && !c.ProfileInitialized {
			out = append(out, ChargerInitState{ChargerID: c.ID, Alias: c.Alias, ConnectorIDs: connectorIDs(c)})
		}
	}
	return out
}

// MarkProfileInitialized records that the default-profile sequence ran.
func (s *Store) MarkProfileInitialized(chargerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chargers[chargerID]; ok {
		c.ProfileInitialized = true
	}
}

// ChargersToRequestStatus lists connected chargers that have not had their
// post-connect state triggered.
func (s *Store) ChargersToRequestStatus(groupID string) []ChargerInitState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ChargerInitState
	for _, c := range s.groupChargersSorted(groupID) {
		if c.Connected && !c.RequestedStatus {
			out = append(out, ChargerInitState{ChargerID: c.ID, Alias: c.Alias, ConnectorIDs: connectorIDs(c)})
		}
	}
	return out
}

// MarkStatusRequested records that TriggerMessage state requests were sent.
func (s *Store) MarkStatusRequested(chargerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chargers[chargerID]; ok {
		c.RequestedStatus = true
	}
}

// ConnectorsToRearmBlocking lists connectors that ended outside a
// transaction with the blocking default profile still cleared.
func (s *Store) ConnectorsToRearmBlocking(groupID string) []ConnectorRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ConnectorRef
	for _, c := range s.groupChargersSorted(groupID) {
		for _, id := range connectorIDs(c) {
			conn := c.Connectors[id]
			if conn.Transaction == nil && !conn.Status.InTransaction() && !conn.BlockingProfileReset {
				out = append(out, ConnectorRef{ChargerID: c.ID, ConnectorID: id})
			}
		}
	}
	return out
}

// TransactionsAwaitingTxProfile lists live transactions that still need
// their initial TxProfile plus blocking-default reinstatement.
func (s *Store) TransactionsAwaitingTxProfile(groupID string) []TransactionRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TransactionRef
	for _, c := range s.groupChargersSorted(groupID) {
		for _, id := range connectorIDs(c) {
			conn := c.Connectors[id]
			if conn.Transaction != nil && !conn.BlockingProfileReset {
				out = append(out, TransactionRef{ChargerID: c.ID, ConnectorID: id, TransactionID: conn.Transaction.ID})
			}
		}
	}
	return out
}

// SetBlockingProfileReset updates the blocking-profile bookkeeping flag.
func (s *Store) SetBlockingProfileReset(chargerID string, connectorID int, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chargers[chargerID]
	if !ok {
		return
	}
	if conn, ok := c.Connectors[connectorID]; ok {
		conn.BlockingProfileReset = v
	}
}

// GroupNeedsUrgentRun reports whether the balanz loop should plan outside
// its full-pass cadence: an uninitialized connected charger, a pending
// blocking-profile reset, or a connector flagged for review.
func (s *Store) GroupNeedsUrgentRun(groupID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.groupChargersSorted(groupID) {
		if c.Connected && !c.ProfileInitialized {
			return true
		}
		for _, conn := range c.Connectors {
			if !conn.BlockingProfileReset && (conn.Transaction != nil || !conn.Status.InTransaction()) {
				return true
			}
			if conn.toReview && conn.Status == statusSuspendedEVSE {
				return true
			}
		}
	}
	return false
}

// ChargeChangeImplemented commits a successfully applied allocation change:
// the offer becomes current, the usage window restarts and the change lands
// in the transaction's charging history.
func (s *Store) ChargeChangeImplemented(change ChargeChange) {
	s.mu.Lock()
	c, ok := s.chargers[change.ChargerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	conn, ok := c.Connectors[change.ConnectorID]
	if !ok {
		s.mu.Unlock()
		return
	}

	previous := conn.Offered
	conn.Offered = change.Allocation
	conn.OfferedSet = true
	if change.Allocation >= s.params.MinAllocation {
		conn.LastOfferTime = s.clock.Now()
		conn.recentUsages = nil
		conn.SuspendUntil = time.Time{}
	}
	if conn.Transaction != nil {
		conn.Transaction.ChargingHistory = append(conn.Transaction.ChargingHistory,
			HistoryEntry{At: s.clock.Now(), Offered: change.Allocation})
	}

	groupID := c.GroupID
	groupOffered := 0.0
	if g, ok := s.groups[groupID]; ok {
		groupOffered = g.offered()
	}
	ev := events.ChargeChangeAppliedEvent{
		BaseEvent:     events.NewBaseEvent(events.EventTypeChargeChangeApplied, change.ChargerID),
		GroupID:       groupID,
		ConnectorID:   change.ConnectorID,
		TransactionID: change.TransactionID,
		Allocation:    change.Allocation,
		Previous:      previous,
	}
	s.emit(&ev)
	s.mu.Unlock()

	metrics.ChargeChanges.WithLabelValues(groupID, changeDirection(change, previous)).Inc()
	metrics.OfferedAmps.WithLabelValues(groupID).Set(groupOffered)
	s.log.Debug().Str("change", change.String()).Msg("Charge change done")
}

func changeDirection(change ChargeChange, previous float64) string {
	if change.TransactionID == nil {
		if change.Allocation == 0 {
			return "block"
		}
		return "start"
	}
	if change.Allocation > previous {
		return "grow"
	}
	return "reduce"
}

// ExpireStaleTransactions is the model watchdog sweep: chargers silent for
// longer than transaction_timeout get their live transactions stopped with
// reason Other and their connectors forced Available. Returns the generated
// session ids.
func (s *Store) ExpireStaleTransactions() []string {
	s.mu.Lock()
	now := s.clock.Now()
	var stopped []string
	for _, id := range sortedKeys(s.chargers) {
		c := s.chargers[id]
		if !c.LastUpdate.IsZero() && now.Sub(c.LastUpdate) <= s.csms.TransactionTimeout {
			continue
		}
		for _, connID := range connectorIDs(c) {
			conn := c.Connectors[connID]
			if conn.Transaction == nil {
				continue
			}
			s.log.Warn().Str("transaction", conn.Transaction.idStr()).Str("last_update", timeStr(c.LastUpdate)).
				Msg("Pseudo-stopping transaction from silent charger")
			sessionID := s.stopTransactionLocked(c, conn.Transaction.ID, conn.Transaction.EnergyMeter, now, string(ocpp16.ReasonOther), "")
			conn.Status = statusAvailable
			if sessionID != "" {
				stopped = append(stopped, sessionID)
			}
		}
	}
	s.mu.Unlock()

	for range stopped {
		metrics.WatchdogStops.Inc()
	}
	s.flushSessionWriter()
	return stopped
}
