package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// External views returned over the admin API. Timestamps are Unix seconds
// (floats), matching the OCPP-side convention of the wire.

type HistoryView struct {
	Timestamp float64 `json:"timestamp"`
	Offered   float64 `json:"offered"`
}

type TransactionView struct {
	IDTag           string        `json:"id_tag"`
	UserName        string        `json:"user_name"`
	StartTime       float64       `json:"start_time"`
	MeterStart      int64         `json:"meter_start"`
	UsageMeter      *float64      `json:"usage_meter"`
	EnergyMeter     int64         `json:"energy_meter"`
	LastUsage       float64       `json:"last_usage"`
	ChargingHistory []HistoryView `json:"charging_history"`
}

type ConnectorView struct {
	TransactionID *int             `json:"transaction_id"`
	Status        string           `json:"status"`
	Offered       *float64         `json:"offered"`
	Priority      int              `json:"priority"`
	EVMaxUsage    *float64         `json:"ev_max_usage"`
	SuspendUntil  *float64         `json:"suspend_until"`
	Transaction   *TransactionView `json:"transaction,omitempty"`
}

type ChargerView struct {
	ChargerID         string                `json:"charger_id"`
	Alias             string                `json:"alias"`
	GroupID           string                `json:"group_id"`
	Priority          int                   `json:"priority"`
	Description       string                `json:"description"`
	ConnMax           float64               `json:"conn_max"`
	ChargePointModel  string                `json:"charge_point_model"`
	ChargePointVendor string                `json:"charge_point_vendor"`
	ChargeBoxSerial   string                `json:"charge_box_serial_number"`
	ChargePointSerial string                `json:"charge_point_serial_number"`
	FirmwareVersion   string                `json:"firmware_version"`
	MeterType         string                `json:"meter_type"`
	Connectors        map[int]ConnectorView `json:"connectors"`
	NetworkConnected  bool                  `json:"network_connected"`
	LastUpdate        *float64              `json:"last_update"`
	FirmwareOptions   []string              `json:"firmware_options,omitempty"`
}

type GroupView struct {
	GroupID          string      `json:"group_id"`
	Description      string      `json:"description"`
	Chargers         interface{} `json:"chargers"`
	MaxAllocation    string      `json:"max_allocation"`
	MaxAllocationNow string      `json:"max_allocation_now"`
	Offered          float64     `json:"offered"`
	Usage            float64     `json:"usage"`
	Suspended        bool        `json:"suspended"`
}

type SessionView struct {
	SessionID       string        `json:"session_id"`
	ChargerID       string        `json:"charger_id"`
	ChargerAlias    string        `json:"charger_alias"`
	GroupID         string        `json:"group_id"`
	IDTag           string        `json:"id_tag"`
	UserName        string        `json:"user_name"`
	StopIDTag       string        `json:"stop_id_tag"`
	StartTime       float64       `json:"start_time"`
	EndTime         *float64      `json:"end_time"` // nil while the session is still live
	Duration        float64       `json:"duration"`
	EnergyMeter     int64         `json:"energy_meter"`
	KWh             string        `json:"kwh"`
	Reason          string        `json:"reason"`
	ChargingHistory []HistoryView `json:"charging_history"`
}

type TagView struct {
	IDTag       string `json:"id_tag"`
	UserName    string `json:"user_name"`
	ParentIDTag string `json:"parent_id_tag"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    *int   `json:"priority"`
}

type UserView struct {
	UserID      string `json:"user_id"`
	UserType    string `json:"user_type"`
	Description string `json:"description"`
}

type FirmwareView struct {
	FirmwareID          string `json:"firmware_id"`
	ChargePointVendor   string `json:"charge_point_vendor"`
	ChargePointModel    string `json:"charge_point_model"`
	FirmwareVersion     string `json:"firmware_version"`
	MeterType           string `json:"meter_type"`
	URL                 string `json:"url"`
	UpgradeFromVersions string `json:"upgrade_from_versions"`
}

func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func unixFloatPtr(t time.Time) *float64 {
	if t.IsZero() {
		return nil
	}
	v := unixFloat(t)
	return &v
}

func historyViews(history []HistoryEntry) []HistoryView {
	out := make([]HistoryView, 0, len(history))
	for _, h := range history {
		out = append(out, HistoryView{Timestamp: unixFloat(h.At), Offered: h.Offered})
	}
	return out
}

func transactionView(tx *Transaction) *TransactionView {
	if tx == nil {
		return nil
	}
	v := &TransactionView{
		IDTag:           tx.IDTag,
		UserName:        tx.UserName,
		StartTime:       unixFloat(tx.StartTime),
		MeterStart:      tx.MeterStart,
		EnergyMeter:     tx.EnergyMeter,
		LastUsage:       unixFloat(tx.LastUsageTime),
		ChargingHistory: historyViews(tx.ChargingHistory),
	}
	if tx.UsageMeterSet {
		u := tx.UsageMeter
		v.UsageMeter = &u
	}
	return v
}

func connectorView(conn *Connector) ConnectorView {
	v := ConnectorView{
		Status:       string(conn.Status),
		Priority:     conn.connPriority(),
		SuspendUntil: unixFloatPtr(conn.SuspendUntil),
		Transaction:  transactionView(conn.Transaction),
	}
	if conn.Transaction != nil {
		id := conn.Transaction.ID
		v.TransactionID = &id
	}
	if conn.OfferedSet {
		o := conn.Offered
		v.Offered = &o
	}
	if conn.EVMaxUsageSet {
		m := conn.EVMaxUsage
		v.EVMaxUsage = &m
	}
	return v
}

func (s *Store) chargerView(c *Charger) ChargerView {
	v := ChargerView{
		ChargerID:         c.ID,
		Alias:             c.Alias,
		GroupID:           c.GroupID,
		Priority:          c.Priority,
		Description:       c.Description,
		ConnMax:           c.ConnMax,
		ChargePointModel:  c.Model,
		ChargePointVendor: c.Vendor,
		ChargeBoxSerial:   c.ChargeBoxSerial,
		ChargePointSerial: c.ChargePointSerial,
		FirmwareVersion:   c.FirmwareVersion,
		MeterType:         c.MeterType,
		Connectors:        make(map[int]ConnectorView, len(c.Connectors)),
		NetworkConnected:  c.Connected,
		LastUpdate:        unixFloatPtr(c.LastUpdate),
	}
	for id, conn := range c.Connectors {
		v.Connectors[id] = connectorView(conn)
	}
	for _, fw := range sortedKeys(s.firmware) {
		if s.firmware[fw].Matches(c) {
			v.FirmwareOptions = append(v.FirmwareOptions, fw)
		}
	}
	return v
}

func (s *Store) groupView(g *Group, chargerDetails bool) GroupView {
	v := GroupView{
		GroupID:       g.ID,
		Description:   g.Description,
		MaxAllocation: g.MaxAllocation.String(),
		Offered:       g.offered(),
		Usage:         g.usage(),
		Suspended:     g.Suspended,
	}
	ids := sortedKeys(g.chargers)
	if chargerDetails {
		details := make([]ChargerView, 0, len(ids))
		for _, id := range ids {
			details = append(details, s.chargerView(g.chargers[id]))
		}
		v.Chargers = details
	} else {
		v.Chargers = ids
	}
	if buckets := g.MaxAllocation.BucketsAt(s.clock.Now()); len(buckets) > 0 {
		parts := make([]string, 0, len(buckets))
		for _, b := range buckets {
			parts = append(parts, fmt.Sprintf("p%d=%sA", b.Priority, ampsStr(b.Amps)))
		}
		v.MaxAllocationNow = strings.Join(parts, ":")
	}
	return v
}

// GroupViews returns all groups, sorted by id. With chargerDetails the full
// charger state is embedded, otherwise only charger ids.
func (s *Store) GroupViews(chargerDetails bool) []GroupView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GroupView, 0, len(s.groups))
	for _, id := range sortedKeys(s.groups) {
		out = append(out, s.groupView(s.groups[id], chargerDetails))
	}
	return out
}

// ChargerViews returns all chargers, sorted by id.
func (s *Store) ChargerViews() []ChargerView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChargerView, 0, len(s.chargers))
	for _, id := range sortedKeys(s.chargers) {
		out = append(out, s.chargerView(s.chargers[id]))
	}
	return out
}

// ChargerViewByID returns one charger's view.
func (s *Store) ChargerViewByID(chargerID string) (ChargerView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chargers[chargerID]
	if !ok {
		return ChargerView{}, NewError(ErrCodeNoSuchCharger, "charger %s not found", chargerID)
	}
	return s.chargerView(c), nil
}

// TagViews returns all tags, sorted by tag id.
func (s *Store) TagViews() []TagView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TagView, 0, len(s.tags))
	for _, id := range sortedKeys(s.tags) {
		t := s.tags[id]
		out = append(out, TagView{
			IDTag:       t.ID,
			UserName:    t.UserName,
			ParentIDTag: t.ParentID,
			Description: t.Description,
			Status:      string(t.Status),
			Priority:    t.Priority,
		})
	}
	return out
}

func sessionView(sess *Session) SessionView {
	return SessionView{
		SessionID:       sess.SessionID,
		ChargerID:       sess.ChargerID,
		ChargerAlias:    sess.ChargerAlias,
		GroupID:         sess.GroupID,
		IDTag:           sess.IDTag,
		UserName:        sess.UserName,
		StopIDTag:       sess.StopIDTag,
		StartTime:       unixFloat(sess.StartTime),
		EndTime:         unixFloatPtr(sess.EndTime),
		Duration:        sess.Duration.Seconds(),
		EnergyMeter:     sess.EnergyWh,
		KWh:             kwhStr(sess.EnergyWh),
		Reason:          sess.Reason,
		ChargingHistory: historyViews(sess.History),
	}
}

// liveSessionView renders a running transaction in session form: no end time
// or stop reason, energy and duration as of now.
func (s *Store) liveSessionView(c *Charger, tx *Transaction) SessionView {
	now := s.clock.Now()
	return SessionView{
		SessionID:       c.ID + "-" + tx.StartTime.Format("2006-01-02-15:04:05"),
		ChargerID:       c.ID,
		ChargerAlias:    c.Alias,
		GroupID:         c.GroupID,
		IDTag:           tx.IDTag,
		UserName:        tx.UserName,
		StartTime:       unixFloat(tx.StartTime),
		Duration:        now.Sub(tx.StartTime).Seconds(),
		EnergyMeter:     tx.EnergyMeter - tx.MeterStart,
		KWh:             kwhStr(tx.EnergyMeter - tx.MeterStart),
		ChargingHistory: historyViews(tx.ChargingHistory),
	}
}

// SessionViews returns completed sessions, oldest first. A charger id or
// group id narrows the result; includeLive appends running transactions
// rendered as open-ended sessions.
func (s *Store) SessionViews(chargerID, groupID string, includeLive bool) []SessionView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	include := func(cid string) bool {
		if chargerID != "" && cid != chargerID {
			return false
		}
		if groupID != "" {
			c, ok := s.chargers[cid]
			if !ok || c.GroupID != groupID {
				return false
			}
		}
		return true
	}

	out := make([]SessionView, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if include(sess.ChargerID) {
			out = append(out, sessionView(sess))
		}
	}
	if includeLive {
		for _, id := range sortedKeys(s.chargers) {
			c := s.chargers[id]
			if !include(id) {
				continue
			}
			for _, connID := range connectorIDs(c) {
				if tx := c.Connectors[connID].Transaction; tx != nil {
					out = append(out, s.liveSessionView(c, tx))
				}
			}
		}
	}
	return out
}

// UserViews returns all API users, sorted by id. Auth hashes are not exposed.
func (s *Store) UserViews() []UserView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UserView, 0, len(s.users))
	for _, id := range sortedKeys(s.users) {
		u := s.users[id]
		out = append(out, UserView{UserID: u.ID, UserType: string(u.Type), Description: u.Description})
	}
	return out
}

// FirmwareViews returns all firmware records, sorted by id.
func (s *Store) FirmwareViews() []FirmwareView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FirmwareView, 0, len(s.firmware))
	for _, id := range sortedKeys(s.firmware) {
		f := s.firmware[id]
		out = append(out, FirmwareView{
			FirmwareID:          f.ID,
			ChargePointVendor:   f.Vendor,
			ChargePointModel:    f.Model,
			FirmwareVersion:     f.FirmwareVersion,
			MeterType:           f.MeterType,
			URL:                 f.URL,
			UpgradeFromVersions: f.UpgradeFromVersions,
		})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
