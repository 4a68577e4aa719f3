package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Session is a completed charging transaction, kept for history. Immutable
// once built.
type Session struct {
	SessionID    string
	ChargerID    string
	ChargerAlias string
	GroupID      string
	ConnectorID  int
	IDTag        string
	UserName     string
	StopIDTag    string
	StartTime    time.Time
	EndTime      time.Time
	MeterStart   int64
	MeterStop    int64
	EnergyWh     int64 // MeterStop - MeterStart
	Duration     time.Duration
	Reason       string
	History      []HistoryEntry
}

// newSession copies the relevant state out of a finished transaction.
func newSession(tx *Transaction, charger *Charger, meterStop int64, endTime time.Time, reason, stopIDTag string) *Session {
	return &Session{
		SessionID:    tx.ChargerID + "-" + tx.StartTime.Format("2006-01-02-15:04:05"),
		ChargerID:    tx.ChargerID,
		ChargerAlias: charger.Alias,
		GroupID:      charger.GroupID,
		ConnectorID:  tx.ConnectorID,
		IDTag:        tx.IDTag,
		UserName:     tx.UserName,
		StopIDTag:    stopIDTag,
		StartTime:    tx.StartTime,
		EndTime:      endTime,
		MeterStart:   tx.MeterStart,
		MeterStop:    meterStop,
		EnergyWh:     meterStop - tx.MeterStart,
		Duration:     endTime.Sub(tx.StartTime),
		Reason:       reason,
		History:      append([]HistoryEntry(nil), tx.ChargingHistory...),
	}
}

// historyString renders the charging history as "HH:MM:SS=<A>A" entries
// joined by semicolons.
func historyString(history []HistoryEntry) string {
	if len(history) == 0 {
		return ""
	}
	parts := make([]string, 0, len(history))
	for _, h := range history {
		parts = append(parts, fmt.Sprintf("%s=%sA", h.At.Format("15:04:05"), ampsStr(h.Offered)))
	}
	return strings.Join(parts, ";")
}

func ampsStr(a float64) string {
	return strconv.FormatFloat(a, 'g', -1, 64)
}

func timeStr(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.Format("2006-01-02 15:04:05")
}

// durationStr renders a duration as HH:MM:SS; the hour field grows beyond
// two digits for multi-day sessions.
func durationStr(d time.Duration) string {
	secs := int64(d.Seconds())
	if secs < 0 {
		secs = 0
	}
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// kwhStr formats Wh as kWh with three decimals.
func kwhStr(wh int64) string {
	return fmt.Sprintf("%.3f", float64(wh)/1000.0)
}
