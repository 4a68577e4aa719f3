package api

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charging-platform/balanz/internal/model"
)

// drawAll renders the whole model as an ASCII tree: group, charger,
// connector, live transaction, and with historic also charging history
// and completed sessions. The output goes to humans over the DrawAll
// command, so it favours readability over parsability.
func drawAll(store *model.Store, now time.Time, historic bool) string {
	groups := store.GroupViews(false)
	chargers := store.ChargerViews()
	var sessions []model.SessionView
	if historic {
		sessions = store.SessionViews("", "", false)
	}

	byGroup := make(map[string][]model.ChargerView)
	for _, c := range chargers {
		byGroup[c.GroupID] = append(byGroup[c.GroupID], c)
	}
	for _, list := range byGroup {
		sort.Slice(list, func(i, j int) bool {
			return chargerSortKey(list[i]) < chargerSortKey(list[j])
		})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Balanz groups status as of %s\n", timeStr(unixFloat(now)))
	for _, g := range groups {
		drawGroup(&b, g, byGroup[g.GroupID], sessions, historic)
	}
	return b.String()
}

func drawGroup(b *strings.Builder, g model.GroupView, chargers []model.ChargerView, sessions []model.SessionView, historic bool) {
	fmt.Fprintf(b, "Group %s (%s), max_allocation: %s, usage: %.2f, offered: %s A\n",
		g.GroupID, g.Description, g.MaxAllocationNow, g.Usage, ampStr(g.Offered))
	for _, c := range chargers {
		drawCharger(b, c, sessions, historic)
	}
}

func drawCharger(b *strings.Builder, c model.ChargerView, sessions []model.SessionView, historic bool) {
	alias := ""
	if c.Alias != "" {
		alias = "(" + c.Alias + ") "
	}
	conn := "NC"
	if c.NetworkConnected {
		conn = "C"
	}
	updated := "N/A"
	if c.LastUpdate != nil {
		updated = timeStr(*c.LastUpdate)
	}
	fmt.Fprintf(b, " |- %s %s/%s %s, priority: %d, firmware: %s, updated: %s, conn_max: %s A\n",
		c.ChargerID, alias, conn, c.Description, c.Priority, c.FirmwareVersion, updated, ampStr(c.ConnMax))

	ids := make([]int, 0, len(c.Connectors))
	for id := range c.Connectors {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		drawConnector(b, id, c.Connectors[id], historic)
	}

	if historic {
		done := make([]model.SessionView, 0)
		for _, sess := range sessions {
			if sess.ChargerID == c.ChargerID && sess.EndTime != nil {
				done = append(done, sess)
			}
		}
		sort.Slice(done, func(i, j int) bool { return done[i].StartTime > done[j].StartTime })
		for _, sess := range done {
			fmt.Fprintf(b, "      |-DONE: %s, id_tag %s (%s), start: %s, end: %s, energy: %.4f kWh, reason: %s\n",
				sess.SessionID, sess.IDTag, sess.UserName, timeStr(sess.StartTime), timeStr(*sess.EndTime),
				float64(sess.EnergyMeter)/1000, sess.Reason)
			drawHistory(b, sess.ChargingHistory)
		}
	}
}

func drawConnector(b *strings.Builder, id int, conn model.ConnectorView, historic bool) {
	offered := 0.0
	if conn.Offered != nil {
		offered = *conn.Offered
	}
	fmt.Fprintf(b, " |  > %d: status: %s, offer: %s A", id, conn.Status, ampStr(offered))
	if tx := conn.Transaction; tx != nil {
		usage := "N/A"
		if tx.UsageMeter != nil {
			usage = ampStr(*tx.UsageMeter)
		}
		user := ""
		if tx.UserName != "" {
			user = " (" + tx.UserName + ")"
		}
		fmt.Fprintf(b, ", pri: %d, usage: %s, id_tag: %s%s, start: %s, energy: %d Wh, last_usage: %s",
			conn.Priority, usage, tx.IDTag, user, timeStr(tx.StartTime), tx.EnergyMeter, timeStr(tx.LastUsage))
		if conn.EVMaxUsage != nil {
			fmt.Fprintf(b, ", max_ev: %s", ampStr(*conn.EVMaxUsage))
		}
		if conn.SuspendUntil != nil {
			fmt.Fprintf(b, ", suspend_until: %s", timeStr(*conn.SuspendUntil))
		}
	}
	b.WriteString("\n")
	if conn.Transaction != nil && historic {
		drawHistory(b, conn.Transaction.ChargingHistory)
	}
}

func chargerSortKey(c model.ChargerView) string {
	if c.Alias != "" {
		return c.Alias
	}
	return c.ChargerID
}

func drawHistory(b *strings.Builder, history []model.HistoryView) {
	if len(history) == 0 {
		return
	}
	parts := make([]string, 0, len(history))
	for _, h := range history {
		parts = append(parts, fmt.Sprintf("@%s=%sA", timeStr(h.Timestamp), ampStr(h.Offered)))
	}
	fmt.Fprintf(b, " |       %s\n", strings.Join(parts, ", "))
}

// timeStr formats a Unix-seconds timestamp in local time.
func timeStr(ts float64) string {
	if ts == 0 {
		return "N/A"
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).Format("2006-01-02 15:04:05")
}

// ampStr drops a trailing .0 from amp values.
func ampStr(v float64) string {
	s := fmt.Sprintf("%.1f", v)
	return strings.TrimSuffix(s, ".0")
}

func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
