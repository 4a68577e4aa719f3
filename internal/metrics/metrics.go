package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedChargers tracks the number of charger WebSocket sessions.
	ConnectedChargers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "balanz_connected_chargers",
		Help: "Number of chargers currently connected.",
	})

	// ConnectionsTotal counts accepted charger connections, labeled by outcome.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balanz_connections_total",
		Help: "Total charger connection attempts.",
	}, []string{"outcome"}) // accepted, unknown_charger, auth_failed

	// MessagesReceived counts inbound OCPP calls, labeled by action.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balanz_messages_received_total",
		Help: "Total OCPP messages received from chargers.",
	}, []string{"action"})

	// CallsSent counts outbound OCPP calls, labeled by action and result.
	CallsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balanz_calls_sent_total",
		Help: "Total OCPP calls sent to chargers.",
	}, []string{"action", "result"}) // result: accepted, rejected, error, timeout

	// CallDuration observes round-trip times of outbound OCPP calls.
	CallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "balanz_call_duration_seconds",
		Help:    "Histogram of outbound OCPP call round-trip times.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"action"})

	// BalanzPasses counts engine passes per group, labeled by kind.
	BalanzPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balanz_engine_passes_total",
		Help: "Total allocation-engine passes.",
	}, []string{"group", "kind"}) // kind: full, urgent

	// BalanzPassDuration observes the planning time of one engine pass.
	BalanzPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "balanz_engine_pass_duration_seconds",
		Help:    "Histogram of allocation-engine pass durations.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"group"})

	// OfferedAmps tracks the summed offered current per group.
	OfferedAmps = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "balanz_offered_amps",
		Help: "Sum of offered amps across a group's connectors.",
	}, []string{"group"})

	// ChargeChanges counts applied allocation changes, labeled by direction.
	ChargeChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balanz_charge_changes_total",
		Help: "Total charge changes applied to chargers.",
	}, []string{"group", "direction"}) // direction: grow, reduce, start, block

	// WatchdogStops counts transactions stopped by the model watchdog.
	WatchdogStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "balanz_watchdog_stopped_transactions_total",
		Help: "Total transactions force-stopped after charger silence.",
	})

	// SessionsCompleted counts completed charging sessions.
	SessionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "balanz_sessions_completed_total",
		Help: "Total completed charging sessions.",
	})

	// EventsPublished counts integration events published to the broker.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balanz_events_published_total",
		Help: "Total integration events published to the message broker.",
	}, []string{"event_type"})
)
