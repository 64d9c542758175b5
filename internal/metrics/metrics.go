// Package metrics defines the Prometheus collectors exported by the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "path"},
	)

	// Inbound events by classification: user_message, command, ignore.
	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_inbound_events_total",
			Help: "Inbound events by classification",
		},
		[]string{"kind"},
	)

	OperatorCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_operator_commands_total",
			Help: "Operator commands executed",
		},
		[]string{"command", "result"},
	)

	// Reminder sweep metrics
	RemindersSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_reminders_sent_total",
			Help: "Reminder notifications delivered and booked",
		},
	)

	ReminderFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_reminder_failures_total",
			Help: "Reminder notifications that failed and will be retried",
		},
	)

	SweepsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_sweeps_skipped_total",
			Help: "Sweep triggers dropped because a previous run was still in progress",
		},
		[]string{"sweep"},
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_sweep_duration_seconds",
			Help:    "Sweep run duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	AwaitingReply = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_conversations_awaiting_reply",
			Help: "Conversations awaiting a reply as of the last reminder sweep",
		},
	)

	ConversationsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_conversations_evicted_total",
			Help: "Resolved conversations removed by the retention sweep",
		},
	)

	// Outbound collaborator calls
	OutboundCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_outbound_calls_total",
			Help: "Calls to the messaging platform and notification sinks",
		},
		[]string{"sink", "result"},
	)
)
