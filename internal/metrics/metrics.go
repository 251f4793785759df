// Package metrics exposes Prometheus collectors for the mail server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailhub_connections_total",
			Help: "Total number of client connections accepted",
		},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailhub_connections_current",
			Help: "Current number of active client sessions",
		},
	)

	LoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhub_logins_total",
			Help: "Total number of login attempts",
		},
		[]string{"result"},
	)
)

// Protocol metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhub_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"command", "result"},
	)

	ProtocolErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailhub_protocol_errors_total",
			Help: "Total number of malformed or unrecognized wire messages",
		},
	)
)

// Mail flow metrics
var (
	MailsDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailhub_mails_delivered_total",
			Help: "Total number of emails accepted and delivered to mailboxes",
		},
	)

	MailsDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailhub_mails_deleted_total",
			Help: "Total number of mailbox entries deleted",
		},
	)

	RelayTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhub_relay_total",
			Help: "Total number of outbound relay attempts",
		},
		[]string{"provider", "result"},
	)
)

// Persistence metrics
var (
	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhub_store_errors_total",
			Help: "Total number of persistence log failures",
		},
		[]string{"operation"},
	)
)
