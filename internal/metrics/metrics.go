// Package metrics provides Prometheus collectors and the HTTP handler for
// exporting delivery-layer runtime metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery paths a copy of a message can take to a session.
const (
	PathRoom          = "room"
	PathDirect        = "direct_fallback"
	PathGroupFallback = "group_fallback"
	PathPresence      = "presence"
	PathNotification  = "notification"
	PathTyping        = "typing"
)

// RPC call outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeTimeout   = "timeout"
	OutcomeRemote    = "remote_error"
	OutcomeCancelled = "cancelled"
	OutcomePublish   = "publish_error"
)

var (
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edurelay_deliveries_total",
			Help: "Outbound events written to live sessions, by delivery path",
		},
		[]string{"path"},
	)
	deliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edurelay_delivery_failures_total",
			Help: "Outbound events that could not be queued to a session",
		},
		[]string{"path"},
	)
	persistFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edurelay_persist_failures_total",
			Help: "Store writes that failed, by record kind",
		},
		[]string{"kind"},
	)
	rejectedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edurelay_rejected_events_total",
			Help: "Inbound events rejected before dispatch, by error code",
		},
		[]string{"code"},
	)
	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edurelay_rpc_calls_total",
			Help: "Correlated RPC calls, by topic and outcome",
		},
		[]string{"topic", "outcome"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edurelay_rpc_call_duration_seconds",
			Help:    "Duration of correlated RPC calls",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"topic"},
	)
	rpcDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edurelay_rpc_discarded_replies_total",
			Help: "Replies dropped because their correlation id was unknown or already resolved",
		},
	)
	rpcPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edurelay_rpc_pending_requests",
			Help: "Correlated RPC requests awaiting a reply or timeout",
		},
	)
	notificationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edurelay_notifications_created_total",
			Help: "Notification records created, by type",
		},
		[]string{"type"},
	)
	emailsQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edurelay_emails_queued_total",
			Help: "Emails handed to the mail collaborator",
		},
	)
	dispatchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edurelay_dispatch_failures_total",
			Help: "Notification dispatches aborted before any record was created",
		},
	)
	liveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edurelay_live_sessions",
			Help: "Currently registered live sessions",
		},
	)
	onlineIdentities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edurelay_online_identities",
			Help: "Identities with at least one live session",
		},
	)
)

func init() {
	prometheus.MustRegister(
		deliveries,
		deliveryFailures,
		persistFailures,
		rejectedEvents,
		rpcCalls,
		rpcDuration,
		rpcDiscarded,
		rpcPending,
		notificationsCreated,
		emailsQueued,
		dispatchFailures,
		liveSessions,
		onlineIdentities,
	)
}

// IncDelivery counts one event queued to a session through path.
func IncDelivery(path string) { deliveries.WithLabelValues(path).Inc() }

// IncDeliveryFailure counts one event that a session refused.
func IncDeliveryFailure(path string) { deliveryFailures.WithLabelValues(path).Inc() }

// IncPersistFailure counts a failed store write of the given record kind.
func IncPersistFailure(kind string) { persistFailures.WithLabelValues(kind).Inc() }

// IncRejected counts an inbound event rejected with code.
func IncRejected(code string) { rejectedEvents.WithLabelValues(code).Inc() }

// ObserveRPC records the outcome and latency of one correlated call.
func ObserveRPC(topic, outcome string, d time.Duration) {
	rpcCalls.WithLabelValues(topic, outcome).Inc()
	rpcDuration.WithLabelValues(topic).Observe(d.Seconds())
}

// IncRPCDiscarded counts a reply nobody was waiting for.
func IncRPCDiscarded() { rpcDiscarded.Inc() }

// SetRPCPending reports the current size of the pending-request map.
func SetRPCPending(n int) { rpcPending.Set(float64(n)) }

// IncNotificationCreated counts one persisted notification record.
func IncNotificationCreated(notificationType string) {
	notificationsCreated.WithLabelValues(notificationType).Inc()
}

// IncEmailQueued counts one email handed to the mailer.
func IncEmailQueued() { emailsQueued.Inc() }

// IncDispatchFailure counts a dispatch that failed as a whole.
func IncDispatchFailure() { dispatchFailures.Inc() }

// SetPresence publishes the registry size.
func SetPresence(identities, sessions int) {
	onlineIdentities.Set(float64(identities))
	liveSessions.Set(float64(sessions))
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
