// Package metrics defines the Prometheus metrics exported by the inbound
// mail router. All metrics are registered via promauto at package init and
// exposed on the ingress listener's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Routing metrics
var (
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_messages_routed_total",
			Help: "Total number of messages routed, by outcome",
		},
		[]string{"outcome"},
	)

	RouteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inbound_route_duration_seconds",
			Help:    "Duration of a full routing pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	ParseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inbound_parse_duration_seconds",
			Help:    "Duration of raw message parsing in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	MessageSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inbound_message_size_bytes",
			Help:    "Size of ingested raw messages in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)
)

// Spam metrics
var (
	SpamChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_spam_checks_total",
			Help: "Total number of spam battery runs, by result",
		},
		[]string{"result"},
	)

	SpamHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_spam_hits_total",
			Help: "Spam battery positives, by reason",
		},
		[]string{"reason"},
	)

	SpamAssassinCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_spamassassin_calls_total",
			Help: "SpamAssassin scorer calls, by status",
		},
		[]string{"status"},
	)

	GeoIPLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_geoip_lookups_total",
			Help: "GeoIP lookups, by status",
		},
		[]string{"status"},
	)
)

// Bounce metrics
var (
	BouncesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_bounces_processed_total",
			Help: "DSNs processed, by class (permanent, transient, ignored, unparseable, unknown_recipient)",
		},
		[]string{"class"},
	)

	UsersSuspended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inbound_users_suspended_total",
			Help: "Mailboxes suspended for bouncing",
		},
	)
)

// Outbound / storage metrics
var (
	RelayNotices = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_relay_notices_total",
			Help: "Out-of-band notices sent through the SMTP relay, by status",
		},
		[]string{"status"},
	)

	AttachmentUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_attachment_uploads_total",
			Help: "Attachment archive uploads to S3, by status",
		},
		[]string{"status"},
	)
)

// Database metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)

	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inbound_db_pool_total_conns",
			Help: "Total connections in the database pool",
		},
		[]string{"role"},
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inbound_db_pool_idle_conns",
			Help: "Idle connections in the database pool",
		},
		[]string{"role"},
	)

	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inbound_db_pool_in_use_conns",
			Help: "In-use connections in the database pool",
		},
		[]string{"role"},
	)
)

// Lookup table cache metrics
var (
	LookupCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_lookup_cache_hits_total",
			Help: "Lookup table cache hits, by table",
		},
		[]string{"table"},
	)

	LookupCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_lookup_cache_misses_total",
			Help: "Lookup table cache misses, by table",
		},
		[]string{"table"},
	)
)
