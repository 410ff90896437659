package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gateway metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fkchat_http_requests_total",
			Help: "Total number of gateway requests by path and status",
		},
		[]string{"path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fkchat_http_request_duration_seconds",
			Help:    "Gateway request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	// Chat metrics
	ChatSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fkchat_chat_sessions",
			Help: "Current number of live chat connections",
		},
	)

	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fkchat_frames_total",
			Help: "Total number of protocol frames by direction and type",
		},
		[]string{"direction", "type"},
	)

	FramesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fkchat_frames_dropped_total",
			Help: "Total number of outbound frames dropped to write-queue overflow",
		},
	)

	// Status metrics
	TokensIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fkchat_tokens_issued_total",
			Help: "Total number of login tokens issued",
		},
	)

	TokenValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fkchat_token_validations_total",
			Help: "Total number of token validations by outcome",
		},
		[]string{"outcome"},
	)

	ChatServersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fkchat_chat_servers_active",
			Help: "Chat servers currently active in the registry",
		},
	)

	// Worker pool metrics
	WorkerPoolLoad = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fkchat_worker_pool_load_percent",
			Help: "Worker pool load as a percentage of queue capacity",
		},
	)

	// Database pool metrics
	DBConnectionsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fkchat_db_connections_in_use",
			Help: "Database connections currently checked out",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ChatSessions)
	prometheus.MustRegister(FramesTotal)
	prometheus.MustRegister(FramesDropped)
	prometheus.MustRegister(TokensIssued)
	prometheus.MustRegister(TokenValidations)
	prometheus.MustRegister(ChatServersActive)
	prometheus.MustRegister(WorkerPoolLoad)
	prometheus.MustRegister(DBConnectionsInUse)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
