package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "loomsync").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// defaultMetricsConfig returns the default metrics configuration.
func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace:   "loomsync",
		Subsystem:   "",
		ConstLabels: nil,
		Buckets:     prometheus.DefBuckets,
		Registry:    prometheus.DefaultRegisterer,
	}
}

// metrics holds the Prometheus metrics for the sync service.
type metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	activeSessions  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	messagesRelayed prometheus.Counter
	bytesRelayed    prometheus.Counter
	fanoutDelivered prometheus.Counter
	replayedRecords prometheus.Counter
	authRejections  prometheus.Counter
	transportErrors *prometheus.CounterVec
	persistFailures prometheus.Counter
}

// globalMetrics is the singleton metrics instance.
// Created on first call to Prometheus().
var (
	globalMetrics   *metrics
	globalMetricsMu sync.Mutex
)

// initMetrics initializes the Prometheus metrics.
func initMetrics(config MetricsConfig) *metrics {
	factory := promauto.With(config.Registry)

	return &metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "http_requests_total",
			Help:        "Total HTTP requests by path and status code",
			ConstLabels: config.ConstLabels,
		}, []string{"path", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"path"}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_sessions",
			Help:        "Number of live relay sessions",
			ConstLabels: config.ConstLabels,
		}),

		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "sessions_total",
			Help:        "Total relay sessions accepted",
			ConstLabels: config.ConstLabels,
		}),

		messagesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_relayed_total",
			Help:        "Total update payloads relayed",
			ConstLabels: config.ConstLabels,
		}),

		bytesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "bytes_relayed_total",
			Help:        "Total update payload bytes relayed",
			ConstLabels: config.ConstLabels,
		}),

		fanoutDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "fanout_deliveries_total",
			Help:        "Total broadcast deliveries to peer sessions",
			ConstLabels: config.ConstLabels,
		}),

		replayedRecords: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "replayed_records_total",
			Help:        "Total stored records replayed to new sessions",
			ConstLabels: config.ConstLabels,
		}),

		authRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "auth_rejections_total",
			Help:        "Total connections rejected by workspace authorization",
			ConstLabels: config.ConstLabels,
		}),

		transportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "transport_errors_total",
			Help:        "Total transport errors by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "persist_failures_total",
			Help:        "Total durable write failures",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// statusRecorder captures the response status for metrics labels.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Prometheus creates HTTP middleware that records request counts and
// durations, and initializes the metric hooks used by the relay and
// the update store.
func Prometheus(opts ...MetricsOption) func(http.Handler) http.Handler {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	// Initialize metrics once
	globalMetricsMu.Lock()
	if globalMetrics == nil {
		globalMetrics = initMetrics(config)
	}
	m := globalMetrics
	globalMetricsMu.Unlock()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "" {
				path = "/"
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			duration := time.Since(start).Seconds()

			m.requestDuration.WithLabelValues(path).Observe(duration)
			m.requestsTotal.WithLabelValues(path, strconv.Itoa(rec.status)).Inc()
		})
	}
}

// =============================================================================
// Metrics Recording Functions
// =============================================================================

// RecordSessionOpened records an accepted relay session.
func RecordSessionOpened(workspaceID string) {
	if globalMetrics != nil {
		globalMetrics.activeSessions.Inc()
		globalMetrics.sessionsTotal.Inc()
	}
}

// RecordSessionClosed records a relay session ending.
func RecordSessionClosed(workspaceID string) {
	if globalMetrics != nil {
		globalMetrics.activeSessions.Dec()
	}
}

// RecordRelayedMessage records one relayed payload and its fanout.
func RecordRelayedMessage(workspaceID string, bytes, delivered int) {
	if globalMetrics != nil {
		globalMetrics.messagesRelayed.Inc()
		globalMetrics.bytesRelayed.Add(float64(bytes))
		globalMetrics.fanoutDelivered.Add(float64(delivered))
	}
}

// RecordReplay records stored records replayed to a new session.
func RecordReplay(workspaceID string, count int) {
	if globalMetrics != nil {
		globalMetrics.replayedRecords.Add(float64(count))
	}
}

// RecordAuthRejection records a connection rejected by authorization.
func RecordAuthRejection() {
	if globalMetrics != nil {
		globalMetrics.authRejections.Inc()
	}
}

// RecordTransportError records a transport error. Types are coarse
// ("read", "write") so label cardinality stays bounded.
func RecordTransportError(errorType string) {
	if globalMetrics != nil {
		globalMetrics.transportErrors.WithLabelValues(errorType).Inc()
	}
}

// RecordPersistFailure records a durable write failure.
func RecordPersistFailure() {
	if globalMetrics != nil {
		globalMetrics.persistFailures.Inc()
	}
}
