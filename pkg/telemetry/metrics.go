package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for opsdeck.
type Metrics struct {
	config MetricsConfig

	// Execution metrics
	executionsSubmitted *prometheus.CounterVec
	executionsCompleted *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec

	// Plugin call metrics
	pluginCalls    *prometheus.CounterVec
	pluginDuration *prometheus.HistogramVec
	pluginErrors   *prometheus.CounterVec

	// Circuit breaker metrics
	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec

	// Cache metrics
	cacheLookups *prometheus.CounterVec

	// Stream metrics
	streamSubscribers prometheus.Gauge
	streamDrops       *prometheus.CounterVec

	// Aggregation metrics
	aggregationQueries *prometheus.CounterVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	// System metrics
	activeExecutions prometheus.Gauge
	queuedExecutions prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		executionsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_submitted_total",
				Help:      "Total number of executions submitted",
			},
			[]string{"type", "plugin"},
		),
		executionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_completed_total",
				Help:      "Total number of executions reaching a terminal status",
			},
			[]string{"status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of execution from start to terminal status in seconds",
				Buckets:   buckets,
			},
			[]string{"type", "status"},
		),

		pluginCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_calls_total",
				Help:      "Total number of plugin calls",
			},
			[]string{"plugin", "operation"},
		),
		pluginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plugin_call_duration_seconds",
				Help:      "Duration of plugin calls in seconds",
				Buckets:   buckets,
			},
			[]string{"plugin", "operation"},
		),
		pluginErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_errors_total",
				Help:      "Total number of plugin call errors",
			},
			[]string{"plugin", "operation"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state per plugin (0=closed, 1=half-open, 2=open)",
			},
			[]string{"plugin"},
		),
		circuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"plugin", "to"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of information cache lookups",
			},
			[]string{"plugin", "kind", "result"},
		),

		streamSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stream_subscribers",
				Help:      "Current number of live-output stream subscribers",
			},
		),
		streamDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_subscribers_dropped_total",
				Help:      "Total number of subscribers dropped for not keeping up",
			},
			[]string{"reason"},
		),

		aggregationQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregation_queries_total",
				Help:      "Total number of aggregated inventory/facts queries",
			},
			[]string{"kind", "result"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of running executions",
			},
		),
		queuedExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_executions",
				Help:      "Current number of queued executions",
			},
		),
	}

	registry.MustRegister(
		m.executionsSubmitted,
		m.executionsCompleted,
		m.executionDuration,
		m.pluginCalls,
		m.pluginDuration,
		m.pluginErrors,
		m.circuitState,
		m.circuitTransitions,
		m.cacheLookups,
		m.streamSubscribers,
		m.streamDrops,
		m.aggregationQueries,
		m.errorsByCode,
		m.activeExecutions,
		m.queuedExecutions,
	)

	return m, nil
}

// Execution Metrics

// RecordExecutionSubmitted increments the counter for submitted executions.
func (m *Metrics) RecordExecutionSubmitted(execType, plugin string) {
	if m.executionsSubmitted == nil {
		return
	}
	m.executionsSubmitted.WithLabelValues(execType, plugin).Inc()
}

// RecordExecutionStarted tracks an execution leaving the queue.
func (m *Metrics) RecordExecutionStarted() {
	if m.activeExecutions == nil {
		return
	}
	m.activeExecutions.Inc()
}

// RecordExecutionCompleted records a terminal execution with status and duration.
func (m *Metrics) RecordExecutionCompleted(execType, status string, duration time.Duration) {
	if m.executionsCompleted == nil {
		return
	}
	m.executionsCompleted.WithLabelValues(status).Inc()
	m.executionDuration.WithLabelValues(execType, status).Observe(duration.Seconds())
	m.activeExecutions.Dec()
}

// SetQueuedExecutions sets the current queue depth.
func (m *Metrics) SetQueuedExecutions(count float64) {
	if m.queuedExecutions == nil {
		return
	}
	m.queuedExecutions.Set(count)
}

// Plugin Metrics

// RecordPluginCall records a plugin call with its duration.
func (m *Metrics) RecordPluginCall(plugin, operation string, duration time.Duration) {
	if m.pluginCalls == nil {
		return
	}
	m.pluginCalls.WithLabelValues(plugin, operation).Inc()
	m.pluginDuration.WithLabelValues(plugin, operation).Observe(duration.Seconds())
}

// RecordPluginError records a plugin call error.
func (m *Metrics) RecordPluginError(plugin, operation string) {
	if m.pluginErrors == nil {
		return
	}
	m.pluginErrors.WithLabelValues(plugin, operation).Inc()
}

// Circuit Breaker Metrics

// RecordCircuitTransition records a breaker state transition and updates the
// state gauge.
func (m *Metrics) RecordCircuitTransition(plugin, to string) {
	if m.circuitTransitions == nil {
		return
	}
	m.circuitTransitions.WithLabelValues(plugin, to).Inc()

	var value float64
	switch to {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	m.circuitState.WithLabelValues(plugin).Set(value)
}

// Cache Metrics

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(plugin, kind string, hit bool) {
	if m.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(plugin, kind, result).Inc()
}

// Stream Metrics

// RecordStreamSubscribed tracks a new stream subscriber.
func (m *Metrics) RecordStreamSubscribed() {
	if m.streamSubscribers == nil {
		return
	}
	m.streamSubscribers.Inc()
}

// RecordStreamUnsubscribed tracks a departing stream subscriber.
func (m *Metrics) RecordStreamUnsubscribed() {
	if m.streamSubscribers == nil {
		return
	}
	m.streamSubscribers.Dec()
}

// RecordStreamDrop records a subscriber dropped by the broadcaster.
func (m *Metrics) RecordStreamDrop(reason string) {
	if m.streamDrops == nil {
		return
	}
	m.streamDrops.WithLabelValues(reason).Inc()
}

// Aggregation Metrics

// RecordAggregationQuery records an aggregated query and whether it was
// complete, partial, or failed.
func (m *Metrics) RecordAggregationQuery(kind, result string) {
	if m.aggregationQueries == nil {
		return
	}
	m.aggregationQueries.WithLabelValues(kind, result).Inc()
}

// Error Metrics

// RecordError records an error by code.
func (m *Metrics) RecordError(code string) {
	if m.errorsByCode == nil {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	return nil
}
