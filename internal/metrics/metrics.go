package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	telemetryMessages   prometheus.Counter
	telemetryBytes      prometheus.Counter
	commandsFired       *prometheus.CounterVec
	publishFailures     prometheus.Counter
	ingestReconnects    prometheus.Counter
	wsObservers         prometheus.Gauge
}

// New creates a fresh Metrics registry with HTTP, telemetry and command
// metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleethub",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleethub",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	telemetryMessages := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleethub",
		Name:      "telemetry_messages_total",
		Help:      "Total number of telemetry messages ingested",
	})

	telemetryBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleethub",
		Name:      "telemetry_bytes_total",
		Help:      "Total payload bytes ingested from the transport",
	})

	commandsFired := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleethub",
		Name:      "commands_fired_total",
		Help:      "Total number of outbound commands published",
	}, []string{"reason"})

	publishFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleethub",
		Name:      "publish_failures_total",
		Help:      "Total number of failed outbound publishes",
	})

	ingestReconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleethub",
		Name:      "ingest_reconnects_total",
		Help:      "Total number of telemetry subscriber reconnect attempts",
	})

	wsObservers := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleethub",
		Name:      "ws_observers",
		Help:      "Number of live websocket observers",
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		telemetryMessages,
		telemetryBytes,
		commandsFired,
		publishFailures,
		ingestReconnects,
		wsObservers,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		telemetryMessages:   telemetryMessages,
		telemetryBytes:      telemetryBytes,
		commandsFired:       commandsFired,
		publishFailures:     publishFailures,
		ingestReconnects:    ingestReconnects,
		wsObservers:         wsObservers,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveTelemetry records one ingested message and its wire payload size.
func (m *Metrics) ObserveTelemetry(payloadBytes int) {
	if m == nil {
		return
	}
	m.telemetryMessages.Inc()
	m.telemetryBytes.Add(float64(payloadBytes))
}

// IncCommandFired increments the fired-command counter for a trigger reason.
func (m *Metrics) IncCommandFired(reason string) {
	if m == nil {
		return
	}
	m.commandsFired.WithLabelValues(reason).Inc()
}

// IncPublishFailure increments the failed-publish counter.
func (m *Metrics) IncPublishFailure() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

// IncIngestReconnect increments the subscriber reconnect counter.
func (m *Metrics) IncIngestReconnect() {
	if m == nil {
		return
	}
	m.ingestReconnects.Inc()
}

// ObserverConnected increments the live websocket observer gauge.
func (m *Metrics) ObserverConnected() {
	if m == nil {
		return
	}
	m.wsObservers.Inc()
}

// ObserverDisconnected decrements the live websocket observer gauge.
func (m *Metrics) ObserverDisconnected() {
	if m == nil {
		return
	}
	m.wsObservers.Dec()
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
