package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts proxied HTTP requests by backend and status code.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of HTTP requests proxied to a backend.",
		},
		[]string{"backend", "status_code"},
	)

	// RequestDuration tracks time spent proxying a request to a backend.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Duration of HTTP requests proxied to a backend, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// StartsTotal counts backend spawn attempts.
	StartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_starts_total",
			Help: "Total backend start attempts.",
		},
		[]string{"backend", "result"}, // result: "success" or "error"
	)

	// StartDuration tracks how long a spawn takes from exec to ready.
	StartDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_start_duration_seconds",
			Help:    "Time taken for a backend start to reach the running state.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"backend"},
	)

	// StopsTotal counts backend stops by StopReason (manual, forced, crashed).
	StopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_stops_total",
			Help: "Total backend stops, labeled by reason.",
		},
		[]string{"backend", "reason"},
	)

	// RestartsTotal counts supervisor-initiated restarts.
	RestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_restarts_total",
			Help: "Total automatic restarts performed by the supervisor.",
		},
		[]string{"backend"},
	)

	// PortsInUse reports the current count of allocated ports.
	PortsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_ports_in_use",
			Help: "Number of ports currently allocated from the configured range.",
		},
	)

	// RelayConnectionsActive reports current open WebSocket relay connections.
	RelayConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_relay_connections_active",
			Help: "Number of currently open WebSocket relay connections.",
		},
	)

	// RelayConnectionsTotal counts WebSocket relay connections ever opened.
	RelayConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_relay_connections_total",
			Help: "Total WebSocket relay connections opened, by backend.",
		},
		[]string{"backend"},
	)

	// DiscoveryScansTotal counts directory-scan discovery passes.
	DiscoveryScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_discovery_scans_total",
			Help: "Total discovery directory scans, by result.",
		},
		[]string{"result"}, // result: "changed" or "unchanged"
	)

	// AuthFailuresTotal counts rejected admin-endpoint auth attempts, by method.
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Total rejected admin authentication attempts, by method.",
		},
		[]string{"method"},
	)
)

// RecordRequest is a thread-safe helper to bump request metrics.
func RecordRequest(backendName string, statusCode string, durationSec float64) {
	RequestsTotal.WithLabelValues(backendName, statusCode).Inc()
	RequestDuration.WithLabelValues(backendName).Observe(durationSec)
}

// RecordStart is a helper to bump start-attempt metrics.
func RecordStart(backendName string, success bool, durationSec float64) {
	result := "error"
	if success {
		result = "success"
		StartDuration.WithLabelValues(backendName).Observe(durationSec)
	}
	StartsTotal.WithLabelValues(backendName, result).Inc()
}

// RecordStop bumps the stop counter for the given reason.
func RecordStop(backendName string, reason StopReason) {
	StopsTotal.WithLabelValues(backendName, reason.String()).Inc()
}

// RecordRestart bumps the restart counter.
func RecordRestart(backendName string) {
	RestartsTotal.WithLabelValues(backendName).Inc()
}

// RecordRelayOpen bumps relay connection counters on a new connection.
func RecordRelayOpen(backendName string) {
	RelayConnectionsTotal.WithLabelValues(backendName).Inc()
	RelayConnectionsActive.Inc()
}

// RecordRelayClose decrements the active relay connection gauge.
func RecordRelayClose() {
	RelayConnectionsActive.Dec()
}

// RecordDiscoveryScan bumps the discovery scan counter.
func RecordDiscoveryScan(changed bool) {
	result := "unchanged"
	if changed {
		result = "changed"
	}
	DiscoveryScansTotal.WithLabelValues(result).Inc()
}

// RecordAuthFailure bumps the auth-failure counter for the given method.
func RecordAuthFailure(method string) {
	AuthFailuresTotal.WithLabelValues(method).Inc()
}
