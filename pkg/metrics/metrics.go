// Package metrics exposes Prometheus counters and gauges for session
// lifecycle events, governance denials, pairing outcomes, and audit write
// failures, served via promhttp at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflector_sessions_granted_total",
		Help: "Total number of test sessions granted, by test type.",
	}, []string{"test_type"})

	SessionsDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflector_sessions_denied_total",
		Help: "Total number of test sessions denied, by reason.",
	}, []string{"reason"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reflector_sessions_active",
		Help: "Number of currently active test sessions.",
	})

	PairingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflector_pairing_attempts_total",
		Help: "Total number of pairing attempts, by outcome (success/failure).",
	}, []string{"outcome"})

	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reflector_audit_write_failures_total",
		Help: "Total number of failed audit log writes.",
	})

	BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflector_bytes_transferred_total",
		Help: "Total bytes transferred across completed tests, by test type.",
	}, []string{"test_type"})
)

// Handler returns the promhttp handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
