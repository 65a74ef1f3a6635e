// Package metrics holds the Prometheus collectors for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal counts provider attempts by outcome ("success" or a
	// failure reason such as "http_error").
	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgeproxy_attempts_total",
		Help: "Provider attempts made by the fallback dispatcher.",
	}, []string{"provider", "outcome"})

	// AttemptDuration tracks wall time per attempt, including timeouts.
	AttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edgeproxy_attempt_duration_seconds",
		Help:    "Time spent on a single provider attempt.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 15, 30},
	}, []string{"provider"})

	// DispatchesTotal counts whole dispatches by result ("success" or
	// "exhausted").
	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgeproxy_dispatches_total",
		Help: "Fallback dispatches by final result.",
	}, []string{"result"})

	// PassthroughTotal counts OCR and search pass-through calls by the
	// status returned to the client.
	PassthroughTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgeproxy_passthrough_requests_total",
		Help: "OCR and search pass-through requests.",
	}, []string{"target", "status"})
)
