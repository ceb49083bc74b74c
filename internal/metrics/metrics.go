package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestOutcome = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refgate_request_outcome_total",
			Help: "Terminal request outcomes (forwarded/blocked and why)",
		},
		[]string{"outcome"},
	)
	ProxyLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "refgate_proxy_latency_seconds",
			Help:    "Latency of forwarded upstream requests",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refgate_upstream_errors_total",
			Help: "Upstream forwarding failures by type",
		},
		[]string{"type"},
	)
	LockoutTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refgate_lockout_transitions_total",
			Help: "Lockout state machine transitions",
		},
		[]string{"transition"},
	)
	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "refgate_rate_limit_hits_total",
			Help: "Requests rejected by the advisory rate limiter",
		},
	)
	OCRRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refgate_ocr_requests_total",
			Help: "OCR sub-gateway requests by result",
		},
		[]string{"result"},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "refgate_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": "0.1.0"},
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(RequestOutcome, ProxyLatency, UpstreamErrors, LockoutTransitions, RateLimitHits, OCRRequests, BuildInfo)
}
