// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation shared across the SDK.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas_sdk",
		Name:      "requests_total",
		Help:      "Total pipeline requests by service package and HTTP status",
	}, []string{"service", "method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "atlas_sdk",
		Name:      "request_duration_seconds",
		Help:      "End-to-end pipeline request latency including retries",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"service", "method"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas_sdk",
		Name:      "request_retries_total",
		Help:      "Total retry attempts by service package and trigger",
	}, []string{"service", "reason"})

	throttledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas_sdk",
		Name:      "requests_throttled_total",
		Help:      "Requests delayed by the client-side rate limiter",
	}, []string{"service"})
)

// RecordRequest records one completed pipeline round trip.
func RecordRequest(service, method string, status int, elapsed time.Duration) {
	requestsTotal.WithLabelValues(service, method, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(service, method).Observe(elapsed.Seconds())
}

// RecordRetry counts a retry attempt. reason is "status", "connection" or
// "throttle".
func RecordRetry(service, reason string) {
	retriesTotal.WithLabelValues(service, reason).Inc()
}

// RecordThrottled counts a request held back by the rate-limit policy.
func RecordThrottled(service string) {
	throttledTotal.WithLabelValues(service).Inc()
}
