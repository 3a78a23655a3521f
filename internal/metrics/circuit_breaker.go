// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "atlas_sdk",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state by endpoint (active state carries 1, others 0)",
	}, []string{"endpoint", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas_sdk",
		Name:      "circuit_breaker_trips_total",
		Help:      "Total circuit breaker transitions to the open state",
	}, []string{"endpoint", "reason"})
)

var circuitStates = []string{"closed", "half-open", "open"}

// SetCircuitBreakerState records the active circuit breaker state for an endpoint.
func SetCircuitBreakerState(endpoint, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(endpoint, s).Set(value)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when a breaker opens.
func RecordCircuitBreakerTrip(endpoint, reason string) {
	circuitBreakerTrips.WithLabelValues(endpoint, reason).Inc()
}
