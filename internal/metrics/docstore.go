// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestCharge = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "atlas_sdk",
		Name:      "docstore_request_charge",
		Help:      "Per-operation request charge reported by the document service",
		Buckets:   []float64{1, 2.5, 5, 10, 25, 50, 100, 250, 1000},
	}, []string{"operation"})

	endpointFailovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas_sdk",
		Name:      "docstore_endpoint_failovers_total",
		Help:      "Operations rerouted because a regional endpoint was unavailable",
	}, []string{"operation"})
)

// RecordRequestCharge observes the request charge for a document operation.
func RecordRequestCharge(operation string, charge float64) {
	if charge > 0 {
		requestCharge.WithLabelValues(operation).Observe(charge)
	}
}

// RecordEndpointFailover counts a rerouted document operation.
func RecordEndpointFailover(operation string) {
	endpointFailovers.WithLabelValues(operation).Inc()
}
