// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas_sdk",
		Name:      "token_refresh_total",
		Help:      "Token acquisitions by credential type and outcome",
	}, []string{"credential", "outcome"})

	cacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas_sdk",
		Name:      "cache_operations_total",
		Help:      "SDK cache operations by cache name and result",
	}, []string{"cache", "result"})
)

// RecordTokenRefresh counts a token acquisition. outcome is "success",
// "failure" or "unavailable".
func RecordTokenRefresh(credential, outcome string) {
	tokenRefreshTotal.WithLabelValues(credential, outcome).Inc()
}

// RecordCacheHit counts a cache hit for the named cache.
func RecordCacheHit(cache string) { cacheOps.WithLabelValues(cache, "hit").Inc() }

// RecordCacheMiss counts a cache miss for the named cache.
func RecordCacheMiss(cache string) { cacheOps.WithLabelValues(cache, "miss").Inc() }
