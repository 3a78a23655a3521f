// SPDX-License-Identifier: MIT

package core

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/atlascloud/atlas-sdk-go/internal/metrics"
)

// RateLimitOptions enables client-side request admission for tenants with
// strict service quotas.
type RateLimitOptions struct {
	// RequestsPerSecond is the sustained admission rate.
	RequestsPerSecond float64
	// Burst is the maximum instantaneous burst. Defaults to the rate rounded
	// up when zero.
	Burst int
}

type rateLimitPolicy struct {
	service string
	limiter *rate.Limiter
}

func newRateLimitPolicy(service string, opts RateLimitOptions) Policy {
	burst := opts.Burst
	if burst <= 0 {
		burst = int(opts.RequestsPerSecond) + 1
	}
	return rateLimitPolicy{
		service: service,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst),
	}
}

func (p rateLimitPolicy) Do(req *Request) (*http.Response, error) {
	if !p.limiter.Allow() {
		metrics.RecordThrottled(p.service)
		if err := p.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	return req.Next()
}
