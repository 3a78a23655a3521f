// SPDX-License-Identifier: MIT

package core

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/atlascloud/atlas-sdk-go/internal/metrics"
)

// Shared header names.
const (
	headerContentType     = "Content-Type"
	headerRetryAfter      = "Retry-After"
	headerUserAgent       = "User-Agent"
	headerAuthorization   = "Authorization"
	headerClientRequestID = "x-atlas-client-request-id"
	headerCorrelationID   = "x-atlas-correlation-id"
	headerRequestID       = "x-atlas-request-id"
	headerErrorCode       = "x-atlas-error-code"
)

// ClientOptions carries the pipeline knobs every service client accepts.
// The zero value is usable.
type ClientOptions struct {
	// Retry configures the retry policy.
	Retry RetryOptions
	// Telemetry configures the User-Agent policy.
	Telemetry TelemetryOptions
	// RateLimit optionally enables client-side request admission.
	RateLimit *RateLimitOptions
	// Transport replaces the default instrumented transport. Tests install
	// mock or recording transports here.
	Transport Transporter
	// PerCallPolicies run once per API call, before the retry policy.
	PerCallPolicies []Policy
	// PerRetryPolicies run once per attempt, after the retry policy.
	PerRetryPolicies []Policy
}

// Pipeline is an immutable policy chain ending in a transport. Build one per
// client with NewPipeline and share it across goroutines.
type Pipeline struct {
	policies []Policy
}

// NewPipeline assembles the standard policy order:
// telemetry, request ID, per-call, rate limit, retry, per-retry, auth,
// logging, transport. Rate limit precedes retry so an operation is
// admitted once and its retries ride on backoff alone; logging follows
// auth so each attempt is logged with its final headers. service names
// the client package for telemetry and metrics ("storage", "docstore",
// ...), version its release.
func NewPipeline(service, version string, auth Policy, opts *ClientOptions) Pipeline {
	if opts == nil {
		opts = &ClientOptions{}
	}

	policies := make([]Policy, 0, len(opts.PerCallPolicies)+len(opts.PerRetryPolicies)+8)
	policies = append(policies, newTelemetryPolicy(service, version, opts.Telemetry))
	policies = append(policies, newClientRequestIDPolicy())
	policies = append(policies, opts.PerCallPolicies...)
	if opts.RateLimit != nil {
		policies = append(policies, newRateLimitPolicy(service, *opts.RateLimit))
	}
	policies = append(policies, newRetryPolicy(service, opts.Retry))
	policies = append(policies, opts.PerRetryPolicies...)
	if auth != nil {
		policies = append(policies, auth)
	}
	policies = append(policies, newLoggingPolicy(service))
	policies = append(policies, transportPolicy{transport: opts.Transport, service: service})

	return Pipeline{policies: policies}
}

// Do sends the request through the pipeline.
func (p Pipeline) Do(req *Request) (*http.Response, error) {
	req.policies = p.policies
	return req.Next()
}

// transportPolicy terminates the chain by handing the request to the
// transporter.
type transportPolicy struct {
	transport Transporter
	service   string
}

func (t transportPolicy) Do(req *Request) (*http.Response, error) {
	transport := t.transport
	if transport == nil {
		transport = defaultTransport
	}
	start := time.Now()
	resp, err := transport.Do(req.Raw())
	if err != nil {
		return nil, err
	}
	metrics.RecordRequest(t.service, req.Raw().Method, resp.StatusCode, time.Since(start))
	return resp, nil
}

// defaultTransport traces every request via otelhttp on top of a pooled
// http.Transport.
var defaultTransport Transporter = &http.Client{
	Transport: otelhttp.NewTransport(http.DefaultTransport),
	Timeout:   2 * time.Minute,
}
