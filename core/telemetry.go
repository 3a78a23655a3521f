// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/google/uuid"

	"github.com/atlascloud/atlas-sdk-go/internal/log"
)

// Version is the release version of this module, stamped into the User-Agent
// of every request.
const Version = "1.4.0"

// TelemetryOptions configures the User-Agent policy.
type TelemetryOptions struct {
	// ApplicationID is prepended to the SDK's User-Agent value when set.
	ApplicationID string
	// Disabled suppresses the SDK portion of the User-Agent entirely.
	Disabled bool
}

type telemetryPolicy struct {
	value string
}

func newTelemetryPolicy(service, version string, opts TelemetryOptions) Policy {
	if opts.Disabled {
		return PolicyFunc(func(req *Request) (*http.Response, error) {
			return req.Next()
		})
	}
	ua := fmt.Sprintf("atlas-sdk-go/%s/%s (%s; %s)", service, version, runtime.GOOS, runtime.GOARCH)
	if opts.ApplicationID != "" {
		ua = opts.ApplicationID + " " + ua
	}
	return telemetryPolicy{value: ua}
}

func (t telemetryPolicy) Do(req *Request) (*http.Response, error) {
	if existing := req.Raw().Header.Get(headerUserAgent); existing != "" {
		req.Raw().Header.Set(headerUserAgent, existing+" "+t.value)
	} else {
		req.Raw().Header.Set(headerUserAgent, t.value)
	}
	return req.Next()
}

// clientRequestIDPolicy stamps x-atlas-client-request-id on every call so the
// service can correlate retries server-side, and forwards a correlation ID
// carried in the context as x-atlas-correlation-id. An ID already set by the
// caller or carried in the context wins.
type clientRequestIDPolicy struct{}

func newClientRequestIDPolicy() Policy {
	return clientRequestIDPolicy{}
}

func (clientRequestIDPolicy) Do(req *Request) (*http.Response, error) {
	if req.Raw().Header.Get(headerClientRequestID) == "" {
		id := log.ClientRequestIDFromContext(req.Context())
		if id == "" {
			id = uuid.NewString()
		}
		req.Raw().Header.Set(headerClientRequestID, id)
	}
	if req.Raw().Header.Get(headerCorrelationID) == "" {
		if cid := log.CorrelationIDFromContext(req.Context()); cid != "" {
			req.Raw().Header.Set(headerCorrelationID, cid)
		}
	}
	return req.Next()
}
