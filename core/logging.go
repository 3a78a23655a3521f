// SPDX-License-Identifier: MIT

package core

import (
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlascloud/atlas-sdk-go/internal/log"
)

// loggingPolicy emits one debug entry per attempt with secrets redacted.
type loggingPolicy struct {
	logger zerolog.Logger
}

func newLoggingPolicy(service string) Policy {
	return loggingPolicy{logger: log.WithComponent(service + ".pipeline")}
}

func (l loggingPolicy) Do(req *Request) (*http.Response, error) {
	start := time.Now()
	resp, err := req.Next()
	evt := l.logger.Debug().
		Str(log.FieldMethod, req.Raw().Method).
		Str(log.FieldURL, redactURL(req.Raw().URL)).
		Str(log.FieldClientRequestID, req.Raw().Header.Get(headerClientRequestID)).
		Dur(log.FieldDelay, time.Since(start))
	if cid := req.Raw().Header.Get(headerCorrelationID); cid != "" {
		evt = evt.Str(log.FieldCorrelationID, cid)
	}
	if err != nil {
		evt.Err(err).Msg("request failed")
		return nil, err
	}
	evt.Int(log.FieldStatus, resp.StatusCode).
		Str(log.FieldRequestID, resp.Header.Get(headerRequestID)).
		Msg("request complete")
	return resp, nil
}

// redactedQueryParams are query values that carry signatures or secrets and
// must never reach a log sink.
var redactedQueryParams = map[string]bool{
	"sig": true,
}

func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	query := u.Query()
	changed := false
	for k := range query {
		if redactedQueryParams[k] {
			query.Set(k, "REDACTED")
			changed = true
		}
	}
	if !changed {
		return u.String()
	}
	clone := *u
	clone.RawQuery = query.Encode()
	return clone.String()
}
