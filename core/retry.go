// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlascloud/atlas-sdk-go/internal/log"
	"github.com/atlascloud/atlas-sdk-go/internal/metrics"
)

// RetryOptions configures the retry policy. Zero values select the defaults.
type RetryOptions struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Negative disables retries entirely.
	MaxRetries int
	// RetryDelay is the base delay for exponential backoff.
	RetryDelay time.Duration
	// MaxRetryDelay caps the computed delay, including Retry-After values.
	MaxRetryDelay time.Duration
	// StatusCodes replaces the default set of retriable HTTP status codes.
	StatusCodes []int
}

const (
	defaultMaxRetries    = 3
	defaultRetryDelay    = 800 * time.Millisecond
	defaultMaxRetryDelay = 60 * time.Second
)

var defaultRetryStatusCodes = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

type retryPolicy struct {
	service     string
	maxRetries  int
	delay       time.Duration
	maxDelay    time.Duration
	statusCodes map[int]bool
	logger      zerolog.Logger
}

func newRetryPolicy(service string, opts RetryOptions) Policy {
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	} else if maxRetries < 0 {
		maxRetries = 0
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	maxDelay := opts.MaxRetryDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxRetryDelay
	}
	codes := opts.StatusCodes
	if codes == nil {
		codes = defaultRetryStatusCodes
	}
	codeSet := make(map[int]bool, len(codes))
	for _, c := range codes {
		codeSet[c] = true
	}
	return retryPolicy{
		service:     service,
		maxRetries:  maxRetries,
		delay:       delay,
		maxDelay:    maxDelay,
		statusCodes: codeSet,
		logger:      log.WithComponent(service + ".retry"),
	}
}

func (p retryPolicy) Do(req *Request) (*http.Response, error) {
	var resp *http.Response
	var err error

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if rewindErr := req.RewindBody(); rewindErr != nil {
				return nil, rewindErr
			}
		}

		resp, err = req.Next()

		retriable, reason := p.shouldRetry(resp, err)
		if !retriable || attempt >= p.maxRetries || !req.Retriable() {
			return resp, err
		}

		delay := p.backoff(attempt)
		if ra := retryAfter(resp); ra > 0 {
			delay = ra
		}
		if delay > p.maxDelay {
			delay = p.maxDelay
		}

		metrics.RecordRetry(p.service, reason)
		p.logger.Debug().
			Int(log.FieldAttempt, attempt+1).
			Str(log.FieldMethod, req.Raw().Method).
			Dur(log.FieldDelay, delay).
			Msg("retrying request")

		drain(resp)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}
}

// shouldRetry classifies the outcome of one attempt. Context cancellation is
// never retried.
func (p retryPolicy) shouldRetry(resp *http.Response, err error) (bool, string) {
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return true, "connection"
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return true, "connection"
		}
		return false, ""
	}
	if p.statusCodes[resp.StatusCode] {
		if resp.StatusCode == http.StatusTooManyRequests {
			return true, "throttle"
		}
		return true, "status"
	}
	return false, ""
}

// backoff returns the jittered exponential delay for the given attempt index.
func (p retryPolicy) backoff(attempt int) time.Duration {
	exp := math.Pow(2, float64(attempt+1)) - 1
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(exp * jitter * float64(p.delay))
}

// retryAfter reads the Retry-After header in its delta-seconds or HTTP-date
// form. Returns zero when absent or unparseable.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	raw := resp.Header.Get(headerRetryAfter)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := time.Parse(http.TimeFormat, raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// drain consumes and closes a response body so the connection can be reused
// by the next attempt.
func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
