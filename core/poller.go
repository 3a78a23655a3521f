// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Header and status vocabulary for long-running operations.
const (
	headerOperationLocation = "Operation-Location"
	headerLocation          = "Location"

	statusInProgress = "InProgress"
	statusSucceeded  = "Succeeded"
	statusFailed     = "Failed"
	statusCanceled   = "Canceled"
)

// Polling strategies, probed in order from the initial response.
const (
	strategyOperationLocation = "operation-location"
	strategyLocation          = "location"
	strategyBody              = "body"
)

// ErrOperationNotDone is returned by Result while the operation is still
// running.
var ErrOperationNotDone = errors.New("long-running operation has not reached a terminal state")

// pollerState is the serializable state of a poller; it doubles as the resume
// token payload.
type pollerState struct {
	Strategy   string `json:"strategy"`
	PollURL    string `json:"pollUrl"`
	FinalURL   string `json:"finalUrl,omitempty"`
	Status     string `json:"status"`
	LastResult []byte `json:"-"`
}

// statusDocument is the wire form of an operation status resource.
type statusDocument struct {
	Status           string `json:"status"`
	ResourceLocation string `json:"resourceLocation"`
	Error            *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Properties struct {
		ProvisioningState string `json:"provisioningState"`
	} `json:"properties"`
}

// Poller tracks a long-running operation until a terminal state and then
// yields the typed result. Create one from the operation's initial response
// with NewPoller, or rehydrate with NewPollerFromResumeToken.
type Poller[T any] struct {
	pl         Pipeline
	state      pollerState
	retryAfter time.Duration
}

// NewPoller inspects the initial response and selects a polling strategy:
// Operation-Location status document, Location probing, or provisioningState
// in the resource body. The initial response body is consumed.
func NewPoller[T any](resp *http.Response, pl Pipeline) (*Poller[T], error) {
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if !Success(resp) {
		resp.Body = io.NopCloser(strings.NewReader(string(body)))
		return nil, NewResponseError(resp)
	}

	p := &Poller[T]{pl: pl, retryAfter: retryAfter(resp)}

	if opLoc := resp.Header.Get(headerOperationLocation); opLoc != "" {
		p.state = pollerState{
			Strategy: strategyOperationLocation,
			PollURL:  opLoc,
			FinalURL: resp.Header.Get(headerLocation),
			Status:   statusInProgress,
		}
		return p, nil
	}

	if loc := resp.Header.Get(headerLocation); loc != "" && resp.StatusCode == http.StatusAccepted {
		p.state = pollerState{
			Strategy: strategyLocation,
			PollURL:  loc,
			Status:   statusInProgress,
		}
		return p, nil
	}

	// Provisioning-state operations poll the resource itself.
	p.state = pollerState{
		Strategy:   strategyBody,
		PollURL:    resp.Request.URL.String(),
		Status:     provisioningStatus(body),
		LastResult: body,
	}
	return p, nil
}

// NewPollerFromResumeToken rehydrates a poller produced by ResumeToken,
// typically in another process.
func NewPollerFromResumeToken[T any](token string, pl Pipeline) (*Poller[T], error) {
	var state pollerState
	if err := json.Unmarshal([]byte(token), &state); err != nil {
		return nil, fmt.Errorf("invalid resume token: %w", err)
	}
	if state.PollURL == "" || state.Strategy == "" {
		return nil, errors.New("invalid resume token: missing polling state")
	}
	return &Poller[T]{pl: pl, state: state}, nil
}

// ResumeToken serializes the poller so polling can continue elsewhere. It is
// only available before the operation completes.
func (p *Poller[T]) ResumeToken() (string, error) {
	if p.Done() {
		return "", errors.New("cannot create resume token for a completed operation")
	}
	b, err := json.Marshal(p.state)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Done reports whether the operation reached a terminal state.
func (p *Poller[T]) Done() bool {
	return isTerminal(p.state.Status)
}

// Status returns the last observed operation status.
func (p *Poller[T]) Status() string {
	return p.state.Status
}

// Poll issues one poll request and updates the status. Calling Poll on a
// completed poller is a no-op.
func (p *Poller[T]) Poll(ctx context.Context) error {
	if p.Done() {
		return nil
	}

	req, err := NewRequest(ctx, http.MethodGet, p.state.PollURL)
	if err != nil {
		return err
	}
	resp, err := p.pl.Do(req)
	if err != nil {
		return err
	}
	body, err := readBody(resp)
	if err != nil {
		return err
	}
	p.retryAfter = retryAfter(resp)

	switch p.state.Strategy {
	case strategyOperationLocation:
		return p.applyStatusDocument(resp, body)
	case strategyLocation:
		switch {
		case resp.StatusCode == http.StatusAccepted:
			p.state.Status = statusInProgress
		case Success(resp):
			p.state.Status = statusSucceeded
			p.state.LastResult = body
		default:
			p.state.Status = statusFailed
			resp.Body = io.NopCloser(strings.NewReader(string(body)))
			return NewResponseError(resp)
		}
	case strategyBody:
		if !Success(resp) {
			resp.Body = io.NopCloser(strings.NewReader(string(body)))
			return NewResponseError(resp)
		}
		p.state.Status = provisioningStatus(body)
		p.state.LastResult = body
	default:
		return fmt.Errorf("unknown polling strategy %q", p.state.Strategy)
	}
	return nil
}

func (p *Poller[T]) applyStatusDocument(resp *http.Response, body []byte) error {
	if !Success(resp) {
		resp.Body = io.NopCloser(strings.NewReader(string(body)))
		return NewResponseError(resp)
	}
	var doc statusDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("malformed operation status document: %w", err)
	}
	if doc.Status == "" {
		return errors.New("operation status document missing status")
	}
	p.state.Status = canonicalStatus(doc.Status)
	if doc.ResourceLocation != "" {
		p.state.FinalURL = doc.ResourceLocation
	}
	p.state.LastResult = body
	if p.state.Status == statusFailed || p.state.Status == statusCanceled {
		re := &ResponseError{
			StatusCode:  resp.StatusCode,
			RequestID:   resp.Header.Get(headerRequestID),
			RawResponse: resp,
		}
		if doc.Error != nil {
			re.ErrorCode = doc.Error.Code
			re.Message = doc.Error.Message
		} else {
			re.Message = "operation " + strings.ToLower(p.state.Status)
		}
		return re
	}
	return nil
}

// PollUntilDone polls at the given frequency until the operation completes,
// then returns the result. Service Retry-After hints stretch (never shrink)
// the interval.
func (p *Poller[T]) PollUntilDone(ctx context.Context, freq time.Duration) (T, error) {
	if freq <= 0 {
		freq = 30 * time.Second
	}
	for !p.Done() {
		if err := p.Poll(ctx); err != nil {
			var zero T
			return zero, err
		}
		if p.Done() {
			break
		}
		delay := freq
		if p.retryAfter > delay {
			delay = p.retryAfter
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return p.Result(ctx)
}

// Result returns the operation's outcome. For failed or canceled operations
// it returns the terminal ResponseError; before completion it returns
// ErrOperationNotDone.
func (p *Poller[T]) Result(ctx context.Context) (T, error) {
	var result T
	if !p.Done() {
		return result, ErrOperationNotDone
	}
	if p.state.Status != statusSucceeded {
		var doc statusDocument
		_ = json.Unmarshal(p.state.LastResult, &doc)
		re := &ResponseError{Message: "operation " + strings.ToLower(p.state.Status)}
		if doc.Error != nil {
			re.ErrorCode = doc.Error.Code
			re.Message = doc.Error.Message
		}
		return result, re
	}

	payload := p.state.LastResult
	if p.state.Strategy == strategyOperationLocation && p.state.FinalURL != "" {
		req, err := NewRequest(ctx, http.MethodGet, p.state.FinalURL)
		if err != nil {
			return result, err
		}
		resp, err := p.pl.Do(req)
		if err != nil {
			return result, err
		}
		payload, err = readBody(resp)
		if err != nil {
			return result, err
		}
		if !Success(resp) {
			resp.Body = io.NopCloser(strings.NewReader(string(payload)))
			return result, NewResponseError(resp)
		}
	}
	if len(payload) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return result, fmt.Errorf("deserializing operation result: %w", err)
	}
	return result, nil
}

func isTerminal(status string) bool {
	switch status {
	case statusSucceeded, statusFailed, statusCanceled:
		return true
	}
	return false
}

func canonicalStatus(s string) string {
	switch strings.ToLower(s) {
	case "succeeded", "success", "completed":
		return statusSucceeded
	case "failed", "error":
		return statusFailed
	case "canceled", "cancelled", "aborted":
		return statusCanceled
	default:
		return statusInProgress
	}
}

// provisioningStatus maps a resource body's provisioningState onto the
// canonical status set. A missing state means the resource is ready.
func provisioningStatus(body []byte) string {
	if len(body) == 0 {
		return statusSucceeded
	}
	var doc statusDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return statusSucceeded
	}
	if doc.Properties.ProvisioningState == "" {
		return statusSucceeded
	}
	return canonicalStatus(doc.Properties.ProvisioningState)
}

func readBody(resp *http.Response) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
