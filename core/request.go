// SPDX-License-Identifier: MIT

// Package core implements the HTTP pipeline shared by every Atlas service
// client: policy chain, retries, authentication, paging and long-running
// operation polling.
package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Transporter sends an HTTP request and returns the response. The zero
// pipeline uses an OpenTelemetry-instrumented http.Transport.
type Transporter interface {
	Do(req *http.Request) (*http.Response, error)
}

// Policy is one stage of the pipeline. A policy mutates the request, calls
// req.Next() to forward it, and may inspect or replace the response on the
// way back. Policies must be safe for concurrent use.
type Policy interface {
	Do(req *Request) (*http.Response, error)
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(*Request) (*http.Response, error)

// Do implements Policy.
func (f PolicyFunc) Do(req *Request) (*http.Response, error) {
	return f(req)
}

// Request wraps http.Request with the remaining policy chain and a rewindable
// body. A Request is not safe for concurrent use.
type Request struct {
	req      *http.Request
	body     io.ReadSeekCloser
	policies []Policy
}

// NewRequest creates a Request for the given method and URL. The context must
// not be nil; it bounds every attempt made through the pipeline.
func NewRequest(ctx context.Context, method, rawURL string) (*Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if !req.URL.IsAbs() {
		return nil, fmt.Errorf("request URL %q is not absolute", rawURL)
	}
	return &Request{req: req}, nil
}

// Raw returns the underlying http.Request.
func (r *Request) Raw() *http.Request {
	return r.req
}

// Context returns the request's context.
func (r *Request) Context() context.Context {
	return r.req.Context()
}

// SetBody attaches a rewindable body and content type. Pass a nil body to
// clear. Content length is derived from the seeker.
func (r *Request) SetBody(body io.ReadSeekCloser, contentType string) error {
	if body == nil {
		r.body = nil
		r.req.Body = nil
		r.req.ContentLength = 0
		r.req.Header.Del(headerContentType)
		return nil
	}
	size, err := body.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r.body = body
	r.req.Body = body
	r.req.ContentLength = size
	if contentType != "" {
		r.req.Header.Set(headerContentType, contentType)
	}
	return nil
}

// RewindBody seeks the body back to its start so the request can be resent.
func (r *Request) RewindBody() error {
	if r.body == nil {
		return nil
	}
	_, err := r.body.Seek(0, io.SeekStart)
	r.req.Body = r.body
	return err
}

// Retriable reports whether the request body can be replayed.
func (r *Request) Retriable() bool {
	return r.body != nil || r.req.Body == nil
}

// Next forwards the request to the next policy in the chain. The last policy
// must be the transport policy installed by the pipeline.
func (r *Request) Next() (*http.Response, error) {
	if len(r.policies) == 0 {
		return nil, errors.New("pipeline exhausted: no transport policy")
	}
	next := r.policies[0]
	nested := *r
	nested.policies = r.policies[1:]
	return next.Do(&nested)
}

// NopCloser wraps a ReadSeeker as a ReadSeekCloser with a no-op Close,
// matching what SetBody expects for in-memory payloads.
func NopCloser(rs io.ReadSeeker) io.ReadSeekCloser {
	return nopCloser{rs}
}

type nopCloser struct {
	io.ReadSeeker
}

func (nopCloser) Close() error { return nil }

// BytesBody is shorthand for an in-memory request body.
func BytesBody(b []byte) io.ReadSeekCloser {
	return NopCloser(bytes.NewReader(b))
}
