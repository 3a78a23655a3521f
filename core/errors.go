// SPDX-License-Identifier: MIT

package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ResponseError is returned whenever a service replies with a non-success
// status. It preserves the service's error code and the request ID for
// support tickets.
type ResponseError struct {
	StatusCode int
	// ErrorCode is the service-assigned code ("ContainerNotFound", ...).
	ErrorCode string
	Message   string
	// RequestID is the server-side x-atlas-request-id of the failed call.
	RequestID string
	// RawResponse is the response that produced the error. Its body has been
	// consumed.
	RawResponse *http.Response
}

// errorEnvelope is the wire form of a service error.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewResponseError builds a ResponseError from a non-2xx response, consuming
// the body.
func NewResponseError(resp *http.Response) error {
	re := &ResponseError{
		StatusCode:  resp.StatusCode,
		RequestID:   resp.Header.Get(headerRequestID),
		ErrorCode:   resp.Header.Get(headerErrorCode),
		RawResponse: resp,
	}
	if resp.Body != nil {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err == nil && len(body) > 0 {
			var env errorEnvelope
			if json.Unmarshal(body, &env) == nil && env.Error.Code != "" {
				re.ErrorCode = env.Error.Code
				re.Message = env.Error.Message
			} else {
				re.Message = string(body)
			}
		}
	}
	return re
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("request failed: %d %s (code=%s, request_id=%s)", e.StatusCode, e.Message, e.ErrorCode, e.RequestID)
	}
	return fmt.Sprintf("request failed: %d %s (request_id=%s)", e.StatusCode, e.Message, e.RequestID)
}

// HasStatus reports whether err is a ResponseError carrying one of the given
// status codes.
func HasStatus(err error, statusCodes ...int) bool {
	var re *ResponseError
	if !errors.As(err, &re) {
		return false
	}
	for _, sc := range statusCodes {
		if re.StatusCode == sc {
			return true
		}
	}
	return false
}

// HasErrorCode reports whether err is a ResponseError with the given service
// error code.
func HasErrorCode(err error, code string) bool {
	var re *ResponseError
	return errors.As(err, &re) && re.ErrorCode == code
}

// Success reports whether the status code is in the 2xx range.
func Success(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
