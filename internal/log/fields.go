// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID       = "request_id"
	FieldClientRequestID = "client_request_id"
	FieldCorrelationID   = "correlation_id"

	// Pipeline fields
	FieldComponent = "component"
	FieldMethod    = "method"
	FieldURL       = "url"
	FieldStatus    = "status"
	FieldAttempt   = "attempt"
	FieldDelay     = "delay"

	// Service fields
	FieldEndpoint  = "endpoint"
	FieldLocation  = "location"
	FieldContainer = "container"
	FieldGroup     = "group"
	FieldScope     = "scope"
)
