// SPDX-License-Identifier: MIT

package docstore

import "encoding/json"

// docstore wire headers.
const (
	headerPartitionKey  = "x-atlas-partition-key"
	headerEffectiveKey  = "x-atlas-effective-partition-key"
	headerSessionToken  = "x-atlas-session-token"
	headerContinuation  = "x-atlas-continuation"
	headerRequestCharge = "x-atlas-request-charge"
	headerMaxItemCount  = "x-atlas-max-item-count"
	headerIsQuery       = "x-atlas-is-query"
)

// ItemOptions tunes single-item operations.
type ItemOptions struct {
	// IfMatch makes replace and delete conditional on the item's ETag.
	IfMatch string
}

// ItemResponse carries the outcome of a single-item operation.
type ItemResponse struct {
	// Value is the item body as stored. Empty for Delete.
	Value json.RawMessage
	// ETag is the item's concurrency stamp.
	ETag string
	// SessionToken reflects the write's logical position. The client
	// forwards it automatically on later requests.
	SessionToken string
	// RequestCharge is the operation's cost in request units.
	RequestCharge float64
}

// QueryParameter binds one @name in a query.
type QueryParameter struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// QueryOptions tunes NewQueryItemsPager.
type QueryOptions struct {
	Parameters []QueryParameter
	// PageSize caps items per page when positive.
	PageSize int
}

// queryRequest is the POST body of a query.
type queryRequest struct {
	Query      string           `json:"query"`
	Parameters []QueryParameter `json:"parameters,omitempty"`
}

// queryResponse is the service's query page envelope.
type queryResponse struct {
	Documents []json.RawMessage `json:"documents"`
	Count     int               `json:"count"`
}

// Service error codes surfaced via core.HasErrorCode.
const (
	ErrorCodeItemNotFound       = "ItemNotFound"
	ErrorCodeItemAlreadyExists  = "ItemAlreadyExists"
	ErrorCodePreconditionFailed = "PreconditionFailed"
	ErrorCodeServiceUnavailable = "ServiceUnavailable"
)
