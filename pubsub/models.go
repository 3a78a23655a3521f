// SPDX-License-Identifier: MIT

package pubsub

import (
	"encoding/json"
	"fmt"
)

// frame types of the JSON subprotocol.
const (
	frameJoinGroup   = "joinGroup"
	frameLeaveGroup  = "leaveGroup"
	frameSendToGroup = "sendToGroup"
	frameAck         = "ack"
	frameMessage     = "message"
	frameSystem      = "system"

	eventConnected    = "connected"
	eventDisconnected = "disconnected"
)

// clientFrame is what the client writes.
type clientFrame struct {
	Type     string          `json:"type"`
	Group    string          `json:"group,omitempty"`
	AckID    uint64          `json:"ackId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	DataType string          `json:"dataType,omitempty"`
}

// serverFrame is every shape the service sends, collapsed into one struct
// and discriminated by Type.
type serverFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	AckID   uint64          `json:"ackId,omitempty"`
	Success bool            `json:"success,omitempty"`
	Error   *ackErrorDetail `json:"error,omitempty"`

	From       string          `json:"from,omitempty"`
	FromUserID string          `json:"fromUserId,omitempty"`
	Group      string          `json:"group,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`

	ConnectionID      string `json:"connectionId,omitempty"`
	ReconnectionToken string `json:"reconnectionToken,omitempty"`
	Message           string `json:"message,omitempty"`
}

type ackErrorDetail struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// AckError is a negative acknowledgement from the service.
type AckError struct {
	AckID   uint64
	Name    string
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("pubsub: operation %d rejected: %s: %s", e.AckID, e.Name, e.Message)
}

// GroupMessage is a message delivered to a joined group.
type GroupMessage struct {
	// Group is the group the message was sent to.
	Group string
	// FromUserID identifies the sender when the service knows it.
	FromUserID string
	// Data is the raw payload.
	Data json.RawMessage
}
