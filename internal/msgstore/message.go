// Package msgstore implements the durable, bounded, sequenced queue of
// outgoing messages and its acknowledgment bookkeeping. Messages accumulate
// here until the exchanger delivers them to the server; a message is only
// removed once the server has acknowledged a contiguous prefix.
package msgstore

import (
	"fmt"
)

// API is the current client message API tag. Messages record the API in
// force when they were queued so one payload never mixes API versions.
const API = "3.2"

// Message is an outgoing message body. The "type" key is mandatory and must
// name a registered message type.
type Message = map[string]any

// Queued is a stored message returned by PendingMessages.
type Queued struct {
	// ID is the store-local id, strictly increasing across the store's
	// lifetime (including across DeleteAllMessages).
	ID int64
	// Type is the message type.
	Type string
	// API is the client API tag recorded when the message was added.
	API string
	// Data is the full message body.
	Data Message
	// Size is the serialized payload size in bytes.
	Size int
}

// InvalidMessageError reports a producer bug: the message is structurally
// unusable (missing or unregistered type, oversize payload). Such messages
// are dropped, never retried.
type InvalidMessageError struct {
	Type   string
	Reason string
}

func (e *InvalidMessageError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("invalid message: %s", e.Reason)
	}
	return fmt.Sprintf("invalid message of type %q: %s", e.Type, e.Reason)
}

// Operation result statuses reported back to the server.
const (
	StatusFailed    = 5
	StatusSucceeded = 6
)

// OperationResult builds the standard reply to a server-issued operation.
func OperationResult(operationID int64, status int, text string) Message {
	msg := Message{
		"type":         "operation-result",
		"operation-id": operationID,
		"status":       status,
	}
	if text != "" {
		msg["result-text"] = text
	}
	return msg
}

// messageType extracts the "type" key from a message body.
func messageType(msg Message) (string, bool) {
	v, ok := msg["type"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
