package bus

import "time"

// Exchange topics.
const (
	TopicExchangeDone      = "exchange.done"
	TopicExchangeFailed    = "exchange.failed"
	TopicExchangeImpending = "exchange.impending"
	TopicExchangeClockSkew = "exchange.clock_skew"
	TopicExchangeURLChange = "exchange.url_changed"
)

// Server-to-client message topics.
const (
	// TopicMessage carries every inbound server message; handlers inspect the
	// message type themselves. Dispatched synchronously so the exchanger only
	// advances the server sequence once all consumers have seen the message.
	TopicMessage = "message.received"

	// TopicResynchronize asks plugins to drop their diff baselines and emit
	// full state on their next run.
	TopicResynchronize = "resynchronize"

	// TopicAcceptanceChanged fires once per message type whose server-side
	// acceptance flipped during an exchange.
	TopicAcceptanceChanged = "message_type.acceptance_changed"

	// TopicPackageDataChanged fires after the package plugins change the
	// installed package set.
	TopicPackageDataChanged = "package.data_changed"

	// TopicServerUUIDChanged fires when an exchange reveals a different
	// server identity. Hash-id mappings are server-local, so the package
	// plugin must drop them.
	TopicServerUUIDChanged = "server.uuid_changed"
)

// ServerUUIDChangedEvent is the payload for TopicServerUUIDChanged.
type ServerUUIDChangedEvent struct {
	Old string
	New string
}

// MessageEvent is the payload for TopicMessage.
type MessageEvent struct {
	Message map[string]any
}

// ResynchronizeEvent is the payload for TopicResynchronize. Empty Scopes
// means every plugin resynchronizes.
type ResynchronizeEvent struct {
	Scopes      []string
	OperationID int64
}

// Matches reports whether the given scope is covered by the event.
func (e ResynchronizeEvent) Matches(scope string) bool {
	if len(e.Scopes) == 0 {
		return true
	}
	for _, s := range e.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AcceptanceChangedEvent is the payload for TopicAcceptanceChanged.
type AcceptanceChangedEvent struct {
	Type     string
	Accepted bool
}

// ClockSkewEvent is the payload for TopicExchangeClockSkew. Offset is the
// server time minus local time observed during the last exchange.
type ClockSkewEvent struct {
	Offset time.Duration
}
