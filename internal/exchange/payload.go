package exchange

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/outpost-sys/outpost/internal/msgstore"
)

// Payload is the wire shape of one exchange request.
type Payload struct {
	// Messages is the batch of pending outgoing messages, oldest first.
	Messages []msgstore.Message `json:"messages"`
	// Sequence numbers the first message in the batch; it equals the count
	// of messages the server has acknowledged so far.
	Sequence int64 `json:"sequence"`
	// NextExpectedSequence tells the server how far we got through its
	// message stream.
	NextExpectedSequence int64 `json:"next-expected-sequence"`
	// TotalMessages is the full backlog size, batched or not, so the server
	// can tell a drained queue from a capped batch.
	TotalMessages int `json:"total-messages"`
	// ClientAPI is the client message API tag.
	ClientAPI string `json:"client-api"`
	// AcceptedTypesDigest fingerprints the accepted-types set the client
	// believes is current; on mismatch the server sends the full set back.
	AcceptedTypesDigest string `json:"accepted-types-digest"`
	// ClientTimestamp is the local wall clock in Unix seconds, used by the
	// server for clock-skew detection.
	ClientTimestamp float64 `json:"client-timestamp"`

	// sentIDs are the store ids behind Messages, in batch order. The ack
	// commit deletes exactly these rows, never "the first N", so store
	// rotation racing an in-flight exchange cannot shift the accounting.
	sentIDs []int64
}

// Response is the wire shape of one exchange response.
type Response struct {
	// NextExpectedSequence acknowledges our outgoing stream: it is the
	// sequence number the server wants next.
	NextExpectedSequence int64 `json:"next-expected-sequence"`
	// Messages are inbound server messages, each carrying a "type".
	Messages []map[string]any `json:"messages"`
	// AcceptedTypes, when present, replaces the accepted-types set. Nil
	// means unchanged (digest matched).
	AcceptedTypes []string `json:"accepted-types"`
	// ServerUUID identifies the server instance.
	ServerUUID string `json:"server-uuid"`
	// ServerAPI is the server's message API tag.
	ServerAPI string `json:"server-api"`
	// NextExchangeToken is the one-time token for the next exchange.
	NextExchangeToken string `json:"next-exchange-token"`
	// ServerTimestamp is the server wall clock in Unix seconds.
	ServerTimestamp float64 `json:"server-timestamp"`
}

// acceptedTypesDigest fingerprints a type set independent of order.
func acceptedTypesDigest(types []string) string {
	sorted := append([]string(nil), types...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ";")))
	return hex.EncodeToString(sum[:])
}

// buildPayload assembles the next exchange request from the store.
func (e *Exchanger) buildPayload(ctx context.Context) (*Payload, error) {
	pending, err := e.store.PendingMessages(ctx, e.cfg.MaxMessages, e.cfg.MaxPayloadBytes)
	if err != nil {
		return nil, fmt.Errorf("collect pending messages: %w", err)
	}
	total, err := e.store.CountPending(ctx)
	if err != nil {
		return nil, err
	}
	sequence, err := e.store.Sequence(ctx)
	if err != nil {
		return nil, err
	}
	serverSeq, err := e.store.ServerSequence(ctx)
	if err != nil {
		return nil, err
	}
	accepted, err := e.store.AcceptedTypes(ctx)
	if err != nil {
		return nil, err
	}

	messages := make([]msgstore.Message, len(pending))
	sentIDs := make([]int64, len(pending))
	for i, q := range pending {
		messages[i] = q.Data
		sentIDs[i] = q.ID
	}
	return &Payload{
		Messages:             messages,
		sentIDs:              sentIDs,
		Sequence:             sequence,
		NextExpectedSequence: serverSeq,
		TotalMessages:        total,
		ClientAPI:            msgstore.API,
		AcceptedTypesDigest:  acceptedTypesDigest(accepted),
		ClientTimestamp:      float64(e.now().UnixNano()) / float64(time.Second),
	}, nil
}
