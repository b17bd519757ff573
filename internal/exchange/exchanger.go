// Package exchange implements the client side of the message exchange
// protocol: a serialized state machine that batches pending messages,
// posts them to the server, commits acknowledgments, and dispatches
// inbound server messages to their consumers.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/outpost-sys/outpost/internal/bus"
	"github.com/outpost-sys/outpost/internal/config"
	"github.com/outpost-sys/outpost/internal/msgstore"
	"github.com/outpost-sys/outpost/internal/otel"
	"github.com/outpost-sys/outpost/internal/shared"
)

// Deps wires the exchanger into the broker.
type Deps struct {
	Store     *msgstore.Store
	Transport *Transport
	Bus       *bus.Bus
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *otel.Metrics
}

// Exchanger owns the exchange cadence. At most one exchange is in flight at
// any time; timer ticks arriving mid-exchange are coalesced.
type Exchanger struct {
	store     *msgstore.Store
	transport *Transport
	bus       *bus.Bus
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
	schema    *jsonschema.Schema

	now func() time.Time

	mu         sync.Mutex
	cfg        config.ExchangeConfig
	urgent     bool
	urgentGen  uint64
	retryDelay time.Duration
	inFlight   bool
	computerID string

	wake chan struct{}
}

// New builds an exchanger. Tracer and Metrics may be nil.
func New(deps Deps, cfg config.ExchangeConfig) (*Exchanger, error) {
	schema, err := compileServerMessageSchema()
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Exchanger{
		store:     deps.Store,
		transport: deps.Transport,
		bus:       deps.Bus,
		logger:    logger.With("component", "exchange"),
		tracer:    tracer,
		metrics:   deps.Metrics,
		schema:    schema,
		cfg:       cfg,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}, nil
}

// Urgent schedules the next exchange after the short urgent interval
// instead of the regular one.
func (e *Exchanger) Urgent() {
	e.mu.Lock()
	e.urgent = true
	e.urgentGen++
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// IsUrgent reports whether an urgent exchange is scheduled.
func (e *Exchanger) IsUrgent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.urgent
}

// SetComputerID sets the registered computer identity sent on each exchange.
func (e *Exchanger) SetComputerID(id string) {
	e.mu.Lock()
	e.computerID = id
	e.mu.Unlock()
}

// SetIntervals applies a server-directed cadence change.
func (e *Exchanger) SetIntervals(interval, urgentInterval time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if interval > 0 {
		e.cfg.Interval = interval
	}
	if urgentInterval > 0 {
		e.cfg.UrgentInterval = urgentInterval
	}
	e.logger.Info("exchange intervals updated",
		"interval", e.cfg.Interval, "urgent_interval", e.cfg.UrgentInterval)
}

func (e *Exchanger) delay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retryDelay > 0 {
		return e.retryDelay
	}
	if e.urgent {
		return e.cfg.UrgentInterval
	}
	return e.cfg.Interval
}

func (e *Exchanger) setRetryDelay(d time.Duration) {
	e.mu.Lock()
	e.retryDelay = d
	e.mu.Unlock()
}

func (e *Exchanger) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BackoffInitial
	bo.MaxInterval = e.cfg.BackoffMax
	return bo
}

// Run drives the exchange loop until the context is cancelled. Transport
// failures never escape: they are logged and retried with backoff.
func (e *Exchanger) Run(ctx context.Context) error {
	bo := e.newBackOff()
	for {
		timer := time.NewTimer(e.delay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-e.wake:
			// Urgent flag flipped; recompute the wait.
			timer.Stop()
			continue
		case <-timer.C:
		}

		if err := e.Exchange(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			next := bo.NextBackOff()
			e.logger.Warn("exchange failed, backing off",
				"error", shared.Redact(err.Error()), "retry_in", next)
			e.setRetryDelay(next)
			continue
		}
		bo.Reset()
		e.setRetryDelay(0)
	}
}

// Exchange performs one full request/response cycle. A call arriving while
// another exchange is in flight returns immediately.
func (e *Exchanger) Exchange(ctx context.Context) error {
	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return nil
	}
	e.inFlight = true
	startGen := e.urgentGen
	computerID := e.computerID
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otel.StartClientSpan(ctx, e.tracer, "exchange",
		otel.AttrURL.String(e.transport.URL()))
	defer span.End()
	started := e.now()

	// Let producers flush anything they want in this payload.
	if err := e.bus.Dispatch(ctx, bus.TopicExchangeImpending, nil); err != nil {
		e.logger.Warn("impending-exchange handler failed", "error", err)
	}

	payload, err := e.buildPayload(ctx)
	if err != nil {
		return err
	}
	token, err := e.store.ExchangeToken(ctx)
	if err != nil {
		return err
	}

	e.logger.Debug("exchanging",
		"messages", len(payload.Messages),
		"total_pending", payload.TotalMessages,
		"sequence", payload.Sequence)

	resp, err := e.transport.Exchange(ctx, payload, computerID, token)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ExchangeFailures.Add(ctx, 1)
		}
		e.bus.Publish(bus.TopicExchangeFailed, err)
		return err
	}

	if err := e.applyResponse(ctx, payload, resp); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.ExchangeDuration.Record(ctx, e.now().Sub(started).Seconds())
		e.metrics.MessagesSent.Add(ctx, int64(len(payload.Messages)))
		e.metrics.MessagesReceived.Add(ctx, int64(len(resp.Messages)))
	}

	// A capped batch leaves messages behind. If the server consumed what we
	// sent, come back for the rest on the urgent cadence instead of sitting
	// on the backlog for a full interval. No progress means the server is
	// not consuming, so do not spin.
	if resp.NextExpectedSequence > payload.Sequence {
		if backlog, err := e.store.CountPending(ctx); err == nil && backlog > 0 {
			e.Urgent()
		}
	}

	// Clear the urgent flag unless something re-marked us mid-exchange.
	e.mu.Lock()
	if e.urgentGen == startGen {
		e.urgent = false
	}
	e.mu.Unlock()

	e.bus.Publish(bus.TopicExchangeDone, nil)
	return nil
}

func (e *Exchanger) applyResponse(ctx context.Context, payload *Payload, resp *Response) error {
	if resp.NextExchangeToken != "" {
		if err := e.store.SetExchangeToken(ctx, resp.NextExchangeToken); err != nil {
			return err
		}
	}
	if err := e.handleServerUUID(ctx, resp.ServerUUID); err != nil {
		return err
	}
	if err := e.handleAckSequence(ctx, payload, resp.NextExpectedSequence); err != nil {
		return err
	}
	if resp.AcceptedTypes != nil {
		if err := e.handleAcceptedTypes(ctx, resp.AcceptedTypes); err != nil {
			return err
		}
	}
	e.detectClockSkew(resp.ServerTimestamp)

	serverSeq := payload.NextExpectedSequence
	for _, msg := range resp.Messages {
		if err := e.handleServerMessage(ctx, msg); err != nil {
			return err
		}
		// Committed per message so a crash never replays delivered ones.
		serverSeq++
		if err := e.store.SetServerSequence(ctx, serverSeq); err != nil {
			return err
		}
	}
	return nil
}

// handleAckSequence commits the server's acknowledgment of our outgoing
// stream. A next-expected-sequence behind our own means the server lost
// state it once had; recovery is to drop the queue, rewind the sequence and
// resynchronize from scratch.
func (e *Exchanger) handleAckSequence(ctx context.Context, payload *Payload, nextExpected int64) error {
	sequence := payload.Sequence
	sent := int64(len(payload.Messages))

	switch {
	case nextExpected >= sequence && nextExpected <= sequence+sent:
		acked := int(nextExpected - sequence)
		if acked > 0 {
			// Delete by the ids we actually sent, not "the oldest N": store
			// rotation may have already dropped part of the batch and
			// advanced the sequence for it.
			ids := payload.sentIDs
			if acked < len(ids) {
				ids = ids[:acked]
			}
			if err := e.store.DeleteMessages(ctx, ids); err != nil {
				return err
			}
		}
		return nil

	case nextExpected > sequence+sent:
		// Server is ahead of anything we sent. Trust it and jump forward.
		e.logger.Warn("server acknowledged past our batch",
			"sequence", sequence, "sent", sent, "next_expected", nextExpected)
		if err := e.store.DeleteMessages(ctx, payload.sentIDs); err != nil {
			return err
		}
		return e.store.SetSequence(ctx, nextExpected)

	default:
		// Ancient sequence: the server lost messages it had acknowledged.
		e.logger.Warn("server lost track of our sequence, resynchronizing",
			"sequence", sequence, "next_expected", nextExpected)
		if err := e.store.DeleteAllMessages(ctx); err != nil {
			return err
		}
		if err := e.store.SetSequence(ctx, nextExpected); err != nil {
			return err
		}
		return e.resynchronize(ctx, nil, 0)
	}
}

// resynchronize resets client state for the given scopes (nil means all)
// and queues the urgent resynchronize marker for the server.
func (e *Exchanger) resynchronize(ctx context.Context, scopes []string, operationID int64) error {
	ev := bus.ResynchronizeEvent{Scopes: scopes, OperationID: operationID}
	if err := e.bus.Dispatch(ctx, bus.TopicResynchronize, ev); err != nil {
		e.logger.Error("resynchronize handler failed", "error", err)
	}
	msg := msgstore.Message{"type": "resynchronize"}
	if operationID != 0 {
		msg["operation-id"] = operationID
	}
	if _, err := e.store.Add(ctx, msg); err != nil {
		return fmt.Errorf("queue resynchronize marker: %w", err)
	}
	e.Urgent()
	return nil
}

func (e *Exchanger) handleServerUUID(ctx context.Context, serverUUID string) error {
	if serverUUID == "" {
		return nil
	}
	old, err := e.store.ServerUUID(ctx)
	if err != nil {
		return err
	}
	if old != "" && old != serverUUID {
		e.logger.Info("server identity changed", "old", old, "new", serverUUID)
		if err := e.bus.Dispatch(ctx, bus.TopicServerUUIDChanged,
			bus.ServerUUIDChangedEvent{Old: old, New: serverUUID}); err != nil {
			e.logger.Error("server-uuid-changed handler failed", "error", err)
		}
	}
	if old != serverUUID {
		return e.store.SetServerUUID(ctx, serverUUID)
	}
	return nil
}

func (e *Exchanger) handleAcceptedTypes(ctx context.Context, types []string) error {
	old, err := e.store.AcceptedTypes(ctx)
	if err != nil {
		return err
	}
	if err := e.store.SetAcceptedTypes(ctx, types); err != nil {
		return err
	}

	oldSet := make(map[string]struct{}, len(old))
	for _, t := range old {
		oldSet[t] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(types))
	for _, t := range types {
		newSet[t] = struct{}{}
	}
	released := false
	for _, t := range types {
		if _, was := oldSet[t]; !was {
			released = true
			e.dispatchAcceptance(ctx, t, true)
		}
	}
	for _, t := range old {
		if _, still := newSet[t]; !still {
			e.dispatchAcceptance(ctx, t, false)
		}
	}
	// A newly accepted type may unblock messages queued while it was held
	// back; flush them promptly rather than on the next regular interval.
	if released {
		if backlog, err := e.store.CountPending(ctx); err == nil && backlog > 0 {
			e.Urgent()
		}
	}
	return nil
}

func (e *Exchanger) dispatchAcceptance(ctx context.Context, mtype string, accepted bool) {
	err := e.bus.Dispatch(ctx, bus.TopicAcceptanceChanged+"."+mtype,
		bus.AcceptanceChangedEvent{Type: mtype, Accepted: accepted})
	if err != nil {
		e.logger.Error("acceptance-changed handler failed", "type", mtype, "error", err)
	}
}

func (e *Exchanger) detectClockSkew(serverTimestamp float64) {
	if serverTimestamp <= 0 {
		return
	}
	threshold := e.cfg.ClockSkewThreshold
	if threshold <= 0 {
		return
	}
	local := float64(e.now().UnixNano()) / float64(time.Second)
	offset := time.Duration((serverTimestamp - local) * float64(time.Second))
	if math.Abs(float64(offset)) < float64(threshold) {
		return
	}
	e.logger.Warn("server clock skew detected", "offset", offset)
	e.bus.Publish(bus.TopicExchangeClockSkew, bus.ClockSkewEvent{Offset: offset})
}

// handleServerMessage validates and routes one inbound message. Built-in
// directives are handled here; everything else goes to the bus. A message
// nobody handles but which carries an operation id gets a failing
// operation-result so the server does not wait forever.
func (e *Exchanger) handleServerMessage(ctx context.Context, msg map[string]any) error {
	if err := e.schema.Validate(msg); err != nil {
		// Advancing past it is the only option; stalling would wedge the
		// whole inbound stream.
		e.logger.Error("discarding malformed server message",
			"error", err, "message", shared.Redact(fmt.Sprintf("%.200v", msg)))
		return nil
	}
	mtype, _ := msg["type"].(string)
	opID := messageOperationID(msg)
	ctx = shared.WithOperationID(ctx, opID)

	switch mtype {
	case "resynchronize":
		return e.resynchronize(ctx, messageScopes(msg), opID)

	case "set-intervals":
		e.SetIntervals(secondsField(msg, "exchange"), secondsField(msg, "urgent-exchange"))
		return nil
	}

	topic := bus.TopicMessage + "." + mtype
	if e.bus.HandlerCount(topic) == 0 {
		e.logger.Warn("no handler for server message", "type", mtype)
		if opID != 0 {
			result := msgstore.OperationResult(opID, msgstore.StatusFailed,
				fmt.Sprintf("Unknown operation message type %q.", mtype))
			if _, err := e.store.Add(ctx, result); err != nil {
				return err
			}
			e.Urgent()
		}
		return nil
	}
	if err := e.bus.Dispatch(ctx, topic, bus.MessageEvent{Message: msg}); err != nil {
		e.logger.Error("server message handler failed", "type", mtype, "error", err)
	}
	return nil
}

func messageOperationID(msg map[string]any) int64 {
	switch v := msg["operation-id"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func messageScopes(msg map[string]any) []string {
	raw, ok := msg["scopes"].([]any)
	if !ok {
		return nil
	}
	var scopes []string
	for _, s := range raw {
		if str, ok := s.(string); ok {
			scopes = append(scopes, str)
		}
	}
	return scopes
}

func secondsField(msg map[string]any, key string) time.Duration {
	v, ok := msg[key].(float64)
	if !ok || v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
