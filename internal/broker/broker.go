// Package broker owns the durable stores and the exchanger, and exposes the
// narrow message surface that plugins and the monitor/manager processes use:
// send a message, ask about urgency, query accepted types, watch events.
package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/outpost-sys/outpost/internal/bus"
	"github.com/outpost-sys/outpost/internal/exchange"
	"github.com/outpost-sys/outpost/internal/msgstore"
)

// Broker is the single owner of the message store within the agent.
type Broker struct {
	store     *msgstore.Store
	exchanger *exchange.Exchanger
	bus       *bus.Bus
	logger    *slog.Logger
	now       func() time.Time
}

// New wires the broker service.
func New(store *msgstore.Store, exchanger *exchange.Exchanger, b *bus.Bus, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:     store,
		exchanger: exchanger,
		bus:       b,
		logger:    logger.With("component", "broker"),
		now:       time.Now,
	}
}

// Send queues an outgoing message, stamping it if the producer did not.
// Urgent sends schedule a prompt exchange.
func (b *Broker) Send(ctx context.Context, msg msgstore.Message, urgent bool) (int64, error) {
	if _, ok := msg["timestamp"]; !ok {
		msg["timestamp"] = float64(b.now().UnixNano()) / float64(time.Second)
	}
	id, err := b.store.Add(ctx, msg)
	if err != nil {
		return 0, err
	}
	if urgent {
		b.exchanger.Urgent()
	}
	return id, nil
}

// RegisterType declares a message type a producer will emit.
func (b *Broker) RegisterType(name string) {
	b.store.RegisterType(name)
}

// IsUrgent reports whether an urgent exchange is scheduled.
func (b *Broker) IsUrgent() bool {
	return b.exchanger.IsUrgent()
}

// AcceptedTypes returns the server's current accepted-type set.
func (b *Broker) AcceptedTypes(ctx context.Context) ([]string, error) {
	return b.store.AcceptedTypes(ctx)
}

// IsPending reports whether a previously sent message still awaits
// acknowledgment.
func (b *Broker) IsPending(ctx context.Context, id int64) (bool, error) {
	return b.store.IsPending(ctx, id)
}

// SessionID returns the persistent session id for a scope.
func (b *Broker) SessionID(ctx context.Context, scope string) (string, error) {
	return b.store.SessionID(ctx, scope)
}

// Exchange forces an immediate exchange (registration flows, tests).
func (b *Broker) Exchange(ctx context.Context) error {
	return b.exchanger.Exchange(ctx)
}

// Bus returns the shared event bus.
func (b *Broker) Bus() *bus.Bus {
	return b.bus
}
