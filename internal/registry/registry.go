// Package registry schedules plugins: periodic state collectors, cron-driven
// samplers, inbound message handlers and resynchronize reactors. Each
// plugin's failures are isolated so one broken collector never stops the
// others.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/outpost-sys/outpost/internal/bus"
	"github.com/outpost-sys/outpost/internal/config"
	"github.com/outpost-sys/outpost/internal/msgstore"
	"github.com/outpost-sys/outpost/internal/otel"
	"github.com/outpost-sys/outpost/internal/shared"
)

// Sender is the narrow broker surface plugins produce messages through.
type Sender interface {
	// Send queues an outgoing message; urgent schedules a prompt exchange.
	Send(ctx context.Context, msg msgstore.Message, urgent bool) (int64, error)
	// RegisterType declares a message type the caller will produce.
	RegisterType(name string)
}

// Plugin wires itself into the registry: schedules, message handlers,
// resynchronize hooks.
type Plugin interface {
	Name() string
	Register(r *Registry) error
}

// MessageHandler consumes one inbound server message.
type MessageHandler func(ctx context.Context, msg map[string]any) error

// ResyncHandler resets plugin state for a resynchronize directive.
type ResyncHandler func(ctx context.Context, ev bus.ResynchronizeEvent) error

// Deps wires the registry into the broker.
type Deps struct {
	Bus     *bus.Bus
	Sender  Sender
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
	Plugins config.PluginConfig
}

type periodicEntry struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

type cronEntry struct {
	name string
	spec string
	run  func(ctx context.Context) error
}

type resyncEntry struct {
	name  string
	scope string
	fn    ResyncHandler
}

// Registry holds the registered plugins and drives their schedules.
type Registry struct {
	bus     *bus.Bus
	sender  Sender
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
	cfg     config.PluginConfig

	mu        sync.Mutex
	plugins   []Plugin
	periodics []periodicEntry
	crons     []cronEntry
	resyncs   []resyncEntry
	started   bool
}

// New builds an empty registry.
func New(deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	r := &Registry{
		bus:     deps.Bus,
		sender:  deps.Sender,
		logger:  logger.With("component", "registry"),
		tracer:  tracer,
		metrics: deps.Metrics,
		cfg:     deps.Plugins,
	}
	r.bus.On(bus.TopicResynchronize, r.handleResynchronize)
	return r
}

// Sender returns the broker message surface for plugins.
func (r *Registry) Sender() Sender { return r.sender }

// Bus returns the shared event bus.
func (r *Registry) Bus() *bus.Bus { return r.bus }

// Add registers a plugin. Disabled plugins register their message types but
// are never scheduled.
func (r *Registry) Add(p Plugin) error {
	if r.disabled(p.Name()) {
		r.logger.Info("plugin disabled by configuration", "plugin", p.Name())
		return nil
	}
	if err := p.Register(r); err != nil {
		return fmt.Errorf("register plugin %s: %w", p.Name(), err)
	}
	r.mu.Lock()
	r.plugins = append(r.plugins, p)
	r.mu.Unlock()
	r.logger.Debug("plugin registered", "plugin", p.Name())
	return nil
}

func (r *Registry) disabled(name string) bool {
	for _, d := range r.cfg.Disabled {
		if d == name {
			return true
		}
	}
	return false
}

// AddPeriodic schedules fn every interval, starting with an immediate run.
// A configured per-plugin interval overrides the plugin's default.
func (r *Registry) AddPeriodic(name string, interval time.Duration, fn func(ctx context.Context) error) {
	if override, ok := r.cfg.Intervals[name]; ok && override > 0 {
		interval = override
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.periodics = append(r.periodics, periodicEntry{name: name, interval: interval, run: fn})
}

// AddCron schedules fn on a cron expression. A configured per-plugin
// schedule overrides the plugin's default.
func (r *Registry) AddCron(name, spec string, fn func(ctx context.Context) error) {
	if override, ok := r.cfg.CronSchedules[name]; ok && override != "" {
		spec = override
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crons = append(r.crons, cronEntry{name: name, spec: spec, run: fn})
}

// HandleMessage routes inbound server messages of the given type to fn.
func (r *Registry) HandleMessage(name, mtype string, fn MessageHandler) {
	r.bus.On(bus.TopicMessage+"."+mtype, func(ctx context.Context, ev bus.Event) error {
		me, ok := ev.Payload.(bus.MessageEvent)
		if !ok {
			return fmt.Errorf("unexpected payload %T on %s", ev.Payload, ev.Topic)
		}
		return r.invoke(ctx, name, func(ctx context.Context) error {
			return fn(ctx, me.Message)
		})
	})
}

// OnResynchronize registers a reset hook for the given scope. The hook runs
// when a resynchronize directive names the scope or names no scope at all.
func (r *Registry) OnResynchronize(name, scope string, fn ResyncHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resyncs = append(r.resyncs, resyncEntry{name: name, scope: scope, fn: fn})
}

func (r *Registry) handleResynchronize(ctx context.Context, ev bus.Event) error {
	rev, ok := ev.Payload.(bus.ResynchronizeEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", ev.Payload, ev.Topic)
	}
	r.mu.Lock()
	entries := append([]resyncEntry(nil), r.resyncs...)
	r.mu.Unlock()

	for _, entry := range entries {
		if !rev.Matches(entry.scope) {
			continue
		}
		if err := r.invoke(ctx, entry.name, func(ctx context.Context) error {
			return entry.fn(ctx, rev)
		}); err != nil {
			r.logger.Error("resynchronize hook failed",
				"plugin", entry.name, "scope", entry.scope, "error", err)
		}
	}
	return nil
}

// Run drives every schedule until the context is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("registry already running")
	}
	r.started = true
	periodics := append([]periodicEntry(nil), r.periodics...)
	crons := append([]cronEntry(nil), r.crons...)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range periodics {
		wg.Add(1)
		go func(entry periodicEntry) {
			defer wg.Done()
			r.runPeriodic(ctx, entry)
		}(entry)
	}

	var c *cron.Cron
	if len(crons) > 0 {
		c = cron.New()
		for _, entry := range crons {
			entry := entry
			if _, err := c.AddFunc(entry.spec, func() {
				_ = r.invoke(ctx, entry.name, entry.run)
			}); err != nil {
				r.logger.Error("invalid cron schedule, plugin not scheduled",
					"plugin", entry.name, "spec", entry.spec, "error", err)
			}
		}
		c.Start()
	}

	<-ctx.Done()
	if c != nil {
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Registry) runPeriodic(ctx context.Context, entry periodicEntry) {
	// First run happens right away so a fresh agent reports promptly.
	_ = r.invoke(ctx, entry.name, entry.run)

	ticker := time.NewTicker(entry.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.invoke(ctx, entry.name, entry.run)
		}
	}
}

// invoke runs one plugin callback with panic isolation and telemetry.
func (r *Registry) invoke(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otel.StartSpan(ctx, r.tracer, "plugin.run", otel.AttrPlugin.String(name))
	defer span.End()
	started := time.Now()

	defer func() {
		if r.metrics != nil {
			r.metrics.PluginRunDuration.Record(ctx, time.Since(started).Seconds())
		}
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin %s panicked: %v", name, rec)
			r.logger.Error("plugin panicked",
				"plugin", name, "panic", rec, "stack", string(debug.Stack()))
		}
		if err != nil && r.metrics != nil {
			r.metrics.PluginRunErrors.Add(ctx, 1)
		}
	}()

	if err := fn(ctx); err != nil {
		r.logger.Error("plugin run failed", "plugin", name, "error", err)
		return err
	}
	return nil
}
