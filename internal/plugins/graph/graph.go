// Package graph runs server-defined sampling scripts and reports their
// numeric output as time series data. Definitions are persisted, samples
// accumulate in memory between exchanges, and the whole batch is flushed into
// the payload right before each exchange goes out.
package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/outpost-sys/outpost/internal/bus"
	"github.com/outpost-sys/outpost/internal/msgstore"
	"github.com/outpost-sys/outpost/internal/proc"
	"github.com/outpost-sys/outpost/internal/registry"
	"github.com/outpost-sys/outpost/internal/snapshot"
)

const (
	scope       = "graph"
	messageType = "custom-graph"

	defaultCronSpec   = "@every 30s"
	sampleTimeLimit   = 30 * time.Second
	sampleOutputLimit = 4096
)

// Definition is one stored sampling script.
type Definition struct {
	ID          int64  `json:"id"`
	Interpreter string `json:"interpreter"`
	Code        string `json:"code"`
	Username    string `json:"username,omitempty"`
}

// Hash identifies the script contents, so the server can tell which version
// of a script produced a batch of samples.
func (d Definition) Hash() string {
	sum := sha256.Sum256([]byte(d.Interpreter + "\x00" + d.Code))
	return hex.EncodeToString(sum[:])
}

// accumulation is the unsent sample batch for one graph.
type accumulation struct {
	points    [][2]float64
	lastError string
}

// Plugin samples custom graphs.
type Plugin struct {
	sender    registry.Sender
	snapshots *snapshot.Store
	logger    *slog.Logger

	run func(ctx context.Context, spec proc.Spec) (*proc.Result, error)
	now func() time.Time

	mu  sync.Mutex
	acc map[int64]*accumulation
}

// New builds the graph plugin.
func New(snapshots *snapshot.Store, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{
		snapshots: snapshots,
		logger:    logger.With("plugin", "graph"),
		run:       proc.Run,
		now:       time.Now,
		acc:       make(map[int64]*accumulation),
	}
}

func (p *Plugin) Name() string { return "graph" }

// Register wires the plugin into the registry.
func (p *Plugin) Register(r *registry.Registry) error {
	p.sender = r.Sender()
	p.sender.RegisterType(messageType)
	r.HandleMessage(p.Name(), "custom-graph-add", p.handleAdd)
	r.HandleMessage(p.Name(), "custom-graph-remove", p.handleRemove)
	r.AddCron(p.Name(), defaultCronSpec, p.sample)
	r.OnResynchronize(p.Name(), scope, p.resynchronize)
	r.Bus().On(bus.TopicExchangeImpending, func(ctx context.Context, ev bus.Event) error {
		return p.flush(ctx)
	})
	return nil
}

func defKey(id int64) string { return fmt.Sprintf("graph-%d", id) }

func (p *Plugin) handleAdd(ctx context.Context, msg map[string]any) error {
	id, ok := msg["graph-id"].(float64)
	if !ok {
		return fmt.Errorf("custom-graph-add without graph-id")
	}
	def := Definition{
		ID:          int64(id),
		Interpreter: stringField(msg, "interpreter"),
		Code:        stringField(msg, "code"),
		Username:    stringField(msg, "username"),
	}
	if err := p.snapshots.SetJSON(ctx, scope, defKey(def.ID), def); err != nil {
		return err
	}
	// Samples from a previous version of the script do not carry over.
	p.mu.Lock()
	delete(p.acc, def.ID)
	p.mu.Unlock()
	p.logger.Info("custom graph added", "graph", def.ID)
	return nil
}

func (p *Plugin) handleRemove(ctx context.Context, msg map[string]any) error {
	id, ok := msg["graph-id"].(float64)
	if !ok {
		return fmt.Errorf("custom-graph-remove without graph-id")
	}
	if err := p.snapshots.Delete(ctx, scope, defKey(int64(id))); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.acc, int64(id))
	p.mu.Unlock()
	p.logger.Info("custom graph removed", "graph", int64(id))
	return nil
}

func (p *Plugin) resynchronize(ctx context.Context, ev bus.ResynchronizeEvent) error {
	p.logger.Info("dropping custom graph state for resynchronize")
	p.mu.Lock()
	p.acc = make(map[int64]*accumulation)
	p.mu.Unlock()
	return p.snapshots.DeleteScope(ctx, scope)
}

// sample runs every stored script once and records one data point each. A
// failing or non-numeric script records its error instead; the server sees it
// with the next flush.
func (p *Plugin) sample(ctx context.Context) error {
	defs, err := p.definitions(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		value, err := p.runScript(ctx, def)
		p.mu.Lock()
		a := p.acc[def.ID]
		if a == nil {
			a = &accumulation{}
			p.acc[def.ID] = a
		}
		if err != nil {
			a.lastError = err.Error()
		} else {
			a.points = append(a.points, [2]float64{float64(p.now().Unix()), value})
		}
		p.mu.Unlock()
	}
	return nil
}

func (p *Plugin) definitions(ctx context.Context) ([]Definition, error) {
	keys, err := p.snapshots.Keys(ctx, scope)
	if err != nil {
		return nil, err
	}
	var defs []Definition
	for _, key := range keys {
		if !strings.HasPrefix(key, "graph-") {
			continue
		}
		var def Definition
		ok, err := p.snapshots.GetJSON(ctx, scope, key, &def)
		if err != nil {
			return nil, err
		}
		if ok {
			defs = append(defs, def)
		}
	}
	return defs, nil
}

func (p *Plugin) runScript(ctx context.Context, def Definition) (float64, error) {
	result, err := p.run(ctx, proc.Spec{
		Interpreter: def.Interpreter,
		Code:        def.Code,
		Username:    def.Username,
		TimeLimit:   sampleTimeLimit,
		OutputLimit: sampleOutputLimit,
	})
	if err != nil {
		return 0, err
	}
	if result.ExitCode != 0 {
		return 0, fmt.Errorf("script exited with code %d", result.ExitCode)
	}
	text := strings.TrimSpace(string(result.Output))
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("script output %q is not a number", text)
	}
	return value, nil
}

// flush sends accumulated samples right before an exchange and resets the
// batch. Nothing is sent when no graph has produced anything.
func (p *Plugin) flush(ctx context.Context) error {
	p.mu.Lock()
	batch := p.acc
	p.acc = make(map[int64]*accumulation)
	p.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	data := make(map[string]any, len(batch))
	for id, a := range batch {
		def, err := p.definition(ctx, id)
		if err != nil {
			return err
		}
		entry := map[string]any{"values": a.points}
		if def != nil {
			entry["script-hash"] = def.Hash()
		}
		if a.lastError != "" {
			entry["error"] = a.lastError
		}
		data[strconv.FormatInt(id, 10)] = entry
	}

	msg := msgstore.Message{"type": messageType, "data": data}
	if _, err := p.sender.Send(ctx, msg, false); err != nil {
		// Put the batch back so the samples go with the next exchange.
		p.mu.Lock()
		for id, a := range batch {
			if _, ok := p.acc[id]; !ok {
				p.acc[id] = a
			}
		}
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Plugin) definition(ctx context.Context, id int64) (*Definition, error) {
	var def Definition
	ok, err := p.snapshots.GetJSON(ctx, scope, defKey(id), &def)
	if err != nil || !ok {
		return nil, err
	}
	return &def, nil
}

func stringField(msg map[string]any, key string) string {
	s, _ := msg[key].(string)
	return s
}
