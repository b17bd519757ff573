// Package pkgreporter keeps the server's view of installed packages in sync
// with the local dpkg status database. Packages travel by hash first: unknown
// hashes are asked about with a hash-id request, the server answers with ids
// (nil for hashes it has never seen), and only those get a full-data
// follow-up. Installed-set changes are then reported as compact id deltas.
package pkgreporter

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/outpost-sys/outpost/internal/bus"
	"github.com/outpost-sys/outpost/internal/config"
	"github.com/outpost-sys/outpost/internal/hashid"
	"github.com/outpost-sys/outpost/internal/msgstore"
	"github.com/outpost-sys/outpost/internal/registry"
	"github.com/outpost-sys/outpost/internal/snapshot"
	"github.com/outpost-sys/outpost/internal/taskqueue"
)

const (
	scope       = "package"
	baselineKey = "installed-ids"
	queueName   = "reporter"

	typeUnknownHashes = "unknown-package-hashes"
	typeAddPackages   = "add-packages"
	typePackages      = "packages"

	defaultInterval       = 30 * time.Minute
	defaultRequestTimeout = time.Hour
)

// Package is one installed package as read from the status database.
type Package struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Architecture string `json:"architecture,omitempty"`
}

// Hash identifies the package contents across computers sharing a server.
func (p Package) Hash() string {
	sum := sha256.Sum256([]byte(p.Name + "\x00" + p.Version + "\x00" + p.Architecture))
	return hex.EncodeToString(sum[:])
}

// idsTask is the queued form of a package-ids server message.
type idsTask struct {
	RequestID int64    `json:"request-id"`
	IDs       []*int64 `json:"ids"`
}

// pendingChecker is implemented by senders that can tell whether a queued
// message has been delivered yet. The broker implements it; the registry's
// Sender interface does not require it.
type pendingChecker interface {
	IsPending(ctx context.Context, id int64) (bool, error)
}

// Plugin reports installed packages.
type Plugin struct {
	sender    registry.Sender
	hashids   *hashid.Store
	tasks     *taskqueue.Store
	snapshots *snapshot.Store
	logger    *slog.Logger

	statusPath     string
	interval       time.Duration
	requestTimeout time.Duration
	now            func() time.Time
}

// New builds the package reporter plugin.
func New(hashids *hashid.Store, tasks *taskqueue.Store, snapshots *snapshot.Store, cfg config.HashIDConfig, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Plugin{
		hashids:        hashids,
		tasks:          tasks,
		snapshots:      snapshots,
		logger:         logger.With("plugin", "pkgreporter"),
		statusPath:     "/var/lib/dpkg/status",
		interval:       defaultInterval,
		requestTimeout: timeout,
		now:            time.Now,
	}
}

func (p *Plugin) Name() string { return "pkgreporter" }

// Register wires the plugin into the registry.
func (p *Plugin) Register(r *registry.Registry) error {
	p.sender = r.Sender()
	p.sender.RegisterType(typeUnknownHashes)
	p.sender.RegisterType(typeAddPackages)
	p.sender.RegisterType(typePackages)

	r.AddPeriodic(p.Name(), p.interval, p.run)
	r.HandleMessage(p.Name(), "package-ids", p.handlePackageIDs)
	r.OnResynchronize(p.Name(), scope, p.resynchronize)
	r.Bus().On(bus.TopicServerUUIDChanged, func(ctx context.Context, ev bus.Event) error {
		return p.handleServerUUIDChanged(ctx)
	})
	return nil
}

// handlePackageIDs queues the server's answer for the next run. The queue is
// durable, so an answer that arrives right before a crash is not lost.
func (p *Plugin) handlePackageIDs(ctx context.Context, msg map[string]any) error {
	task := idsTask{}
	if reqID, ok := msg["request-id"].(float64); ok {
		task.RequestID = int64(reqID)
	}
	raw, ok := msg["ids"].([]any)
	if !ok {
		return fmt.Errorf("package-ids message without ids array")
	}
	for _, v := range raw {
		switch id := v.(type) {
		case nil:
			task.IDs = append(task.IDs, nil)
		case float64:
			n := int64(id)
			task.IDs = append(task.IDs, &n)
		default:
			return fmt.Errorf("package-ids entry has type %T", v)
		}
	}
	_, err := p.tasks.Add(ctx, queueName, task)
	return err
}

// resynchronize drops everything derived from previous exchanges. Hash to id
// mappings survive; only the reported state and in-flight requests go.
func (p *Plugin) resynchronize(ctx context.Context, ev bus.ResynchronizeEvent) error {
	p.logger.Info("dropping package report state for resynchronize")
	if err := p.hashids.ClearRequests(ctx); err != nil {
		return err
	}
	if err := p.tasks.Clear(ctx); err != nil {
		return err
	}
	return p.snapshots.DeleteScope(ctx, scope)
}

// handleServerUUIDChanged wipes the hash to id mappings too. Ids are
// allocated by one server; a different server knows nothing about them.
func (p *Plugin) handleServerUUIDChanged(ctx context.Context) error {
	p.logger.Info("server identity changed, dropping package hash-id state")
	if err := p.hashids.ClearHashIDs(ctx); err != nil {
		return err
	}
	return p.resynchronize(ctx, bus.ResynchronizeEvent{})
}

func (p *Plugin) run(ctx context.Context) error {
	if err := p.expireRequests(ctx); err != nil {
		return err
	}
	if err := p.drainIDTasks(ctx); err != nil {
		return err
	}
	return p.report(ctx)
}

// expireRequests sweeps requests that never got an answer. A request whose
// carrying message is still pending just gets its clock reset; one whose
// message was delivered long ago is presumed lost and retried from scratch.
func (p *Plugin) expireRequests(ctx context.Context) error {
	requests, err := p.hashids.Requests(ctx)
	if err != nil {
		return err
	}
	checker, canCheck := p.sender.(pendingChecker)
	for _, req := range requests {
		if p.now().Sub(req.CreatedAt) < p.requestTimeout {
			continue
		}
		if !req.HasMsgID {
			// Never made it into the message store; drop it so the
			// hashes become askable again.
			if err := p.hashids.RemoveRequest(ctx, req.ID); err != nil {
				return err
			}
			continue
		}
		pending := false
		if canCheck {
			pending, err = checker.IsPending(ctx, req.MessageID)
			if err != nil {
				return err
			}
		}
		if pending {
			if err := p.hashids.TouchRequest(ctx, req.ID); err != nil {
				return err
			}
			continue
		}
		p.logger.Warn("hash-id request timed out without an answer", "request", req.ID)
		if err := p.hashids.RemoveRequest(ctx, req.ID); err != nil {
			return err
		}
	}
	return nil
}

// drainIDTasks applies queued package-ids answers. Hashes the server could
// not resolve get a full-data add-packages follow-up under a fresh request.
func (p *Plugin) drainIDTasks(ctx context.Context) error {
	for {
		task, err := p.tasks.Next(ctx, queueName)
		if err != nil {
			return err
		}
		if task == nil {
			return nil
		}
		var ids idsTask
		if err := task.Decode(&ids); err != nil {
			p.logger.Warn("dropping undecodable package-ids task", "task", task.ID, "error", err)
			if err := p.tasks.Remove(ctx, task.ID); err != nil {
				return err
			}
			continue
		}

		unknown, err := p.hashids.ApplyIDs(ctx, ids.RequestID, ids.IDs)
		if err != nil {
			var unknownReq *hashid.UnknownHashIDRequestError
			if !errors.As(err, &unknownReq) {
				return err
			}
			// Answer for a request we already expired. Nothing to apply.
			p.logger.Warn("package-ids answer for unknown request", "request", ids.RequestID)
		} else if len(unknown) > 0 {
			if err := p.sendAddPackages(ctx, unknown); err != nil {
				return err
			}
		}
		if err := p.tasks.Remove(ctx, task.ID); err != nil {
			return err
		}
	}
}

func (p *Plugin) sendAddPackages(ctx context.Context, hashes []string) error {
	byHash := make(map[string]Package)
	for _, pkg := range p.readInstalled() {
		byHash[pkg.Hash()] = pkg
	}
	var packages []map[string]any
	for _, h := range hashes {
		pkg, ok := byHash[h]
		if !ok {
			// Uninstalled between the request and the answer.
			continue
		}
		packages = append(packages, map[string]any{
			"name":         pkg.Name,
			"version":      pkg.Version,
			"architecture": pkg.Architecture,
			"hash":         pkg.Hash(),
		})
	}
	if len(packages) == 0 {
		return nil
	}

	req, err := p.hashids.AddRequest(ctx, hashes)
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}
	msg := msgstore.Message{
		"type":       typeAddPackages,
		"packages":   packages,
		"request-id": req.ID,
	}
	msgID, err := p.sender.Send(ctx, msg, false)
	if err != nil {
		return err
	}
	return p.hashids.SetRequestMessageID(ctx, req.ID, msgID)
}

// report asks about unknown hashes and sends the installed-set delta for the
// hashes whose ids are already known.
func (p *Plugin) report(ctx context.Context) error {
	installed := p.readInstalled()

	hashes := make([]string, 0, len(installed))
	for _, pkg := range installed {
		hashes = append(hashes, pkg.Hash())
	}
	sort.Strings(hashes)

	ids, known, err := p.hashids.HashIDs(ctx, hashes)
	if err != nil {
		return err
	}
	var unknown []string
	currentIDs := make(map[int64]struct{})
	for i, h := range hashes {
		if known[i] {
			currentIDs[ids[i]] = struct{}{}
		} else {
			unknown = append(unknown, h)
		}
	}

	if err := p.askAbout(ctx, unknown); err != nil {
		return err
	}
	return p.reportDelta(ctx, currentIDs)
}

// askAbout sends unknown-package-hashes requests, batched by the store's
// per-request cap. The store filters hashes already asked about.
func (p *Plugin) askAbout(ctx context.Context, unknown []string) error {
	// Each AddRequest takes another capped slice of the not-yet-in-flight
	// hashes, so passing the full list again makes progress until it
	// returns nil.
	for len(unknown) > 0 {
		req, err := p.hashids.AddRequest(ctx, unknown)
		if err != nil {
			return err
		}
		if req == nil {
			return nil
		}
		msg := msgstore.Message{
			"type":       typeUnknownHashes,
			"hashes":     req.Hashes,
			"request-id": req.ID,
		}
		msgID, err := p.sender.Send(ctx, msg, false)
		if err != nil {
			return err
		}
		if err := p.hashids.SetRequestMessageID(ctx, req.ID, msgID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plugin) reportDelta(ctx context.Context, currentIDs map[int64]struct{}) error {
	var prev []int64
	had, err := p.snapshots.GetJSON(ctx, scope, baselineKey, &prev)
	if err != nil {
		return err
	}
	prevSet := make(map[int64]struct{}, len(prev))
	if had {
		for _, id := range prev {
			prevSet[id] = struct{}{}
		}
	}

	var added, removed []int64
	for id := range currentIDs {
		if _, ok := prevSet[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range prevSet {
		if _, ok := currentIDs[id]; !ok {
			removed = append(removed, id)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	sortInt64s(added)
	sortInt64s(removed)

	msg := msgstore.Message{"type": typePackages}
	if len(added) > 0 {
		msg["installed"] = added
	}
	if len(removed) > 0 {
		msg["not-installed"] = removed
	}
	if _, err := p.sender.Send(ctx, msg, false); err != nil {
		return err
	}

	all := make([]int64, 0, len(currentIDs))
	for id := range currentIDs {
		all = append(all, id)
	}
	sortInt64s(all)
	return p.snapshots.SetJSON(ctx, scope, baselineKey, all)
}

func sortInt64s(s []int64) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}

// readInstalled parses the dpkg status database. Only stanzas whose Status
// field ends in "installed" count. A missing file yields no packages.
func (p *Plugin) readInstalled() []Package {
	f, err := os.Open(p.statusPath)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("cannot read package status database", "file", p.statusPath, "error", err)
		}
		return nil
	}
	defer f.Close()

	var packages []Package
	var cur Package
	installed := false
	flush := func() {
		if installed && cur.Name != "" && cur.Version != "" {
			packages = append(packages, cur)
		}
		cur = Package{}
		installed = false
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		// Continuation lines and unknown fields are irrelevant here.
		field, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch field {
		case "Package":
			cur.Name = value
		case "Version":
			cur.Version = value
		case "Architecture":
			cur.Architecture = value
		case "Status":
			installed = strings.HasSuffix(value, " installed")
		}
	}
	flush()
	return packages
}
