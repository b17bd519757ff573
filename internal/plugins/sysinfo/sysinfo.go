// Package sysinfo reports basic computer facts: hostname, memory and swap
// totals, uptime and load average. The message is only sent when something
// other than uptime actually changed, so the steady state is silent.
package sysinfo

import (
	"context"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/outpost-sys/outpost/internal/bus"
	"github.com/outpost-sys/outpost/internal/msgstore"
	"github.com/outpost-sys/outpost/internal/registry"
	"github.com/outpost-sys/outpost/internal/snapshot"
)

const (
	messageType = "computer-info"
	scope       = "computer"
	baselineKey = "computer-info"

	defaultInterval = time.Hour
)

// Info is the collected computer state.
type Info struct {
	Hostname    string  `json:"hostname"`
	TotalMemory int64   `json:"total-memory"` // MB
	TotalSwap   int64   `json:"total-swap"`   // MB
	Uptime      float64 `json:"-"`            // seconds, never part of the diff
	LoadAverage float64 `json:"-"`
}

// Plugin collects computer info from /proc.
type Plugin struct {
	sender    registry.Sender
	snapshots *snapshot.Store
	logger    *slog.Logger

	meminfoPath string
	uptimePath  string
	loadavgPath string
	hostname    func() (string, error)
	interval    time.Duration
}

// New builds the sysinfo plugin.
func New(snapshots *snapshot.Store, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{
		snapshots:   snapshots,
		logger:      logger.With("plugin", "sysinfo"),
		meminfoPath: "/proc/meminfo",
		uptimePath:  "/proc/uptime",
		loadavgPath: "/proc/loadavg",
		hostname:    os.Hostname,
		interval:    defaultInterval,
	}
}

func (p *Plugin) Name() string { return "sysinfo" }

// Register wires the plugin into the registry.
func (p *Plugin) Register(r *registry.Registry) error {
	p.sender = r.Sender()
	p.sender.RegisterType(messageType)
	r.AddPeriodic(p.Name(), p.interval, p.run)
	r.OnResynchronize(p.Name(), scope, p.resynchronize)
	return nil
}

func (p *Plugin) resynchronize(ctx context.Context, ev bus.ResynchronizeEvent) error {
	p.logger.Info("dropping computer-info baseline for resynchronize")
	return p.snapshots.Delete(ctx, scope, baselineKey)
}

func (p *Plugin) run(ctx context.Context) error {
	info := p.collect()

	var prev Info
	had, err := p.snapshots.GetJSON(ctx, scope, baselineKey, &prev)
	if err != nil {
		return err
	}
	// The stored baseline never carries uptime or load (json:"-"), so they
	// must be zeroed on the live side too or every run looks changed.
	diffable := info
	diffable.Uptime = 0
	diffable.LoadAverage = 0
	if had && reflect.DeepEqual(prev, diffable) {
		return nil
	}

	msg := msgstore.Message{
		"type":         messageType,
		"hostname":     info.Hostname,
		"total-memory": info.TotalMemory,
		"total-swap":   info.TotalSwap,
		"uptime":       info.Uptime,
		"load-average": info.LoadAverage,
	}
	if _, err := p.sender.Send(ctx, msg, false); err != nil {
		return err
	}
	return p.snapshots.SetJSON(ctx, scope, baselineKey, info)
}

func (p *Plugin) collect() Info {
	var info Info
	if name, err := p.hostname(); err == nil {
		info.Hostname = name
	}
	info.TotalMemory, info.TotalSwap = p.readMeminfo()
	info.Uptime = p.readUptime()
	info.LoadAverage = p.readLoadAverage()
	return info
}

// readMeminfo returns total memory and swap in megabytes. Missing or
// malformed files yield zeros.
func (p *Plugin) readMeminfo() (memory, swap int64) {
	raw, err := os.ReadFile(p.meminfoPath)
	if err != nil {
		return 0, 0
	}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			memory = kb / 1024
		case "SwapTotal:":
			swap = kb / 1024
		}
	}
	return memory, swap
}

func (p *Plugin) readUptime() float64 {
	raw, err := os.ReadFile(p.uptimePath)
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0
	}
	uptime, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return uptime
}

func (p *Plugin) readLoadAverage() float64 {
	raw, err := os.ReadFile(p.loadavgPath)
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return load
}
