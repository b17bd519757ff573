package sysinfo

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/outpost-sys/outpost/internal/bus"
	"github.com/outpost-sys/outpost/internal/msgstore"
	"github.com/outpost-sys/outpost/internal/persistence"
	"github.com/outpost-sys/outpost/internal/snapshot"
)

type fakeSender struct {
	mu       sync.Mutex
	messages []msgstore.Message
}

func (f *fakeSender) Send(ctx context.Context, msg msgstore.Message, urgent bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return int64(len(f.messages)), nil
}

func (f *fakeSender) RegisterType(name string) {}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeSender) last(t *testing.T) msgstore.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		t.Fatal("no message sent")
	}
	return f.messages[len(f.messages)-1]
}

const meminfoV1 = `MemTotal:        2048000 kB
MemFree:          512000 kB
SwapTotal:       1024000 kB
SwapFree:        1024000 kB
`

func newTestPlugin(t *testing.T) (*Plugin, *fakeSender) {
	t.Helper()
	dir := t.TempDir()
	db, err := persistence.Open(filepath.Join(dir, "outpost.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	p := New(snapshot.New(db), slog.Default())
	p.meminfoPath = filepath.Join(dir, "meminfo")
	p.uptimePath = filepath.Join(dir, "uptime")
	p.loadavgPath = filepath.Join(dir, "loadavg")
	p.hostname = func() (string, error) { return "box1", nil }
	writeFile(t, p.meminfoPath, meminfoV1)
	writeFile(t, p.uptimePath, "4000.12 7800.50\n")
	writeFile(t, p.loadavgPath, "0.42 0.30 0.25 1/123 4567\n")

	sender := &fakeSender{}
	p.sender = sender
	return p, sender
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFirstRunReportsInfo(t *testing.T) {
	p, sender := newTestPlugin(t)
	if err := p.run(context.Background()); err != nil {
		t.Fatal(err)
	}
	msg := sender.last(t)
	if msg["type"] != messageType {
		t.Fatalf("type = %v", msg["type"])
	}
	if msg["hostname"] != "box1" {
		t.Fatalf("hostname = %v", msg["hostname"])
	}
	if msg["total-memory"] != int64(2000) {
		t.Fatalf("total-memory = %v", msg["total-memory"])
	}
	if msg["total-swap"] != int64(1000) {
		t.Fatalf("total-swap = %v", msg["total-swap"])
	}
	if msg["uptime"] != 4000.12 {
		t.Fatalf("uptime = %v", msg["uptime"])
	}
	if msg["load-average"] != 0.42 {
		t.Fatalf("load-average = %v", msg["load-average"])
	}
}

func TestUptimeChangeAloneSendsNothing(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	// Uptime and load always move; neither should trigger a report.
	writeFile(t, p.uptimePath, "9999.99 12000.00\n")
	writeFile(t, p.loadavgPath, "1.50 1.10 0.90 2/130 5000\n")
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	if sender.count() != 1 {
		t.Fatalf("sent %d messages for an uptime-only change", sender.count())
	}
}

func TestHostnameChangeTriggersReport(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	p.hostname = func() (string, error) { return "box2", nil }
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	if sender.count() != 2 {
		t.Fatalf("sent %d messages", sender.count())
	}
	if sender.last(t)["hostname"] != "box2" {
		t.Fatalf("hostname = %v", sender.last(t)["hostname"])
	}
}

func TestMemoryChangeTriggersReport(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	writeFile(t, p.meminfoPath, `MemTotal:        4096000 kB
SwapTotal:       1024000 kB
`)
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	if sender.count() != 2 {
		t.Fatalf("sent %d messages", sender.count())
	}
	if sender.last(t)["total-memory"] != int64(4000) {
		t.Fatalf("total-memory = %v", sender.last(t)["total-memory"])
	}
}

func TestResynchronizeForcesFullReport(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.resynchronize(ctx, bus.ResynchronizeEvent{Scopes: []string{"computer"}}); err != nil {
		t.Fatal(err)
	}
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	if sender.count() != 2 {
		t.Fatalf("sent %d messages after resynchronize", sender.count())
	}
}

func TestMissingProcFilesYieldZeros(t *testing.T) {
	p, sender := newTestPlugin(t)
	p.meminfoPath = "/no/such/meminfo"
	p.uptimePath = "/no/such/uptime"
	p.loadavgPath = "/no/such/loadavg"
	if err := p.run(context.Background()); err != nil {
		t.Fatal(err)
	}
	msg := sender.last(t)
	if msg["total-memory"] != int64(0) || msg["total-swap"] != int64(0) {
		t.Fatalf("memory totals = %v/%v", msg["total-memory"], msg["total-swap"])
	}
}
