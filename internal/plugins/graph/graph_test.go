package graph

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
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
	fail     bool
}

func (f *fakeSender) Send(ctx context.Context, msg msgstore.Message, urgent bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, context.DeadlineExceeded
	}
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

func newTestPlugin(t *testing.T) (*Plugin, *fakeSender) {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "outpost.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	p := New(snapshot.New(db), slog.Default())
	sender := &fakeSender{}
	p.sender = sender
	return p, sender
}

func addGraph(t *testing.T, p *Plugin, id int64, code string) {
	t.Helper()
	err := p.handleAdd(context.Background(), map[string]any{
		"type":        "custom-graph-add",
		"graph-id":    float64(id),
		"interpreter": "/bin/sh",
		"code":        code,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSampleAndFlush(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	addGraph(t, p, 7, "echo 42.5")

	if err := p.sample(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.sample(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.flush(ctx); err != nil {
		t.Fatal(err)
	}

	msg := sender.last(t)
	if msg["type"] != messageType {
		t.Fatalf("type = %v", msg["type"])
	}
	data := msg["data"].(map[string]any)
	entry := data["7"].(map[string]any)
	points := entry["values"].([][2]float64)
	if len(points) != 2 {
		t.Fatalf("points = %v", points)
	}
	if points[0][1] != 42.5 {
		t.Fatalf("value = %v", points[0][1])
	}
	if h, _ := entry["script-hash"].(string); h == "" {
		t.Fatal("no script hash")
	}
	if _, ok := entry["error"]; ok {
		t.Fatalf("unexpected error: %v", entry["error"])
	}

	// The batch was consumed; an exchange with nothing new sends nothing.
	if err := p.flush(ctx); err != nil {
		t.Fatal(err)
	}
	if sender.count() != 1 {
		t.Fatal("empty batch was flushed")
	}
}

func TestFailingScriptReportsError(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	addGraph(t, p, 1, "echo not-a-number")

	if err := p.sample(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.flush(ctx); err != nil {
		t.Fatal(err)
	}

	data := sender.last(t)["data"].(map[string]any)
	entry := data["1"].(map[string]any)
	if len(entry["values"].([][2]float64)) != 0 {
		t.Fatalf("values = %v", entry["values"])
	}
	if !strings.Contains(entry["error"].(string), "not a number") {
		t.Fatalf("error = %v", entry["error"])
	}
}

func TestNonZeroExitReportsError(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	addGraph(t, p, 2, "exit 9")

	if err := p.sample(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.flush(ctx); err != nil {
		t.Fatal(err)
	}
	data := sender.last(t)["data"].(map[string]any)
	entry := data["2"].(map[string]any)
	if !strings.Contains(entry["error"].(string), "code 9") {
		t.Fatalf("error = %v", entry["error"])
	}
}

func TestRemoveStopsSampling(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	addGraph(t, p, 3, "echo 1")
	if err := p.sample(ctx); err != nil {
		t.Fatal(err)
	}

	err := p.handleRemove(ctx, map[string]any{"graph-id": float64(3)})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.sample(ctx); err != nil {
		t.Fatal(err)
	}
	// The pending batch went with the definition.
	if err := p.flush(ctx); err != nil {
		t.Fatal(err)
	}
	if sender.count() != 0 {
		t.Fatalf("messages = %d", sender.count())
	}
}

func TestUpdatedScriptDropsOldSamples(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	addGraph(t, p, 4, "echo 1")
	if err := p.sample(ctx); err != nil {
		t.Fatal(err)
	}
	addGraph(t, p, 4, "echo 2")
	if err := p.sample(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.flush(ctx); err != nil {
		t.Fatal(err)
	}

	data := sender.last(t)["data"].(map[string]any)
	points := data["4"].(map[string]any)["values"].([][2]float64)
	if len(points) != 1 || points[0][1] != 2 {
		t.Fatalf("points = %v", points)
	}
}

func TestResynchronizeDropsEverything(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	addGraph(t, p, 5, "echo 1")
	if err := p.sample(ctx); err != nil {
		t.Fatal(err)
	}

	if err := p.resynchronize(ctx, bus.ResynchronizeEvent{Scopes: []string{"graph"}}); err != nil {
		t.Fatal(err)
	}

	if err := p.sample(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.flush(ctx); err != nil {
		t.Fatal(err)
	}
	if sender.count() != 0 {
		t.Fatal("dropped definition still produced data")
	}
}

func TestFailedFlushKeepsBatch(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	addGraph(t, p, 6, "echo 3")
	if err := p.sample(ctx); err != nil {
		t.Fatal(err)
	}

	sender.fail = true
	if err := p.flush(ctx); err == nil {
		t.Fatal("flush succeeded against a failing sender")
	}

	sender.fail = false
	if err := p.flush(ctx); err != nil {
		t.Fatal(err)
	}
	data := sender.last(t)["data"].(map[string]any)
	points := data["6"].(map[string]any)["values"].([][2]float64)
	if len(points) != 1 || points[0][1] != 3 {
		t.Fatalf("points = %v", points)
	}
}
