package pkgreporter

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/outpost-sys/outpost/internal/bus"
	"github.com/outpost-sys/outpost/internal/config"
	"github.com/outpost-sys/outpost/internal/hashid"
	"github.com/outpost-sys/outpost/internal/msgstore"
	"github.com/outpost-sys/outpost/internal/persistence"
	"github.com/outpost-sys/outpost/internal/snapshot"
	"github.com/outpost-sys/outpost/internal/taskqueue"
)

type fakeSender struct {
	mu       sync.Mutex
	messages []msgstore.Message
	nextID   int64
	pending  map[int64]bool
}

func (f *fakeSender) Send(ctx context.Context, msg msgstore.Message, urgent bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeSender) RegisterType(name string) {}

func (f *fakeSender) IsPending(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[id], nil
}

func (f *fakeSender) byType(mtype string) []msgstore.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []msgstore.Message
	for _, m := range f.messages {
		if m["type"] == mtype {
			out = append(out, m)
		}
	}
	return out
}

const statusV1 = `Package: bash
Status: install ok installed
Version: 5.2-1
Architecture: amd64

Package: vim
Status: install ok installed
Version: 9.0-2
Architecture: amd64

Package: removed-pkg
Status: deinstall ok config-files
Version: 1.0
Architecture: amd64
`

func newTestPlugin(t *testing.T) (*Plugin, *fakeSender) {
	t.Helper()
	dir := t.TempDir()
	db, err := persistence.Open(filepath.Join(dir, "outpost.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	p := New(
		hashid.New(db, slog.Default(), hashid.Config{}),
		taskqueue.New(db, slog.Default()),
		snapshot.New(db),
		config.HashIDConfig{RequestTimeout: time.Hour},
		slog.Default(),
	)
	p.statusPath = filepath.Join(dir, "status")
	writeStatus(t, p, statusV1)

	sender := &fakeSender{pending: make(map[int64]bool)}
	p.sender = sender
	return p, sender
}

func writeStatus(t *testing.T, p *Plugin, content string) {
	t.Helper()
	if err := os.WriteFile(p.statusPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// answer feeds a package-ids server message back through the handler, the
// way the exchanger would after the server responds.
func answer(t *testing.T, p *Plugin, requestID int64, ids []any) {
	t.Helper()
	msg := map[string]any{
		"type":       "package-ids",
		"request-id": float64(requestID),
		"ids":        ids,
	}
	if err := p.handlePackageIDs(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
}

func TestStatusParser(t *testing.T) {
	p, _ := newTestPlugin(t)
	installed := p.readInstalled()
	if len(installed) != 2 {
		t.Fatalf("installed = %+v", installed)
	}
	names := map[string]bool{}
	for _, pkg := range installed {
		names[pkg.Name] = true
	}
	if !names["bash"] || !names["vim"] {
		t.Fatalf("names = %v", names)
	}
	if names["removed-pkg"] {
		t.Fatal("deinstalled package counted as installed")
	}
}

func TestHashIsStablePerContents(t *testing.T) {
	a := Package{Name: "bash", Version: "5.2-1", Architecture: "amd64"}
	b := Package{Name: "bash", Version: "5.2-1", Architecture: "amd64"}
	c := Package{Name: "bash", Version: "5.2-2", Architecture: "amd64"}
	if a.Hash() != b.Hash() {
		t.Fatal("identical packages hash differently")
	}
	if a.Hash() == c.Hash() {
		t.Fatal("version change did not change the hash")
	}
}

func TestFirstRunAsksAboutAllHashes(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}

	asks := sender.byType(typeUnknownHashes)
	if len(asks) != 1 {
		t.Fatalf("unknown-package-hashes messages = %d", len(asks))
	}
	hashes := asks[0]["hashes"].([]string)
	if len(hashes) != 2 {
		t.Fatalf("hashes = %v", hashes)
	}
	if len(sender.byType(typePackages)) != 0 {
		t.Fatal("reported ids before the server resolved any")
	}

	// The request is recorded and bound to the queued message.
	reqs, err := p.hashids.Requests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || !reqs[0].HasMsgID {
		t.Fatalf("requests = %+v", reqs)
	}

	// A second run must not re-ask while the request is in flight.
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	if len(sender.byType(typeUnknownHashes)) != 1 {
		t.Fatal("re-asked about in-flight hashes")
	}
}

func TestResolvedIDsAreReportedAsDelta(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	reqs, _ := p.hashids.Requests(ctx)

	// The server knows both hashes.
	answer(t, p, reqs[0].ID, []any{float64(101), float64(102)})
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}

	reports := sender.byType(typePackages)
	if len(reports) != 1 {
		t.Fatalf("packages messages = %d", len(reports))
	}
	installed := reports[0]["installed"].([]int64)
	if len(installed) != 2 || installed[0] != 101 || installed[1] != 102 {
		t.Fatalf("installed = %v", installed)
	}
	if _, ok := reports[0]["not-installed"]; ok {
		t.Fatal("nothing was removed yet")
	}

	// Steady state stays silent.
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	if len(sender.byType(typePackages)) != 1 {
		t.Fatal("unchanged installed set reported again")
	}
}

func TestUnknownHashGetsFullDataFollowUp(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	reqs, _ := p.hashids.Requests(ctx)
	askedHashes := reqs[0].Hashes

	// The server resolves the first hash and has never seen the second.
	answer(t, p, reqs[0].ID, []any{float64(101), nil})
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}

	adds := sender.byType(typeAddPackages)
	if len(adds) != 1 {
		t.Fatalf("add-packages messages = %d", len(adds))
	}
	packages := adds[0]["packages"].([]map[string]any)
	if len(packages) != 1 {
		t.Fatalf("packages = %+v", packages)
	}
	if packages[0]["hash"] != askedHashes[1] {
		t.Fatalf("follow-up for hash %v, want %v", packages[0]["hash"], askedHashes[1])
	}

	// The follow-up carries a fresh request; answering it completes the set.
	reqs, _ = p.hashids.Requests(ctx)
	if len(reqs) != 1 {
		t.Fatalf("requests = %+v", reqs)
	}
	answer(t, p, reqs[0].ID, []any{float64(102)})
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	reports := sender.byType(typePackages)
	last := reports[len(reports)-1]
	ids := last["installed"].([]int64)
	if ids[len(ids)-1] != 102 {
		t.Fatalf("installed = %v", ids)
	}
}

func TestRemovalReportedAsNotInstalled(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	reqs, _ := p.hashids.Requests(ctx)
	answer(t, p, reqs[0].ID, []any{float64(101), float64(102)})
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}

	// vim goes away.
	writeStatus(t, p, `Package: bash
Status: install ok installed
Version: 5.2-1
Architecture: amd64
`)
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}

	reports := sender.byType(typePackages)
	last := reports[len(reports)-1]
	removed := last["not-installed"].([]int64)
	if len(removed) != 1 {
		t.Fatalf("not-installed = %v", removed)
	}
	if _, ok := last["installed"]; ok {
		t.Fatalf("nothing new was installed: %v", last)
	}
}

func TestRequestExpiry(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	reqs, _ := p.hashids.Requests(ctx)
	if len(reqs) != 1 {
		t.Fatalf("requests = %+v", reqs)
	}

	// While the carrying message is still pending, an old request is only
	// touched, not dropped.
	sender.pending[reqs[0].MessageID] = true
	p.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if err := p.expireRequests(ctx); err != nil {
		t.Fatal(err)
	}
	reqs, _ = p.hashids.Requests(ctx)
	if len(reqs) != 1 {
		t.Fatal("pending request was dropped")
	}

	// Touch reset the clock, so it survives the next sweep too.
	if err := p.expireRequests(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := p.hashids.Requests(ctx); len(got) != 1 {
		t.Fatal("touched request was dropped")
	}

	// Once delivered, an aged request with no answer is abandoned.
	sender.pending[reqs[0].MessageID] = false
	p.now = func() time.Time { return time.Now().Add(4 * time.Hour) }
	if err := p.expireRequests(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := p.hashids.Requests(ctx); len(got) != 0 {
		t.Fatalf("requests = %+v", got)
	}
}

func TestResynchronizeDropsReportState(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	reqs, _ := p.hashids.Requests(ctx)
	answer(t, p, reqs[0].ID, []any{float64(101), float64(102)})
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}

	if err := p.resynchronize(ctx, bus.ResynchronizeEvent{Scopes: []string{"package"}}); err != nil {
		t.Fatal(err)
	}

	// Hash ids survive; the installed set is re-reported in full.
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	reports := sender.byType(typePackages)
	last := reports[len(reports)-1]
	if ids := last["installed"].([]int64); len(ids) != 2 {
		t.Fatalf("post-resynchronize installed = %v", ids)
	}
	if asks := sender.byType(typeUnknownHashes); len(asks) != 1 {
		t.Fatal("known hashes were re-asked after resynchronize")
	}
}

func TestServerUUIDChangeDropsHashIDs(t *testing.T) {
	p, sender := newTestPlugin(t)
	ctx := context.Background()
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	reqs, _ := p.hashids.Requests(ctx)
	answer(t, p, reqs[0].ID, []any{float64(101), float64(102)})
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}

	if err := p.handleServerUUIDChanged(ctx); err != nil {
		t.Fatal(err)
	}

	// A new server knows none of our hashes; everything is asked again.
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	asks := sender.byType(typeUnknownHashes)
	if len(asks) != 2 {
		t.Fatalf("unknown-package-hashes messages = %d", len(asks))
	}
}

func TestAnswerForExpiredRequestIsDiscarded(t *testing.T) {
	p, _ := newTestPlugin(t)
	ctx := context.Background()
	answer(t, p, 999, []any{float64(1)})
	if err := p.run(ctx); err != nil {
		t.Fatal(err)
	}
	// The stale task is consumed, not retried forever.
	if n, _ := p.tasks.Count(ctx, queueName); n != 0 {
		t.Fatalf("queued tasks = %d", n)
	}
}
