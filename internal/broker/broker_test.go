package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/outpost-sys/outpost/internal/bus"
	"github.com/outpost-sys/outpost/internal/config"
	"github.com/outpost-sys/outpost/internal/exchange"
	"github.com/outpost-sys/outpost/internal/msgstore"
	"github.com/outpost-sys/outpost/internal/persistence"
)

func newTestBroker(t *testing.T) (*Broker, *msgstore.Store) {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "outpost.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := msgstore.New(db, slog.Default(), msgstore.Config{})
	store.RegisterType("test")

	// The remote never answers in these tests; only the urgent flag and
	// store behavior matter.
	transport, err := exchange.NewTransport(config.ServerConfig{URL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	ex, err := exchange.New(exchange.Deps{
		Store:     store,
		Transport: transport,
		Bus:       b,
		Logger:    slog.Default(),
	}, config.ExchangeConfig{
		Interval:       time.Hour,
		UrgentInterval: time.Second,
		MaxMessages:    100,
	})
	if err != nil {
		t.Fatal(err)
	}
	return New(store, ex, b, slog.Default()), store
}

func TestSend_StampsAndQueues(t *testing.T) {
	br, store := newTestBroker(t)
	ctx := context.Background()
	if err := store.SetAcceptedTypes(ctx, []string{"test"}); err != nil {
		t.Fatal(err)
	}

	id, err := br.Send(ctx, msgstore.Message{"type": "test"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if br.IsUrgent() {
		t.Fatal("non-urgent send marked urgent")
	}

	pending, err := store.PendingMessages(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("pending = %+v", pending)
	}
	if _, ok := pending[0].Data["timestamp"].(float64); !ok {
		t.Fatalf("timestamp not injected: %v", pending[0].Data)
	}
}

func TestSend_PreservesProducerTimestamp(t *testing.T) {
	br, store := newTestBroker(t)
	ctx := context.Background()
	if err := store.SetAcceptedTypes(ctx, []string{"test"}); err != nil {
		t.Fatal(err)
	}
	if _, err := br.Send(ctx, msgstore.Message{"type": "test", "timestamp": float64(12345)}, false); err != nil {
		t.Fatal(err)
	}
	pending, _ := store.PendingMessages(ctx, 0, 0)
	if pending[0].Data["timestamp"] != float64(12345) {
		t.Fatalf("producer timestamp overwritten: %v", pending[0].Data["timestamp"])
	}
}

func TestSend_UrgentMarksExchanger(t *testing.T) {
	br, _ := newTestBroker(t)
	if _, err := br.Send(context.Background(), msgstore.Message{"type": "test"}, true); err != nil {
		t.Fatal(err)
	}
	if !br.IsUrgent() {
		t.Fatal("urgent send did not mark the exchanger")
	}
}

func newTestRPC(t *testing.T) (*Client, *Broker, *msgstore.Store) {
	t.Helper()
	br, store := newTestBroker(t)
	srv := httptest.NewServer(NewServer(br, slog.Default()).Handler())
	t.Cleanup(srv.Close)
	return NewClient(strings.TrimPrefix(srv.URL, "http://")), br, store
}

func TestRPC_SendAndPending(t *testing.T) {
	client, _, store := newTestRPC(t)
	ctx := context.Background()
	if err := store.SetAcceptedTypes(ctx, []string{"test"}); err != nil {
		t.Fatal(err)
	}

	id, err := client.Send(ctx, msgstore.Message{"type": "test"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("no message id returned")
	}

	pending, err := client.IsPending(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !pending {
		t.Fatal("queued message not pending")
	}

	urgent, err := client.IsUrgent(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !urgent {
		t.Fatal("urgent flag not visible over rpc")
	}
}

func TestRPC_SendInvalidMessage(t *testing.T) {
	client, _, _ := newTestRPC(t)
	_, err := client.Send(context.Background(), msgstore.Message{"type": "never-registered"}, false)
	if err == nil || !strings.Contains(err.Error(), "422") {
		t.Fatalf("err = %v, want a 422 rejection", err)
	}
}

func TestRPC_RegisterType(t *testing.T) {
	client, _, store := newTestRPC(t)
	ctx := context.Background()
	if err := store.SetAcceptedTypes(ctx, []string{"remote-type"}); err != nil {
		t.Fatal(err)
	}

	if _, err := client.Send(ctx, msgstore.Message{"type": "remote-type"}, false); err == nil {
		t.Fatal("unregistered type accepted")
	}
	if err := client.RegisterType(ctx, "remote-type"); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Send(ctx, msgstore.Message{"type": "remote-type"}, false); err != nil {
		t.Fatalf("send after registration: %v", err)
	}
}

func TestRPC_AcceptedTypes(t *testing.T) {
	client, _, store := newTestRPC(t)
	ctx := context.Background()
	if err := store.SetAcceptedTypes(ctx, []string{"test", "users"}); err != nil {
		t.Fatal(err)
	}
	types, err := client.AcceptedTypes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(types) != 2 {
		t.Fatalf("types = %v", types)
	}
}

func TestRPC_SessionIDStable(t *testing.T) {
	client, _, _ := newTestRPC(t)
	ctx := context.Background()
	a, err := client.SessionID(ctx, "users")
	if err != nil {
		t.Fatal(err)
	}
	b, err := client.SessionID(ctx, "users")
	if err != nil {
		t.Fatal(err)
	}
	if a == "" || a != b {
		t.Fatalf("session ids: %q then %q", a, b)
	}
}

func TestRPC_EventStream(t *testing.T) {
	client, br, _ := newTestRPC(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := client.Events(ctx, "exchange.")
	if err != nil {
		t.Fatal(err)
	}
	// Give the subscription a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)
	br.Bus().Publish(bus.TopicExchangeDone, nil)
	br.Bus().Publish("plugin.whatever", nil) // filtered out by prefix

	select {
	case ev := <-events:
		if ev.Topic != bus.TopicExchangeDone {
			t.Fatalf("topic = %q", ev.Topic)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}
}

func TestHealthz(t *testing.T) {
	br, _ := newTestBroker(t)
	srv := httptest.NewServer(NewServer(br, slog.Default()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}
