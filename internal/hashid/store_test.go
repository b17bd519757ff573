package hashid

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/outpost-sys/outpost/internal/persistence"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "outpost.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, slog.Default(), Config{MaxHashesPerRequest: 3})
}

func TestHashIDs_SetAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetHashIDs(ctx, map[string]int64{"ha": 1, "hb": 2}); err != nil {
		t.Fatal(err)
	}
	id, ok, err := s.HashID(ctx, "ha")
	if err != nil || !ok || id != 1 {
		t.Fatalf("HashID(ha) = %d, %v, %v", id, ok, err)
	}
	hash, ok, err := s.IDHash(ctx, 2)
	if err != nil || !ok || hash != "hb" {
		t.Fatalf("IDHash(2) = %q, %v, %v", hash, ok, err)
	}
	if _, ok, _ := s.HashID(ctx, "missing"); ok {
		t.Fatal("unknown hash resolved")
	}

	// Rebinding a hash replaces the old id.
	if err := s.SetHashIDs(ctx, map[string]int64{"ha": 9}); err != nil {
		t.Fatal(err)
	}
	if id, _, _ := s.HashID(ctx, "ha"); id != 9 {
		t.Fatalf("rebound id = %d", id)
	}
}

func TestHashIDs_Batch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SetHashIDs(ctx, map[string]int64{"ha": 1}); err != nil {
		t.Fatal(err)
	}
	ids, known, err := s.HashIDs(ctx, []string{"ha", "nope"})
	if err != nil {
		t.Fatal(err)
	}
	if !known[0] || ids[0] != 1 || known[1] {
		t.Fatalf("batch = %v %v", ids, known)
	}
}

func TestClearHashIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SetHashIDs(ctx, map[string]int64{"ha": 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearHashIDs(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.HashID(ctx, "ha"); ok {
		t.Fatal("hash survived clear")
	}
}

func TestAddRequest_FiltersKnownAndInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SetHashIDs(ctx, map[string]int64{"known": 1}); err != nil {
		t.Fatal(err)
	}

	req, err := s.AddRequest(ctx, []string{"known", "h1", "h2"})
	if err != nil {
		t.Fatal(err)
	}
	if req == nil || len(req.Hashes) != 2 {
		t.Fatalf("request = %+v", req)
	}

	// A second request must not re-ask hashes already in flight.
	again, err := s.AddRequest(ctx, []string{"h1", "h2", "h3"})
	if err != nil {
		t.Fatal(err)
	}
	if again == nil || len(again.Hashes) != 1 || again.Hashes[0] != "h3" {
		t.Fatalf("second request = %+v", again)
	}

	// Nothing left to ask: no request.
	none, err := s.AddRequest(ctx, []string{"known", "h1", "h3"})
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Fatalf("empty request created: %+v", none)
	}
}

func TestAddRequest_CapsHashCount(t *testing.T) {
	s := newTestStore(t) // cap is 3
	req, err := s.AddRequest(context.Background(), []string{"a", "b", "c", "d", "e"})
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Hashes) != 3 {
		t.Fatalf("request carries %d hashes, want 3", len(req.Hashes))
	}
}

func TestRequest_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return base }

	req, err := s.AddRequest(ctx, []string{"h1", "h2"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Request(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.HasMsgID {
		t.Fatal("fresh request already has a message id")
	}
	if !got.CreatedAt.Equal(base) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, base)
	}

	if err := s.SetRequestMessageID(ctx, req.ID, 42); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Request(ctx, req.ID)
	if !got.HasMsgID || got.MessageID != 42 {
		t.Fatalf("message id = %+v", got)
	}

	s.now = func() time.Time { return base.Add(time.Hour) }
	if err := s.TouchRequest(ctx, req.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Request(ctx, req.ID)
	if !got.CreatedAt.After(base) {
		t.Fatalf("touch did not refresh timestamp: %v", got.CreatedAt)
	}

	if err := s.RemoveRequest(ctx, req.ID); err != nil {
		t.Fatal(err)
	}
	_, err = s.Request(ctx, req.ID)
	var unknown *UnknownHashIDRequestError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want UnknownHashIDRequestError", err)
	}
	// Removing twice is fine.
	if err := s.RemoveRequest(ctx, req.ID); err != nil {
		t.Fatal(err)
	}
}

func TestRequest_UpdateUnknown(t *testing.T) {
	s := newTestStore(t)
	err := s.SetRequestMessageID(context.Background(), 999, 1)
	var unknown *UnknownHashIDRequestError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want UnknownHashIDRequestError", err)
	}
}

func TestRequests_OrderedOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first, _ := s.AddRequest(ctx, []string{"h1"})
	second, _ := s.AddRequest(ctx, []string{"h2"})

	all, err := s.Requests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != first.ID || all[1].ID != second.ID {
		t.Fatalf("requests = %+v", all)
	}
}

func TestApplyIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req, err := s.AddRequest(ctx, []string{"h1", "h2", "h3"})
	if err != nil {
		t.Fatal(err)
	}

	id1, id3 := int64(101), int64(103)
	unknown, err := s.ApplyIDs(ctx, req.ID, []*int64{&id1, nil, &id3})
	if err != nil {
		t.Fatal(err)
	}
	if len(unknown) != 1 || unknown[0] != "h2" {
		t.Fatalf("unknown = %v", unknown)
	}
	if id, ok, _ := s.HashID(ctx, "h1"); !ok || id != 101 {
		t.Fatalf("h1 id = %d, %v", id, ok)
	}
	if id, ok, _ := s.HashID(ctx, "h3"); !ok || id != 103 {
		t.Fatalf("h3 id = %d, %v", id, ok)
	}
	if _, ok, _ := s.HashID(ctx, "h2"); ok {
		t.Fatal("unanswered hash got an id")
	}
	if _, err := s.Request(ctx, req.ID); err == nil {
		t.Fatal("request survived its answer")
	}
}

func TestApplyIDs_LengthMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req, err := s.AddRequest(ctx, []string{"h1", "h2"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyIDs(ctx, req.ID, []*int64{nil}); err == nil {
		t.Fatal("length mismatch accepted")
	}
	// The request must survive a malformed answer.
	if _, err := s.Request(ctx, req.ID); err != nil {
		t.Fatalf("request gone after rejected answer: %v", err)
	}
}

func TestApplyIDs_UnknownRequest(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ApplyIDs(context.Background(), 12345, nil)
	var unknown *UnknownHashIDRequestError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want UnknownHashIDRequestError", err)
	}
}
