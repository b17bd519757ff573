package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outpost.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"message", "message_meta", "hash", "hash_id_request", "task", "snapshot", "session"} {
		var count int
		err := db.Handle().QueryRow(
			`SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name=?;`, table,
		).Scan(&count)
		if err != nil || count != 1 {
			t.Errorf("table %q missing (count=%d err=%v)", table, count, err)
		}
	}

	var seeded int
	if err := db.Handle().QueryRow(`SELECT COUNT(1) FROM message_meta WHERE id = 1;`).Scan(&seeded); err != nil || seeded != 1 {
		t.Fatalf("message_meta singleton not seeded (count=%d err=%v)", seeded, err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outpost.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	db.Close()
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outpost.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Handle().Exec(
		`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future');`,
	); err != nil {
		t.Fatal(err)
	}
	db.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("expected error opening db with newer schema version")
	}
}

func TestOpen_RejectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outpost.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Handle().Exec(
		`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = ?;`, schemaVersion,
	); err != nil {
		t.Fatal(err)
	}
	db.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestRetryOnBusy_PassesThroughOtherErrors(t *testing.T) {
	boom := errors.New("constraint failed")
	calls := 0
	err := RetryOnBusy(context.Background(), 5, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-busy error retried %d times", calls)
	}
}

func TestRetryOnBusy_RetriesBusy(t *testing.T) {
	calls := 0
	err := RetryOnBusy(context.Background(), 5, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}
