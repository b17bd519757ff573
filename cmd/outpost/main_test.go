package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadComputerID_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	id, err := loadComputerID(dir)
	if err != nil {
		t.Fatalf("loadComputerID: %v", err)
	}
	if strings.TrimSpace(id) == "" {
		t.Fatal("generated id is empty")
	}

	again, err := loadComputerID(dir)
	if err != nil {
		t.Fatalf("second loadComputerID: %v", err)
	}
	if again != id {
		t.Fatalf("id not stable across loads: %q then %q", id, again)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "computer-id"))
	if err != nil {
		t.Fatalf("read identity file: %v", err)
	}
	if strings.TrimSpace(string(raw)) != id {
		t.Fatalf("identity file holds %q, want %q", strings.TrimSpace(string(raw)), id)
	}
}

func TestLoadComputerID_IgnoresBlankFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "computer-id"), []byte("\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	id, err := loadComputerID(dir)
	if err != nil {
		t.Fatalf("loadComputerID: %v", err)
	}
	if strings.TrimSpace(id) == "" {
		t.Fatal("blank identity file not replaced")
	}
}
