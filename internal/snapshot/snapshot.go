// Package snapshot stores per-plugin diff baselines: the last state a plugin
// reported to the server, keyed by scope and name. Clearing a scope forces
// the owning plugin to report its full state on the next run.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/outpost-sys/outpost/internal/persistence"
)

// Store persists snapshots in the shared database.
type Store struct {
	db *sql.DB
}

// New opens the snapshot store over the shared database.
func New(db *persistence.DB) *Store {
	return &Store{db: db.Handle()}
}

// Get returns the raw snapshot value, if present.
func (s *Store) Get(ctx context.Context, scope, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM snapshot WHERE scope = ? AND key = ?;
	`, scope, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot %s/%s: %w", scope, key, err)
	}
	return value, true, nil
}

// GetJSON decodes the snapshot value into v; ok reports presence.
func (s *Store) GetJSON(ctx context.Context, scope, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, scope, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode snapshot %s/%s: %w", scope, key, err)
	}
	return true, nil
}

// Set stores the raw snapshot value, replacing any previous one.
func (s *Store) Set(ctx context.Context, scope, key string, value []byte) error {
	return persistence.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO snapshot (scope, key, value) VALUES (?, ?, ?)
			ON CONFLICT(scope, key) DO UPDATE SET value = excluded.value;
		`, scope, key, value)
		if err != nil {
			return fmt.Errorf("write snapshot %s/%s: %w", scope, key, err)
		}
		return nil
	})
}

// SetJSON encodes v and stores it.
func (s *Store) SetJSON(ctx context.Context, scope, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode snapshot %s/%s: %w", scope, key, err)
	}
	return s.Set(ctx, scope, key, raw)
}

// Keys lists the snapshot keys present in a scope, sorted.
func (s *Store) Keys(ctx context.Context, scope string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM snapshot WHERE scope = ? ORDER BY key;
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("list snapshot scope %s: %w", scope, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan snapshot key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Delete removes one snapshot entry. Missing entries are not an error.
func (s *Store) Delete(ctx context.Context, scope, key string) error {
	return persistence.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM snapshot WHERE scope = ? AND key = ?;
		`, scope, key)
		if err != nil {
			return fmt.Errorf("delete snapshot %s/%s: %w", scope, key, err)
		}
		return nil
	})
}

// DeleteScope drops every snapshot in the scope (resynchronize).
func (s *Store) DeleteScope(ctx context.Context, scope string) error {
	return persistence.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM snapshot WHERE scope = ?;`, scope)
		if err != nil {
			return fmt.Errorf("delete snapshot scope %s: %w", scope, err)
		}
		return nil
	})
}
