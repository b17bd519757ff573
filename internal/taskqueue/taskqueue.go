// Package taskqueue provides small durable FIFO work queues, one per
// consumer. A task stays queued until its consumer finishes it and removes
// it, so work survives restarts and partial failures.
package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/outpost-sys/outpost/internal/persistence"
)

// Task is one queued unit of work.
type Task struct {
	ID        int64
	Queue     string
	Data      json.RawMessage
	CreatedAt time.Time
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v any) error {
	if err := json.Unmarshal(t.Data, v); err != nil {
		return fmt.Errorf("decode task %d: %w", t.ID, err)
	}
	return nil
}

// Store holds the durable task queues over the shared database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// New opens the task queues over the shared database.
func New(db *persistence.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db.Handle(),
		logger: logger.With("component", "taskqueue"),
		now:    time.Now,
	}
}

// Add appends a task to the named queue and returns its id.
func (s *Store) Add(ctx context.Context, queue string, data any) (int64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal task for %q: %w", queue, err)
	}
	var id int64
	err = persistence.RetryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task (queue, data, created_at) VALUES (?, ?, ?);
		`, queue, string(raw), float64(s.now().UnixNano())/1e9)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Next returns the oldest task in the queue without removing it, or nil when
// the queue is empty. Repeated calls return the same task until Remove.
func (s *Store) Next(ctx context.Context, queue string) (*Task, error) {
	var t Task
	var raw string
	var created float64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, queue, data, created_at FROM task
		WHERE queue = ? ORDER BY id LIMIT 1;
	`, queue).Scan(&t.ID, &t.Queue, &raw, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next task for %q: %w", queue, err)
	}
	t.Data = json.RawMessage(raw)
	sec := int64(created)
	t.CreatedAt = time.Unix(sec, int64((created-float64(sec))*1e9))
	return &t, nil
}

// Count returns how many tasks the queue holds.
func (s *Store) Count(ctx context.Context, queue string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM task WHERE queue = ?;`, queue).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks for %q: %w", queue, err)
	}
	return n, nil
}

// Remove deletes a finished task. Removing a task twice is not an error.
func (s *Store) Remove(ctx context.Context, id int64) error {
	return persistence.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM task WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("remove task %d: %w", id, err)
		}
		return nil
	})
}

// Clear deletes every task except the ids listed in keep (resynchronize
// keeps the task currently being processed).
func (s *Store) Clear(ctx context.Context, keep ...int64) error {
	return persistence.RetryOnBusy(ctx, 5, func() error {
		if len(keep) == 0 {
			_, err := s.db.ExecContext(ctx, `DELETE FROM task;`)
			if err != nil {
				return fmt.Errorf("clear tasks: %w", err)
			}
			return nil
		}
		args := make([]any, len(keep))
		marks := ""
		for i, id := range keep {
			args[i] = id
			if i > 0 {
				marks += ", "
			}
			marks += "?"
		}
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM task WHERE id NOT IN (`+marks+`);`, args...)
		if err != nil {
			return fmt.Errorf("clear tasks: %w", err)
		}
		return nil
	})
}
