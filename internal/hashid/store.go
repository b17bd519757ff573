// Package hashid persists the mapping between package hashes and the
// server-assigned package ids, plus the in-flight requests asking the server
// to translate hashes it has not named yet.
package hashid

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/outpost-sys/outpost/internal/persistence"
)

// Config bounds request creation.
type Config struct {
	// MaxHashesPerRequest caps how many hashes one request may carry.
	MaxHashesPerRequest int
}

const defaultMaxHashesPerRequest = 500

// Request is an outstanding hash→id translation request. MessageID links it
// to the queued message that carries it to the server; it is zero until the
// message has been handed to the message store.
type Request struct {
	ID        int64
	Hashes    []string
	MessageID int64
	HasMsgID  bool
	CreatedAt time.Time
}

// UnknownHashIDRequestError reports a request id the store does not know,
// typically because the request already expired or was answered.
type UnknownHashIDRequestError struct {
	ID int64
}

func (e *UnknownHashIDRequestError) Error() string {
	return fmt.Sprintf("unknown hash-id request %d", e.ID)
}

// Store is the durable hash↔id mapping. It shares the broker database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	cfg    Config

	now func() time.Time
}

// New opens the hash-id store over the shared database.
func New(db *persistence.DB, logger *slog.Logger, cfg Config) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxHashesPerRequest <= 0 {
		cfg.MaxHashesPerRequest = defaultMaxHashesPerRequest
	}
	return &Store{
		db:     db.Handle(),
		logger: logger.With("component", "hashid"),
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetHashIDs records server-assigned ids for the given hashes, replacing any
// previous binding of the same hash.
func (s *Store) SetHashIDs(ctx context.Context, ids map[string]int64) error {
	if len(ids) == 0 {
		return nil
	}
	return persistence.RetryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin hash-id tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO hash (id, hash) VALUES (?, ?)
			ON CONFLICT(hash) DO UPDATE SET id = excluded.id;
		`)
		if err != nil {
			return fmt.Errorf("prepare hash-id insert: %w", err)
		}
		defer stmt.Close()

		for hash, id := range ids {
			if _, err := stmt.ExecContext(ctx, id, []byte(hash)); err != nil {
				return fmt.Errorf("store hash id %d: %w", id, err)
			}
		}
		return tx.Commit()
	})
}

// HashID returns the id bound to a hash, if any.
func (s *Store) HashID(ctx context.Context, hash string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM hash WHERE hash = ?;`, []byte(hash)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read hash id: %w", err)
	}
	return id, true, nil
}

// HashIDs resolves a batch of hashes, preserving order. Unknown hashes yield
// false in the second slice.
func (s *Store) HashIDs(ctx context.Context, hashes []string) ([]int64, []bool, error) {
	ids := make([]int64, len(hashes))
	known := make([]bool, len(hashes))
	for i, h := range hashes {
		id, ok, err := s.HashID(ctx, h)
		if err != nil {
			return nil, nil, err
		}
		ids[i], known[i] = id, ok
	}
	return ids, known, nil
}

// IDHash returns the hash bound to an id, if any.
func (s *Store) IDHash(ctx context.Context, id int64) (string, bool, error) {
	var hash []byte
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM hash WHERE id = ?;`, id).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read id hash: %w", err)
	}
	return string(hash), true, nil
}

// ClearHashIDs wipes the mapping (server identity change, resynchronize).
func (s *Store) ClearHashIDs(ctx context.Context) error {
	return persistence.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM hash;`)
		if err != nil {
			return fmt.Errorf("clear hash ids: %w", err)
		}
		return nil
	})
}

// AddRequest records a new translation request for hashes with no known id,
// skipping hashes already mapped or already covered by an in-flight request.
// The hash count is capped; callers loop until AddRequest returns no request.
// A nil request with nil error means nothing needed asking.
func (s *Store) AddRequest(ctx context.Context, hashes []string) (*Request, error) {
	inFlight, err := s.inFlightHashes(ctx)
	if err != nil {
		return nil, err
	}

	var wanted []string
	for _, h := range hashes {
		if _, dup := inFlight[h]; dup {
			continue
		}
		if _, known, err := s.HashID(ctx, h); err != nil {
			return nil, err
		} else if known {
			continue
		}
		inFlight[h] = struct{}{}
		wanted = append(wanted, h)
		if len(wanted) >= s.cfg.MaxHashesPerRequest {
			break
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(wanted)
	if err != nil {
		return nil, fmt.Errorf("marshal request hashes: %w", err)
	}
	created := s.now()

	var id int64
	err = persistence.RetryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO hash_id_request (hashes, created_at) VALUES (?, ?);
		`, string(raw), float64(created.UnixNano())/1e9)
		if err != nil {
			return fmt.Errorf("insert hash-id request: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Request{ID: id, Hashes: wanted, CreatedAt: created}, nil
}

func (s *Store) inFlightHashes(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hashes FROM hash_id_request;`)
	if err != nil {
		return nil, fmt.Errorf("query in-flight hashes: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan in-flight hashes: %w", err)
		}
		var hs []string
		if err := json.Unmarshal([]byte(raw), &hs); err != nil {
			return nil, fmt.Errorf("decode in-flight hashes: %w", err)
		}
		for _, h := range hs {
			set[h] = struct{}{}
		}
	}
	return set, rows.Err()
}

// Request returns one outstanding request by id.
func (s *Store) Request(ctx context.Context, id int64) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hashes, message_id, created_at FROM hash_id_request WHERE id = ?;
	`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, &UnknownHashIDRequestError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("read hash-id request: %w", err)
	}
	return req, nil
}

// Requests returns all outstanding requests, oldest first.
func (s *Store) Requests(ctx context.Context) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hashes, message_id, created_at FROM hash_id_request ORDER BY id;
	`)
	if err != nil {
		return nil, fmt.Errorf("query hash-id requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hash-id request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	var req Request
	var raw string
	var msgID sql.NullInt64
	var created float64
	if err := row.Scan(&req.ID, &raw, &msgID, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &req.Hashes); err != nil {
		return nil, fmt.Errorf("decode request hashes: %w", err)
	}
	req.MessageID, req.HasMsgID = msgID.Int64, msgID.Valid
	sec := int64(created)
	req.CreatedAt = time.Unix(sec, int64((created-float64(sec))*1e9))
	return &req, nil
}

// SetRequestMessageID links a request to the queued message carrying it.
func (s *Store) SetRequestMessageID(ctx context.Context, requestID, messageID int64) error {
	return s.updateRequest(ctx, requestID, `
		UPDATE hash_id_request SET message_id = ? WHERE id = ?;
	`, messageID, requestID)
}

// TouchRequest refreshes a request's timestamp so a slow but still-queued
// request is not swept as expired.
func (s *Store) TouchRequest(ctx context.Context, requestID int64) error {
	return s.updateRequest(ctx, requestID, `
		UPDATE hash_id_request SET created_at = ? WHERE id = ?;
	`, float64(s.now().UnixNano())/1e9, requestID)
}

func (s *Store) updateRequest(ctx context.Context, requestID int64, query string, args ...any) error {
	return persistence.RetryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update hash-id request: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &UnknownHashIDRequestError{ID: requestID}
		}
		return nil
	})
}

// RemoveRequest deletes a request once it has been answered or given up on.
// Removing an unknown request is not an error.
func (s *Store) RemoveRequest(ctx context.Context, requestID int64) error {
	return persistence.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM hash_id_request WHERE id = ?;`, requestID)
		if err != nil {
			return fmt.Errorf("remove hash-id request: %w", err)
		}
		return nil
	})
}

// ClearRequests deletes every outstanding request (resynchronize).
func (s *Store) ClearRequests(ctx context.Context) error {
	return persistence.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM hash_id_request;`)
		if err != nil {
			return fmt.Errorf("clear hash-id requests: %w", err)
		}
		return nil
	})
}

// ApplyIDs consumes the server's answer to a request: ids align positionally
// with the request's hashes, with nil marking hashes the server does not
// know. Known pairs are stored, the request is removed, and the hashes the
// server could not name are returned so the caller can report full package
// data for them.
func (s *Store) ApplyIDs(ctx context.Context, requestID int64, ids []*int64) ([]string, error) {
	req, err := s.Request(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if len(ids) != len(req.Hashes) {
		return nil, fmt.Errorf("hash-id request %d: got %d ids for %d hashes",
			requestID, len(ids), len(req.Hashes))
	}

	mapped := make(map[string]int64)
	var unknown []string
	for i, id := range ids {
		if id == nil {
			unknown = append(unknown, req.Hashes[i])
			continue
		}
		mapped[req.Hashes[i]] = *id
	}
	if err := s.SetHashIDs(ctx, mapped); err != nil {
		return nil, err
	}
	if err := s.RemoveRequest(ctx, requestID); err != nil {
		return nil, err
	}
	s.logger.Debug("applied hash-id answer",
		"request_id", requestID, "mapped", len(mapped), "unknown", len(unknown))
	return unknown, nil
}
