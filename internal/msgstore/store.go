package msgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/outpost-sys/outpost/internal/persistence"
)

// Config bounds the store. Zero values disable the respective bound except
// MaxMessageBytes, which always has a floor.
type Config struct {
	// MaxCount bounds how many messages are retained.
	MaxCount int
	// MaxBytes bounds the total serialized size of retained messages.
	MaxBytes int64
	// MaxMessageBytes bounds one message.
	MaxMessageBytes int
}

const defaultMaxMessageBytes = 1024 * 1024

// Store is the durable outgoing message queue. It is owned by the broker
// process; all methods are safe for concurrent use within it.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	cfg    Config

	mu         sync.Mutex
	registered map[string]struct{}
}

// New opens the message store over the shared database.
func New(db *persistence.DB, logger *slog.Logger, cfg Config) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	return &Store{
		db:         db.Handle(),
		logger:     logger.With("component", "msgstore"),
		cfg:        cfg,
		registered: make(map[string]struct{}),
	}
}

// RegisterType declares a message type this client can produce. Add rejects
// messages whose type was never registered.
func (s *Store) RegisterType(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered[name] = struct{}{}
}

// RegisteredTypes returns the declared producer types.
func (s *Store) RegisteredTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.registered))
	for t := range s.registered {
		out = append(out, t)
	}
	return out
}

func (s *Store) isRegistered(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.registered[name]
	return ok
}

// Add assigns the next store id to the message, appends it durably and
// returns the id. The message must carry a registered type and serialize
// within the configured size limit.
func (s *Store) Add(ctx context.Context, msg Message) (int64, error) {
	mtype, ok := messageType(msg)
	if !ok {
		return 0, &InvalidMessageError{Reason: "missing type"}
	}
	if !s.isRegistered(mtype) {
		return 0, &InvalidMessageError{Type: mtype, Reason: "type not registered"}
	}

	api := API
	if v, ok := msg["api"].(string); ok && v != "" {
		api = v
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, &InvalidMessageError{Type: mtype, Reason: fmt.Sprintf("not serializable: %v", err)}
	}
	if len(raw) > s.cfg.MaxMessageBytes {
		return 0, &InvalidMessageError{Type: mtype,
			Reason: fmt.Sprintf("serialized size %d exceeds limit %d", len(raw), s.cfg.MaxMessageBytes)}
	}

	var id int64
	err = persistence.RetryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin add tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO message (type, api, payload, size) VALUES (?, ?, ?, ?);
		`, mtype, api, string(raw), len(raw))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message insert id: %w", err)
		}
		if err := s.rotateTx(ctx, tx); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// rotateTx enforces the store bounds by dropping the oldest messages. Drops
// are logged; the wire sequence is advanced past dropped messages that were
// eligible for transmission so acknowledgment accounting stays contiguous.
func (s *Store) rotateTx(ctx context.Context, tx *sql.Tx) error {
	if s.cfg.MaxCount <= 0 && s.cfg.MaxBytes <= 0 {
		return nil
	}
	var count int
	var bytes sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1), SUM(size) FROM message;`).Scan(&count, &bytes); err != nil {
		return fmt.Errorf("measure store: %w", err)
	}

	accepted, err := s.acceptedTypesTx(ctx, tx)
	if err != nil {
		return err
	}
	acceptedSet := make(map[string]struct{}, len(accepted))
	for _, t := range accepted {
		acceptedSet[t] = struct{}{}
	}

	dropped := 0
	droppedEligible := 0
	for (s.cfg.MaxCount > 0 && count > s.cfg.MaxCount) ||
		(s.cfg.MaxBytes > 0 && bytes.Valid && bytes.Int64 > s.cfg.MaxBytes) {
		var id, size int64
		var mtype string
		err := tx.QueryRowContext(ctx, `SELECT id, type, size FROM message ORDER BY id LIMIT 1;`).Scan(&id, &mtype, &size)
		if err != nil {
			return fmt.Errorf("select oldest message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM message WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("drop oldest message: %w", err)
		}
		count--
		if bytes.Valid {
			bytes.Int64 -= size
		}
		dropped++
		if _, ok := acceptedSet[mtype]; ok {
			droppedEligible++
		}
		s.logger.Warn("message store full, dropping oldest message",
			"message_id", id, "type", mtype, "size", size)
	}
	if droppedEligible > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE message_meta SET sequence = sequence + ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1;
		`, droppedEligible); err != nil {
			return fmt.Errorf("advance sequence past dropped: %w", err)
		}
	}
	return nil
}

// PendingMessages returns unacknowledged messages whose type is currently
// accepted, oldest first. maxCount bounds the number of messages and
// maxBytes the total serialized size; zero disables either bound. At least
// one message is returned if any is eligible, regardless of maxBytes.
// A batch carries a single api version: once a message with a different api
// tag is reached it and everything after it wait for the next batch.
func (s *Store) PendingMessages(ctx context.Context, maxCount, maxBytes int) ([]Queued, error) {
	accepted, err := s.AcceptedTypes(ctx)
	if err != nil {
		return nil, err
	}
	if len(accepted) == 0 {
		return nil, nil
	}

	query, args := pendingQuery(accepted)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending messages: %w", err)
	}
	defer rows.Close()

	var out []Queued
	total := 0
	for rows.Next() {
		var q Queued
		var payload string
		if err := rows.Scan(&q.ID, &q.Type, &q.API, &payload, &q.Size); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
		if maxBytes > 0 && len(out) > 0 && total+q.Size > maxBytes {
			break
		}
		if len(out) > 0 && q.API != out[0].API {
			break
		}
		if err := json.Unmarshal([]byte(payload), &q.Data); err != nil {
			// A corrupt row would otherwise wedge the queue forever.
			s.logger.Error("skipping unreadable stored message", "message_id", q.ID, "error", err)
			continue
		}
		total += q.Size
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending message rows: %w", err)
	}
	return out, nil
}

// CountPending returns how many eligible messages await acknowledgment.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	accepted, err := s.AcceptedTypes(ctx)
	if err != nil {
		return 0, err
	}
	if len(accepted) == 0 {
		return 0, nil
	}
	query, args := countQuery(accepted)
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending messages: %w", err)
	}
	return count, nil
}

// IsPending reports whether the message is still awaiting acknowledgment.
// Held messages (type currently unaccepted) are pending too.
func (s *Store) IsPending(ctx context.Context, id int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM message WHERE id = ?;`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is pending: %w", err)
	}
	return true, nil
}

// SetAcceptedTypes atomically replaces the server's accepted-type set.
// Stored messages are never dropped here, only held back or released.
func (s *Store) SetAcceptedTypes(ctx context.Context, types []string) error {
	raw, err := json.Marshal(types)
	if err != nil {
		return fmt.Errorf("marshal accepted types: %w", err)
	}
	return persistence.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE message_meta SET accepted_types = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1;
		`, string(raw))
		if err != nil {
			return fmt.Errorf("set accepted types: %w", err)
		}
		return nil
	})
}

// AcceptedTypes returns the server's current accepted-type set.
func (s *Store) AcceptedTypes(ctx context.Context) ([]string, error) {
	var raw string
	if err := s.db.QueryRowContext(ctx, `SELECT accepted_types FROM message_meta WHERE id = 1;`).Scan(&raw); err != nil {
		return nil, fmt.Errorf("read accepted types: %w", err)
	}
	return s.decodeTypes(raw)
}

func (s *Store) acceptedTypesTx(ctx context.Context, tx *sql.Tx) ([]string, error) {
	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT accepted_types FROM message_meta WHERE id = 1;`).Scan(&raw); err != nil {
		return nil, fmt.Errorf("read accepted types: %w", err)
	}
	return s.decodeTypes(raw)
}

func (s *Store) decodeTypes(raw string) ([]string, error) {
	var types []string
	if err := json.Unmarshal([]byte(raw), &types); err != nil {
		return nil, fmt.Errorf("decode accepted types: %w", err)
	}
	return types, nil
}

// IsTypeAccepted reports whether the server currently accepts the type.
func (s *Store) IsTypeAccepted(ctx context.Context, name string) (bool, error) {
	types, err := s.AcceptedTypes(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range types {
		if t == name {
			return true, nil
		}
	}
	return false, nil
}

// DeleteMessages permanently removes acknowledged messages by store id,
// advancing the wire sequence by the rows actually deleted. Acking by the
// explicit ids of the sent batch keeps the commit honest when rotation
// removed some of them mid-exchange: a rotated id advanced the sequence at
// rotation time and deletes nothing here, and a message that was never sent
// is never touched.
func (s *Store) DeleteMessages(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `DELETE FROM message WHERE id IN (` + placeholders(len(ids)) + `);`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return persistence.RetryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin ack tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("delete acked messages: %w", err)
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("acked rows affected: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE message_meta SET sequence = sequence + ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1;
		`, deleted); err != nil {
			return fmt.Errorf("advance sequence: %w", err)
		}
		return tx.Commit()
	})
}

// DeleteAllMessages clears the queue (resynchronize). Store ids keep
// increasing afterwards and the acknowledged sequence state survives.
func (s *Store) DeleteAllMessages(ctx context.Context) error {
	return persistence.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM message;`)
		if err != nil {
			return fmt.Errorf("delete all messages: %w", err)
		}
		return nil
	})
}

// Sequence returns the wire sequence number of the first pending message.
func (s *Store) Sequence(ctx context.Context) (int64, error) {
	return s.metaInt(ctx, "sequence")
}

// SetSequence overwrites the wire sequence (ancient-sequence recovery).
func (s *Store) SetSequence(ctx context.Context, seq int64) error {
	return s.setMetaInt(ctx, "sequence", seq)
}

// ServerSequence returns the next sequence number expected from the server.
func (s *Store) ServerSequence(ctx context.Context) (int64, error) {
	return s.metaInt(ctx, "server_sequence")
}

// SetServerSequence records progress through the server's message stream.
// It is committed per message so a crash never re-processes delivered ones.
func (s *Store) SetServerSequence(ctx context.Context, seq int64) error {
	return s.setMetaInt(ctx, "server_sequence", seq)
}

func (s *Store) metaInt(ctx context.Context, column string) (int64, error) {
	var v int64
	// column is one of two compile-time constants, never user input.
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM message_meta WHERE id = 1;`, column)).Scan(&v); err != nil {
		return 0, fmt.Errorf("read %s: %w", column, err)
	}
	return v, nil
}

func (s *Store) setMetaInt(ctx context.Context, column string, v int64) error {
	return persistence.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE message_meta SET %s = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1;`, column), v)
		if err != nil {
			return fmt.Errorf("set %s: %w", column, err)
		}
		return nil
	})
}

// ServerUUID returns the server identity seen on the last exchange, or ""
// when the client has never exchanged.
func (s *Store) ServerUUID(ctx context.Context) (string, error) {
	var v sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT server_uuid FROM message_meta WHERE id = 1;`).Scan(&v); err != nil {
		return "", fmt.Errorf("read server uuid: %w", err)
	}
	return v.String, nil
}

// SetServerUUID records the server identity.
func (s *Store) SetServerUUID(ctx context.Context, id string) error {
	return persistence.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE message_meta SET server_uuid = ? WHERE id = 1;`, id)
		return err
	})
}

// ExchangeToken returns the one-time token to present on the next exchange.
func (s *Store) ExchangeToken(ctx context.Context) (string, error) {
	var v sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT exchange_token FROM message_meta WHERE id = 1;`).Scan(&v); err != nil {
		return "", fmt.Errorf("read exchange token: %w", err)
	}
	return v.String, nil
}

// SetExchangeToken stores the token handed out by the server.
func (s *Store) SetExchangeToken(ctx context.Context, token string) error {
	return persistence.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE message_meta SET exchange_token = ? WHERE id = 1;`, token)
		return err
	})
}

// SessionID returns the persistent session id for a scope, creating one on
// first use. Plugins use scoped sessions so resynchronize can invalidate
// only the affected producers.
func (s *Store) SessionID(ctx context.Context, scope string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM session WHERE scope IS ? LIMIT 1;
	`, nullable(scope)).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("read session id: %w", err)
	}

	id = uuid.NewString()
	err = persistence.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session (id, scope) VALUES (?, ?);
		`, id, nullable(scope))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create session id: %w", err)
	}
	return id, nil
}

// IsValidSession reports whether a session id is still live.
func (s *Store) IsValidSession(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM session WHERE id = ?;`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check session id: %w", err)
	}
	return true, nil
}

// DropSessionIDs invalidates session ids. With no scopes every session is
// dropped; otherwise only sessions in the listed scopes.
func (s *Store) DropSessionIDs(ctx context.Context, scopes ...string) error {
	return persistence.RetryOnBusy(ctx, 5, func() error {
		if len(scopes) == 0 {
			_, err := s.db.ExecContext(ctx, `DELETE FROM session;`)
			return err
		}
		for _, scope := range scopes {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM session WHERE scope IS ?;`, nullable(scope)); err != nil {
				return err
			}
		}
		return nil
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
