// Package db is the durable store for sessions, logged events, and the
// offline action queue. SQLite with WAL; a single write connection.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dosewatch/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
	ErrCorrupt   = errors.New("corrupt record")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) PutSession(ctx context.Context, rec model.SessionRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("validate session: %w", err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_key, dose1_at, dose2_at, dose2_skipped, snooze_count, dose1_utc_offset_min, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_key) DO UPDATE SET
	dose1_at=excluded.dose1_at,
	dose2_at=excluded.dose2_at,
	dose2_skipped=excluded.dose2_skipped,
	snooze_count=excluded.snooze_count,
	dose1_utc_offset_min=excluded.dose1_utc_offset_min,
	updated_at=excluded.updated_at
`, rec.SessionKey, nullableTS(rec.Dose1Time), nullableTS(rec.Dose2Time), boolToInt(rec.Dose2Skipped), rec.SnoozeCount, rec.Dose1UTCOffsetMin, ts(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, key string) (model.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_key, dose1_at, dose2_at, dose2_skipped, snooze_count, dose1_utc_offset_min, updated_at
FROM sessions WHERE session_key = ?`, key)
	var rec model.SessionRecord
	var dose1, dose2 sql.NullString
	var skipped int
	var updatedAt string
	err := row.Scan(&rec.SessionKey, &dose1, &dose2, &skipped, &rec.SnoozeCount, &rec.Dose1UTCOffsetMin, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return model.SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	rec.Dose2Skipped = skipped != 0
	if rec.Dose1Time, err = parseNullableTS(dose1); err != nil {
		return model.SessionRecord{}, fmt.Errorf("%w: dose1_at: %v", ErrCorrupt, err)
	}
	if rec.Dose2Time, err = parseNullableTS(dose2); err != nil {
		return model.SessionRecord{}, fmt.Errorf("%w: dose2_at: %v", ErrCorrupt, err)
	}
	if rec.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.SessionRecord{}, fmt.Errorf("%w: updated_at: %v", ErrCorrupt, err)
	}
	if rec.Dose2Time != nil && rec.Dose2Skipped {
		return model.SessionRecord{}, fmt.Errorf("%w: dose2 taken and skipped", ErrCorrupt)
	}
	return rec, nil
}

// DeleteSessionRow removes only the session record, leaving events and
// queue entries alone. Used by undo to revert a session creation.
func (s *Store) DeleteSessionRow(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete session row: %w", err)
	}
	return nil
}

// DeleteSessionCascade removes the session, its logged events, and its
// pending queue entries in one transaction. It returns the IDs of the
// removed queue entries so the caller can cancel matching side effects.
// A partial delete that leaves stale queue entries is a correctness
// defect, hence the single transaction.
func (s *Store) DeleteSessionCascade(ctx context.Context, key string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin session delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `SELECT action_id FROM queue_actions WHERE session_key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("list queue entries for delete: %w", err)
	}
	var queueIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		queueIDs = append(queueIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	rows.Close()

	for _, stmt := range []string{
		`DELETE FROM queue_actions WHERE session_key = ?`,
		`DELETE FROM events WHERE session_key = ?`,
		`DELETE FROM sessions WHERE session_key = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, key); err != nil {
			return nil, fmt.Errorf("cascade delete session: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session delete: %w", err)
	}
	return queueIDs, nil
}

func (s *Store) InsertEvent(ctx context.Context, ev model.LoggedEvent) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO events(event_id, session_key, event_type, noted_at, payload)
VALUES (?, ?, ?, ?, ?)`,
		ev.EventID, ev.SessionKey, string(ev.EventType), ts(ev.NotedAt), ev.Payload)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) DeleteEvent(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, sessionKey string) ([]model.LoggedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, session_key, event_type, noted_at, payload
FROM events WHERE session_key = ? ORDER BY noted_at, event_id`, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []model.LoggedEvent
	for rows.Next() {
		var ev model.LoggedEvent
		var eventType, notedAt string
		if err := rows.Scan(&ev.EventID, &ev.SessionKey, &eventType, &notedAt, &ev.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.EventType = model.EventType(eventType)
		if ev.NotedAt, err = parseTS(notedAt); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) EnqueueAction(ctx context.Context, act model.QueuedAction) error {
	if act.CreatedAt.IsZero() {
		act.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queue_actions(action_id, kind, session_key, payload, created_at, retry_count)
VALUES (?, ?, ?, ?, ?, ?)`,
		act.ID, string(act.Kind), act.SessionKey, act.Payload, ts(act.CreatedAt), act.RetryCount)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("enqueue action: %w", err)
	}
	return nil
}

// NextAction returns the front of the queue. Action IDs are ULIDs, so
// lexicographic order is enqueue order.
func (s *Store) NextAction(ctx context.Context) (model.QueuedAction, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT action_id, kind, session_key, payload, created_at, retry_count
FROM queue_actions ORDER BY action_id LIMIT 1`)
	return scanAction(row)
}

func (s *Store) DeleteAction(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_actions WHERE action_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete action: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) IncrementActionRetry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_actions SET retry_count = retry_count + 1 WHERE action_id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment retry: %w", err)
	}
	return nil
}

func (s *Store) QueueLength(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_actions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// OldestEvictable picks the overflow victim: the oldest non-critical entry
// when one exists, otherwise the oldest entry outright.
func (s *Store) OldestEvictable(ctx context.Context) (model.QueuedAction, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT action_id, kind, session_key, payload, created_at, retry_count
FROM queue_actions WHERE kind IN (?, ?) ORDER BY action_id LIMIT 1`,
		string(model.ActionLogEvent), string(model.ActionExportStats))
	act, err := scanAction(row)
	if err == nil {
		return act, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.QueuedAction{}, err
	}
	row = s.db.QueryRowContext(ctx, `
SELECT action_id, kind, session_key, payload, created_at, retry_count
FROM queue_actions ORDER BY action_id LIMIT 1`)
	return scanAction(row)
}

func (s *Store) ListActions(ctx context.Context, sessionKey string) ([]model.QueuedAction, error) {
	query := `
SELECT action_id, kind, session_key, payload, created_at, retry_count
FROM queue_actions`
	args := []any{}
	if sessionKey != "" {
		query += ` WHERE session_key = ?`
		args = append(args, sessionKey)
	}
	query += ` ORDER BY action_id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()
	var out []model.QueuedAction
	for rows.Next() {
		var act model.QueuedAction
		var kind, createdAt string
		if err := rows.Scan(&act.ID, &kind, &act.SessionKey, &act.Payload, &createdAt, &act.RetryCount); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		act.Kind = model.ActionKind(kind)
		if act.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, fmt.Errorf("parse action time: %w", err)
		}
		out = append(out, act)
	}
	return out, rows.Err()
}

func scanAction(row *sql.Row) (model.QueuedAction, error) {
	var act model.QueuedAction
	var kind, createdAt string
	err := row.Scan(&act.ID, &kind, &act.SessionKey, &act.Payload, &createdAt, &act.RetryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return model.QueuedAction{}, ErrNotFound
	}
	if err != nil {
		return model.QueuedAction{}, fmt.Errorf("scan action: %w", err)
	}
	act.Kind = model.ActionKind(kind)
	if act.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.QueuedAction{}, fmt.Errorf("parse action time: %w", err)
	}
	return act, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

func parseNullableTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
