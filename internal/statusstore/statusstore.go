// Package statusstore is the Status Store Adapter (X2): idempotent upsert
// of per-mailbox Status Records, atomic counter increments, a
// needing-reconnection lookup, and a join query of active mailboxes with
// status — backed by the same SQLite connection as mailboxstore.
package statusstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meko-christian/imap-fleet/internal/model"
	"github.com/meko-christian/imap-fleet/internal/sqlitedb"
)

// Store serializes concurrent upserts for the same mailbox id with a
// per-mailbox mutex (striped via sync.Map), so only one upsert per
// mailbox id is ever in flight at a time.
type Store struct {
	db    *sqlitedb.DB
	locks sync.Map // map[string]*sync.Mutex
}

func New(db *sqlitedb.DB) *Store {
	return &Store{db: db}
}

func (s *Store) lockFor(mailboxID string) *sync.Mutex {
	actual, _ := s.locks.LoadOrStore(mailboxID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Upsert creates or updates the Status Record for rec.MailboxID. The
// per-mailbox lock plus insertOrUpdate's ON CONFLICT DO UPDATE means a
// racing concurrent insert is resolved at the database level — there is
// no duplicate-key error path to retry.
func (s *Store) Upsert(ctx context.Context, rec model.StatusRecord) error {
	mu := s.lockFor(rec.MailboxID)
	mu.Lock()
	defer mu.Unlock()

	return s.insertOrUpdate(ctx, rec)
}

// EnsureExists seeds a Status Record for mailboxID if none exists yet, in
// StateDisconnected with a zero watermark, so the UPDATE-only
// IncrementCounters/AdvanceWatermark calls have a real row to hit. It is a
// no-op for a mailbox that already has a record — existing state and
// counters are left untouched.
func (s *Store) EnsureExists(ctx context.Context, mailboxID string) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO status_records (
			mailbox_id, state, last_connected_at, last_disconnect_at, last_error_at,
			last_error_message, attempts, successes, failures, messages_processed,
			next_reconnect_at, active, last_uid_watermark, last_uid_validity
		) VALUES (?, ?, '', '', '', '', 0, 0, 0, 0, '', 1, 0, 0)
		ON CONFLICT(mailbox_id) DO NOTHING
	`, mailboxID, string(model.StateDisconnected))
	if err != nil {
		return fmt.Errorf("statusstore: ensure exists %q: %w", mailboxID, err)
	}
	return nil
}

func (s *Store) insertOrUpdate(ctx context.Context, rec model.StatusRecord) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO status_records (
			mailbox_id, state, last_connected_at, last_disconnect_at, last_error_at,
			last_error_message, attempts, successes, failures, messages_processed,
			next_reconnect_at, active, last_uid_watermark, last_uid_validity
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mailbox_id) DO UPDATE SET
			state               = excluded.state,
			last_connected_at   = excluded.last_connected_at,
			last_disconnect_at  = excluded.last_disconnect_at,
			last_error_at       = excluded.last_error_at,
			last_error_message  = excluded.last_error_message,
			next_reconnect_at   = excluded.next_reconnect_at,
			active              = excluded.active,
			last_uid_watermark  = excluded.last_uid_watermark,
			last_uid_validity   = excluded.last_uid_validity
	`, rec.MailboxID, string(rec.State), formatTime(rec.LastConnectedAt), formatTime(rec.LastDisconnectAt),
		formatTime(rec.LastErrorAt), rec.LastErrorMessage, rec.Attempts, rec.Successes, rec.Failures,
		rec.MessagesProcessed, formatTime(rec.NextReconnectAt), boolToInt(rec.Active),
		rec.LastUIDWatermark, rec.LastUIDValidity)
	if err != nil {
		return fmt.Errorf("statusstore: upsert %q: %w", rec.MailboxID, err)
	}
	return nil
}

// IncrementCounters applies single atomic UPDATE ... SET x = x + n
// statements, never a read-modify-write round trip.
func (s *Store) IncrementCounters(ctx context.Context, mailboxID string, attempts, successes, failures, processed int64) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		UPDATE status_records SET
			attempts = attempts + ?, successes = successes + ?,
			failures = failures + ?, messages_processed = messages_processed + ?
		WHERE mailbox_id = ?
	`, attempts, successes, failures, processed, mailboxID)
	if err != nil {
		return fmt.Errorf("statusstore: increment %q: %w", mailboxID, err)
	}
	return nil
}

// AdvanceWatermark records the watermark and its UIDVALIDITY epoch. The
// Session Monitor calls it to initialize the watermark on a fresh start
// and after a range has been fully submitted to the sink. Upsert also
// writes both columns from the record it is given.
func (s *Store) AdvanceWatermark(ctx context.Context, mailboxID string, uidValidity, watermark uint32) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		UPDATE status_records SET last_uid_watermark = ?, last_uid_validity = ? WHERE mailbox_id = ?
	`, watermark, uidValidity, mailboxID)
	if err != nil {
		return fmt.Errorf("statusstore: advance watermark %q: %w", mailboxID, err)
	}
	return nil
}

// Get returns the Status Record for a mailbox, or sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, mailboxID string) (model.StatusRecord, error) {
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT mailbox_id, state, last_connected_at, last_disconnect_at, last_error_at,
		       last_error_message, attempts, successes, failures, messages_processed,
		       next_reconnect_at, active, last_uid_watermark, last_uid_validity
		FROM status_records WHERE mailbox_id = ?`, mailboxID)
	return scanStatus(row)
}

// NeedingReconnection returns mailboxes whose state is disconnected, error,
// or reconnecting and are still active.
func (s *Store) NeedingReconnection(ctx context.Context) ([]model.StatusRecord, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT mailbox_id, state, last_connected_at, last_disconnect_at, last_error_at,
		       last_error_message, attempts, successes, failures, messages_processed,
		       next_reconnect_at, active, last_uid_watermark, last_uid_validity
		FROM status_records
		WHERE active = 1 AND state IN ('disconnected', 'error', 'reconnecting')
		ORDER BY mailbox_id`)
	if err != nil {
		return nil, fmt.Errorf("statusstore: needing reconnection: %w", err)
	}
	defer rows.Close()

	var out []model.StatusRecord
	for rows.Next() {
		rec, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ActiveWithStatus joins mailboxes and status_records for the
// observability surface.
func (s *Store) ActiveWithStatus(ctx context.Context) ([]model.Mailbox, []model.StatusRecord, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT m.id, m.address, m.host, m.port, m.tls_mode, m.username, m.password,
		       m.active, m.owner, m.daily_send_limit, m.version, m.created_at, m.updated_at,
		       s.state, s.last_connected_at, s.last_disconnect_at, s.last_error_at,
		       s.last_error_message, s.attempts, s.successes, s.failures, s.messages_processed,
		       s.next_reconnect_at, s.last_uid_watermark, s.last_uid_validity
		FROM mailboxes m
		LEFT JOIN status_records s ON s.mailbox_id = m.id
		WHERE m.active = 1
		ORDER BY m.id`)
	if err != nil {
		return nil, nil, fmt.Errorf("statusstore: join query: %w", err)
	}
	defer rows.Close()

	var mailboxes []model.Mailbox
	var statuses []model.StatusRecord
	for rows.Next() {
		var mb model.Mailbox
		var rec model.StatusRecord
		var tlsMode, active int
		var created, updated string
		var state, lastConn, lastDisc, lastErrAt, lastErrMsg, nextReconnect sql.NullString
		var attempts, successes, failures, processed, watermark, validity sql.NullInt64

		if err := rows.Scan(&mb.ID, &mb.Address, &mb.Host, &mb.Port, &tlsMode, &mb.Username, &mb.Password,
			&active, &mb.Owner, &mb.DailySendLimit, &mb.Version, &created, &updated,
			&state, &lastConn, &lastDisc, &lastErrAt, &lastErrMsg, &attempts, &successes, &failures,
			&processed, &nextReconnect, &watermark, &validity); err != nil {
			return nil, nil, fmt.Errorf("statusstore: scan join row: %w", err)
		}
		mb.TLSMode = model.TLSMode(tlsMode)
		mb.Active = active != 0
		mb.CreatedAt, _ = time.Parse(time.RFC3339, created)
		mb.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		mailboxes = append(mailboxes, mb)

		rec.MailboxID = mb.ID
		rec.State = model.ConnState(state.String)
		rec.LastConnectedAt = parseTime(lastConn.String)
		rec.LastDisconnectAt = parseTime(lastDisc.String)
		rec.LastErrorAt = parseTime(lastErrAt.String)
		rec.LastErrorMessage = lastErrMsg.String
		rec.Attempts = attempts.Int64
		rec.Successes = successes.Int64
		rec.Failures = failures.Int64
		rec.MessagesProcessed = processed.Int64
		rec.NextReconnectAt = parseTime(nextReconnect.String)
		rec.LastUIDWatermark = uint32(watermark.Int64)
		rec.LastUIDValidity = uint32(validity.Int64)
		rec.Active = mb.Active
		statuses = append(statuses, rec)
	}
	return mailboxes, statuses, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(r rowScanner) (model.StatusRecord, error) {
	var rec model.StatusRecord
	var active int
	var lastConn, lastDisc, lastErrAt, nextReconnect sql.NullString
	err := r.Scan(&rec.MailboxID, &rec.State, &lastConn, &lastDisc, &lastErrAt,
		&rec.LastErrorMessage, &rec.Attempts, &rec.Successes, &rec.Failures, &rec.MessagesProcessed,
		&nextReconnect, &active, &rec.LastUIDWatermark, &rec.LastUIDValidity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("statusstore: scan: %w", err)
	}
	rec.Active = active != 0
	rec.LastConnectedAt = parseTime(lastConn.String)
	rec.LastDisconnectAt = parseTime(lastDisc.String)
	rec.LastErrorAt = parseTime(lastErrAt.String)
	rec.NextReconnectAt = parseTime(nextReconnect.String)
	return rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
