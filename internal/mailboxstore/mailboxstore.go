// Package mailboxstore is the configuration/credential source: a read
// surface over active Mailbox records, backed by SQLite with an
// in-memory LRU cache in front of single-mailbox lookups.
package mailboxstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meko-christian/imap-fleet/internal/model"
	"github.com/meko-christian/imap-fleet/internal/sqlitedb"
)

const getCacheSize = 256

// Store is the read surface used by the Scheduler at startup and on
// periodic refresh. Single-record Get lookups (off the Scheduler's hot
// path, which carries its own mailbox snapshot) are served from an LRU
// cache, invalidated by Upsert and Deactivate, to spare the store repeat
// round trips for the same id.
type Store struct {
	db    *sqlitedb.DB
	cache *lru.Cache[string, model.Mailbox]
}

func New(db *sqlitedb.DB) *Store {
	cache, _ := lru.New[string, model.Mailbox](getCacheSize)
	return &Store{db: db, cache: cache}
}

// ListActive returns all mailboxes with active = true.
func (s *Store) ListActive(ctx context.Context) ([]model.Mailbox, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, address, host, port, tls_mode, username, password, active,
		       owner, daily_send_limit, version, created_at, updated_at
		FROM mailboxes WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("mailboxstore: list active: %w", err)
	}
	defer rows.Close()

	var out []model.Mailbox
	for rows.Next() {
		mb, err := scanMailbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mb)
	}
	return out, rows.Err()
}

// Get returns a single mailbox by id, or sql.ErrNoRows if absent.
func (s *Store) Get(ctx context.Context, id string) (model.Mailbox, error) {
	if mb, ok := s.cache.Get(id); ok {
		return mb, nil
	}

	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT id, address, host, port, tls_mode, username, password, active,
		       owner, daily_send_limit, version, created_at, updated_at
		FROM mailboxes WHERE id = ?`, id)
	mb, err := scanMailbox(row)
	if err != nil {
		return mb, err
	}
	s.cache.Add(id, mb)
	return mb, nil
}

// Upsert creates or replaces a mailbox row, bumping version.
func (s *Store) Upsert(ctx context.Context, mb model.Mailbox) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO mailboxes (id, address, host, port, tls_mode, username, password,
		                        active, owner, daily_send_limit, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			address          = excluded.address,
			host             = excluded.host,
			port             = excluded.port,
			tls_mode         = excluded.tls_mode,
			username         = excluded.username,
			password         = excluded.password,
			active           = excluded.active,
			owner            = excluded.owner,
			daily_send_limit = excluded.daily_send_limit,
			version          = mailboxes.version + 1,
			updated_at       = excluded.updated_at
	`, mb.ID, mb.Address, mb.Host, mb.Port, int(mb.TLSMode), mb.Username, mb.Password,
		boolToInt(mb.Active), mb.Owner, mb.DailySendLimit, now, now)
	if err != nil {
		return fmt.Errorf("mailboxstore: upsert %q: %w", mb.ID, err)
	}
	s.cache.Remove(mb.ID)
	return nil
}

// Deactivate flips the active flag off without deleting the row, so
// operators retain history.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	_, err := s.db.Conn().ExecContext(ctx, `UPDATE mailboxes SET active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("mailboxstore: deactivate %q: %w", id, err)
	}
	s.cache.Remove(id)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMailbox(r rowScanner) (model.Mailbox, error) {
	var mb model.Mailbox
	var tlsMode, active int
	var created, updated string
	err := r.Scan(&mb.ID, &mb.Address, &mb.Host, &mb.Port, &tlsMode, &mb.Username, &mb.Password,
		&active, &mb.Owner, &mb.DailySendLimit, &mb.Version, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return mb, err
		}
		return mb, fmt.Errorf("mailboxstore: scan: %w", err)
	}
	mb.TLSMode = model.TLSMode(tlsMode)
	mb.Active = active != 0
	mb.CreatedAt, _ = time.Parse(time.RFC3339, created)
	mb.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return mb, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
