package mailboxstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/meko-christian/imap-fleet/internal/model"
	"github.com/meko-christian/imap-fleet/internal/sqlitedb"
)

func openTestDB(t *testing.T) *sqlitedb.DB {
	t.Helper()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertThenGet(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()

	mb := model.Mailbox{ID: "mb1", Address: "mb1@example.com", Host: "example.com", Port: 993, Active: true}
	if err := s.Upsert(ctx, mb); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.Get(ctx, "mb1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Address != mb.Address || got.Host != mb.Host {
		t.Errorf("got %+v, want matching address/host", got)
	}
}

func TestGetServesFromCacheAfterFirstRead(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()

	mb := model.Mailbox{ID: "mb1", Address: "mb1@example.com", Host: "example.com", Port: 993, Active: true}
	if err := s.Upsert(ctx, mb); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.Get(ctx, "mb1"); err != nil {
		t.Fatalf("first get: %v", err)
	}

	if _, ok := s.cache.Get("mb1"); !ok {
		t.Error("expected mb1 to be populated in the LRU cache after a Get")
	}
}

func TestUpsertInvalidatesCache(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()

	mb := model.Mailbox{ID: "mb1", Address: "mb1@example.com", Host: "example.com", Port: 993, Active: true}
	if err := s.Upsert(ctx, mb); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.Get(ctx, "mb1"); err != nil {
		t.Fatalf("get: %v", err)
	}

	mb.Host = "updated.example.com"
	if err := s.Upsert(ctx, mb); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.Get(ctx, "mb1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Host != "updated.example.com" {
		t.Errorf("Host = %q, want the updated value (cache was not invalidated)", got.Host)
	}
}

func TestDeactivateClearsActiveFlagAndCache(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()

	mb := model.Mailbox{ID: "mb1", Address: "mb1@example.com", Host: "example.com", Port: 993, Active: true}
	if err := s.Upsert(ctx, mb); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Deactivate(ctx, "mb1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	got, err := s.Get(ctx, "mb1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Active {
		t.Error("expected mailbox to be inactive after Deactivate")
	}
}

func TestListActiveExcludesInactive(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()

	if err := s.Upsert(ctx, model.Mailbox{ID: "active1", Address: "a@example.com", Host: "example.com", Port: 993, Active: true}); err != nil {
		t.Fatalf("upsert active1: %v", err)
	}
	if err := s.Upsert(ctx, model.Mailbox{ID: "inactive1", Address: "b@example.com", Host: "example.com", Port: 993, Active: false}); err != nil {
		t.Fatalf("upsert inactive1: %v", err)
	}

	list, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(list) != 1 || list[0].ID != "active1" {
		t.Errorf("got %+v, want only active1", list)
	}
}

func TestGetMissingReturnsNoRows(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	s := New(db)

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}
