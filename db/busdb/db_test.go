package busdb

import (
	"context"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestRecordAndReadEvents(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "bus.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	cur, tgt, err := db.Version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if cur != 0 {
		t.Fatalf("current version not 0")
	}
	if err := db.MigrateUp(context.Background(), tgt); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	if err := db.RecordEvent("connect", "1", "", "127.0.0.1:1234"); err != nil {
		t.Fatalf("record connect: %v", err)
	}
	if err := db.RecordEvent("identify", "1", "openkore", "127.0.0.1:1234"); err != nil {
		t.Fatalf("record identify: %v", err)
	}

	evs, err := db.RecentEvents(10)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Kind != "identify" || evs[1].Kind != "connect" {
		t.Errorf("unexpected event order: %+v", evs)
	}
	if evs[0].UserAgent != "openkore" {
		t.Errorf("expected user_agent openkore, got %q", evs[0].UserAgent)
	}
}

func TestMigrations(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "bus.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	cur, tgt, err := db.Version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if cur != 0 {
		t.Fatalf("current version not 0")
	}
	if err := db.MigrateUp(context.Background(), tgt); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if err := db.MigrateDown(context.Background(), 0); err != nil {
		t.Fatalf("migrate down: %v", err)
	}
	if err := db.MigrateUp(context.Background(), tgt); err != nil {
		t.Fatalf("migrate up again: %v", err)
	}
}
