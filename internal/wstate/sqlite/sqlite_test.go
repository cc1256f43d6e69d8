package sqlite

import (
	"context"
	"testing"

	"github.com/nef/procman/internal/wstate"
)

func TestUpsertGetAllDelete(t *testing.T) {
	ctx := context.Background()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	rec := wstate.Record{ID: "nginx:/usr/bin/nginx", Name: "nginx", Path: "/usr/bin/nginx", Enabled: true, Debug: false}
	if err := db.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok, err := db.Get(ctx, rec.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Name != "nginx" || !got.Enabled {
		t.Fatalf("unexpected record: %+v", got)
	}

	rec.Debug = true
	if err := db.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	got, _, _ = db.Get(ctx, rec.ID)
	if !got.Debug {
		t.Fatalf("expected debug=true after update")
	}

	all, err := db.All(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("All: %v %v", all, err)
	}

	if err := db.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, _ = db.Get(ctx, rec.ID)
	if ok {
		t.Fatalf("expected record gone after Delete")
	}
}

func TestMigratesV1Table(t *testing.T) {
	ctx := context.Background()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer db.Close()

	if _, err := db.db.ExecContext(ctx, `CREATE TABLE worker_state(
		name TEXT PRIMARY KEY, enabled INTEGER NOT NULL, pause_on_start INTEGER NOT NULL
	);`); err != nil {
		t.Fatalf("seed v1 table: %v", err)
	}
	if _, err := db.db.ExecContext(ctx, `INSERT INTO worker_state(name, enabled, pause_on_start) VALUES('redis', 1, 0);`); err != nil {
		t.Fatalf("seed v1 row: %v", err)
	}

	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	got, ok, err := db.Get(ctx, "redis:")
	if err != nil || !ok {
		t.Fatalf("expected migrated redis record, ok=%v err=%v", ok, err)
	}
	if !got.Enabled || got.HeartbeatDisabled {
		t.Fatalf("migrated record wrong: %+v", got)
	}

	var remaining int
	_ = db.db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name='worker_state'`).Scan(&remaining)
	if remaining != 0 {
		t.Fatalf("expected legacy worker_state table dropped after migration")
	}
}
