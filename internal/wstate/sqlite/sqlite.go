// Package sqlite implements wstate.Store on modernc.org/sqlite (CGO-free),
// grounded on loykin-provisr's internal/store/sqlite driver: same
// sql.Open("sqlite", ...) setup, same single-connection pin for
// ":memory:" DSNs, same guarded CREATE TABLE + ON CONFLICT upsert idiom.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nef/procman/internal/wstate"
)

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path. Use ":memory:" for an in-memory store.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("wstate/sqlite: empty path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if p == ":memory:" {
		d.SetMaxOpenConns(1)
	}
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) Close() error { return s.db.Close() }

// EnsureSchema creates worker_state_v2 if absent, migrating rows out of a
// legacy v1 worker_state table (keyed by name, no heartbeat_disabled
// column) when one is found.
func (s *DB) EnsureSchema(ctx context.Context) error {
	const createV2 = `CREATE TABLE IF NOT EXISTS worker_state_v2(
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL,
		path               TEXT NOT NULL,
		enabled            INTEGER NOT NULL DEFAULT 0,
		debug              INTEGER NOT NULL DEFAULT 0,
		heartbeat_disabled INTEGER NOT NULL DEFAULT 0,
		pause_on_start     INTEGER NOT NULL DEFAULT 0,
		updated_at         TIMESTAMP NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, createV2); err != nil {
		return err
	}
	return s.migrateV1(ctx)
}

func (s *DB) migrateV1(ctx context.Context) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='worker_state'`,
	).Scan(&exists)
	if err != nil || exists == 0 {
		return nil //nolint:nilerr // absence of a v1 table is not an error
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, enabled, pause_on_start FROM worker_state`)
	if err != nil {
		return err
	}
	defer rows.Close()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for rows.Next() {
		var name string
		var enabled, pauseOnStart int
		if err := rows.Scan(&name, &enabled, &pauseOnStart); err != nil {
			_ = tx.Rollback()
			return err
		}
		// v1 had no path component in its key; id becomes "name:" until the
		// worker is next discovered and re-upserted with its real path.
		id := name + ":"
		_, err := tx.ExecContext(ctx, `
			INSERT INTO worker_state_v2(id, name, path, enabled, debug, heartbeat_disabled, pause_on_start, updated_at)
			VALUES(?, ?, '', ?, 0, 0, ?, ?)
			ON CONFLICT(id) DO NOTHING;`,
			id, name, enabled, pauseOnStart, time.Now().UTC())
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := rows.Err(); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DROP TABLE worker_state`)
	return err
}

func (s *DB) Upsert(ctx context.Context, rec wstate.Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("wstate/sqlite: empty id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_state_v2(id, name, path, enabled, debug, heartbeat_disabled, pause_on_start, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			path=excluded.path,
			enabled=excluded.enabled,
			debug=excluded.debug,
			heartbeat_disabled=excluded.heartbeat_disabled,
			pause_on_start=excluded.pause_on_start,
			updated_at=excluded.updated_at;`,
		rec.ID, rec.Name, rec.Path, rec.Enabled, rec.Debug, rec.HeartbeatDisabled, rec.PauseOnStart, time.Now().UTC())
	return err
}

func (s *DB) Get(ctx context.Context, id string) (wstate.Record, bool, error) {
	var r wstate.Record
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, enabled, debug, heartbeat_disabled, pause_on_start FROM worker_state_v2 WHERE id=?;`, id)
	err := row.Scan(&r.ID, &r.Name, &r.Path, &r.Enabled, &r.Debug, &r.HeartbeatDisabled, &r.PauseOnStart)
	if errors.Is(err, sql.ErrNoRows) {
		return wstate.Record{}, false, nil
	}
	if err != nil {
		return wstate.Record{}, false, err
	}
	return r, true, nil
}

func (s *DB) All(ctx context.Context) ([]wstate.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, path, enabled, debug, heartbeat_disabled, pause_on_start FROM worker_state_v2;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wstate.Record
	for rows.Next() {
		var r wstate.Record
		if err := rows.Scan(&r.ID, &r.Name, &r.Path, &r.Enabled, &r.Debug, &r.HeartbeatDisabled, &r.PauseOnStart); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM worker_state_v2 WHERE id=?;`, id)
	return err
}
