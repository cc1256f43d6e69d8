// Package postgres implements wstate.Store on pgx's database/sql driver,
// grounded on loykin-provisr's internal/store/postgres driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nef/procman/internal/wstate"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) EnsureSchema(ctx context.Context) error {
	const createV2 = `CREATE TABLE IF NOT EXISTS worker_state_v2(
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL,
		path               TEXT NOT NULL,
		enabled            BOOLEAN NOT NULL DEFAULT FALSE,
		debug              BOOLEAN NOT NULL DEFAULT FALSE,
		heartbeat_disabled BOOLEAN NOT NULL DEFAULT FALSE,
		pause_on_start     BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at         TIMESTAMPTZ NOT NULL
	);`
	if _, err := p.db.ExecContext(ctx, createV2); err != nil {
		return err
	}
	return p.migrateV1(ctx)
}

func (p *DB) migrateV1(ctx context.Context) error {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'worker_state')`,
	).Scan(&exists)
	if err != nil || !exists {
		return nil //nolint:nilerr // absence of a v1 table is not an error
	}

	rows, err := p.db.QueryContext(ctx, `SELECT name, enabled, pause_on_start FROM worker_state`)
	if err != nil {
		return err
	}
	defer rows.Close()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for rows.Next() {
		var name string
		var enabled, pauseOnStart bool
		if err := rows.Scan(&name, &enabled, &pauseOnStart); err != nil {
			_ = tx.Rollback()
			return err
		}
		id := name + ":"
		_, err := tx.ExecContext(ctx, `
			INSERT INTO worker_state_v2(id, name, path, enabled, debug, heartbeat_disabled, pause_on_start, updated_at)
			VALUES($1, $2, '', $3, FALSE, FALSE, $4, $5)
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
	_, err = p.db.ExecContext(ctx, `DROP TABLE worker_state`)
	return err
}

func (p *DB) Upsert(ctx context.Context, rec wstate.Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("wstate/postgres: empty id")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO worker_state_v2(id, name, path, enabled, debug, heartbeat_disabled, pause_on_start, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT(id) DO UPDATE SET
			name=EXCLUDED.name,
			path=EXCLUDED.path,
			enabled=EXCLUDED.enabled,
			debug=EXCLUDED.debug,
			heartbeat_disabled=EXCLUDED.heartbeat_disabled,
			pause_on_start=EXCLUDED.pause_on_start,
			updated_at=EXCLUDED.updated_at;`,
		rec.ID, rec.Name, rec.Path, rec.Enabled, rec.Debug, rec.HeartbeatDisabled, rec.PauseOnStart, time.Now().UTC())
	return err
}

func (p *DB) Get(ctx context.Context, id string) (wstate.Record, bool, error) {
	var r wstate.Record
	row := p.db.QueryRowContext(ctx,
		`SELECT id, name, path, enabled, debug, heartbeat_disabled, pause_on_start FROM worker_state_v2 WHERE id=$1;`, id)
	err := row.Scan(&r.ID, &r.Name, &r.Path, &r.Enabled, &r.Debug, &r.HeartbeatDisabled, &r.PauseOnStart)
	if errors.Is(err, sql.ErrNoRows) {
		return wstate.Record{}, false, nil
	}
	if err != nil {
		return wstate.Record{}, false, err
	}
	return r, true, nil
}

func (p *DB) All(ctx context.Context) ([]wstate.Record, error) {
	rows, err := p.db.QueryContext(ctx,
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

func (p *DB) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM worker_state_v2 WHERE id=$1;`, id)
	return err
}
