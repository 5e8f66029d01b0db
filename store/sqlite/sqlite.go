// Package sqlite provides the SQLite-backed store.Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the supervisor binary is
// fully static and runs on-target without a C toolchain.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/tri2510/vehicle-edge-runtime-sub001/store"
)

// defaultLogRetention is the fallback when Open is given a retention of 0.
const defaultLogRetention = 500

// DB implements store.Store using SQLite via database/sql.
type DB struct {
	db           *sql.DB
	logRetention int
}

// Open opens (or creates) the SQLite database at path and applies the
// schema. A single connection is kept open: SQLite serializes writes, and
// one connection avoids SQLITE_BUSY races against ourselves.
//
// logRetention bounds how many log_records rows survive a trim per app_id;
// 0 selects defaultLogRetention.
func Open(path string, logRetention int) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if logRetention <= 0 {
		logRetention = defaultLogRetention
	}

	s := &DB{db: db, logRetention: logRetention}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema. New versions should only ADD statements here
// so existing database files keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS applications (
			app_id       TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			kind         TEXT NOT NULL,
			version      TEXT NOT NULL,
			artifact     BLOB NOT NULL,
			dependencies TEXT NOT NULL DEFAULT '[]',
			signals      TEXT NOT NULL DEFAULT '[]',
			cpu_share    REAL NOT NULL DEFAULT 0,
			memory_bytes INTEGER NOT NULL DEFAULT 0,
			desired_state TEXT NOT NULL DEFAULT 'stopped',
			created_at   INTEGER NOT NULL,
			last_start_at INTEGER NOT NULL DEFAULT 0,
			data_path    TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS runtime_state (
			app_id           TEXT PRIMARY KEY REFERENCES applications(app_id),
			execution_id     TEXT NOT NULL,
			current_state    TEXT NOT NULL,
			container_handle TEXT NOT NULL DEFAULT '',
			exit_code        INTEGER,
			last_heartbeat   INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS log_records (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			app_id        TEXT NOT NULL,
			execution_id  TEXT NOT NULL,
			stream        TEXT NOT NULL,
			offset        INTEGER NOT NULL,
			ts            INTEGER NOT NULL,
			bytes         BLOB NOT NULL
		)`,

		// Log reads are always "tail N for this app_id" — index on (app_id, id)
		// so ORDER BY id DESC LIMIT N hits the index directly.
		`CREATE INDEX IF NOT EXISTS idx_logs_app_id ON log_records(app_id, id)`,

		`CREATE TABLE IF NOT EXISTS config_blob (
			id   INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ---- applications ----

func (s *DB) UpsertApplication(ctx context.Context, app *store.Application) error {
	deps, err := json.Marshal(app.DeclaredDependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	signals, err := json.Marshal(app.DeclaredSignals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO applications (
			app_id, name, kind, version, artifact, dependencies, signals,
			cpu_share, memory_bytes, desired_state, created_at, last_start_at, data_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET
			name          = excluded.name,
			kind          = excluded.kind,
			version       = excluded.version,
			artifact      = excluded.artifact,
			dependencies  = excluded.dependencies,
			signals       = excluded.signals,
			cpu_share     = excluded.cpu_share,
			memory_bytes  = excluded.memory_bytes,
			desired_state = excluded.desired_state,
			last_start_at = excluded.last_start_at,
			data_path     = excluded.data_path
	`,
		app.AppID, app.Name, string(app.Kind), app.Version, app.Artifact, string(deps), string(signals),
		app.ResourceLimits.CPUShare, app.ResourceLimits.MemoryBytes, string(app.DesiredState),
		app.CreatedAt, app.LastStartAt, app.DataPath,
	)
	return err
}

func (s *DB) DeleteApplication(ctx context.Context, appID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runtime_state WHERE app_id = ?`, appID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM log_records WHERE app_id = ?`, appID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM applications WHERE app_id = ?`, appID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *DB) GetApplication(ctx context.Context, appID string) (*store.Application, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT app_id, name, kind, version, artifact, dependencies, signals,
		       cpu_share, memory_bytes, desired_state, created_at, last_start_at, data_path
		  FROM applications WHERE app_id = ?`, appID)
	return scanApp(row.Scan)
}

func (s *DB) ListApplications(ctx context.Context, filter store.ListFilter) ([]*store.Application, error) {
	q := `SELECT app_id, name, kind, version, artifact, dependencies, signals,
	             cpu_share, memory_bytes, desired_state, created_at, last_start_at, data_path
	        FROM applications WHERE 1=1`
	var args []any
	if filter.DesiredState != "" {
		q += ` AND desired_state = ?`
		args = append(args, string(filter.DesiredState))
	}
	if filter.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	q += ` ORDER BY app_id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []*store.Application
	for rows.Next() {
		app, err := scanApp(rows.Scan)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// HasApplication is a best-effort synchronous existence check used by
// identity.Resolver. It opens its own short-lived query rather than
// threading a caller context through, matching the narrow Resolver
// interface it satisfies.
func (s *DB) HasApplication(appID string) bool {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM applications WHERE app_id = ?`, appID).Scan(&one)
	return err == nil
}

// ---- runtime state ----

func (s *DB) UpsertRuntimeState(ctx context.Context, rs *store.RuntimeState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtime_state (app_id, execution_id, current_state, container_handle, exit_code, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET
			execution_id     = excluded.execution_id,
			current_state    = excluded.current_state,
			container_handle = excluded.container_handle,
			exit_code        = excluded.exit_code,
			last_heartbeat   = excluded.last_heartbeat
	`, rs.AppID, rs.ExecutionID, string(rs.CurrentState), rs.ContainerHandle, rs.ExitCode, rs.LastHeartbeat)
	return err
}

func (s *DB) ClearRuntimeState(ctx context.Context, appID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runtime_state WHERE app_id = ?`, appID)
	return err
}

func (s *DB) GetRuntimeState(ctx context.Context, appID string) (*store.RuntimeState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT app_id, execution_id, current_state, container_handle, exit_code, last_heartbeat
		  FROM runtime_state WHERE app_id = ?`, appID)

	var rs store.RuntimeState
	var state string
	err := row.Scan(&rs.AppID, &rs.ExecutionID, &state, &rs.ContainerHandle, &rs.ExitCode, &rs.LastHeartbeat)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rs.CurrentState = store.RuntimeLifecycleState(state)
	return &rs, nil
}

// ---- logs ----

func (s *DB) AppendLog(ctx context.Context, rec store.LogRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO log_records (app_id, execution_id, stream, offset, ts, bytes)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.AppID, rec.ExecutionID, string(rec.Stream), rec.Offset, rec.TS, rec.Bytes)
	if err != nil {
		return err
	}

	// Trim oldest rows beyond the retention window for this app_id. Cheap
	// relative to the insert and keeps log_records from growing unbounded
	// across restarts of the same app.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM log_records
		 WHERE app_id = ? AND id NOT IN (
		       SELECT id FROM log_records WHERE app_id = ? ORDER BY id DESC LIMIT ?
		 )
	`, rec.AppID, rec.AppID, s.logRetention)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *DB) TailLogs(ctx context.Context, appID string, n int) ([]store.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT app_id, execution_id, stream, offset, ts, bytes
		  FROM log_records
		 WHERE app_id = ?
		 ORDER BY id DESC
		 LIMIT ?
	`, appID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []store.LogRecord
	for rows.Next() {
		var rec store.LogRecord
		var stream string
		if err := rows.Scan(&rec.AppID, &rec.ExecutionID, &stream, &rec.Offset, &rec.TS, &rec.Bytes); err != nil {
			return nil, err
		}
		rec.Stream = store.Stream(stream)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse: rows arrived newest-first, callers expect chronological order.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// ---- config ----

func (s *DB) GetConfig(ctx context.Context) (map[string]any, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM config_blob WHERE id = 1`)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("unmarshal config blob: %w", err)
	}
	return data, nil
}

func (s *DB) SetConfig(ctx context.Context, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal config blob: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO config_blob (id, data) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data
	`, string(raw))
	return err
}

func (s *DB) Close() error { return s.db.Close() }

// ---- internal helpers ----

// scanFn is the common signature of (*sql.Row).Scan and (*sql.Rows).Scan.
type scanFn func(dest ...any) error

func scanApp(scan scanFn) (*store.Application, error) {
	var app store.Application
	var kind, deps, signals, desired string
	err := scan(
		&app.AppID, &app.Name, &kind, &app.Version, &app.Artifact, &deps, &signals,
		&app.ResourceLimits.CPUShare, &app.ResourceLimits.MemoryBytes, &desired,
		&app.CreatedAt, &app.LastStartAt, &app.DataPath,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	app.Kind = store.Kind(kind)
	app.DesiredState = store.DesiredState(desired)
	if err := json.Unmarshal([]byte(deps), &app.DeclaredDependencies); err != nil {
		return nil, fmt.Errorf("unmarshal dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(signals), &app.DeclaredSignals); err != nil {
		return nil, fmt.Errorf("unmarshal signals: %w", err)
	}
	return &app, nil
}
