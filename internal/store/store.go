// Package store persists labeled incidents, the stream buffer episodes are
// seeded from, and the agent and evaluation logs, in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/dbheal/internal/driver"
	"github.com/danielpatrickdp/dbheal/internal/env"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS spill_incidents (
	spill_number       TEXT PRIMARY KEY,
	spill_date         TEXT,
	material_name      TEXT,
	quantity           REAL,
	recovered          REAL,
	spill_anomaly_flag INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS stream_buffer (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	spill_number       TEXT NOT NULL,
	spill_date         TEXT,
	material_name      TEXT,
	quantity           REAL,
	recovered          REAL,
	spill_anomaly_flag INTEGER NOT NULL DEFAULT 0,
	streamed_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS episodes (
	episode_id       TEXT PRIMARY KEY,
	source_id        TEXT,
	seed             INTEGER NOT NULL,
	anomaly_at_reset INTEGER NOT NULL,
	steps            INTEGER NOT NULL,
	total_reward     REAL NOT NULL,
	started_at       TEXT NOT NULL,
	finished_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_log (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	episode_id       TEXT NOT NULL,
	source_id        TEXT,
	step             INTEGER NOT NULL,
	timestamp        TEXT NOT NULL,
	action_id        INTEGER NOT NULL,
	action_name      TEXT NOT NULL,
	reward           REAL NOT NULL,
	state_json       TEXT NOT NULL,
	anomaly_present  INTEGER NOT NULL,
	anomaly_resolved INTEGER NOT NULL,
	recovery_time    INTEGER NOT NULL,
	uptime           INTEGER NOT NULL,
	terminated       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agent_log_episode ON agent_log (episode_id, step);

CREATE TABLE IF NOT EXISTS evaluation_metrics (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	source       TEXT NOT NULL,
	granularity  TEXT NOT NULL,
	steps        INTEGER NOT NULL,
	episodes     INTEGER NOT NULL,
	total_reward REAL NOT NULL,
	mttr         REAL,
	zdsr         REAL,
	ara          REAL,
	uptime_ratio REAL
);
`
// #endregion schema

// #region store-struct
// Store manages the simulator database.
type Store struct {
	db *sql.DB
}
// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
// #endregion constructor

// #region incidents
// ImportIncidents upserts labeled incidents and returns how many were written.
func (s *Store) ImportIncidents(ctx context.Context, incidents []Incident) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO spill_incidents (spill_number, spill_date, material_name, quantity, recovered, spill_anomaly_flag)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(spill_number) DO UPDATE SET
			spill_date = excluded.spill_date,
			material_name = excluded.material_name,
			quantity = excluded.quantity,
			recovered = excluded.recovered,
			spill_anomaly_flag = excluded.spill_anomaly_flag`,
	)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, inc := range incidents {
		if inc.SpillNumber == "" {
			return 0, fmt.Errorf("incident without spill number")
		}
		if _, err := stmt.ExecContext(ctx,
			inc.SpillNumber, nullTime(inc.SpillDate), inc.MaterialName,
			inc.Quantity, inc.Recovered, boolInt(inc.AnomalyFlag),
		); err != nil {
			return 0, fmt.Errorf("insert incident %s: %w", inc.SpillNumber, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(incidents), nil
}

// ListIncidents returns incidents oldest first.
func (s *Store) ListIncidents(ctx context.Context, limit int) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT spill_number, spill_date, material_name, quantity, recovered, spill_anomaly_flag
		 FROM spill_incidents ORDER BY spill_date ASC, spill_number ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}
// #endregion incidents

// #region stream-buffer
// ResetStreamBuffer empties the stream buffer.
func (s *Store) ResetStreamBuffer(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stream_buffer`); err != nil {
		return fmt.Errorf("reset stream buffer: %w", err)
	}
	return nil
}

// AppendStream copies one incident into the stream buffer.
func (s *Store) AppendStream(ctx context.Context, inc Incident, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_buffer (spill_number, spill_date, material_name, quantity, recovered, spill_anomaly_flag, streamed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inc.SpillNumber, nullTime(inc.SpillDate), inc.MaterialName,
		inc.Quantity, inc.Recovered, boolInt(inc.AnomalyFlag),
		at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append stream %s: %w", inc.SpillNumber, err)
	}
	return nil
}

// RecentStream returns the most recently streamed incidents, newest first.
func (s *Store) RecentStream(ctx context.Context, limit int) ([]StreamedIncident, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT spill_number, spill_date, material_name, quantity, recovered, spill_anomaly_flag, streamed_at
		 FROM stream_buffer ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent stream: %w", err)
	}
	defer rows.Close()

	var out []StreamedIncident
	for rows.Next() {
		var si StreamedIncident
		var date sql.NullString
		var material sql.NullString
		var flag int
		var streamedAt string
		if err := rows.Scan(&si.SpillNumber, &date, &material, &si.Quantity, &si.Recovered, &flag, &streamedAt); err != nil {
			return nil, fmt.Errorf("scan stream row: %w", err)
		}
		si.SpillDate = parseNullTime(date)
		si.MaterialName = material.String
		si.AnomalyFlag = flag != 0
		si.StreamedAt, _ = time.Parse(time.RFC3339Nano, streamedAt)
		out = append(out, si)
	}
	return out, rows.Err()
}

// SampleRecord draws one random row from the stream buffer. It implements
// env.RecordSource.
func (s *Store) SampleRecord(ctx context.Context) (env.SeedRecord, error) {
	var rec env.SeedRecord
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT spill_number, spill_anomaly_flag FROM stream_buffer ORDER BY RANDOM() LIMIT 1`,
	).Scan(&rec.ID, &flag)
	if errors.Is(err, sql.ErrNoRows) {
		return env.SeedRecord{}, fmt.Errorf("%w: stream_buffer has no rows", env.ErrEmptySampleSource)
	}
	if err != nil {
		return env.SeedRecord{}, fmt.Errorf("sample stream_buffer: %w", err)
	}
	rec.AnomalyPresent = flag != 0
	return rec, nil
}
// #endregion stream-buffer

// #region episodes
// ListEpisodes returns the most recent episode summaries.
func (s *Store) ListEpisodes(ctx context.Context, limit int) ([]EpisodeRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT episode_id, source_id, seed, anomaly_at_reset, steps, total_reward, started_at, finished_at
		 FROM episodes ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	var out []EpisodeRow
	for rows.Next() {
		var e EpisodeRow
		var source sql.NullString
		var anomaly int
		var started, finished string
		if err := rows.Scan(&e.EpisodeID, &source, &e.Seed, &anomaly, &e.Steps, &e.TotalReward, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		e.SourceID = source.String
		e.AnomalyAtReset = anomaly != 0
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		e.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadSteps reads agent log records grouped by episode, episodes in the
// order they first wrote a step and steps in order. An empty episodeID loads
// the whole log.
func (s *Store) LoadSteps(ctx context.Context, episodeID string) ([]driver.Record, error) {
	query := `SELECT episode_id, source_id, step, timestamp, action_id, reward, state_json,
		anomaly_present, anomaly_resolved, recovery_time, uptime, terminated
		FROM agent_log a`
	var args []any
	if episodeID != "" {
		query += ` WHERE episode_id = ? ORDER BY step ASC, id ASC`
		args = append(args, episodeID)
	} else {
		query += ` ORDER BY (SELECT MIN(b.id) FROM agent_log b WHERE b.episode_id = a.episode_id), step ASC, id ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()

	var out []driver.Record
	for rows.Next() {
		var r driver.Record
		var source sql.NullString
		var ts, stateJSON string
		var action int
		var present, resolved, uptime, terminated int
		if err := rows.Scan(&r.EpisodeID, &source, &r.Step, &ts, &action, &r.Reward, &stateJSON,
			&present, &resolved, &r.Info.RecoveryTime, &uptime, &terminated); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if err := json.Unmarshal([]byte(stateJSON), &r.State); err != nil {
			return nil, fmt.Errorf("decode state for %s step %d: %w", r.EpisodeID, r.Step, err)
		}
		r.SourceID = source.String
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		r.Action = env.Action(action)
		r.Info.AnomalyPresent = present != 0
		r.Info.AnomalyResolved = resolved != 0
		r.Info.Uptime = uptime != 0
		r.Terminated = terminated != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
// #endregion episodes

// #region runs
// ListRuns returns the most recent evaluation metrics entries.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, created_at, source, granularity, steps, episodes, total_reward, mttr, zdsr, ara, uptime_ratio
		 FROM evaluation_metrics ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		var created string
		if err := rows.Scan(&r.RunID, &created, &r.Source, &r.Granularity, &r.Steps, &r.Episodes,
			&r.TotalReward, &r.MTTR, &r.ZDSR, &r.ARA, &r.UptimeRatio); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}
// #endregion runs

// #region helpers
type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(row scanner) (Incident, error) {
	var inc Incident
	var date sql.NullString
	var material sql.NullString
	var flag int
	if err := row.Scan(&inc.SpillNumber, &date, &material, &inc.Quantity, &inc.Recovered, &flag); err != nil {
		return Incident{}, fmt.Errorf("scan incident: %w", err)
	}
	inc.SpillDate = parseNullTime(date)
	inc.MaterialName = material.String
	inc.AnomalyFlag = flag != 0
	return inc, nil
}

func nullTime(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return t.Time.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(s sql.NullString) sql.NullTime {
	if !s.Valid || s.String == "" {
		return sql.NullTime{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
// #endregion helpers
