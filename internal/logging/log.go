// Package logging writes episode steps, episode summaries, and evaluation
// runs to the tables owned by the store, and to the CSV files downstream
// plotting reads.
package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danielpatrickdp/dbheal/internal/driver"
	"github.com/danielpatrickdp/dbheal/internal/env"
)

// #region log-step
// StepEntryFrom converts a driver record into an agent_log row.
func StepEntryFrom(r driver.Record) (StepEntry, error) {
	state, err := json.Marshal(r.State)
	if err != nil {
		return StepEntry{}, fmt.Errorf("marshal state: %w", err)
	}
	return StepEntry{
		EpisodeID: r.EpisodeID,
		SourceID:  r.SourceID,
		Step:      r.Step,
		Timestamp: r.Timestamp,
		ActionID:  int(r.Action),
		Reward:    r.Reward,
		StateJSON: string(state),
		Present:   r.Info.AnomalyPresent,
		Resolved:  r.Info.AnomalyResolved,
		Recovery:  r.Info.RecoveryTime,
		Uptime:    r.Info.Uptime,
		Terminal:  r.Terminated,
	}, nil
}

// LogStep writes one step to the agent_log table.
func LogStep(ctx context.Context, db *sql.DB, entry StepEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO agent_log (episode_id, source_id, step, timestamp, action_id, action_name, reward, state_json,
			anomaly_present, anomaly_resolved, recovery_time, uptime, terminated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EpisodeID,
		nullIfEmpty(entry.SourceID),
		entry.Step,
		entry.Timestamp.Format(time.RFC3339Nano),
		entry.ActionID,
		env.Action(entry.ActionID).String(),
		entry.Reward,
		entry.StateJSON,
		entry.Present,
		entry.Resolved,
		entry.Recovery,
		entry.Uptime,
		entry.Terminal,
	)
	if err != nil {
		return fmt.Errorf("log step: %w", err)
	}
	return nil
}
// #endregion log-step

// #region log-episode
// LogEpisode writes an episode summary.
func LogEpisode(ctx context.Context, db *sql.DB, entry EpisodeEntry) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO episodes (episode_id, source_id, seed, anomaly_at_reset, steps, total_reward, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EpisodeID,
		nullIfEmpty(entry.SourceID),
		entry.Seed,
		entry.AnomalyAtReset,
		entry.Steps,
		entry.TotalReward,
		entry.StartedAt.UTC().Format(time.RFC3339Nano),
		entry.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log episode: %w", err)
	}
	return nil
}
// #endregion log-episode

// #region log-metrics
// LogMetrics appends an evaluation run. Undefined metrics are stored as NULL.
func LogMetrics(ctx context.Context, db *sql.DB, entry MetricsEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s := entry.Summary

	_, err := db.ExecContext(ctx,
		`INSERT INTO evaluation_metrics (run_id, created_at, source, granularity, steps, episodes, total_reward,
			mttr, zdsr, ara, uptime_ratio)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.CreatedAt.Format(time.RFC3339Nano),
		entry.Source,
		string(s.Granularity),
		s.Steps,
		s.Episodes,
		s.TotalReward,
		s.MTTR.Null(),
		s.ZDSR.Null(),
		s.ARA.Null(),
		s.UptimeRatio.Null(),
	)
	if err != nil {
		return fmt.Errorf("log metrics: %w", err)
	}
	return nil
}
// #endregion log-metrics

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers
