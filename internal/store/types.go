package store

import (
	"database/sql"
	"time"
)

// #region incident
// Incident is a labeled spill record produced by the upstream ETL. The
// anomaly flag is what episodes are seeded from.
type Incident struct {
	SpillNumber  string
	SpillDate    sql.NullTime
	MaterialName string
	Quantity     sql.NullFloat64
	Recovered    sql.NullFloat64
	AnomalyFlag  bool
}

// StreamedIncident is an incident copied into the stream buffer.
type StreamedIncident struct {
	Incident
	StreamedAt time.Time
}
// #endregion incident

// #region episode-row
// EpisodeRow is the persisted summary of one episode.
type EpisodeRow struct {
	EpisodeID      string    `json:"episode_id"`
	SourceID       string    `json:"source_id,omitempty"`
	Seed           int64     `json:"seed"`
	AnomalyAtReset bool      `json:"anomaly_at_reset"`
	Steps          int       `json:"steps"`
	TotalReward    float64   `json:"total_reward"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}
// #endregion episode-row

// #region run-row
// RunRow is one entry of the evaluation metrics log. Undefined metrics are
// NULL.
type RunRow struct {
	RunID       string
	CreatedAt   time.Time
	Source      string
	Granularity string
	Steps       int
	Episodes    int
	TotalReward float64
	MTTR        sql.NullFloat64
	ZDSR        sql.NullFloat64
	ARA         sql.NullFloat64
	UptimeRatio sql.NullFloat64
}
// #endregion run-row
