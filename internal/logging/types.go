package logging

import (
	"time"

	"github.com/danielpatrickdp/dbheal/internal/driver"
	"github.com/danielpatrickdp/dbheal/internal/eval"
)

// #region step-entry
// StepEntry is a single row in the agent_log table.
type StepEntry struct {
	EpisodeID string
	SourceID  string // spill number the episode was seeded from, if any
	Step      int
	Timestamp time.Time
	ActionID  int
	Reward    float64
	StateJSON string
	Present   bool
	Resolved  bool
	Recovery  int
	Uptime    bool
	Terminal  bool
}
// #endregion step-entry

// #region episode-entry
// EpisodeEntry is a single row in the episodes table.
type EpisodeEntry struct {
	EpisodeID      string
	SourceID       string
	Seed           int64
	AnomalyAtReset bool
	Steps          int
	TotalReward    float64
	StartedAt      time.Time
	FinishedAt     time.Time
}

// EpisodeEntryFrom summarises a driver episode.
func EpisodeEntryFrom(ep driver.Episode) EpisodeEntry {
	return EpisodeEntry{
		EpisodeID:      ep.ID,
		SourceID:       ep.SourceID,
		Seed:           ep.Seed,
		AnomalyAtReset: ep.AnomalyAtReset,
		Steps:          len(ep.Records),
		TotalReward:    ep.TotalReward,
		StartedAt:      ep.StartedAt,
		FinishedAt:     ep.FinishedAt,
	}
}
// #endregion episode-entry

// #region metrics-entry
// MetricsEntry is a single row in the evaluation_metrics log.
type MetricsEntry struct {
	RunID     string
	CreatedAt time.Time
	Source    string // "episodes" | "agent_log" | "stream"
	Summary   eval.Summary
}
// #endregion metrics-entry
