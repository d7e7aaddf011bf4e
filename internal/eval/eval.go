// Package eval derives run-level metrics from a stream of step records.
package eval

import (
	"github.com/danielpatrickdp/dbheal/internal/driver"
	"github.com/danielpatrickdp/dbheal/internal/env"
)

// #region evaluate
// Evaluate computes every metric over records, which must be in step order.
// Metrics without qualifying samples are left undefined.
func Evaluate(records []driver.Record, cfg EvalConfig) Summary {
	if cfg.Granularity == "" {
		cfg.Granularity = PerStep
	}

	s := Summary{
		Granularity: cfg.Granularity,
		Steps:       len(records),
		Episodes:    len(groupEpisodes(records)),
		Recoveries:  len(recoveryStreaks(records)),
	}
	for _, r := range records {
		s.TotalReward += r.Reward
	}

	s.MTTR = valueOf(MTTR(records))
	s.ZDSR = valueOf(ZDSR(records, cfg.Granularity))
	s.ARA = valueOf(ARA(records))
	s.UptimeRatio = valueOf(UptimeRatio(records))
	return s
}
// #endregion evaluate

// #region metrics
// MTTR is the mean length of recovery streaks. A streak counts every record
// since the previous recovery and closes on a record whose anomaly count is
// zero, so [20 15 10 5 0 12 0] yields streaks of 5 and 2. Every zero record
// closes a streak, even one that never saw an anomaly: [0 0 0] yields 1.
func MTTR(records []driver.Record) (float64, error) {
	streaks := recoveryStreaks(records)
	if len(streaks) == 0 {
		return 0, ErrUndefinedMetric
	}
	var sum int
	for _, n := range streaks {
		sum += n
	}
	return float64(sum) / float64(len(streaks)), nil
}

// ZDSR is the share of steps (or episodes) that did not need a Rollback.
func ZDSR(records []driver.Record, g Granularity) (float64, error) {
	if len(records) == 0 {
		return 0, ErrUndefinedMetric
	}

	if g == PerEpisode {
		groups := groupEpisodes(records)
		clean := 0
		for _, recs := range groups {
			rolledBack := false
			for _, r := range recs {
				if r.Action == env.Rollback {
					rolledBack = true
					break
				}
			}
			if !rolledBack {
				clean++
			}
		}
		return float64(clean) / float64(len(groups)), nil
	}

	rollbacks := 0
	for _, r := range records {
		if r.Action == env.Rollback {
			rollbacks++
		}
	}
	return 1 - float64(rollbacks)/float64(len(records)), nil
}

// ARA is the share of consecutive record pairs where the anomaly count
// strictly decreased.
func ARA(records []driver.Record) (float64, error) {
	if len(records) < 2 {
		return 0, ErrUndefinedMetric
	}
	correct := 0
	for i := 0; i+1 < len(records); i++ {
		if records[i].State.AnomalyCount > records[i+1].State.AnomalyCount {
			correct++
		}
	}
	return float64(correct) / float64(len(records)-1), nil
}

// UptimeRatio is the share of records whose post-action latency was below
// the uptime threshold.
func UptimeRatio(records []driver.Record) (float64, error) {
	if len(records) == 0 {
		return 0, ErrUndefinedMetric
	}
	up := 0
	for _, r := range records {
		if r.Info.Uptime {
			up++
		}
	}
	return float64(up) / float64(len(records)), nil
}
// #endregion metrics

// #region helpers
func recoveryStreaks(records []driver.Record) []int {
	var streaks []int
	counter := 0
	for _, r := range records {
		counter++
		if r.State.AnomalyCount == 0 {
			streaks = append(streaks, counter)
			counter = 0
		}
	}
	return streaks
}

// groupEpisodes splits records by episode id, keeping first-seen order.
func groupEpisodes(records []driver.Record) [][]driver.Record {
	index := make(map[string]int)
	var groups [][]driver.Record
	for _, r := range records {
		i, ok := index[r.EpisodeID]
		if !ok {
			i = len(groups)
			index[r.EpisodeID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], r)
	}
	return groups
}
// #endregion helpers
