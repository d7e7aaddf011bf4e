package env

import "fmt"

// #region config
// Range is a closed interval sampled uniformly.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// ResetRanges are the draw ranges for the three continuous state components.
type ResetRanges struct {
	Missing   Range `yaml:"missing" json:"missing"`
	Anomalies Range `yaml:"anomalies" json:"anomalies"`
	Latency   Range `yaml:"latency" json:"latency"`
}

// Payoff is the reward for an action depending on whether its precondition held.
type Payoff struct {
	Success float64 `yaml:"success" json:"success"`
	Failure float64 `yaml:"failure" json:"failure"`
}

// Rewards holds one payoff per action.
type Rewards struct {
	Impute      Payoff `yaml:"impute" json:"impute"`
	Deduplicate Payoff `yaml:"deduplicate" json:"deduplicate"`
	Rollback    Payoff `yaml:"rollback" json:"rollback"`
	Index       Payoff `yaml:"index" json:"index"`
	Plan        Payoff `yaml:"plan" json:"plan"`
}

// Config holds the dynamics of the environment.
type Config struct {
	Horizon              int     `yaml:"horizon" json:"horizon"`
	SyntheticAnomalyRate float64 `yaml:"synthetic_anomaly_rate" json:"synthetic_anomaly_rate"`

	ImputeThreshold  float64 `yaml:"impute_threshold" json:"impute_threshold"`   // missing must exceed this
	ImputeDelta      float64 `yaml:"impute_delta" json:"impute_delta"`
	DedupDelta       float64 `yaml:"dedup_delta" json:"dedup_delta"`
	LatencyThreshold float64 `yaml:"latency_threshold" json:"latency_threshold"` // tuning only helps above this
	UptimeLatency    float64 `yaml:"uptime_latency" json:"uptime_latency"`       // up when latency is below this

	IndexReduction Range `yaml:"index_reduction" json:"index_reduction"`
	PlanReduction  Range `yaml:"plan_reduction" json:"plan_reduction"`

	Present ResetRanges `yaml:"present" json:"present"`
	Absent  ResetRanges `yaml:"absent" json:"absent"`

	Rewards Rewards `yaml:"rewards" json:"rewards"`
}

// DefaultConfig returns the realistic dynamics.
func DefaultConfig() Config {
	return Config{
		Horizon:              30,
		SyntheticAnomalyRate: 0.5,
		ImputeThreshold:      0.05,
		ImputeDelta:          0.1,
		DedupDelta:           1,
		LatencyThreshold:     100,
		UptimeLatency:        100,
		IndexReduction:       Range{Min: 30, Max: 60},
		PlanReduction:        Range{Min: 20, Max: 50},
		Present: ResetRanges{
			Missing:   Range{Min: 0.1, Max: 0.4},
			Anomalies: Range{Min: 10, Max: 30},
			Latency:   Range{Min: 300, Max: 600},
		},
		Absent: ResetRanges{
			Missing:   Range{Min: 0.0, Max: 0.1},
			Anomalies: Range{Min: 0, Max: 5},
			Latency:   Range{Min: 50, Max: 150},
		},
		Rewards: Rewards{
			Impute:      Payoff{Success: 1, Failure: -4},
			Deduplicate: Payoff{Success: 1, Failure: -4},
			Rollback:    Payoff{Success: 5, Failure: -10},
			Index:       Payoff{Success: 2, Failure: -3},
			Plan:        Payoff{Success: 1, Failure: -4},
		},
	}
}

// Validate rejects configurations the state machine cannot run.
func (c Config) Validate() error {
	if c.Horizon <= 0 {
		return fmt.Errorf("horizon must be > 0")
	}
	if c.SyntheticAnomalyRate < 0 || c.SyntheticAnomalyRate > 1 {
		return fmt.Errorf("synthetic_anomaly_rate must be in [0, 1]")
	}
	ranges := []struct {
		name string
		r    Range
	}{
		{"index_reduction", c.IndexReduction},
		{"plan_reduction", c.PlanReduction},
		{"present.missing", c.Present.Missing},
		{"present.anomalies", c.Present.Anomalies},
		{"present.latency", c.Present.Latency},
		{"absent.missing", c.Absent.Missing},
		{"absent.anomalies", c.Absent.Anomalies},
		{"absent.latency", c.Absent.Latency},
	}
	for _, r := range ranges {
		if r.r.Max < r.r.Min {
			return fmt.Errorf("%s: max %.4f below min %.4f", r.name, r.r.Max, r.r.Min)
		}
		if r.r.Min < 0 {
			return fmt.Errorf("%s: negative min %.4f", r.name, r.r.Min)
		}
	}
	return nil
}

// payoff returns the reward pair for a valid action.
func (r Rewards) payoff(a Action) Payoff {
	switch a {
	case ImputeMissing:
		return r.Impute
	case Deduplicate:
		return r.Deduplicate
	case Rollback:
		return r.Rollback
	case OptimizeIndexing:
		return r.Index
	default:
		return r.Plan
	}
}
// #endregion config
