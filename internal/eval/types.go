package eval

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrUndefinedMetric is returned when a metric has no qualifying samples.
var ErrUndefinedMetric = errors.New("undefined metric")

// #region granularity
// Granularity selects how ZDSR is counted.
type Granularity string

const (
	PerStep    Granularity = "step"
	PerEpisode Granularity = "episode"
)

// ParseGranularity accepts "step" or "episode".
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case PerStep, PerEpisode:
		return Granularity(s), nil
	}
	return "", fmt.Errorf("unknown granularity %q (use step or episode)", s)
}
// #endregion granularity

// #region eval-config
// EvalConfig holds options for Evaluate.
type EvalConfig struct {
	Granularity Granularity
}

// DefaultEvalConfig counts ZDSR per step, as the agent log evaluation does.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{Granularity: PerStep}
}
// #endregion eval-config

// #region value
// Value is a metric that may be undefined. An undefined value is never
// reported as zero.
type Value struct {
	Float64 float64
	Valid   bool
}

// Defined wraps a computed metric.
func Defined(v float64) Value { return Value{Float64: v, Valid: true} }

// Undefined is a metric with no qualifying samples.
func Undefined() Value { return Value{} }

// valueOf converts a metric function result into a Value.
func valueOf(v float64, err error) Value {
	if err != nil {
		return Undefined()
	}
	return Defined(v)
}

// String renders undefined values as "undefined".
func (v Value) String() string {
	if !v.Valid {
		return "undefined"
	}
	return fmt.Sprintf("%.4f", v.Float64)
}

// OrInf returns +Inf for an undefined value, the convention the CSV log uses
// for MTTR when no recovery happened.
func (v Value) OrInf() float64 {
	if !v.Valid {
		return math.Inf(1)
	}
	return v.Float64
}

// Null converts to a nullable SQL column value.
func (v Value) Null() sql.NullFloat64 {
	return sql.NullFloat64{Float64: v.Float64, Valid: v.Valid}
}

// FromNull converts a nullable SQL column value.
func FromNull(n sql.NullFloat64) Value {
	return Value{Float64: n.Float64, Valid: n.Valid}
}

// MarshalJSON encodes undefined values as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(v.Float64)
}

// UnmarshalJSON decodes null as undefined.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Undefined()
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Defined(f)
	return nil
}
// #endregion value

// #region eval-metric
// EvalMetric is one named metric in a summary.
type EvalMetric struct {
	Name  string
	Value Value
}
// #endregion eval-metric

// #region summary
// Summary aggregates one run.
type Summary struct {
	MTTR        Value `json:"mean_time_to_recovery"`
	ZDSR        Value `json:"zero_downtime_success_rate"`
	ARA         Value `json:"anomaly_resolution_accuracy"`
	UptimeRatio Value `json:"uptime_ratio"`

	Granularity Granularity `json:"granularity"`
	Steps       int         `json:"steps"`
	Episodes    int         `json:"episodes"`
	Recoveries  int         `json:"recoveries"`
	TotalReward float64     `json:"total_reward"`
}

// Metrics lists the four metrics in report order.
func (s Summary) Metrics() []EvalMetric {
	return []EvalMetric{
		{Name: "mean_time_to_recovery", Value: s.MTTR},
		{Name: "zero_downtime_success_rate", Value: s.ZDSR},
		{Name: "anomaly_resolution_accuracy", Value: s.ARA},
		{Name: "uptime_ratio", Value: s.UptimeRatio},
	}
}
// #endregion summary
