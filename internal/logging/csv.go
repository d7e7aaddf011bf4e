package logging

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/danielpatrickdp/dbheal/internal/driver"
	"github.com/danielpatrickdp/dbheal/internal/eval"
)

var stepHeader = []string{"timestamp", "episode_id", "spill_number", "step", "action_id", "action_name", "reward", "state"}

var metricsHeader = []string{
	"timestamp", "run_id", "source",
	"mean_time_to_recovery", "zero_downtime_success_rate", "anomaly_resolution_accuracy", "uptime_ratio",
}

// WriteStepsCSV writes records in the agent_log.csv layout.
func WriteStepsCSV(w io.Writer, records []driver.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(stepHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range records {
		state, err := json.Marshal(r.State)
		if err != nil {
			return fmt.Errorf("marshal state: %w", err)
		}
		row := []string{
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.EpisodeID,
			r.SourceID,
			strconv.Itoa(r.Step),
			strconv.Itoa(int(r.Action)),
			r.Action.String(),
			strconv.FormatFloat(r.Reward, 'g', -1, 64),
			string(state),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write step %d: %w", r.Step, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// AppendMetricsCSV appends one run to a metrics CSV, writing the header only
// when the file is new. Undefined MTTR is written as +Inf, other undefined
// ratios as empty cells.
func AppendMetricsCSV(path string, entry MetricsEntry) error {
	_, statErr := os.Stat(path)
	exists := statErr == nil

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	s := entry.Summary

	cw := csv.NewWriter(f)
	if !exists {
		if err := cw.Write(metricsHeader); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	row := []string{
		created.Format("2006-01-02 15:04:05"),
		entry.RunID,
		entry.Source,
		strconv.FormatFloat(s.MTTR.OrInf(), 'g', -1, 64),
		formatValue(s.ZDSR),
		formatValue(s.ARA),
		formatValue(s.UptimeRatio),
	}
	if err := cw.Write(row); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

func formatValue(v eval.Value) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatFloat(v.Float64, 'g', -1, 64)
}
