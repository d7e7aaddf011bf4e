package logging

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danielpatrickdp/dbheal/internal/driver"
	"github.com/danielpatrickdp/dbheal/internal/env"
	"github.com/danielpatrickdp/dbheal/internal/eval"
	"github.com/danielpatrickdp/dbheal/internal/store"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s.DB()
}

func sampleRecord() driver.Record {
	return driver.Record{
		EpisodeID: "ep-1",
		SourceID:  "spill-42",
		Step:      3,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Action:    env.Rollback,
		Reward:    5,
		State: env.State{
			MissingPct:   0.2,
			AnomalyCount: 14,
			QueryLatency: 380,
			History:      env.HistoryFrom([env.HistoryLen]float64{0, 0, 1, 1, 1}),
		},
		Info: env.Info{AnomalyResolved: true, RecoveryTime: 4},
	}
}
// #endregion helpers

// #region log-step-tests
func TestLogStep_Success(t *testing.T) {
	db := setupDB(t)
	entry, err := StepEntryFrom(sampleRecord())
	if err != nil {
		t.Fatalf("StepEntryFrom: %v", err)
	}

	if err := LogStep(context.Background(), db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var actionName, stateJSON string
	var resolved, recovery int
	db.QueryRow("SELECT action_name, state_json, anomaly_resolved, recovery_time FROM agent_log").
		Scan(&actionName, &stateJSON, &resolved, &recovery)
	if actionName != "Rollback" {
		t.Errorf("expected action_name 'Rollback', got %q", actionName)
	}
	if stateJSON != "[0.2,14,380,0,0,1,1,1]" {
		t.Errorf("unexpected state_json %s", stateJSON)
	}
	if resolved != 1 || recovery != 4 {
		t.Errorf("expected resolved=1 recovery=4, got %d %d", resolved, recovery)
	}
}

func TestLogStep_ZeroTimestamp(t *testing.T) {
	db := setupDB(t)
	entry := StepEntry{EpisodeID: "ep-2", Step: 1, StateJSON: "[0,0,0,0,0,0,0,1]"}

	before := time.Now().UTC()
	if err := LogStep(context.Background(), db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var ts string
	db.QueryRow("SELECT timestamp FROM agent_log").Scan(&ts)
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		t.Fatalf("parse timestamp: %v", err)
	}
	if parsed.Before(before) {
		t.Error("expected auto-filled timestamp to be >= test start time")
	}
}

func TestLogStep_EmptySourceIsNull(t *testing.T) {
	db := setupDB(t)
	entry := StepEntry{EpisodeID: "ep-3", Step: 1, StateJSON: "[0,0,0,0,0,0,0,1]"}
	if err := LogStep(context.Background(), db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var source sql.NullString
	db.QueryRow("SELECT source_id FROM agent_log").Scan(&source)
	if source.Valid {
		t.Error("expected NULL source_id for empty string")
	}
}

func TestLogStep_Error(t *testing.T) {
	db := setupDB(t)
	db.Close() // close to force error

	if err := LogStep(context.Background(), db, StepEntry{EpisodeID: "ep-4"}); err == nil {
		t.Fatal("expected error on closed db")
	}
}
// #endregion log-step-tests

// #region log-metrics-tests
func TestLogMetrics_UndefinedStoredAsNull(t *testing.T) {
	db := setupDB(t)
	entry := MetricsEntry{
		RunID:  "run-1",
		Source: "episodes",
		Summary: eval.Summary{
			MTTR:        eval.Undefined(),
			ZDSR:        eval.Defined(0.9),
			ARA:         eval.Defined(0.4),
			UptimeRatio: eval.Defined(0.7),
			Granularity: eval.PerStep,
			Steps:       30,
			Episodes:    1,
		},
	}
	if err := LogMetrics(context.Background(), db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var mttr, zdsr sql.NullFloat64
	db.QueryRow("SELECT mttr, zdsr FROM evaluation_metrics").Scan(&mttr, &zdsr)
	if mttr.Valid {
		t.Error("expected NULL mttr for undefined metric")
	}
	if !zdsr.Valid || zdsr.Float64 != 0.9 {
		t.Errorf("expected zdsr 0.9, got %+v", zdsr)
	}
}
// #endregion log-metrics-tests

// #region sink-tests
func TestSQLSinkRoundTrip(t *testing.T) {
	s, err := store.NewStore(filepath.Join(t.TempDir(), "sink.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	d := driver.New(env.DefaultConfig(), nil, NewSQLSink(s.DB()), nil)
	ep, err := d.RunEpisode(context.Background(), driver.NewRandomPolicy(2), driver.RunOptions{Seed: 9})
	if err != nil {
		t.Fatalf("RunEpisode: %v", err)
	}

	steps, err := s.LoadSteps(context.Background(), ep.ID)
	if err != nil {
		t.Fatalf("LoadSteps: %v", err)
	}
	if len(steps) != len(ep.Records) {
		t.Fatalf("expected %d steps, got %d", len(ep.Records), len(steps))
	}
	for i := range steps {
		if steps[i].State.Vector() != ep.Records[i].State.Vector() {
			t.Fatalf("step %d state mismatch", i+1)
		}
		if steps[i].Action != ep.Records[i].Action || steps[i].Info != ep.Records[i].Info {
			t.Fatalf("step %d action/info mismatch", i+1)
		}
	}

	eps, err := s.ListEpisodes(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListEpisodes: %v", err)
	}
	if len(eps) != 1 || eps[0].EpisodeID != ep.ID || eps[0].Steps != 30 {
		t.Fatalf("unexpected episodes %+v", eps)
	}
}

func TestSQLSinkParallelEpisodesLoadGrouped(t *testing.T) {
	s, err := store.NewStore(filepath.Join(t.TempDir(), "parallel.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	d := driver.New(env.DefaultConfig(), nil, NewSQLSink(s.DB()), nil)
	eps, err := d.RunEpisodes(context.Background(), 10, 4, 11, func(i int) driver.Policy {
		return driver.NewRandomPolicy(int64(i))
	})
	if err != nil {
		t.Fatalf("RunEpisodes: %v", err)
	}

	steps, err := s.LoadSteps(context.Background(), "")
	if err != nil {
		t.Fatalf("LoadSteps: %v", err)
	}
	if len(steps) != 300 {
		t.Fatalf("expected 300 steps, got %d", len(steps))
	}

	switches := 0
	for i := 1; i < len(steps); i++ {
		if steps[i].EpisodeID != steps[i-1].EpisodeID {
			switches++
			continue
		}
		if steps[i].Step != steps[i-1].Step+1 {
			t.Fatalf("episode %s: step %d follows %d", steps[i].EpisodeID, steps[i].Step, steps[i-1].Step)
		}
	}
	if switches != len(eps)-1 {
		t.Fatalf("expected each episode's steps together (%d switches), got %d", len(eps)-1, switches)
	}

	// Scoring the log equals scoring the in-memory episodes in log order.
	byID := make(map[string]driver.Episode, len(eps))
	for _, ep := range eps {
		byID[ep.ID] = ep
	}
	var ordered []driver.Episode
	for i, r := range steps {
		if i == 0 || r.EpisodeID != steps[i-1].EpisodeID {
			ordered = append(ordered, byID[r.EpisodeID])
		}
	}
	cfg := eval.DefaultEvalConfig()
	if got, want := eval.Evaluate(steps, cfg), eval.Evaluate(driver.Flatten(ordered), cfg); got != want {
		t.Fatalf("log metrics %+v differ from episode metrics %+v", got, want)
	}
}
// #endregion sink-tests

// #region csv-tests
func TestWriteStepsCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteStepsCSV(&buf, []driver.Record{sampleRecord()}); err != nil {
		t.Fatalf("WriteStepsCSV: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d", len(rows))
	}
	if rows[1][2] != "spill-42" || rows[1][5] != "Rollback" || rows[1][7] != "[0.2,14,380,0,0,1,1,1]" {
		t.Fatalf("unexpected row %v", rows[1])
	}
}

func TestAppendMetricsCSVHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evaluation_metrics_log.csv")
	entry := MetricsEntry{RunID: "r", Source: "agent_log", Summary: eval.Summary{ZDSR: eval.Defined(1)}}

	for i := 0; i < 2; i++ {
		if err := AppendMetricsCSV(path, entry); err != nil {
			t.Fatalf("AppendMetricsCSV: %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n := strings.Count(string(data), "mean_time_to_recovery"); n != 1 {
		t.Fatalf("expected header once, found %d times", n)
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[1][3] != "+Inf" {
		t.Fatalf("expected undefined MTTR as +Inf, got %q", rows[1][3])
	}
	if rows[1][5] != "" {
		t.Fatalf("expected empty cell for undefined ARA, got %q", rows[1][5])
	}
}
// #endregion csv-tests
