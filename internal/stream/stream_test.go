package stream

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/dbheal/internal/driver"
	"github.com/danielpatrickdp/dbheal/internal/env"
	"github.com/danielpatrickdp/dbheal/internal/logging"
	"github.com/danielpatrickdp/dbheal/internal/store"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "stream.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func day(d int) sql.NullTime {
	return sql.NullTime{Time: time.Date(2023, 1, d, 0, 0, 0, 0, time.UTC), Valid: true}
}

func seedIncidents(t *testing.T, s *store.Store) {
	t.Helper()
	incs := []store.Incident{
		{SpillNumber: "A", SpillDate: day(3), AnomalyFlag: true},
		{SpillNumber: "B", SpillDate: day(1), AnomalyFlag: false},
		{SpillNumber: "C", SpillDate: day(2), AnomalyFlag: true},
	}
	if _, err := s.ImportIncidents(context.Background(), incs); err != nil {
		t.Fatalf("ImportIncidents: %v", err)
	}
}

func TestStreamerRun(t *testing.T) {
	s := tempStore(t)
	seedIncidents(t, s)

	d := driver.New(env.DefaultConfig(), nil, logging.NewSQLSink(s.DB()), nil)
	st := NewStreamer(s, d, driver.FixedPolicy(env.Rollback), Options{Limit: 10}, nil)

	res, err := st.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Streamed != 3 || len(res.Records) != 3 {
		t.Fatalf("expected 3 streamed rows and records, got %d/%d", res.Streamed, len(res.Records))
	}

	// Oldest first: B, C, A. Rollback pays only where the label was set.
	wantSource := []string{"B", "C", "A"}
	wantReward := []float64{-10, 5, 5}
	for i, r := range res.Records {
		if r.SourceID != wantSource[i] {
			t.Errorf("record %d: expected source %s, got %s", i, wantSource[i], r.SourceID)
		}
		if r.Reward != wantReward[i] {
			t.Errorf("record %d: expected reward %.0f, got %.0f", i, wantReward[i], r.Reward)
		}
		if r.Step != 1 {
			t.Errorf("record %d: expected one-step episode, got step %d", i, r.Step)
		}
	}

	// Observations are the pre-action reset states.
	if len(res.Observations) != len(res.Records) {
		t.Fatalf("expected %d observations, got %d", len(res.Records), len(res.Observations))
	}
	for i, obs := range res.Observations {
		if obs.History.Newest() != 0 || res.Records[i].State.History.Newest() != 1 {
			t.Errorf("record %d: observation should precede the action", i)
		}
	}
	if res.Observations[1].MissingPct < 0.1 {
		t.Errorf("labeled incident C should reset with missing >= 0.1, got %v", res.Observations[1].MissingPct)
	}

	recent, err := s.RecentStream(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentStream: %v", err)
	}
	if len(recent) != 3 || recent[0].SpillNumber != "A" {
		t.Fatalf("unexpected stream buffer %+v", recent)
	}

	logged, err := s.LoadSteps(context.Background(), "")
	if err != nil {
		t.Fatalf("LoadSteps: %v", err)
	}
	if len(logged) != 3 || logged[0].SourceID != "B" {
		t.Fatalf("expected 3 logged steps starting with B, got %+v", logged)
	}
}

func TestStreamerResetsBuffer(t *testing.T) {
	s := tempStore(t)
	seedIncidents(t, s)
	d := driver.New(env.DefaultConfig(), nil, nil, nil)
	st := NewStreamer(s, d, driver.NewRandomPolicy(1), Options{Limit: 2}, nil)

	for i := 0; i < 2; i++ {
		if _, err := st.Run(context.Background()); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}
	recent, err := s.RecentStream(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentStream: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected buffer reset between runs, got %d rows", len(recent))
	}
}

func TestStreamerCancelDuringPace(t *testing.T) {
	s := tempStore(t)
	seedIncidents(t, s)
	d := driver.New(env.DefaultConfig(), nil, nil, nil)
	st := NewStreamer(s, d, driver.FixedPolicy(env.ImputeMissing), Options{Limit: 3, Pace: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := st.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if res.Streamed != 1 {
		t.Fatalf("expected the first row before the pause, got %d", res.Streamed)
	}
}

func TestStreamerPolicyError(t *testing.T) {
	s := tempStore(t)
	seedIncidents(t, s)
	d := driver.New(env.DefaultConfig(), nil, nil, nil)
	st := NewStreamer(s, d, driver.FixedPolicy(9), Options{}, nil)

	if _, err := st.Run(context.Background()); !errors.Is(err, env.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
}

func TestInspect(t *testing.T) {
	incs := []store.Incident{
		{SpillNumber: "clean", SpillDate: day(1), MaterialName: "Diesel",
			Quantity: sql.NullFloat64{Float64: 10, Valid: true}, Recovered: sql.NullFloat64{Float64: 10, Valid: true}},
		{SpillNumber: "big", SpillDate: day(1), MaterialName: "Crude",
			Quantity: sql.NullFloat64{Float64: 10001, Valid: true}, Recovered: sql.NullFloat64{Float64: 1, Valid: true}},
		{SpillNumber: "edge", SpillDate: day(1), MaterialName: "Crude",
			Quantity: sql.NullFloat64{Float64: 10000, Valid: true}, Recovered: sql.NullFloat64{Float64: 1, Valid: true}},
		{SpillNumber: "mystery", MaterialName: "UNKNOWN Petroleum", AnomalyFlag: true},
	}

	got := Inspect(incs, DefaultRules())
	if len(got) != 2 {
		t.Fatalf("expected 2 findings, got %+v", got)
	}
	if got[0].SpillNumber != "big" || len(got[0].Flags) != 1 || got[0].Flags[0] != FlagLargeQuantity {
		t.Fatalf("unexpected first finding %+v", got[0])
	}
	want := []Flag{FlagLabeled, FlagUnknownMaterial, FlagMissingDate, FlagMissingRecovered}
	if len(got[1].Flags) != len(want) {
		t.Fatalf("expected flags %v, got %v", want, got[1].Flags)
	}
	for i := range want {
		if got[1].Flags[i] != want[i] {
			t.Fatalf("expected flags %v, got %v", want, got[1].Flags)
		}
	}
}

func TestInspectStreamed(t *testing.T) {
	rows := []store.StreamedIncident{{Incident: store.Incident{SpillNumber: "x", AnomalyFlag: true, SpillDate: day(2),
		Recovered: sql.NullFloat64{Valid: true}}}}
	got := InspectStreamed(rows, DefaultRules())
	if len(got) != 1 || got[0].Flags[0] != FlagLabeled {
		t.Fatalf("unexpected findings %+v", got)
	}
}
