// Package env implements the simulated self-healing database: a bounded
// episode in which an agent applies remediation actions to a small numeric
// summary of database health and collects shaped rewards.
package env

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// #region errors
var (
	// ErrInvalidAction is returned for action ids outside the five remediations.
	ErrInvalidAction = errors.New("invalid action")
	// ErrEmptySampleSource is returned when a reset asks the record source
	// for an anomaly label and the source has no rows.
	ErrEmptySampleSource = errors.New("empty sample source")
	// ErrEpisodeDone is returned when stepping a terminated episode.
	ErrEpisodeDone = errors.New("episode already terminated")
	// ErrNotReset is returned when stepping before the first reset.
	ErrNotReset = errors.New("environment not reset")
)
// #endregion errors

// #region record-source
// SeedRecord is a labeled record an episode can be seeded from.
type SeedRecord struct {
	ID             string
	AnomalyPresent bool
}

// RecordSource samples labeled records for resets.
type RecordSource interface {
	SampleRecord(ctx context.Context) (SeedRecord, error)
}
// #endregion record-source

// #region reset-options
// ResetOptions controls how a new episode is seeded. Zero value means:
// keep the current random stream and take the anomaly label from the record
// source, or draw it synthetically when there is no source.
type ResetOptions struct {
	Seed        *int64
	AnomalyHint *bool
	// Start replaces the sampled initial state. The anomaly label is still
	// resolved as above.
	Start *State
}
// #endregion reset-options

// #region env
// Env is one episode state machine. It is not safe for concurrent use;
// run parallel episodes on separate instances.
type Env struct {
	cfg Config
	rng *rand.Rand
	src RecordSource

	state           State
	steps           int
	anomalyPresent  bool
	anomalyResolved bool
	recoveryTime    int
	sourceID        string
	ready           bool
}

// New creates an environment. A nil rng is seeded from the clock; a nil
// src means anomaly labels are synthetic unless a hint is given.
func New(cfg Config, rng *rand.Rand, src RecordSource) *Env {
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultConfig().Horizon
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Env{cfg: cfg, rng: rng, src: src}
}

// Config returns the dynamics in use.
func (e *Env) Config() Config { return e.cfg }

// State returns the current observation.
func (e *Env) State() State { return e.state }

// Steps returns the number of steps taken in the current episode.
func (e *Env) Steps() int { return e.steps }

// SourceID returns the id of the record the episode was seeded from, if any.
func (e *Env) SourceID() string { return e.sourceID }

// AnomalyPresent reports whether an anomaly is currently outstanding.
func (e *Env) AnomalyPresent() bool { return e.anomalyPresent }

// Done reports whether the current episode reached the horizon.
func (e *Env) Done() bool { return e.ready && e.steps >= e.cfg.Horizon }
// #endregion env

// #region reset
// Reset starts a new episode and returns the initial observation and an
// empty info record.
func (e *Env) Reset(ctx context.Context, opts ResetOptions) (State, Info, error) {
	if opts.Seed != nil {
		e.rng = rand.New(rand.NewSource(*opts.Seed))
	}

	present, sourceID, err := e.anomalyLabel(ctx, opts.AnomalyHint)
	if err != nil {
		return State{}, Info{}, err
	}

	var st State
	if opts.Start != nil {
		st = *opts.Start
		st.MissingPct = math.Max(0, st.MissingPct)
		st.AnomalyCount = math.Max(0, st.AnomalyCount)
		st.QueryLatency = math.Max(0, st.QueryLatency)
	} else {
		ranges := e.cfg.Absent
		if present {
			ranges = e.cfg.Present
		}
		st = State{
			MissingPct:   e.uniform(ranges.Missing),
			AnomalyCount: e.uniform(ranges.Anomalies),
			QueryLatency: e.uniform(ranges.Latency),
		}
	}

	e.state = st
	e.steps = 0
	e.anomalyPresent = present
	e.anomalyResolved = false
	e.recoveryTime = 0
	e.sourceID = sourceID
	e.ready = true
	return e.state, Info{}, nil
}

func (e *Env) anomalyLabel(ctx context.Context, hint *bool) (bool, string, error) {
	if hint != nil {
		return *hint, "", nil
	}
	if e.src == nil {
		return e.rng.Float64() < e.cfg.SyntheticAnomalyRate, "", nil
	}
	rec, err := e.src.SampleRecord(ctx)
	if err != nil {
		if errors.Is(err, ErrEmptySampleSource) {
			return false, "", err
		}
		return false, "", fmt.Errorf("sample record: %w", err)
	}
	return rec.AnomalyPresent, rec.ID, nil
}
// #endregion reset

// #region step
// Step applies one action. Invalid actions leave the episode untouched.
func (e *Env) Step(a Action) (StepResult, error) {
	if !a.Valid() {
		return StepResult{}, fmt.Errorf("%w: %d", ErrInvalidAction, int(a))
	}
	if !e.ready {
		return StepResult{}, ErrNotReset
	}
	if e.steps >= e.cfg.Horizon {
		return StepResult{}, ErrEpisodeDone
	}

	missing := e.state.MissingPct
	anomalies := e.state.AnomalyCount
	latency := e.state.QueryLatency

	var ok bool
	switch a {
	case ImputeMissing:
		if ok = missing > e.cfg.ImputeThreshold; ok {
			missing -= e.cfg.ImputeDelta
		}
	case Deduplicate:
		if ok = anomalies > 0; ok {
			anomalies -= e.cfg.DedupDelta
		}
	case Rollback:
		if ok = e.anomalyPresent; ok {
			e.anomalyPresent = false
			e.anomalyResolved = true
			e.recoveryTime++
		}
	case OptimizeIndexing:
		if ok = latency > e.cfg.LatencyThreshold; ok {
			latency -= e.uniform(e.cfg.IndexReduction)
		}
	case ReconfigureQueryPlan:
		if ok = latency > e.cfg.LatencyThreshold; ok {
			latency -= e.uniform(e.cfg.PlanReduction)
		}
	}

	p := e.cfg.Rewards.payoff(a)
	reward := p.Failure
	if ok {
		reward = p.Success
	}

	e.steps++
	e.recoveryTime++

	e.state.MissingPct = math.Max(0, missing)
	e.state.AnomalyCount = math.Max(0, anomalies)
	e.state.QueryLatency = math.Max(0, latency)
	e.state.History.Push()

	info := Info{
		AnomalyPresent:  e.anomalyPresent,
		AnomalyResolved: e.anomalyResolved,
		Uptime:          latency < e.cfg.UptimeLatency,
	}
	if e.anomalyResolved {
		info.RecoveryTime = e.recoveryTime
	}

	return StepResult{
		State:      e.state,
		Reward:     reward,
		Terminated: e.steps >= e.cfg.Horizon,
		Info:       info,
	}, nil
}
// #endregion step

func (e *Env) uniform(r Range) float64 {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + e.rng.Float64()*(r.Max-r.Min)
}
