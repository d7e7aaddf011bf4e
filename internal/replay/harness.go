package replay

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/danielpatrickdp/dbheal/internal/env"
)

// #region types
// StepOutcome is the result of replaying one scripted action.
type StepOutcome struct {
	Step     int
	Action   env.Action
	Reward   float64
	Expected *float64 // nil when the fixture records no per-step reward
	Match    bool
	State    env.State
	Info     env.Info
}

// Result summarises a replay run.
type Result struct {
	Steps      []StepOutcome
	Total      float64
	TotalMatch bool
	Passed     bool
	Mismatches int
}
// #endregion types

// #region replay
// Replay runs the fixture's actions through a fresh environment seeded from
// the fixture. Scripts longer than the horizon fail with env.ErrEpisodeDone.
func Replay(ctx context.Context, f *Fixture) (Result, error) {
	cfg, err := f.EnvConfig()
	if err != nil {
		return Result{}, err
	}

	e := env.New(cfg, rand.New(rand.NewSource(f.Seed)), nil)
	if _, _, err := e.Reset(ctx, env.ResetOptions{AnomalyHint: f.AnomalyPresent, Start: f.StartState}); err != nil {
		return Result{}, fmt.Errorf("reset: %w", err)
	}

	tol := f.Tolerance
	if tol <= 0 {
		tol = 1e-9
	}

	res := Result{Steps: make([]StepOutcome, 0, len(f.Actions)), TotalMatch: true}
	for i, id := range f.Actions {
		a := env.Action(id)
		sr, err := e.Step(a)
		if err != nil {
			return res, fmt.Errorf("step %d: %w", i+1, err)
		}

		out := StepOutcome{
			Step:   i + 1,
			Action: a,
			Reward: sr.Reward,
			Match:  true,
			State:  sr.State,
			Info:   sr.Info,
		}
		if i < len(f.ExpectedRewards) {
			want := f.ExpectedRewards[i]
			out.Expected = &want
			out.Match = math.Abs(sr.Reward-want) <= tol
		}
		if !out.Match {
			res.Mismatches++
		}
		res.Total += sr.Reward
		res.Steps = append(res.Steps, out)
	}

	if f.ExpectedTotal != nil {
		res.TotalMatch = math.Abs(res.Total-*f.ExpectedTotal) <= tol
	}
	res.Passed = res.Mismatches == 0 && res.TotalMatch
	return res, nil
}
// #endregion replay
