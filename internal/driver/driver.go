// Package driver runs episodes of the environment under a policy and emits
// one record per step.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/dbheal/internal/env"
)

// #region types
// Record is one step of an episode as seen by downstream consumers.
type Record struct {
	EpisodeID  string     `json:"episode_id"`
	SourceID   string     `json:"source_id,omitempty"`
	Step       int        `json:"step"`
	Timestamp  time.Time  `json:"timestamp"`
	Action     env.Action `json:"action_id"`
	Reward     float64    `json:"reward"`
	State      env.State  `json:"state"`
	Info       env.Info   `json:"info"`
	Terminated bool       `json:"terminated"`
}

// Episode is a completed (or cut short) run from reset to termination.
type Episode struct {
	ID             string
	SourceID       string
	Seed           int64
	AnomalyAtReset bool
	Initial        env.State
	Records        []Record
	TotalReward    float64
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Terminated reports whether the episode reached the environment horizon.
func (e Episode) Terminated() bool {
	return len(e.Records) > 0 && e.Records[len(e.Records)-1].Terminated
}

// Sink receives records as they are produced. Implementations must be safe
// for use from one goroutine at a time; the driver serialises calls.
type Sink interface {
	WriteStep(ctx context.Context, r Record) error
	WriteEpisode(ctx context.Context, ep Episode) error
}

// RunOptions controls a single episode.
type RunOptions struct {
	Seed  int64
	Reset env.ResetOptions
	// SourceID tags records when the episode was seeded outside the env's
	// record source (for example from a streamed row).
	SourceID string
	// MaxSteps stops the episode early when > 0.
	MaxSteps int
}

// PolicyFactory builds the policy for episode i of a batch.
type PolicyFactory func(i int) Policy
// #endregion types

// #region driver
// Driver owns the dynamics and collaborators shared by all episodes it runs.
type Driver struct {
	cfg    env.Config
	src    env.RecordSource
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex // serialises sink calls
}

// New creates a driver. src and sink may be nil.
func New(cfg env.Config, src env.RecordSource, sink Sink, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:    cfg,
		src:    src,
		sink:   sink,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RunEpisode creates a fresh environment, resets it, and steps it under p
// until termination, MaxSteps, or an error.
func (d *Driver) RunEpisode(ctx context.Context, p Policy, opts RunOptions) (Episode, error) {
	e := env.New(d.cfg, rand.New(rand.NewSource(opts.Seed)), d.src)

	obs, _, err := e.Reset(ctx, opts.Reset)
	if err != nil {
		return Episode{}, fmt.Errorf("reset: %w", err)
	}

	ep := Episode{
		ID:             uuid.New().String(),
		SourceID:       opts.SourceID,
		Seed:           opts.Seed,
		AnomalyAtReset: e.AnomalyPresent(),
		Initial:        obs,
		StartedAt:      d.now(),
	}
	if id := e.SourceID(); id != "" {
		ep.SourceID = id
	}

	for !e.Done() {
		if opts.MaxSteps > 0 && len(ep.Records) >= opts.MaxSteps {
			break
		}
		if err := ctx.Err(); err != nil {
			return ep, err
		}

		a, err := p.Act(ctx, obs)
		if err != nil {
			return ep, fmt.Errorf("policy at step %d: %w", e.Steps()+1, err)
		}
		res, err := e.Step(a)
		if err != nil {
			return ep, fmt.Errorf("step %d: %w", e.Steps()+1, err)
		}

		rec := Record{
			EpisodeID:  ep.ID,
			SourceID:   ep.SourceID,
			Step:       e.Steps(),
			Timestamp:  d.now(),
			Action:     a,
			Reward:     res.Reward,
			State:      res.State,
			Info:       res.Info,
			Terminated: res.Terminated,
		}
		ep.Records = append(ep.Records, rec)
		ep.TotalReward += res.Reward
		obs = res.State

		if err := d.writeStep(ctx, rec); err != nil {
			return ep, err
		}
	}

	ep.FinishedAt = d.now()
	if err := d.writeEpisode(ctx, ep); err != nil {
		return ep, err
	}

	d.logger.Debug("episode finished",
		"episode_id", ep.ID,
		"source_id", ep.SourceID,
		"steps", len(ep.Records),
		"total_reward", ep.TotalReward,
	)
	return ep, nil
}

// RunEpisodes runs n independent episodes on up to workers goroutines.
// Episode i uses seed baseSeed+i and its own environment, so results do not
// depend on scheduling unless a record source is set: its samples (the store
// draws with ORDER BY RANDOM()) are outside the episode seed. The first error
// cancels the remaining episodes.
func (d *Driver) RunEpisodes(ctx context.Context, n, workers int, baseSeed int64, newPolicy PolicyFactory) ([]Episode, error) {
	if n <= 0 {
		return nil, nil
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	episodes := make([]Episode, n)
	jobs := make(chan int)
	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				ep, err := d.RunEpisode(ctx, newPolicy(i), RunOptions{Seed: baseSeed + int64(i)})
				if err != nil {
					errMu.Lock()
					if firstErr == nil && !errors.Is(err, context.Canceled) {
						firstErr = fmt.Errorf("episode %d: %w", i, err)
					}
					errMu.Unlock()
					cancel()
					continue
				}
				episodes[i] = ep
			}
		}()
	}

feed:
	for i := 0; i < n; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return episodes, nil
}
// #endregion driver

// #region sink
func (d *Driver) writeStep(ctx context.Context, r Record) error {
	if d.sink == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sink.WriteStep(ctx, r); err != nil {
		return fmt.Errorf("write step: %w", err)
	}
	return nil
}

func (d *Driver) writeEpisode(ctx context.Context, ep Episode) error {
	if d.sink == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sink.WriteEpisode(ctx, ep); err != nil {
		return fmt.Errorf("write episode: %w", err)
	}
	return nil
}
// #endregion sink

// Flatten concatenates the records of several episodes in order.
func Flatten(episodes []Episode) []Record {
	var n int
	for _, ep := range episodes {
		n += len(ep.Records)
	}
	out := make([]Record, 0, n)
	for _, ep := range episodes {
		out = append(out, ep.Records...)
	}
	return out
}
