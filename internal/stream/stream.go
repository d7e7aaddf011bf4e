// Package stream replays labeled incidents into the stream buffer as if they
// arrived live, letting a policy react to each one, and flags suspicious
// rows in what was streamed.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/dbheal/internal/driver"
	"github.com/danielpatrickdp/dbheal/internal/env"
	"github.com/danielpatrickdp/dbheal/internal/store"
)

// DefaultPace is the delay between streamed rows.
const DefaultPace = 500 * time.Millisecond

// DefaultLimit is how many incidents one run streams.
const DefaultLimit = 100

// Buffer is the storage a Streamer reads incidents from and appends to.
type Buffer interface {
	ListIncidents(ctx context.Context, limit int) ([]store.Incident, error)
	ResetStreamBuffer(ctx context.Context) error
	AppendStream(ctx context.Context, inc store.Incident, at time.Time) error
}

// #region options
// Options controls a stream run.
type Options struct {
	Limit int
	// Pace is the delay between rows. Zero streams without waiting.
	Pace time.Duration
	// Seed is the base seed; row i runs with Seed+i.
	Seed int64
}
// #endregion options

// #region streamer
// Streamer copies incidents oldest first into the stream buffer and runs a
// one-step episode per row, seeded with that row's anomaly label.
type Streamer struct {
	buf    Buffer
	driver *driver.Driver
	policy driver.Policy
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewStreamer creates a streamer.
func NewStreamer(buf Buffer, d *driver.Driver, p driver.Policy, opts Options, logger *slog.Logger) *Streamer {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Pace < 0 {
		opts.Pace = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		buf:    buf,
		driver: d,
		policy: p,
		opts:   opts,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Result is what one stream run produced.
type Result struct {
	Streamed int
	Records  []driver.Record

	// Observations holds the state the policy acted on for each record.
	Observations []env.State
}

// Run empties the stream buffer and streams up to Limit incidents. It stops
// at the first error or when ctx is cancelled, returning what was streamed.
func (s *Streamer) Run(ctx context.Context) (Result, error) {
	var res Result

	incidents, err := s.buf.ListIncidents(ctx, s.opts.Limit)
	if err != nil {
		return res, err
	}
	if err := s.buf.ResetStreamBuffer(ctx); err != nil {
		return res, err
	}

	for i, inc := range incidents {
		if i > 0 && s.opts.Pace > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(s.opts.Pace):
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if err := s.buf.AppendStream(ctx, inc, s.now()); err != nil {
			return res, err
		}
		res.Streamed++

		hint := inc.AnomalyFlag
		ep, err := s.driver.RunEpisode(ctx, s.policy, driver.RunOptions{
			Seed:     s.opts.Seed + int64(i),
			Reset:    env.ResetOptions{AnomalyHint: &hint},
			SourceID: inc.SpillNumber,
			MaxSteps: 1,
		})
		if err != nil {
			return res, fmt.Errorf("incident %s: %w", inc.SpillNumber, err)
		}
		res.Records = append(res.Records, ep.Records...)
		if len(ep.Records) > 0 {
			res.Observations = append(res.Observations, ep.Initial)
		}

		if len(ep.Records) > 0 {
			r := ep.Records[0]
			s.logger.Info("streamed incident",
				"row", i+1,
				"of", len(incidents),
				"spill_number", inc.SpillNumber,
				"anomaly", inc.AnomalyFlag,
				"action", r.Action.String(),
				"reward", r.Reward,
			)
		}
	}
	return res, nil
}
// #endregion streamer
