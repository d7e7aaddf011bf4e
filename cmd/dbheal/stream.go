package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/dbheal/internal/driver"
	"github.com/danielpatrickdp/dbheal/internal/eval"
	"github.com/danielpatrickdp/dbheal/internal/logging"
	"github.com/danielpatrickdp/dbheal/internal/stream"
)

// #region stream
var (
	streamLimit  int
	streamPace   time.Duration
	streamPolicy string
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream incidents through the environment",
	Long: `Empties the stream buffer, then replays stored spill incidents in date
order. Each incident is appended to the buffer and handled with one agent
action. The steps are persisted, exported to CSV, and scored.`,
	RunE: runStream,
}

func init() {
	streamCmd.Flags().IntVar(&streamLimit, "limit", 0, "incidents to stream (0 uses the config)")
	streamCmd.Flags().DurationVar(&streamPace, "pace", -1, "delay between incidents (negative uses the config)")
	streamCmd.Flags().StringVar(&streamPolicy, "policy", "random", "random, fixed:<action> or sequence:<a,b,...>")
}

func runStream(cmd *cobra.Command, args []string) error {
	opts := stream.Options{
		Limit: cfg.Stream.Limit,
		Pace:  cfg.Stream.Pace,
		Seed:  cfg.Driver.Seed,
	}
	if streamLimit > 0 {
		opts.Limit = streamLimit
	}
	if streamPace >= 0 {
		opts.Pace = streamPace
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	factory, closePolicy, err := policyFactory(streamPolicy, cfg.Driver.Seed)
	if err != nil {
		return err
	}
	defer closePolicy()

	d := driver.New(cfg.Env, nil, logging.NewSQLSink(s.DB()), logger)
	res, err := stream.NewStreamer(s, d, factory(0), opts, logger).Run(cmd.Context())
	if err != nil {
		return err
	}
	if res.Streamed == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "no incidents to stream; run import first")
		return nil
	}

	if cfg.Output.AgentLogCSV != "" {
		if err := writeStepsCSV(outputPath(cfg.Output.AgentLogCSV), res.Records); err != nil {
			return err
		}
	}

	summary := eval.Evaluate(res.Records, eval.EvalConfig{Granularity: cfg.EvalGranularity()})
	return report(cmd.Context(), cmd.OutOrStdout(), s, "stream", summary, false)
}
// #endregion stream

// #region inspect
var (
	inspectLimit int
	inspectJSON  bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Flag anomalies among recently streamed incidents",
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().IntVar(&inspectLimit, "limit", 50, "most recent streamed rows to inspect")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "print findings as JSON")
}

func runInspect(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	rows, err := s.RecentStream(cmd.Context(), inspectLimit)
	if err != nil {
		return err
	}
	findings := stream.InspectStreamed(rows, cfg.Stream.Rules)

	out := cmd.OutOrStdout()
	if inspectJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(findings)
	}

	fmt.Fprintf(out, "Inspected %d streamed incidents, %d anomalous\n\n", len(rows), len(findings))
	if len(findings) == 0 {
		return nil
	}
	fmt.Fprintf(out, "%-14s| %s\n", "Spill", "Flags")
	fmt.Fprintf(out, "%-14s+%s\n", "--------------", "------------------------------")
	for _, f := range findings {
		flags := make([]string, len(f.Flags))
		for i, fl := range f.Flags {
			flags[i] = string(fl)
		}
		fmt.Fprintf(out, "%-14s| %s\n", f.SpillNumber, strings.Join(flags, ", "))
	}
	return nil
}
// #endregion inspect
