package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/dbheal/internal/driver"
	"github.com/danielpatrickdp/dbheal/internal/env"
	"github.com/danielpatrickdp/dbheal/internal/eval"
	"github.com/danielpatrickdp/dbheal/internal/logging"
	"github.com/danielpatrickdp/dbheal/internal/store"
)

// #region evaluate
var (
	evalEpisodes    int
	evalWorkers     int
	evalPolicy      string
	evalGranularity string
	evalSampled     bool
	evalJSON        bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run a batch of episodes and score them",
	Long: `Runs episodes under a policy (local spec or the configured remote policy
service), persists every step to the agent log, and records the four
evaluation metrics in the metrics table and CSV.`,
	RunE: runEvaluate,
}

func init() {
	evaluateCmd.Flags().IntVar(&evalEpisodes, "episodes", 0, "number of episodes (0 uses the config)")
	evaluateCmd.Flags().IntVar(&evalWorkers, "workers", 0, "parallel episodes (0 uses the config)")
	evaluateCmd.Flags().StringVar(&evalPolicy, "policy", "random", "random, fixed:<action> or sequence:<a,b,...>")
	evaluateCmd.Flags().StringVar(&evalGranularity, "granularity", "", "ZDSR granularity: step or episode")
	evaluateCmd.Flags().BoolVar(&evalSampled, "sampled", false, "seed anomaly labels from the stream buffer")
	evaluateCmd.Flags().BoolVar(&evalJSON, "json", false, "print the summary as JSON")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	episodes := cfg.Driver.Episodes
	if evalEpisodes > 0 {
		episodes = evalEpisodes
	}
	workers := cfg.Driver.Workers
	if evalWorkers > 0 {
		workers = evalWorkers
	}
	g, err := granularity(evalGranularity)
	if err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	factory, closePolicy, err := policyFactory(evalPolicy, cfg.Driver.Seed)
	if err != nil {
		return err
	}
	defer closePolicy()

	var src env.RecordSource
	if evalSampled {
		src = s
	}
	d := driver.New(cfg.Env, src, logging.NewSQLSink(s.DB()), logger)

	start := time.Now()
	eps, err := d.RunEpisodes(cmd.Context(), episodes, workers, cfg.Driver.Seed, factory)
	if err != nil {
		return err
	}
	logger.Info("episodes finished", "episodes", len(eps), "duration", time.Since(start))

	summary := eval.Evaluate(driver.Flatten(eps), eval.EvalConfig{Granularity: g})
	return report(cmd.Context(), cmd.OutOrStdout(), s, "episodes", summary, evalJSON)
}
// #endregion evaluate

// #region evaluate-log
var (
	logEpisode     string
	logGranularity string
	logExportCSV   string
	logJSON        bool
)

var evaluateLogCmd = &cobra.Command{
	Use:   "evaluate-log",
	Short: "Score the persisted agent log",
	Long: `Computes the evaluation metrics from steps already in the agent log (all
of it, or one episode) and records them like evaluate does.`,
	RunE: runEvaluateLog,
}

func init() {
	evaluateLogCmd.Flags().StringVar(&logEpisode, "episode", "", "restrict to one episode id")
	evaluateLogCmd.Flags().StringVar(&logGranularity, "granularity", "", "ZDSR granularity: step or episode")
	evaluateLogCmd.Flags().StringVar(&logExportCSV, "export-csv", "", "also write the loaded steps to this CSV")
	evaluateLogCmd.Flags().BoolVar(&logJSON, "json", false, "print the summary as JSON")
}

func runEvaluateLog(cmd *cobra.Command, args []string) error {
	g, err := granularity(logGranularity)
	if err != nil {
		return err
	}
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	records, err := s.LoadSteps(cmd.Context(), logEpisode)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "agent log is empty")
		return nil
	}
	if logExportCSV != "" {
		if err := writeStepsCSV(logExportCSV, records); err != nil {
			return err
		}
	}

	summary := eval.Evaluate(records, eval.EvalConfig{Granularity: g})
	return report(cmd.Context(), cmd.OutOrStdout(), s, "agent_log", summary, logJSON)
}
// #endregion evaluate-log

// #region report
func granularity(flagValue string) (eval.Granularity, error) {
	if flagValue == "" {
		return cfg.EvalGranularity(), nil
	}
	return eval.ParseGranularity(flagValue)
}

// report persists a summary to the metrics table and CSV, then prints it.
func report(ctx context.Context, w io.Writer, s *store.Store, source string, summary eval.Summary, asJSON bool) error {
	entry := logging.MetricsEntry{
		RunID:     uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Source:    source,
		Summary:   summary,
	}
	if err := logging.LogMetrics(ctx, s.DB(), entry); err != nil {
		return err
	}
	if cfg.Output.MetricsCSV != "" {
		if err := logging.AppendMetricsCSV(outputPath(cfg.Output.MetricsCSV), entry); err != nil {
			return err
		}
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			RunID string `json:"run_id"`
			eval.Summary
		}{entry.RunID, summary})
	}

	fmt.Fprintf(w, "Run %s (%s, %d episodes, %d steps, ZDSR per %s)\n",
		entry.RunID, source, summary.Episodes, summary.Steps, summary.Granularity)
	fmt.Fprintf(w, "%-30s %s\n", "Metric", "Value")
	fmt.Fprintf(w, "%-30s %s\n", "------------------------------", "----------")
	for _, m := range summary.Metrics() {
		fmt.Fprintf(w, "%-30s %s\n", m.Name, m.Value)
	}
	fmt.Fprintf(w, "%-30s %.1f\n", "total_reward", summary.TotalReward)
	return nil
}

// outputPath places relative output files next to the database.
func outputPath(name string) string {
	if filepath.IsAbs(name) || cfg.DBPath == ":memory:" {
		return name
	}
	return filepath.Join(filepath.Dir(cfg.DBPath), name)
}

func writeStepsCSV(path string, records []driver.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if err := logging.WriteStepsCSV(f, records); err != nil {
		return err
	}
	return f.Close()
}
// #endregion report
