package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/dbheal/internal/driver"
	"github.com/danielpatrickdp/dbheal/internal/env"
)

var (
	simPolicy  string
	simSeed    int64
	simAnomaly string
	simSampled bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run one episode and print every step",
	Long: `Runs a single episode (random actions by default) and prints each step's
action, reward, and observation. Useful as a smoke test of the dynamics.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simPolicy, "policy", "random", "random, fixed:<action> or sequence:<a,b,...>")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", 0, "episode seed (0 uses the config seed)")
	simulateCmd.Flags().StringVar(&simAnomaly, "anomaly", "", "force the anomaly label: true or false")
	simulateCmd.Flags().BoolVar(&simSampled, "sampled", false, "draw the anomaly label from the stream buffer")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	seed := simSeed
	if seed == 0 {
		seed = cfg.Driver.Seed
	}
	p, err := driver.ParsePolicy(simPolicy, seed)
	if err != nil {
		return err
	}

	var opts driver.RunOptions
	opts.Seed = seed
	switch simAnomaly {
	case "":
	case "true", "false":
		hint := simAnomaly == "true"
		opts.Reset.AnomalyHint = &hint
	default:
		return fmt.Errorf("--anomaly must be true or false")
	}

	var src env.RecordSource
	if simSampled {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		src = s
	}

	d := driver.New(cfg.Env, src, nil, logger)
	ep, err := d.RunEpisode(cmd.Context(), p, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Episode %s (anomaly at reset: %v", ep.ID, ep.AnomalyAtReset)
	if ep.SourceID != "" {
		fmt.Fprintf(out, ", spill %s", ep.SourceID)
	}
	fmt.Fprintf(out, ")\nInitial state: %s\n\n", formatState(ep.Initial))

	for _, r := range ep.Records {
		fmt.Fprintf(out, "Step %2d: Action=%-11s Reward=%6.1f State=%s\n",
			r.Step, r.Action, r.Reward, formatState(r.State))
	}
	fmt.Fprintf(out, "\nTotal reward: %.1f over %d steps\n", ep.TotalReward, len(ep.Records))
	return nil
}
