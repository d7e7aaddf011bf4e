package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/dbheal/internal/replay"
)

var replayVerbose bool

var replayCmd = &cobra.Command{
	Use:   "replay <fixture.json|dir>",
	Short: "Replay scripted fixtures and compare rewards",
	Long: `Replays one fixture file or every *.json fixture in a directory through a
fresh environment and compares each step's reward with the recorded value.
Exits non-zero when any fixture mismatches.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVarP(&replayVerbose, "verbose", "v", false, "print every step, not just mismatches")
}

func runReplay(cmd *cobra.Command, args []string) error {
	fixtures, names, err := loadFixtures(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, name := range names {
		f := fixtures[name]
		res, err := replay.Replay(cmd.Context(), f)
		if err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", name, err)
			failed++
			continue
		}
		if !res.Passed {
			failed++
		}
		printComparison(out, name, f, res)
	}

	fmt.Fprintf(out, "\n%d/%d fixtures passed\n", len(names)-failed, len(names))
	if failed > 0 {
		return fmt.Errorf("%d fixture(s) failed", failed)
	}
	return nil
}

func loadFixtures(path string) (map[string]*replay.Fixture, []string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		return replay.LoadDir(path)
	}
	f, err := replay.LoadFixture(path)
	if err != nil {
		return nil, nil, err
	}
	return map[string]*replay.Fixture{path: f}, []string{path}, nil
}

// printComparison writes the per-step table for one fixture.
func printComparison(w io.Writer, name string, f *replay.Fixture, res replay.Result) {
	status := "PASS"
	if !res.Passed {
		status = "FAIL"
	}
	fmt.Fprintf(w, "%s %s", status, name)
	if f.Description != "" {
		fmt.Fprintf(w, " (%s)", f.Description)
	}
	fmt.Fprintln(w)

	if !replayVerbose && res.Passed {
		return
	}

	fmt.Fprintf(w, "  %-6s| %-12s| %-10s| %-10s| %s\n", "Step", "Action", "Expected", "Replayed", "Match")
	fmt.Fprintf(w, "  %-6s+%-13s+%-11s+%-11s+%s\n", "------", "-------------", "-----------", "-----------", "------")
	for _, s := range res.Steps {
		if !replayVerbose && s.Match {
			continue
		}
		expected := "-"
		if s.Expected != nil {
			expected = fmt.Sprintf("%.2f", *s.Expected)
		}
		mark := "yes"
		if !s.Match {
			mark = "NO"
		}
		fmt.Fprintf(w, "  %-6d| %-12s| %-10s| %-10.2f| %s\n", s.Step, s.Action, expected, s.Reward, mark)
	}

	if f.ExpectedTotal != nil {
		fmt.Fprintf(w, "  total: expected %.2f, replayed %.2f\n", *f.ExpectedTotal, res.Total)
	} else {
		fmt.Fprintf(w, "  total: %.2f\n", res.Total)
	}
	fmt.Fprintf(w, "  mismatches: %d/%d\n", res.Mismatches, len(res.Steps))
}
