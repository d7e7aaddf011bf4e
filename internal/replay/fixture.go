// Package replay runs scripted action sequences through a fresh environment
// and checks the rewards they produce against recorded expectations.
package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/danielpatrickdp/dbheal/internal/env"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description    string     `json:"description"`
	Seed           int64      `json:"seed"`
	AnomalyPresent *bool      `json:"anomaly_present,omitempty"`
	StartState     *env.State `json:"start_state,omitempty"`
	// Config is merged over env.DefaultConfig, so fixtures only name the
	// constants they change.
	Config          json.RawMessage `json:"config,omitempty"`
	Actions         []int           `json:"actions"`
	ExpectedRewards []float64       `json:"expected_rewards,omitempty"`
	ExpectedTotal   *float64        `json:"expected_total,omitempty"`
	Tolerance       float64         `json:"tolerance,omitempty"`
}
// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if len(f.Actions) == 0 {
		return nil, fmt.Errorf("fixture %s: no actions", path)
	}
	if len(f.ExpectedRewards) > 0 && len(f.ExpectedRewards) != len(f.Actions) {
		return nil, fmt.Errorf("fixture %s: %d expected rewards for %d actions",
			path, len(f.ExpectedRewards), len(f.Actions))
	}
	return &f, nil
}

// LoadDir loads every *.json fixture in dir, sorted by file name.
func LoadDir(dir string) (map[string]*Fixture, []string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("glob fixtures: %w", err)
	}
	sort.Strings(paths)
	out := make(map[string]*Fixture, len(paths))
	for _, p := range paths {
		f, err := LoadFixture(p)
		if err != nil {
			return nil, nil, err
		}
		out[p] = f
	}
	return out, paths, nil
}

// EnvConfig returns the dynamics the fixture runs under.
func (f *Fixture) EnvConfig() (env.Config, error) {
	cfg := env.DefaultConfig()
	if len(f.Config) > 0 {
		if err := json.Unmarshal(f.Config, &cfg); err != nil {
			return env.Config{}, fmt.Errorf("parse fixture config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return env.Config{}, fmt.Errorf("fixture config: %w", err)
	}
	return cfg, nil
}
// #endregion fixture-loader
