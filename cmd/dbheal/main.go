package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/dbheal/internal/config"
	"github.com/danielpatrickdp/dbheal/internal/driver"
	"github.com/danielpatrickdp/dbheal/internal/env"
	"github.com/danielpatrickdp/dbheal/internal/rpc"
	"github.com/danielpatrickdp/dbheal/internal/store"
)

// #region root
var (
	configPath string
	dbOverride string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dbheal",
	Short: "Self-healing database simulator",
	Long: `dbheal simulates a degraded database that an agent repairs with five
remediation actions, streams labeled spill incidents through it, and scores
agent behaviour with recovery and uptime metrics.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if dbOverride != "" {
			c.DBPath = dbOverride
		}
		if logLevel != "" {
			c.LogLevel = logLevel
		}
		cfg = c
		logger = newLogger(cfg.LogLevel)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config")
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "", "path to SQLite database (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(evaluateLogCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
// #endregion root

// #region helpers
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func openStore() (*store.Store, error) {
	s, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", cfg.DBPath, err)
	}
	return s, nil
}

// policyFactory returns a per-episode policy. A configured remote address
// wins over the local spec; the returned closer releases the connection.
func policyFactory(spec string, seed int64) (driver.PolicyFactory, func() error, error) {
	if cfg.Policy.Addr != "" {
		pc, err := rpc.NewPolicyClient(cfg.Policy.Addr, cfg.Policy.Timeout)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using remote policy", "addr", cfg.Policy.Addr)
		return func(int) driver.Policy { return pc }, pc.Close, nil
	}

	// Validate the spec once up front.
	if _, err := driver.ParsePolicy(spec, seed); err != nil {
		return nil, nil, err
	}
	return func(i int) driver.Policy {
		p, _ := driver.ParsePolicy(spec, seed+int64(i))
		return p
	}, func() error { return nil }, nil
}

func formatState(s env.State) string {
	v := s.Vector()
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%.2f", x)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
// #endregion helpers
