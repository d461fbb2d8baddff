// Package cli is the cmdgate command-line surface: a thin layer over
// the pipeline packages, one process per invocation. Approvals cross
// process boundaries through the file-backed queue.
package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sentinelops/cmdgate/internal/config"
)

var (
	configPath string
	asUser     string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "cmdgate",
	Short: "Approval gate and sandbox for risky shell commands",
	Long: "cmdgate parses proposed shell commands, evaluates them against " +
		"administrator rules, scores their risk, routes dangerous ones " +
		"through human approval, and executes the survivors in a resource-" +
		"limited sandbox with checkpoint-based rollback.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&asUser, "user", "u", "", "Acting user id (default: $USER)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	return log
}

func actingUser() string {
	if asUser != "" {
		return asUser
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
