// Package config loads the gate's YAML configuration. Defaults cover
// every field; a config file overwrites only what it names.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentinelops/cmdgate/internal/ratelimit"
)

// Sandbox holds the default execution limits.
type Sandbox struct {
	Root           string        `yaml:"root"`
	WallClock      time.Duration `yaml:"wall_clock"`
	CPUTime        time.Duration `yaml:"cpu_time"`
	MemoryBytes    int64         `yaml:"memory_bytes"`
	MaxOutputBytes int64         `yaml:"max_output_bytes"`
	AllowNetwork   bool          `yaml:"allow_network"`
}

// Checkpoint holds snapshot storage settings.
type Checkpoint struct {
	Dir        string        `yaml:"dir"`
	QuotaBytes int64         `yaml:"quota_bytes"`
	Retention  time.Duration `yaml:"retention"`
}

// Approval holds review-queue settings.
type Approval struct {
	TTL             time.Duration `yaml:"ttl"`
	EscalateExtend  time.Duration `yaml:"escalate_extend"`
	EscalateToRoles []string      `yaml:"escalate_to_roles"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// Config is the root of the gate configuration.
type Config struct {
	DataDir      string        `yaml:"data_dir"`
	AuditLog     string        `yaml:"audit_log"`
	HistoryDB    string        `yaml:"history_db"`
	RulesDB      string        `yaml:"rules_db"`
	PatternsFile string        `yaml:"patterns_file"`
	IdentityFile string        `yaml:"identity_file"`
	RuleRefresh  time.Duration `yaml:"rule_refresh"`

	Sandbox    Sandbox    `yaml:"sandbox"`
	Checkpoint Checkpoint `yaml:"checkpoint"`
	Approval   Approval   `yaml:"approval"`

	// RateLimits throttles submissions per submitter and risk category.
	// Empty means unlimited.
	RateLimits ratelimit.Config `yaml:"rate_limits"`
}

// Default returns the built-in configuration rooted at dataDir. Empty
// dataDir falls back to ~/.cmdgate.
func Default(dataDir string) *Config {
	if dataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dataDir = filepath.Join(home, ".cmdgate")
		} else {
			dataDir = ".cmdgate"
		}
	}
	return &Config{
		DataDir:      dataDir,
		AuditLog:     filepath.Join(dataDir, "audit.jsonl"),
		HistoryDB:    filepath.Join(dataDir, "history.db"),
		RulesDB:      filepath.Join(dataDir, "rules.db"),
		PatternsFile: filepath.Join(dataDir, "patterns.yaml"),
		IdentityFile: filepath.Join(dataDir, "identity.yaml"),
		RuleRefresh:  5 * time.Minute,
		Sandbox: Sandbox{
			WallClock:      10 * time.Minute,
			MaxOutputBytes: 10 << 20,
		},
		Checkpoint: Checkpoint{
			Dir:        filepath.Join(dataDir, "checkpoints"),
			QuotaBytes: 1 << 30,
			Retention:  24 * time.Hour,
		},
		Approval: Approval{
			TTL:           15 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
	}
}

// Load reads the config at path. Empty path means
// <dataDir>/config.yaml; a missing file returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default("")
	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.yaml")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the config atomically via temp file and rename.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}
