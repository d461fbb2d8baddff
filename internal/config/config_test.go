package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Approval.TTL != 15*time.Minute {
		t.Fatalf("ttl = %s", cfg.Approval.TTL)
	}
	if cfg.Checkpoint.QuotaBytes != 1<<30 {
		t.Fatalf("quota = %d", cfg.Checkpoint.QuotaBytes)
	}
}

func TestLoadPartialOverridesKeepDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "approval:\n  ttl: 1h\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Approval.TTL != time.Hour {
		t.Fatalf("ttl = %s, want 1h", cfg.Approval.TTL)
	}
	// untouched fields keep their defaults.
	if cfg.Sandbox.WallClock != 10*time.Minute {
		t.Fatalf("wall clock = %s", cfg.Sandbox.WallClock)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := Default(dir)
	cfg.Approval.TTL = 42 * time.Minute
	if err := Save(cfg, path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Approval.TTL != 42*time.Minute {
		t.Fatalf("ttl = %s", got.Approval.TTL)
	}
}
