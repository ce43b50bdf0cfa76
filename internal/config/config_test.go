package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "jinnworkerd.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Worker.ID == "" {
		t.Fatal("expected generated worker id")
	}
	if cfg.Worker.PollIntervalSecs != 5 {
		t.Fatalf("expected default poll interval, got %d", cfg.Worker.PollIntervalSecs)
	}
	if cfg.Queue.Backend != "sqlite" {
		t.Fatalf("expected sqlite backend by default, got %q", cfg.Queue.Backend)
	}
	if !filepath.IsAbs(cfg.Queue.SQLite.Path) {
		t.Fatalf("expected absolute sqlite path, got %q", cfg.Queue.SQLite.Path)
	}
	if cfg.Notifier.Driver != "none" {
		t.Fatalf("expected notifier disabled by default, got %q", cfg.Notifier.Driver)
	}
	if cfg.Metrics.Address != ":9090" {
		t.Fatalf("expected default metrics address, got %q", cfg.Metrics.Address)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log defaults: %+v", cfg.Log)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, `{
		"queue": {"backend": "sqlite", "sqlite": {"path": "state/queue.db"}},
		"chains": {"definitions": "chains.yaml", "keys_dir": "keys"}
	}`)
	baseDir := filepath.Dir(path)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.SQLite.Path != filepath.Join(baseDir, "state", "queue.db") {
		t.Fatalf("unexpected sqlite path: %q", cfg.Queue.SQLite.Path)
	}
	if cfg.Chains.Definitions != filepath.Join(baseDir, "chains.yaml") {
		t.Fatalf("unexpected definitions path: %q", cfg.Chains.Definitions)
	}
	if cfg.Chains.KeysDir != filepath.Join(baseDir, "keys") {
		t.Fatalf("unexpected keys dir: %q", cfg.Chains.KeysDir)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	path := writeConfig(t, `{
		"worker": {"id": "worker-7", "poll_interval_secs": 1, "confirm_timeout_secs": 30},
		"queue": {"backend": "remote", "remote": {"endpoint": "https://coordinator.internal", "access_key": "k"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Worker.ID != "worker-7" {
		t.Fatalf("expected explicit worker id, got %q", cfg.Worker.ID)
	}
	if cfg.PollInterval().Seconds() != 1 {
		t.Fatalf("unexpected poll interval: %s", cfg.PollInterval())
	}
	if cfg.ConfirmTimeout().Seconds() != 30 {
		t.Fatalf("unexpected confirm timeout: %s", cfg.ConfirmTimeout())
	}
	if cfg.Queue.Backend != "remote" || cfg.Queue.Remote.Endpoint != "https://coordinator.internal" {
		t.Fatalf("unexpected queue config: %+v", cfg.Queue)
	}
}
