package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return dir
}

func TestLoadFromFile(t *testing.T) {
	dir := writeConfig(t, `
database:
  uri: postgres://localhost:5432/app
  echo: true
  pool_size: 10
  pool_min_conns: 2
  pool_recycle: 30m
  pool_idle_time: 5m
  binds:
    analytics: postgres://localhost:5432/analytics
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.URI != "postgres://localhost:5432/app" {
		t.Fatalf("unexpected URI: %s", cfg.URI)
	}
	if !cfg.Echo {
		t.Fatal("expected echo to be enabled")
	}
	if cfg.PoolSize != 10 || cfg.PoolMinConns != 2 {
		t.Fatalf("unexpected pool sizes: %d/%d", cfg.PoolSize, cfg.PoolMinConns)
	}
	if cfg.PoolRecycle != 30*time.Minute || cfg.PoolIdleTime != 5*time.Minute {
		t.Fatalf("unexpected pool durations: %v/%v", cfg.PoolRecycle, cfg.PoolIdleTime)
	}
	if cfg.Binds["analytics"] != "postgres://localhost:5432/analytics" {
		t.Fatalf("unexpected binds: %v", cfg.Binds)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := writeConfig(t, `
database:
  uri: postgres://localhost:5432/from-file
`)
	t.Setenv("QUERYKIT_DATABASE_URI", "postgres://localhost:5432/from-env")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.URI != "postgres://localhost:5432/from-env" {
		t.Fatalf("env var should win over the file, got %s", cfg.URI)
	}
}

func TestLoadMissingFileUsesEnv(t *testing.T) {
	t.Setenv("QUERYKIT_DATABASE_URI", "postgres://localhost:5432/env-only")
	t.Setenv("QUERYKIT_DATABASE_POOL_SIZE", "7")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.URI != "postgres://localhost:5432/env-only" {
		t.Fatalf("unexpected URI: %s", cfg.URI)
	}
	if cfg.PoolSize != 7 {
		t.Fatalf("unexpected pool size: %d", cfg.PoolSize)
	}
}
