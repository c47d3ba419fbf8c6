package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"episim/internal/config"
)

func TestResolveScenarioOrder(t *testing.T) {
	dir := t.TempDir()
	cfg, src, err := ResolveScenario(dir, "")
	if err != nil || src != SourceDefault || cfg.Scenario.Name != "baseline" {
		t.Fatalf("expected default, got %v %s %v", cfg, src, err)
	}

	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("workspace-one")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, src, err = ResolveScenario(dir, "")
	if err != nil || src != SourceWorkspace || cfg.Scenario.Name != "workspace-one" {
		t.Fatalf("expected workspace scenario, got %v %s %v", cfg, src, err)
	}

	explicit := filepath.Join(dir, "other.yml")
	if err := os.WriteFile(explicit, []byte(config.GenerateDefault("explicit")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, src, err = ResolveScenario(dir, explicit)
	if err != nil || src != SourceFile || cfg.Scenario.Name != "explicit" {
		t.Fatalf("expected explicit scenario, got %v %s %v", cfg, src, err)
	}

	if _, _, err := ResolveScenario(dir, filepath.Join(dir, "missing.yml")); err == nil {
		t.Fatalf("expected error for missing explicit scenario")
	}
}

func TestResolveScenarioRejectsInvalidWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte("version: 3\nphases: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ResolveScenario(dir, ""); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadEnv(dir); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
	t.Setenv("EPISIM_PRESET", "kept")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("EPISIM_TEST_ADDR=:9999\nEPISIM_PRESET=overwritten\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EPISIM_TEST_ADDR", "")
	os.Unsetenv("EPISIM_TEST_ADDR")
	if err := LoadEnv(dir); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("EPISIM_TEST_ADDR"); got != ":9999" {
		t.Fatalf("EPISIM_TEST_ADDR = %q", got)
	}
	if got := os.Getenv("EPISIM_PRESET"); got != "kept" {
		t.Fatalf("existing variable overridden: %q", got)
	}
}

func TestOpenEngine(t *testing.T) {
	dir := t.TempDir()
	eng, conn, err := OpenEngine(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if _, err := os.Stat(filepath.Join(dir, ".episim", "episim.db")); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
	if _, err := eng.Repo.LatestEventID(context.Background()); err != nil {
		t.Fatalf("journal not migrated: %v", err)
	}
}
