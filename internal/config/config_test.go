package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/orbitando/orbital-host/internal/bridge"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Default log level mismatch: got %s, want info", cfg.LogLevel)
	}
	if cfg.Frontend != FrontendAuto {
		t.Errorf("Default frontend mismatch: got %s, want %s", cfg.Frontend, FrontendAuto)
	}
	if cfg.Rows != 3 {
		t.Errorf("Default rows mismatch: got %d, want 3", cfg.Rows)
	}
	if cfg.Canvas.Width != 1024 || cfg.Canvas.Height != 768 {
		t.Errorf("Default canvas mismatch: got %dx%d, want 1024x768", cfg.Canvas.Width, cfg.Canvas.Height)
	}
	if cfg.Module.MemoryPages != 256 {
		t.Errorf("Default memory pages mismatch: got %d, want 256", cfg.Module.MemoryPages)
	}
	if !cfg.Module.DirectBindings {
		t.Error("Direct bindings should be enabled by default")
	}
	if cfg.Readiness.Mode != ReadinessPoll {
		t.Errorf("Default readiness mode mismatch: got %s, want %s", cfg.Readiness.Mode, ReadinessPoll)
	}
	if cfg.Readiness.PollInterval != 50*time.Millisecond {
		t.Errorf("Default poll interval mismatch: got %v, want 50ms", cfg.Readiness.PollInterval)
	}
	if cfg.Readiness.MaxAttempts != 200 {
		t.Errorf("Default max attempts mismatch: got %d, want 200", cfg.Readiness.MaxAttempts)
	}
	if !slices.Equal(cfg.Dispatch.Strategies, []string{"direct", "named"}) {
		t.Errorf("Default strategies mismatch: got %v", cfg.Dispatch.Strategies)
	}
	if cfg.EntryPoints != bridge.DefaultEntryPoints() {
		t.Errorf("Default entry points mismatch: got %+v", cfg.EntryPoints)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
frontend: ws
rows: 7
canvas:
  width: 800
  height: 600
module:
  path: ./artifacts/orbital
  memory_pages: 32
readiness:
  mode: promise
  poll_interval: 10ms
  max_attempts: 5
dispatch:
  strategies: [named]
entry_points:
  apply_inputs: apply
ws:
  addr: ":9000"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("Log level mismatch: got %s, want debug", cfg.LogLevel)
	}
	if cfg.Rows != 7 {
		t.Errorf("Rows mismatch: got %d, want 7", cfg.Rows)
	}
	if cfg.Canvas.Width != 800 || cfg.Canvas.Height != 600 {
		t.Errorf("Canvas mismatch: got %dx%d, want 800x600", cfg.Canvas.Width, cfg.Canvas.Height)
	}
	if cfg.Module.Path != "./artifacts/orbital" || cfg.Module.MemoryPages != 32 {
		t.Errorf("Module mismatch: got %+v", cfg.Module)
	}
	if cfg.Readiness.Mode != ReadinessPromise || cfg.Readiness.PollInterval != 10*time.Millisecond {
		t.Errorf("Readiness mismatch: got %+v", cfg.Readiness)
	}
	if !slices.Equal(cfg.Dispatch.Strategies, []string{"named"}) {
		t.Errorf("Strategies mismatch: got %v", cfg.Dispatch.Strategies)
	}
	if cfg.EntryPoints.ApplyInputs != "apply" || cfg.EntryPoints.Start != "start_animation" {
		t.Errorf("Entry points mismatch: got %+v", cfg.EntryPoints)
	}
	if cfg.WS.Addr != ":9000" {
		t.Errorf("WS addr mismatch: got %s, want :9000", cfg.WS.Addr)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ORBITAL_LOG_LEVEL", "warn")
	t.Setenv("ORBITAL_READINESS_MAX_ATTEMPTS", "12")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("Log level mismatch: got %s, want warn", cfg.LogLevel)
	}
	if cfg.Readiness.MaxAttempts != 12 {
		t.Errorf("Max attempts mismatch: got %d, want 12", cfg.Readiness.MaxAttempts)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := map[string]string{
		"frontend":   "frontend: gui\n",
		"rows":       "rows: 16\n",
		"mode":       "readiness: {mode: eager}\n",
		"strategy":   "dispatch: {strategies: [direct, magic]}\n",
		"canvas":     "canvas: {width: 0}\n",
		"entrypoint": "entry_points: {start: \"\"}\n",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			if err == nil {
				t.Fatal("Load() should fail")
			}
			var verrs validator.ValidationErrors
			if !errors.As(err, &verrs) {
				t.Errorf("expected validation errors, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}
}
