package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/orbitando/orbital-host/internal/artifact"
	"github.com/orbitando/orbital-host/internal/bridge"
	"github.com/orbitando/orbital-host/internal/config"
	"github.com/orbitando/orbital-host/internal/orbital"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Readiness.PollInterval = 5 * time.Millisecond
	cfg.Canvas.Width, cfg.Canvas.Height = 800, 600
	return cfg
}

func bootHost(t *testing.T, cfg *config.Config) *Host {
	t.Helper()
	ctx := context.Background()

	h, err := New(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close(ctx) })

	require.NoError(t, h.Boot(ctx))
	select {
	case <-h.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("module not ready, gate state %s: %v", h.Gate().State(), h.Gate().Err())
	}
	return h
}

func TestHostEmbeddedModule(t *testing.T) {
	ctx := context.Background()
	h := bootHost(t, testConfig(t))

	st := h.Status(ctx)
	assert.Equal(t, "ready", st.Readiness)
	assert.Equal(t, orbital.ModuleName, st.Module)
	require.NotNil(t, st.Stats)
	assert.Equal(t, int32(800), st.Stats.CanvasWidth)
	assert.Equal(t, int32(600), st.Stats.CanvasHeight)

	rows, err := h.InitialRows()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	status, err := h.Apply(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, int32(1), status)

	require.NoError(t, h.Start(ctx))
	st = h.Status(ctx)
	assert.True(t, st.Stats.Running)
	assert.Equal(t, int32(3), st.Stats.Bodies)
	assert.Zero(t, st.Stats.LiveAllocations)
	require.Len(t, st.Bodies, 3)
	assert.Equal(t, int32(12), st.Bodies[0].Size)

	require.NoError(t, h.Stop(ctx))
	assert.False(t, h.Status(ctx).Stats.Running)
}

func TestHostPromiseMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Readiness.Mode = config.ReadinessPromise
	cfg.Dispatch.Strategies = []string{bridge.StrategyNamed}
	cfg.Module.DirectBindings = false

	h := bootHost(t, cfg)
	assert.Equal(t, 1, h.Gate().Attempts())

	status, err := h.Apply(context.Background(), []bridge.RowFields{{RX: "0.4"}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), status)
}

func TestHostNotReady(t *testing.T) {
	ctx := context.Background()
	h, err := New(ctx, testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer h.Close(ctx)

	_, err = h.Apply(ctx, []bridge.RowFields{{}})
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, h.Start(ctx), ErrNotReady)
	assert.ErrorIs(t, h.Stop(ctx), ErrNotReady)
	assert.Equal(t, "unresolved", h.Status(ctx).Readiness)
}

func TestHostBadModulePath(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Module.Path = filepath.Join(t.TempDir(), "missing")

	h, err := New(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer h.Close(ctx)

	assert.Error(t, h.Boot(ctx))
}

func TestHostLaunchFailureTimesOut(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Readiness.MaxAttempts = 3
	cfg.Module.Path = filepath.Join(t.TempDir(), "broken.wasm")
	require.NoError(t, os.WriteFile(cfg.Module.Path, []byte("not wasm"), 0o644))

	h, err := New(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer h.Close(ctx)

	require.NoError(t, h.Boot(ctx))
	<-h.Gate().Done()
	assert.Equal(t, bridge.TimedOut, h.Gate().State())

	var timeout *bridge.ReadinessTimeoutError
	assert.ErrorAs(t, h.Gate().Err(), &timeout)
	_, err = h.Apply(ctx, []bridge.RowFields{{}})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestHostArtifactEntryPoints(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orbital.wasm"), orbital.Binary(), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.ManifestFile), []byte(`
name: orbital
version: 1.0.0
wasm:
  file: orbital.wasm
entry_points:
  apply_inputs: apply_bodies
`), 0o644))

	cfg := testConfig(t)
	cfg.Module.Path = dir
	h := bootHost(t, cfg)
	ctx := context.Background()

	_, err := h.Apply(ctx, []bridge.RowFields{{}})
	var unavailable *bridge.EntryPointUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "apply_bodies", unavailable.Name)

	st := h.Status(ctx)
	require.NotNil(t, st.Stats)
	assert.Zero(t, st.Stats.LiveAllocations)
	assert.Zero(t, st.Stats.Bodies)
}
