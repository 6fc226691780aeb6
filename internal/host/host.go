// Package host wires the runtime, the module launch, the readiness gate and
// the bridge into the controller the front ends drive.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/orbitando/orbital-host/internal/artifact"
	"github.com/orbitando/orbital-host/internal/bridge"
	"github.com/orbitando/orbital-host/internal/config"
	"github.com/orbitando/orbital-host/internal/orbital"
	"github.com/orbitando/orbital-host/internal/scene"
	"github.com/orbitando/orbital-host/internal/wasm"
	"github.com/orbitando/orbital-host/pkg/protocol"
)

// ErrNotReady is returned by module operations issued before the gate fired.
var ErrNotReady = errors.New("module not ready")

// Host owns the module for the lifetime of the process.
type Host struct {
	cfg    *config.Config
	root   *zap.Logger
	logger *zap.Logger

	runtime   *wasm.Runtime
	loader    *wasm.ModuleLoader
	instances *wasm.InstanceManager
	artifacts *artifact.Loader

	dispatcher  *bridge.Dispatcher
	entryPoints bridge.EntryPoints

	launch *wasm.Launch
	gate   *bridge.Gate

	mu     sync.RWMutex
	bridge *bridge.Bridge
	ready  chan struct{}
}

// New creates a host from cfg. The module is not launched until Boot.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Host, error) {
	dispatcher, err := bridge.NewDispatcher(logger, cfg.Dispatch.Strategies...)
	if err != nil {
		return nil, err
	}

	runtimeConfig := &wasm.RuntimeConfig{
		MemoryPages:  cfg.Module.MemoryPages,
		DebugEnabled: cfg.Module.Debug,
		CacheDir:     cfg.Module.CacheDir,
		MaxInstances: cfg.Module.MaxInstances,
	}

	runtime, err := wasm.NewRuntime(ctx, logger, runtimeConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Wasm runtime: %w", err)
	}

	logger.Info("Host initialized",
		zap.Uint32("wasm_memory_pages", cfg.Module.MemoryPages),
		zap.String("module_path", cfg.Module.Path),
		zap.String("readiness_mode", cfg.Readiness.Mode),
		zap.Strings("strategies", dispatcher.Strategies()),
	)

	return &Host{
		cfg:         cfg,
		root:        logger,
		logger:      logger.With(zap.String("component", "host")),
		runtime:     runtime,
		loader:      wasm.NewModuleLoader(runtime, logger),
		instances:   wasm.NewInstanceManager(runtime, logger),
		artifacts:   artifact.NewLoader(logger),
		dispatcher:  dispatcher,
		entryPoints: cfg.EntryPoints,
		ready:       make(chan struct{}),
	}, nil
}

// Boot resolves the module, launches it in the background and arms the
// readiness gate. It returns once the gate is watching; Ready is closed when
// the module becomes callable.
func (h *Host) Boot(ctx context.Context) error {
	if h.gate != nil {
		return errors.New("host already booted")
	}

	source, err := h.resolveSource()
	if err != nil {
		return err
	}

	h.launch = h.instances.Launch(ctx, h.loader, source, wasm.InstanceConfig{
		NoDirectBindings: !h.cfg.Module.DirectBindings,
	})

	var target bridge.Target = h.launch
	if h.cfg.Readiness.Mode == config.ReadinessPromise {
		target = h.launch.Promise()
	}

	h.gate = bridge.NewGate(target, h.root,
		bridge.WithPollInterval(h.cfg.Readiness.PollInterval),
		bridge.WithMaxAttempts(h.cfg.Readiness.MaxAttempts),
	)
	return h.gate.AwaitReady(ctx, func(m bridge.ModuleHandle) { h.onReady(ctx, m) })
}

func (h *Host) resolveSource() (wasm.ModuleSource, error) {
	if h.cfg.Module.Path == "" {
		h.logger.Info("Using embedded module", zap.String("module", orbital.ModuleName))
		return orbital.Source(), nil
	}

	art, err := h.artifacts.Open(h.cfg.Module.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open module %s: %w", h.cfg.Module.Path, err)
	}
	if art.Manifest != nil {
		h.entryPoints = art.Manifest.EntryPoints.Merge(h.entryPoints)
	}
	return art.Source, nil
}

func (h *Host) onReady(ctx context.Context, m bridge.ModuleHandle) {
	b := bridge.New(m, h.root,
		bridge.WithEntryPoints(h.entryPoints),
		bridge.WithDispatcher(h.dispatcher),
	)

	// The module keeps its own default canvas when this fails.
	_ = b.SetCanvasSize(ctx, h.cfg.Canvas.Width, h.cfg.Canvas.Height)

	h.mu.Lock()
	h.bridge = b
	h.mu.Unlock()
	close(h.ready)
}

// Ready is closed once the module is callable.
func (h *Host) Ready() <-chan struct{} {
	return h.ready
}

// Gate returns the readiness gate, nil before Boot.
func (h *Host) Gate() *bridge.Gate {
	return h.gate
}

func (h *Host) current() (*bridge.Bridge, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.bridge == nil {
		return nil, ErrNotReady
	}
	return h.bridge, nil
}

// InitialRows returns the row table the front ends start from: the
// configured scene file if any, else the default table.
func (h *Host) InitialRows() ([]bridge.RowFields, error) {
	if h.cfg.RowsFile == "" {
		return scene.BuildRows(h.cfg.Rows), nil
	}
	s, err := scene.LoadFile(h.cfg.RowsFile)
	if err != nil {
		return nil, err
	}
	return s.Rows(), nil
}

// Apply sends rows to the module.
func (h *Host) Apply(ctx context.Context, rows []bridge.RowFields) (int32, error) {
	b, err := h.current()
	if err != nil {
		h.logger.Warn("Apply ignored", zap.Error(err))
		return 0, err
	}
	return b.ApplyInputs(ctx, rows)
}

// Start starts the animation.
func (h *Host) Start(ctx context.Context) error {
	b, err := h.current()
	if err != nil {
		h.logger.Warn("Start ignored", zap.Error(err))
		return err
	}
	return b.StartAnimation(ctx)
}

// Stop stops the animation.
func (h *Host) Stop(ctx context.Context) error {
	b, err := h.current()
	if err != nil {
		h.logger.Warn("Stop ignored", zap.Error(err))
		return err
	}
	return b.StopAnimation(ctx)
}

// Status reports readiness and, when the module exposes them, its
// inspection values and body table.
func (h *Host) Status(ctx context.Context) protocol.Status {
	var s protocol.Status
	if h.gate != nil {
		s.Readiness = h.gate.State().String()
		s.Attempts = h.gate.Attempts()
	} else {
		s.Readiness = bridge.Unresolved.String()
	}

	b, err := h.current()
	if err != nil {
		return s
	}
	m := b.Handle()
	s.Module = m.Name()

	caller, ok := m.Caller()
	if !ok {
		return s
	}
	stats, err := orbital.Inspect(ctx, caller)
	if err != nil {
		h.logger.Debug("Module has no inspection exports", zap.Error(err))
		return s
	}
	s.Stats = &protocol.Stats{
		Bodies:          stats.Bodies,
		Running:         stats.Running,
		LiveAllocations: stats.LiveAllocations,
		CanvasWidth:     stats.CanvasWidth,
		CanvasHeight:    stats.CanvasHeight,
	}

	inst, ok := m.(*wasm.Instance)
	if !ok {
		return s
	}
	bodies, err := orbital.ReadBodies(inst.Memory(), int(min(stats.Bodies, orbital.MaxBodies)))
	if err != nil {
		h.logger.Debug("Failed to read body table", zap.Error(err))
		return s
	}
	for _, body := range bodies {
		s.Bodies = append(s.Bodies, protocol.Body(body))
	}
	return s
}

// Close shuts down the module and the runtime.
func (h *Host) Close(ctx context.Context) error {
	h.logger.Info("Shutting down host")

	if err := h.runtime.Close(ctx); err != nil {
		h.logger.Error("Failed to shutdown Wasm runtime", zap.Error(err))
		return err
	}

	h.logger.Info("Host shutdown complete")
	return nil
}
