package bridge

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// EntryPoints names the module functions the bridge calls.
type EntryPoints struct {
	ApplyInputs   string `mapstructure:"apply_inputs" yaml:"apply_inputs" validate:"required"`
	Start         string `mapstructure:"start" yaml:"start" validate:"required"`
	Stop          string `mapstructure:"stop" yaml:"stop" validate:"required"`
	SetCanvasSize string `mapstructure:"set_canvas_size" yaml:"set_canvas_size" validate:"required"`
}

// DefaultEntryPoints returns the entry point names of the orbital module.
func DefaultEntryPoints() EntryPoints {
	return EntryPoints{
		ApplyInputs:   "apply_inputs_from_js",
		Start:         "start_animation",
		Stop:          "stop_animation",
		SetCanvasSize: "set_canvas_size",
	}
}

// withDefaults fills empty names from DefaultEntryPoints.
func (e EntryPoints) withDefaults() EntryPoints {
	d := DefaultEntryPoints()
	if e.ApplyInputs == "" {
		e.ApplyInputs = d.ApplyInputs
	}
	if e.Start == "" {
		e.Start = d.Start
	}
	if e.Stop == "" {
		e.Stop = d.Stop
	}
	if e.SetCanvasSize == "" {
		e.SetCanvasSize = d.SetCanvasSize
	}
	return e
}

var (
	applySig  = Signature{Params: I32s(5), Results: I32s(1)}
	startSig  = Signature{Results: I32s(1)}
	stopSig   = Signature{}
	canvasSig = Signature{Params: I32s(2)}
)

// Option configures a Bridge.
type Option func(*Bridge)

// WithEntryPoints overrides entry point names. Empty names keep their default.
func WithEntryPoints(e EntryPoints) Option {
	return func(b *Bridge) {
		b.entries = e.withDefaults()
	}
}

// WithDispatcher replaces the default dispatcher.
func WithDispatcher(d *Dispatcher) Option {
	return func(b *Bridge) {
		if d != nil {
			b.dispatch = d
		}
	}
}

// Bridge moves UI rows into a ready module and triggers its entry points.
// Every operation reports failures as returned errors and logged
// diagnostics; none of them panics.
type Bridge struct {
	handle   ModuleHandle
	dispatch *Dispatcher
	entries  EntryPoints
	logger   *zap.Logger
	base     *zap.Logger
}

// New creates a bridge over a ready handle.
func New(h ModuleHandle, logger *zap.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		handle:  h,
		entries: DefaultEntryPoints(),
		logger:  logger.With(zap.String("component", "bridge"), zap.String("module", h.Name())),
		base:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.dispatch == nil {
		// The default strategy list is always valid.
		b.dispatch, _ = NewDispatcher(logger)
	}
	return b
}

// Handle returns the module handle the bridge drives.
func (b *Bridge) Handle() ModuleHandle {
	return b.handle
}

// EntryPoints returns the entry point names in use.
func (b *Bridge) EntryPoints() EntryPoints {
	return b.entries
}

// ApplyInputs parses rows, writes them into four arena lanes and calls the
// apply entry point with the row count and the lane addresses. It returns
// the module's status. An empty table is a no-op returning 0.
//
// The four allocations are released before ApplyInputs returns, whether the
// call succeeded, failed or could not be resolved.
func (b *Bridge) ApplyInputs(ctx context.Context, rows []RowFields) (status int32, err error) {
	defer b.guard("apply inputs", &err)

	if len(rows) == 0 {
		b.logger.Warn("No rows to apply")
		return 0, nil
	}

	parsed := make([]RowInput, len(rows))
	for i, row := range rows {
		in, fallbacks := ParseRow(row)
		if len(fallbacks) > 0 {
			b.logger.Debug("Row fields replaced by defaults",
				zap.Int("row", i),
				zap.Strings("fields", fallbacks),
			)
		}
		parsed[i] = in
	}
	cols := Columnize(parsed)
	n := uint32(cols.Len())

	arena, err := NewArena(b.handle, b.base)
	if err != nil {
		b.logger.Error("Arena unavailable", zap.Error(err))
		return 0, err
	}

	scope := arena.NewScope()
	defer func() {
		if rerr := scope.Close(ctx); rerr != nil {
			b.logger.Error("Failed to release arena regions", zap.Error(rerr))
		}
	}()

	rx, err := scope.Allocate(ctx, n*Float64Width)
	if err != nil {
		return 0, b.fail("Allocation failed", err)
	}
	ry, err := scope.Allocate(ctx, n*Float64Width)
	if err != nil {
		return 0, b.fail("Allocation failed", err)
	}
	w, err := scope.Allocate(ctx, n*Float64Width)
	if err != nil {
		return 0, b.fail("Allocation failed", err)
	}
	s, err := scope.Allocate(ctx, n*Int32Width)
	if err != nil {
		return 0, b.fail("Allocation failed", err)
	}

	if err := arena.WriteFloat64s(rx, cols.RX); err != nil {
		return 0, b.fail("Lane write failed", err)
	}
	if err := arena.WriteFloat64s(ry, cols.RY); err != nil {
		return 0, b.fail("Lane write failed", err)
	}
	if err := arena.WriteFloat64s(w, cols.W); err != nil {
		return 0, b.fail("Lane write failed", err)
	}
	if err := arena.WriteInt32s(s, cols.S); err != nil {
		return 0, b.fail("Lane write failed", err)
	}

	results, err := b.dispatch.Invoke(ctx, b.handle, b.entries.ApplyInputs, applySig,
		api.EncodeI32(int32(n)),
		api.EncodeI32(int32(rx.Addr)),
		api.EncodeI32(int32(ry.Addr)),
		api.EncodeI32(int32(w.Addr)),
		api.EncodeI32(int32(s.Addr)),
	)
	if err != nil {
		return 0, b.fail("Apply inputs failed", err)
	}

	status = firstI32(results)
	b.logger.Info("Applied inputs", zap.Uint32("rows", n), zap.Int32("status", status))
	return status, nil
}

// StartAnimation calls the start entry point.
func (b *Bridge) StartAnimation(ctx context.Context) (err error) {
	defer b.guard("start animation", &err)

	results, err := b.dispatch.Invoke(ctx, b.handle, b.entries.Start, startSig)
	if err != nil {
		return b.fail("Start animation failed", err)
	}
	b.logger.Info("Animation started", zap.Int32("status", firstI32(results)))
	return nil
}

// StopAnimation calls the stop entry point.
func (b *Bridge) StopAnimation(ctx context.Context) (err error) {
	defer b.guard("stop animation", &err)

	if _, err := b.dispatch.Invoke(ctx, b.handle, b.entries.Stop, stopSig); err != nil {
		return b.fail("Stop animation failed", err)
	}
	b.logger.Info("Animation stopped")
	return nil
}

// SetCanvasSize tells the module the drawing area. The module ignores
// non-positive dimensions.
func (b *Bridge) SetCanvasSize(ctx context.Context, width, height int32) (err error) {
	defer b.guard("set canvas size", &err)

	if _, err := b.dispatch.Invoke(ctx, b.handle, b.entries.SetCanvasSize, canvasSig,
		api.EncodeI32(width), api.EncodeI32(height)); err != nil {
		return b.fail("Set canvas size failed", err)
	}
	b.logger.Debug("Canvas size set", zap.Int32("width", width), zap.Int32("height", height))
	return nil
}

func (b *Bridge) fail(msg string, err error) error {
	b.logger.Error(msg, zap.Error(err))
	return err
}

// guard converts a panic raised below the bridge into an error. It runs
// after the deferred scope release.
func (b *Bridge) guard(op string, err *error) {
	if r := recover(); r != nil {
		perr := &InvocationPanicError{Op: op, Value: r}
		b.logger.Error("Recovered from module panic", zap.String("op", op), zap.Any("panic", r))
		*err = fmt.Errorf("%s: %w", op, perr)
	}
}

func firstI32(results []uint64) int32 {
	if len(results) == 0 {
		return 0
	}
	return api.DecodeI32(results[0])
}
