package bridge

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Strategy names accepted by NewDispatcher.
const (
	StrategyDirect = "direct"
	StrategyNamed  = "named"
)

// DefaultStrategies is the resolution order used when none is configured.
var DefaultStrategies = []string{StrategyDirect, StrategyNamed}

// invoker runs a resolved entry point.
type invoker func(ctx context.Context, args []uint64) ([]uint64, error)

// strategy is one binding style. resolve reports false when the style does
// not apply to the handle or entry point.
type strategy interface {
	name() string
	resolve(h ModuleHandle, entry string, sig Signature) (invoker, bool)
}

// directStrategy uses entry points bound at instantiation time.
type directStrategy struct{}

func (directStrategy) name() string { return StrategyDirect }

func (directStrategy) resolve(h ModuleHandle, entry string, sig Signature) (invoker, bool) {
	binder, ok := h.Binder()
	if !ok || binder == nil {
		return nil, false
	}
	b, ok := binder.Binding(MangledName(entry))
	if !ok || b == nil || b.ParamCount() != sig.Arity() {
		return nil, false
	}
	return func(ctx context.Context, args []uint64) ([]uint64, error) {
		return b.Call(ctx, args...)
	}, true
}

// namedStrategy calls an export by name with a declared signature.
type namedStrategy struct{}

func (namedStrategy) name() string { return StrategyNamed }

func (namedStrategy) resolve(h ModuleHandle, entry string, sig Signature) (invoker, bool) {
	caller, ok := h.Caller()
	if !ok || caller == nil || !caller.HasExport(entry) {
		return nil, false
	}
	return func(ctx context.Context, args []uint64) ([]uint64, error) {
		return caller.CallNamed(ctx, entry, sig, args...)
	}, true
}

// MangledName returns the symbol under which a pre-bound entry point is
// published.
func MangledName(entry string) string {
	return "_" + entry
}

// Dispatcher resolves an entry point under the first matching binding style
// and calls it. It never touches arena memory.
type Dispatcher struct {
	strategies []strategy
	logger     *zap.Logger
}

// NewDispatcher creates a dispatcher trying the named strategies in order.
// An empty list selects DefaultStrategies.
func NewDispatcher(logger *zap.Logger, names ...string) (*Dispatcher, error) {
	if len(names) == 0 {
		names = DefaultStrategies
	}

	d := &Dispatcher{logger: logger.With(zap.String("component", "dispatcher"))}
	for _, n := range names {
		switch n {
		case StrategyDirect:
			d.strategies = append(d.strategies, directStrategy{})
		case StrategyNamed:
			d.strategies = append(d.strategies, namedStrategy{})
		default:
			return nil, fmt.Errorf("unknown dispatch strategy %q", n)
		}
	}
	return d, nil
}

// Strategies returns the resolution order.
func (d *Dispatcher) Strategies() []string {
	names := make([]string, len(d.strategies))
	for i, s := range d.strategies {
		names[i] = s.name()
	}
	return names
}

// Invoke calls entry on h with args encoded as raw wasm values. If no
// strategy resolves the entry point, no call is made and
// EntryPointUnavailableError is returned.
func (d *Dispatcher) Invoke(ctx context.Context, h ModuleHandle, entry string, sig Signature, args ...uint64) ([]uint64, error) {
	if len(args) != sig.Arity() {
		return nil, fmt.Errorf("entry point '%s' declares %d parameters, got %d arguments", entry, sig.Arity(), len(args))
	}

	tried := make([]string, 0, len(d.strategies))
	for _, s := range d.strategies {
		call, ok := s.resolve(h, entry, sig)
		if !ok {
			tried = append(tried, s.name())
			continue
		}

		d.logger.Debug("Invoking entry point",
			zap.String("module", h.Name()),
			zap.String("entry", entry),
			zap.String("binding", s.name()),
		)

		results, err := call(ctx, args)
		if err != nil {
			return nil, fmt.Errorf("%s call to '%s' failed: %w", s.name(), entry, err)
		}
		return results, nil
	}

	return nil, &EntryPointUnavailableError{Name: entry, Tried: tried}
}
