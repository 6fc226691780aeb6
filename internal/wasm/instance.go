package wasm

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/orbitando/orbital-host/internal/bridge"
)

// Well-known exports.
const (
	ExportMalloc     = "malloc"
	ExportFree       = "free"
	ExportInitialize = "_initialize"
)

// InstanceManager creates and manages module instances.
type InstanceManager struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewInstanceManager creates a new instance manager.
func NewInstanceManager(runtime *Runtime, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-instance")),
	}
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Module name to instantiate.
	ModuleName string

	// Instance ID (if empty, one is generated).
	InstanceID string

	// Skip publishing "_name" bindings, leaving only calls by name.
	NoDirectBindings bool
}

// Instance is an instantiated Wasm module. It implements bridge.ModuleHandle
// and serializes every call into the module.
type Instance struct {
	module api.Module
	memory *Memory

	ID         string
	ModuleName string
	CreatedAt  int64

	// Exported functions by export name.
	exports map[string]api.Function

	// Bindings published at instantiation, keyed "_" + export name.
	bindings map[string]*boundFunction

	malloc api.Function
	free   api.Function

	debug   bool
	mu      sync.Mutex
	started bool
	closed  bool

	runtime *Runtime
	logger  *zap.Logger
}

// Instantiate creates a new instance from a compiled module. The module's
// start function is not run; a reactor-style "_initialize" export is called
// instead when present, after which the instance reports itself started.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	compiled, ok := m.runtime.GetCompiledModule(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}

	if err := m.runtime.reserveInstance(); err != nil {
		return nil, err
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = generateInstanceID()
	}

	m.logger.Info("Instantiating Wasm module",
		zap.String("module", config.ModuleName),
		zap.String("instance_id", instanceID),
	)

	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions()

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		m.runtime.releaseInstance()
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	instance := &Instance{
		module:     module,
		memory:     NewMemory(module),
		ID:         instanceID,
		ModuleName: config.ModuleName,
		CreatedAt:  time.Now().Unix(),
		exports:    cacheExportedFunctions(module),
		debug:      m.runtime.config.DebugEnabled,
		runtime:    m.runtime,
		logger:     m.logger.With(zap.String("instance_id", instanceID)),
	}
	instance.malloc = instance.exports[ExportMalloc]
	instance.free = instance.exports[ExportFree]
	if !config.NoDirectBindings {
		instance.bindings = instance.bindExports()
	}

	if initFn, ok := instance.exports[ExportInitialize]; ok {
		if _, err := initFn.Call(ctx); err != nil {
			_ = module.Close(ctx)
			m.runtime.releaseInstance()
			return nil, &InstantiationError{
				ModuleName: config.ModuleName,
				InstanceID: instanceID,
				Err:        fmt.Errorf("%s: %w", ExportInitialize, err),
			}
		}
	}
	instance.started = true

	m.runtime.storeInstance(instance)

	m.logger.Info("Module instantiated successfully",
		zap.String("instance_id", instanceID),
		zap.Int("exported_functions", len(instance.exports)),
		zap.Int("direct_bindings", len(instance.bindings)),
		zap.Bool("allocator", instance.malloc != nil && instance.free != nil),
	)

	return instance, nil
}

// Close closes the instance and releases resources.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	i.started = false
	i.runtime.deleteInstance(i.ID)
	return i.module.Close(ctx)
}

// Name identifies the instance in diagnostics.
func (i *Instance) Name() string {
	return i.ModuleName
}

// Started reports whether initialization finished and the instance is open.
func (i *Instance) Started() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.started
}

// Memory returns the instance's linear memory helper.
func (i *Instance) Memory() *Memory {
	return i.memory
}

// Exports returns the exported function names, sorted.
func (i *Instance) Exports() []string {
	names := make([]string, 0, len(i.exports))
	for name := range i.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Allocator returns the instance when it exports both malloc and free.
func (i *Instance) Allocator() (bridge.Allocator, bool) {
	if i.malloc == nil || i.free == nil {
		return nil, false
	}
	return i, true
}

// Heap returns the element-indexed memory views.
func (i *Instance) Heap() (bridge.Heap, bool) {
	if i.module.Memory() == nil {
		return nil, false
	}
	return i.memory, true
}

// Binder returns the bindings published at instantiation, if any.
func (i *Instance) Binder() (bridge.Binder, bool) {
	if len(i.bindings) == 0 {
		return nil, false
	}
	return bindingTable(i.bindings), true
}

// Caller returns the instance's call-by-name facility.
func (i *Instance) Caller() (bridge.NamedCaller, bool) {
	return i, true
}

// Malloc calls the module's allocator.
func (i *Instance) Malloc(ctx context.Context, size uint32) (uint32, error) {
	if i.malloc == nil {
		return 0, &FunctionNotFoundError{ModuleName: i.ModuleName, FunctionName: ExportMalloc}
	}
	results, err := i.call(ctx, ExportMalloc, i.malloc, api.EncodeU32(size))
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	return api.DecodeU32(results[0]), nil
}

// Free calls the module's deallocator.
func (i *Instance) Free(ctx context.Context, addr uint32) error {
	if i.free == nil {
		return &FunctionNotFoundError{ModuleName: i.ModuleName, FunctionName: ExportFree}
	}
	_, err := i.call(ctx, ExportFree, i.free, api.EncodeU32(addr))
	return err
}

// HasExport reports whether the module exports a function called name.
func (i *Instance) HasExport(name string) bool {
	_, ok := i.exports[name]
	return ok
}

// CallNamed calls an export after checking its parameter types against sig.
// Results are returned as the export produces them.
func (i *Instance) CallNamed(ctx context.Context, name string, sig bridge.Signature, args ...uint64) ([]uint64, error) {
	fn, ok := i.exports[name]
	if !ok {
		return nil, &FunctionNotFoundError{ModuleName: i.ModuleName, FunctionName: name}
	}
	if params := fn.Definition().ParamTypes(); !slices.Equal(params, sig.Params) {
		return nil, &SignatureMismatchError{FunctionName: name, Declared: sig.Params, Exported: params}
	}
	return i.call(ctx, name, fn, args...)
}

// call runs fn with the instance lock held.
func (i *Instance) call(ctx context.Context, name string, fn api.Function, args ...uint64) ([]uint64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil, fmt.Errorf("instance %s is closed", i.ID)
	}

	if i.debug {
		i.logger.Debug("Calling Wasm function",
			zap.String("function", name),
			zap.Uint64s("args", args),
		)
	}

	results, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	return results, nil
}

// boundFunction is an export published under its "_"-prefixed symbol.
type boundFunction struct {
	instance *Instance
	name     string
	fn       api.Function
	params   int
}

func (b *boundFunction) ParamCount() int {
	return b.params
}

func (b *boundFunction) Call(ctx context.Context, args ...uint64) ([]uint64, error) {
	return b.instance.call(ctx, b.name, b.fn, args...)
}

type bindingTable map[string]*boundFunction

func (t bindingTable) Binding(symbol string) (bridge.Binding, bool) {
	b, ok := t[symbol]
	if !ok {
		return nil, false
	}
	return b, true
}

func (i *Instance) bindExports() map[string]*boundFunction {
	bindings := make(map[string]*boundFunction, len(i.exports))
	for name, fn := range i.exports {
		if name == ExportInitialize {
			continue
		}
		bindings[bridge.MangledName(name)] = &boundFunction{
			instance: i,
			name:     name,
			fn:       fn,
			params:   len(fn.Definition().ParamTypes()),
		}
	}
	return bindings
}

// cacheExportedFunctions caches references to every exported function.
func cacheExportedFunctions(module api.Module) map[string]api.Function {
	defs := module.ExportedFunctionDefinitions()
	exports := make(map[string]api.Function, len(defs))
	for name := range defs {
		if fn := module.ExportedFunction(name); fn != nil {
			exports[name] = fn
		}
	}
	return exports
}

// generateInstanceID returns a timestamp-based instance ID.
func generateInstanceID() string {
	return fmt.Sprintf("inst-%d", time.Now().UnixNano())
}
