// Package bridge moves structured UI input into a sandboxed computation
// module and invokes its entry points.
//
// The module is reached only through a ModuleHandle. A handle exposes its
// capabilities through accessor methods that report presence, so callers
// probe for an allocator, a heap view or a binding style instead of assuming
// one exists:
//
//	gate := bridge.NewGate(target, logger)
//	h, err := gate.Wait(ctx)
//	if err != nil {
//	    return err
//	}
//	b := bridge.New(h, logger)
//	status, err := b.ApplyInputs(ctx, rows)
//
// Every arena allocation made on behalf of a call is released before the
// call returns, whatever the outcome.
package bridge

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// ModuleHandle is the capability set of a ready module.
type ModuleHandle interface {
	// Name identifies the module in diagnostics.
	Name() string

	// Allocator returns the module's arena allocator, if it exports one.
	Allocator() (Allocator, bool)

	// Heap returns element-indexed views over the module's linear memory.
	Heap() (Heap, bool)

	// Binder returns the table of pre-bound entry points, if any.
	Binder() (Binder, bool)

	// Caller returns the generic call-by-name mechanism, if any.
	Caller() (NamedCaller, bool)
}

// Allocator reserves and releases regions of the module's arena.
type Allocator interface {
	// Malloc returns the address of a region of at least size bytes.
	// A zero address means the arena could not satisfy the request.
	Malloc(ctx context.Context, size uint32) (uint32, error)

	// Free returns a region previously obtained from Malloc.
	Free(ctx context.Context, addr uint32) error
}

// Heap exposes the module's linear memory as typed lanes addressed by
// element index rather than byte offset.
type Heap interface {
	// SetFloat64s writes values into the 8-byte lane starting at element index.
	SetFloat64s(index uint32, values []float64) error

	// SetInt32s writes values into the 4-byte lane starting at element index.
	SetInt32s(index uint32, values []int32) error
}

// Binder resolves entry points that were bound when the module was
// instantiated. Symbols use the exported-C convention: a leading underscore
// in front of the entry point name.
type Binder interface {
	Binding(symbol string) (Binding, bool)
}

// Binding is a pre-bound entry point.
type Binding interface {
	// ParamCount is the arity the binding was compiled with.
	ParamCount() int

	// Call invokes the entry point with raw wasm values.
	Call(ctx context.Context, args ...uint64) ([]uint64, error)
}

// NamedCaller invokes an exported function by name with a declared
// signature, the way a generic "ccall" facility does.
type NamedCaller interface {
	HasExport(name string) bool
	CallNamed(ctx context.Context, name string, sig Signature, args ...uint64) ([]uint64, error)
}

// Signature declares the wasm value types of an entry point.
type Signature struct {
	Params  []api.ValueType
	Results []api.ValueType
}

// Arity returns the declared parameter count.
func (s Signature) Arity() int {
	return len(s.Params)
}

// I32s returns n i32 value types.
func I32s(n int) []api.ValueType {
	types := make([]api.ValueType, n)
	for i := range types {
		types[i] = api.ValueTypeI32
	}
	return types
}
