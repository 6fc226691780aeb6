package bridge

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Lane widths in bytes.
const (
	Float64Width uint32 = 8
	Int32Width   uint32 = 4
)

// Allocation is a region of the module's arena owned by one call until it
// is released.
type Allocation struct {
	Addr uint32
	Size uint32

	released bool
}

// Valid reports whether the allocation refers to a live region.
func (a *Allocation) Valid() bool {
	return a != nil && a.Addr != 0 && !a.released
}

// Arena allocates, fills and releases regions of a module's linear memory.
type Arena struct {
	module string
	alloc  Allocator
	heap   Heap
	logger *zap.Logger
}

// NewArena binds an arena to h. It fails with AllocationUnavailableError when
// h exports no allocator or no heap view, before anything is allocated.
func NewArena(h ModuleHandle, logger *zap.Logger) (*Arena, error) {
	alloc, ok := h.Allocator()
	if !ok || alloc == nil {
		return nil, &AllocationUnavailableError{Reason: "module exports no allocator"}
	}
	heap, ok := h.Heap()
	if !ok || heap == nil {
		return nil, &AllocationUnavailableError{Reason: "module exposes no heap view"}
	}
	return &Arena{
		module: h.Name(),
		alloc:  alloc,
		heap:   heap,
		logger: logger.With(zap.String("component", "arena")),
	}, nil
}

// Allocate reserves size bytes. On failure nothing is owned by the caller
// and the returned allocation is nil.
func (a *Arena) Allocate(ctx context.Context, size uint32) (*Allocation, error) {
	addr, err := a.alloc.Malloc(ctx, size)
	if err != nil {
		return nil, &AllocationUnavailableError{Size: size, Reason: "allocator call failed", Err: err}
	}
	if addr == 0 {
		return nil, &AllocationUnavailableError{Size: size, Reason: "allocator returned a null address"}
	}

	a.logger.Debug("Allocated arena region",
		zap.String("module", a.module),
		zap.Uint32("addr", addr),
		zap.Uint32("size", size),
	)
	return &Allocation{Addr: addr, Size: size}, nil
}

// Release returns the region to the module. Nil, null and already released
// allocations are ignored.
func (a *Arena) Release(ctx context.Context, alloc *Allocation) error {
	if !alloc.Valid() {
		return nil
	}
	alloc.released = true

	if err := a.alloc.Free(ctx, alloc.Addr); err != nil {
		return fmt.Errorf("release arena region at %d: %w", alloc.Addr, err)
	}

	a.logger.Debug("Released arena region",
		zap.String("module", a.module),
		zap.Uint32("addr", alloc.Addr),
	)
	return nil
}

// WriteFloat64s copies values into the 8-byte lane at alloc.
func (a *Arena) WriteFloat64s(alloc *Allocation, values []float64) error {
	index, err := laneIndex(alloc, Float64Width, len(values))
	if err != nil {
		return err
	}
	if err := a.heap.SetFloat64s(index, values); err != nil {
		return &LaneError{Addr: alloc.Addr, Width: Float64Width, Reason: "heap write failed", Err: err}
	}
	return nil
}

// WriteInt32s copies values into the 4-byte lane at alloc.
func (a *Arena) WriteInt32s(alloc *Allocation, values []int32) error {
	index, err := laneIndex(alloc, Int32Width, len(values))
	if err != nil {
		return err
	}
	if err := a.heap.SetInt32s(index, values); err != nil {
		return &LaneError{Addr: alloc.Addr, Width: Int32Width, Reason: "heap write failed", Err: err}
	}
	return nil
}

// laneIndex converts a byte address into an element index for a lane of the
// given width.
func laneIndex(alloc *Allocation, width uint32, count int) (uint32, error) {
	if !alloc.Valid() {
		return 0, &LaneError{Width: width, Reason: "allocation is not live"}
	}
	if alloc.Addr%width != 0 {
		return 0, &LaneError{Addr: alloc.Addr, Width: width, Reason: "address is not lane aligned"}
	}
	if uint64(count)*uint64(width) > uint64(alloc.Size) {
		return 0, &LaneError{
			Addr:   alloc.Addr,
			Width:  width,
			Reason: fmt.Sprintf("%d elements exceed the %d-byte allocation", count, alloc.Size),
		}
	}
	return alloc.Addr / width, nil
}

// Scope owns the allocations of a single call.
type Scope struct {
	arena *Arena
	held  []*Allocation
}

// NewScope starts a scope. Callers must defer Close.
func (a *Arena) NewScope() *Scope {
	return &Scope{arena: a}
}

// Allocate reserves size bytes and records the region for release on Close.
func (s *Scope) Allocate(ctx context.Context, size uint32) (*Allocation, error) {
	alloc, err := s.arena.Allocate(ctx, size)
	if err != nil {
		return nil, err
	}
	s.held = append(s.held, alloc)
	return alloc, nil
}

// Len returns the number of allocations held.
func (s *Scope) Len() int {
	return len(s.held)
}

// Close releases every held allocation, in acquisition order, exactly once.
func (s *Scope) Close(ctx context.Context) error {
	var err error
	for _, alloc := range s.held {
		err = multierr.Append(err, s.arena.Release(ctx, alloc))
	}
	s.held = nil
	return err
}
