package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
)

// fakeModule is an in-memory ModuleHandle recording every call it receives.
type fakeModule struct {
	mu sync.Mutex

	name   string
	mem    []byte
	next   uint32
	live   map[uint32]uint32
	events []string

	noAllocator bool
	noHeap      bool
	nullAlloc   bool
	failAllocAt int // 1-based Malloc call that fails; 0 disables
	mallocCalls int

	bindings map[string]*fakeBinding
	exports  map[string]func(args []uint64) ([]uint64, error)
	noCaller bool

	lastApply []uint64
}

type fakeBinding struct {
	params int
	fn     func(args []uint64) ([]uint64, error)
}

func (b *fakeBinding) ParamCount() int { return b.params }

func (b *fakeBinding) Call(_ context.Context, args ...uint64) ([]uint64, error) {
	return b.fn(args)
}

func newFakeModule() *fakeModule {
	return &fakeModule{
		name:     "fake",
		mem:      make([]byte, 64*1024),
		next:     1024,
		live:     make(map[uint32]uint32),
		bindings: make(map[string]*fakeBinding),
		exports:  make(map[string]func(args []uint64) ([]uint64, error)),
	}
}

func (m *fakeModule) record(format string, args ...any) {
	m.events = append(m.events, fmt.Sprintf(format, args...))
}

func (m *fakeModule) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func (m *fakeModule) count(prefix string) int {
	n := 0
	for _, e := range m.Events() {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (m *fakeModule) Name() string { return m.name }

func (m *fakeModule) Allocator() (Allocator, bool) {
	if m.noAllocator {
		return nil, false
	}
	return m, true
}

func (m *fakeModule) Heap() (Heap, bool) {
	if m.noHeap {
		return nil, false
	}
	return m, true
}

func (m *fakeModule) Binder() (Binder, bool) { return m, true }

func (m *fakeModule) Caller() (NamedCaller, bool) {
	if m.noCaller {
		return nil, false
	}
	return m, true
}

func (m *fakeModule) Malloc(_ context.Context, size uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mallocCalls++
	if m.failAllocAt > 0 && m.mallocCalls == m.failAllocAt {
		m.record("malloc %d failed", size)
		return 0, errors.New("arena exhausted")
	}
	if m.nullAlloc {
		m.record("malloc %d null", size)
		return 0, nil
	}

	addr := m.next
	m.next += (size + 7) &^ 7
	if size == 0 {
		m.next += 8
	}
	m.live[addr] = size
	m.record("malloc %d", size)
	return addr, nil
}

func (m *fakeModule) Free(_ context.Context, addr uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live[addr]; !ok {
		m.record("free %d invalid", addr)
		return fmt.Errorf("double free at %d", addr)
	}
	delete(m.live, addr)
	m.record("free %d", addr)
	return nil
}

func (m *fakeModule) SetFloat64s(index uint32, values []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	off := uint64(index) * 8
	if off+uint64(len(values))*8 > uint64(len(m.mem)) {
		return errors.New("out of bounds")
	}
	for i, v := range values {
		binary.LittleEndian.PutUint64(m.mem[off+uint64(i)*8:], math.Float64bits(v))
	}
	m.record("write f64 %d", index*8)
	return nil
}

func (m *fakeModule) SetInt32s(index uint32, values []int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	off := uint64(index) * 4
	if off+uint64(len(values))*4 > uint64(len(m.mem)) {
		return errors.New("out of bounds")
	}
	for i, v := range values {
		binary.LittleEndian.PutUint32(m.mem[off+uint64(i)*4:], uint32(v))
	}
	m.record("write i32 %d", index*4)
	return nil
}

func (m *fakeModule) Binding(symbol string) (Binding, bool) {
	b, ok := m.bindings[symbol]
	if !ok {
		return nil, false
	}
	return &fakeBinding{params: b.params, fn: func(args []uint64) ([]uint64, error) {
		m.mu.Lock()
		m.record("direct %s", symbol)
		m.mu.Unlock()
		return b.fn(args)
	}}, true
}

func (m *fakeModule) HasExport(name string) bool {
	_, ok := m.exports[name]
	return ok
}

func (m *fakeModule) CallNamed(_ context.Context, name string, _ Signature, args ...uint64) ([]uint64, error) {
	m.mu.Lock()
	m.record("named %s", name)
	fn := m.exports[name]
	m.mu.Unlock()
	return fn(args)
}

// bindApply registers a pre-bound apply entry point returning status.
func (m *fakeModule) bindApply(status int32) {
	m.bindings["_apply_inputs_from_js"] = &fakeBinding{params: 5, fn: func(args []uint64) ([]uint64, error) {
		m.mu.Lock()
		m.lastApply = append([]uint64(nil), args...)
		m.mu.Unlock()
		return []uint64{uint64(uint32(status))}, nil
	}}
}

func (m *fakeModule) float64At(addr uint32, i int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return math.Float64frombits(binary.LittleEndian.Uint64(m.mem[addr+uint32(i)*8:]))
}

func (m *fakeModule) int32At(addr uint32, i int) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int32(binary.LittleEndian.Uint32(m.mem[addr+uint32(i)*4:]))
}

func (m *fakeModule) liveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func itoa(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}
