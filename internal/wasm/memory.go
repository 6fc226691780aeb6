package wasm

import (
	"github.com/tetratelabs/wazero/api"
)

// Memory provides bounds-checked access to a module's linear memory.
//
// Numeric lanes are addressed by element index, the way typed heap views
// are: a float64 lane at byte address a has index a/8, an int32 lane index
// a/4. All values are little-endian.
type Memory struct {
	mem api.Memory
}

// NewMemory creates a memory helper. The result reports every access as out
// of range when the module exports no memory.
func NewMemory(module api.Module) *Memory {
	return &Memory{mem: module.Memory()}
}

// Size returns the current memory size in bytes.
func (m *Memory) Size() uint32 {
	if m.mem == nil {
		return 0
	}
	return m.mem.Size()
}

// ReadString reads a null-terminated string from Wasm memory.
func (m *Memory) ReadString(ptr uint32, maxLen uint32) (string, bool) {
	buf, ok := m.ReadBytes(ptr, maxLen)
	if !ok {
		return "", false
	}

	end := len(buf)
	for i, b := range buf {
		if b == 0 {
			end = i
			break
		}
	}

	return string(buf[:end]), true
}

// ReadBytes reads raw bytes from Wasm memory.
func (m *Memory) ReadBytes(ptr uint32, length uint32) ([]byte, bool) {
	if m.mem == nil {
		return nil, false
	}
	return m.mem.Read(ptr, length)
}

// SetFloat64s writes values into the float64 lane starting at element index.
func (m *Memory) SetFloat64s(index uint32, values []float64) error {
	base := uint64(index) * 8
	if err := m.checkRange("write_f64", base, uint64(len(values))*8); err != nil {
		return err
	}
	for i, v := range values {
		m.mem.WriteFloat64Le(uint32(base)+uint32(i)*8, v)
	}
	return nil
}

// SetInt32s writes values into the int32 lane starting at element index.
func (m *Memory) SetInt32s(index uint32, values []int32) error {
	base := uint64(index) * 4
	if err := m.checkRange("write_i32", base, uint64(len(values))*4); err != nil {
		return err
	}
	for i, v := range values {
		m.mem.WriteUint32Le(uint32(base)+uint32(i)*4, uint32(v))
	}
	return nil
}

// Float64s reads n values from the float64 lane starting at element index.
func (m *Memory) Float64s(index uint32, n int) ([]float64, error) {
	base := uint64(index) * 8
	if err := m.checkRange("read_f64", base, uint64(n)*8); err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i := range out {
		out[i], _ = m.mem.ReadFloat64Le(uint32(base) + uint32(i)*8)
	}
	return out, nil
}

// Int32s reads n values from the int32 lane starting at element index.
func (m *Memory) Int32s(index uint32, n int) ([]int32, error) {
	base := uint64(index) * 4
	if err := m.checkRange("read_i32", base, uint64(n)*4); err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		v, _ := m.mem.ReadUint32Le(uint32(base) + uint32(i)*4)
		out[i] = int32(v)
	}
	return out, nil
}

// checkRange validates a whole access up front so a lane is either written
// completely or not at all.
func (m *Memory) checkRange(op string, addr, length uint64) error {
	if m.mem == nil || addr+length > uint64(m.mem.Size()) {
		return &MemoryAccessError{
			Operation: op,
			Address:   uint32(addr),
			Length:    uint32(length),
		}
	}
	return nil
}
