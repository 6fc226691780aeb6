// Package orbital embeds the reference orbital module and knows its memory
// layout.
package orbital

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/orbitando/orbital-host/internal/bridge"
	"github.com/orbitando/orbital-host/internal/wasm"
)

//go:generate wat2wasm orbital.wat -o orbital.wasm

//go:embed orbital.wasm
var binary []byte

// ModuleName is the name the embedded module is compiled under.
const ModuleName = "orbital"

// Memory layout of the module.
const (
	BodyTable  uint32 = 1024
	BodyStride uint32 = 40
	MaxBodies         = 15
	HeapBase   uint32 = 4096
)

// Binary returns a copy of the embedded module.
func Binary() []byte {
	return append([]byte(nil), binary...)
}

// Source returns the embedded module as a module source.
func Source() *wasm.MemoryModuleSource {
	return &wasm.MemoryModuleSource{ModuleName: ModuleName, Data: binary}
}

// Body is one entry of the module's body table.
type Body struct {
	RX    float64 `json:"rx"`
	RY    float64 `json:"ry"`
	Angle float64 `json:"angle"`
	Omega float64 `json:"omega"`
	Size  int32   `json:"size"`
}

// ReadBodies decodes the first n bodies of the table.
func ReadBodies(mem *wasm.Memory, n int) ([]Body, error) {
	if n < 0 || n > MaxBodies {
		return nil, fmt.Errorf("body count %d out of range", n)
	}

	bodies := make([]Body, n)
	for i := range bodies {
		rec := BodyTable + uint32(i)*BodyStride
		f, err := mem.Float64s(rec/8, 4)
		if err != nil {
			return nil, err
		}
		s, err := mem.Int32s((rec+32)/4, 1)
		if err != nil {
			return nil, err
		}
		bodies[i] = Body{RX: f[0], RY: f[1], Angle: f[2], Omega: f[3], Size: s[0]}
	}
	return bodies, nil
}

// Stats is what the module reports about itself.
type Stats struct {
	Bodies          int32 `json:"bodies"`
	Running         bool  `json:"running"`
	LiveAllocations int32 `json:"live_allocations"`
	CanvasWidth     int32 `json:"canvas_width"`
	CanvasHeight    int32 `json:"canvas_height"`
}

var getterSig = bridge.Signature{Results: bridge.I32s(1)}

// Inspect queries the inspection exports through c.
func Inspect(ctx context.Context, c bridge.NamedCaller) (Stats, error) {
	get := func(name string) (int32, error) {
		res, err := c.CallNamed(ctx, name, getterSig)
		if err != nil {
			return 0, err
		}
		if len(res) == 0 {
			return 0, fmt.Errorf("%s returned no value", name)
		}
		return api.DecodeI32(res[0]), nil
	}

	var (
		s   Stats
		err error
		run int32
	)
	if s.Bodies, err = get("body_count"); err != nil {
		return Stats{}, err
	}
	if run, err = get("is_running"); err != nil {
		return Stats{}, err
	}
	s.Running = run != 0
	if s.LiveAllocations, err = get("live_allocations"); err != nil {
		return Stats{}, err
	}
	if s.CanvasWidth, err = get("canvas_width"); err != nil {
		return Stats{}, err
	}
	if s.CanvasHeight, err = get("canvas_height"); err != nil {
		return Stats{}, err
	}
	return s, nil
}
