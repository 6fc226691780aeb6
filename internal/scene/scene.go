// Package scene builds the initial row table shown to the user, either from
// built-in defaults or from a YAML scene file.
package scene

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/orbitando/orbital-host/internal/bridge"
)

// MaxRows is the largest table the module accepts.
const MaxRows = 15

var (
	builtinRX   = []float64{0.15, 0.25, 0.35, 0.45, 0.55, 0.65, 0.75, 0.85, 0.95}
	builtinRY   = []float64{0.12, 0.20, 0.28, 0.35, 0.45, 0.55, 0.65, 0.75, 0.85}
	builtinW    = []float64{0.8, 1.0, 1.2, 0.6, 1.5, 0.9, 1.3, 0.7, 1.1}
	builtinGrid = []int{3, 4, 5, 4, 6, 7, 5, 8, 6}
)

// ClampRows bounds a requested row count to 1..MaxRows.
func ClampRows(n int) int {
	return max(1, min(MaxRows, n))
}

// BuildRows returns n default rows, n clamped to 1..MaxRows. Rows past the
// built-in table continue the sequence linearly.
func BuildRows(n int) []bridge.RowFields {
	n = ClampRows(n)
	rows := make([]bridge.RowFields, n)
	for i := range rows {
		rows[i] = DefaultRow(i)
	}
	return rows
}

// DefaultRow returns the default values of row i.
func DefaultRow(i int) bridge.RowFields {
	rx := 0.15 + 0.08*float64(i)
	ry := 0.10 + 0.08*float64(i)
	w := 0.8 + 0.05*float64(i)
	grid := 4
	if i < len(builtinRX) {
		rx, ry, w, grid = builtinRX[i], builtinRY[i], builtinW[i], builtinGrid[i]
	}
	return Body{RX: rx, RY: ry, W: w, S: grid * 4}.Fields()
}

// Body is one row of a scene file.
type Body struct {
	RX float64 `yaml:"rx" validate:"gte=0.01,lte=1.5"`
	RY float64 `yaml:"ry" validate:"gte=0.01,lte=1.5"`
	W  float64 `yaml:"w" validate:"gte=-10,lte=10"`
	S  int     `yaml:"s" validate:"gte=2,lte=200"`
}

// Fields formats the body the way the input form shows it.
func (b Body) Fields() bridge.RowFields {
	return bridge.RowFields{
		RX: strconv.FormatFloat(b.RX, 'f', 2, 64),
		RY: strconv.FormatFloat(b.RY, 'f', 2, 64),
		W:  strconv.FormatFloat(b.W, 'f', 2, 64),
		S:  strconv.Itoa(b.S),
	}
}

// Scene is the content of a scene file. When Bodies is empty the table is
// built from the defaults with Count rows.
type Scene struct {
	Name   string `yaml:"name"`
	Count  int    `yaml:"count" validate:"gte=0,lte=15"`
	Bodies []Body `yaml:"bodies" validate:"max=15,dive"`
}

// Rows returns the row table of the scene.
func (s *Scene) Rows() []bridge.RowFields {
	if len(s.Bodies) == 0 {
		return BuildRows(s.Count)
	}
	rows := make([]bridge.RowFields, len(s.Bodies))
	for i, b := range s.Bodies {
		rows[i] = b.Fields()
	}
	return rows
}

var validate = validator.New()

// Parse decodes and validates a scene document.
func Parse(data []byte) (*Scene, error) {
	var s Scene
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scene: %w", err)
	}
	if err := validate.Struct(&s); err != nil {
		return nil, fmt.Errorf("invalid scene: %w", err)
	}
	return &s, nil
}

// LoadFile reads a scene file.
func LoadFile(path string) (*Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scene %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
