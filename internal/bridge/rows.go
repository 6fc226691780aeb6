package bridge

import (
	"math"
	"strconv"
	"strings"
)

// Field defaults used when a row value is missing, malformed or zero.
const (
	DefaultRX   = 0.2
	DefaultRY   = 0.2
	DefaultW    = 1.0
	DefaultSize = int32(16)
)

// RowFields holds the raw text of one UI row.
type RowFields struct {
	RX string `json:"rx" yaml:"rx"`
	RY string `json:"ry" yaml:"ry"`
	W  string `json:"w" yaml:"w"`
	S  string `json:"s" yaml:"s"`
}

// RowInput is a parsed row.
type RowInput struct {
	RX float64
	RY float64
	W  float64
	S  int32
}

// ParseRow converts the fields of one row, substituting the default for each
// value that cannot be used. It returns the names of the fields that fell
// back.
//
// Reals accept any decimal literal. A zero or non-finite real falls back as
// well. The size only accepts a base-10 integer; "3.7" yields the default.
func ParseRow(f RowFields) (RowInput, []string) {
	var fallbacks []string

	parseReal := func(name, text string, def float64) float64 {
		text = strings.TrimSpace(text)
		if !isDecimal(text) {
			fallbacks = append(fallbacks, name)
			return def
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil || v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			fallbacks = append(fallbacks, name)
			return def
		}
		return v
	}

	in := RowInput{
		RX: parseReal("rx", f.RX, DefaultRX),
		RY: parseReal("ry", f.RY, DefaultRY),
		W:  parseReal("w", f.W, DefaultW),
	}

	s, err := strconv.ParseInt(strings.TrimSpace(f.S), 10, 32)
	if err != nil || s == 0 {
		fallbacks = append(fallbacks, "s")
		s = int64(DefaultSize)
	}
	in.S = int32(s)

	return in, fallbacks
}

// isDecimal rejects the Go-only forms ParseFloat accepts: digit separators
// and hexadecimal mantissas.
func isDecimal(text string) bool {
	if strings.Contains(text, "_") {
		return false
	}
	unsigned := strings.TrimLeft(text, "+-")
	return !strings.HasPrefix(unsigned, "0x") && !strings.HasPrefix(unsigned, "0X")
}

// Columns is the column-major form of a row table: one lane per field, all
// of the same length.
type Columns struct {
	RX []float64
	RY []float64
	W  []float64
	S  []int32
}

// Len returns the row count.
func (c Columns) Len() int {
	return len(c.S)
}

// Columnize transposes parsed rows into lanes, preserving order.
func Columnize(rows []RowInput) Columns {
	n := len(rows)
	c := Columns{
		RX: make([]float64, n),
		RY: make([]float64, n),
		W:  make([]float64, n),
		S:  make([]int32, n),
	}
	for i, r := range rows {
		c.RX[i] = r.RX
		c.RY[i] = r.RY
		c.W[i] = r.W
		c.S[i] = r.S
	}
	return c
}
