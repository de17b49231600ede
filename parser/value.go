package parser

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind tags a cell value. The profiler branches on the tag instead of on
// runtime types.
type Kind int

const (
	// Null is the JSON null sentinel or an absent value.
	Null Kind = iota
	// String is a raw string cell (every CSV cell, JSON strings).
	String
	// Number is a JSON numeric literal.
	Number
	// Bool is a JSON boolean. Booleans are never numeric.
	Bool
	// Other is any nested JSON structure (object or array).
	Other
)

// Value is one cell of a row.
type Value struct {
	Kind Kind
	Str  string  // String: the text; Other: compacted raw JSON
	Num  float64 // Number
	Bool bool    // Bool
}

// IsNull reports whether the cell counts as null for profiling: the null
// sentinel, an absent field, or a string of only whitespace.
func (v Value) IsNull() bool {
	if v.Kind == Null {
		return true
	}
	return v.Kind == String && strings.TrimSpace(v.Str) == ""
}

// AsNumber coerces the cell to a finite float64. Booleans and nested
// structures never coerce; strings coerce when they trim to a valid
// integer or floating-point literal.
func (v Value) AsNumber() (float64, bool) {
	switch v.Kind {
	case Number:
		return v.Num, true
	case String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Cell is a named cell. Rows preserve source field order.
type Cell struct {
	Field string
	Value Value
}

// Row is an ordered record of one parsed source row.
type Row []Cell

// CanonicalKey returns a deterministic serialization of the row with
// fields sorted by name, used for exact-duplicate detection. Two rows
// with the same fields and equal values map to the same key.
func (r Row) CanonicalKey() string {
	cells := make([]Cell, len(r))
	copy(cells, r)
	sort.Slice(cells, func(i, j int) bool { return cells[i].Field < cells[j].Field })

	var b strings.Builder
	b.WriteByte('{')
	for i, c := range cells {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(c.Field))
		b.WriteByte(':')
		switch c.Value.Kind {
		case Null:
			b.WriteString("null")
		case String:
			b.WriteString(strconv.Quote(c.Value.Str))
		case Number:
			b.WriteString(strconv.FormatFloat(c.Value.Num, 'g', -1, 64))
		case Bool:
			b.WriteString(strconv.FormatBool(c.Value.Bool))
		case Other:
			b.WriteString(c.Value.Str)
		}
	}
	b.WriteByte('}')
	return b.String()
}
