// Package processors transforms localization tables: column bookkeeping,
// filtering, spatial clustering, cluster statistics and merging of
// localizations that persist over consecutive frames.
//
// Every processor returns a new table and leaves its input unchanged.
package processors

import (
	"fmt"
	"math"

	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// Processor transforms one table into another.
type Processor interface {
	Process(t *types.Table) (*types.Table, error)
}

// Func adapts a function to Processor.
type Func func(t *types.Table) (*types.Table, error)

// Process implements Processor.
func (f Func) Process(t *types.Table) (*types.Table, error) { return f(t) }

// Pipeline applies its processors in order.
type Pipeline []Processor

// Process implements Processor.
func (p Pipeline) Process(t *types.Table) (*types.Table, error) {
	out := t
	for i, proc := range p {
		next, err := proc.Process(out)
		if err != nil {
			return nil, fmt.Errorf("step %d (%T): %w", i, proc, err)
		}
		out = next
	}
	return out, nil
}

// AddColumn adds a column holding Value in every row.
type AddColumn struct {
	Name  string
	Value float64
}

// Process implements Processor.
func (a AddColumn) Process(t *types.Table) (*types.Table, error) {
	out := t.Clone()
	if err := out.Fill(a.Name, a.Value); err != nil {
		return nil, err
	}
	return out, nil
}

// CleanUp drops every row holding a NaN or an infinite value.
type CleanUp struct{}

// Process implements Processor.
func (CleanUp) Process(t *types.Table) (*types.Table, error) {
	cols := make([][]float64, 0, len(t.Columns()))
	for _, name := range t.Columns() {
		c, _ := t.Column(name)
		cols = append(cols, c)
	}
	return t.Select(func(i int) bool {
		for _, c := range cols {
			if math.IsNaN(c[i]) || math.IsInf(c[i], 0) {
				return false
			}
		}
		return true
	}), nil
}

// ConvertHeader renames columns through a FormatMap. Forward maps file
// headers to short names; Reverse maps them back.
type ConvertHeader struct {
	Mapping *types.FormatMap
	Reverse bool
}

// Process implements Processor.
func (c ConvertHeader) Process(t *types.Table) (*types.Table, error) {
	m := c.Mapping
	if m == nil {
		m = types.DefaultFormat()
	}
	if c.Reverse {
		return t.Rename(m.Reverse)
	}
	return t.Rename(m.Forward)
}

// Filter keeps the rows whose Column value satisfies Operator against Value.
type Filter struct {
	Column   string
	Operator string
	Value    float64

	cmp func(a, b float64) bool
}

var filterOperators = map[string]func(a, b float64) bool{
	"<":  func(a, b float64) bool { return a < b },
	"<=": func(a, b float64) bool { return a <= b },
	"==": func(a, b float64) bool { return a == b },
	"!=": func(a, b float64) bool { return a != b },
	">=": func(a, b float64) bool { return a >= b },
	">":  func(a, b float64) bool { return a > b },
}

// NewFilter returns a Filter after checking the operator.
func NewFilter(column, operator string, value float64) (*Filter, error) {
	cmp, ok := filterOperators[operator]
	if !ok {
		return nil, fmt.Errorf("%w: unknown operator %q", types.ErrInvalidParameter, operator)
	}
	return &Filter{Column: column, Operator: operator, Value: value, cmp: cmp}, nil
}

// Process implements Processor.
func (f *Filter) Process(t *types.Table) (*types.Table, error) {
	cmp := f.cmp
	if cmp == nil {
		var ok bool
		if cmp, ok = filterOperators[f.Operator]; !ok {
			return nil, fmt.Errorf("%w: unknown operator %q", types.ErrInvalidParameter, f.Operator)
		}
	}
	col, err := t.Column(f.Column)
	if err != nil {
		return nil, err
	}
	return t.Select(func(i int) bool { return cmp(col[i], f.Value) }), nil
}
