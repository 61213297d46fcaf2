package types

import (
	"fmt"
	"math"
	"slices"
)

// Table is a columnar table of float64 values with named, ordered columns.
// It is the payload of localization-style dataset types. All columns have the
// same length. Methods that return a *Table return a new table; the receiver
// is not modified unless the method says so.
type Table struct {
	names []string
	cols  map[string][]float64
	rows  int
}

// NewTable returns an empty table with no columns.
func NewTable() *Table {
	return &Table{cols: make(map[string][]float64)}
}

// TableFromColumns builds a table from parallel name and data slices. The
// data slices are copied.
func TableFromColumns(names []string, data [][]float64) (*Table, error) {
	if len(names) != len(data) {
		return nil, fmt.Errorf("%w: %d names for %d columns", ErrColumnLength, len(names), len(data))
	}
	t := NewTable()
	for i, name := range names {
		if err := t.AddColumn(name, data[i]); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Kind implements Payload.
func (t *Table) Kind() PayloadKind { return KindTable }

// Len returns the number of rows.
func (t *Table) Len() int { return t.rows }

// Columns returns the column names in order.
func (t *Table) Columns() []string { return slices.Clone(t.names) }

// HasColumn reports whether the table has a column called name.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.cols[name]
	return ok
}

// Column returns the values of a column. The returned slice is shared with
// the table.
func (t *Table) Column(name string) ([]float64, error) {
	c, ok := t.cols[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
	}
	return c, nil
}

// AddColumn appends a column, copying vals. The first column fixes the row
// count; later columns must match it. Adding an existing name replaces that
// column in place.
func (t *Table) AddColumn(name string, vals []float64) error {
	if name == "" {
		return fmt.Errorf("%w: empty column name", ErrColumnNotFound)
	}
	if len(t.names) > 0 && len(vals) != t.rows {
		if !(len(t.names) == 1 && t.HasColumn(name)) {
			return fmt.Errorf("%w: column %q has %d rows, table has %d", ErrColumnLength, name, len(vals), t.rows)
		}
	}
	if !t.HasColumn(name) {
		t.names = append(t.names, name)
	}
	t.cols[name] = slices.Clone(vals)
	t.rows = len(vals)
	return nil
}

// Fill appends a column holding v in every row.
func (t *Table) Fill(name string, v float64) error {
	vals := make([]float64, t.rows)
	for i := range vals {
		vals[i] = v
	}
	return t.AddColumn(name, vals)
}

// DropColumn removes a column if present.
func (t *Table) DropColumn(name string) {
	if !t.HasColumn(name) {
		return
	}
	delete(t.cols, name)
	t.names = slices.DeleteFunc(t.names, func(n string) bool { return n == name })
	if len(t.names) == 0 {
		t.rows = 0
	}
}

// Rename changes column names through fn, keeping order and data. Two
// columns mapping to the same name is an error.
func (t *Table) Rename(fn func(string) string) (*Table, error) {
	out := NewTable()
	out.rows = t.rows
	for _, n := range t.names {
		nn := fn(n)
		if out.HasColumn(nn) {
			return nil, fmt.Errorf("%w: duplicate column %q after rename", ErrColumnLength, nn)
		}
		out.names = append(out.names, nn)
		out.cols[nn] = slices.Clone(t.cols[n])
	}
	return out, nil
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	out := NewTable()
	out.rows = t.rows
	out.names = slices.Clone(t.names)
	for n, c := range t.cols {
		out.cols[n] = slices.Clone(c)
	}
	return out
}

// Select returns the rows for which keep is true, in order.
func (t *Table) Select(keep func(i int) bool) *Table {
	idx := make([]int, 0, t.rows)
	for i := 0; i < t.rows; i++ {
		if keep(i) {
			idx = append(idx, i)
		}
	}
	return t.Take(idx)
}

// Take returns the rows at the given indexes, in the order given.
func (t *Table) Take(idx []int) *Table {
	out := NewTable()
	out.rows = len(idx)
	out.names = slices.Clone(t.names)
	for _, n := range t.names {
		src := t.cols[n]
		dst := make([]float64, len(idx))
		for j, i := range idx {
			dst[j] = src[i]
		}
		out.cols[n] = dst
	}
	return out
}

// Row returns row i as a column-name mapping.
func (t *Table) Row(i int) map[string]float64 {
	r := make(map[string]float64, len(t.names))
	for _, n := range t.names {
		r[n] = t.cols[n][i]
	}
	return r
}

// GroupBy partitions row indexes by the integer value of column name. NaN
// values are skipped. Row order within a group is preserved.
func (t *Table) GroupBy(name string) (map[int][]int, error) {
	c, err := t.Column(name)
	if err != nil {
		return nil, err
	}
	groups := make(map[int][]int)
	for i, v := range c {
		if math.IsNaN(v) {
			continue
		}
		k := int(v)
		groups[k] = append(groups[k], i)
	}
	return groups, nil
}

// MinMax returns the smallest and largest value of a column. It returns
// ErrColumnLength for an empty table.
func (t *Table) MinMax(name string) (float64, float64, error) {
	c, err := t.Column(name)
	if err != nil {
		return 0, 0, err
	}
	if len(c) == 0 {
		return 0, 0, fmt.Errorf("%w: column %q is empty", ErrColumnLength, name)
	}
	lo, hi := c[0], c[0]
	for _, v := range c[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi, nil
}
