package tensor

import (
	"fmt"
	"slices"
)

// Ints is a dense [Rows x Cols] matrix of int32 values. It carries token ids,
// targets and padding masks.
type Ints struct {
	Rows, Cols int
	Data       []int32
}

// NewInts allocates a zero-filled [rows x cols] matrix.
func NewInts(rows, cols int) *Ints {
	if rows < 0 || cols < 0 {
		panic(errNegativeDim)
	}
	return &Ints{Rows: rows, Cols: cols, Data: make([]int32, rows*cols)}
}

// IntsFromRows builds a matrix from equally sized rows.
func IntsFromRows(rows [][]int32) (*Ints, error) {
	if len(rows) == 0 {
		return NewInts(0, 0), nil
	}
	cols := len(rows[0])
	m := NewInts(len(rows), cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", errDataSizeMismatch, i, len(r), cols)
		}
		copy(m.Row(i), r)
	}
	return m, nil
}

// Row returns a view of row i.
func (m *Ints) Row(i int) []int32 {
	if i < 0 || i >= m.Rows {
		panic("row index out of range")
	}
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// At returns the element at (r, c).
func (m *Ints) At(r, c int) int32 { return m.Data[r*m.Cols+c] }

// Set writes the element at (r, c).
func (m *Ints) Set(r, c int, v int32) { m.Data[r*m.Cols+c] = v }

// Clone returns a deep copy.
func (m *Ints) Clone() *Ints {
	return &Ints{Rows: m.Rows, Cols: m.Cols, Data: slices.Clone(m.Data)}
}

// SameShape reports whether both matrices have the same dimensions.
func (m *Ints) SameShape(o *Ints) bool {
	return m.Rows == o.Rows && m.Cols == o.Cols
}

// PadRows returns a copy with extra rows appended and filled with fill.
func (m *Ints) PadRows(extra int, fill int32) *Ints {
	out := NewInts(m.Rows+extra, m.Cols)
	copy(out.Data, m.Data)
	if fill != 0 {
		for i := len(m.Data); i < len(out.Data); i++ {
			out.Data[i] = fill
		}
	}
	return out
}

// RollRight shifts every row right by k positions in place. Values that fall
// off the end wrap around to the start of the row.
func (m *Ints) RollRight(k int) {
	if m.Cols == 0 {
		return
	}
	k %= m.Cols
	if k < 0 {
		k += m.Cols
	}
	if k == 0 {
		return
	}
	for r := 0; r < m.Rows; r++ {
		row := m.Row(r)
		slices.Reverse(row)
		slices.Reverse(row[:k])
		slices.Reverse(row[k:])
	}
}

// Slice copies rows [0, rows) and columns [c0, c1).
func (m *Ints) Slice(rows, c0, c1 int) *Ints {
	if rows > m.Rows || c0 < 0 || c1 > m.Cols || c0 > c1 {
		panic("slice out of range")
	}
	out := NewInts(rows, c1-c0)
	for r := 0; r < rows; r++ {
		copy(out.Row(r), m.Row(r)[c0:c1])
	}
	return out
}

// RowRange copies rows [r0, r1) with all columns.
func (m *Ints) RowRange(r0, r1 int) *Ints {
	out := NewInts(r1-r0, m.Cols)
	copy(out.Data, m.Data[r0*m.Cols:r1*m.Cols])
	return out
}

// CountEqual counts the entries of row r equal to v.
func (m *Ints) CountEqual(r int, v int32) int {
	n := 0
	for _, x := range m.Row(r) {
		if x == v {
			n++
		}
	}
	return n
}

// Rows2D returns the rows as freshly allocated slices.
func (m *Ints) Rows2D() [][]int32 {
	out := make([][]int32, m.Rows)
	for i := range out {
		out[i] = slices.Clone(m.Row(i))
	}
	return out
}
