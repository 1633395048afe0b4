package tensor

import "math/rand"

// Mat represents a dense row-major matrix of float32 values.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows; for freshly
// allocated matrices it equals C. Data holds the flattened values.
//
// Mat performs no memory safety beyond the checks done by Go's slice
// types; out-of-range indices panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zero-initialised matrix with r rows and c columns.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// NewMatFromData creates a matrix backed by existing data. The data
// length must be exactly r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{R: r, C: c, Stride: c, Data: data}
}

// Row returns a view of the i-th row. Modifications to the returned
// slice update the underlying matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// RowTo copies the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	copy(dst[:m.C], m.Row(i))
}

// At returns the element at row i, column j.
func (m *Mat) At(i, j int) float32 {
	return m.Data[i*m.Stride+j]
}

// Set assigns the element at row i, column j.
func (m *Mat) Set(i, j int, v float32) {
	m.Data[i*m.Stride+j] = v
}

// Clone returns a compacted deep copy of the matrix.
func (m *Mat) Clone() Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// FillRand fills the matrix with reproducible pseudo-random values in a
// small range around zero. The same seed produces the same matrix.
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}
