package tensor

import (
	"errors"
	"math"
)

// ErrNotPositiveDefinite is returned by Cholesky when the input matrix is
// not symmetric positive definite (within floating point tolerance).
var ErrNotPositiveDefinite = errors.New("matrix is not positive definite")

// Cholesky factors the symmetric positive-definite matrix a in place into
// its lower-triangular factor L, so that a = L * L^T. The strict upper
// triangle is zeroed. Accumulation runs in float64 for stability.
func Cholesky(a *Mat) error {
	if a.R != a.C {
		panic("Cholesky requires a square matrix")
	}
	n := a.R
	for j := 0; j < n; j++ {
		var d float64
		rj := a.Row(j)
		for k := 0; k < j; k++ {
			d += float64(rj[k]) * float64(rj[k])
		}
		d = float64(rj[j]) - d
		if d <= 0 || math.IsNaN(d) {
			return ErrNotPositiveDefinite
		}
		ljj := math.Sqrt(d)
		rj[j] = float32(ljj)
		for i := j + 1; i < n; i++ {
			ri := a.Row(i)
			var s float64
			for k := 0; k < j; k++ {
				s += float64(ri[k]) * float64(rj[k])
			}
			ri[j] = float32((float64(ri[j]) - s) / ljj)
		}
		for k := j + 1; k < n; k++ {
			rj[k] = 0
		}
	}
	return nil
}

// CholeskyInverse computes the full inverse of the symmetric positive
// definite matrix whose lower Cholesky factor is l. The factor is not
// modified.
func CholeskyInverse(l *Mat) Mat {
	n := l.R
	inv := NewMat(n, n)
	y := make([]float64, n)
	x := make([]float64, n)
	for col := 0; col < n; col++ {
		// Forward solve L y = e_col.
		for i := 0; i < n; i++ {
			var s float64
			ri := l.Row(i)
			for k := 0; k < i; k++ {
				s += float64(ri[k]) * y[k]
			}
			b := 0.0
			if i == col {
				b = 1.0
			}
			y[i] = (b - s) / float64(ri[i])
		}
		// Backward solve L^T x = y.
		for i := n - 1; i >= 0; i-- {
			var s float64
			for k := i + 1; k < n; k++ {
				s += float64(l.At(k, i)) * x[k]
			}
			x[i] = (y[i] - s) / float64(l.At(i, i))
		}
		for i := 0; i < n; i++ {
			inv.Set(i, col, float32(x[i]))
		}
	}
	return inv
}

// Transpose returns a compacted transpose of m.
func Transpose(m *Mat) Mat {
	out := NewMat(m.C, m.R)
	for i := 0; i < m.R; i++ {
		ri := m.Row(i)
		for j := 0; j < m.C; j++ {
			out.Set(j, i, ri[j])
		}
	}
	return out
}
