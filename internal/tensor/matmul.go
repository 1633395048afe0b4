package tensor

// MatVec computes dst = w * x where w is an (out x in) matrix and x has
// length in. dst must have length w.R.
func MatVec(dst []float32, w *Mat, x []float32) {
	if len(x) < w.C || len(dst) < w.R {
		panic("MatVec dimension mismatch")
	}
	for i := 0; i < w.R; i++ {
		dst[i] = Dot(w.Row(i), x[:w.C])
	}
}

// MatMulT computes dst = x * w^T: x is (T x in), w is (out x in), dst is
// (T x out). This is the layout used by linear layers over a full
// calibration sequence, and by attention scores where w holds one key
// per row.
func MatMulT(dst, x, w *Mat) {
	if x.C != w.C || dst.R != x.R || dst.C != w.R {
		panic("MatMulT dimension mismatch")
	}
	for t := 0; t < x.R; t++ {
		xr := x.Row(t)
		dr := dst.Row(t)
		for o := 0; o < w.R; o++ {
			dr[o] = Dot(w.Row(o), xr)
		}
	}
}

// SymRankUpdate accumulates h += x^T * x. h must be square (n x n) with
// n == x.C. Only a full (not triangular) update is performed; h stays
// symmetric if it started symmetric.
func SymRankUpdate(h, x *Mat) {
	if h.R != h.C || h.R != x.C {
		panic("SymRankUpdate dimension mismatch")
	}
	n := h.C
	for t := 0; t < x.R; t++ {
		row := x.Row(t)
		for i := 0; i < n; i++ {
			vi := row[i]
			if vi == 0 {
				continue
			}
			hr := h.Row(i)
			for j := 0; j < n; j++ {
				hr[j] += vi * row[j]
			}
		}
	}
}
