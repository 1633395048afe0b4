package solver

import (
	"fmt"
	"sort"

	"github.com/samcharles93/winnow/internal/logger"
	"github.com/samcharles93/winnow/internal/tensor"
	"github.com/samcharles93/winnow/pkg/quant"
)

// OBCQ is the optimal brain compression solver. For each target it
// accumulates the input Hessian H = sum(X^T X), damps and inverts it via
// Cholesky, then prunes input columns block by block in saliency order
// with error compensation spread over the remaining columns.
type OBCQ struct {
	Quant quant.Scheme
	Log   logger.Logger
}

// NewOBCQ builds a solver with the default int8 block quantizer.
func NewOBCQ(log logger.Logger) *OBCQ {
	return &OBCQ{Quant: quant.Int8Block{}, Log: log}
}

// Compress runs the solver over every target in order. A single call may
// cover one sub-module (sequential update) or a whole layer's sub-modules
// (batched update); the math per target is identical.
func (s *OBCQ) Compress(targets []Target, p Params) error {
	if err := p.validate(); err != nil {
		return err
	}
	for i := range targets {
		if err := s.compressOne(&targets[i], p); err != nil {
			return fmt.Errorf("target %s: %w", targets[i].Name, err)
		}
	}
	return nil
}

func (s *OBCQ) compressOne(t *Target, p Params) error {
	w := t.W
	n := w.C
	rows := w.R
	if len(t.Inputs) == 0 {
		return fmt.Errorf("no calibration inputs")
	}
	for _, x := range t.Inputs {
		if x.C != n {
			return fmt.Errorf("calibration input width %d does not match weight input dim %d", x.C, n)
		}
	}

	// Hessian of the layer-wise reconstruction objective.
	h := tensor.NewMat(n, n)
	for i := range t.Inputs {
		tensor.SymRankUpdate(&h, &t.Inputs[i])
	}

	// Dead input columns carry no signal; pin the diagonal and zero the
	// corresponding weights so the factorization stays definite.
	var diagMean float64
	for i := 0; i < n; i++ {
		if h.At(i, i) == 0 {
			h.Set(i, i, 1)
			for r := 0; r < rows; r++ {
				w.Set(r, i, 0)
			}
		}
		diagMean += float64(h.At(i, i))
	}
	diagMean /= float64(n)
	damp := float32(p.DampFrac * diagMean)
	for i := 0; i < n; i++ {
		h.Set(i, i, h.At(i, i)+damp)
	}

	if err := tensor.Cholesky(&h); err != nil {
		return fmt.Errorf("hessian factorization: %w", err)
	}
	hinv := tensor.CholeskyInverse(&h)
	if err := tensor.Cholesky(&hinv); err != nil {
		return fmt.Errorf("inverse factorization: %w", err)
	}
	// Upper factor of H^-1; its diagonal drives saliency, its rows drive
	// error propagation.
	u := tensor.Transpose(&hinv)

	bs := p.blockSize()
	qcol := make([]float32, rows)
	for i1 := 0; i1 < n; i1 += bs {
		i2 := min(i1+bs, n)
		cnt := i2 - i1

		pruneMask := make([]bool, rows*cnt)
		if p.PruneN == 0 && p.Sparsity > 0 {
			selectUnstructured(pruneMask, w, &u, i1, i2, p.Sparsity)
		}

		errAcc := tensor.NewMat(rows, cnt)
		for j := i1; j < i2; j++ {
			if p.PruneN > 0 && (j-i1)%p.PruneM == 0 {
				selectStructured(pruneMask, w, &u, i1, j, min(j+p.PruneM, i2), p.PruneN)
			}
			d := u.At(j, j)
			for r := 0; r < rows; r++ {
				if pruneMask[r*cnt+(j-i1)] {
					qcol[r] = 0
				} else {
					qcol[r] = w.At(r, j)
				}
			}
			if p.Quantize && s.Quant != nil {
				s.Quant.Apply(qcol)
			}
			for r := 0; r < rows; r++ {
				orig := w.At(r, j)
				errAcc.Set(r, j-i1, (orig-qcol[r])/d)
				w.Set(r, j, qcol[r])
			}
			// Compensate the remaining columns of this block.
			uj := u.Row(j)
			for r := 0; r < rows; r++ {
				e := errAcc.At(r, j-i1)
				if e == 0 {
					continue
				}
				wr := w.Row(r)
				for jj := j + 1; jj < i2; jj++ {
					wr[jj] -= e * uj[jj]
				}
			}
		}
		// Compensate every column past the block in one pass.
		for r := 0; r < rows; r++ {
			er := errAcc.Row(r)
			wr := w.Row(r)
			for jj := i2; jj < n; jj++ {
				var acc float32
				for b := 0; b < cnt; b++ {
					acc += er[b] * u.At(i1+b, jj)
				}
				wr[jj] -= acc
			}
		}
	}

	if s.Log != nil {
		s.Log.Debug("solver pass complete",
			"target", t.Name, "rows", rows, "cols", n, "sparsity", Sparsity(w))
	}
	return nil
}

// selectUnstructured marks the lowest-saliency fraction of the block for
// pruning, using the per-weight saliency w^2 / [H^-1]_jj^2.
func selectUnstructured(mask []bool, w, u *tensor.Mat, i1, i2 int, sparsity float64) {
	rows := w.R
	cnt := i2 - i1
	sal := make([]float64, 0, rows*cnt)
	for r := 0; r < rows; r++ {
		for j := i1; j < i2; j++ {
			sal = append(sal, saliency(w.At(r, j), u.At(j, j)))
		}
	}
	k := int(sparsity * float64(len(sal)))
	if k <= 0 {
		return
	}
	if k > len(sal) {
		k = len(sal)
	}
	sorted := append([]float64(nil), sal...)
	sort.Float64s(sorted)
	thresh := sorted[k-1]
	marked := 0
	for idx, v := range sal {
		if v <= thresh && marked < k {
			mask[idx] = true
			marked++
		}
	}
}

// selectStructured marks, per output row, the PruneN lowest-saliency
// weights within the column window [j1, j2).
func selectStructured(mask []bool, w, u *tensor.Mat, i1, j1, j2, pruneN int) {
	rows := w.R
	cnt := len(mask) / rows
	width := j2 - j1
	type cand struct {
		col int
		sal float64
	}
	cands := make([]cand, 0, width)
	for r := 0; r < rows; r++ {
		cands = cands[:0]
		for j := j1; j < j2; j++ {
			cands = append(cands, cand{col: j, sal: saliency(w.At(r, j), u.At(j, j))})
		}
		sort.Slice(cands, func(a, b int) bool { return cands[a].sal < cands[b].sal })
		limit := min(pruneN, len(cands))
		for i := 0; i < limit; i++ {
			mask[r*cnt+(cands[i].col-i1)] = true
		}
	}
}

func saliency(w, d float32) float64 {
	q := float64(w) / float64(d)
	return q * q
}

// Sparsity returns the fraction of exactly-zero weights in w.
func Sparsity(w *tensor.Mat) float64 {
	if len(w.Data) == 0 {
		return 0
	}
	var zeros int
	for i := 0; i < w.R; i++ {
		for _, v := range w.Row(i) {
			if v == 0 {
				zeros++
			}
		}
	}
	return float64(zeros) / float64(w.R*w.C)
}
