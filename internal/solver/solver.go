// Package solver implements the one-shot weight compression primitive:
// given a projection's weight matrix and its captured calibration inputs,
// it zeros (and optionally quantizes) weights while minimizing the layer
// reconstruction error over those inputs.
package solver

import (
	"fmt"

	"github.com/samcharles93/winnow/internal/tensor"
)

// Params are the numerical knobs for one solver invocation.
type Params struct {
	// Sparsity is the fraction of weights to zero (unstructured mode).
	Sparsity float64
	// PruneN/PruneM select n:m structured pruning: PruneN weights zeroed
	// out of every PruneM consecutive inputs. PruneN == 0 disables the
	// structured mode and Sparsity applies instead.
	PruneN, PruneM int
	// BlockSize is the lazy-update block width over input columns.
	BlockSize int
	// DampFrac is the fraction of the mean Hessian diagonal added for
	// numerical stability.
	DampFrac float64
	// Quantize snaps surviving weights onto the quantization grid.
	Quantize bool
}

// Target is one sub-module to compress: its weight matrix (out x in) and
// the calibration activations that feed it, one (T x in) matrix per batch.
type Target struct {
	Name   string
	W      *tensor.Mat
	Inputs []tensor.Mat
}

func (p Params) validate() error {
	if p.Sparsity < 0 || p.Sparsity > 1 {
		return fmt.Errorf("sparsity %v out of range [0,1]", p.Sparsity)
	}
	if p.DampFrac < 0 || p.DampFrac >= 1 {
		return fmt.Errorf("dampening fraction %v out of range [0,1)", p.DampFrac)
	}
	if p.PruneN < 0 || p.PruneM < 0 {
		return fmt.Errorf("negative n:m pattern %d:%d", p.PruneN, p.PruneM)
	}
	if p.PruneN > 0 {
		if p.PruneM <= 0 || p.PruneN >= p.PruneM {
			return fmt.Errorf("invalid n:m pattern %d:%d", p.PruneN, p.PruneM)
		}
		if bs := p.blockSize(); bs%p.PruneM != 0 {
			return fmt.Errorf("block size %d not divisible by m=%d", bs, p.PruneM)
		}
	}
	return nil
}

func (p Params) blockSize() int {
	if p.BlockSize <= 0 {
		return 128
	}
	return p.BlockSize
}
