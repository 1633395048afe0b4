package compress

import (
	"fmt"

	"github.com/samcharles93/winnow/internal/solver"
)

// DefaultLayerSelector matches the decoder layers of the models winnow
// builds.
const DefaultLayerSelector = "layers.*"

// Args is the immutable per-run compression configuration. It is validated
// once at pipeline construction; changing parameters mid-run means
// constructing a new pipeline.
type Args struct {
	// Sparsity is the target fraction of zeroed weights, 0.0-1.0.
	Sparsity float64
	// PruneN/PruneM select n:m structured pruning (0 disables).
	PruneN, PruneM int
	// BlockSize is the solver's lazy-update block width.
	BlockSize int
	// DampFrac is the Hessian dampening fraction.
	DampFrac float64
	// SequentialUpdate compresses one sub-module at a time, re-capturing
	// activations between sub-modules; when false all of a layer's
	// sub-modules are handled in one shared batched solver pass.
	SequentialUpdate bool
	// Quantize snaps surviving weights onto the quantization grid.
	Quantize bool

	// LayerSelector picks the compressible layers by name.
	LayerSelector string
	// TargetIDs and LayerPrefix are architecture hints forwarded to the
	// bottom compressor.
	TargetIDs   []string
	LayerPrefix string
}

// WithDefaults fills unset optional fields.
func (a Args) WithDefaults() Args {
	if a.LayerSelector == "" {
		a.LayerSelector = DefaultLayerSelector
	}
	if a.BlockSize == 0 {
		a.BlockSize = 128
	}
	return a
}

// Validate checks the configuration once, up front.
func (a Args) Validate() error {
	if a.Sparsity < 0 || a.Sparsity > 1 {
		return &ConfigError{Msg: fmt.Sprintf("sparsity %v out of range [0,1]", a.Sparsity)}
	}
	if a.DampFrac < 0 || a.DampFrac >= 1 {
		return &ConfigError{Msg: fmt.Sprintf("dampening fraction %v out of range [0,1)", a.DampFrac)}
	}
	if a.BlockSize < 0 {
		return &ConfigError{Msg: fmt.Sprintf("negative block size %d", a.BlockSize)}
	}
	if a.PruneN < 0 || a.PruneM < 0 {
		return &ConfigError{Msg: fmt.Sprintf("negative n:m pattern %d:%d", a.PruneN, a.PruneM)}
	}
	if a.PruneN > 0 && (a.PruneM <= 0 || a.PruneN >= a.PruneM) {
		return &ConfigError{Msg: fmt.Sprintf("invalid n:m pattern %d:%d", a.PruneN, a.PruneM)}
	}
	if a.LayerSelector == "" {
		return &ConfigError{Msg: "empty layer selector"}
	}
	return nil
}

func (a Args) solverParams() solver.Params {
	return solver.Params{
		Sparsity:  a.Sparsity,
		PruneN:    a.PruneN,
		PruneM:    a.PruneM,
		BlockSize: a.BlockSize,
		DampFrac:  a.DampFrac,
		Quantize:  a.Quantize,
	}
}
