package compress

import (
	"github.com/samcharles93/winnow/internal/calib"
	"github.com/samcharles93/winnow/internal/solver"
	"github.com/samcharles93/winnow/internal/tensor"
)

// State is the accumulated state threaded through every pipeline stage.
// The recognized keys are explicit fields so stage contracts are checked
// at compile time rather than by runtime map lookups. It lives for exactly
// one pipeline run.
type State struct {
	// Outputs are the activations feeding the next stage, one matrix per
	// calibration batch. Every stage must refresh them.
	Outputs []tensor.Mat
	// AttentionMask is the additive attention mask shared by all batches.
	AttentionMask *tensor.Mat
	// UseCache is the model's KV-cache flag captured before compression.
	UseCache bool

	hasOutputs  bool
	hasUseCache bool
}

// StateUpdate is the partial update a stage returns. Nil/unset fields
// leave the state untouched; set fields overwrite (last writer wins).
type StateUpdate struct {
	Outputs       []tensor.Mat
	AttentionMask *tensor.Mat
	UseCache      *bool
}

func (s *State) apply(u StateUpdate) {
	if u.Outputs != nil {
		s.Outputs = u.Outputs
		s.hasOutputs = true
	}
	if u.AttentionMask != nil {
		s.AttentionMask = u.AttentionMask
	}
	if u.UseCache != nil {
		s.UseCache = *u.UseCache
		s.hasUseCache = true
	}
}

// Finalization is the payload extracted from the final accumulated state
// before it is discarded; it carries what the finalizer needs to restore
// model-wide runtime flags.
type Finalization struct {
	UseCache bool
}

// BottomCompressor compresses the embedding-like entry layers and runs
// calibration data through them, producing the initial accumulated state.
// The returned update must populate Outputs.
type BottomCompressor interface {
	Compress(dev string, targetIDs []string, layerPrefix string, loader calib.Loader) (StateUpdate, error)
}

// HeadCompressor compresses a trailing output head using the final
// layer's activations.
type HeadCompressor interface {
	Compress(dev string, st *State) (StateUpdate, error)
}

// Solver is the one-shot weight compression primitive. One call covers
// one sub-module (sequential update) or a whole layer's sub-modules
// (batched update).
type Solver interface {
	Compress(targets []solver.Target, p solver.Params) error
}
