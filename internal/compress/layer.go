package compress

import (
	"github.com/samcharles93/winnow/internal/logger"
	"github.com/samcharles93/winnow/internal/model"
	"github.com/samcharles93/winnow/internal/solver"
	"github.com/samcharles93/winnow/internal/tensor"
)

// layerCompressor applies the solver to exactly one decoder layer and
// computes that layer's true post-compression outputs. Instances are
// created fresh per layer per pass; nothing survives across layers except
// through the returned state update.
type layerCompressor struct {
	layer  *model.Layer
	name   string
	index  int
	inputs []tensor.Mat
	args   Args
	solver Solver
	log    logger.Logger
}

func newLayerCompressor(nl model.NamedLayer, index int, inputs []tensor.Mat, args Args, s Solver, log logger.Logger) *layerCompressor {
	return &layerCompressor{
		layer:  nl.Layer,
		name:   nl.Name,
		index:  index,
		inputs: inputs,
		args:   args,
		solver: s,
		log:    log,
	}
}

// compress prunes/quantizes the layer's sub-modules against their captured
// calibration activations, then runs one real forward pass of the
// now-compressed layer so the next layer sees true outputs, never stale
// uncompressed ones.
func (lc *layerCompressor) compress(dev string, st *State) (StateUpdate, error) {
	lc.log.Debug("layer on device", "layer", lc.name, "device", dev)
	mask := st.AttentionMask
	params := lc.args.solverParams()

	if lc.args.SequentialUpdate {
		// One sub-module at a time: re-capture between solver passes so each
		// sub-module sees activations produced by the already-compressed ones.
		for _, tgt := range lc.layer.Targets() {
			captured := lc.captureInputs(mask, tgt.Name)
			target := solver.Target{Name: tgt.Name, W: &tgt.W, Inputs: captured[tgt.Name]}
			if err := lc.solver.Compress([]solver.Target{target}, params); err != nil {
				return StateUpdate{}, &SolverError{Layer: lc.index, Module: tgt.Name, Err: err}
			}
		}
	} else {
		// Batched: one shared capture pass, one solver call covering every
		// sub-module jointly.
		captured := lc.captureInputs(mask, "")
		targets := make([]solver.Target, 0, len(lc.layer.Targets()))
		for _, tgt := range lc.layer.Targets() {
			targets = append(targets, solver.Target{Name: tgt.Name, W: &tgt.W, Inputs: captured[tgt.Name]})
		}
		if err := lc.solver.Compress(targets, params); err != nil {
			return StateUpdate{}, &SolverError{Layer: lc.index, Module: lc.name, Err: err}
		}
	}

	outs := make([]tensor.Mat, len(lc.inputs))
	for i := range lc.inputs {
		outs[i] = lc.layer.Forward(&lc.inputs[i], mask)
	}
	return StateUpdate{Outputs: outs}, nil
}

// captureInputs runs the layer's deliberate capture pass over every
// calibration batch, recording the activations feeding each compressible
// sub-module. only, when non-empty, restricts recording to one sub-module.
func (lc *layerCompressor) captureInputs(mask *tensor.Mat, only string) map[string][]tensor.Mat {
	rec := make(map[string][]tensor.Mat)
	for i := range lc.inputs {
		lc.layer.ForwardCapture(&lc.inputs[i], mask, func(sub string, in *tensor.Mat) {
			if only != "" && sub != only {
				return
			}
			rec[sub] = append(rec[sub], in.Clone())
		})
	}
	return rec
}
