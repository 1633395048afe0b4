package arch

import (
	"github.com/samcharles93/winnow/internal/compress"
	"github.com/samcharles93/winnow/internal/logger"
	"github.com/samcharles93/winnow/internal/model"
	"github.com/samcharles93/winnow/internal/solver"
	"github.com/samcharles93/winnow/internal/tensor"
)

// headCompressor compresses the lm_head projection against the final
// layer's activations, normalized through the output norm exactly as the
// head would see them at inference time.
type headCompressor struct {
	m      *model.Model
	args   compress.Args
	solver compress.Solver
	log    logger.Logger
}

func (c *headCompressor) Compress(dev string, st *compress.State) (compress.StateUpdate, error) {
	if len(st.Outputs) == 0 {
		return compress.StateUpdate{}, &compress.StateError{Stage: "head", Key: "outputs"}
	}
	c.log.Debug("compressing head", "module", c.m.Output.Name, "device", dev)

	inputs := make([]tensor.Mat, len(st.Outputs))
	for b := range st.Outputs {
		x := &st.Outputs[b]
		normed := tensor.NewMat(x.R, x.C)
		for t := 0; t < x.R; t++ {
			tensor.RMSNorm(normed.Row(t), x.Row(t), c.m.OutputNorm, float32(c.m.Config.NormEps))
		}
		inputs[b] = normed
	}

	target := solver.Target{Name: c.m.Output.Name, W: &c.m.Output.W, Inputs: inputs}
	params := c.paramsForHead()
	if err := c.solver.Compress([]solver.Target{target}, params); err != nil {
		return compress.StateUpdate{}, &compress.SolverError{Layer: len(c.m.Layers), Module: c.m.Output.Name, Err: err}
	}
	return compress.StateUpdate{}, nil
}

func (c *headCompressor) paramsForHead() solver.Params {
	// The head keeps the run's sparsity target but never the n:m pattern;
	// structured kernels only apply to the decoder projections.
	return solver.Params{
		Sparsity:  c.args.Sparsity,
		BlockSize: c.args.BlockSize,
		DampFrac:  c.args.DampFrac,
		Quantize:  c.args.Quantize,
	}
}
