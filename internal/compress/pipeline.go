package compress

import (
	"context"
	"fmt"

	"github.com/samcharles93/winnow/internal/calib"
	"github.com/samcharles93/winnow/internal/device"
	"github.com/samcharles93/winnow/internal/logger"
	"github.com/samcharles93/winnow/internal/model"
)

type phase int

const (
	phaseNew phase = iota
	phaseInitialized
	phaseRan
	phaseFinalized
)

// Pipeline drives one full sequential compression pass: bottom compressor,
// each decoder layer in architectural order, then an optional head
// compressor. A Pipeline owns its model and device exclusively for the
// duration of a run; it is not safe for concurrent use.
//
// The lifecycle is Initialize, Run, Finalize, in that order, once per
// compression job. Any stage error aborts the whole run: there is no
// partial commit and no in-pipeline retry.
type Pipeline struct {
	args   Args
	bottom BottomCompressor
	head   HeadCompressor
	solver Solver
	log    logger.Logger

	model  *model.Model
	dev    string
	layers []model.NamedLayer
	phase  phase
}

// New validates the configuration and builds a pipeline. head may be nil
// when the architecture has no compressible output head.
func New(args Args, bottom BottomCompressor, head HeadCompressor, s Solver, log logger.Logger) (*Pipeline, error) {
	args = args.WithDefaults()
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if bottom == nil {
		return nil, &ConfigError{Msg: "nil bottom compressor"}
	}
	if s == nil {
		return nil, &ConfigError{Msg: "nil solver"}
	}
	if log == nil {
		log = logger.Default()
	}
	return &Pipeline{args: args, bottom: bottom, head: head, solver: s, log: log}, nil
}

// Initialize resolves the compressible layers and the compute device.
// The device preference is resolved exactly once; an unavailable
// accelerator downgrades to CPU with a logged warning.
func (p *Pipeline) Initialize(m *model.Model, preferredDevice string) error {
	if p.phase != phaseNew {
		return &ConfigError{Msg: "pipeline already initialized"}
	}
	dev, err := device.Select(preferredDevice, p.log)
	if err != nil {
		return err
	}
	layers, err := m.GetLayers(p.args.LayerSelector)
	if err != nil {
		return &ConfigError{Msg: err.Error()}
	}
	if len(layers) == 0 {
		return &ConfigError{Msg: fmt.Sprintf("layer selector %q matched no layers", p.args.LayerSelector)}
	}
	if p.args.Quantize {
		m.EnableObservers()
	}
	p.model = m
	p.dev = dev
	p.layers = layers
	p.phase = phaseInitialized
	return nil
}

// Run consumes the calibration data once and compresses the model in
// place, layer by layer. It returns the finalization payload extracted
// from the final accumulated state.
func (p *Pipeline) Run(ctx context.Context, loader calib.Loader) (Finalization, error) {
	if p.phase != phaseInitialized {
		return Finalization{}, &ConfigError{Msg: "pipeline not initialized (or already run)"}
	}

	st := &State{}
	upd, err := p.bottom.Compress(p.dev, p.args.TargetIDs, p.args.LayerPrefix, loader)
	if err != nil {
		return Finalization{}, fmt.Errorf("bottom compressor: %w", err)
	}
	st.apply(upd)
	if !st.hasOutputs {
		return Finalization{}, &StateError{Stage: "bottom", Key: "outputs"}
	}

	total := len(p.layers)
	for idx, nl := range p.layers {
		if err := ctx.Err(); err != nil {
			return Finalization{}, fmt.Errorf("aborted before layer %d: %w", idx, err)
		}
		p.log.Info("compressing layer", "index", idx, "total", total, "layer", nl.Name)

		inputs := st.Outputs
		lc := newLayerCompressor(nl, idx, inputs, p.args, p.solver, p.log)
		upd, err := lc.compress(p.dev, st)
		if err != nil {
			return Finalization{}, err
		}
		st.apply(upd)
		if !st.hasOutputs {
			return Finalization{}, &StateError{Stage: nl.Name, Key: "outputs"}
		}
	}

	if p.head != nil {
		upd, err := p.head.Compress(p.dev, st)
		if err != nil {
			return Finalization{}, fmt.Errorf("head compressor: %w", err)
		}
		st.apply(upd)
	}

	p.phase = phaseRan
	return Finalization{UseCache: st.UseCache}, nil
}

// Finalize restores model-wide runtime flags: calibration observers are
// disabled and the KV-cache flag is restored to its pre-compression value
// (false if it was never captured). Idempotent: a second call leaves the
// model in the same state.
func (p *Pipeline) Finalize(fin Finalization) error {
	if p.phase != phaseRan && p.phase != phaseFinalized {
		return &ConfigError{Msg: "finalize called before run completed"}
	}
	p.model.DisableObservers()
	p.model.Config.UseCache = fin.UseCache
	p.phase = phaseFinalized
	return nil
}

// Device returns the resolved compute device. Valid after Initialize.
func (p *Pipeline) Device() string { return p.dev }
