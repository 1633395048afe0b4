// Package arch provides the architecture-family adapters that know how to
// compress a model's entry and exit layers. Families are capability
// implementations selected at construction from the checkpoint's
// model_type, not an inheritance hierarchy.
package arch

import (
	"fmt"

	"github.com/samcharles93/winnow/internal/compress"
	"github.com/samcharles93/winnow/internal/logger"
	"github.com/samcharles93/winnow/internal/model"
)

// Family exposes the bottom and head compression capabilities of one
// architecture family. Head returns nil when the family has no
// compressible output head.
type Family interface {
	Name() string
	Bottom() compress.BottomCompressor
	Head() compress.HeadCompressor
}

// ForModel selects the family implementation for the model's architecture.
func ForModel(m *model.Model, args compress.Args, s compress.Solver, log logger.Logger) (Family, error) {
	switch m.Config.ModelType {
	case "llama", "mistral", "qwen2":
		return &llamaFamily{m: m, args: args, log: log}, nil
	case "opt":
		return &optFamily{m: m, args: args, solver: s, log: log}, nil
	default:
		return nil, &compress.ConfigError{Msg: fmt.Sprintf("unsupported architecture %q", m.Config.ModelType)}
	}
}

// llamaFamily covers llama-style decoders: tied pre-norm layers, no
// separately compressed output head.
type llamaFamily struct {
	m    *model.Model
	args compress.Args
	log  logger.Logger
}

func (f *llamaFamily) Name() string { return "llama" }

func (f *llamaFamily) Bottom() compress.BottomCompressor {
	return &embeddingCompressor{m: f.m, args: f.args, log: f.log}
}

func (f *llamaFamily) Head() compress.HeadCompressor { return nil }

// optFamily covers opt-style decoders, which additionally compress the
// lm_head against the final layer's activations.
type optFamily struct {
	m      *model.Model
	args   compress.Args
	solver compress.Solver
	log    logger.Logger
}

func (f *optFamily) Name() string { return "opt" }

func (f *optFamily) Bottom() compress.BottomCompressor {
	return &embeddingCompressor{m: f.m, args: f.args, log: f.log}
}

func (f *optFamily) Head() compress.HeadCompressor {
	return &headCompressor{m: f.m, args: f.args, solver: f.solver, log: f.log}
}
