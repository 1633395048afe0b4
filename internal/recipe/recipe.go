// Package recipe loads and validates the YAML recipe that drives a
// compression run: the sparsification settings plus the optional
// distillation section.
package recipe

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/winnow/internal/compress"
	"github.com/samcharles93/winnow/internal/distill"
)

// Sparsification configures the one-shot solver run. Pointer fields
// distinguish "not set" from zero values so defaults can apply.
type Sparsification struct {
	Sparsity         *float64 `yaml:"sparsity"`
	PruneN           *int     `yaml:"prune_n"`
	PruneM           *int     `yaml:"prune_m"`
	BlockSize        *int     `yaml:"block_size"`
	DampFrac         *float64 `yaml:"damp_frac"`
	SequentialUpdate *bool    `yaml:"sequential_update"`
	Quantize         *bool    `yaml:"quantize"`
	LayerSelector    string   `yaml:"layer_selector"`
	Targets          []string `yaml:"targets"`
}

// Distillation configures the optional per-layer distillation modifier.
// Teacher is a checkpoint path, or "disable" for an inert modifier.
type Distillation struct {
	Teacher         string   `yaml:"teacher"`
	Gain            *float64 `yaml:"gain"`
	Normalize       *bool    `yaml:"normalize"`
	ProjectFeatures *bool    `yaml:"project_features"`
	ProjectFrom     string   `yaml:"project_from"`
	StudentLayers   []string `yaml:"student_layers"`
	TeacherLayers   []string `yaml:"teacher_layers"`
}

// Recipe is the parsed recipe file.
type Recipe struct {
	Sparsification Sparsification `yaml:"sparsification"`
	Distillation   *Distillation  `yaml:"distillation"`
}

// Load reads and parses a recipe file.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recipe: %w", err)
	}
	return Parse(data)
}

// Parse decodes recipe YAML and validates the sparsification section.
func Parse(data []byte) (*Recipe, error) {
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing recipe: %w", err)
	}
	args := r.Args()
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if d := r.Distillation; d != nil {
		if _, err := distill.New(d.Config()); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// Args translates the sparsification section into pipeline arguments,
// filling defaults for unset fields.
func (r *Recipe) Args() compress.Args {
	s := r.Sparsification
	args := compress.Args{
		LayerSelector: s.LayerSelector,
		TargetIDs:     s.Targets,
	}
	if s.Sparsity != nil {
		args.Sparsity = *s.Sparsity
	}
	if s.PruneN != nil {
		args.PruneN = *s.PruneN
	}
	if s.PruneM != nil {
		args.PruneM = *s.PruneM
	}
	if s.BlockSize != nil {
		args.BlockSize = *s.BlockSize
	}
	if s.DampFrac != nil {
		args.DampFrac = *s.DampFrac
	} else {
		args.DampFrac = 0.01
	}
	if s.SequentialUpdate != nil {
		args.SequentialUpdate = *s.SequentialUpdate
	}
	if s.Quantize != nil {
		args.Quantize = *s.Quantize
	}
	return args.WithDefaults()
}

// Config translates the distillation section into a modifier
// configuration.
func (d *Distillation) Config() distill.Config {
	cfg := distill.Config{
		Gain:         1,
		Normalize:    true,
		ProjectFrom:  d.ProjectFrom,
		StudentNames: d.StudentLayers,
		TeacherNames: d.TeacherLayers,
	}
	if d.Gain != nil {
		cfg.Gain = *d.Gain
	}
	if d.Normalize != nil {
		cfg.Normalize = *d.Normalize
	}
	if d.ProjectFeatures != nil {
		cfg.ProjectFeatures = *d.ProjectFeatures
	}
	return cfg
}
