package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/samcharles93/winnow/internal/arch"
	"github.com/samcharles93/winnow/internal/calib"
	"github.com/samcharles93/winnow/internal/ckpt"
	"github.com/samcharles93/winnow/internal/compress"
	"github.com/samcharles93/winnow/internal/logger"
	"github.com/samcharles93/winnow/internal/recipe"
	"github.com/samcharles93/winnow/internal/report"
	"github.com/samcharles93/winnow/internal/solver"
)

// RunFunc executes one compression job.
type RunFunc func(ctx context.Context, req CompressRequest) (*report.Report, error)

// Runner executes compression jobs one at a time; a run holds the whole
// model in memory, so concurrent jobs would fight for it.
type Runner struct {
	mu  sync.Mutex
	log logger.Logger
}

func NewRunner(log logger.Logger) *Runner {
	if log == nil {
		log = logger.Default()
	}
	return &Runner{log: log}
}

// Run loads the model and calibration data, drives the pipeline to
// completion, and writes the compressed checkpoint when requested.
func (r *Runner) Run(ctx context.Context, req CompressRequest) (*report.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := time.Now()

	rec, err := r.loadRecipe(req)
	if err != nil {
		return nil, err
	}
	m, err := ckpt.Load(req.Model)
	if err != nil {
		return nil, err
	}
	loader, err := calib.LoadJSON(req.Calibration)
	if err != nil {
		return nil, err
	}

	args := rec.Args()
	obcq := solver.NewOBCQ(r.log)
	family, err := arch.ForModel(m, args, obcq, r.log)
	if err != nil {
		return nil, err
	}
	pipeline, err := compress.New(args, family.Bottom(), family.Head(), obcq, r.log)
	if err != nil {
		return nil, err
	}
	if err := pipeline.Initialize(m, req.Device); err != nil {
		return nil, err
	}
	fin, err := pipeline.Run(ctx, loader)
	if err != nil {
		return nil, err
	}
	if err := pipeline.Finalize(fin); err != nil {
		return nil, err
	}

	if req.Output != "" {
		if err := ckpt.Save(req.Output, m); err != nil {
			return nil, err
		}
	}
	rep := report.Build(m)
	rep.Duration = time.Since(start).Seconds()
	return &rep, nil
}

func (r *Runner) loadRecipe(req CompressRequest) (*recipe.Recipe, error) {
	switch {
	case req.Recipe != "" && req.RecipePath != "":
		return nil, errors.New("recipe and recipe_path are mutually exclusive")
	case req.Recipe != "":
		return recipe.Parse([]byte(req.Recipe))
	case req.RecipePath != "":
		return recipe.Load(req.RecipePath)
	default:
		return nil, errors.New("a recipe or recipe_path is required")
	}
}
