package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/winnow/internal/arch"
	"github.com/samcharles93/winnow/internal/calib"
	"github.com/samcharles93/winnow/internal/ckpt"
	"github.com/samcharles93/winnow/internal/compress"
	"github.com/samcharles93/winnow/internal/recipe"
	"github.com/samcharles93/winnow/internal/report"
	"github.com/samcharles93/winnow/internal/solver"
)

func compressCmd() *cli.Command {
	var reportPath string

	return &cli.Command{
		Name:  "compress",
		Usage: "Run one-shot compression on a checkpoint",
		Flags: append(append(commonCompressFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "path for the compressed checkpoint",
				Destination: &outputPath,
			},
			&cli.StringFlag{
				Name:        "report",
				Usage:       "write the run report JSON to this path (default stdout)",
				Destination: &reportPath,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := loadConfig()
			applyLoggingConfig(cmd, cfg)
			applyCompressConfig(cmd, cfg)
			log := buildLogger()

			if modelPath == "" {
				return errors.New("--model is required")
			}
			if recipePath == "" {
				return errors.New("--recipe is required")
			}
			if calibPath == "" {
				return errors.New("--calibration is required")
			}

			start := time.Now()
			rec, err := recipe.Load(recipePath)
			if err != nil {
				return err
			}
			m, err := ckpt.Load(modelPath)
			if err != nil {
				return err
			}
			loader, err := calib.LoadJSON(calibPath)
			if err != nil {
				return err
			}

			args := rec.Args()
			obcq := solver.NewOBCQ(log)
			family, err := arch.ForModel(m, args, obcq, log)
			if err != nil {
				return err
			}
			log.Info("starting compression",
				"model", modelPath, "family", family.Name(),
				"sparsity", args.Sparsity, "quantize", args.Quantize)

			pipeline, err := compress.New(args, family.Bottom(), family.Head(), obcq, log)
			if err != nil {
				return err
			}
			if err := pipeline.Initialize(m, devicePref); err != nil {
				return err
			}
			fin, err := pipeline.Run(ctx, loader)
			if err != nil {
				return err
			}
			if err := pipeline.Finalize(fin); err != nil {
				return err
			}

			if outputPath != "" {
				if err := ckpt.Save(outputPath, m); err != nil {
					return err
				}
				log.Info("wrote compressed checkpoint", "path", outputPath)
			}

			rep := report.Build(m)
			rep.Duration = time.Since(start).Seconds()
			log.Info("compression finished", "sparsity", rep.Sparsity, "params", rep.Params)
			return writeReport(rep, reportPath)
		},
	}
}

func writeReport(rep report.Report, path string) error {
	if path == "" {
		return rep.WriteJSON(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if err := rep.WriteJSON(f); err != nil {
		return err
	}
	return f.Close()
}
