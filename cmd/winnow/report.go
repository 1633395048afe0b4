package main

import (
	"context"
	"errors"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/winnow/internal/ckpt"
	"github.com/samcharles93/winnow/internal/report"
)

func reportCmd() *cli.Command {
	var reportPath string

	return &cli.Command{
		Name:  "report",
		Usage: "Summarize sparsity of an existing checkpoint",
		Flags: append(loggingFlags(),
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .winnow checkpoint",
				Destination: &modelPath,
			},
			&cli.StringFlag{
				Name:        "report",
				Usage:       "write the report JSON to this path (default stdout)",
				Destination: &reportPath,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if modelPath == "" {
				return errors.New("--model is required")
			}
			m, err := ckpt.Load(modelPath)
			if err != nil {
				return err
			}
			return writeReport(report.Build(m), reportPath)
		},
	}
}
