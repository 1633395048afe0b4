package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/winnow/internal/logger"
)

var (
	modelPath  string
	outputPath string
	recipePath string
	calibPath  string
	devicePref string
	logLevel   string
	logFormat  string
	debug      bool
)

func commonCompressFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to .winnow checkpoint",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "recipe",
			Aliases:     []string{"r"},
			Usage:       "path to recipe YAML",
			Destination: &recipePath,
		},
		&cli.StringFlag{
			Name:        "calibration",
			Aliases:     []string{"c"},
			Usage:       "path to calibration dataset JSON",
			Destination: &calibPath,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "preferred device (cpu, cuda, cuda:N)",
			Value:       "cpu",
			Destination: &devicePref,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func buildLogger() logger.Logger {
	level := logLevel
	if debug {
		level = "debug"
	}
	return logger.ForFormat(logFormat, os.Stderr, logger.ParseLevel(level))
}
