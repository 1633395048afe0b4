package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"

	"github.com/samcharles93/winnow/internal/api"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		submitRate  time.Duration
		submitBurst int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the compression job API",
		Flags: append(loggingFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.DurationFlag{
				Name:        "submit-interval",
				Usage:       "minimum interval between job submissions",
				Value:       time.Second,
				Destination: &submitRate,
			},
			&cli.Int64Flag{
				Name:        "submit-burst",
				Usage:       "burst size for job submissions",
				Value:       4,
				Destination: &submitBurst,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := loadConfig()
			applyLoggingConfig(cmd, cfg)
			applyServeConfig(cmd, cfg, &addr)
			log := buildLogger()

			runner := api.NewRunner(log)
			server := api.NewServer(api.NewJobStore(), runner.Run, api.ServerConfig{
				SubmitRate:  rate.Every(submitRate),
				SubmitBurst: int(submitBurst),
			}, log)

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting job server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
