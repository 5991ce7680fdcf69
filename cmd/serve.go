package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/bryan-buckman/planet/internal/server"
	"github.com/urfave/cli/v2"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the planet over HTTP and update on a schedule",
		Description: `Starts the HTTP API and a scheduler that updates every channel
		on the configured schedule (default every 30 minutes).

		Pages are assembled on request from the configured outputs.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "Address to listen on, overrides [planet] listen",
				EnvVars: []string{"PLANET_LISTEN"},
			},
		},
		Action: func(ctx *cli.Context) error {
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			addr := e.cfg.Planet.Listen
			if ctx.IsSet("listen") {
				addr = ctx.String("listen")
			}

			e.fetcher.PrimeAll(e.planet.Channels())
			srv, err := server.New(e.cfg, e.planet, e.fetcher, e.registry, e.log)
			if err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(sigCtx, addr)
		},
	}
}
