package cmd

import (
	"time"

	"github.com/bryan-buckman/planet/internal/rss"
	"github.com/urfave/cli/v2"
)

func updateCmd() *cli.Command {
	return &cli.Command{
		Name:  "update",
		Usage: "Fetch all channels and write the outputs",
		Description: `Load every channel from the cache, fetch the feeds that changed
		and write each configured output.

		With --offline nothing is fetched and the outputs are built from the
		cache alone.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "offline",
				Aliases: []string{"o"},
				Usage:   "Use only cached feeds",
				EnvVars: []string{"PLANET_OFFLINE"},
			},
		},
		Action: updateAction,
	}
}

func updateAction(ctx *cli.Context) error {
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	channels := e.planet.Channels()
	e.fetcher.PrimeAll(channels)

	if !ctx.Bool("offline") {
		results, err := e.fetcher.FetchAll(ctx.Context, channels)
		if err != nil {
			return err
		}
		failed := 0
		for _, r := range results {
			if r.State == rss.StateFailed {
				failed++
			}
		}
		if failed > 0 {
			e.log.Warnf("%d of %d channels failed to update", failed, len(results))
		}
		e.planet.Invalidate()
	}

	return e.writeOutputs(time.Now())
}
