package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/bryan-buckman/planet/internal/opml"
	"github.com/urfave/cli/v2"
)

func exportOPMLCmd() *cli.Command {
	return &cli.Command{
		Name:  "export-opml",
		Usage: "Print the configured channels as OPML",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write to a file instead of stdout",
			},
		},
		Action: func(ctx *cli.Context) error {
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			// Titles come from the cache when available
			channels := e.planet.Channels()
			e.fetcher.PrimeAll(channels)

			data, err := opml.Export(opml.Head{
				Title:      e.cfg.Planet.Name,
				OwnerName:  e.cfg.Planet.OwnerName,
				OwnerEmail: e.cfg.Planet.OwnerEmail,
			}, channels, time.Now())
			if err != nil {
				return err
			}
			if path := ctx.String("output"); path != "" {
				return os.WriteFile(path, data, 0o644)
			}
			_, err = fmt.Fprintln(ctx.App.Writer, string(data))
			return err
		},
	}
}
