package cmd

import (
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "planet",
		Usage: "A feed aggregator that merges many feeds into one page",
		Description: `Planet fetches a list of RSS and Atom feeds, keeps a cache of
		what it has seen and writes the merged, date ordered items to one or
		more output files.

		Flags can generally be set via environment variables, e.g.:

		--config => PLANET_CONFIG=planet.toml
		--listen => PLANET_LISTEN=:8080
		`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "planet.toml",
				Usage:   "Configuration file",
				EnvVars: []string{"PLANET_CONFIG"},
			},
		},
		Before: func(ctx *cli.Context) error {
			// A missing .env file is not an error.
			_ = godotenv.Load()
			return nil
		},
		Commands: []*cli.Command{
			updateCmd(),
			serveCmd(),
			exportOPMLCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Without a command, run a single update
			return updateAction(ctx)
		},
	}
}
