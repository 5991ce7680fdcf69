package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/bryan-buckman/planet/internal/cache"
	"github.com/bryan-buckman/planet/internal/config"
	"github.com/bryan-buckman/planet/internal/database"
	"github.com/bryan-buckman/planet/internal/model"
	"github.com/bryan-buckman/planet/internal/opml"
	"github.com/bryan-buckman/planet/internal/page"
	"github.com/bryan-buckman/planet/internal/planet"
	"github.com/bryan-buckman/planet/internal/rss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// env holds everything a command needs to run against one configuration.
type env struct {
	cfg      *config.Config
	log      *logrus.Logger
	store    cache.Store
	planet   *planet.Planet
	fetcher  *rss.Fetcher
	registry *prometheus.Registry
}

func (e *env) Close() error {
	return e.store.Close()
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	return config.LoadConfig(ctx.String("config"))
}

func newLogger(level string, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.WarnLevel
	}
	log.SetLevel(lvl)
	return log
}

// openStore opens the configured cache backend.
func openStore(cfg *config.Config) (cache.Store, error) {
	switch cfg.Planet.CacheBackend {
	case "sqlite":
		return database.New(cfg.Planet.Database)
	case "postgres":
		return database.NewPostgres(cfg.Planet.Database)
	default:
		return cache.NewFileStore(cfg.Planet.CacheDirectory)
	}
}

// channelConfigs returns the configured channels followed by any OPML
// subscriptions not already listed.
func channelConfigs(cfg *config.Config) ([]model.ChannelConfig, error) {
	cfgs := cfg.ChannelConfigs()
	if cfg.Planet.OPML == "" {
		return cfgs, nil
	}
	entries, err := opml.ParseFile(cfg.Planet.OPML)
	if err != nil {
		return nil, err
	}
	return opml.Merge(cfgs, entries), nil
}

func setup(ctx *cli.Context) (*env, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg.Planet.LogLevel, ctx.App.ErrWriter)

	cfgs, err := channelConfigs(cfg)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s cache: %w", cfg.Planet.CacheBackend, err)
	}
	log.Debugf("Using %s cache", store.Backend())

	userAgent := cfg.Planet.UserAgent
	if userAgent == "" {
		userAgent = rss.UserAgent(cfg.Planet.Name, cfg.Planet.Link)
	}
	registry := prometheus.NewRegistry()
	fetcher := rss.NewFetcher(store, rss.Options{
		UserAgent:   userAgent,
		Timeout:     cfg.Planet.FetchTimeout.Duration,
		Concurrency: cfg.Planet.Concurrency,
		Metrics:     rss.NewMetrics(registry),
	}, log)

	p := planet.New()
	for _, c := range cfgs {
		p.Subscribe(model.NewChannel(c))
	}

	return &env{
		cfg:      cfg,
		log:      log,
		store:    store,
		planet:   p,
		fetcher:  fetcher,
		registry: registry,
	}, nil
}

// writeOutputs assembles and writes every configured output.
func (e *env) writeOutputs(now time.Time) error {
	items := e.planet.Items()
	channels := e.planet.Channels()
	for _, o := range e.cfg.Outputs {
		s := e.cfg.Settings(o)
		pg := page.New(s.Name, e.cfg.Meta(), items, channels, s.Options(now))
		path, err := pg.WriteFile(s.OutputDir, s.Format)
		if err != nil {
			return err
		}
		e.log.Infof("Wrote %s (%d items)", path, len(pg.Items))
	}
	return nil
}
