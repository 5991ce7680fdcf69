// Package config loads the planet configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bryan-buckman/planet/internal/model"
	"github.com/bryan-buckman/planet/internal/page"
	"github.com/ncruces/go-strftime"
	"github.com/sirupsen/logrus"
)

// Defaults for the [planet] section.
const (
	DefaultName         = "Unconfigured Planet"
	DefaultLink         = "Unconfigured Planet"
	DefaultOwnerName    = "Anonymous Coward"
	DefaultCacheDir     = "cache"
	DefaultCacheBackend = "file"
	DefaultOutputDir    = "output"
	DefaultItemsPerPage = 60
	DefaultDaysPerPage  = 0
	DefaultDateFormat   = "%B %d, %Y %I:%M %p"
	DefaultLogLevel     = "warning"
	DefaultTimeout      = 30 * time.Second
	DefaultSchedule     = "@every 30m"
	DefaultListen       = ":8080"
)

// Duration is a time.Duration read from strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Planet holds the [planet] section.
type Planet struct {
	Name           string   `toml:"name"`
	Link           string   `toml:"link"`
	OwnerName      string   `toml:"owner_name"`
	OwnerEmail     string   `toml:"owner_email"`
	CacheDirectory string   `toml:"cache_directory"`
	CacheBackend   string   `toml:"cache_backend"` // file, sqlite or postgres
	Database       string   `toml:"database"`      // sqlite path or postgres URL
	LogLevel       string   `toml:"log_level"`
	UserAgent      string   `toml:"user_agent"`
	FetchTimeout   Duration `toml:"fetch_timeout"`
	Concurrency    int      `toml:"concurrency"`
	ItemsPerPage   int      `toml:"items_per_page"`
	DaysPerPage    int      `toml:"days_per_page"`
	DateFormat     string   `toml:"date_format"`
	OutputDir      string   `toml:"output_dir"`
	OPML           string   `toml:"opml"`
	Schedule       string   `toml:"schedule"`
	Listen         string   `toml:"listen"`
}

// Channel is one [[channel]] entry.
type Channel struct {
	URI    string            `toml:"uri"`
	Name   string            `toml:"name"`
	Offset *float64          `toml:"offset"`
	Extra  map[string]string `toml:"extra"`
}

// Output is one [[output]] entry. Unset limits fall back to [planet].
type Output struct {
	Name         string `toml:"name"`
	Format       string `toml:"format"`
	ItemsPerPage *int   `toml:"items_per_page"`
	DaysPerPage  *int   `toml:"days_per_page"`
	DateFormat   string `toml:"date_format"`
	OutputDir    string `toml:"output_dir"`
}

// Config is the whole configuration file.
type Config struct {
	Planet   Planet    `toml:"planet"`
	Channels []Channel `toml:"channel"`
	Outputs  []Output  `toml:"output"`
}

// Default returns a configuration with every default applied and no channels.
func Default() *Config {
	return &Config{
		Planet: Planet{
			Name:           DefaultName,
			Link:           DefaultLink,
			OwnerName:      DefaultOwnerName,
			CacheDirectory: DefaultCacheDir,
			CacheBackend:   DefaultCacheBackend,
			LogLevel:       DefaultLogLevel,
			FetchTimeout:   Duration{DefaultTimeout},
			Concurrency:    1,
			ItemsPerPage:   DefaultItemsPerPage,
			DaysPerPage:    DefaultDaysPerPage,
			DateFormat:     DefaultDateFormat,
			OutputDir:      DefaultOutputDir,
			Schedule:       DefaultSchedule,
			Listen:         DefaultListen,
		},
	}
}

// LoadConfig reads and validates a TOML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes TOML on top of the defaults.
func Parse(data string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if len(cfg.Outputs) == 0 {
		cfg.Outputs = DefaultOutputs()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultOutputs is used when the file names no [[output]].
func DefaultOutputs() []Output {
	return []Output{
		{Name: "index.json", Format: "json"},
		{Name: "rss20.xml", Format: "rss"},
		{Name: "atom.xml", Format: "atom"},
	}
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Planet.CacheBackend {
	case "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown cache_backend %q", c.Planet.CacheBackend)
	}
	if c.Planet.CacheBackend != "file" && c.Planet.Database == "" {
		return fmt.Errorf("cache_backend %q needs a database", c.Planet.CacheBackend)
	}
	if _, err := logrus.ParseLevel(c.Planet.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if _, err := DateLayout(c.Planet.DateFormat); err != nil {
		return fmt.Errorf("date_format: %w", err)
	}
	for i, ch := range c.Channels {
		if ch.URI == "" {
			return fmt.Errorf("channel %d has no uri", i)
		}
	}
	names := make(map[string]bool)
	for _, o := range c.Outputs {
		if o.Name == "" {
			return fmt.Errorf("output without a name")
		}
		if names[o.Name] {
			return fmt.Errorf("duplicate output %q", o.Name)
		}
		names[o.Name] = true
		switch o.Format {
		case "", "json", "rss", "atom", "jsonfeed":
		default:
			return fmt.Errorf("output %q: unknown format %q", o.Name, o.Format)
		}
		if _, err := DateLayout(o.DateFormat); err != nil {
			return fmt.Errorf("output %q date_format: %w", o.Name, err)
		}
	}
	return nil
}

// ChannelConfigs returns the configured channels in file order.
func (c *Config) ChannelConfigs() []model.ChannelConfig {
	out := make([]model.ChannelConfig, 0, len(c.Channels))
	for _, ch := range c.Channels {
		out = append(out, model.ChannelConfig{
			URI:    ch.URI,
			Name:   ch.Name,
			Offset: ch.Offset,
			Extra:  ch.Extra,
		})
	}
	return out
}

// OutputSettings are the effective limits of one output.
type OutputSettings struct {
	Name         string
	Format       string
	ItemsPerPage int
	DaysPerPage  int
	DateLayout   string // Go time layout
	OutputDir    string
}

// Settings resolves an output against the [planet] fallbacks.
func (c *Config) Settings(o Output) OutputSettings {
	s := OutputSettings{
		Name:         o.Name,
		Format:       o.Format,
		ItemsPerPage: c.Planet.ItemsPerPage,
		DaysPerPage:  c.Planet.DaysPerPage,
		OutputDir:    c.Planet.OutputDir,
	}
	if s.Format == "" {
		s.Format = "json"
	}
	if o.ItemsPerPage != nil {
		s.ItemsPerPage = *o.ItemsPerPage
	}
	if o.DaysPerPage != nil {
		s.DaysPerPage = *o.DaysPerPage
	}
	if o.OutputDir != "" {
		s.OutputDir = o.OutputDir
	}
	format := c.Planet.DateFormat
	if o.DateFormat != "" {
		format = o.DateFormat
	}
	s.DateLayout, _ = DateLayout(format)
	return s
}

// Options returns the page assembly options for a run at today.
func (s OutputSettings) Options(today time.Time) page.Options {
	return page.Options{
		ItemsPerPage: s.ItemsPerPage,
		DaysPerPage:  s.DaysPerPage,
		DateFormat:   s.DateLayout,
		Today:        today,
	}
}

// Meta returns the planet-level page metadata.
func (c *Config) Meta() page.Meta {
	return page.Meta{
		Name:       c.Planet.Name,
		Link:       c.Planet.Link,
		OwnerName:  c.Planet.OwnerName,
		OwnerEmail: c.Planet.OwnerEmail,
	}
}

// Output looks up an output by name.
func (c *Config) Output(name string) (Output, bool) {
	for _, o := range c.Outputs {
		if o.Name == name {
			return o, true
		}
	}
	return Output{}, false
}

// DateLayout converts a strftime format ("%B %d, %Y") into a Go layout.
// Strings without a % are taken to be Go layouts already.
func DateLayout(format string) (string, error) {
	if format == "" {
		return model.LayoutHuman, nil
	}
	if !strings.Contains(format, "%") {
		return format, nil
	}
	return strftime.Layout(format)
}
