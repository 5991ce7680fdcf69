package page

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bryan-buckman/planet/internal/model"
	"github.com/gorilla/feeds"
)

// Output formats.
const (
	FormatJSON     = "json"
	FormatRSS      = "rss"
	FormatAtom     = "atom"
	FormatJSONFeed = "jsonfeed"
)

// Meta describes the planet itself.
type Meta struct {
	Name       string
	Link       string
	OwnerName  string
	OwnerEmail string
}

// Info is the page-level data handed to renderers.
type Info struct {
	Meta
	URI       string
	Generated time.Time
	Date      string
	DateISO   string
	Date822   string
}

// Page is one rendered output target.
type Page struct {
	Name     string
	Info     Info
	Items    []Record
	Channels []ChannelInfo
}

// New assembles the page called name from the sorted items.
func New(name string, meta Meta, items []*model.NewsItem, channels []*model.Channel, opts Options) *Page {
	if opts.Today.IsZero() {
		opts.Today = time.Now()
	}
	layout := opts.DateFormat
	if layout == "" {
		layout = DefaultDateFormat
	}
	now := opts.Today.UTC()

	uri := meta.Link
	if !strings.HasSuffix(uri, "/") {
		uri += "/"
	}
	uri += name

	return &Page{
		Name: name,
		Info: Info{
			Meta:      meta,
			URI:       uri,
			Generated: now,
			Date:      now.Format(layout),
			DateISO:   now.Format("2006-01-02T15:04:05"),
			Date822:   now.Format(model.LayoutRFC822),
		},
		Items:    Assemble(items, opts),
		Channels: ChannelList(channels),
	}
}

// Render serialises the page in the given format.
func (p *Page) Render(format string) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		return p.JSON()
	case FormatRSS:
		s, err := p.Feed().ToRss()
		return []byte(s), err
	case FormatAtom:
		s, err := p.Feed().ToAtom()
		return []byte(s), err
	case FormatJSONFeed:
		s, err := p.Feed().ToJSON()
		return []byte(s), err
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}

// ContentType returns the MIME type of a rendered format.
func ContentType(format string) string {
	switch format {
	case FormatRSS:
		return "application/rss+xml; charset=utf-8"
	case FormatAtom:
		return "application/atom+xml; charset=utf-8"
	case FormatJSONFeed:
		return "application/feed+json; charset=utf-8"
	}
	return "application/json; charset=utf-8"
}

// WriteFile renders the page into dir/Name and returns the written path.
func (p *Page) WriteFile(dir, format string) (string, error) {
	data, err := p.Render(format)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", p.Name, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, p.Name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// JSON encodes the page with flattened item and channel maps.
func (p *Page) JSON() ([]byte, error) {
	items := make([]map[string]string, 0, len(p.Items))
	for _, r := range p.Items {
		items = append(items, r.Map())
	}
	channels := make([]map[string]string, 0, len(p.Channels))
	for _, c := range p.Channels {
		channels = append(channels, c.Map())
	}
	return json.MarshalIndent(map[string]any{
		"name":        p.Info.Name,
		"link":        p.Info.Link,
		"owner_name":  p.Info.OwnerName,
		"owner_email": p.Info.OwnerEmail,
		"uri":         p.Info.URI,
		"date":        p.Info.Date,
		"date_iso":    p.Info.DateISO,
		"date_822":    p.Info.Date822,
		"items":       items,
		"channels":    channels,
	}, "", "  ")
}

// Feed converts the page into a syndication feed.
func (p *Page) Feed() *feeds.Feed {
	f := &feeds.Feed{
		Title:   p.Info.Name,
		Link:    &feeds.Link{Href: p.Info.Link},
		Id:      p.Info.URI,
		Updated: p.Info.Generated,
		Created: p.Info.Generated,
	}
	if p.Info.OwnerName != "" || p.Info.OwnerEmail != "" {
		f.Author = &feeds.Author{Name: p.Info.OwnerName, Email: p.Info.OwnerEmail}
	}
	for _, r := range p.Items {
		title := r.Title
		if r.Channel.Name != "" {
			title = r.Channel.Name + ": " + r.Title
		}
		item := &feeds.Item{
			Id:          r.ID,
			Title:       title,
			Link:        &feeds.Link{Href: r.Link},
			Description: r.Summary,
			Content:     r.Content,
			Created:     r.Instant,
			Updated:     r.Instant,
		}
		if r.Channel.Link != "" {
			item.Source = &feeds.Link{Href: r.Channel.Link}
		}
		if r.Creator != "" {
			item.Author = &feeds.Author{Name: r.Creator}
		}
		f.Items = append(f.Items, item)
	}
	return f
}
