package rss

import (
	"net/url"
	"regexp"
	"time"

	"github.com/mmcdole/gofeed"
)

// ParsedFeed is the structured form of a feed body.
type ParsedFeed struct {
	Title       string
	Description string
	Link        string
	Items       []RawItem
}

// RawItem is one parsed entry before date resolution.
type RawItem struct {
	ID          string
	Link        string
	Title       string
	Summary     string
	Content     []string // structured content values, first one wins
	Description string
	Modified    *time.Time
	Creator     string
}

// Parser turns decoded feed text into a ParsedFeed. baseURI resolves
// relative links.
type Parser interface {
	Parse(baseURI string, text []byte) (*ParsedFeed, error)
}

// xmlEncoding matches the encoding pseudo-attribute of an XML declaration.
var xmlEncoding = regexp.MustCompile(`^(\s*<\?xml[^>]*?encoding\s*=\s*)["'][^"']*["']`)

// GofeedParser parses RSS, Atom and JSON feeds with gofeed.
type GofeedParser struct{}

// NewGofeedParser returns a gofeed backed Parser.
func NewGofeedParser() *GofeedParser {
	return &GofeedParser{}
}

// Parse parses text, which must already be UTF-8.
func (p *GofeedParser) Parse(baseURI string, text []byte) (*ParsedFeed, error) {
	// The body was transcoded to UTF-8; stop the XML decoder transcoding it again.
	text = xmlEncoding.ReplaceAll(text, []byte(`${1}"utf-8"`))

	// gofeed parsers keep state between calls, so use a fresh one each time.
	feed, err := gofeed.NewParser().ParseString(string(text))
	if err != nil {
		return nil, &ParseError{URI: baseURI, Err: err}
	}

	base, _ := url.Parse(baseURI)
	out := &ParsedFeed{
		Title:       feed.Title,
		Description: feed.Description,
		Link:        resolve(base, feed.Link),
		Items:       make([]RawItem, 0, len(feed.Items)),
	}
	for _, item := range feed.Items {
		out.Items = append(out.Items, rawItem(base, item))
	}
	return out, nil
}

func rawItem(base *url.URL, item *gofeed.Item) RawItem {
	raw := RawItem{
		ID:          item.GUID,
		Link:        resolve(base, item.Link),
		Title:       item.Title,
		Summary:     item.Description,
		Description: item.Description,
	}
	if item.Content != "" {
		raw.Content = []string{item.Content}
	}

	switch {
	case item.UpdatedParsed != nil:
		t := item.UpdatedParsed.UTC()
		raw.Modified = &t
	case item.PublishedParsed != nil:
		t := item.PublishedParsed.UTC()
		raw.Modified = &t
	}

	switch {
	case item.DublinCoreExt != nil && len(item.DublinCoreExt.Creator) > 0:
		raw.Creator = item.DublinCoreExt.Creator[0]
	case item.Author != nil:
		raw.Creator = item.Author.Name
	}
	return raw
}

func resolve(base *url.URL, link string) string {
	if base == nil || link == "" {
		return link
	}
	ref, err := url.Parse(link)
	if err != nil || ref.IsAbs() {
		return link
	}
	return base.ResolveReference(ref).String()
}
