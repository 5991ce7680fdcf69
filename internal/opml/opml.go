// Package opml imports subscription lists and exports the planet's channels.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/bryan-buckman/planet/internal/model"
	"github.com/samber/lo"
)

// FolderKey is the channel extra key that carries an OPML folder path.
const FolderKey = "folder"

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
	OwnerName   string `xml:"ownerName,omitempty"`
	OwnerEmail  string `xml:"ownerEmail,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element (folder or feed).
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Entry is a flattened subscription with its folder path.
type Entry struct {
	FolderPath []string // e.g., ["Tech", "Go"]
	Title      string
	URL        string
}

// ChannelConfig turns the entry into a subscription. The title becomes the
// display name and the folder path is kept as an extra key.
func (e Entry) ChannelConfig() model.ChannelConfig {
	cfg := model.ChannelConfig{URI: e.URL, Name: e.Title}
	if len(e.FolderPath) > 0 {
		cfg.Extra = map[string]string{FolderKey: strings.Join(e.FolderPath, "/")}
	}
	return cfg
}

// Parse reads an OPML document and returns its feeds in document order.
// Outlines without an xmlUrl are folders; nested folders join with "/".
func Parse(r io.Reader) ([]Entry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var entries []Entry
	for _, o := range doc.Body.Outlines {
		entries = o.collect(nil, entries)
	}
	return entries, nil
}

// collect appends the feeds below o, o included, to entries.
func (o Outline) collect(folders []string, entries []Entry) []Entry {
	if o.XMLURL != "" {
		return append(entries, Entry{
			FolderPath: slices.Clone(folders),
			Title:      lo.CoalesceOrEmpty(o.Title, o.Text),
			URL:        o.XMLURL,
		})
	}
	if len(o.Outlines) == 0 {
		return entries
	}
	sub := append(slices.Clip(folders), lo.CoalesceOrEmpty(o.Text, o.Title))
	for _, child := range o.Outlines {
		entries = child.collect(sub, entries)
	}
	return entries
}

// ParseFile is Parse on a file path.
func ParseFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open opml: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Export writes the channels as an OPML 2.0 document. Channels with a folder
// extra are grouped under one outline per folder, in order of first use.
func Export(head Head, channels []*model.Channel, now time.Time) ([]byte, error) {
	if head.DateCreated == "" {
		head.DateCreated = now.UTC().Format(time.RFC1123Z)
	}
	doc := OPML{Version: "2.0", Head: head}

	var order []string
	folders := make(map[string]*Outline)
	for _, ch := range channels {
		feed := Outline{
			Text:    ch.DisplayName(),
			Title:   ch.DisplayName(),
			Type:    "rss",
			XMLURL:  ch.URI,
			HTMLURL: ch.Link,
		}
		name := ch.Config.Extra[FolderKey]
		if name == "" {
			doc.Body.Outlines = append(doc.Body.Outlines, feed)
			continue
		}
		fo, ok := folders[name]
		if !ok {
			fo = &Outline{Text: name, Title: name}
			folders[name] = fo
			order = append(order, name)
		}
		fo.Outlines = append(fo.Outlines, feed)
	}
	for _, name := range order {
		doc.Body.Outlines = append(doc.Body.Outlines, *folders[name])
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}

// Merge appends the entries to cfgs, skipping URIs that are already present.
func Merge(cfgs []model.ChannelConfig, entries []Entry) []model.ChannelConfig {
	seen := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		seen[c.URI] = true
	}
	for _, e := range entries {
		if seen[e.URL] {
			continue
		}
		seen[e.URL] = true
		cfgs = append(cfgs, e.ChannelConfig())
	}
	return cfgs
}
