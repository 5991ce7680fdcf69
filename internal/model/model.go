// Package model defines shared data structures.
package model

import (
	"time"
)

// Date layouts used when formatting item and channel dates.
const (
	LayoutISO    = "2006-01-02T15:04:05+00:00"
	LayoutRFC822 = "Mon, 02 Jan 2006 15:04:05 +0000"
	LayoutHuman  = "January 02, 2006 03:04 PM"
)

// ChannelConfig holds the recognised per-channel settings from the config file.
type ChannelConfig struct {
	URI    string
	Name   string
	Offset *float64 // hours the channel's dates are ahead of UTC; nil if unset
	Extra  map[string]string
}

// Channel represents one subscribed feed source.
type Channel struct {
	URI string

	// Validators for conditional requests. Empty / zero means absent.
	ETag     string
	Modified time.Time

	Title       string
	Description string
	Link        string

	Items  []*NewsItem
	Config ChannelConfig
}

// NewChannel creates a channel for the given configuration.
func NewChannel(cfg ChannelConfig) *Channel {
	return &Channel{URI: cfg.URI, Config: cfg}
}

// OffsetDuration returns the configured offset as a duration (zero if unset).
func (c *Channel) OffsetDuration() time.Duration {
	if c.Config.Offset == nil {
		return 0
	}
	return time.Duration(*c.Config.Offset * float64(time.Hour))
}

// UTCTime converts a channel-local calendar date into the true UTC instant.
func (c *Channel) UTCTime(date time.Time) time.Time {
	return date.UTC().Add(-c.OffsetDuration())
}

// FormatDate formats a channel-local date as UTC. The layout may be "iso",
// "rfc822", empty (human readable) or any time layout.
func (c *Channel) FormatDate(date time.Time, layout string) string {
	switch layout {
	case "iso":
		layout = LayoutISO
	case "rfc822":
		layout = LayoutRFC822
	case "":
		layout = LayoutHuman
	}
	return c.UTCTime(date).Format(layout)
}

// DisplayName returns the configured name, falling back to the feed title.
func (c *Channel) DisplayName() string {
	if c.Config.Name != "" {
		return c.Config.Name
	}
	return c.Title
}

// NewsItem represents a single entry of a channel.
type NewsItem struct {
	ID      string // explicit id, falls back to link
	Title   string
	Summary string
	Content string
	Link    string
	Creator string

	// Date is the channel-local calendar time held in time.UTC.
	Date time.Time

	Channel *Channel
}

// Instant returns the item's true UTC instant.
func (n *NewsItem) Instant() time.Time {
	return n.Channel.UTCTime(n.Date)
}
