// Package page slices the merged item stream into display records.
package page

import (
	"slices"
	"strings"
	"time"

	"github.com/bryan-buckman/planet/internal/model"
)

// Defaults for output targets.
const (
	DefaultItemsPerPage = 60
	DefaultDaysPerPage  = 0
	DefaultDateFormat   = model.LayoutHuman

	newDateLayout = "January 02, 2006"
)

// ChannelInfo is the renderer's view of a channel.
type ChannelInfo struct {
	URI         string
	Title       string
	Description string
	Link        string
	Name        string
	Extra       map[string]string
}

// NewChannelInfo collects a channel's display fields. Name falls back to
// the feed title.
func NewChannelInfo(ch *model.Channel) ChannelInfo {
	return ChannelInfo{
		URI:         ch.URI,
		Title:       ch.Title,
		Description: ch.Description,
		Link:        ch.Link,
		Name:        ch.DisplayName(),
		Extra:       ch.Config.Extra,
	}
}

// Map flattens the info. Extra config keys override the feed's own values.
func (c ChannelInfo) Map() map[string]string {
	m := map[string]string{
		"uri":         c.URI,
		"title":       c.Title,
		"description": c.Description,
		"link":        c.Link,
	}
	for k, v := range c.Extra {
		m[k] = v
	}
	if _, ok := m["name"]; !ok {
		m["name"] = c.Name
	}
	return m
}

// ChannelList returns the info of every channel sorted by name.
func ChannelList(channels []*model.Channel) []ChannelInfo {
	infos := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		infos = append(infos, NewChannelInfo(ch))
	}
	slices.SortStableFunc(infos, func(a, b ChannelInfo) int {
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return infos
}

// Record is one displayed item.
type Record struct {
	ID      string
	Title   string
	Summary string
	Content string
	Link    string
	Creator string

	Instant time.Time
	Date    string
	DateISO string
	Date822 string

	Channel ChannelInfo

	// NewDate holds the formatted day when this record starts a new day.
	NewDate string
	// NewChannel holds the channel URI when this record starts a channel group.
	NewChannel string
}

// Map flattens the record for template engines. Channel fields get a
// "channel_" prefix.
func (r Record) Map() map[string]string {
	m := map[string]string{
		"id":          r.ID,
		"title":       r.Title,
		"summary":     r.Summary,
		"content":     r.Content,
		"link":        r.Link,
		"creator":     r.Creator,
		"date":        r.Date,
		"date_iso":    r.DateISO,
		"date_822":    r.Date822,
		"new_date":    r.NewDate,
		"new_channel": r.NewChannel,
	}
	for k, v := range r.Channel.Map() {
		m["channel_"+k] = v
	}
	return m
}

// Options are the pagination limits of one output target.
type Options struct {
	ItemsPerPage int       // 0 means unlimited
	DaysPerPage  int       // 0 means unlimited
	DateFormat   string    // Go layout for Record.Date
	Today        time.Time // reference for DaysPerPage
}

// Assemble walks items, which must be sorted most recent first, and builds
// display records. It stops after ItemsPerPage records, or at the first day
// that is DaysPerPage or more calendar days before Today.
func Assemble(items []*model.NewsItem, opts Options) []Record {
	layout := opts.DateFormat
	if layout == "" {
		layout = DefaultDateFormat
	}
	today := civilDay(opts.Today.UTC())

	var (
		records     []Record
		prevDay     time.Time
		prevChannel string
		infos       = make(map[*model.Channel]ChannelInfo)
	)
	for _, item := range items {
		if opts.ItemsPerPage > 0 && len(records) >= opts.ItemsPerPage {
			break
		}

		info, ok := infos[item.Channel]
		if !ok {
			info = NewChannelInfo(item.Channel)
			infos[item.Channel] = info
		}

		instant := item.Instant()
		rec := Record{
			ID:      item.ID,
			Title:   item.Title,
			Summary: item.Summary,
			Content: item.Content,
			Link:    item.Link,
			Creator: item.Creator,
			Instant: instant,
			Date:    item.Channel.FormatDate(item.Date, layout),
			DateISO: item.Channel.FormatDate(item.Date, "iso"),
			Date822: item.Channel.FormatDate(item.Date, "rfc822"),
			Channel: info,
		}

		day := civilDay(instant)
		if !day.Equal(prevDay) {
			if opts.DaysPerPage > 0 && daysBetween(day, today) >= opts.DaysPerPage {
				break
			}
			rec.NewDate = instant.Format(newDateLayout)
			prevDay = day
		}

		if prevChannel != info.URI || rec.NewDate != "" {
			rec.NewChannel = info.URI
			prevChannel = info.URI
		}

		records = append(records, rec)
	}
	return records
}

func civilDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysBetween counts calendar days from day to today; days in the future count as zero.
func daysBetween(day, today time.Time) int {
	n := int(today.Sub(day).Hours() / 24)
	if n < 0 {
		return 0
	}
	return n
}
