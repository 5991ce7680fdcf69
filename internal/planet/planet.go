// Package planet merges the items of many channels into one ordered stream.
package planet

import (
	"slices"
	"strings"
	"sync"

	"github.com/bryan-buckman/planet/internal/model"
	"github.com/samber/lo"
)

// Planet is an ordered set of subscribed channels. Items() returns every
// item of every channel, most recent first. It is safe for concurrent use.
type Planet struct {
	mu       sync.Mutex
	channels []*model.Channel
	items    []*model.NewsItem // nil until computed
}

// New returns an empty Planet.
func New() *Planet {
	return &Planet{}
}

// Subscribe adds a channel.
func (p *Planet) Subscribe(ch *model.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, ch)
	p.items = nil
}

// Unsubscribe removes a channel. It reports whether the channel was subscribed.
func (p *Planet) Unsubscribe(ch *model.Channel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := slices.Index(p.channels, ch)
	if i < 0 {
		return false
	}
	p.channels = slices.Delete(p.channels, i, i+1)
	p.items = nil
	return true
}

// Invalidate drops the sorted view, e.g. after channels were updated.
func (p *Planet) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = nil
}

// Channels returns the subscribed channels in subscription order.
func (p *Planet) Channels() []*model.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.channels)
}

// Items returns all dated items sorted by UTC instant, most recent first.
// Items with the same instant keep subscription order, then sort by id.
// The returned slice is a copy; the items themselves are shared.
func (p *Planet) Items() []*model.NewsItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.items == nil {
		p.items = p.sorted()
	}
	return slices.Clone(p.items)
}

func (p *Planet) sorted() []*model.NewsItem {
	order := make(map[*model.Channel]int, len(p.channels))
	for i, ch := range p.channels {
		order[ch] = i
	}

	items := lo.FlatMap(p.channels, func(ch *model.Channel, _ int) []*model.NewsItem {
		return lo.Filter(ch.Items, func(item *model.NewsItem, _ int) bool {
			return !item.Date.IsZero()
		})
	})

	slices.SortStableFunc(items, func(a, b *model.NewsItem) int {
		if c := b.Instant().Compare(a.Instant()); c != 0 {
			return c
		}
		if c := order[a.Channel] - order[b.Channel]; c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return items
}
