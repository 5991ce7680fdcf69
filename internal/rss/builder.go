package rss

import (
	"time"

	"github.com/bryan-buckman/planet/internal/cache"
	"github.com/bryan-buckman/planet/internal/model"
	"github.com/sirupsen/logrus"
)

// maxPinDrift bounds how far an item carrying a midnight date may be moved
// to the time it was first seen.
const maxPinDrift = 24 * time.Hour

// timeCache is a channel's persistent id -> timestamp table. It is read from
// the store the first time an item needs it.
type timeCache struct {
	store  cache.Store
	uri    string
	log    logrus.FieldLogger
	times  map[string]time.Time
	loaded bool
}

func newTimeCache(store cache.Store, uri string, log logrus.FieldLogger) *timeCache {
	return &timeCache{store: store, uri: uri, log: log}
}

func (tc *timeCache) lookup(id string) (time.Time, bool) {
	if !tc.loaded {
		times, err := tc.store.Times(tc.uri)
		if err != nil {
			tc.log.WithError(err).Warn("Time cache read failed")
		}
		tc.times = times
		if tc.times == nil {
			tc.times = make(map[string]time.Time)
		}
		tc.loaded = true
	}
	t, ok := tc.times[id]
	return t, ok
}

func (tc *timeCache) record(id string, t time.Time) {
	tc.times[id] = t
	if err := tc.store.AppendTime(tc.uri, id, t); err != nil {
		tc.log.WithError(err).Warn("Time cache write failed")
	}
}

// buildItem converts a parsed entry into a NewsItem owned by ch.
func buildItem(raw RawItem, ch *model.Channel, tc *timeCache, now time.Time) *model.NewsItem {
	item := &model.NewsItem{
		Channel: ch,
		ID:      raw.ID,
		Link:    raw.Link,
		Title:   raw.Title,
		Summary: raw.Summary,
		Creator: raw.Creator,
	}
	if item.ID == "" {
		item.ID = item.Link
	}
	if len(raw.Content) > 0 {
		item.Content = raw.Content[0]
	} else {
		item.Content = raw.Description
	}

	var date time.Time
	if raw.Modified != nil {
		date = raw.Modified.UTC()
	}
	if date.IsZero() || isMidnight(date) {
		date = cachedTime(item, date, tc, now)
	}
	item.Date = date
	return item
}

// isMidnight reports whether the time of day is exactly 00:00:00, which feeds
// use when they only know the date.
func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0
}

// cachedTime pins an item without a usable time to when it was first seen.
// An existing midnight date more than a day away from now is kept instead.
func cachedTime(item *model.NewsItem, orig time.Time, tc *timeCache, now time.Time) time.Time {
	if t, ok := tc.lookup(item.ID); ok {
		return t
	}

	now = now.UTC().Truncate(time.Second)
	if !orig.IsZero() {
		ch := item.Channel
		drift := ch.UTCTime(now).Sub(ch.UTCTime(orig))
		if drift > maxPinDrift || drift < -maxPinDrift {
			return orig
		}
	}

	tc.record(item.ID, now)
	return now
}
