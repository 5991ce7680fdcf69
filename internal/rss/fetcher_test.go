package rss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryan-buckman/planet/internal/model"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

type testItem struct {
	guid, link, title, pubDate string
}

func rssFeed(title string, items ...testItem) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<rss version="2.0"><channel>`)
	fmt.Fprintf(&b, "<title>%s</title><link>http://example.com/</link><description>Test feed</description>", title)
	for _, it := range items {
		b.WriteString("<item>")
		if it.guid != "" {
			fmt.Fprintf(&b, "<guid>%s</guid>", it.guid)
		}
		fmt.Fprintf(&b, "<title>%s</title><link>%s</link>", it.title, it.link)
		if it.pubDate != "" {
			fmt.Fprintf(&b, "<pubDate>%s</pubDate>", it.pubDate)
		}
		b.WriteString("<description>Body</description></item>")
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

var twoItems = rssFeed("Example",
	testItem{guid: "1", link: "/posts/1", title: "First", pubDate: "Mon, 10 Jun 2024 09:00:00 GMT"},
	testItem{guid: "2", link: "/posts/2", title: "Second", pubDate: "Sun, 09 Jun 2024 08:00:00 GMT"},
)

type transportFunc func(ctx context.Context, req Request) (*Response, error)

func (f transportFunc) Fetch(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

func newTestFetcher(t *testing.T, opts Options) (*Fetcher, *test.Hook) {
	t.Helper()
	log, hook := test.NewNullLogger()
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	return NewFetcher(newTestStore(t), opts, log), hook
}

// feedServer serves body with the given validators and answers 304 when the
// client presents the current ETag.
type feedServer struct {
	*httptest.Server
	body      atomic.Value // string
	etag      atomic.Value // string
	requests  atomic.Int32
	userAgent atomic.Value // string
}

func newFeedServer(t *testing.T, body, etag string) *feedServer {
	fs := &feedServer{}
	fs.body.Store(body)
	fs.etag.Store(etag)
	fs.userAgent.Store("")
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.requests.Add(1)
		fs.userAgent.Store(r.UserAgent())
		etag := fs.etag.Load().(string)
		if etag != "" && r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		w.Header().Set("Last-Modified", "Mon, 10 Jun 2024 09:00:00 GMT")
		w.Header().Set("Content-Type", "application/rss+xml")
		io.WriteString(w, fs.body.Load().(string))
	}))
	t.Cleanup(fs.Close)
	return fs
}

func TestUpdateReceivesAndCaches(t *testing.T) {
	srv := newFeedServer(t, twoItems, `"v1"`)
	f, _ := newTestFetcher(t, Options{UserAgent: "Test Planet http://planet.example Planet/0.2"})
	ch := model.NewChannel(model.ChannelConfig{URI: srv.URL + "/feed"})

	res := f.Update(context.Background(), ch)

	require.NoError(t, res.Err)
	assert.Equal(t, StateReceived, res.State)
	assert.True(t, res.Replaced)
	assert.Equal(t, 2, res.Items)
	assert.Equal(t, "Test Planet http://planet.example Planet/0.2", srv.userAgent.Load())

	assert.Equal(t, "Example", ch.Title)
	assert.Equal(t, `"v1"`, ch.ETag)
	assert.Equal(t, time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC), ch.Modified)
	require.Len(t, ch.Items, 2)
	assert.Equal(t, "1", ch.Items[0].ID)
	assert.Equal(t, srv.URL+"/posts/1", ch.Items[0].Link)
	assert.Equal(t, time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC), ch.Items[0].Date)

	rec, err := f.store.Load(ch.URI)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, twoItems, string(rec.Data))
	assert.Equal(t, `"v1"`, rec.ETag)
}

func TestUpdateNotModifiedLeavesEverything(t *testing.T) {
	srv := newFeedServer(t, twoItems, `"v1"`)
	f, _ := newTestFetcher(t, Options{})
	ch := model.NewChannel(model.ChannelConfig{URI: srv.URL + "/feed"})

	require.Equal(t, StateReceived, f.Update(context.Background(), ch).State)
	items := ch.Items
	srv.body.Store(rssFeed("Changed", testItem{guid: "9", link: "/9", title: "Nine"}))

	res := f.Update(context.Background(), ch)

	assert.Equal(t, StateNotModified, res.State)
	assert.NoError(t, res.Err)
	assert.False(t, res.Replaced)
	assert.Equal(t, items, ch.Items)
	assert.Equal(t, "Example", ch.Title)
	rec, err := f.store.Load(ch.URI)
	require.NoError(t, err)
	assert.Equal(t, twoItems, string(rec.Data))
	assert.EqualValues(t, 2, srv.requests.Load())
}

func TestUpdateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()
	f, hook := newTestFetcher(t, Options{})
	ch := model.NewChannel(model.ChannelConfig{URI: srv.URL + "/feed"})

	res := f.Update(context.Background(), ch)

	assert.Equal(t, StateFailed, res.State)
	var terr *TransportError
	require.ErrorAs(t, res.Err, &terr)
	assert.Equal(t, http.StatusNotFound, terr.Status)
	assert.Empty(t, ch.Items)
	assert.Equal(t, fmt.Sprintf("Update failed for <%s> (Error: 404)", ch.URI), hook.LastEntry().Message)

	rec, err := f.store.Load(ch.URI)
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUpdateEmptyFeedKeepsItems(t *testing.T) {
	srv := newFeedServer(t, twoItems, `"v1"`)
	f, _ := newTestFetcher(t, Options{})
	ch := model.NewChannel(model.ChannelConfig{URI: srv.URL + "/feed"})
	require.Equal(t, StateReceived, f.Update(context.Background(), ch).State)

	srv.body.Store(rssFeed("Empty now"))
	srv.etag.Store(`"v2"`)
	res := f.Update(context.Background(), ch)

	assert.Equal(t, StateReceived, res.State)
	assert.False(t, res.Replaced)
	var anomaly *AnomalousFeedError
	require.ErrorAs(t, res.Err, &anomaly)
	assert.Equal(t, ReasonEmpty, anomaly.Reason)
	assert.Len(t, ch.Items, 2)
	assert.Equal(t, "Example", ch.Title)
	// Validators still move forward.
	assert.Equal(t, `"v2"`, ch.ETag)

	rec, err := f.store.Load(ch.URI)
	require.NoError(t, err)
	assert.Equal(t, twoItems, string(rec.Data))
	assert.Equal(t, `"v1"`, rec.ETag)
}

func TestUpdateBogusYear(t *testing.T) {
	body := rssFeed("Future",
		testItem{guid: "1", link: "/1", title: "Fine", pubDate: "Mon, 10 Jun 2024 09:00:00 GMT"},
		testItem{guid: "2", link: "/2", title: "Far out", pubDate: "Tue, 01 Jan 2030 10:00:00 GMT"},
	)
	srv := newFeedServer(t, body, "")
	f, hook := newTestFetcher(t, Options{})
	ch := model.NewChannel(model.ChannelConfig{URI: srv.URL + "/feed"})

	res := f.Update(context.Background(), ch)

	var anomaly *AnomalousFeedError
	require.ErrorAs(t, res.Err, &anomaly)
	assert.Equal(t, ReasonBogusYear, anomaly.Reason)
	assert.Equal(t, 2030, anomaly.Year)
	assert.Empty(t, ch.Items)
	assert.Equal(t, "Obviously bogus year in feed (2030), cowardly not updating", hook.LastEntry().Message)
}

func TestUpdateNextYearIsAccepted(t *testing.T) {
	body := rssFeed("Soon",
		testItem{guid: "1", link: "/1", title: "Next year", pubDate: "Wed, 01 Jan 2025 10:00:00 GMT"},
	)
	srv := newFeedServer(t, body, "")
	f, _ := newTestFetcher(t, Options{})
	ch := model.NewChannel(model.ChannelConfig{URI: srv.URL + "/feed"})

	res := f.Update(context.Background(), ch)

	assert.NoError(t, res.Err)
	assert.True(t, res.Replaced)
}

func TestUpdateFollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, twoItems)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	f, _ := newTestFetcher(t, Options{})
	ch := model.NewChannel(model.ChannelConfig{URI: srv.URL + "/old"})

	res := f.Update(context.Background(), ch)

	require.NoError(t, res.Err)
	assert.Equal(t, srv.URL+"/new", ch.URI)
	assert.Equal(t, srv.URL+"/new", res.URI)
	rec, err := f.store.Load(srv.URL + "/new")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestUpdateGzipAndLatin1(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="ISO-8859-1"?>` +
		`<rss version="2.0"><channel><title>Caf` + "\xe9" + `</title><link>http://example.com/</link>` +
		`<item><guid>1</guid><title>Cr` + "\xe8" + `me</title><link>http://example.com/1</link>` +
		`<pubDate>Mon, 10 Jun 2024 09:00:00 GMT</pubDate></item></channel></rss>`)
	compressed := gzipped(t, body)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(compressed)
	}))
	defer srv.Close()
	f, _ := newTestFetcher(t, Options{})
	ch := model.NewChannel(model.ChannelConfig{URI: srv.URL + "/feed"})

	res := f.Update(context.Background(), ch)

	require.NoError(t, res.Err)
	assert.Equal(t, "Café", ch.Title)
	require.Len(t, ch.Items, 1)
	assert.Equal(t, "Crème", ch.Items[0].Title)
}

func TestUpdateParseError(t *testing.T) {
	srv := newFeedServer(t, "this is not a feed", "")
	f, _ := newTestFetcher(t, Options{})
	ch := model.NewChannel(model.ChannelConfig{URI: srv.URL + "/feed"})

	res := f.Update(context.Background(), ch)

	assert.Equal(t, StateFailed, res.State)
	var perr *ParseError
	assert.ErrorAs(t, res.Err, &perr)
}

func TestUpdateParseErrorKeepsChannel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"broken"`)
		w.Header().Set("Last-Modified", "Tue, 11 Jun 2024 09:00:00 GMT")
		io.WriteString(w, "this is not a feed")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	f, _ := newTestFetcher(t, Options{})
	modified := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	ch := model.NewChannel(model.ChannelConfig{URI: srv.URL + "/old"})
	ch.ETag = `"v1"`
	ch.Modified = modified

	res := f.Update(context.Background(), ch)

	assert.Equal(t, StateFailed, res.State)
	var perr *ParseError
	require.ErrorAs(t, res.Err, &perr)
	assert.Equal(t, `"v1"`, ch.ETag)
	assert.Equal(t, modified, ch.Modified)
	assert.Equal(t, srv.URL+"/old", ch.URI)
}

func TestUpdateTimeout(t *testing.T) {
	var slow atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slow.Load() {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		w.Header().Set("ETag", `"v1"`)
		io.WriteString(w, twoItems)
	}))
	defer srv.Close()
	f, _ := newTestFetcher(t, Options{Timeout: 50 * time.Millisecond})
	ch := model.NewChannel(model.ChannelConfig{URI: srv.URL + "/feed"})
	require.NoError(t, f.Update(context.Background(), ch).Err)
	require.Len(t, ch.Items, 2)

	slow.Store(true)
	res := f.Update(context.Background(), ch)

	assert.Equal(t, StateFailed, res.State)
	var terr *TransportError
	require.ErrorAs(t, res.Err, &terr)
	assert.Len(t, ch.Items, 2)
	assert.Equal(t, `"v1"`, ch.ETag)
	rec, err := f.store.Load(ch.URI)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, `"v1"`, rec.ETag)
	assert.Equal(t, twoItems, string(rec.Data))
}

func TestPrimeReplaysCache(t *testing.T) {
	srv := newFeedServer(t, twoItems, `"v1"`)
	store := newTestStore(t)
	log, _ := test.NewNullLogger()
	now := func() time.Time { return fixedNow }

	online := NewFetcher(store, Options{Now: now}, log)
	require.NoError(t, online.Update(context.Background(), model.NewChannel(model.ChannelConfig{URI: srv.URL + "/feed"})).Err)

	offline := NewFetcher(store, Options{
		Now: now,
		Transport: transportFunc(func(context.Context, Request) (*Response, error) {
			t.Fatal("priming must not touch the network")
			return nil, nil
		}),
	}, log)
	ch := model.NewChannel(model.ChannelConfig{URI: srv.URL + "/feed"})

	res := offline.Prime(ch)

	require.NoError(t, res.Err)
	assert.Equal(t, StateReceived, res.State)
	assert.Equal(t, "Example", ch.Title)
	assert.Equal(t, `"v1"`, ch.ETag)
	assert.Len(t, ch.Items, 2)

	// The primed validators make the next fetch conditional.
	offline.transport = NewHTTPTransport(time.Second)
	assert.Equal(t, StateNotModified, offline.Update(context.Background(), ch).State)
}

func TestPrimeWithoutCache(t *testing.T) {
	f, _ := newTestFetcher(t, Options{})
	ch := model.NewChannel(model.ChannelConfig{URI: "http://example.com/never-fetched"})

	res := f.Prime(ch)

	assert.Equal(t, StateIdle, res.State)
	assert.NoError(t, res.Err)
	assert.Empty(t, ch.Items)
}

func TestFetchAllIsolatesFailures(t *testing.T) {
	srv := newFeedServer(t, twoItems, "")
	f, _ := newTestFetcher(t, Options{
		Transport: transportFunc(func(ctx context.Context, req Request) (*Response, error) {
			if strings.HasSuffix(req.URI, "/panic") {
				panic("boom")
			}
			if strings.HasSuffix(req.URI, "/down") {
				return nil, errors.New("connection refused")
			}
			return NewHTTPTransport(time.Second).Fetch(ctx, req)
		}),
	})
	channels := []*model.Channel{
		model.NewChannel(model.ChannelConfig{URI: srv.URL + "/panic"}),
		model.NewChannel(model.ChannelConfig{URI: srv.URL + "/down"}),
		model.NewChannel(model.ChannelConfig{URI: srv.URL + "/feed"}),
	}

	results, err := f.FetchAll(context.Background(), channels)

	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, StateFailed, results[0].State)
	assert.ErrorContains(t, results[0].Err, "panic: boom")
	assert.Equal(t, StateFailed, results[1].State)
	var terr *TransportError
	assert.ErrorAs(t, results[1].Err, &terr)
	assert.Equal(t, StateReceived, results[2].State)
	assert.Len(t, channels[2].Items, 2)
}

func TestFetchAllParallelKeepsOrder(t *testing.T) {
	srv := newFeedServer(t, twoItems, "")
	f, _ := newTestFetcher(t, Options{Concurrency: 3})
	require.Equal(t, 3, f.concurrency)

	var channels []*model.Channel
	for i := 0; i < 3; i++ {
		channels = append(channels, model.NewChannel(model.ChannelConfig{URI: fmt.Sprintf("%s/feed/%d", srv.URL, i)}))
	}

	results, err := f.FetchAll(context.Background(), channels)

	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, channels[i].URI, res.URI)
		assert.Equal(t, StateReceived, res.State)
	}
}

func TestFetchAllCancelled(t *testing.T) {
	f, _ := newTestFetcher(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := f.FetchAll(ctx, []*model.Channel{
		model.NewChannel(model.ChannelConfig{URI: "http://example.com/a"}),
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "Planet/0.2 https://github.com/bryan-buckman/planet", UserAgent("", ""))
	assert.Equal(t,
		"Planet Go https://planet.example Planet/0.2 https://github.com/bryan-buckman/planet",
		UserAgent("Planet Go", "https://planet.example"))
}
