// Package rss synchronises channels with their remote feeds.
package rss

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bryan-buckman/planet/internal/cache"
	"github.com/bryan-buckman/planet/internal/model"
	"github.com/sirupsen/logrus"
)

// Version is advertised in the default user agent.
const Version = "0.2"

// DefaultTimeout bounds a single conditional fetch.
const DefaultTimeout = 30 * time.Second

// Concurrency settings
const (
	// MaxConcurrencyPerDomain limits parallel requests to any single domain
	MaxConcurrencyPerDomain = 2
	// DelayBetweenDomainRequests is the minimum delay between requests to the same domain
	DelayBetweenDomainRequests = 500 * time.Millisecond
)

// UserAgent builds the User-Agent header from the planet's name and link.
func UserAgent(name, link string) string {
	parts := []string{"Planet/" + Version, "https://github.com/bryan-buckman/planet"}
	if link != "" {
		parts = append([]string{link}, parts...)
	}
	if name != "" {
		parts = append([]string{name}, parts...)
	}
	return strings.Join(parts, " ")
}

// State is the position of a channel in the fetch state machine.
type State int

// Fetch states.
const (
	StateIdle State = iota
	StateRequesting
	StateNotModified
	StateFailed
	StateReceived
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateNotModified:
		return "not_modified"
	case StateFailed:
		return "failed"
	case StateReceived:
		return "received"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Result holds the outcome of synchronising a single channel.
type Result struct {
	URI      string
	State    State
	Replaced bool // the channel's items were replaced
	Items    int
	Err      error
}

// Options configures a Fetcher. Zero values select defaults.
type Options struct {
	UserAgent   string
	Timeout     time.Duration
	Concurrency int
	Transport   Transport
	Parser      Parser
	Metrics     *Metrics
	Now         func() time.Time
}

// domainLimiter controls rate limiting per domain to avoid overwhelming hosts.
type domainLimiter struct {
	mu          sync.Mutex
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
}

// newDomainLimiter creates a new per-domain rate limiter.
func newDomainLimiter() *domainLimiter {
	return &domainLimiter{
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
	}
}

// acquire gets a slot for the domain, blocking if necessary.
// It also enforces the minimum delay between requests to the same domain.
func (dl *domainLimiter) acquire(ctx context.Context, domain string) error {
	dl.mu.Lock()
	sem, ok := dl.semaphores[domain]
	if !ok {
		sem = make(chan struct{}, MaxConcurrencyPerDomain)
		dl.semaphores[domain] = sem
	}
	dl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	dl.mu.Lock()
	lastReq := dl.lastRequest[domain]
	dl.mu.Unlock()

	if !lastReq.IsZero() {
		if elapsed := time.Since(lastReq); elapsed < DelayBetweenDomainRequests {
			select {
			case <-time.After(DelayBetweenDomainRequests - elapsed):
			case <-ctx.Done():
				<-sem
				return ctx.Err()
			}
		}
	}
	return nil
}

// release returns a slot for the domain and records the request time.
func (dl *domainLimiter) release(domain string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.lastRequest[domain] = time.Now()
	if sem, ok := dl.semaphores[domain]; ok {
		<-sem
	}
}

// extractDomain gets the host from a URL.
func extractDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return feedURL
	}
	return u.Host
}

// Fetcher runs the conditional fetch protocol for channels against a cache.
type Fetcher struct {
	store         cache.Store
	transport     Transport
	parser        Parser
	userAgent     string
	timeout       time.Duration
	concurrency   int
	metrics       *Metrics
	now           func() time.Time
	log           logrus.FieldLogger
	domainLimiter *domainLimiter
}

// NewFetcher creates a fetcher. Parallel fetching is only used when the
// store supports it and opts.Concurrency is above one.
func NewFetcher(store cache.Store, opts Options, log logrus.FieldLogger) *Fetcher {
	f := &Fetcher{
		store:         store,
		transport:     opts.Transport,
		parser:        opts.Parser,
		userAgent:     opts.UserAgent,
		timeout:       opts.Timeout,
		concurrency:   1,
		metrics:       opts.Metrics,
		now:           opts.Now,
		log:           log,
		domainLimiter: newDomainLimiter(),
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.transport == nil {
		f.transport = NewHTTPTransport(f.timeout)
	}
	if f.parser == nil {
		f.parser = NewGofeedParser()
	}
	if f.userAgent == "" {
		f.userAgent = UserAgent("", "")
	}
	if f.metrics == nil {
		f.metrics = NewMetrics(nil)
	}
	if f.now == nil {
		f.now = time.Now
	}
	if opts.Concurrency > 1 && store.SupportsHighConcurrency() {
		f.concurrency = opts.Concurrency
	}
	return f
}

// Prime seeds a channel from whatever is cached, carrying the cached
// validators into the next real fetch. Nothing is written back.
func (f *Fetcher) Prime(ch *model.Channel) Result {
	log := f.log.WithField("channel", ch.URI)
	rec, err := f.store.Load(ch.URI)
	if err != nil {
		log.WithError(err).Warn("Cache read failed")
	}
	if rec == nil {
		return Result{URI: ch.URI, State: StateIdle}
	}

	log.Infof("Updating feed <%s> from <%s>", ch.URI, f.store.Location(ch.URI))
	return f.ingest(ch, &Response{Body: rec.Data, ETag: rec.ETag, Modified: rec.Modified}, true, log)
}

// Update performs one conditional fetch of the channel and applies the result.
func (f *Fetcher) Update(ctx context.Context, ch *model.Channel) Result {
	log := f.log.WithField("channel", ch.URI)
	log.Infof("Updating feed <%s>", ch.URI)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	resp, err := f.transport.Fetch(ctx, Request{
		URI:       ch.URI,
		UserAgent: f.userAgent,
		ETag:      ch.ETag,
		Modified:  ch.Modified,
	})
	f.metrics.Duration.Observe(time.Since(start).Seconds())
	if err != nil {
		var terr *TransportError
		if !errors.As(err, &terr) {
			err = &TransportError{URI: ch.URI, Err: err}
		}
		log.WithError(err).Error("Update failed")
		return Result{URI: ch.URI, State: StateFailed, Err: err}
	}

	switch {
	case resp.Status == 304:
		log.Info("Feed has not changed")
		return Result{URI: ch.URI, State: StateNotModified}
	case resp.Status >= 400:
		err := &TransportError{URI: ch.URI, Status: resp.Status}
		log.Errorf("Update failed for <%s> (Error: %d)", ch.URI, resp.Status)
		return Result{URI: ch.URI, State: StateFailed, Err: err}
	}
	return f.ingest(ch, resp, false, log)
}

// ingest applies a received body to the channel. replay is set when the body
// came from the cache rather than the network.
func (f *Fetcher) ingest(ch *model.Channel, resp *Response, replay bool, log logrus.FieldLogger) Result {
	uri := ch.URI
	if !replay && resp.URL != "" {
		uri = resp.URL
	}
	baseURI := uri
	if resp.ContentLocation != "" {
		baseURI = resp.ContentLocation
	}

	data := decodeBody(resp.Body, resp.ContentEncoding, log)
	feed, err := f.parser.Parse(baseURI, data)
	if err != nil {
		log.WithError(err).Error("Feed could not be parsed")
		return Result{URI: ch.URI, State: StateFailed, Err: err}
	}

	if resp.ETag != "" {
		ch.ETag = resp.ETag
		log.Debugf("E-Tag: %s", ch.ETag)
	}
	if !resp.Modified.IsZero() {
		ch.Modified = resp.Modified
		log.Debugf("Modified: %s", ch.Modified.Format(model.LayoutHuman))
	}
	if uri != ch.URI {
		ch.URI = uri
		log.Debugf("URI: <%s>", ch.URI)
	}

	items, err := f.buildItems(ch, baseURI, feed, log)
	if err != nil {
		var anomaly *AnomalousFeedError
		if errors.As(err, &anomaly) && anomaly.Reason == ReasonBogusYear {
			log.Warnf("Obviously bogus year in feed (%d), cowardly not updating", anomaly.Year)
		} else {
			log.Infof("Empty feed, cowardly not updating %s", baseURI)
		}
		return Result{URI: ch.URI, State: StateReceived, Items: len(ch.Items), Err: err}
	}

	ch.Items = items
	ch.Title = feed.Title
	ch.Description = feed.Description
	ch.Link = feed.Link

	if !replay {
		rec := &cache.Record{Data: data, ETag: ch.ETag, Modified: ch.Modified}
		if err := f.store.Save(ch.URI, rec); err != nil {
			log.WithError(err).Warn("Cache write failed")
		}
	}

	return Result{URI: ch.URI, State: StateReceived, Replaced: true, Items: len(items)}
}

// buildItems converts every parsed entry, refusing feeds that are empty or
// carry a year more than one year in the future.
func (f *Fetcher) buildItems(ch *model.Channel, baseURI string, feed *ParsedFeed, log logrus.FieldLogger) ([]*model.NewsItem, error) {
	if len(feed.Items) == 0 {
		return nil, &AnomalousFeedError{URI: baseURI, Reason: ReasonEmpty}
	}

	now := f.now()
	maxYear := now.UTC().Year() + 1
	tc := newTimeCache(f.store, ch.URI, log)
	items := make([]*model.NewsItem, 0, len(feed.Items))
	for _, raw := range feed.Items {
		item := buildItem(raw, ch, tc, now)
		if year := item.Date.Year(); year > maxYear {
			return nil, &AnomalousFeedError{URI: baseURI, Reason: ReasonBogusYear, Year: year}
		}
		items = append(items, item)
	}
	return items, nil
}

// PrimeAll seeds every channel from the cache, in order.
func (f *Fetcher) PrimeAll(channels []*model.Channel) []Result {
	results := make([]Result, len(channels))
	for i, ch := range channels {
		results[i] = f.guard(ch, func() Result { return f.Prime(ch) })
	}
	return results
}

// FetchAll updates all channels with configurable concurrency.
// Uses parallel workers when the cache backend allows it, sequential otherwise.
// Results are returned in the order of channels.
func (f *Fetcher) FetchAll(ctx context.Context, channels []*model.Channel) ([]Result, error) {
	if len(channels) == 0 {
		return nil, nil
	}

	f.log.Infof("Fetching %d feeds with concurrency=%d", len(channels), f.concurrency)

	if f.concurrency <= 1 {
		return f.fetchSequential(ctx, channels)
	}
	return f.fetchParallel(ctx, channels)
}

// guard is the per-channel error boundary: a panic while processing one
// channel is logged and turned into a failed result. Every outcome is counted.
func (f *Fetcher) guard(ch *model.Channel, fn func() Result) (res Result) {
	uri := ch.URI
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("channel %s: panic: %v", uri, r)
			f.log.WithField("channel", uri).Error(err)
			res = Result{URI: uri, State: StateFailed, Err: err}
		}
		f.metrics.observe(res, len(ch.Items))
	}()
	return fn()
}

// fetchSequential fetches channels one at a time, in configuration order.
func (f *Fetcher) fetchSequential(ctx context.Context, channels []*model.Channel) ([]Result, error) {
	results := make([]Result, 0, len(channels))

	for i, ch := range channels {
		select {
		case <-ctx.Done():
			f.log.Warnf("FetchAll cancelled after %d/%d feeds", i, len(channels))
			return results, ctx.Err()
		default:
		}

		results = append(results, f.guard(ch, func() Result { return f.Update(ctx, ch) }))

		if (i+1)%50 == 0 {
			f.log.Infof("Progress: %d/%d feeds fetched", i+1, len(channels))
		}
	}

	return results, nil
}

// fetchParallel fetches channels using a worker pool.
func (f *Fetcher) fetchParallel(ctx context.Context, channels []*model.Channel) ([]Result, error) {
	var wg sync.WaitGroup

	results := make([]Result, len(channels))
	jobs := make(chan int, len(channels))

	for w := 0; w < f.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				ch := channels[i]
				if ctx.Err() != nil {
					results[i] = Result{URI: ch.URI, State: StateFailed, Err: ctx.Err()}
					continue
				}

				domain := extractDomain(ch.URI)
				if err := f.domainLimiter.acquire(ctx, domain); err != nil {
					results[i] = Result{URI: ch.URI, State: StateFailed, Err: fmt.Errorf("rate limit cancelled for %s: %w", ch.URI, err)}
					continue
				}
				results[i] = f.guard(ch, func() Result { return f.Update(ctx, ch) })
				f.domainLimiter.release(domain)
			}
		}()
	}

	for i := range channels {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results, ctx.Err()
}
