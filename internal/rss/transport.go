package rss

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/araddon/dateparse"
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 32 << 20

// Request describes one conditional fetch.
type Request struct {
	URI       string
	UserAgent string
	ETag      string
	Modified  time.Time
}

// Response is what a transport returns for a completed request.
type Response struct {
	Status          int    // 0 when the transport has no status (local files)
	URL             string // final URI after redirects, empty if unknown
	ContentLocation string
	ContentEncoding string
	ETag            string
	Modified        time.Time
	Body            []byte
}

// Transport performs a single request for a feed URI.
type Transport interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// HTTPTransport fetches http(s) URIs with net/http and anything else from
// the local filesystem.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport whose requests time out after timeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	// Content-Encoding is handled by decodeBody.
	tr.DisableCompression = true
	return &HTTPTransport{client: &http.Client{Timeout: timeout, Transport: tr}}
}

// Fetch issues a GET carrying the request's validators.
func (t *HTTPTransport) Fetch(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fetchFile(req.URI)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URI, nil)
	if err != nil {
		return nil, &TransportError{URI: req.URI, Err: err}
	}
	if req.UserAgent != "" {
		hreq.Header.Set("User-Agent", req.UserAgent)
	}
	hreq.Header.Set("Accept-Encoding", "gzip")
	if req.ETag != "" {
		hreq.Header.Set("If-None-Match", req.ETag)
	}
	if !req.Modified.IsZero() {
		hreq.Header.Set("If-Modified-Since", req.Modified.UTC().Format(http.TimeFormat))
	}

	resp, err := t.client.Do(hreq)
	if err != nil {
		return nil, &TransportError{URI: req.URI, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &TransportError{URI: req.URI, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	final := resp.Request.URL
	out := &Response{
		Status:          resp.StatusCode,
		URL:             final.String(),
		ContentEncoding: resp.Header.Get("Content-Encoding"),
		ETag:            resp.Header.Get("ETag"),
		Body:            body,
	}
	if loc := resp.Header.Get("Content-Location"); loc != "" {
		if ref, err := url.Parse(loc); err == nil {
			out.ContentLocation = final.ResolveReference(ref).String()
		}
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		out.Modified = parseHTTPDate(lm)
	}
	return out, nil
}

// fetchFile reads a local path or file:// URI. There is no status, no
// validators and no redirect.
func fetchFile(uri string) (*Response, error) {
	path := uri
	if u, err := url.Parse(uri); err == nil && u.Scheme == "file" {
		path = u.Path
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &TransportError{URI: uri, Err: err}
	}
	defer f.Close()
	body, err := io.ReadAll(io.LimitReader(f, maxBodySize))
	if err != nil {
		return nil, &TransportError{URI: uri, Err: err}
	}
	return &Response{Body: body}, nil
}

// parseHTTPDate parses a Last-Modified header, tolerating non-RFC layouts.
// It returns the zero time when nothing sensible can be read.
func parseHTTPDate(s string) time.Time {
	if t, err := http.ParseTime(s); err == nil {
		return t.UTC()
	}
	if t, err := dateparse.ParseIn(s, time.UTC); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
