package rss

import (
	"fmt"
)

// TransportError reports a network failure, timeout or HTTP error status.
type TransportError struct {
	URI    string
	Status int // 0 when the request never produced a response
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: status %d", e.URI, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URI, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ParseError reports a feed body the parser could not make sense of.
type ParseError struct {
	URI string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URI, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Reasons an otherwise well-formed feed is not applied to its channel.
const (
	ReasonEmpty     = "empty feed"
	ReasonBogusYear = "bogus year"
)

// AnomalousFeedError reports a parsed feed that was discarded.
type AnomalousFeedError struct {
	URI    string
	Reason string
	Year   int // offending year for ReasonBogusYear
}

func (e *AnomalousFeedError) Error() string {
	if e.Reason == ReasonBogusYear {
		return fmt.Sprintf("%s: obviously bogus year in feed (%d)", e.URI, e.Year)
	}
	return fmt.Sprintf("%s: %s", e.URI, e.Reason)
}
