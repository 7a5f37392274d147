package types

import (
	"net/http"
	"time"
)

// CrawlRequest is one row in the append-only request log: one entry per
// HTTP round-trip. Created by the HTTP Client; never mutated.
type CrawlRequest struct {
	ID       int64
	SourceID string
	URL      string
	Method   string

	SentAt     time.Time
	ReceivedAt time.Time

	RequestHeaders  http.Header
	ResponseHeaders http.Header

	StatusCode int
	ByteCount  int64
	Duration   time.Duration

	Conditional bool // If-None-Match / If-Modified-Since was sent
	NotModified bool // server answered 304

	Error string
}
