package types

import (
	"fmt"
	"net/url"
	"time"
)

// Status is the CrawlURL lifecycle state.
type Status string

const (
	StatusDiscovered Status = "discovered"
	StatusPending    Status = "pending"
	StatusFetching   Status = "fetching"
	StatusFetched    Status = "fetched"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// CanTransitionTo reports whether the partial order
// Discovered->Pending->Fetching->{Fetched,Skipped,Failed} permits moving
// from s to next. A Failed URL may loop back to Pending (checked
// separately by the caller against retry_count/next_retry_at).
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusDiscovered:
		return next == StatusPending
	case StatusPending:
		return next == StatusFetching
	case StatusFetching:
		return next == StatusFetched || next == StatusSkipped || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	case StatusFetched:
		return next == StatusPending // mark_for_refresh
	default:
		return false
	}
}

// CrawlURL is the unit of work tracked by the Crawl Store. Identity is
// (SourceID, URL). CrawlURLs are created by Discovery, mutated by Pipeline
// workers, and never destroyed — they are history.
type CrawlURL struct {
	ID       int64
	SourceID string
	URL      string

	Status Status

	// Provenance.
	DiscoveryMethod string
	ParentURL       string
	Depth           int

	// Conditional-GET validators, populated after a successful fetch.
	ETag         string
	LastModified string
	ContentHash  string

	// Retry bookkeeping.
	RetryCount  int
	LastError   string
	NextRetryAt *time.Time

	// Linkage, populated once content is stored.
	DocumentID string

	DiscoveredAt time.Time
	FetchedAt    *time.Time
}

// Validate checks the invariant that a Fetching URL has no fetched_at or
// document_id. It does not check the status transition order (that is
// CanTransitionTo's job). Cheap enough to call before every update_url.
func (c *CrawlURL) Validate() error {
	if c.Status == StatusFetching {
		if c.FetchedAt != nil {
			return fmt.Errorf("crawl_url %s/%s: fetching status with non-nil fetched_at", c.SourceID, c.URL)
		}
		if c.DocumentID != "" {
			return fmt.Errorf("crawl_url %s/%s: fetching status with non-empty document_id", c.SourceID, c.URL)
		}
	}
	return nil
}

// Domain returns the hostname of the crawl URL, or "" if unparseable.
func (c *CrawlURL) Domain() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// ReadyForRetry reports whether a Failed URL may re-enter Pending: retry
// budget remains and the backoff deadline has passed.
func (c *CrawlURL) ReadyForRetry(maxRetries int, now time.Time) bool {
	if c.Status != StatusFailed {
		return false
	}
	if c.RetryCount >= maxRetries {
		return false
	}
	if c.NextRetryAt == nil {
		return true
	}
	return !now.Before(*c.NextRetryAt)
}

// NeedsRefresh reports whether a Fetched URL is older than the TTL cutoff.
// Only Fetched URLs are eligible for refresh (resolved Open Question:
// Skipped URLs are not refreshed).
func (c *CrawlURL) NeedsRefresh(cutoff time.Time) bool {
	if c.Status != StatusFetched || c.FetchedAt == nil {
		return false
	}
	return c.FetchedAt.Before(cutoff)
}

// NextRetryDelay computes next_retry_at = now + base_retry_interval *
// backoff_mult^retry_count, capped at maxInterval.
func NextRetryDelay(retryCount int, base time.Duration, backoffMult float64, maxInterval time.Duration) time.Duration {
	d := float64(base)
	for i := 0; i < retryCount; i++ {
		d *= backoffMult
	}
	delay := time.Duration(d)
	if delay > maxInterval {
		delay = maxInterval
	}
	if delay < base {
		delay = base
	}
	return delay
}
