// Package crawlstore implements the Crawl Store: the URL queue, the
// append-only request log, and crawl-state/config-change bookkeeping.
package crawlstore

import (
	"context"
	"time"

	"github.com/foiacquire/corpus/internal/contentstore"
	"github.com/foiacquire/corpus/internal/types"
)

// Store is the Crawl Store contract (spec §4.E). It also satisfies
// contentstore.DocumentRegistry so the Content Store can look up and
// mutate Document/DocumentVersion rows directly.
type Store interface {
	contentstore.DocumentRegistry

	// AddURL inserts a new CrawlURL, returning false (no error) if one
	// already exists for (source_id, url) — idempotent per spec.
	AddURL(ctx context.Context, u *types.CrawlURL) (bool, error)

	// GetPending returns up to limit Pending URLs in FIFO order over
	// discovered_at.
	GetPending(ctx context.Context, sourceID string, limit int) ([]*types.CrawlURL, error)

	// ClaimPending atomically transitions one Pending URL to Fetching and
	// returns it, or nil if none is available. Must guarantee at-most-one
	// caller receives a given URL under concurrent claims.
	ClaimPending(ctx context.Context, sourceID string) (*types.CrawlURL, error)

	// GetRetryable returns Failed URLs with retry_count < max and
	// next_retry_at <= now.
	GetRetryable(ctx context.Context, sourceID string, maxRetries, limit int) ([]*types.CrawlURL, error)

	// GetNeedingRefresh returns Fetched URLs whose fetched_at < cutoff.
	GetNeedingRefresh(ctx context.Context, sourceID string, cutoff time.Time, limit int) ([]*types.CrawlURL, error)

	// MarkForRefresh transitions a Fetched URL back to Pending, preserving
	// its validators for conditional GET.
	MarkForRefresh(ctx context.Context, sourceID, url string) error

	// UpdateURL writes back a CrawlURL after a lifecycle transition.
	UpdateURL(ctx context.Context, u *types.CrawlURL) error

	// LogRequest appends one row to the request log.
	LogRequest(ctx context.Context, req *types.CrawlRequest) error

	// CheckConfigChanged reports whether the stored config hash for
	// sourceID differs from hash. Does not persist; callers call
	// StoreConfigHash themselves when they act on a change.
	CheckConfigChanged(ctx context.Context, sourceID, hash string) (bool, error)

	// StoreConfigHash persists the new effective config hash.
	StoreConfigHash(ctx context.Context, sourceID, hash string) error
}
