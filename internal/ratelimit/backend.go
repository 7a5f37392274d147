// Package ratelimit implements the adaptive per-domain rate limiting
// fabric: a pluggable persistence contract (Backend) and a domain-keyed
// adaptive controller (Limiter) built on top of it.
package ratelimit

import (
	"context"
	"time"

	"github.com/foiacquire/corpus/internal/types"
)

// Backend is the Rate-Limit Backend contract (spec §4.A). Any
// implementation — in-process map, relational table, networked KV store —
// satisfies the same operations. All operations are idempotent on retry;
// a *types.BackendError distinguishes Unavailable, Conflict (lost the
// update race, caller retries its read-modify-write), and Serialization
// failures.
type Backend interface {
	// GetOrCreate returns the current state for domain, creating it with
	// base_delay_ms as the initial delay if absent.
	GetOrCreate(ctx context.Context, domain string, baseDelayMs int64) (*types.DomainRateState, error)

	// Update performs an idempotent write of state's mutable fields.
	Update(ctx context.Context, state *types.DomainRateState) error

	// Acquire computes the wait the caller must observe before issuing its
	// next request, and atomically advances last_request_at by that wait.
	// A zero duration means "go immediately."
	Acquire(ctx context.Context, domain string, baseDelayMs int64) (time.Duration, error)

	// Record403 appends an observation to the domain's 403 window.
	Record403(ctx context.Context, domain, url string) error

	// Get403Count returns the number of unique URLs observed as 403 within
	// the last windowMs milliseconds.
	Get403Count(ctx context.Context, domain string, windowMs int64) (int, error)

	// Clear403s drops all 403 observations for domain.
	Clear403s(ctx context.Context, domain string) error

	// CleanupExpired403s prunes observations older than windowMs, returning
	// the count removed.
	CleanupExpired403s(ctx context.Context, domain string, windowMs int64) (int, error)
}
