package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foiacquire/corpus/internal/types"
)

// PostgresBackend is the relational Backend implementation. It assumes
// two tables owned by an external migration system (out of scope per
// spec.md §1):
//
//	domain_rate_state(domain text primary key, current_delay_ms bigint,
//	  last_request_at timestamptz, consecutive_successes int,
//	  in_backoff bool, total_requests bigint, rate_limit_hits bigint)
//	domain_403_observations(domain text, url text, observed_at timestamptz)
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend wraps an already-constructed pool. The pool's
// lifecycle belongs to the caller.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

func (b *PostgresBackend) GetOrCreate(ctx context.Context, domain string, baseDelayMs int64) (*types.DomainRateState, error) {
	const upsert = `
		INSERT INTO domain_rate_state (domain, current_delay_ms, last_request_at, consecutive_successes, in_backoff, total_requests, rate_limit_hits)
		VALUES ($1, $2, now(), 0, false, 0, 0)
		ON CONFLICT (domain) DO NOTHING`
	if _, err := b.pool.Exec(ctx, upsert, domain, baseDelayMs); err != nil {
		return nil, &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}

	const sel = `
		SELECT domain, current_delay_ms, last_request_at, consecutive_successes, in_backoff, total_requests, rate_limit_hits
		FROM domain_rate_state WHERE domain = $1`
	row := b.pool.QueryRow(ctx, sel, domain)

	var s types.DomainRateState
	if err := row.Scan(&s.Domain, &s.CurrentDelayMs, &s.LastRequestAt, &s.ConsecutiveSuccesses, &s.InBackoff, &s.TotalRequests, &s.RateLimitHits); err != nil {
		return nil, &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}
	return &s, nil
}

func (b *PostgresBackend) Update(ctx context.Context, state *types.DomainRateState) error {
	const q = `
		UPDATE domain_rate_state
		SET current_delay_ms = $2, last_request_at = $3, consecutive_successes = $4,
		    in_backoff = $5, total_requests = $6, rate_limit_hits = $7
		WHERE domain = $1`
	tag, err := b.pool.Exec(ctx, q, state.Domain, state.CurrentDelayMs, state.LastRequestAt,
		state.ConsecutiveSuccesses, state.InBackoff, state.TotalRequests, state.RateLimitHits)
	if err != nil {
		return &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &types.BackendError{Kind: types.BackendConflict, Err: errors.New("domain row missing on update")}
	}
	return nil
}

// Acquire uses SELECT ... FOR UPDATE to serialize concurrent acquirers on
// the same domain row, then advances last_request_at within the same
// transaction — the relational analogue of the in-memory mutex section.
func (b *PostgresBackend) Acquire(ctx context.Context, domain string, baseDelayMs int64) (time.Duration, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}
	defer tx.Rollback(ctx)

	const upsert = `
		INSERT INTO domain_rate_state (domain, current_delay_ms, last_request_at, consecutive_successes, in_backoff, total_requests, rate_limit_hits)
		VALUES ($1, $2, 'epoch', 0, false, 0, 0)
		ON CONFLICT (domain) DO NOTHING`
	if _, err := tx.Exec(ctx, upsert, domain, baseDelayMs); err != nil {
		return 0, &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}

	var delayMs int64
	var lastRequestAt time.Time
	const sel = `SELECT current_delay_ms, last_request_at FROM domain_rate_state WHERE domain = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, sel, domain).Scan(&delayMs, &lastRequestAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &types.BackendError{Kind: types.BackendConflict, Err: err}
		}
		return 0, &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}

	now := time.Now()
	delay := time.Duration(delayMs) * time.Millisecond
	nextAllowed := lastRequestAt.Add(delay)

	var wait time.Duration
	var newLast time.Time
	if lastRequestAt.IsZero() || lastRequestAt.Unix() == 0 || !now.Before(nextAllowed) {
		wait = 0
		newLast = now
	} else {
		wait = nextAllowed.Sub(now)
		newLast = nextAllowed
	}

	const upd = `UPDATE domain_rate_state SET last_request_at = $2, total_requests = total_requests + 1 WHERE domain = $1`
	if _, err := tx.Exec(ctx, upd, domain, newLast); err != nil {
		return 0, &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}
	return wait, nil
}

func (b *PostgresBackend) Record403(ctx context.Context, domain, url string) error {
	const q = `INSERT INTO domain_403_observations (domain, url, observed_at) VALUES ($1, $2, now())`
	if _, err := b.pool.Exec(ctx, q, domain, url); err != nil {
		return &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}
	return nil
}

func (b *PostgresBackend) Get403Count(ctx context.Context, domain string, windowMs int64) (int, error) {
	const q = `
		SELECT COUNT(DISTINCT url) FROM domain_403_observations
		WHERE domain = $1 AND observed_at >= now() - ($2 * interval '1 millisecond')`
	var count int
	if err := b.pool.QueryRow(ctx, q, domain, windowMs).Scan(&count); err != nil {
		return 0, &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}
	return count, nil
}

func (b *PostgresBackend) Clear403s(ctx context.Context, domain string) error {
	const q = `DELETE FROM domain_403_observations WHERE domain = $1`
	if _, err := b.pool.Exec(ctx, q, domain); err != nil {
		return &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}
	return nil
}

func (b *PostgresBackend) CleanupExpired403s(ctx context.Context, domain string, windowMs int64) (int, error) {
	const q = `
		DELETE FROM domain_403_observations
		WHERE domain = $1 AND observed_at < now() - ($2 * interval '1 millisecond')`
	tag, err := b.pool.Exec(ctx, q, domain, windowMs)
	if err != nil {
		return 0, &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}
	return int(tag.RowsAffected()), nil
}
