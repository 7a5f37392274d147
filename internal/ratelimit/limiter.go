package ratelimit

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/foiacquire/corpus/internal/types"
)

// Config holds the Limiter's tunables (spec §4.B). BackoffMultiplier is
// typically 2.0, RecoveryMultiplier typically 0.75.
type Config struct {
	BaseDelay          time.Duration
	MinDelay           time.Duration
	MaxDelay           time.Duration
	BackoffMultiplier  float64
	RecoveryMultiplier float64
	RecoveryThreshold  int
	ForbiddenThreshold int
	ForbiddenWindow    time.Duration
}

// DefaultConfig mirrors the original implementation's defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:          1 * time.Second,
		MinDelay:           200 * time.Millisecond,
		MaxDelay:           60 * time.Second,
		BackoffMultiplier:  2.0,
		RecoveryMultiplier: 0.75,
		RecoveryThreshold:  3,
		ForbiddenThreshold: 3,
		ForbiddenWindow:    60 * time.Second,
	}
}

// Limiter is the domain-keyed adaptive rate limiter sitting atop a
// Backend. Multiple concurrent Acquire calls on the same domain serialize
// at the backend; each sees a wait that already accounts for prior
// reservations.
type Limiter struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
}

// New constructs a Limiter bound to backend.
func New(backend Backend, cfg Config, logger *slog.Logger) *Limiter {
	return &Limiter{backend: backend, cfg: cfg, logger: logger.With("component", "rate_limiter")}
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}

// Acquire parses the domain from rawURL, asks the backend for the wait
// duration, sleeps that long (honoring ctx cancellation), and returns the
// domain token for subsequent feedback calls.
func (l *Limiter) Acquire(ctx context.Context, rawURL string) (string, error) {
	domain := domainOf(rawURL)
	wait, err := l.backend.Acquire(ctx, domain, l.cfg.BaseDelay.Milliseconds())
	if err != nil {
		return domain, err
	}
	if wait <= 0 {
		return domain, nil
	}
	l.logger.Debug("rate limit wait", "domain", domain, "wait", wait)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return domain, ctx.Err()
	case <-t.C:
		return domain, nil
	}
}

// RecordSuccess applies the Success feedback rule: consecutive_successes
// increments; once recovery_threshold is met while in_backoff, delay
// decays by recovery_multiplier, floored at min_delay — the original's
// exact clamp, confirmed by domain_state.rs — before in_backoff clears
// once the decayed delay is back down at or below base_delay. The 403
// window is cleared regardless.
func (l *Limiter) RecordSuccess(ctx context.Context, domain string) error {
	s, err := l.backend.GetOrCreate(ctx, domain, l.cfg.BaseDelay.Milliseconds())
	if err != nil {
		return err
	}
	s.ConsecutiveSuccesses++
	if s.InBackoff && s.ConsecutiveSuccesses >= l.cfg.RecoveryThreshold {
		newDelay := time.Duration(float64(s.CurrentDelayMs)*l.cfg.RecoveryMultiplier) * time.Millisecond
		if newDelay < l.cfg.MinDelay {
			newDelay = l.cfg.MinDelay
		}
		s.CurrentDelayMs = newDelay.Milliseconds()
		if newDelay <= l.cfg.BaseDelay {
			s.InBackoff = false
		}
	}
	s.Recent403s = nil
	if err := l.backend.Update(ctx, s); err != nil {
		return err
	}
	return l.backend.Clear403s(ctx, domain)
}

// RecordRateLimited applies the Rate-limit feedback rule (429/503, or any
// status accompanied by a Retry-After header — Retry-After always
// escalates regardless of current backoff state, the resolved Open
// Question).
func (l *Limiter) RecordRateLimited(ctx context.Context, domain string) error {
	s, err := l.backend.GetOrCreate(ctx, domain, l.cfg.BaseDelay.Milliseconds())
	if err != nil {
		return err
	}
	newDelay := time.Duration(float64(s.CurrentDelayMs)*l.cfg.BackoffMultiplier) * time.Millisecond
	if newDelay > l.cfg.MaxDelay {
		newDelay = l.cfg.MaxDelay
	}
	s.CurrentDelayMs = newDelay.Milliseconds()
	s.InBackoff = true
	s.RateLimitHits++
	s.ConsecutiveSuccesses = 0
	s.Recent403s = nil
	return l.backend.Update(ctx, s)
}

// RecordServerError applies the mild-backoff rule for 5xx other than 503:
// delay *= 1.5, capped; in_backoff is not flipped.
func (l *Limiter) RecordServerError(ctx context.Context, domain string) error {
	s, err := l.backend.GetOrCreate(ctx, domain, l.cfg.BaseDelay.Milliseconds())
	if err != nil {
		return err
	}
	newDelay := time.Duration(float64(s.CurrentDelayMs)*1.5) * time.Millisecond
	if newDelay > l.cfg.MaxDelay {
		newDelay = l.cfg.MaxDelay
	}
	s.CurrentDelayMs = newDelay.Milliseconds()
	return l.backend.Update(ctx, s)
}

// Record403 appends the URL to the domain's 403 window, then checks
// whether the unique-URL count within ForbiddenWindow has reached
// ForbiddenThreshold. If so it escalates exactly as RecordRateLimited;
// otherwise a lone 403 is access-control noise and pacing is untouched.
func (l *Limiter) Record403(ctx context.Context, domain, url string) (escalated bool, err error) {
	if err := l.backend.Record403(ctx, domain, url); err != nil {
		return false, err
	}
	count, err := l.backend.Get403Count(ctx, domain, l.cfg.ForbiddenWindow.Milliseconds())
	if err != nil {
		return false, err
	}
	if count >= l.cfg.ForbiddenThreshold {
		if err := l.RecordRateLimited(ctx, domain); err != nil {
			return false, err
		}
		if err := l.backend.Clear403s(ctx, domain); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

// CleanupExpired403s prunes 403 observations for domain that are older
// than ForbiddenWindow. Nothing in this module calls it on a schedule.
func (l *Limiter) CleanupExpired403s(ctx context.Context, domain string) (int, error) {
	return l.backend.CleanupExpired403s(ctx, domain, l.cfg.ForbiddenWindow.Milliseconds())
}

// Stats returns a snapshot of the domain's current state for observability.
func (l *Limiter) Stats(ctx context.Context, domain string) (*types.DomainRateState, error) {
	return l.backend.GetOrCreate(ctx, domain, l.cfg.BaseDelay.Milliseconds())
}
