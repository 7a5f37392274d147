package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/foiacquire/corpus/internal/types"
)

// MemoryBackend is an in-process map implementation of Backend.
// Single-process only — it does not coordinate across independent
// instances of this program, unlike the Postgres and Redis backends.
type MemoryBackend struct {
	mu     sync.Mutex
	states map[string]*types.DomainRateState
}

// NewMemoryBackend constructs an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{states: make(map[string]*types.DomainRateState)}
}

func (b *MemoryBackend) getLocked(domain string, baseDelayMs int64) *types.DomainRateState {
	s, ok := b.states[domain]
	if !ok {
		s = &types.DomainRateState{
			Domain:         domain,
			CurrentDelayMs: baseDelayMs,
		}
		b.states[domain] = s
	}
	return s
}

func (b *MemoryBackend) GetOrCreate(_ context.Context, domain string, baseDelayMs int64) (*types.DomainRateState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getLocked(domain, baseDelayMs)
	cp := *s
	cp.Recent403s = append([]types.Forbidden403(nil), s.Recent403s...)
	return &cp, nil
}

func (b *MemoryBackend) Update(_ context.Context, state *types.DomainRateState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *state
	cp.Recent403s = append([]types.Forbidden403(nil), state.Recent403s...)
	b.states[state.Domain] = &cp
	return nil
}

// Acquire advances last_request_at by the domain's current delay and
// returns how long the caller must wait. Concurrent callers serialize on
// the backend's mutex, so each sees a wait that already accounts for
// prior reservations.
func (b *MemoryBackend) Acquire(_ context.Context, domain string, baseDelayMs int64) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getLocked(domain, baseDelayMs)

	now := time.Now()
	delay := time.Duration(s.CurrentDelayMs) * time.Millisecond

	var wait time.Duration
	nextAllowed := s.LastRequestAt.Add(delay)
	if s.LastRequestAt.IsZero() || !now.Before(nextAllowed) {
		wait = 0
		s.LastRequestAt = now
	} else {
		wait = nextAllowed.Sub(now)
		s.LastRequestAt = nextAllowed
	}
	s.TotalRequests++
	return wait, nil
}

func (b *MemoryBackend) Record403(_ context.Context, domain, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getLocked(domain, 0)
	s.Recent403s = append(s.Recent403s, types.Forbidden403{At: time.Now(), URL: url})
	return nil
}

func (b *MemoryBackend) Get403Count(_ context.Context, domain string, windowMs int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[domain]
	if !ok {
		return 0, nil
	}
	return s.Unique403Count(time.Duration(windowMs)*time.Millisecond, time.Now()), nil
}

func (b *MemoryBackend) Clear403s(_ context.Context, domain string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.states[domain]; ok {
		s.Recent403s = nil
	}
	return nil
}

func (b *MemoryBackend) CleanupExpired403s(_ context.Context, domain string, windowMs int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[domain]
	if !ok {
		return 0, nil
	}
	return s.PruneExpired403s(time.Duration(windowMs)*time.Millisecond, time.Now()), nil
}
