package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAcquireImmediateOnFirstCall(t *testing.T) {
	l := New(NewMemoryBackend(), DefaultConfig(), testLogger())
	start := time.Now()
	if _, err := l.Acquire(context.Background(), "https://example.com/a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("expected immediate first acquire, took %v", time.Since(start))
	}
}

func TestRateLimitedIncreasesDelay(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryBackend(), DefaultConfig(), testLogger())

	before, err := l.Stats(ctx, "example.com")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}

	if err := l.RecordRateLimited(ctx, "example.com"); err != nil {
		t.Fatalf("record rate limited: %v", err)
	}

	after, err := l.Stats(ctx, "example.com")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}

	want := int64(float64(before.CurrentDelayMs) * DefaultConfig().BackoffMultiplier)
	if after.CurrentDelayMs != want {
		t.Errorf("current_delay_ms = %d, want %d", after.CurrentDelayMs, want)
	}
	if !after.InBackoff {
		t.Errorf("expected in_backoff = true after rate limit")
	}
}

func TestRecoveryDecaysDelayAfterThreshold(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	l := New(NewMemoryBackend(), cfg, testLogger())

	if err := l.RecordRateLimited(ctx, "example.com"); err != nil {
		t.Fatalf("record rate limited: %v", err)
	}
	boosted, _ := l.Stats(ctx, "example.com")

	for i := 0; i < cfg.RecoveryThreshold; i++ {
		if err := l.RecordSuccess(ctx, "example.com"); err != nil {
			t.Fatalf("record success %d: %v", i, err)
		}
	}

	after, _ := l.Stats(ctx, "example.com")
	if after.CurrentDelayMs >= boosted.CurrentDelayMs {
		t.Errorf("expected delay to decay below %d after %d successes, got %d",
			boosted.CurrentDelayMs, cfg.RecoveryThreshold, after.CurrentDelayMs)
	}
}

func TestSingle403DoesNotEscalate(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryBackend(), DefaultConfig(), testLogger())

	before, _ := l.Stats(ctx, "example.com")
	escalated, err := l.Record403(ctx, "example.com", "https://example.com/u1")
	if err != nil {
		t.Fatalf("record 403: %v", err)
	}
	if escalated {
		t.Errorf("single 403 must not escalate")
	}
	after, _ := l.Stats(ctx, "example.com")
	if after.CurrentDelayMs != before.CurrentDelayMs {
		t.Errorf("single 403 must not change pacing: before=%d after=%d", before.CurrentDelayMs, after.CurrentDelayMs)
	}
}

func TestThreeUnique403sEscalate(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryBackend(), DefaultConfig(), testLogger())

	var escalated bool
	for i, u := range []string{"https://example.com/u1", "https://example.com/u2", "https://example.com/u3"} {
		var err error
		escalated, err = l.Record403(ctx, "example.com", u)
		if err != nil {
			t.Fatalf("record 403 #%d: %v", i, err)
		}
	}
	if !escalated {
		t.Errorf("3 unique 403s within window must escalate to rate-limit backoff")
	}

	after, _ := l.Stats(ctx, "example.com")
	if !after.InBackoff {
		t.Errorf("expected in_backoff after 403 pattern escalation")
	}
}

func TestRepeated403OnSameURLDoesNotEscalate(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryBackend(), DefaultConfig(), testLogger())

	var escalated bool
	for i := 0; i < 5; i++ {
		var err error
		escalated, err = l.Record403(ctx, "example.com", "https://example.com/same")
		if err != nil {
			t.Fatalf("record 403 #%d: %v", i, err)
		}
	}
	if escalated {
		t.Errorf("repeated 403s on one URL must not count as unique-URL pattern")
	}
}
