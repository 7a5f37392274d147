package httpclient

import (
	"net/http"
	"testing"
	"time"
)

func TestResolveViaTargetStrictNeverRewrites(t *testing.T) {
	via := map[string]string{"old.example.com": "https://new.example.com"}
	target, fallback := resolveViaTarget("https://old.example.com/doc", via, ViaStrict)
	if target != "https://old.example.com/doc" {
		t.Errorf("strict mode rewrote target: %s", target)
	}
	if fallback != "" {
		t.Errorf("strict mode should never set a fallback, got %q", fallback)
	}
}

func TestResolveViaTargetFallbackIssuesOriginalFirst(t *testing.T) {
	via := map[string]string{"old.example.com": "https://new.example.com"}
	target, fallback := resolveViaTarget("https://old.example.com/doc", via, ViaFallback)
	if target != "https://old.example.com/doc" {
		t.Errorf("fallback mode should issue original first, got %s", target)
	}
	if fallback != "https://new.example.com/doc" {
		t.Errorf("fallback mode should rewrite host+scheme for retry, got %s", fallback)
	}
}

func TestResolveViaTargetPriorityIssuesRewrittenFirst(t *testing.T) {
	via := map[string]string{"old.example.com": "https://new.example.com"}
	target, fallback := resolveViaTarget("https://old.example.com/doc", via, ViaPriority)
	if target != "https://new.example.com/doc" {
		t.Errorf("priority mode should issue rewritten first, got %s", target)
	}
	if fallback != "https://old.example.com/doc" {
		t.Errorf("priority mode should fall back to original, got %s", fallback)
	}
}

func TestResolveViaTargetNoMappingLeavesURLAlone(t *testing.T) {
	target, fallback := resolveViaTarget("https://unmapped.example.com/doc", map[string]string{"old.example.com": "https://new.example.com"}, ViaPriority)
	if target != "https://unmapped.example.com/doc" || fallback != "" {
		t.Errorf("unmapped host should be untouched, got target=%s fallback=%s", target, fallback)
	}
}

func TestParseRetryAfterSecondsCappedAt120(t *testing.T) {
	if d := ParseRetryAfter("30"); d != 30*time.Second {
		t.Errorf("expected 30s, got %v", d)
	}
	if d := ParseRetryAfter("999"); d != 120*time.Second {
		t.Errorf("expected cap at 120s, got %v", d)
	}
}

func TestParseRetryAfterHTTPDateCappedAt2Minutes(t *testing.T) {
	future := time.Now().Add(10 * time.Minute).UTC().Format(http.TimeFormat)
	if d := ParseRetryAfter(future); d > 2*time.Minute {
		t.Errorf("expected cap at 2 minutes, got %v", d)
	}
}

func TestParseRetryAfterUnparsableReturnsZero(t *testing.T) {
	if d := ParseRetryAfter("not-a-date"); d != 0 {
		t.Errorf("expected 0 for unparsable header, got %v", d)
	}
}

func TestFilenameFromContentDispositionExtendedForm(t *testing.T) {
	name := FilenameFromContentDisposition(`attachment; filename="report.pdf"; filename*=UTF-8''report%20final.pdf`)
	if name != "report final.pdf" {
		t.Errorf("expected extended filename to win, got %q", name)
	}
}

func TestFilenameFromContentDispositionPlainForm(t *testing.T) {
	name := FilenameFromContentDisposition(`attachment; filename="report.pdf"`)
	if name != "report.pdf" {
		t.Errorf("expected plain filename, got %q", name)
	}
}

func TestFilenameFromContentDispositionAbsent(t *testing.T) {
	if name := FilenameFromContentDisposition(""); name != "" {
		t.Errorf("expected empty filename, got %q", name)
	}
}

func TestParseServerDateRoundTrip(t *testing.T) {
	raw := "Tue, 15 Nov 1994 08:12:31 GMT"
	got, ok := ParseServerDate(raw)
	if !ok {
		t.Fatalf("expected ParseServerDate to succeed on a valid RFC1123 date")
	}
	if got.Location() != time.UTC {
		t.Errorf("expected UTC location, got %v", got.Location())
	}
}

func TestParseServerDateUnparsable(t *testing.T) {
	if _, ok := ParseServerDate("nonsense"); ok {
		t.Errorf("expected ok=false for an unparsable date")
	}
}
