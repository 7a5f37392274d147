// Package discovery implements the Discovery Engine (spec §4.G): source-
// config-driven URL producers (HTML BFS, API paged/cursor/nested,
// sitemap/robots.txt), each emitting newly found URLs through the Fetch
// Pipeline's Discoverer interface.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/foiacquire/corpus/internal/config"
	"github.com/foiacquire/corpus/internal/httpclient"
	"github.com/foiacquire/corpus/internal/types"
)

// Fetcher is the narrow HTTP Client surface a Discoverer needs.
type Fetcher interface {
	Get(ctx context.Context, sourceID, rawURL string, v httpclient.Validators) (*types.FetchResult, error)
}

// BrowserFetcher is the narrow Browser Pool surface a Discoverer needs.
type BrowserFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*types.FetchResult, error)
}

// Discoverer matches the Fetch Pipeline's expected contract: produce newly
// discovered URLs through emit, returning an error only for conditions
// that should abort the rest of the source's discovery (spec §4.G).
type Discoverer interface {
	Discover(ctx context.Context, sourceID string, emit func(*types.CrawlURL) error) error
}

// ErrDiscoveryAborted wraps the rate-limit/WAF condition that forced a
// Discoverer to stop early, per spec §4.G's "must abort ... never
// silently truncate" requirement.
type ErrDiscoveryAborted struct {
	Source string
	Reason string
	Err    error
}

func (e *ErrDiscoveryAborted) Error() string {
	return fmt.Sprintf("discovery aborted for source %s (%s): %v", e.Source, e.Reason, e.Err)
}

func (e *ErrDiscoveryAborted) Unwrap() error { return e.Err }

// forbiddenThreshold mirrors ratelimit.Config's default ForbiddenThreshold:
// a discoverer that sees this many 403s against one host within a single
// run treats it as a confirmed WAF pattern and aborts remaining pages.
const forbiddenThreshold = 3

// abortTracker counts per-host 403s seen during one Discover call and
// classifies fetch errors into "keep going" vs "abort this source run".
type abortTracker struct {
	forbiddenByHost map[string]int
}

func newAbortTracker() *abortTracker {
	return &abortTracker{forbiddenByHost: make(map[string]int)}
}

// check inspects a fetch error and returns a non-nil *ErrDiscoveryAborted
// if the discoverer must stop. A 429/503 aborts immediately; a 403 aborts
// once forbiddenThreshold is reached for that host.
func (t *abortTracker) check(sourceID, rawURL string, err error) error {
	var statusErr *types.HTTPStatusError
	if !errors.As(err, &statusErr) {
		return nil
	}
	if statusErr.RateLimited() {
		return &ErrDiscoveryAborted{Source: sourceID, Reason: "rate limited", Err: statusErr}
	}
	if statusErr.Forbidden() {
		host := hostOf(rawURL)
		t.forbiddenByHost[host]++
		if t.forbiddenByHost[host] >= forbiddenThreshold {
			return &ErrDiscoveryAborted{Source: sourceID, Reason: "confirmed WAF 403 pattern", Err: statusErr}
		}
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

// New builds the Discoverer named by cfg.Discovery.Type.
func New(cfg *config.SourceConfig, fetcher Fetcher, browser BrowserFetcher, logger *slog.Logger) (Discoverer, error) {
	log := logger.With("component", "discovery", "type", cfg.Discovery.Type)
	switch cfg.Discovery.Type {
	case config.DiscoveryHTMLCrawl:
		return &HTMLDiscoverer{cfg: cfg, fetcher: fetcher, browser: browser, logger: log}, nil
	case config.DiscoveryAPIPaginated, config.DiscoveryAPICursor, config.DiscoveryAPINested:
		return &APIDiscoverer{cfg: cfg, fetcher: fetcher, logger: log}, nil
	case config.DiscoverySitemap:
		return &SitemapDiscoverer{cfg: cfg, fetcher: fetcher, logger: log}, nil
	default:
		return nil, fmt.Errorf("discovery: unrecognized discovery.type %q", cfg.Discovery.Type)
	}
}

// isListingURL applies the teacher/original's path-shape heuristic:
// trailing slash, or a directory-index filename, suggests a page of links
// rather than a document itself.
func isListingURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := u.Path
	if path == "" || strings.HasSuffix(path, "/") {
		return true
	}
	base := path[strings.LastIndex(path, "/")+1:]
	switch strings.ToLower(base) {
	case "index.html", "index.htm", "index.php":
		return true
	}
	return false
}

// matchesAny reports whether rawURL matches any of the given compiled
// document-pattern regexes.
func matchesAny(patterns []*regexp.Regexp, rawURL string) bool {
	for _, p := range patterns {
		if p.MatchString(rawURL) {
			return true
		}
	}
	return false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("discovery: invalid document_patterns regex %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// hostAllowed implements spec §4.G's HTML BFS host rule: accept if host
// equals current host or ends with the root allowed domain.
func hostAllowed(candidateHost, rootHost string) bool {
	if candidateHost == rootHost {
		return true
	}
	return strings.HasSuffix(candidateHost, "."+rootHost)
}

// resolveLink resolves href against base, rejecting javascript/mailto/tel
// schemes, fragment-only links, and empty hrefs (spec §4.G).
func resolveLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	switch {
	case strings.HasPrefix(href, "javascript:"),
		strings.HasPrefix(href, "mailto:"),
		strings.HasPrefix(href, "tel:"):
		return "", false
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(u)
	resolved.Fragment = ""
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	return resolved.String(), true
}
