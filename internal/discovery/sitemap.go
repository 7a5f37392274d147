package discovery

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/foiacquire/corpus/internal/config"
	"github.com/foiacquire/corpus/internal/httpclient"
	"github.com/foiacquire/corpus/internal/types"
)

// sitemapPaths are the conventional locations tried when robots.txt carries
// no Sitemap: directive.
var sitemapPaths = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemap/sitemap.xml",
	"/sitemaps/sitemap.xml",
	"/sitemap/index.xml",
}

// maxSitemaps bounds sitemap-index expansion against runaway indexes.
const maxSitemaps = 100

// SitemapDiscoverer parses robots.txt Sitemap: directives and/or the
// conventional sitemap locations, expanding sitemap indexes iteratively
// (spec §4.G).
type SitemapDiscoverer struct {
	cfg     *config.SourceConfig
	fetcher Fetcher
	logger  *slog.Logger
}

func (d *SitemapDiscoverer) Discover(ctx context.Context, sourceID string, emit func(*types.CrawlURL) error) error {
	dc := d.cfg.Discovery
	base := dc.BaseURL
	if base == "" {
		base = d.cfg.BaseURL
	}
	base = strings.TrimRight(base, "/")
	tracker := newAbortTracker()

	var allURLs []string

	robotsSitemaps, err := d.parseRobotsTxt(ctx, sourceID, base, tracker)
	if err != nil {
		if aborted, ok := err.(*ErrDiscoveryAborted); ok {
			return aborted
		}
		d.logger.Warn("sitemap discovery robots.txt fetch failed", "error", err)
	}
	for _, sitemapURL := range robotsSitemaps {
		urls, err := d.parseSitemap(ctx, sourceID, sitemapURL, tracker)
		if err != nil {
			if aborted, ok := err.(*ErrDiscoveryAborted); ok {
				return aborted
			}
			d.logger.Warn("sitemap discovery failed to parse robots-advertised sitemap", "url", sitemapURL, "error", err)
			continue
		}
		allURLs = append(allURLs, urls...)
	}

	// Try conventional locations, stopping at the first that yields results.
	for _, path := range sitemapPaths {
		urls, err := d.parseSitemap(ctx, sourceID, base+path, tracker)
		if err != nil {
			if aborted, ok := err.(*ErrDiscoveryAborted); ok {
				return aborted
			}
			continue
		}
		if len(urls) > 0 {
			allURLs = append(allURLs, urls...)
			break
		}
	}

	allURLs = dedupeSorted(allURLs)

	maxResults := dc.External.MaxSitemaps
	if maxResults <= 0 {
		maxResults = 100
	}
	if len(allURLs) > maxResults {
		allURLs = allURLs[:maxResults]
	}

	for _, u := range allURLs {
		method := "sitemap"
		if isListingURL(u) {
			method = "sitemap_listing"
		}
		cu := &types.CrawlURL{
			SourceID:        sourceID,
			URL:             u,
			DiscoveryMethod: method,
		}
		if err := emit(cu); err != nil {
			return err
		}
	}
	return nil
}

// parseRobotsTxt fetches /robots.txt and returns every Sitemap: directive
// target.
func (d *SitemapDiscoverer) parseRobotsTxt(ctx context.Context, sourceID, base string, tracker *abortTracker) ([]string, error) {
	robotsURL := base + "/robots.txt"
	result, err := d.fetcher.Get(ctx, sourceID, robotsURL, httpclient.Validators{})
	if err != nil {
		if aborted := tracker.check(sourceID, robotsURL, err); aborted != nil {
			return nil, aborted
		}
		return nil, err
	}

	var sitemaps []string
	for _, line := range strings.Split(string(result.Body), "\n") {
		line = strings.TrimSpace(line)
		if len(line) >= 8 && strings.EqualFold(line[:8], "sitemap:") {
			sitemaps = append(sitemaps, strings.TrimSpace(line[8:]))
		}
	}
	return sitemaps, nil
}

// parseSitemap fetches one sitemap URL, expanding any sitemap index files
// it encounters via a processed-set work queue capped at maxSitemaps, and
// returns every <loc> URL found across the set.
func (d *SitemapDiscoverer) parseSitemap(ctx context.Context, sourceID, url string, tracker *abortTracker) ([]string, error) {
	var allURLs []string
	pending := []string{url}
	processed := make(map[string]bool)

	for len(pending) > 0 {
		sitemapURL := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		if processed[sitemapURL] || len(processed) >= maxSitemaps {
			continue
		}
		processed[sitemapURL] = true

		result, err := d.fetcher.Get(ctx, sourceID, sitemapURL, httpclient.Validators{})
		if err != nil {
			if aborted := tracker.check(sourceID, sitemapURL, err); aborted != nil {
				return nil, aborted
			}
			d.logger.Warn("sitemap fetch failed", "url", sitemapURL, "error", err)
			continue
		}
		text := string(result.Body)

		if strings.Contains(text, "<sitemapindex") {
			for _, loc := range extractLocs(text) {
				if !processed[loc] {
					pending = append(pending, loc)
				}
			}
			continue
		}
		allURLs = append(allURLs, extractLocs(text)...)
	}

	return allURLs, nil
}

// extractLocs extracts <loc> values with a simple line-based scan rather
// than a real XML parser, mirroring the namespace-agnostic extraction the
// original crawler used (sitemaps' namespace prefixes trip up strict XML
// parsers more often than they help).
func extractLocs(xml string) []string {
	var locs []string
	for _, line := range strings.Split(xml, "\n") {
		line = strings.TrimSpace(line)
		start := strings.Index(line, "<loc>")
		if start < 0 {
			continue
		}
		end := strings.Index(line, "</loc>")
		if end < 0 {
			continue
		}
		contentStart := start + len("<loc>")
		if end <= contentStart {
			continue
		}
		loc := unescapeXMLEntities(line[contentStart:end])
		if loc != "" {
			locs = append(locs, loc)
		}
	}
	return locs
}

func unescapeXMLEntities(s string) string {
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", "\"")
	s = strings.ReplaceAll(s, "&apos;", "'")
	return s
}

func dedupeSorted(urls []string) []string {
	sort.Strings(urls)
	out := urls[:0]
	var last string
	seen := false
	for _, u := range urls {
		if seen && u == last {
			continue
		}
		out = append(out, u)
		last = u
		seen = true
	}
	return out
}
