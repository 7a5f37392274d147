package discovery

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"

	"github.com/foiacquire/corpus/internal/config"
	"github.com/foiacquire/corpus/internal/httpclient"
	"github.com/foiacquire/corpus/internal/types"
)

// maxPagesPerRun is the hard cap on pages crawled per HTML BFS run (spec
// §4.G: "a hard cap on pages crawled per run"), independent of max_depth.
const maxPagesPerRun = 20000

// HTMLDiscoverer implements the HTML BFS variant: seed from start_paths,
// maintain a visited set and frontier, classify each link as a document
// (emitted) or a page (enqueued), bounded by max_depth and a hard page cap.
type HTMLDiscoverer struct {
	cfg     *config.SourceConfig
	fetcher Fetcher
	browser BrowserFetcher
	logger  *slog.Logger
}

type frontierEntry struct {
	url   string
	depth int
}

func (d *HTMLDiscoverer) Discover(ctx context.Context, sourceID string, emit func(*types.CrawlURL) error) error {
	dc := d.cfg.Discovery
	base := dc.BaseURL
	if base == "" {
		base = d.cfg.BaseURL
	}
	rootURL, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("html discovery: invalid base_url %q: %w", base, err)
	}

	docPatterns, err := compilePatterns(dc.DocumentPatterns)
	if err != nil {
		return err
	}

	// config.DefaultSourceConfig already seeds MaxDepth=10; an explicit 0
	// here means "seeds only" (spec §4.G boundary behavior), so it is
	// trusted as-is rather than re-defaulted.
	maxDepth := dc.MaxDepth

	var frontier []frontierEntry
	startPaths := dc.StartPaths
	if len(startPaths) == 0 {
		startPaths = []string{"/"}
	}
	for _, p := range startPaths {
		u, err := url.Parse(p)
		if err != nil {
			continue
		}
		frontier = append(frontier, frontierEntry{url: rootURL.ResolveReference(u).String(), depth: 0})
	}

	visited := make(map[string]bool)
	tracker := newAbortTracker()
	pagesCrawled := 0

	for len(frontier) > 0 {
		entry := frontier[0]
		frontier = frontier[1:]

		if visited[entry.url] {
			continue
		}
		visited[entry.url] = true

		if entry.depth > maxDepth {
			continue
		}
		if pagesCrawled >= maxPagesPerRun {
			d.logger.Warn("html discovery hit page cap", "source", sourceID, "cap", maxPagesPerRun)
			break
		}
		pagesCrawled++

		result, err := d.fetchPage(ctx, sourceID, entry.url)
		if err != nil {
			if aborted := tracker.check(sourceID, entry.url, err); aborted != nil {
				return aborted
			}
			d.logger.Warn("html discovery page fetch failed", "url", entry.url, "error", err)
			continue
		}

		doc, err := result.Document()
		if err != nil {
			d.logger.Warn("html discovery parse failed", "url", entry.url, "error", err)
			continue
		}

		links := d.extractLinks(doc, result.Body, entry.url)
		for _, link := range links {
			linkURL, err := url.Parse(link)
			if err != nil || !hostAllowed(linkURL.Host, rootURL.Host) {
				continue
			}
			if visited[link] {
				continue
			}

			if matchesAny(docPatterns, link) {
				cu := &types.CrawlURL{
					SourceID:        sourceID,
					URL:             link,
					DiscoveryMethod: "html_crawl",
					ParentURL:       entry.url,
					Depth:           entry.depth + 1,
				}
				if err := emit(cu); err != nil {
					return err
				}
				continue
			}

			if entry.depth+1 <= maxDepth {
				frontier = append(frontier, frontierEntry{url: link, depth: entry.depth + 1})
			}
		}
	}

	return nil
}

func (d *HTMLDiscoverer) fetchPage(ctx context.Context, sourceID, rawURL string) (*types.FetchResult, error) {
	if d.cfg.Discovery.UseBrowser {
		if d.browser == nil {
			return nil, types.ErrNoBrowserEndpoints
		}
		return d.browser.Fetch(ctx, rawURL)
	}
	return d.fetcher.Get(ctx, sourceID, rawURL, httpclient.Validators{})
}

// extractLinks pulls every <a href> under document_links selectors (or the
// whole document if unset), resolving and filtering per spec §4.G, then
// folds in whatever discovery.levels XPath expressions additionally match
// (a source config reaching for structure CSS selectors can't express).
func (d *HTMLDiscoverer) extractLinks(doc *goquery.Document, body []byte, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	var scope *goquery.Selection
	if sels := d.cfg.Discovery.DocumentLinks; len(sels) > 0 {
		scope = doc.Find(joinSelectors(sels))
	} else {
		scope = doc.Selection
	}

	var links []string
	scope.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		resolved, ok := resolveLink(base, href)
		if !ok {
			return
		}
		links = append(links, resolved)
	})

	if len(d.cfg.Discovery.Levels) > 0 {
		links = append(links, d.extractXPathLinks(body, base)...)
	}
	return links
}

// extractXPathLinks evaluates each discovery.levels entry as an XPath
// expression against the raw page body, collecting the href attribute of
// each matched node; a matched node without an href (such as a container
// around an anchor) contributes nothing.
func (d *HTMLDiscoverer) extractXPathLinks(body []byte, base *url.URL) []string {
	root, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		d.logger.Warn("xpath discovery parse failed", "url", base.String(), "error", err)
		return nil
	}

	var links []string
	for _, expr := range d.cfg.Discovery.Levels {
		nodes, err := htmlquery.QueryAll(root, expr)
		if err != nil {
			d.logger.Warn("xpath discovery bad expression", "xpath", expr, "error", err)
			continue
		}
		for _, n := range nodes {
			href := htmlquery.SelectAttr(n, "href")
			if href == "" {
				continue
			}
			resolved, ok := resolveLink(base, href)
			if !ok {
				continue
			}
			links = append(links, resolved)
		}
	}
	return links
}

func joinSelectors(sels []string) string {
	out := sels[0]
	for _, s := range sels[1:] {
		out += ", " + s
	}
	return out
}
