package discovery

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/foiacquire/corpus/internal/config"
	"github.com/foiacquire/corpus/internal/httpclient"
	"github.com/foiacquire/corpus/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFetcher struct {
	pages map[string]string // url -> html body
	err   map[string]error
}

func (f *fakeFetcher) Get(ctx context.Context, sourceID, rawURL string, v httpclient.Validators) (*types.FetchResult, error) {
	if err, ok := f.err[rawURL]; ok {
		return nil, err
	}
	body, ok := f.pages[rawURL]
	if !ok {
		return nil, &types.HTTPStatusError{URL: rawURL, StatusCode: 404}
	}
	return &types.FetchResult{URL: rawURL, StatusCode: 200, Body: []byte(body)}, nil
}

func TestHTMLDiscovererClassifiesDocumentsAndFollowsPages(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://example.gov/": `<html><body>
			<a href="/documents/report1.pdf">report 1</a>
			<a href="/foia/reading-room/">reading room</a>
		</body></html>`,
		"https://example.gov/foia/reading-room/": `<html><body>
			<a href="/documents/report2.pdf">report 2</a>
		</body></html>`,
	}}

	cfg := &config.SourceConfig{
		BaseURL: "https://example.gov",
		Discovery: config.DiscoveryConfig{
			Type:             config.DiscoveryHTMLCrawl,
			DocumentPatterns: []string{`\.pdf$`},
			MaxDepth:         10,
		},
	}
	d := &HTMLDiscoverer{cfg: cfg, fetcher: fetcher, logger: testLogger()}

	var emitted []*types.CrawlURL
	err := d.Discover(context.Background(), "src", func(u *types.CrawlURL) error {
		emitted = append(emitted, u)
		return nil
	})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(emitted) != 2 {
		t.Fatalf("expected 2 documents emitted, got %d: %+v", len(emitted), emitted)
	}
	want := map[string]bool{
		"https://example.gov/documents/report1.pdf": true,
		"https://example.gov/documents/report2.pdf": true,
	}
	for _, u := range emitted {
		if !want[u.URL] {
			t.Errorf("unexpected emitted URL %q", u.URL)
		}
		if u.DiscoveryMethod != "html_crawl" {
			t.Errorf("DiscoveryMethod = %q, want html_crawl", u.DiscoveryMethod)
		}
	}
}

func TestHTMLDiscovererRejectsOffHostLinks(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://example.gov/": `<html><body>
			<a href="https://evil.com/report.pdf">off-host</a>
		</body></html>`,
	}}
	cfg := &config.SourceConfig{
		BaseURL: "https://example.gov",
		Discovery: config.DiscoveryConfig{
			Type:             config.DiscoveryHTMLCrawl,
			DocumentPatterns: []string{`\.pdf$`},
		},
	}
	d := &HTMLDiscoverer{cfg: cfg, fetcher: fetcher, logger: testLogger()}

	var emitted []*types.CrawlURL
	err := d.Discover(context.Background(), "src", func(u *types.CrawlURL) error {
		emitted = append(emitted, u)
		return nil
	})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(emitted) != 0 {
		t.Fatalf("expected no emitted URLs for off-host links, got %+v", emitted)
	}
}

func TestHTMLDiscovererMaxDepthZeroOnlyFetchesSeeds(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://example.gov/": `<html><body>
			<a href="/page2/">next page</a>
		</body></html>`,
		"https://example.gov/page2/": `<html><body>
			<a href="/documents/deep.pdf">deep doc</a>
		</body></html>`,
	}}
	cfg := &config.SourceConfig{
		BaseURL: "https://example.gov",
		Discovery: config.DiscoveryConfig{
			Type:             config.DiscoveryHTMLCrawl,
			DocumentPatterns: []string{`\.pdf$`},
			MaxDepth:         0,
		},
	}
	d := &HTMLDiscoverer{cfg: cfg, fetcher: fetcher, logger: testLogger()}

	var emitted []*types.CrawlURL
	err := d.Discover(context.Background(), "src", func(u *types.CrawlURL) error {
		emitted = append(emitted, u)
		return nil
	})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(emitted) != 0 {
		t.Fatalf("expected max_depth=0 to not follow into page2, got %+v", emitted)
	}
}

func TestHTMLDiscovererLevelsXPathFindsLinksCSSMisses(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://example.gov/": `<html><body>
			<div data-widget="downloads">
				<a href="/documents/hidden.pdf">hidden report</a>
			</div>
		</body></html>`,
	}}
	cfg := &config.SourceConfig{
		BaseURL: "https://example.gov",
		Discovery: config.DiscoveryConfig{
			Type:             config.DiscoveryHTMLCrawl,
			DocumentPatterns: []string{`\.pdf$`},
			DocumentLinks:    []string{"nav"},
			Levels:           []string{`//div[@data-widget="downloads"]/a`},
		},
	}
	d := &HTMLDiscoverer{cfg: cfg, fetcher: fetcher, logger: testLogger()}

	var emitted []*types.CrawlURL
	err := d.Discover(context.Background(), "src", func(u *types.CrawlURL) error {
		emitted = append(emitted, u)
		return nil
	})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(emitted) != 1 || emitted[0].URL != "https://example.gov/documents/hidden.pdf" {
		t.Fatalf("expected the xpath-matched document to be emitted, got %+v", emitted)
	}
}

func TestHTMLDiscovererAbortsOnRateLimit(t *testing.T) {
	fetcher := &fakeFetcher{
		pages: map[string]string{
			"https://example.gov/": `<html><body><a href="/page2/">p2</a></body></html>`,
		},
		err: map[string]error{
			"https://example.gov/page2/": &types.HTTPStatusError{URL: "https://example.gov/page2/", StatusCode: 429},
		},
	}
	cfg := &config.SourceConfig{
		BaseURL:   "https://example.gov",
		Discovery: config.DiscoveryConfig{Type: config.DiscoveryHTMLCrawl, MaxDepth: 1},
	}
	d := &HTMLDiscoverer{cfg: cfg, fetcher: fetcher, logger: testLogger()}

	err := d.Discover(context.Background(), "src", func(u *types.CrawlURL) error { return nil })
	if err == nil {
		t.Fatal("expected abort error on 429")
	}
	if _, ok := err.(*ErrDiscoveryAborted); !ok {
		t.Fatalf("expected *ErrDiscoveryAborted, got %T: %v", err, err)
	}
}
