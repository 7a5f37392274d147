package discovery

import (
	"context"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/foiacquire/corpus/internal/config"
	"github.com/foiacquire/corpus/internal/types"
)

func TestAPIDiscovererPagedStopsOnShortPage(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://api.example.gov/docs?page=1&page_size=2": `{"results":[{"id":"1","url":"https://example.gov/d1.pdf"},{"id":"2","url":"https://example.gov/d2.pdf"}]}`,
		"https://api.example.gov/docs?page=2&page_size=2": `{"results":[{"id":"3","url":"https://example.gov/d3.pdf"}]}`,
	}}
	cfg := &config.SourceConfig{
		Discovery: config.DiscoveryConfig{
			Type: config.DiscoveryAPIPaginated,
			API: config.APIDiscoveryConfig{
				Endpoint:      "https://api.example.gov/docs",
				PageSize:      2,
				PageSizeParam: "page_size",
				ResultsPath:   "results",
			},
		},
	}
	d := &APIDiscoverer{cfg: cfg, fetcher: fetcher, logger: testLogger()}

	var emitted []*types.CrawlURL
	err := d.Discover(context.Background(), "src", func(u *types.CrawlURL) error {
		emitted = append(emitted, u)
		return nil
	})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(emitted) != 3 {
		t.Fatalf("expected 3 urls across 2 pages, got %d: %+v", len(emitted), emitted)
	}
}

func TestAPIDiscovererCursorFollowsUntilNull(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://api.example.gov/docs":                 `{"results":[{"url":"https://example.gov/d1.pdf"}],"next_cursor":"abc"}`,
		"https://api.example.gov/docs?cursor=abc":       `{"results":[{"url":"https://example.gov/d2.pdf"}],"next_cursor":null}`,
	}}
	cfg := &config.SourceConfig{
		Discovery: config.DiscoveryConfig{
			Type: config.DiscoveryAPICursor,
			API: config.APIDiscoveryConfig{
				Endpoint:           "https://api.example.gov/docs",
				ResultsPath:        "results",
				CursorParam:        "cursor",
				CursorResponsePath: "next_cursor",
			},
		},
	}
	d := &APIDiscoverer{cfg: cfg, fetcher: fetcher, logger: testLogger()}

	var emitted []*types.CrawlURL
	err := d.Discover(context.Background(), "src", func(u *types.CrawlURL) error {
		emitted = append(emitted, u)
		return nil
	})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(emitted) != 2 {
		t.Fatalf("expected 2 urls, got %d: %+v", len(emitted), emitted)
	}
}

func TestAPIDiscovererNestedSubstitutesParentID(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://api.example.gov/cases?page=1":                 `{"results":[{"id":"42"}]}`,
		"https://api.example.gov/cases/42/communications":       `{"communications":[{"files":[{"url":"https://example.gov/c42f1.pdf"},{"url":"https://example.gov/c42f2.pdf"}]}]}`,
	}}
	cfg := &config.SourceConfig{
		Discovery: config.DiscoveryConfig{
			Type: config.DiscoveryAPINested,
			API: config.APIDiscoveryConfig{
				Endpoint:      "https://api.example.gov/cases",
				ResultsPath:   "results",
				ChildEndpoint: "https://api.example.gov/cases/{id}/communications",
				ItemsPath:     "communications",
				URLExtraction: config.URLExtractionConfig{
					URLField:     "url",
					NestedArrays: []string{"files"},
				},
			},
		},
	}
	d := &APIDiscoverer{cfg: cfg, fetcher: fetcher, logger: testLogger()}

	var emitted []*types.CrawlURL
	err := d.Discover(context.Background(), "src", func(u *types.CrawlURL) error {
		emitted = append(emitted, u)
		return nil
	})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(emitted) != 2 {
		t.Fatalf("expected 2 nested file urls, got %d: %+v", len(emitted), emitted)
	}
}

func TestSubstituteTemplate(t *testing.T) {
	item := gjson.ParseBytes([]byte(`{"id":"99","slug":"foo-bar"}`))
	got := substituteTemplate("https://example.gov/case/{id}/{slug}", item)
	want := "https://example.gov/case/99/foo-bar"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtractResultsTopLevelArray(t *testing.T) {
	body := []byte(`[{"url":"a"},{"url":"b"}]`)
	results := extractResults(body, "")
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestBuildURLAppendsQueryRespectingExistingParams(t *testing.T) {
	got := buildURL("https://api.example.gov/docs?format=json", map[string]string{"page": "2"})
	want := "https://api.example.gov/docs?format=json&page=2"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
