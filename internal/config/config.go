package config

import "time"

// Version is set at build time via ldflags.
var Version = "dev"

// SourceConfig is the per-source structured document described in spec
// §6. It is hashed (via Hash) to drive Crawl Store's
// check_config_changed/store_config_hash bookkeeping — a config change
// never invalidates previously discovered URLs, it only influences future
// discovery.
type SourceConfig struct {
	Name           string `mapstructure:"name"             yaml:"name"`
	BaseURL        string `mapstructure:"base_url"         yaml:"base_url"`
	UserAgent      string `mapstructure:"user_agent"       yaml:"user_agent"`
	RefreshTTLDays int    `mapstructure:"refresh_ttl_days" yaml:"refresh_ttl_days"`

	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
	Fetch     FetchConfig     `mapstructure:"fetch"     yaml:"fetch"`
	Browser   BrowserConfig   `mapstructure:"browser"   yaml:"browser"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"   yaml:"request_timeout"`
	RequestDelayMs int           `mapstructure:"request_delay_ms"  yaml:"request_delay_ms"`

	Via     map[string]string `mapstructure:"via"      yaml:"via"`
	ViaMode string            `mapstructure:"via_mode" yaml:"via_mode"`
}

// DiscoveryType names a Discovery Engine variant (spec §4.G).
type DiscoveryType string

const (
	DiscoveryHTMLCrawl    DiscoveryType = "html_crawl"
	DiscoveryAPIPaginated DiscoveryType = "api_paginated"
	DiscoveryAPICursor    DiscoveryType = "api_cursor"
	DiscoveryAPINested    DiscoveryType = "api_nested"
	DiscoverySitemap      DiscoveryType = "sitemap"
)

// DiscoveryConfig configures one Discovery Engine variant.
type DiscoveryConfig struct {
	Type DiscoveryType `mapstructure:"type" yaml:"type"`

	BaseURL    string   `mapstructure:"base_url"    yaml:"base_url"`
	StartPaths []string `mapstructure:"start_paths" yaml:"start_paths"`

	// Levels holds XPath expressions evaluated against each crawled page
	// in addition to document_links' CSS selectors, for sources whose
	// link structure a CSS selector can't reach (htmlquery-backed).
	Levels []string `mapstructure:"levels" yaml:"levels"`

	API APIDiscoveryConfig `mapstructure:"api" yaml:"api"`

	MaxDepth int `mapstructure:"max_depth" yaml:"max_depth"`

	DocumentPatterns []string `mapstructure:"document_patterns" yaml:"document_patterns"`
	DocumentLinks    []string `mapstructure:"document_links"    yaml:"document_links"`
	UseBrowser       bool     `mapstructure:"use_browser"        yaml:"use_browser"`

	SearchQueries      []string `mapstructure:"search_queries"       yaml:"search_queries"`
	SearchURLTemplate  string   `mapstructure:"search_url_template"  yaml:"search_url_template"`
	ExpandSearchTerms  bool     `mapstructure:"expand_search_terms"  yaml:"expand_search_terms"`

	External ExternalDiscoveryConfig `mapstructure:"external" yaml:"external"`
}

// APIDiscoveryConfig covers the paged/cursor/nested API variants.
type APIDiscoveryConfig struct {
	Endpoint          string            `mapstructure:"endpoint"            yaml:"endpoint"`
	PageParam         string            `mapstructure:"page_param"          yaml:"page_param"`
	PageSize          int               `mapstructure:"page_size"           yaml:"page_size"`
	PageSizeParam     string            `mapstructure:"page_size_param"     yaml:"page_size_param"`
	ResultsPath       string            `mapstructure:"results_path"        yaml:"results_path"`
	CursorParam       string            `mapstructure:"cursor_param"        yaml:"cursor_param"`
	CursorResponsePath string           `mapstructure:"cursor_response_path" yaml:"cursor_response_path"`
	Queries           map[string]string `mapstructure:"queries"             yaml:"queries"`
	ChildEndpoint     string            `mapstructure:"child_endpoint"      yaml:"child_endpoint"`
	ItemsPath         string            `mapstructure:"items_path"          yaml:"items_path"`
	URLExtraction     URLExtractionConfig `mapstructure:"url_extraction"    yaml:"url_extraction"`
}

// URLExtractionConfig controls how a document URL is pulled out of one
// API result item (spec §4.G "URL extraction").
type URLExtractionConfig struct {
	URLField      string   `mapstructure:"url_field"      yaml:"url_field"`
	URLTemplate   string   `mapstructure:"url_template"   yaml:"url_template"`
	FallbackField string   `mapstructure:"fallback_field" yaml:"fallback_field"`
	ItemsPath     string   `mapstructure:"items_path"     yaml:"items_path"`
	NestedArrays  []string `mapstructure:"nested_arrays"  yaml:"nested_arrays"`
}

// DefaultURLExtractionConfig mirrors the spec's documented default.
func DefaultURLExtractionConfig() URLExtractionConfig {
	return URLExtractionConfig{URLField: "url"}
}

// ExternalDiscoveryConfig covers sitemap/robots.txt discovery.
type ExternalDiscoveryConfig struct {
	MaxSitemaps int `mapstructure:"max_sitemaps" yaml:"max_sitemaps"`
}

// FetchConfig controls how document bytes are retrieved once discovered.
type FetchConfig struct {
	UseBrowser     bool     `mapstructure:"use_browser"     yaml:"use_browser"`
	BinaryFetch    bool     `mapstructure:"binary_fetch"    yaml:"binary_fetch"`
	PDFSelectors   []string `mapstructure:"pdf_selectors"   yaml:"pdf_selectors"`
	TitleSelectors []string `mapstructure:"title_selectors" yaml:"title_selectors"`
}

// BrowserEngine names the Browser Pool page-construction mode.
type BrowserEngine string

const (
	EngineStealth  BrowserEngine = "stealth"
	EngineCookies  BrowserEngine = "cookies"
	EngineStandard BrowserEngine = "standard"
)

// BrowserConfig configures the Browser Pool for one source.
type BrowserConfig struct {
	Enabled         bool          `mapstructure:"enabled"           yaml:"enabled"`
	Engine          BrowserEngine `mapstructure:"engine"            yaml:"engine"`
	Headless        bool          `mapstructure:"headless"          yaml:"headless"`
	Proxy           string        `mapstructure:"proxy"             yaml:"proxy"`
	CookiesFile     string        `mapstructure:"cookies_file"      yaml:"cookies_file"`
	Timeout         time.Duration `mapstructure:"timeout"           yaml:"timeout"`
	WaitForSelector string        `mapstructure:"wait_for_selector" yaml:"wait_for_selector"`
	RemoteURL       string        `mapstructure:"remote_url"        yaml:"remote_url"`
	URLs            []string      `mapstructure:"urls"              yaml:"urls"`
	Selection       string        `mapstructure:"selection"         yaml:"selection"`
}

// DefaultSourceConfig mirrors spec §6's documented field shape with the
// same defaults the HTTP Client and Browser Pool packages already assume.
func DefaultSourceConfig() *SourceConfig {
	return &SourceConfig{
		RefreshTTLDays: 30,
		Discovery: DiscoveryConfig{
			Type:     DiscoveryHTMLCrawl,
			MaxDepth: 10,
			External: ExternalDiscoveryConfig{MaxSitemaps: 100},
		},
		Fetch: FetchConfig{},
		Browser: BrowserConfig{
			Engine:   EngineStealth,
			Headless: true,
			Timeout:  30 * time.Second,
		},
		RequestTimeout: 30 * time.Second,
		RequestDelayMs: 1000,
		ViaMode:        "strict",
	}
}

// EndpointURLs returns the Browser Pool endpoint list, preferring the
// plural Urls field and falling back to the singular RemoteURL.
func (b BrowserConfig) EndpointURLs() []string {
	if len(b.URLs) > 0 {
		return b.URLs
	}
	if b.RemoteURL != "" {
		return []string{b.RemoteURL}
	}
	return nil
}
