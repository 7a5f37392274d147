// Package corpus is the public SDK for embedding the acquisition engine as
// a library, generalizing the teacher's single-engine webstalk.Crawler to a
// full source run of the Fetch Pipeline (discovery, fetch, content store).
//
// Example usage:
//
//	store := crawlstore.NewPostgresStore(pool)
//	content, _ := contentstore.New("./data", logger)
//
//	acq, err := corpus.New("doj-foia", store, content,
//	    corpus.WithBaseURL("https://www.justice.gov/foia"),
//	    corpus.WithConcurrency(8),
//	    corpus.WithMaxDepth(3),
//	    corpus.WithMemoryRateLimit(),
//	)
//	results, err := acq.Run(context.Background())
package corpus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/foiacquire/corpus/internal/browserpool"
	"github.com/foiacquire/corpus/internal/config"
	"github.com/foiacquire/corpus/internal/contentstore"
	"github.com/foiacquire/corpus/internal/coordinator"
	"github.com/foiacquire/corpus/internal/crawlstore"
	"github.com/foiacquire/corpus/internal/discovery"
	"github.com/foiacquire/corpus/internal/httpclient"
	"github.com/foiacquire/corpus/internal/observability"
	"github.com/foiacquire/corpus/internal/pipeline"
	"github.com/foiacquire/corpus/internal/ratelimit"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Acquirer is the high-level API for driving one source's Fetch Pipeline
// as a library, without a coordinator daemon or CLI.
type Acquirer struct {
	sourceID string
	cfg      *config.SourceConfig
	store    crawlstore.Store
	content  *contentstore.Store
	logger   *slog.Logger
	metrics  *observability.Metrics

	workers    int
	maxRetries int

	rateBackend ratelimit.Backend
	rateCfg     ratelimit.Config

	httpCfg httpclient.Config

	pipeline *pipeline.Pipeline
}

// Option configures an Acquirer's source config or SDK-level wiring before
// Start/Run builds the underlying Fetch Pipeline.
type Option func(*Acquirer)

// WithBaseURL sets the source's crawl root, used by both discovery and
// host-allowlisting.
func WithBaseURL(u string) Option {
	return func(a *Acquirer) {
		a.cfg.BaseURL = u
		if a.cfg.Discovery.BaseURL == "" {
			a.cfg.Discovery.BaseURL = u
		}
	}
}

// WithDiscoveryType selects a Discovery Engine variant (spec §4.G).
func WithDiscoveryType(t config.DiscoveryType) Option {
	return func(a *Acquirer) { a.cfg.Discovery.Type = t }
}

// WithStartPaths sets the HTML BFS discovery seed paths.
func WithStartPaths(paths ...string) Option {
	return func(a *Acquirer) { a.cfg.Discovery.StartPaths = paths }
}

// WithMaxDepth sets the HTML BFS discovery depth bound. 0 means seeds only.
func WithMaxDepth(depth int) Option {
	return func(a *Acquirer) { a.cfg.Discovery.MaxDepth = depth }
}

// WithDocumentPatterns sets the regexes that classify a discovered link as
// a document rather than a listing page to keep crawling.
func WithDocumentPatterns(patterns ...string) Option {
	return func(a *Acquirer) { a.cfg.Discovery.DocumentPatterns = patterns }
}

// WithAPIDiscovery configures the api_paginated/api_cursor/api_nested
// discovery variants.
func WithAPIDiscovery(api config.APIDiscoveryConfig) Option {
	return func(a *Acquirer) { a.cfg.Discovery.API = api }
}

// WithUserAgent sets the User-Agent the HTTP Client presents.
func WithUserAgent(ua string) Option {
	return func(a *Acquirer) { a.cfg.UserAgent = ua; a.httpCfg.UserAgents = []string{ua} }
}

// WithRequestDelay sets the source config's request_delay_ms. Request
// pacing comes from the Rate Limiter's own Config, which does not read
// this value.
func WithRequestDelay(ms int) Option {
	return func(a *Acquirer) { a.cfg.RequestDelayMs = ms }
}

// WithRefreshTTL sets how many days a fetched document is considered fresh
// before MarkForRefresh picks it up again.
func WithRefreshTTL(days int) Option {
	return func(a *Acquirer) { a.cfg.RefreshTTLDays = days }
}

// WithConcurrency sets the Fetch Pipeline worker pool size.
func WithConcurrency(n int) Option {
	return func(a *Acquirer) { a.workers = n }
}

// WithMaxRetries sets the retry ceiling the Fetch Pipeline's retryable scan
// honors before a URL is abandoned.
func WithMaxRetries(n int) Option {
	return func(a *Acquirer) { a.maxRetries = n }
}

// WithBrowser enables Browser Pool fetching for sources that need a
// rendered DOM, pointed at one or more chromedp-compatible endpoints.
func WithBrowser(engine config.BrowserEngine, endpoints ...string) Option {
	return func(a *Acquirer) {
		a.cfg.Browser.Enabled = true
		a.cfg.Browser.Engine = engine
		a.cfg.Browser.URLs = endpoints
		a.cfg.Fetch.UseBrowser = true
	}
}

// WithBinaryFetch routes this source's .pdf URLs through the Browser
// Pool's in-page binary fetch. It takes effect only when browser fetching
// is enabled (WithBrowser); HTTP Client fetches are unaffected.
func WithBinaryFetch() Option {
	return func(a *Acquirer) { a.cfg.Fetch.BinaryFetch = true }
}

// WithProxy routes every HTTP Client request through proxyURL (HTTP/HTTPS
// or SOCKS5, including Tor).
func WithProxy(proxyURL string) Option {
	return func(a *Acquirer) { a.httpCfg.ProxyURL = proxyURL }
}

// WithVia sets this source's via-rewriting map and mode ("strict",
// "fallback", or "priority"; spec §4.C), letting a mirror/archive host
// stand in for the canonical one without changing discovery's URL space.
func WithVia(via map[string]string, mode string) Option {
	return func(a *Acquirer) {
		a.cfg.Via = via
		a.cfg.ViaMode = mode
	}
}

// WithMemoryRateLimit selects the in-process Rate Limiter backend. This is
// the default when no WithXRateLimit option is given.
func WithMemoryRateLimit() Option {
	return func(a *Acquirer) { a.rateBackend = ratelimit.NewMemoryBackend() }
}

// WithPostgresRateLimit selects the Postgres-backed Rate Limiter, sharing
// domain backoff state across a fleet of acquisition processes.
func WithPostgresRateLimit(pool *pgxpool.Pool) Option {
	return func(a *Acquirer) { a.rateBackend = ratelimit.NewPostgresBackend(pool) }
}

// WithRedisRateLimit selects the Redis-backed Rate Limiter.
func WithRedisRateLimit(client *redis.Client, keyPrefix string) Option {
	return func(a *Acquirer) { a.rateBackend = ratelimit.NewRedisBackend(client, keyPrefix) }
}

// WithMetrics attaches a Metrics instance; the Fetch Pipeline, HTTP Client
// and Browser Pool all report through it once attached.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Acquirer) { a.metrics = m }
}

// WithLogger overrides the SDK's default stderr text logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Acquirer) { a.logger = l }
}

// New builds an Acquirer for sourceID against an already-constructed Crawl
// Store and Content Store, applying opts over config.DefaultSourceConfig.
// The Fetch Pipeline itself is assembled lazily on first Run/Start, so
// options may still be mutated via further New calls in tests.
func New(sourceID string, store crawlstore.Store, content *contentstore.Store, opts ...Option) (*Acquirer, error) {
	if store == nil {
		return nil, fmt.Errorf("corpus: store is required")
	}
	if content == nil {
		return nil, fmt.Errorf("corpus: content store is required")
	}

	a := &Acquirer{
		sourceID:   sourceID,
		cfg:        config.DefaultSourceConfig(),
		store:      store,
		content:    content,
		logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
		workers:    4,
		maxRetries: 5,
		httpCfg:    httpclient.DefaultConfig(),
		rateCfg:    ratelimit.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.cfg.Name = sourceID
	if a.rateBackend == nil {
		a.rateBackend = ratelimit.NewMemoryBackend()
	}
	return a, nil
}

// build assembles the HTTP Client, Browser Pool, Discovery Engine and
// Fetch Pipeline from the Acquirer's accumulated config. Safe to call more
// than once; later calls replace the cached pipeline.
func (a *Acquirer) build(ctx context.Context) error {
	limiter := ratelimit.New(a.rateBackend, a.rateCfg, a.logger)

	if len(a.cfg.Via) > 0 {
		a.httpCfg.Via = a.cfg.Via
	}
	if a.cfg.ViaMode != "" {
		a.httpCfg.ViaMode = httpclient.ViaMode(a.cfg.ViaMode)
	}

	client, err := httpclient.New(a.httpCfg, limiter, a.store, a.logger)
	if err != nil {
		return fmt.Errorf("corpus: build http client: %w", err)
	}
	if a.metrics != nil {
		client.SetMetrics(a.metrics)
	}

	var browser *browserpool.Pool
	if a.cfg.Browser.Enabled {
		bcfg := browserpool.DefaultConfig()
		bcfg.URLs = a.cfg.Browser.EndpointURLs()
		bcfg.Stealth = a.cfg.Browser.Engine == config.EngineStealth
		browser, err = browserpool.New(bcfg, a.logger)
		if err != nil {
			return fmt.Errorf("corpus: build browser pool: %w", err)
		}
		if a.metrics != nil {
			browser.SetMetrics(a.metrics, a.sourceID)
		}
	}

	var discoveryFetcher discovery.Fetcher = client
	var discoveryBrowser discovery.BrowserFetcher
	if browser != nil {
		discoveryBrowser = browser
	}
	disc, err := discovery.New(a.cfg, discoveryFetcher, discoveryBrowser, a.logger)
	if err != nil {
		return fmt.Errorf("corpus: build discovery engine: %w", err)
	}

	contextURL := a.cfg.BaseURL
	if contextURL == "" {
		contextURL = a.cfg.Discovery.BaseURL
	}

	pcfg := pipeline.Config{
		SourceID:    a.sourceID,
		Workers:     a.workers,
		MaxRetries:  a.maxRetries,
		RefreshTTL:  time.Duration(a.cfg.RefreshTTLDays) * 24 * time.Hour,
		UseBrowser:  a.cfg.Fetch.UseBrowser,
		BinaryFetch: a.cfg.Fetch.BinaryFetch,
		ContextURL:  contextURL,
	}

	var pipeBrowser pipeline.BrowserFetcher
	if browser != nil {
		pipeBrowser = browser
	}

	p := pipeline.New(pcfg, a.store, a.content, client, pipeBrowser, disc, a.logger)
	if a.metrics != nil {
		p.SetMetrics(a.metrics)
	}
	a.pipeline = p
	return nil
}

// Run executes one full source pass and blocks until every discovered URL
// has been processed, returning the complete result set.
func (a *Acquirer) Run(ctx context.Context) ([]pipeline.Result, error) {
	if a.pipeline == nil {
		if err := a.build(ctx); err != nil {
			return nil, err
		}
	}
	return a.pipeline.Run(ctx)
}

// Start runs one source pass asynchronously, returning channels of
// per-URL results and a single terminal error. Callers that want a daemon
// loop instead of a one-shot pass should use Serve.
func (a *Acquirer) Start(ctx context.Context) (<-chan pipeline.Result, <-chan error) {
	if a.pipeline == nil {
		if err := a.build(ctx); err != nil {
			errCh := make(chan error, 1)
			errCh <- err
			close(errCh)
			resultCh := make(chan pipeline.Result)
			close(resultCh)
			return resultCh, errCh
		}
	}
	return a.pipeline.RunAsync(ctx)
}

// Serve drives this source's Fetch Pipeline on a fixed interval until ctx
// is cancelled, reporting liveness through heartbeat if non-nil. This is
// the library equivalent of the corpusctl serve subcommand.
func (a *Acquirer) Serve(ctx context.Context, interval time.Duration, heartbeat *coordinator.HeartbeatReporter) error {
	if a.pipeline == nil {
		if err := a.build(ctx); err != nil {
			return err
		}
	}
	svc := coordinator.NewService(a.sourceID, a.pipeline, a.store, heartbeat, interval, a.logger)
	return svc.Run(ctx, a.cfg)
}

// Config returns the effective source config, for callers that want to
// inspect or hash it (e.g. to compare against a previous run).
func (a *Acquirer) Config() *config.SourceConfig {
	return a.cfg
}
