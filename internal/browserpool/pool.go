// Package browserpool implements the Browser Pool: a fleet of headless
// browser endpoints addressable by WebSocket URL, selected by strategy and
// tracked for health (spec §4.D).
package browserpool

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/foiacquire/corpus/internal/observability"
	"github.com/foiacquire/corpus/internal/types"
)

// Config controls Pool construction. Grounded on
// original_source/crates/foia/src/browser/pool.rs's BrowserPoolConfig,
// including its from-env precedence rules.
type Config struct {
	URLs                []string
	Strategy            StrategyType
	UnhealthyThreshold  int
	HealthCheckInterval time.Duration
	NavigateTimeout     time.Duration
	StableTimeout       time.Duration
	ProxyURL            string
	Stealth             bool
}

// DefaultConfig mirrors BrowserPoolConfig::default().
func DefaultConfig() Config {
	return Config{
		Strategy:            RoundRobin,
		UnhealthyThreshold:  3,
		HealthCheckInterval: 60 * time.Second,
		NavigateTimeout:     30 * time.Second,
		StableTimeout:       300 * time.Millisecond,
		Stealth:             true,
	}
}

// ConfigFromEnv applies BROWSER_URL / BROWSER_SELECTION / SOCKS_PROXY on
// top of cfg, config values taking precedence over environment ones (spec
// §6). Returns cfg unchanged (bar env fill-ins) if BROWSER_URL is unset.
func ConfigFromEnv(cfg Config) Config {
	if len(cfg.URLs) == 0 {
		if raw := os.Getenv("BROWSER_URL"); raw != "" {
			for _, u := range strings.Split(raw, ",") {
				u = strings.TrimSpace(u)
				if u != "" {
					cfg.URLs = append(cfg.URLs, u)
				}
			}
		}
	}
	if cfg.Strategy == "" {
		if s := os.Getenv("BROWSER_SELECTION"); s != "" {
			cfg.Strategy = ParseStrategyType(s)
		} else {
			cfg.Strategy = RoundRobin
		}
	}
	if cfg.ProxyURL == "" {
		cfg.ProxyURL = os.Getenv("SOCKS_PROXY")
	}
	return cfg
}

// endpoint wraps one remote browser connection, connected lazily.
type endpoint struct {
	url string
	mu  sync.Mutex
	br  *rod.Browser
}

func (e *endpoint) connect() (*rod.Browser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.br != nil {
		return e.br, nil
	}
	br := rod.New().ControlURL(e.url)
	if err := br.Connect(); err != nil {
		return nil, err
	}
	e.br = br
	return br, nil
}

// Pool is the Browser Pool (spec §4.D).
type Pool struct {
	cfg       Config
	endpoints []*endpoint
	strategy  Strategy
	health    *healthTracker
	logger    *slog.Logger
	metrics   *observability.Metrics
	source    string
}

// SetMetrics attaches a Metrics instance the pool reports fetch outcomes
// and endpoint health to, labeled under sourceID. Safe to call with nil.
func (p *Pool) SetMetrics(m *observability.Metrics, sourceID string) {
	p.metrics = m
	p.source = sourceID
}

// New constructs a Pool. Endpoints connect lazily on first use.
func New(cfg Config, logger *slog.Logger) (*Pool, error) {
	if len(cfg.URLs) == 0 {
		return nil, types.ErrNoBrowserEndpoints
	}
	endpoints := make([]*endpoint, len(cfg.URLs))
	for i, u := range cfg.URLs {
		endpoints[i] = &endpoint{url: u}
	}
	return &Pool{
		cfg:       cfg,
		endpoints: endpoints,
		strategy:  NewStrategy(cfg.Strategy, len(endpoints)),
		health:    newHealthTracker(len(endpoints), cfg.UnhealthyThreshold, cfg.HealthCheckInterval),
		logger:    logger.With("component", "browser_pool"),
	}, nil
}

// Size returns the number of configured endpoints.
func (p *Pool) Size() int { return len(p.endpoints) }

// Preflight connects to every endpoint once. A source run must abort
// rather than burn queue entries if the remote browser fleet is
// unreachable entirely (spec §4.D).
func (p *Pool) Preflight(ctx context.Context) error {
	var lastErr error
	reachable := 0
	for i, ep := range p.endpoints {
		if _, err := ep.connect(); err != nil {
			p.logger.Warn("preflight failed", "endpoint", ep.url, "error", err)
			lastErr = err
			continue
		}
		reachable++
		_ = i
	}
	if reachable == 0 {
		return &types.BrowserUnavailableError{Err: fmt.Errorf("no reachable browser endpoints: %w", lastErr)}
	}
	return nil
}

// Close tears down every connected endpoint.
func (p *Pool) Close() {
	for _, ep := range p.endpoints {
		ep.mu.Lock()
		if ep.br != nil {
			_ = ep.br.Close()
		}
		ep.mu.Unlock()
	}
}

// attemptOrder returns the sequence of endpoint indexes to try: the
// strategy's pick first (if any endpoint is healthy), then the rest in
// index order starting after it. If every endpoint is unhealthy, the pool
// still attempts each once as a recovery probe.
func (p *Pool) attemptOrder(rawURL string) []int {
	n := len(p.endpoints)
	healthy := p.health.snapshot()
	start := p.strategy.Select(rawURL, healthy)
	if start < 0 {
		start = 0
	}
	order := make([]int, n)
	for i := 0; i < n; i++ {
		order[i] = (start + i) % n
	}
	return order
}

// Fetch renders rawURL in a browser and returns the page HTML.
// BrowserUnavailableError means the fleet itself is down (caller must not
// mark the URL Failed); any other error is a normal UrlFailed outcome.
func (p *Pool) Fetch(ctx context.Context, rawURL string) (*types.FetchResult, error) {
	if len(p.endpoints) == 0 {
		return nil, types.ErrNoBrowserEndpoints
	}

	var lastErr error
	for _, idx := range p.attemptOrder(rawURL) {
		result, err := p.fetchFrom(ctx, idx, rawURL)
		p.recordEndpointHealth(idx, err == nil)
		if err == nil {
			p.health.markSuccess(idx)
			p.recordFetch("success")
			return result, nil
		}
		p.logger.Warn("browser fetch failed", "endpoint", p.endpoints[idx].url, "error", err)
		p.health.markFailed(idx)
		lastErr = err
	}
	p.recordFetch("exhausted")
	return nil, &types.BrowserUnavailableError{Err: fmt.Errorf("all %d browser(s) exhausted fetching %s: %w", len(p.endpoints), rawURL, lastErr)}
}

func (p *Pool) recordFetch(outcome string) {
	if p.metrics != nil {
		p.metrics.BrowserFetches.WithLabelValues(p.source, outcome).Inc()
	}
}

func (p *Pool) recordEndpointHealth(idx int, healthy bool) {
	if p.metrics == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	p.metrics.BrowserEndpointHealthy.WithLabelValues(p.endpoints[idx].url).Set(v)
}

func (p *Pool) fetchFrom(ctx context.Context, idx int, rawURL string) (*types.FetchResult, error) {
	start := time.Now()
	ep := p.endpoints[idx]
	br, err := ep.connect()
	if err != nil {
		return nil, err
	}

	page, err := p.newPage(br)
	if err != nil {
		return nil, err
	}
	defer page.Close()

	if err := page.Timeout(p.cfg.NavigateTimeout).Context(ctx).Navigate(rawURL); err != nil {
		return nil, err
	}
	if err := page.Timeout(p.cfg.NavigateTimeout).WaitStable(p.cfg.StableTimeout); err != nil {
		p.logger.Debug("page stability timeout, continuing", "url", rawURL, "error", err)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, err
	}

	finalURL := rawURL
	if info, err := page.Info(); err == nil && info != nil {
		finalURL = info.URL
	}

	var cookies []*http.Cookie
	if pc, err := page.Cookies(nil); err == nil {
		cookies = toHTTPCookies(pc)
	}

	return &types.FetchResult{
		URL:           rawURL,
		StatusCode:    200,
		Body:          []byte(html),
		ContentType:   "text/html",
		FinalURL:      finalURL,
		Cookies:       cookies,
		FetchDuration: time.Since(start),
		FetchedAt:     time.Now(),
	}, nil
}

// FetchBinary downloads binary content (PDFs, images behind a JS-only
// gate) by reusing an established page context and issuing an in-page
// fetch(), base64-decoding the result (spec §4.D).
func (p *Pool) FetchBinary(ctx context.Context, rawURL, contextURL string) (*types.FetchResult, error) {
	if len(p.endpoints) == 0 {
		return nil, types.ErrNoBrowserEndpoints
	}

	var lastErr error
	for _, idx := range p.attemptOrder(rawURL) {
		result, err := p.fetchBinaryFrom(ctx, idx, rawURL, contextURL)
		p.recordEndpointHealth(idx, err == nil)
		if err == nil {
			p.health.markSuccess(idx)
			p.recordFetch("success")
			return result, nil
		}
		p.logger.Warn("browser binary fetch failed", "endpoint", p.endpoints[idx].url, "error", err)
		p.health.markFailed(idx)
		lastErr = err
	}
	p.recordFetch("exhausted")
	return nil, &types.BrowserUnavailableError{Err: fmt.Errorf("all %d browser(s) exhausted binary-fetching %s: %w", len(p.endpoints), rawURL, lastErr)}
}

func (p *Pool) fetchBinaryFrom(ctx context.Context, idx int, rawURL, contextURL string) (*types.FetchResult, error) {
	start := time.Now()
	ep := p.endpoints[idx]
	br, err := ep.connect()
	if err != nil {
		return nil, err
	}

	page, err := p.newPage(br)
	if err != nil {
		return nil, err
	}
	defer page.Close()

	navigateTo := contextURL
	if navigateTo == "" {
		navigateTo = rawURL
	}
	if err := page.Timeout(p.cfg.NavigateTimeout).Context(ctx).Navigate(navigateTo); err != nil {
		return nil, err
	}

	js := `async (url) => {
		const resp = await fetch(url);
		const buf = await resp.arrayBuffer();
		const bytes = new Uint8Array(buf);
		let binary = '';
		for (let i = 0; i < bytes.byteLength; i++) { binary += String.fromCharCode(bytes[i]); }
		return { body: btoa(binary), contentType: resp.headers.get('content-type') || '', status: resp.status };
	}`

	res, err := page.Timeout(p.cfg.NavigateTimeout).Eval(js, rawURL)
	if err != nil {
		return nil, fmt.Errorf("in-page fetch: %w", err)
	}

	var payload struct {
		Body        string `json:"body"`
		ContentType string `json:"contentType"`
		Status      int    `json:"status"`
	}
	if err := res.Value.Unmarshal(&payload); err != nil {
		return nil, fmt.Errorf("decode in-page fetch result: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(payload.Body)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}

	statusCode := payload.Status
	if statusCode == 0 {
		statusCode = 200
	}

	return &types.FetchResult{
		URL:           rawURL,
		StatusCode:    statusCode,
		Body:          raw,
		ContentType:   payload.ContentType,
		FinalURL:      rawURL,
		FetchDuration: time.Since(start),
		FetchedAt:     time.Now(),
	}, nil
}

func toHTTPCookies(cookies []*proto.NetworkCookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out
}

func (p *Pool) newPage(br *rod.Browser) (*rod.Page, error) {
	if p.cfg.Stealth {
		return stealth.Page(br)
	}
	return br.Page(proto.TargetCreateTarget{URL: "about:blank"})
}
