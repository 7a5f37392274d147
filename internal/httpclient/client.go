// Package httpclient implements the polite HTTP Client: conditional
// GET/HEAD/POST, request logging, rate-limiter integration, via-rewriting,
// and optional SOCKS/Tor proxying.
package httpclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/publicsuffix"

	"github.com/foiacquire/corpus/internal/observability"
	"github.com/foiacquire/corpus/internal/ratelimit"
	"github.com/foiacquire/corpus/internal/types"
)

// defaultUserAgents mirrors the teacher's rotation pool.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// Config controls Client construction.
type Config struct {
	RequestTimeout  time.Duration
	MaxRedirects    int
	MaxBodySize     int64
	TLSInsecure     bool
	IdleConnTimeout time.Duration
	MaxIdleConns    int
	UserAgents      []string

	// ProxyURL, if set, is used for every request (HTTP/HTTPS/SOCKS5).
	ProxyURL string

	// RequireTor fails construction closed if ProxyURL does not look like
	// a Tor SOCKS endpoint — never silently downgrade privacy.
	RequireTor bool

	Via     map[string]string
	ViaMode ViaMode
}

// DefaultConfig mirrors the teacher's FetcherConfig defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:  30 * time.Second,
		MaxRedirects:    10,
		MaxBodySize:     10 * 1024 * 1024,
		IdleConnTimeout: 90 * time.Second,
		MaxIdleConns:    100,
		UserAgents:      defaultUserAgents,
		ViaMode:         ViaStrict,
	}
}

// Client is the HTTP Client component (spec §4.C).
type Client struct {
	httpClient *http.Client
	cfg        Config
	limiter    *ratelimit.Limiter
	logger     *slog.Logger

	requestLog RequestLogger
	metrics    *observability.Metrics
}

// SetMetrics attaches a Metrics instance the client reports request
// outcomes to. Safe to call with nil, which leaves recording disabled.
func (c *Client) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

// RequestLogger receives one CrawlRequest per round-trip. Implementations
// typically forward to crawlstore.Store.LogRequest.
type RequestLogger interface {
	LogRequest(ctx context.Context, r *types.CrawlRequest) error
}

// New constructs a Client. Invalid proxy URLs or a RequireTor config
// without a Tor-shaped proxy fail closed with *types.ConfigError.
func New(cfg Config, limiter *ratelimit.Limiter, reqLog RequestLogger, logger *slog.Logger) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, &types.ConfigError{Field: "cookiejar", Err: err}
	}

	transport := &http.Transport{
		MaxIdleConns:       cfg.MaxIdleConns,
		IdleConnTimeout:    cfg.IdleConnTimeout,
		DisableCompression: true, // we negotiate and decode encodings ourselves
		TLSClientConfig:    &tls.Config{InsecureSkipVerify: cfg.TLSInsecure},
	}

	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, &types.ConfigError{Field: "proxy_url", Err: err}
		}
		if cfg.RequireTor && !looksLikeTor(proxyURL) {
			return nil, &types.ConfigError{Field: "proxy_url", Err: errors.New("tor required but proxy_url is not a recognizable tor socks endpoint")}
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	} else if cfg.RequireTor {
		return nil, &types.ConfigError{Field: "proxy_url", Err: errors.New("tor required but no proxy configured")}
	}

	httpClient := &http.Client{
		Jar:       jar,
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		},
	}

	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = defaultUserAgents
	}

	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
		limiter:    limiter,
		logger:     logger.With("component", "http_client"),
		requestLog: reqLog,
	}, nil
}

// looksLikeTor is a narrow heuristic: the default Tor SOCKS port.
func looksLikeTor(u *url.URL) bool {
	return u.Scheme == "socks5" && (u.Port() == "9050" || u.Port() == "9150")
}

func (c *Client) randomUserAgent() string {
	return c.cfg.UserAgents[rand.Intn(len(c.cfg.UserAgents))]
}

// Validators carries the conditional-GET fields preserved on a CrawlURL.
type Validators struct {
	ETag         string
	LastModified string
}

// Get issues a conditional GET. On 304 the result's NotModified field is
// set and the existing validators are echoed back; on 429/503/Retry-After
// the Rate Limiter's backoff feedback runs; on 403 pattern detection runs
// via limiter.Record403. Get does not report whether a 403 escalated (the
// limiter's Stats shows the resulting backoff state), and it never
// retries a 403.
func (c *Client) Get(ctx context.Context, sourceID, rawURL string, v Validators) (*types.FetchResult, error) {
	return c.do(ctx, sourceID, http.MethodGet, rawURL, v, nil, nil)
}

// Head returns headers only, for metadata refresh without re-download.
func (c *Client) Head(ctx context.Context, sourceID, rawURL string) (*types.FetchResult, error) {
	return c.do(ctx, sourceID, http.MethodHead, rawURL, Validators{}, nil, nil)
}

// PostJSON bypasses the Browser Pool entirely (browsers are GET-only in
// this system) but uses the same logging and rate-limiting.
func (c *Client) PostJSON(ctx context.Context, sourceID, rawURL string, body []byte, headers http.Header) (*types.FetchResult, error) {
	return c.do(ctx, sourceID, http.MethodPost, rawURL, Validators{}, body, headers)
}

func (c *Client) do(ctx context.Context, sourceID, method, rawURL string, v Validators, body []byte, extraHeaders http.Header) (*types.FetchResult, error) {
	domain, err := c.limiter.Acquire(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	targetURL, fallback := resolveViaTarget(rawURL, c.cfg.Via, c.cfg.ViaMode)
	result, reqErr := c.attempt(ctx, sourceID, method, rawURL, targetURL, v, body, extraHeaders)

	if reqErr == nil && result != nil && fallback != "" {
		if statusErr := resultStatusError(rawURL, result); statusErr != nil && statusErr.RateLimited() {
			if c.metrics != nil {
				c.metrics.RequestsRetried.WithLabelValues(sourceID).Inc()
			}
			result, reqErr = c.attempt(ctx, sourceID, method, rawURL, fallback, v, body, extraHeaders)
		}
	}

	if reqErr != nil {
		if c.metrics != nil {
			c.metrics.RequestsFailed.WithLabelValues(sourceID).Inc()
		}
		return nil, reqErr
	}

	if c.metrics != nil {
		c.metrics.ObserveResponse(sourceID, result.StatusCode, result.FetchDuration)
	}

	if err := c.applyFeedback(ctx, domain, rawURL, result); err != nil {
		c.logger.Warn("rate limiter feedback failed", "domain", domain, "error", err)
	}
	return result, nil
}

// resultStatusError converts a non-2xx/non-304 FetchResult into an *HTTPStatusError
// for uniform handling, or nil if the result needs no special treatment.
func resultStatusError(rawURL string, r *types.FetchResult) *types.HTTPStatusError {
	if r == nil || r.NotModified || r.IsSuccess() {
		return nil
	}
	var retryAfter time.Duration
	if ra := r.Headers.Get("Retry-After"); ra != "" {
		retryAfter = ParseRetryAfter(ra)
	}
	return &types.HTTPStatusError{URL: rawURL, StatusCode: r.StatusCode, RetryAfter: retryAfter}
}

func (c *Client) attempt(ctx context.Context, sourceID, method, identityURL, targetURL string, v Validators, body []byte, extraHeaders http.Header) (*types.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, method, targetURL, bytesReaderOrNil(body))
	if err != nil {
		return nil, &types.TransportError{URL: identityURL, Err: err}
	}

	req.Header.Set("User-Agent", c.randomUserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, vs := range extraHeaders {
		for _, val := range vs {
			req.Header.Add(k, val)
		}
	}

	conditional := false
	if v.ETag != "" {
		req.Header.Set("If-None-Match", v.ETag)
		conditional = true
	}
	if v.LastModified != "" {
		req.Header.Set("If-Modified-Since", v.LastModified)
		conditional = true
	}

	sentAt := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(sentAt)

	logEntry := &types.CrawlRequest{
		SourceID:        sourceID,
		URL:             identityURL,
		Method:          method,
		SentAt:          sentAt,
		ReceivedAt:      time.Now(),
		RequestHeaders:  req.Header,
		Duration:        duration,
		Conditional:     conditional,
	}

	if err != nil {
		logEntry.Error = err.Error()
		c.logRequest(ctx, logEntry)
		return nil, &types.TransportError{URL: identityURL, Err: err}
	}
	defer resp.Body.Close()

	reader, err := decompressReader(resp)
	if err != nil {
		logEntry.Error = err.Error()
		c.logRequest(ctx, logEntry)
		return nil, &types.TransportError{URL: identityURL, Err: err}
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(reader, c.cfg.MaxBodySize))
	if err != nil {
		logEntry.Error = err.Error()
		c.logRequest(ctx, logEntry)
		return nil, &types.TransportError{URL: identityURL, Err: err}
	}

	logEntry.StatusCode = resp.StatusCode
	logEntry.ByteCount = int64(len(bodyBytes))
	logEntry.ResponseHeaders = resp.Header
	logEntry.NotModified = resp.StatusCode == http.StatusNotModified
	c.logRequest(ctx, logEntry)

	finalURL := identityURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	result := &types.FetchResult{
		URL:               identityURL,
		StatusCode:        resp.StatusCode,
		Headers:           resp.Header,
		Body:              bodyBytes,
		ContentType:       resp.Header.Get("Content-Type"),
		FinalURL:          finalURL,
		NotModified:       resp.StatusCode == http.StatusNotModified,
		ETag:              firstNonEmpty(resp.Header.Get("ETag"), v.ETag),
		LastModified:      firstNonEmpty(resp.Header.Get("Last-Modified"), v.LastModified),
		SuggestedFilename: FilenameFromContentDisposition(resp.Header.Get("Content-Disposition")),
		FetchDuration:     duration,
		FetchedAt:         time.Now(),
	}
	if serverDate, ok := ParseServerDate(resp.Header.Get("Last-Modified")); ok {
		result.ServerDate = &serverDate
	}

	return result, nil
}

func (c *Client) logRequest(ctx context.Context, r *types.CrawlRequest) {
	if c.requestLog == nil {
		return
	}
	if err := c.requestLog.LogRequest(ctx, r); err != nil {
		c.logger.Warn("log_request failed", "url", r.URL, "error", err)
	}
}

// applyFeedback drives the Rate Limiter's feedback rules (spec §4.B) from
// the fetch outcome. 403 pattern detection records the URL and, if a
// caller needs to react to escalation, it can re-check Stats; the fetch
// path itself does not retry on 403. Any response carrying Retry-After,
// a 403 included, escalates as rate limiting before 403 pattern detection
// is considered.
func (c *Client) applyFeedback(ctx context.Context, domain, rawURL string, r *types.FetchResult) error {
	if r.NotModified || r.IsSuccess() {
		return c.limiter.RecordSuccess(ctx, domain)
	}
	retryAfter := r.Headers.Get("Retry-After")
	if retryAfter != "" || r.StatusCode == 429 || r.StatusCode == 503 {
		return c.limiter.RecordRateLimited(ctx, domain)
	}
	if r.StatusCode == http.StatusForbidden {
		_, err := c.limiter.Record403(ctx, domain, rawURL)
		return err
	}
	if r.StatusCode >= 500 {
		return c.limiter.RecordServerError(ctx, domain)
	}
	return nil
}

func bytesReaderOrNil(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// decompressReader wraps resp.Body to undo gzip/deflate/br encodings,
// since the transport advertises support but does not auto-decode
// (DisableCompression is set so we can see and log Content-Encoding).
func decompressReader(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "deflate":
		return flate.NewReader(resp.Body), nil
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

// ParseRetryAfter parses a Retry-After header: either an integer number of
// seconds (capped at 120s) or an HTTP-date (capped at 2 minutes out).
func ParseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		d := time.Duration(secs) * time.Second
		if d > 120*time.Second {
			d = 120 * time.Second
		}
		if d < 0 {
			d = 0
		}
		return d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d > 2*time.Minute {
			d = 2 * time.Minute
		}
		if d < 0 {
			d = 0
		}
		return d
	}
	return 0
}

// RandomDelay returns a politeness jitter in [base, base+jitter).
func RandomDelay(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(jitter)))
}
