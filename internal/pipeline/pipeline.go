// Package pipeline implements the Fetch Pipeline (spec §4.H): two bounded
// channels connecting discovery/refresh producers to a worker pool that
// drives the Crawl Store, HTTP Client/Browser Pool, and Content Store.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/foiacquire/corpus/internal/contentstore"
	"github.com/foiacquire/corpus/internal/crawlstore"
	"github.com/foiacquire/corpus/internal/httpclient"
	"github.com/foiacquire/corpus/internal/observability"
	"github.com/foiacquire/corpus/internal/types"
)

const (
	urlChannelCapacity    = 500
	resultChannelCapacity = 100
	startupBatchSize      = 50
)

// Config controls one source run of the Fetch Pipeline.
type Config struct {
	SourceID   string
	Workers    int
	MaxRetries int
	RefreshTTL time.Duration
	UseBrowser bool

	// BinaryFetch routes .pdf URLs through the Browser Pool's in-page
	// fetch() + base64 decode instead of rendering them as HTML (spec
	// §4.D), bypassing bot protection that only guards the rendered page.
	BinaryFetch bool
	// ContextURL is the page FetchBinary navigates to before issuing the
	// in-page fetch, establishing cookies/session for the binary request.
	// Falls back to the document's own URL when empty.
	ContextURL string
}

// Fetcher is the narrow surface the pipeline needs from the HTTP Client.
type Fetcher interface {
	Get(ctx context.Context, sourceID, rawURL string, v httpclient.Validators) (*types.FetchResult, error)
}

// BrowserFetcher is the narrow surface the pipeline needs from the Browser
// Pool. A nil BrowserFetcher means sources requesting use_browser fail with
// a normal error rather than panicking.
type BrowserFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*types.FetchResult, error)
	FetchBinary(ctx context.Context, rawURL, contextURL string) (*types.FetchResult, error)
}

// Preflighter is an optional BrowserFetcher capability: a one-time
// connectivity check the Fetch Pipeline must pass before routing any
// crawl traffic through it (spec §4.D). A browser-enabled source run
// aborts entirely, with zero URLs claimed, if this fails.
type Preflighter interface {
	Preflight(ctx context.Context) error
}

// Discoverer produces newly discovered URLs onto urlCh, per spec §4.G. It
// must close no channel itself; the pipeline owns channel lifecycle.
type Discoverer interface {
	Discover(ctx context.Context, sourceID string, emit func(*types.CrawlURL) error) error
}

// Result is one worker outcome, delivered on the Fetch Pipeline's result
// channel for the caller to observe (metrics, logging, completion wait).
type Result struct {
	URL    *types.CrawlURL
	Status types.Status
	Err    error
}

// Pipeline is the Fetch Pipeline (spec §4.H).
type Pipeline struct {
	cfg        Config
	store      crawlstore.Store
	content    *contentstore.Store
	fetcher    Fetcher
	browser    BrowserFetcher
	discoverer Discoverer
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// SetMetrics attaches a Metrics instance the pipeline reports to. Safe to
// call with nil, which leaves metrics recording disabled.
func (p *Pipeline) SetMetrics(m *observability.Metrics) {
	p.metrics = m
}

// New constructs a Pipeline for one source run.
func New(cfg Config, store crawlstore.Store, content *contentstore.Store, fetcher Fetcher, browser BrowserFetcher, discoverer Discoverer, logger *slog.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Pipeline{
		cfg:        cfg,
		store:      store,
		content:    content,
		fetcher:    fetcher,
		browser:    browser,
		discoverer: discoverer,
		logger:     logger.With("component", "fetch_pipeline", "source_id", cfg.SourceID),
	}
}

// Run executes one full source pass: the four startup phases feed url_tx,
// N workers drain it, and Run blocks until every URL has been processed.
// It returns the final results (for callers that want a complete summary);
// large runs should instead read from Results via RunAsync.
func (p *Pipeline) Run(ctx context.Context) ([]Result, error) {
	resultCh, errCh := p.RunAsync(ctx)
	var results []Result
	for r := range resultCh {
		results = append(results, r)
	}
	select {
	case err := <-errCh:
		return results, err
	default:
		return results, nil
	}
}

// RunAsync starts discovery and the worker pool, returning a result
// channel the caller drains and an error channel that carries at most one
// discovery-phase error (capacity 1, closed after send or on clean exit).
//
// A browser-enabled source run preflights the Browser Pool first (spec
// §4.D: required before routing any crawl traffic). If every endpoint is
// unreachable, RunAsync aborts before starting any producer or worker
// goroutine: no URL is claimed, and the *types.BrowserUnavailableError
// arrives on errCh with both channels already closed.
func (p *Pipeline) RunAsync(ctx context.Context) (<-chan Result, <-chan error) {
	urlCh := make(chan *types.CrawlURL, urlChannelCapacity)
	resultCh := make(chan Result, resultChannelCapacity)
	errCh := make(chan error, 1)

	if p.cfg.UseBrowser {
		if pf, ok := p.browser.(Preflighter); ok {
			if err := pf.Preflight(ctx); err != nil {
				p.logger.Error("browser preflight failed, aborting source run", "error", err)
				close(urlCh)
				close(resultCh)
				errCh <- err
				close(errCh)
				return resultCh, errCh
			}
		}
	}

	go func() {
		defer close(urlCh)
		if err := p.produce(ctx, urlCh); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	go func() {
		defer close(resultCh)
		p.drainWorkers(ctx, urlCh, resultCh)
	}()

	return resultCh, errCh
}

// produce runs the four startup phases in order (spec §4.H), each feeding
// urlCh, before handing off to fresh discovery. The first three phases run
// as Stages over a PipelineRunner in Wide mode, since spec §4.H requires
// them strictly sequential (pending, then retryable, then stale); Deep
// mode exists on PipelineRunner for callers (e.g. a future post-fetch
// stage) that want interleaved execution instead.
func (p *Pipeline) produce(ctx context.Context, urlCh chan<- *types.CrawlURL) error {
	emit := func(u *types.CrawlURL) error { return send(ctx, urlCh, u) }

	runner := NewPipelineRunner(startupBatchSize)
	runner.AddStage(&pendingStage{sourceID: p.cfg.SourceID, store: p.store, emit: emit})
	runner.AddStage(&retryableStage{sourceID: p.cfg.SourceID, maxRetries: p.cfg.MaxRetries, store: p.store, emit: emit})
	if p.cfg.RefreshTTL > 0 {
		cutoff := time.Now().Add(-p.cfg.RefreshTTL)
		runner.AddStage(&staleStage{sourceID: p.cfg.SourceID, cutoff: cutoff, store: p.store, emit: emit})
	}
	if err := runner.Run(ctx, Wide); err != nil {
		return err
	}

	if p.discoverer != nil {
		return p.discoverer.Discover(ctx, p.cfg.SourceID, func(u *types.CrawlURL) error {
			return p.enqueueDiscovered(ctx, urlCh, u)
		})
	}
	return nil
}

// enqueueDiscovered persists a freshly discovered URL (idempotent), promotes
// it from discovered to pending so a restart's GetPending scan will still
// find it even if the process dies before this URL reaches a worker, and, if
// new, enqueues it.
func (p *Pipeline) enqueueDiscovered(ctx context.Context, urlCh chan<- *types.CrawlURL, u *types.CrawlURL) error {
	added, err := p.store.AddURL(ctx, u)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}
	u.Status = types.StatusPending
	if err := p.store.UpdateURL(ctx, u); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.URLsDiscovered.WithLabelValues(p.cfg.SourceID).Inc()
	}
	return send(ctx, urlCh, u)
}

func send(ctx context.Context, ch chan<- *types.CrawlURL, u *types.CrawlURL) error {
	select {
	case ch <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainWorkers runs cfg.Workers goroutines over urlCh and fans results
// into resultCh, closing it once every worker has exited (spec §5
// shutdown: discovery closes url_tx, workers exit on recv-none, a
// coordinator awaits all workers then closes result_tx).
func (p *Pipeline) drainWorkers(ctx context.Context, urlCh <-chan *types.CrawlURL, resultCh chan<- Result) {
	done := make(chan struct{}, p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go func(workerID int) {
			if p.metrics != nil {
				p.metrics.ActiveWorkers.WithLabelValues(p.cfg.SourceID).Inc()
				defer p.metrics.ActiveWorkers.WithLabelValues(p.cfg.SourceID).Dec()
			}
			defer func() { done <- struct{}{} }()
			p.worker(ctx, workerID, urlCh, resultCh)
		}(i)
	}
	for i := 0; i < p.cfg.Workers; i++ {
		<-done
	}
	if p.metrics != nil {
		p.metrics.QueueDepth.WithLabelValues(p.cfg.SourceID).Set(float64(len(urlCh)))
	}
}

// worker implements the per-URL loop in spec §4.H. On BrowserUnavailable
// it exits entirely rather than marking the URL failed, since the outage
// is infrastructural, not URL-specific.
func (p *Pipeline) worker(ctx context.Context, workerID int, urlCh <-chan *types.CrawlURL, resultCh chan<- Result) {
	log := p.logger.With("worker", workerID)
	for u := range urlCh {
		if u.Status == types.StatusFetched {
			resultCh <- Result{URL: u, Status: types.StatusSkipped}
			continue
		}

		u.Status = types.StatusFetching
		if err := p.store.UpdateURL(ctx, u); err != nil {
			log.Error("mark_fetching failed", "url", u.URL, "error", err)
			resultCh <- Result{URL: u, Status: types.StatusFailed, Err: err}
			continue
		}

		result, err := p.fetch(ctx, u)

		var unavailable *types.BrowserUnavailableError
		if errors.As(err, &unavailable) {
			log.Warn("browser pool unavailable, worker exiting", "error", err)
			if p.metrics != nil {
				p.metrics.BrowserUnavailable.WithLabelValues(p.cfg.SourceID).Inc()
			}
			u.Status = types.StatusPending // undo the Fetching claim, leave for another run
			_ = p.store.UpdateURL(ctx, u)
			return
		}

		if err != nil {
			p.markFailed(ctx, u, err)
			if p.metrics != nil {
				p.metrics.URLsFailed.WithLabelValues(p.cfg.SourceID).Inc()
			}
			resultCh <- Result{URL: u, Status: types.StatusFailed, Err: err}
			continue
		}

		if result.NotModified {
			p.markSkipped(ctx, u, result)
			if p.metrics != nil {
				p.metrics.URLsSkipped.WithLabelValues(p.cfg.SourceID).Inc()
			}
			resultCh <- Result{URL: u, Status: types.StatusSkipped}
			continue
		}

		title := result.SuggestedFilename
		if title == "" {
			title = u.URL
		}
		mimeType := result.ContentType
		hash, _, err := p.content.SaveDocument(ctx, p.store, u.SourceID, u.URL, title, title, mimeType, result.Body, result.ServerDate)
		if err != nil {
			log.Error("save document failed", "url", u.URL, "error", err)
			resultCh <- Result{URL: u, Status: types.StatusFailed, Err: err}
			continue
		}
		if p.metrics != nil {
			p.metrics.URLsFetched.WithLabelValues(p.cfg.SourceID).Inc()
			p.metrics.BytesDownloaded.WithLabelValues(p.cfg.SourceID).Add(float64(len(result.Body)))
		}

		u.ContentHash = hash
		u.ETag = result.ETag
		u.LastModified = result.LastModified
		u.Status = types.StatusFetched
		now := time.Now()
		u.FetchedAt = &now
		if err := p.store.UpdateURL(ctx, u); err != nil {
			log.Error("mark_fetched failed", "url", u.URL, "error", err)
		}

		resultCh <- Result{URL: u, Status: types.StatusFetched}
	}
}

func (p *Pipeline) fetch(ctx context.Context, u *types.CrawlURL) (*types.FetchResult, error) {
	if p.cfg.UseBrowser {
		if p.browser == nil {
			return nil, &types.BrowserUnavailableError{Err: types.ErrNoBrowserEndpoints}
		}
		if p.cfg.BinaryFetch && isPDF(u.URL) {
			contextURL := p.cfg.ContextURL
			if contextURL == "" {
				contextURL = u.URL
			}
			return p.browser.FetchBinary(ctx, u.URL, contextURL)
		}
		return p.browser.Fetch(ctx, u.URL)
	}
	v := httpclient.Validators{ETag: u.ETag, LastModified: u.LastModified}
	return p.fetcher.Get(ctx, u.SourceID, u.URL, v)
}

// isPDF reports whether rawURL names a PDF document by extension, mirroring
// the original implementation's binary-fetch routing rule.
func isPDF(rawURL string) bool {
	return strings.HasSuffix(strings.ToLower(rawURL), ".pdf")
}

func (p *Pipeline) markFailed(ctx context.Context, u *types.CrawlURL, err error) {
	u.Status = types.StatusFailed
	u.RetryCount++
	u.LastError = err.Error()
	delay := types.NextRetryDelay(u.RetryCount, time.Minute, 2.0, 6*time.Hour)
	next := time.Now().Add(delay)
	u.NextRetryAt = &next
	if updErr := p.store.UpdateURL(ctx, u); updErr != nil {
		p.logger.Error("mark_failed failed", "url", u.URL, "error", updErr)
	}
}

func (p *Pipeline) markSkipped(ctx context.Context, u *types.CrawlURL, r *types.FetchResult) {
	u.Status = types.StatusSkipped
	u.ETag = firstNonEmpty(r.ETag, u.ETag)
	u.LastModified = firstNonEmpty(r.LastModified, u.LastModified)
	if err := p.store.UpdateURL(ctx, u); err != nil {
		p.logger.Error("mark_skipped failed", "url", u.URL, "error", err)
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
