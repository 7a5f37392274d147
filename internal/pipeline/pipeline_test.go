package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/foiacquire/corpus/internal/contentstore"
	"github.com/foiacquire/corpus/internal/httpclient"
	"github.com/foiacquire/corpus/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory crawlstore.Store double for pipeline tests.
type fakeStore struct {
	mu        sync.Mutex
	pending   []*types.CrawlURL
	urls      map[string]*types.CrawlURL
	documents map[string]*types.Document
	versions  map[string][]*types.DocumentVersion
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		urls:      make(map[string]*types.CrawlURL),
		documents: make(map[string]*types.Document),
		versions:  make(map[string][]*types.DocumentVersion),
	}
}

func (f *fakeStore) AddURL(ctx context.Context, u *types.CrawlURL) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.urls[u.URL]; ok {
		return false, nil
	}
	f.urls[u.URL] = u
	f.pending = append(f.pending, u)
	return true, nil
}

func (f *fakeStore) GetPending(ctx context.Context, sourceID string, limit int) ([]*types.CrawlURL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.CrawlURL
	var rest []*types.CrawlURL
	for _, u := range f.pending {
		if len(out) < limit && u.Status == types.StatusPending {
			out = append(out, u)
		} else {
			rest = append(rest, u)
		}
	}
	f.pending = rest
	return out, nil
}

func (f *fakeStore) ClaimPending(ctx context.Context, sourceID string) (*types.CrawlURL, error) {
	return nil, nil
}

func (f *fakeStore) GetRetryable(ctx context.Context, sourceID string, maxRetries, limit int) ([]*types.CrawlURL, error) {
	return nil, nil
}

func (f *fakeStore) GetNeedingRefresh(ctx context.Context, sourceID string, cutoff time.Time, limit int) ([]*types.CrawlURL, error) {
	return nil, nil
}

func (f *fakeStore) MarkForRefresh(ctx context.Context, sourceID, url string) error { return nil }

func (f *fakeStore) UpdateURL(ctx context.Context, u *types.CrawlURL) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls[u.URL] = u
	return nil
}

func (f *fakeStore) LogRequest(ctx context.Context, req *types.CrawlRequest) error { return nil }

func (f *fakeStore) CheckConfigChanged(ctx context.Context, sourceID, hash string) (bool, error) {
	return false, nil
}

func (f *fakeStore) StoreConfigHash(ctx context.Context, sourceID, hash string) error { return nil }

func (f *fakeStore) GetDocumentBySourceURL(ctx context.Context, sourceID, sourceURL string) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.documents[sourceURL]
	if !ok {
		return nil, nil
	}
	return d, nil
}

func (f *fakeStore) LatestVersion(ctx context.Context, documentID string) (*types.DocumentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vs := f.versions[documentID]
	if len(vs) == 0 {
		return nil, nil
	}
	return vs[len(vs)-1], nil
}

func (f *fakeStore) CreateDocument(ctx context.Context, doc *types.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents[doc.SourceURL] = doc
	return nil
}

func (f *fakeStore) AppendVersion(ctx context.Context, v *types.DocumentVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[v.DocumentID] = append(f.versions[v.DocumentID], v)
	return nil
}

// fakeFetcher returns a fixed body for every URL.
type fakeFetcher struct{ body string }

func (f *fakeFetcher) Get(ctx context.Context, sourceID, rawURL string, v httpclient.Validators) (*types.FetchResult, error) {
	return &types.FetchResult{
		URL:         rawURL,
		StatusCode:  200,
		ContentType: "text/plain",
		Body:        []byte(f.body),
		FetchedAt:   time.Now(),
	}, nil
}

func TestPipelineRunFetchesPendingURLs(t *testing.T) {
	dir, err := os.MkdirTemp("", "corpus-pipeline-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	store := newFakeStore()
	content, err := contentstore.New(dir, testLogger())
	if err != nil {
		t.Fatalf("contentstore.New: %v", err)
	}
	u := &types.CrawlURL{SourceID: "src1", URL: "https://example.com/doc", Status: types.StatusPending, DiscoveredAt: time.Now()}
	if _, err := store.AddURL(context.Background(), u); err != nil {
		t.Fatalf("AddURL: %v", err)
	}

	p := New(Config{SourceID: "src1", Workers: 2}, store, content, &fakeFetcher{body: "hello world"}, nil, nil, testLogger())

	results, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Status != types.StatusFetched {
		t.Errorf("expected StatusFetched, got %v (err=%v)", results[0].Status, results[0].Err)
	}
}

func TestPipelineWorkerExitsOnBrowserUnavailable(t *testing.T) {
	dir, err := os.MkdirTemp("", "corpus-pipeline-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	store := newFakeStore()
	content, err := contentstore.New(dir, testLogger())
	if err != nil {
		t.Fatalf("contentstore.New: %v", err)
	}
	u := &types.CrawlURL{SourceID: "src1", URL: "https://example.com/needs-browser", Status: types.StatusPending, DiscoveredAt: time.Now()}
	store.AddURL(context.Background(), u)

	p := New(Config{SourceID: "src1", Workers: 1, UseBrowser: true}, store, content, nil, nil, nil, testLogger())

	results, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected worker to exit without emitting a Failed result for a browser outage, got %v", results)
	}
	store.mu.Lock()
	got := store.urls[u.URL].Status
	store.mu.Unlock()
	if got != types.StatusPending {
		t.Errorf("expected URL to remain Pending after a browser-unavailable exit, got %v", got)
	}
}

// fakeBrowser is a BrowserFetcher + Preflighter double for exercising
// preflight-abort and binary-fetch routing without a real Browser Pool.
type fakeBrowser struct {
	preflightErr error
	binaryCalls  []string
}

func (b *fakeBrowser) Preflight(ctx context.Context) error { return b.preflightErr }

func (b *fakeBrowser) Fetch(ctx context.Context, rawURL string) (*types.FetchResult, error) {
	return &types.FetchResult{URL: rawURL, StatusCode: 200, ContentType: "text/html", Body: []byte("<html></html>")}, nil
}

func (b *fakeBrowser) FetchBinary(ctx context.Context, rawURL, contextURL string) (*types.FetchResult, error) {
	b.binaryCalls = append(b.binaryCalls, rawURL)
	return &types.FetchResult{URL: rawURL, StatusCode: 200, ContentType: "application/pdf", Body: []byte("%PDF-1.4")}, nil
}

func TestPipelineAbortsOnPreflightFailure(t *testing.T) {
	dir, err := os.MkdirTemp("", "corpus-pipeline-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	store := newFakeStore()
	content, err := contentstore.New(dir, testLogger())
	if err != nil {
		t.Fatalf("contentstore.New: %v", err)
	}
	u := &types.CrawlURL{SourceID: "src1", URL: "https://example.com/needs-browser", Status: types.StatusPending, DiscoveredAt: time.Now()}
	store.AddURL(context.Background(), u)

	browser := &fakeBrowser{preflightErr: &types.BrowserUnavailableError{Err: context.DeadlineExceeded}}
	p := New(Config{SourceID: "src1", Workers: 2, UseBrowser: true}, store, content, nil, browser, nil, testLogger())

	results, err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected a BrowserUnavailableError from Run, got nil")
	}
	var unavailable *types.BrowserUnavailableError
	if !errors.As(err, &unavailable) {
		t.Errorf("expected *types.BrowserUnavailableError, got %T: %v", err, err)
	}
	if len(results) != 0 {
		t.Errorf("expected zero results on a preflight abort, got %d", len(results))
	}
	store.mu.Lock()
	got := store.urls[u.URL].Status
	store.mu.Unlock()
	if got != types.StatusPending {
		t.Errorf("expected URL to remain Pending after a preflight abort, got %v", got)
	}
}

func TestPipelineRoutesPDFThroughBinaryFetch(t *testing.T) {
	dir, err := os.MkdirTemp("", "corpus-pipeline-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	store := newFakeStore()
	content, err := contentstore.New(dir, testLogger())
	if err != nil {
		t.Fatalf("contentstore.New: %v", err)
	}
	u := &types.CrawlURL{SourceID: "src1", URL: "https://example.com/report.pdf", Status: types.StatusPending, DiscoveredAt: time.Now()}
	store.AddURL(context.Background(), u)

	browser := &fakeBrowser{}
	cfg := Config{SourceID: "src1", Workers: 1, UseBrowser: true, BinaryFetch: true, ContextURL: "https://example.com"}
	p := New(cfg, store, content, nil, browser, nil, testLogger())

	results, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 || results[0].Status != types.StatusFetched {
		t.Fatalf("expected 1 fetched result, got %v", results)
	}
	if len(browser.binaryCalls) != 1 || browser.binaryCalls[0] != u.URL {
		t.Errorf("expected FetchBinary to be called once for %q, got %v", u.URL, browser.binaryCalls)
	}
}

// fakeDiscoverer emits one fixed set of freshly discovered URLs.
type fakeDiscoverer struct{ urls []*types.CrawlURL }

func (d *fakeDiscoverer) Discover(ctx context.Context, sourceID string, emit func(*types.CrawlURL) error) error {
	for _, u := range d.urls {
		if err := emit(u); err != nil {
			return err
		}
	}
	return nil
}

func TestPipelineDiscoveredURLsArePromotedToPendingBeforeFetch(t *testing.T) {
	dir, err := os.MkdirTemp("", "corpus-pipeline-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	store := newFakeStore()
	content, err := contentstore.New(dir, testLogger())
	if err != nil {
		t.Fatalf("contentstore.New: %v", err)
	}

	disc := &fakeDiscoverer{urls: []*types.CrawlURL{
		{SourceID: "src1", URL: "https://example.com/found", DiscoveryMethod: "html_crawl"},
	}}

	p := New(Config{SourceID: "src1", Workers: 2}, store, content, &fakeFetcher{body: "hello world"}, nil, disc, testLogger())

	results, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Status != types.StatusFetched {
		t.Errorf("expected StatusFetched, got %v (err=%v)", results[0].Status, results[0].Err)
	}

	store.mu.Lock()
	stored, ok := store.urls["https://example.com/found"]
	store.mu.Unlock()
	if !ok {
		t.Fatal("expected discovered URL to be persisted")
	}
	if stored.Status != types.StatusFetched {
		t.Errorf("expected final status StatusFetched after the fetch, got %v", stored.Status)
	}
}
