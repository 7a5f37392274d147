package corpus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/foiacquire/corpus/internal/config"
	"github.com/foiacquire/corpus/internal/contentstore"
	"github.com/foiacquire/corpus/internal/types"
)

// fakeStore implements crawlstore.Store with no-op bodies, enough to
// satisfy New's non-nil requirement for SDK-level option tests that never
// call build/Run.
type fakeStore struct{}

func (fakeStore) AddURL(ctx context.Context, u *types.CrawlURL) (bool, error) { return true, nil }
func (fakeStore) GetPending(ctx context.Context, sourceID string, limit int) ([]*types.CrawlURL, error) {
	return nil, nil
}
func (fakeStore) ClaimPending(ctx context.Context, sourceID string) (*types.CrawlURL, error) {
	return nil, nil
}
func (fakeStore) GetRetryable(ctx context.Context, sourceID string, maxRetries, limit int) ([]*types.CrawlURL, error) {
	return nil, nil
}
func (fakeStore) GetNeedingRefresh(ctx context.Context, sourceID string, cutoff time.Time, limit int) ([]*types.CrawlURL, error) {
	return nil, nil
}
func (fakeStore) MarkForRefresh(ctx context.Context, sourceID, url string) error { return nil }
func (fakeStore) UpdateURL(ctx context.Context, u *types.CrawlURL) error         { return nil }
func (fakeStore) LogRequest(ctx context.Context, req *types.CrawlRequest) error  { return nil }
func (fakeStore) CheckConfigChanged(ctx context.Context, sourceID, hash string) (bool, error) {
	return false, nil
}
func (fakeStore) StoreConfigHash(ctx context.Context, sourceID, hash string) error { return nil }
func (fakeStore) GetDocumentBySourceURL(ctx context.Context, sourceID, sourceURL string) (*types.Document, error) {
	return nil, nil
}
func (fakeStore) LatestVersion(ctx context.Context, documentID string) (*types.DocumentVersion, error) {
	return nil, nil
}
func (fakeStore) CreateDocument(ctx context.Context, doc *types.Document) error     { return nil }
func (fakeStore) AppendVersion(ctx context.Context, v *types.DocumentVersion) error { return nil }

func testContentStore(t *testing.T) *contentstore.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cs, err := contentstore.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("contentstore.New: %v", err)
	}
	return cs
}

func TestNewRequiresStoreAndContent(t *testing.T) {
	content := testContentStore(t)
	if _, err := New("src", nil, content); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := New("src", fakeStore{}, nil); err == nil {
		t.Fatal("expected error for nil content store")
	}
}

func TestNewDefaultsToMemoryRateLimit(t *testing.T) {
	a, err := New("src", fakeStore{}, testContentStore(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.rateBackend == nil {
		t.Fatal("expected a default rate limit backend")
	}
}

func TestOptionsConfigureSourceConfig(t *testing.T) {
	a, err := New("src", fakeStore{}, testContentStore(t),
		WithBaseURL("https://example.gov"),
		WithDiscoveryType(config.DiscoverySitemap),
		WithMaxDepth(2),
		WithDocumentPatterns(`\.pdf$`),
		WithUserAgent("corpus-bot/1.0"),
		WithRequestDelay(500),
		WithRefreshTTL(7),
		WithConcurrency(16),
		WithMaxRetries(2),
		WithBinaryFetch(),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := a.Config()
	if cfg.BaseURL != "https://example.gov" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.Discovery.BaseURL != "https://example.gov" {
		t.Errorf("Discovery.BaseURL not defaulted from BaseURL: %q", cfg.Discovery.BaseURL)
	}
	if cfg.Discovery.Type != config.DiscoverySitemap {
		t.Errorf("Discovery.Type = %q", cfg.Discovery.Type)
	}
	if cfg.Discovery.MaxDepth != 2 {
		t.Errorf("MaxDepth = %d", cfg.Discovery.MaxDepth)
	}
	if len(cfg.Discovery.DocumentPatterns) != 1 {
		t.Errorf("DocumentPatterns = %v", cfg.Discovery.DocumentPatterns)
	}
	if cfg.UserAgent != "corpus-bot/1.0" {
		t.Errorf("UserAgent = %q", cfg.UserAgent)
	}
	if cfg.RequestDelayMs != 500 {
		t.Errorf("RequestDelayMs = %d", cfg.RequestDelayMs)
	}
	if cfg.RefreshTTLDays != 7 {
		t.Errorf("RefreshTTLDays = %d", cfg.RefreshTTLDays)
	}
	if !cfg.Fetch.BinaryFetch {
		t.Error("expected BinaryFetch true")
	}
	if a.workers != 16 {
		t.Errorf("workers = %d", a.workers)
	}
	if a.maxRetries != 2 {
		t.Errorf("maxRetries = %d", a.maxRetries)
	}
	if cfg.Name != "src" {
		t.Errorf("Name = %q, want source ID", cfg.Name)
	}
}

func TestWithViaForwardsIntoHTTPConfig(t *testing.T) {
	a, err := New("src", fakeStore{}, testContentStore(t),
		WithBaseURL("https://example.gov"),
		WithVia(map[string]string{"example.gov": "https://mirror.example.org"}, "fallback"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.build(context.Background()); err != nil {
		t.Fatalf("build: %v", err)
	}
	if a.httpCfg.Via["example.gov"] != "https://mirror.example.org" {
		t.Errorf("httpCfg.Via not forwarded: %v", a.httpCfg.Via)
	}
	if string(a.httpCfg.ViaMode) != "fallback" {
		t.Errorf("httpCfg.ViaMode = %q, want fallback", a.httpCfg.ViaMode)
	}
}

func TestBuildWithBinaryFetchAssemblesPipeline(t *testing.T) {
	a, err := New("src", fakeStore{}, testContentStore(t),
		WithBaseURL("https://example.gov"),
		WithBinaryFetch(),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.build(context.Background()); err != nil {
		t.Fatalf("build: %v", err)
	}
	if a.pipeline == nil {
		t.Fatal("expected build to set a.pipeline")
	}
}

func TestWithBrowserEnablesBrowserAndUseBrowser(t *testing.T) {
	a, err := New("src", fakeStore{}, testContentStore(t),
		WithBrowser(config.EngineStealth, "ws://localhost:7317"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg := a.Config()
	if !cfg.Browser.Enabled {
		t.Error("expected Browser.Enabled")
	}
	if !cfg.Fetch.UseBrowser {
		t.Error("expected Fetch.UseBrowser")
	}
	if len(cfg.Browser.EndpointURLs()) != 1 || cfg.Browser.EndpointURLs()[0] != "ws://localhost:7317" {
		t.Errorf("endpoints = %v", cfg.Browser.EndpointURLs())
	}
}
