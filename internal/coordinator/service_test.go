package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/foiacquire/corpus/internal/config"
	"github.com/foiacquire/corpus/internal/contentstore"
	"github.com/foiacquire/corpus/internal/types"
)

// fakeConfigStore implements just enough of crawlstore.Store for
// ConfigChangePoller tests.
type fakeConfigStore struct {
	hashes map[string]string
}

func (f *fakeConfigStore) AddURL(ctx context.Context, u *types.CrawlURL) (bool, error) { return true, nil }
func (f *fakeConfigStore) GetPending(ctx context.Context, sourceID string, limit int) ([]*types.CrawlURL, error) {
	return nil, nil
}
func (f *fakeConfigStore) ClaimPending(ctx context.Context, sourceID string) (*types.CrawlURL, error) {
	return nil, nil
}
func (f *fakeConfigStore) GetRetryable(ctx context.Context, sourceID string, maxRetries, limit int) ([]*types.CrawlURL, error) {
	return nil, nil
}
func (f *fakeConfigStore) GetNeedingRefresh(ctx context.Context, sourceID string, cutoff time.Time, limit int) ([]*types.CrawlURL, error) {
	return nil, nil
}
func (f *fakeConfigStore) MarkForRefresh(ctx context.Context, sourceID, url string) error { return nil }
func (f *fakeConfigStore) UpdateURL(ctx context.Context, u *types.CrawlURL) error         { return nil }
func (f *fakeConfigStore) LogRequest(ctx context.Context, req *types.CrawlRequest) error  { return nil }

func (f *fakeConfigStore) CheckConfigChanged(ctx context.Context, sourceID, hash string) (bool, error) {
	return f.hashes[sourceID] != hash, nil
}
func (f *fakeConfigStore) StoreConfigHash(ctx context.Context, sourceID, hash string) error {
	f.hashes[sourceID] = hash
	return nil
}

func (f *fakeConfigStore) GetDocumentBySourceURL(ctx context.Context, sourceID, sourceURL string) (*types.Document, error) {
	return nil, nil
}
func (f *fakeConfigStore) LatestVersion(ctx context.Context, documentID string) (*types.DocumentVersion, error) {
	return nil, nil
}
func (f *fakeConfigStore) CreateDocument(ctx context.Context, doc *types.Document) error { return nil }
func (f *fakeConfigStore) AppendVersion(ctx context.Context, v *types.DocumentVersion) error {
	return nil
}

var _ contentstore.DocumentRegistry = (*fakeConfigStore)(nil)

func TestConfigChangePollerDetectsFirstCheckAsChanged(t *testing.T) {
	store := &fakeConfigStore{hashes: make(map[string]string)}
	poller := NewConfigChangePoller(store, "src")

	changed, err := poller.Check(context.Background(), config.DefaultSourceConfig())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !changed {
		t.Fatal("expected first check to report changed")
	}
}

func TestConfigChangePollerNoChangeOnRepeat(t *testing.T) {
	store := &fakeConfigStore{hashes: make(map[string]string)}
	poller := NewConfigChangePoller(store, "src")
	cfg := config.DefaultSourceConfig()

	if _, err := poller.Check(context.Background(), cfg); err != nil {
		t.Fatalf("Check: %v", err)
	}
	changed, err := poller.Check(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if changed {
		t.Fatal("expected second check with identical config to report unchanged")
	}
}

func TestConfigChangePollerDetectsEdit(t *testing.T) {
	store := &fakeConfigStore{hashes: make(map[string]string)}
	poller := NewConfigChangePoller(store, "src")
	cfg := config.DefaultSourceConfig()

	if _, err := poller.Check(context.Background(), cfg); err != nil {
		t.Fatalf("Check: %v", err)
	}
	cfg.Discovery.MaxDepth = 5
	changed, err := poller.Check(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !changed {
		t.Fatal("expected edited config to report changed")
	}
}

func TestServiceStatusIsStale(t *testing.T) {
	s := ServiceStatus{LastHeartbeat: time.Now().Add(-time.Hour)}
	if !s.IsStale(time.Minute) {
		t.Fatal("expected hour-old heartbeat to be stale against a 1-minute threshold")
	}
	s2 := ServiceStatus{LastHeartbeat: time.Now()}
	if s2.IsStale(time.Minute) {
		t.Fatal("expected fresh heartbeat to not be stale")
	}
}
