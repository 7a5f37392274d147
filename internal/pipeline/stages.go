package pipeline

import (
	"context"
	"time"

	"github.com/foiacquire/corpus/internal/types"
)

// pendingStage emits previously-queued Pending URLs, batch by batch.
type pendingStage struct {
	sourceID string
	store    interface {
		GetPending(ctx context.Context, sourceID string, limit int) ([]*types.CrawlURL, error)
	}
	emit func(*types.CrawlURL) error
}

func (s *pendingStage) Name() string { return "pending" }

func (s *pendingStage) Count(ctx context.Context) (int, error) {
	batch, err := s.store.GetPending(ctx, s.sourceID, 1)
	return len(batch), err
}

func (s *pendingStage) RunChunk(ctx context.Context, chunkSize int) (StageResult, error) {
	batch, err := s.store.GetPending(ctx, s.sourceID, chunkSize)
	if err != nil {
		return StageResult{}, err
	}
	for _, u := range batch {
		if err := s.emit(u); err != nil {
			return StageResult{}, err
		}
	}
	return StageResult{Succeeded: len(batch), HasMore: len(batch) == chunkSize}, nil
}

// retryableStage emits Failed URLs whose backoff deadline has passed.
type retryableStage struct {
	sourceID   string
	maxRetries int
	store      interface {
		GetRetryable(ctx context.Context, sourceID string, maxRetries, limit int) ([]*types.CrawlURL, error)
	}
	emit func(*types.CrawlURL) error
}

func (s *retryableStage) Name() string { return "retryable" }

func (s *retryableStage) Count(ctx context.Context) (int, error) {
	batch, err := s.store.GetRetryable(ctx, s.sourceID, s.maxRetries, 1)
	return len(batch), err
}

func (s *retryableStage) RunChunk(ctx context.Context, chunkSize int) (StageResult, error) {
	batch, err := s.store.GetRetryable(ctx, s.sourceID, s.maxRetries, chunkSize)
	if err != nil {
		return StageResult{}, err
	}
	for _, u := range batch {
		if err := s.emit(u); err != nil {
			return StageResult{}, err
		}
	}
	return StageResult{Succeeded: len(batch), HasMore: len(batch) == chunkSize}, nil
}

// staleStage promotes Fetched URLs past the refresh TTL back to Pending
// and emits them.
type staleStage struct {
	sourceID string
	cutoff   time.Time
	store    interface {
		GetNeedingRefresh(ctx context.Context, sourceID string, cutoff time.Time, limit int) ([]*types.CrawlURL, error)
		MarkForRefresh(ctx context.Context, sourceID, url string) error
	}
	emit func(*types.CrawlURL) error
}

func (s *staleStage) Name() string { return "stale_refresh" }

func (s *staleStage) Count(ctx context.Context) (int, error) {
	batch, err := s.store.GetNeedingRefresh(ctx, s.sourceID, s.cutoff, 1)
	return len(batch), err
}

func (s *staleStage) RunChunk(ctx context.Context, chunkSize int) (StageResult, error) {
	batch, err := s.store.GetNeedingRefresh(ctx, s.sourceID, s.cutoff, chunkSize)
	if err != nil {
		return StageResult{}, err
	}
	for _, u := range batch {
		if err := s.store.MarkForRefresh(ctx, s.sourceID, u.URL); err != nil {
			return StageResult{}, err
		}
		u.Status = types.StatusPending
		if err := s.emit(u); err != nil {
			return StageResult{}, err
		}
	}
	return StageResult{Succeeded: len(batch), HasMore: len(batch) == chunkSize}, nil
}
