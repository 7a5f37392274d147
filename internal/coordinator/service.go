package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/foiacquire/corpus/internal/config"
	"github.com/foiacquire/corpus/internal/crawlstore"
	"github.com/foiacquire/corpus/internal/pipeline"
)

// ConfigChangePoller reports whether a source's effective config has
// changed since it was last stored, per spec §4.E/§6: a config change
// never invalidates already-discovered URLs, it only takes effect on the
// next discovery run.
type ConfigChangePoller struct {
	store    crawlstore.Store
	sourceID string
}

func NewConfigChangePoller(store crawlstore.Store, sourceID string) *ConfigChangePoller {
	return &ConfigChangePoller{store: store, sourceID: sourceID}
}

// Check hashes cfg and compares it against the last stored hash, storing
// the new hash if it differs so the next Check call sees no change.
func (p *ConfigChangePoller) Check(ctx context.Context, cfg *config.SourceConfig) (changed bool, err error) {
	hash, err := config.Hash(cfg)
	if err != nil {
		return false, err
	}
	changed, err = p.store.CheckConfigChanged(ctx, p.sourceID, hash)
	if err != nil {
		return false, err
	}
	if changed {
		if err := p.store.StoreConfigHash(ctx, p.sourceID, hash); err != nil {
			return false, err
		}
	}
	return changed, nil
}

// Service drives one source's Fetch Pipeline to completion on a fixed
// interval, reporting liveness through a HeartbeatReporter and checking
// the config hash before each run via ConfigChangePoller. Every run uses
// the config passed to Run: it is not re-read from its file, and the
// Pipeline is not rebuilt when the hash changes.
type Service struct {
	sourceID string
	pipeline *pipeline.Pipeline
	store    crawlstore.Store
	heartbeat *HeartbeatReporter
	poller   *ConfigChangePoller
	interval time.Duration
	logger   *slog.Logger
}

// NewService wires a daemon loop around an already-constructed Pipeline.
// heartbeat may be nil, which disables liveness reporting.
func NewService(sourceID string, p *pipeline.Pipeline, store crawlstore.Store, heartbeat *HeartbeatReporter, interval time.Duration, logger *slog.Logger) *Service {
	return &Service{
		sourceID:  sourceID,
		pipeline:  p,
		store:     store,
		heartbeat: heartbeat,
		poller:    NewConfigChangePoller(store, sourceID),
		interval:  interval,
		logger:    logger.With("component", "coordinator_service", "source", sourceID),
	}
}

// Run loops Pipeline.Run on interval until ctx is cancelled, reporting
// running/idle/error status at each phase boundary.
func (s *Service) Run(ctx context.Context, cfg *config.SourceConfig) error {
	if s.heartbeat != nil {
		go s.heartbeat.Loop(ctx, s.interval/2)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.runOnce(ctx, cfg); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			if s.heartbeat != nil {
				s.heartbeat.SetStopped(context.Background())
			}
			return nil
		case <-ticker.C:
			if err := s.runOnce(ctx, cfg); err != nil {
				s.logger.Error("pipeline run failed", "error", err)
				if s.heartbeat != nil {
					s.heartbeat.RecordError(ctx, err.Error())
				}
			}
		}
	}
}

func (s *Service) runOnce(ctx context.Context, cfg *config.SourceConfig) error {
	if changed, err := s.poller.Check(ctx, cfg); err != nil {
		s.logger.Warn("config change check failed", "error", err)
	} else if changed {
		s.logger.Info("source config changed, discovery will use the new config on this run")
	}

	if s.heartbeat != nil {
		s.heartbeat.SetRunning(ctx, "fetch_pipeline_run", Stats{})
	}

	results, err := s.pipeline.Run(ctx)
	if err != nil {
		return err
	}

	if s.heartbeat != nil {
		var stats Stats
		for _, r := range results {
			if r.Err != nil {
				stats.URLsFailed++
			} else {
				stats.URLsFetched++
			}
		}
		s.heartbeat.SetRunning(ctx, "fetch_pipeline_run_complete", stats)
		s.heartbeat.SetIdle(ctx)
	}
	return nil
}
