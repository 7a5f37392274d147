// Package coordinator tracks service liveness for a running acquisition
// process: periodic heartbeats to a shared store, and config-change
// detection (a stored config hash, compared before each run) that never
// invalidates already-discovered URLs (spec §4.E, §6). A detected change
// is logged; it does not reconfigure the Discovery Engine.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ServiceState mirrors the original service_status lifecycle.
type ServiceState string

const (
	StateStarting ServiceState = "starting"
	StateRunning  ServiceState = "running"
	StateIdle     ServiceState = "idle"
	StateError    ServiceState = "error"
	StateStopped  ServiceState = "stopped"
)

// Stats is the per-heartbeat snapshot of the outcome counts of the most
// recent Fetch Pipeline run; it is not cumulative across runs.
type Stats struct {
	URLsDiscovered int64 `bson:"urls_discovered"`
	URLsFetched    int64 `bson:"urls_fetched"`
	URLsFailed     int64 `bson:"urls_failed"`
	QueueSize      int64 `bson:"queue_size"`
}

// ServiceStatus is one process's liveness record, upserted by ID on every
// heartbeat. ID is conventionally "corpus:<source_id>".
type ServiceStatus struct {
	ID            string       `bson:"_id"`
	SourceID      string       `bson:"source_id"`
	Status        ServiceState `bson:"status"`
	LastHeartbeat time.Time    `bson:"last_heartbeat"`
	LastActivity  *time.Time   `bson:"last_activity,omitempty"`
	CurrentTask   string       `bson:"current_task,omitempty"`
	Stats         Stats        `bson:"stats"`
	StartedAt     time.Time    `bson:"started_at"`
	Host          string       `bson:"host,omitempty"`
	Version       string       `bson:"version,omitempty"`
	LastError     string       `bson:"last_error,omitempty"`
	LastErrorAt   *time.Time   `bson:"last_error_at,omitempty"`
	ErrorCount    int          `bson:"error_count"`
}

// HeartbeatReporter upserts ServiceStatus documents to a MongoDB collection,
// generalizing the teacher's MongoStorage.Store from fire-and-forget item
// writes to upsert-by-ID liveness tracking.
type HeartbeatReporter struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *slog.Logger

	mu      sync.Mutex
	current ServiceStatus
}

// NewHeartbeatReporter connects to uri and prepares the reporter for
// sourceID. host and version are recorded on every heartbeat for operator
// debugging across a fleet of processes.
func NewHeartbeatReporter(ctx context.Context, uri, database, host, version, sourceID string, logger *slog.Logger) (*HeartbeatReporter, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("coordinator: mongodb connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("coordinator: mongodb ping: %w", err)
	}

	now := time.Now().UTC()
	return &HeartbeatReporter{
		client:     client,
		collection: client.Database(database).Collection("service_status"),
		logger:     logger.With("component", "coordinator", "source", sourceID),
		current: ServiceStatus{
			ID:        "corpus:" + sourceID,
			SourceID:  sourceID,
			Status:    StateStarting,
			StartedAt: now,
			Host:      host,
			Version:   version,
		},
	}, nil
}

// SetRunning marks the service running with a human-readable task
// description, bumping last_activity alongside last_heartbeat.
func (h *HeartbeatReporter) SetRunning(ctx context.Context, task string, stats Stats) error {
	h.mu.Lock()
	now := time.Now().UTC()
	h.current.Status = StateRunning
	h.current.CurrentTask = task
	h.current.Stats = stats
	h.current.LastActivity = &now
	snapshot := h.current
	h.mu.Unlock()
	return h.upsert(ctx, snapshot)
}

// SetIdle marks the service idle between discovery/fetch cycles.
func (h *HeartbeatReporter) SetIdle(ctx context.Context) error {
	h.mu.Lock()
	h.current.Status = StateIdle
	h.current.CurrentTask = ""
	snapshot := h.current
	h.mu.Unlock()
	return h.upsert(ctx, snapshot)
}

// RecordError marks the service in an error state and increments its
// session error count.
func (h *HeartbeatReporter) RecordError(ctx context.Context, errMsg string) error {
	h.mu.Lock()
	now := time.Now().UTC()
	h.current.Status = StateError
	h.current.LastError = errMsg
	h.current.LastErrorAt = &now
	h.current.ErrorCount++
	snapshot := h.current
	h.mu.Unlock()
	return h.upsert(ctx, snapshot)
}

// SetStopped marks the service stopped, for graceful-shutdown reporting.
func (h *HeartbeatReporter) SetStopped(ctx context.Context) error {
	h.mu.Lock()
	h.current.Status = StateStopped
	h.current.CurrentTask = ""
	snapshot := h.current
	h.mu.Unlock()
	return h.upsert(ctx, snapshot)
}

func (h *HeartbeatReporter) upsert(ctx context.Context, status ServiceStatus) error {
	status.LastHeartbeat = time.Now().UTC()

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := h.collection.ReplaceOne(writeCtx, bson.M{"_id": status.ID}, status, options.Replace().SetUpsert(true))
	if err != nil {
		h.logger.Warn("heartbeat upsert failed", "error", err)
		return fmt.Errorf("coordinator: heartbeat upsert: %w", err)
	}
	return nil
}

// Close disconnects from MongoDB.
func (h *HeartbeatReporter) Close(ctx context.Context) error {
	return h.client.Disconnect(ctx)
}

// Loop re-sends the current status snapshot as a heartbeat every interval
// until ctx is cancelled; it does not change the status itself.
func (h *HeartbeatReporter) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			snapshot := h.current
			h.mu.Unlock()
			if err := h.upsert(ctx, snapshot); err != nil {
				h.logger.Warn("periodic heartbeat failed", "error", err)
			}
		}
	}
}

// IsStale reports whether status's last_heartbeat is older than threshold,
// the offline-detection rule ported from distributed.Master.MonitorNodes.
func (s ServiceStatus) IsStale(threshold time.Duration) bool {
	return time.Since(s.LastHeartbeat) > threshold
}
