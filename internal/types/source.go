package types

import "time"

// Source is a configured crawl target: identifier, display name, base URL,
// and an opaque configuration blob owned by the Discovery Engine. Created
// by an operator, mutated only by config reload, destroyed on explicit
// delete.
type Source struct {
	ID        string
	Name      string
	BaseURL   string
	Config    []byte // opaque JSON-encoded SourceConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CrawlState is a derived, per-source aggregate view: pending/fetched/failed
// counts, last run timestamps, and a hash of the effective source
// configuration (used by check_config_changed).
type CrawlState struct {
	SourceID       string
	PendingCount   int64
	FetchedCount   int64
	FailedCount    int64
	DiscoveredCount int64
	LastStartedAt  *time.Time
	LastCompletedAt *time.Time
	ConfigHash     string
}
