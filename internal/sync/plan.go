// Package sync orchestrates reads: it classifies users by activity, routes
// each request to the hot cache or the analytical store under a latency
// budget, and annotates every result with where it came from and how stale
// it is.
package sync

import (
	"time"

	"github.com/syncbridge/syncbridge/pkg/types"
)

// Source identifies which store served a read.
type Source string

const (
	// SourceCache means the hot cache served the read.
	SourceCache Source = "CACHE"
	// SourceLake means the analytical store served the read.
	SourceLake Source = "LAKE"
)

// Routing reasons attached to query plans.
const (
	ReasonActiveFresh         = "active-fresh"
	ReasonActiveStale         = "active-stale"
	ReasonInactiveRefresh     = "inactive-refresh"
	ReasonInactiveCacheOnly   = "inactive-cache-only"
	ReasonInactiveLakeFailed  = "inactive-lake-failed"
	ReasonCacheMiss           = "cache-miss"
	ReasonColdLoad            = "cold-load"
	ReasonParallelCache       = "parallel-cache"
	ReasonParallelLake        = "parallel-lake"
)

// QueryPlan records the routing decision for one read.
type QueryPlan struct {
	Source      Source `json:"source"`
	Reason      string `json:"reason"`
	StalenessMs int64  `json:"staleness_ms"`
}

// Result is a normalized, staleness-annotated read result.
type Result struct {
	UserID       string                 `json:"user_id"`
	Payload      map[string]interface{} `json:"payload"`
	LastEventSeq uint64                 `json:"last_event_seq"`
	LastSeenAt   time.Time              `json:"last_seen_at"`
	Activity     types.ActivityState    `json:"activity"`
	Plan         QueryPlan              `json:"plan"`
}

// BatchResult holds the outcome of a multi-user read.
type BatchResult struct {
	Results  []*Result `json:"users"`
	NotFound []string  `json:"not_found"`
}
