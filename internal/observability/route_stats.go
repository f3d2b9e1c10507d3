// Package observability provides routing statistics for monitoring which
// source served each read and how stale the served data was.
package observability

import (
	"sync"
	"time"
)

// ReadOutcome describes one completed read for stats purposes.
type ReadOutcome struct {
	// Source is the serving source ("CACHE" or "LAKE"), empty on failure.
	Source string
	// Reason is the routing reason attached to the query plan.
	Reason string
	// StalenessMs is the served data's age; meaningful for cache serves.
	StalenessMs int64
	// Latency is the end-to-end read duration.
	Latency time.Duration
	// Code is the error code for failed reads, empty on success.
	Code string
}

// SourceStats holds per-source serve counters.
type SourceStats struct {
	Count          int64 `json:"count"`
	StalenessSumMs int64 `json:"staleness_sum_ms"`
	StalenessMaxMs int64 `json:"staleness_max_ms"`
}

// RouteStats aggregates read outcomes. All methods are O(1) and
// thread-safe.
type RouteStats struct {
	mu             sync.RWMutex
	bySource       map[string]*SourceStats
	byReason       map[string]int64
	failures       map[string]int64
	totalReads     int64
	latencySum     time.Duration
	latencyMax     time.Duration
	budgetExceeded int64
	startedAt      time.Time
}

// NewRouteStats creates a routing statistics tracker.
func NewRouteStats() *RouteStats {
	return &RouteStats{
		bySource:  make(map[string]*SourceStats),
		byReason:  make(map[string]int64),
		failures:  make(map[string]int64),
		startedAt: time.Now(),
	}
}

// Record aggregates one read outcome.
func (r *RouteStats) Record(outcome ReadOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalReads++
	r.latencySum += outcome.Latency
	if outcome.Latency > r.latencyMax {
		r.latencyMax = outcome.Latency
	}

	if outcome.Code != "" {
		r.failures[outcome.Code]++
		if outcome.Code == "BUDGET_EXCEEDED" {
			r.budgetExceeded++
		}
		return
	}

	stats, exists := r.bySource[outcome.Source]
	if !exists {
		stats = &SourceStats{}
		r.bySource[outcome.Source] = stats
	}
	stats.Count++
	stats.StalenessSumMs += outcome.StalenessMs
	if outcome.StalenessMs > stats.StalenessMaxMs {
		stats.StalenessMaxMs = outcome.StalenessMs
	}

	if outcome.Reason != "" {
		r.byReason[outcome.Reason]++
	}
}

// Snapshot is a point-in-time copy of the aggregates, shaped for JSON.
type Snapshot struct {
	TotalReads     int64                   `json:"total_reads"`
	BySource       map[string]*SourceStats `json:"by_source"`
	ByReason       map[string]int64        `json:"by_reason"`
	Failures       map[string]int64        `json:"failures"`
	BudgetExceeded int64                   `json:"budget_exceeded"`
	AvgLatencyMs   float64                 `json:"avg_latency_ms"`
	MaxLatencyMs   float64                 `json:"max_latency_ms"`
	UptimeSeconds  float64                 `json:"uptime_seconds"`
}

// Snapshot returns a consistent copy of the current aggregates.
func (r *RouteStats) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		TotalReads:     r.totalReads,
		BySource:       make(map[string]*SourceStats, len(r.bySource)),
		ByReason:       make(map[string]int64, len(r.byReason)),
		Failures:       make(map[string]int64, len(r.failures)),
		BudgetExceeded: r.budgetExceeded,
		MaxLatencyMs:   float64(r.latencyMax) / float64(time.Millisecond),
		UptimeSeconds:  time.Since(r.startedAt).Seconds(),
	}
	if r.totalReads > 0 {
		snap.AvgLatencyMs = float64(r.latencySum) / float64(r.totalReads) / float64(time.Millisecond)
	}
	for source, stats := range r.bySource {
		cp := *stats
		snap.BySource[source] = &cp
	}
	for reason, count := range r.byReason {
		snap.ByReason[reason] = count
	}
	for code, count := range r.failures {
		snap.Failures[code] = count
	}
	return snap
}
