package http

import (
	"context"
	"log"
	"net/http"

	"github.com/syncbridge/syncbridge/internal/config"
	"github.com/syncbridge/syncbridge/internal/ingest"
	"github.com/syncbridge/syncbridge/internal/observability"
)

// ModeSwitcher is the slice of the sync service the admin surface needs.
type ModeSwitcher interface {
	Mode() config.Mode
	SwitchMode(config.Mode)
}

// FeedController starts and stops the event feed consumer. The consumer
// runs in lake mode and is detached in parallel mode.
type FeedController interface {
	Start() error
	Stop() error
	Running() bool
}

// SwitchHandler handles POST /v1/admin/switch-lake and
// POST /v1/admin/switch-parallel: it flips the routing mode and attaches or
// detaches the feed consumer to match.
type SwitchHandler struct {
	switcher ModeSwitcher
	feed     FeedController // may be nil when the feed is disabled
	target   config.Mode
}

// NewSwitchHandler creates a mode switch handler for the target mode.
func NewSwitchHandler(switcher ModeSwitcher, feed FeedController, target config.Mode) *SwitchHandler {
	return &SwitchHandler{
		switcher: switcher,
		feed:     feed,
		target:   target,
	}
}

// ServeHTTP handles the mode switch request.
func (h *SwitchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	previous := h.switcher.Mode()
	h.switcher.SwitchMode(h.target)

	if h.feed != nil {
		var err error
		if h.target == config.ModeLake {
			err = h.feed.Start()
		} else {
			err = h.feed.Stop()
		}
		if err != nil {
			// The mode already switched; report the feed problem but do not
			// roll back, matching how operators use this endpoint.
			log.Printf("Feed control failed during switch to %s: %v", h.target, err)
			writeError(w, http.StatusInternalServerError, err.Error(), requestID)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":       h.target,
		"previous":   previous,
		"request_id": requestID,
	})
}

// StatsResponse is the response for GET /v1/stats.
type StatsResponse struct {
	Mode      config.Mode           `json:"mode"`
	CacheSize int                   `json:"cache_size"`
	Routing   observability.Snapshot `json:"routing"`
	Ingest    ingest.RouterStats    `json:"ingest"`
	RequestID string                `json:"request_id"`
}

// StatsHandler handles GET /v1/stats.
type StatsHandler struct {
	switcher  ModeSwitcher
	routes    *observability.RouteStats
	ingestFn  func() ingest.RouterStats
	cacheSize func() int
}

// NewStatsHandler creates a stats handler.
func NewStatsHandler(switcher ModeSwitcher, routes *observability.RouteStats, ingestFn func() ingest.RouterStats, cacheSize func() int) *StatsHandler {
	return &StatsHandler{
		switcher:  switcher,
		routes:    routes,
		ingestFn:  ingestFn,
		cacheSize: cacheSize,
	}
}

// ServeHTTP handles the stats request.
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	resp := StatsResponse{
		Mode:      h.switcher.Mode(),
		RequestID: requestID,
	}
	if h.routes != nil {
		resp.Routing = h.routes.Snapshot()
	}
	if h.ingestFn != nil {
		resp.Ingest = h.ingestFn()
	}
	if h.cacheSize != nil {
		resp.CacheSize = h.cacheSize()
	}

	writeJSON(w, http.StatusOK, resp)
}

// HealthHandler handles GET /health.
type HealthHandler struct {
	switcher  ModeSwitcher
	feed      FeedController // may be nil
	cacheSize func() int
	lakePing  func(context.Context) error // may be nil
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(switcher ModeSwitcher, feed FeedController, cacheSize func() int, lakePing func(context.Context) error) *HealthHandler {
	return &HealthHandler{
		switcher:  switcher,
		feed:      feed,
		cacheSize: cacheSize,
		lakePing:  lakePing,
	}
}

// ServeHTTP handles the health request. Lake unreachability degrades the
// report but does not fail it: the cache keeps serving.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "ok",
		"mode":   h.switcher.Mode(),
	}
	if h.cacheSize != nil {
		status["cache_size"] = h.cacheSize()
	}
	if h.feed != nil {
		status["consumer_running"] = h.feed.Running()
	}
	if h.lakePing != nil {
		if err := h.lakePing(r.Context()); err != nil {
			status["lake"] = "unreachable"
			status["status"] = "degraded"
		} else {
			status["lake"] = "ok"
		}
	}

	writeJSON(w, http.StatusOK, status)
}
