package sync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syncbridge/syncbridge/internal/activity"
	"github.com/syncbridge/syncbridge/internal/auth"
	"github.com/syncbridge/syncbridge/internal/cachestore"
	"github.com/syncbridge/syncbridge/internal/config"
	"github.com/syncbridge/syncbridge/internal/errors"
	"github.com/syncbridge/syncbridge/internal/lake"
	"github.com/syncbridge/syncbridge/internal/observability"
	"github.com/syncbridge/syncbridge/pkg/types"
)

// Service is the read-path orchestrator.
//
// In lake mode it serves cache-first: active users from the hot cache,
// inactive users preferably refreshed from the analytical store. In
// parallel mode every read races the cache against the store and the first
// usable answer wins. Every read runs under the configured latency budget;
// when the budget expires with nothing to serve the caller gets
// BudgetExceeded, never a hang.
type Service struct {
	store    *cachestore.Store
	lake     lake.Adapter
	tracker  *activity.Tracker
	verifier auth.Verifier
	stats    *observability.RouteStats

	freshnessWindow  time.Duration
	latencyBudget    time.Duration
	batchConcurrency int

	mode atomic.Value // config.Mode
}

// NewService creates the orchestrator. verifier may be nil to disable
// authentication; stats may be nil to disable aggregation.
func NewService(
	store *cachestore.Store,
	adapter lake.Adapter,
	tracker *activity.Tracker,
	verifier auth.Verifier,
	stats *observability.RouteStats,
	cfg config.RoutingConfig,
	mode config.Mode,
) *Service {
	s := &Service{
		store:            store,
		lake:             adapter,
		tracker:          tracker,
		verifier:         verifier,
		stats:            stats,
		freshnessWindow:  cfg.FreshnessWindow,
		latencyBudget:    cfg.LatencyBudget,
		batchConcurrency: cfg.BatchConcurrency,
	}
	if s.batchConcurrency < 1 {
		s.batchConcurrency = 1
	}
	s.mode.Store(mode)
	return s
}

// Mode returns the active data source mode.
func (s *Service) Mode() config.Mode {
	return s.mode.Load().(config.Mode)
}

// SwitchMode changes the data source mode for subsequent reads.
func (s *Service) SwitchMode(mode config.Mode) {
	s.mode.Store(mode)
	log.Printf("Data source mode switched to %s", mode)
}

// Authenticate verifies a session token. With no verifier configured all
// requests pass.
func (s *Service) Authenticate(token string) (string, error) {
	if s.verifier == nil {
		return "", nil
	}
	if token == "" {
		return "", errors.NewAuthError(errors.CodeInvalidToken, "missing session token")
	}
	return s.verifier.Verify(token)
}

// Get serves one user's state under the latency budget.
func (s *Service) Get(ctx context.Context, userID string) (*Result, error) {
	if userID == "" {
		return nil, errors.NewValidationError(errors.CodeInvalidRequest, "empty user id")
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.latencyBudget)
	defer cancel()

	var res *Result
	var err error
	if s.Mode() == config.ModeParallel {
		res, err = s.getParallel(ctx, userID)
	} else {
		res, err = s.getCacheFirst(ctx, userID)
	}

	// Budget expiry with nothing served is its own failure.
	if err != nil && ctx.Err() == context.DeadlineExceeded && errors.GetCode(err) != errors.CodeNotFound {
		err = errors.Wrap(errors.ErrCategoryRoute, errors.CodeBudgetExceeded,
			fmt.Sprintf("read for user %s exceeded %v budget", userID, s.latencyBudget), err)
	}

	s.record(res, err, time.Since(start))
	return res, err
}

// getCacheFirst implements lake-mode routing.
func (s *Service) getCacheFirst(ctx context.Context, userID string) (*Result, error) {
	now := time.Now()

	state, resident := s.store.Read(userID)
	if !resident {
		// The user may have been evicted; a cold reload is cheaper than the
		// analytical store and preserves cache-first semantics.
		if cold, err := s.store.ColdLoad(ctx, userID); err == nil {
			return s.serveResident(ctx, cold, now, ReasonColdLoad)
		}
		hist, err := s.queryLake(ctx, userID)
		if err != nil {
			return nil, err
		}
		return s.lakeResult(hist, ReasonCacheMiss, now), nil
	}

	return s.serveResident(ctx, state, now, "")
}

// serveResident routes a read that found a cache entry. Active users are
// served straight from the cache; inactive users trigger a refresh attempt
// against the analytical store, falling back to the stale cache entry when
// the store cannot answer in budget.
func (s *Service) serveResident(ctx context.Context, state *types.UserState, now time.Time, reasonOverride string) (*Result, error) {
	act := s.tracker.Classify(state, now)
	staleness := now.Sub(state.LastSeenAt)

	if act == types.Active {
		reason := ReasonActiveFresh
		if staleness >= s.freshnessWindow {
			reason = ReasonActiveStale
		}
		if reasonOverride != "" {
			reason = reasonOverride
		}
		return s.cacheResult(state, act, reason, staleness), nil
	}

	hist, err := s.queryLake(ctx, state.UserID)
	if err == nil {
		return s.lakeResult(hist, ReasonInactiveRefresh, now), nil
	}
	if errors.GetCode(err) == errors.CodeNotFound {
		// The cache knows more than the lake; serve what we have.
		return s.cacheResult(state, act, ReasonInactiveCacheOnly, staleness), nil
	}
	// Unavailable or over budget: a stale answer beats no answer.
	return s.cacheResult(state, act, ReasonInactiveLakeFailed, staleness), nil
}

// getParallel implements parallel-mode routing: cache and lake race, first
// usable result wins.
func (s *Service) getParallel(ctx context.Context, userID string) (*Result, error) {
	type lakeAnswer struct {
		hist *types.HistoricalState
		err  error
	}
	ch := make(chan lakeAnswer, 1)
	go func() {
		hist, err := s.queryLake(ctx, userID)
		ch <- lakeAnswer{hist, err}
	}()

	now := time.Now()
	if state, ok := s.store.Read(userID); ok {
		act := s.tracker.Classify(state, now)
		return s.cacheResult(state, act, ReasonParallelCache, now.Sub(state.LastSeenAt)), nil
	}

	select {
	case answer := <-ch:
		if answer.err != nil {
			return nil, answer.err
		}
		return s.lakeResult(answer.hist, ReasonParallelLake, now), nil
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrCategoryRoute, errors.CodeBudgetExceeded,
			fmt.Sprintf("parallel read for user %s timed out", userID), ctx.Err())
	}
}

// GetBatch serves multiple users concurrently with bounded parallelism.
// Users absent from every store are reported in NotFound; any other
// failure aborts the batch.
func (s *Service) GetBatch(ctx context.Context, userIDs []string) (*BatchResult, error) {
	type slot struct {
		res *Result
		err error
	}
	slots := make([]slot, len(userIDs))

	sem := make(chan struct{}, s.batchConcurrency)
	var wg sync.WaitGroup
	for i, userID := range userIDs {
		wg.Add(1)
		go func(i int, userID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			res, err := s.Get(ctx, userID)
			slots[i] = slot{res, err}
		}(i, userID)
	}
	wg.Wait()

	batch := &BatchResult{}
	for i, sl := range slots {
		switch {
		case sl.err == nil:
			batch.Results = append(batch.Results, sl.res)
		case errors.GetCode(sl.err) == errors.CodeNotFound:
			batch.NotFound = append(batch.NotFound, userIDs[i])
		default:
			return nil, sl.err
		}
	}
	return batch, nil
}

// Exists reports whether any store knows the user.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	if s.store.Has(userID) {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.latencyBudget)
	defer cancel()

	_, err := s.queryLake(ctx, userID)
	if err == nil {
		return true, nil
	}
	if errors.GetCode(err) == errors.CodeNotFound {
		return false, nil
	}
	return false, err
}

// InitialSync seeds the hot cache from the analytical store, skipping users
// already resident. Backfilled entries go through the normal write path so
// they are durable and seq-deduped like live events.
func (s *Service) InitialSync(ctx context.Context) (int, error) {
	start := time.Now()

	states, err := s.lake.QueryAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load analytical store for initial sync: %w", err)
	}

	seeded := 0
	for _, hist := range states {
		if err := ctx.Err(); err != nil {
			return seeded, err
		}
		if s.store.Has(hist.UserID) {
			continue
		}
		_, err := s.store.Write(&types.NormalizedEvent{
			UserID:    hist.UserID,
			Seq:       hist.LastEventSeq,
			Timestamp: hist.LastSeenAt,
			Payload:   hist.Payload,
		})
		if err != nil {
			if errors.GetCode(err) == errors.CodeStaleSequence {
				continue
			}
			return seeded, fmt.Errorf("failed to seed user %s: %w", hist.UserID, err)
		}
		seeded++
	}

	log.Printf("Initial sync complete: %d users seeded from analytical store in %v (%d total)",
		seeded, time.Since(start), len(states))
	return seeded, nil
}

// queryLake wraps the adapter call so every caller shares the same error
// surface.
func (s *Service) queryLake(ctx context.Context, userID string) (*types.HistoricalState, error) {
	if s.lake == nil {
		return nil, errors.NewLakeError(errors.CodeUnavailable, "no analytical store configured", nil)
	}
	return s.lake.Query(ctx, userID, time.Time{})
}

func (s *Service) cacheResult(state *types.UserState, act types.ActivityState, reason string, staleness time.Duration) *Result {
	return &Result{
		UserID:       state.UserID,
		Payload:      state.Payload,
		LastEventSeq: state.LastEventSeq,
		LastSeenAt:   state.LastSeenAt,
		Activity:     act,
		Plan: QueryPlan{
			Source:      SourceCache,
			Reason:      reason,
			StalenessMs: staleness.Milliseconds(),
		},
	}
}

func (s *Service) lakeResult(hist *types.HistoricalState, reason string, now time.Time) *Result {
	act := s.tracker.Classify(&types.UserState{LastSeenAt: hist.LastSeenAt}, now)
	return &Result{
		UserID:       hist.UserID,
		Payload:      hist.Payload,
		LastEventSeq: hist.LastEventSeq,
		LastSeenAt:   hist.LastSeenAt,
		Activity:     act,
		Plan: QueryPlan{
			Source:      SourceLake,
			Reason:      reason,
			StalenessMs: now.Sub(hist.LastSeenAt).Milliseconds(),
		},
	}
}

func (s *Service) record(res *Result, err error, latency time.Duration) {
	if s.stats == nil {
		return
	}
	outcome := observability.ReadOutcome{Latency: latency}
	if err != nil {
		outcome.Code = errors.GetCode(err)
		if outcome.Code == "" {
			outcome.Code = errors.CodeUnexpected
		}
	} else {
		outcome.Source = string(res.Plan.Source)
		outcome.Reason = res.Plan.Reason
		outcome.StalenessMs = res.Plan.StalenessMs
	}
	s.stats.Record(outcome)
}
