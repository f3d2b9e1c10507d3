package cachestore

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/syncbridge/syncbridge/pkg/types"
)

// Compactor periodically folds the durable log into a full snapshot in the
// archive, truncates the covered log segments, and evicts long-inactive
// users from the hot cache. Evicted users remain readable through cold
// loads because every eviction candidate is clean, meaning the latest
// snapshot already covers it.
type Compactor struct {
	store         *Store
	interval      time.Duration
	evictAfter    time.Duration
	keepSnapshots int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewCompactor creates a compactor for the store.
func NewCompactor(store *Store, interval, evictAfter time.Duration) *Compactor {
	return &Compactor{
		store:         store,
		interval:      interval,
		evictAfter:    evictAfter,
		keepSnapshots: 2,
	}
}

// Start launches the background compaction loop.
func (c *Compactor) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})

	c.wg.Add(1)
	go c.run()

	log.Printf("Compactor started: interval=%v evictAfter=%v", c.interval, c.evictAfter)
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (c *Compactor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
	log.Printf("Compactor stopped")
}

func (c *Compactor) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.RunOnce(context.Background()); err != nil {
				log.Printf("Compaction cycle failed: %v", err)
			}
		}
	}
}

// RunOnce performs a single compaction cycle: snapshot, truncate, prune,
// evict. Exported so startup and tests can compact deterministically.
func (c *Compactor) RunOnce(ctx context.Context) error {
	archive := c.store.Archive()
	if archive == nil {
		return nil
	}

	now := time.Now()

	// The snapshot covers every entry at or below this LSN. PublishedLSN
	// waits out writers between append and publish, so Range below observes
	// every covered entry; writes racing past this point stay dirty for the
	// next cycle or survive in the log.
	snapLSN := c.store.PublishedLSN()

	resident := make([]*types.UserState, 0, c.store.Len())
	dirty := 0
	c.store.Range(func(state *types.UserState) bool {
		resident = append(resident, state)
		if state.Dirty {
			dirty++
		}
		return true
	})

	prev, err := archive.Latest(ctx)
	if err != nil {
		return fmt.Errorf("failed to load previous snapshot: %w", err)
	}

	if dirty == 0 && prev != nil {
		// Nothing new since the last snapshot; still sweep for eviction.
		evicted := c.store.EvictInactive(now, c.evictAfter)
		if evicted > 0 {
			log.Printf("Compaction cycle: no dirty states, evicted %d inactive users", evicted)
		}
		return nil
	}

	// Merge: previous snapshot first, resident states on top. Evicted users
	// live only in the previous snapshot and must carry forward.
	merged := make(map[string]*types.UserState)
	if prev != nil {
		for _, state := range prev.States {
			merged[state.UserID] = state
		}
	}
	for _, state := range resident {
		clean := state.Clone()
		clean.Dirty = false
		merged[state.UserID] = clean
	}

	states := make([]*types.UserState, 0, len(merged))
	for _, state := range merged {
		states = append(states, state)
	}

	key, err := archive.Write(ctx, &Snapshot{
		LastLSN:   snapLSN,
		CreatedAt: now.UTC(),
		States:    states,
	})
	if err != nil {
		return err
	}

	// Only now that the snapshot is durable may dirty flags clear and
	// covered segments go away.
	for _, state := range resident {
		c.store.markClean(state.UserID, state.LastEventSeq)
	}

	removed, err := c.store.Log().TruncateThrough(snapLSN)
	if err != nil {
		return fmt.Errorf("failed to truncate log: %w", err)
	}

	if _, err := archive.Prune(ctx, c.keepSnapshots); err != nil {
		log.Printf("Snapshot prune failed: %v", err)
	}

	evicted := c.store.EvictInactive(now, c.evictAfter)

	log.Printf("Compaction cycle: wrote %s (%d users, LSN %d), removed %d segments, evicted %d users",
		key, len(states), snapLSN, removed, evicted)

	return nil
}
