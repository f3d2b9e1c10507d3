// Package ingest moves normalized events from the device event feed into
// the cache store.
package ingest

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/spaolacci/murmur3"

	"github.com/syncbridge/syncbridge/internal/cachestore"
	"github.com/syncbridge/syncbridge/internal/errors"
	"github.com/syncbridge/syncbridge/pkg/types"
)

// Router fans events out to a fixed pool of shard workers. A user's ID
// always hashes to the same shard, so all writes for one user are applied
// by a single goroutine in arrival order, while different users proceed in
// parallel.
// shardTask carries one event through a shard channel. done, when non-nil,
// is closed after the write has been applied or rejected.
type shardTask struct {
	ev   *types.NormalizedEvent
	done chan struct{}
}

type Router struct {
	store      *cachestore.Store
	shards     []chan shardTask
	shardCount uint32

	applied   atomic.Uint64
	stale     atomic.Uint64
	failed    atomic.Uint64
	malformed atomic.Uint64

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// RouterStats is a point-in-time snapshot of ingest counters.
type RouterStats struct {
	Applied   uint64 `json:"applied"`
	Stale     uint64 `json:"stale"`
	Failed    uint64 `json:"failed"`
	Malformed uint64 `json:"malformed"`
}

// NewRouter creates a router with the given shard count and per-shard
// buffer size.
func NewRouter(store *cachestore.Store, shardCount, buffer int) *Router {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]chan shardTask, shardCount)
	for i := range shards {
		shards[i] = make(chan shardTask, buffer)
	}
	return &Router{
		store:      store,
		shards:     shards,
		shardCount: uint32(shardCount),
	}
}

// Start launches one worker per shard.
func (r *Router) Start() {
	for i := range r.shards {
		r.wg.Add(1)
		go r.worker(r.shards[i])
	}
	log.Printf("Ingest router started: %d shards", r.shardCount)
}

// Dispatch routes an event to its shard. Blocks when the shard buffer is
// full, which backpressures the feed consumer.
func (r *Router) Dispatch(ev *types.NormalizedEvent) {
	shard := murmur3.Sum32([]byte(ev.UserID)) % r.shardCount
	r.shards[shard] <- shardTask{ev: ev}
}

// DispatchWait routes an event to its shard and blocks until the shard
// worker has applied (or rejected) the write. Callers that commit feed
// offsets must use this so a crash cannot commit past an unapplied event.
func (r *Router) DispatchWait(ev *types.NormalizedEvent) {
	shard := murmur3.Sum32([]byte(ev.UserID)) % r.shardCount
	done := make(chan struct{})
	r.shards[shard] <- shardTask{ev: ev, done: done}
	<-done
}

// MarkMalformed counts an event the normalizer rejected.
func (r *Router) MarkMalformed() {
	r.malformed.Add(1)
}

func (r *Router) worker(ch <-chan shardTask) {
	defer r.wg.Done()

	for task := range ch {
		_, err := r.store.Write(task.ev)
		switch {
		case err == nil:
			r.applied.Add(1)
		case errors.GetCode(err) == errors.CodeStaleSequence:
			// Expected under at-least-once delivery; drop silently.
			r.stale.Add(1)
		default:
			r.failed.Add(1)
			log.Printf("Ingest write failed for user %s seq %d: %v", task.ev.UserID, task.ev.Seq, err)
		}
		if task.done != nil {
			close(task.done)
		}
	}
}

// Stop closes the shards and waits for workers to drain them.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		for _, ch := range r.shards {
			close(ch)
		}
	})
	r.wg.Wait()
	log.Printf("Ingest router stopped: %d applied, %d stale, %d failed", r.applied.Load(), r.stale.Load(), r.failed.Load())
}

// Stats returns the current ingest counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		Applied:   r.applied.Load(),
		Stale:     r.stale.Load(),
		Failed:    r.failed.Load(),
		Malformed: r.malformed.Load(),
	}
}
