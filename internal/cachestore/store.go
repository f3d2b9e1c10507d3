package cachestore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syncbridge/syncbridge/internal/errors"
	"github.com/syncbridge/syncbridge/pkg/types"
)

// entry is the per-user slot in the store index. Readers load the state
// pointer without locking; the mutex serializes writers for one user.
type entry struct {
	mu      sync.Mutex
	state   atomic.Pointer[types.UserState]
	evicted bool
}

// Store is the hot cache: an in-memory index of immutable per-user state
// snapshots backed by a durable log.
//
// Writes append to the log (fsynced) before publishing a new immutable
// snapshot, so a crash can lose visibility but never durability. Reads are
// lock-free pointer loads and always observe a complete snapshot, never a
// partially applied update.
type Store struct {
	log     *DurableLog
	archive *SnapshotArchive
	index   sync.Map // userID -> *entry
	count   atomic.Int64

	// pubMu is held (shared) by writers across the append-to-publish window
	// so PublishedLSN never reports an LSN whose entry is still invisible
	// to Range.
	pubMu sync.RWMutex
}

// NewStore creates a store over the given durable log. The archive is
// optional; without it cold loads and compaction are unavailable.
func NewStore(log *DurableLog, archive *SnapshotArchive) *Store {
	return &Store{
		log:     log,
		archive: archive,
	}
}

// entryFor returns the live index slot for a user, creating it if needed.
// Slots abandoned by eviction are replaced transparently.
func (s *Store) entryFor(userID string) *entry {
	for {
		if v, ok := s.index.Load(userID); ok {
			e := v.(*entry)
			e.mu.Lock()
			if !e.evicted {
				e.mu.Unlock()
				return e
			}
			e.mu.Unlock()
			s.index.CompareAndDelete(userID, v)
			continue
		}

		e := &entry{}
		if v, loaded := s.index.LoadOrStore(userID, e); loaded {
			old := v.(*entry)
			old.mu.Lock()
			if !old.evicted {
				old.mu.Unlock()
				return old
			}
			old.mu.Unlock()
			s.index.CompareAndDelete(userID, v)
			continue
		}
		s.count.Add(1)
		return e
	}
}

// Write applies a normalized event to the user's state. The event is
// appended to the durable log before the new snapshot is published.
//
// Events whose Seq is not strictly greater than the current state's are
// rejected with a StaleSequence error; this is both the dedup for
// at-least-once delivery and the per-user monotonicity guarantee.
func (s *Store) Write(ev *types.NormalizedEvent) (*types.UserState, error) {
	e := s.entryFor(ev.UserID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.evicted {
		// Lost the slot between entryFor and Lock; retry on a fresh one.
		e.mu.Unlock()
		st, err := s.Write(ev)
		e.mu.Lock()
		return st, err
	}

	cur := e.state.Load()
	if cur != nil && ev.Seq <= cur.LastEventSeq {
		return nil, errors.NewStoreError(errors.CodeStaleSequence,
			fmt.Sprintf("event seq %d not after current seq %d for user %s", ev.Seq, cur.LastEventSeq, ev.UserID), nil)
	}

	logEntry := &LogEntry{
		UserID:    ev.UserID,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp.UnixNano(),
		Payload:   ev.Payload,
	}
	s.pubMu.RLock()
	if _, err := s.log.Append(logEntry); err != nil {
		s.pubMu.RUnlock()
		return nil, fmt.Errorf("failed to append to durable log: %w", err)
	}

	next := &types.UserState{
		UserID:       ev.UserID,
		Payload:      copyPayload(ev.Payload),
		LastEventSeq: ev.Seq,
		LastSeenAt:   ev.Timestamp,
		Dirty:        true,
	}
	e.state.Store(next)
	s.pubMu.RUnlock()

	return next, nil
}

// PublishedLSN returns an LSN such that every log entry at or below it is
// already visible to Read and Range. It briefly excludes writers in their
// append-to-publish window; the compactor snapshots against this bound so
// truncation can never drop a durable entry that no snapshot captured.
func (s *Store) PublishedLSN() uint64 {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	return s.log.CurrentLSN()
}

// Read returns the current snapshot for a user, or false if the user is not
// resident. It never blocks on writers.
func (s *Store) Read(userID string) (*types.UserState, bool) {
	v, ok := s.index.Load(userID)
	if !ok {
		return nil, false
	}
	state := v.(*entry).state.Load()
	if state == nil {
		return nil, false
	}
	return state, true
}

// Has reports whether a user is resident in the hot cache.
func (s *Store) Has(userID string) bool {
	_, ok := s.Read(userID)
	return ok
}

// Len returns the number of resident index slots.
func (s *Store) Len() int {
	return int(s.count.Load())
}

// Range calls f for each resident user state until f returns false.
// States observed are immutable snapshots; the set of users iterated is a
// moment-in-time view, not a consistent cut.
func (s *Store) Range(f func(state *types.UserState) bool) {
	s.index.Range(func(_, v interface{}) bool {
		state := v.(*entry).state.Load()
		if state == nil {
			return true
		}
		return f(state)
	})
}

// install publishes a state without logging it. Used for restore replay,
// snapshot loads, and cold reloads, where the data is already durable
// elsewhere. The state is only published if it is newer than what is
// already resident.
func (s *Store) install(state *types.UserState) bool {
	e := s.entryFor(state.UserID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.evicted {
		e.mu.Unlock()
		ok := s.install(state)
		e.mu.Lock()
		return ok
	}

	cur := e.state.Load()
	if cur != nil && state.LastEventSeq <= cur.LastEventSeq {
		return false
	}
	e.state.Store(state)
	return true
}

// markClean republishes a user's state with Dirty cleared, but only if the
// sequence the compactor snapshotted is still current. A write that raced
// the snapshot keeps its Dirty flag for the next cycle.
func (s *Store) markClean(userID string, seq uint64) {
	v, ok := s.index.Load(userID)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.state.Load()
	if cur == nil || cur.LastEventSeq != seq || !cur.Dirty {
		return
	}
	clean := cur.Clone()
	clean.Dirty = false
	e.state.Store(clean)
}

// EvictInactive removes users whose last event is older than the given age.
// Only clean states are evicted: a dirty state has log entries not yet
// covered by a snapshot, and dropping it would make the next cold load
// serve data older than what was acknowledged.
func (s *Store) EvictInactive(now time.Time, age time.Duration) int {
	evicted := 0
	s.index.Range(func(k, v interface{}) bool {
		e := v.(*entry)
		e.mu.Lock()
		state := e.state.Load()
		if state != nil && !state.Dirty && now.Sub(state.LastSeenAt) >= age {
			e.evicted = true
			s.index.CompareAndDelete(k, v)
			s.count.Add(-1)
			evicted++
		}
		e.mu.Unlock()
		return true
	})
	return evicted
}

// ColdLoad fetches an evicted user's state from the snapshot archive and
// reinstalls it. Returns NotFound if the archive has no record of the user.
func (s *Store) ColdLoad(ctx context.Context, userID string) (*types.UserState, error) {
	if s.archive == nil {
		return nil, errors.NewStoreError(errors.CodeNotFound, fmt.Sprintf("user %s not resident and no archive configured", userID), nil)
	}

	state, err := s.archive.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.install(state)

	// A concurrent write may have raced the install; serve whichever won.
	if cur, ok := s.Read(userID); ok {
		return cur, nil
	}
	return state, nil
}

// Log exposes the underlying durable log for the compactor.
func (s *Store) Log() *DurableLog {
	return s.log
}

// Archive exposes the snapshot archive, which may be nil.
func (s *Store) Archive() *SnapshotArchive {
	return s.archive
}

func copyPayload(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
