package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/syncbridge/syncbridge/internal/errors"
	"github.com/syncbridge/syncbridge/internal/storage"
	"github.com/syncbridge/syncbridge/pkg/types"
)

const snapshotPrefix = "snapshots/"

// Snapshot is a compacted full image of every known user state, written to
// object storage. LastLSN marks the log position the image covers: entries
// at or below it are redundant and their segments can be removed.
type Snapshot struct {
	LastLSN   uint64             `json:"last_lsn"`
	CreatedAt time.Time          `json:"created_at"`
	States    []*types.UserState `json:"states"`
}

// SnapshotArchive reads and writes snapshots in object storage. It is the
// durable source of truth for users evicted from the hot cache: cold loads
// come from the most recent snapshot.
type SnapshotArchive struct {
	store   storage.ObjectStorage
	workDir string

	// Decoded latest snapshot, cached for cold loads. Invalidated whenever
	// a newer snapshot key appears in the listing.
	mu       sync.Mutex
	cacheKey string
	cacheIdx map[string]*types.UserState
}

// NewSnapshotArchive creates an archive over the given object store.
// workDir holds transient files during encode/decode.
func NewSnapshotArchive(store storage.ObjectStorage, workDir string) (*SnapshotArchive, error) {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot work directory: %w", err)
	}
	return &SnapshotArchive{
		store:   store,
		workDir: workDir,
	}, nil
}

func snapshotKey(lastLSN uint64) string {
	return fmt.Sprintf("%ssnapshot_%016x.snap", snapshotPrefix, lastLSN)
}

// Write encodes a snapshot and uploads it. The object key embeds LastLSN so
// lexicographic order over keys is log order.
func (a *SnapshotArchive) Write(ctx context.Context, snap *Snapshot) (string, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(a.workDir, "snapshot-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot work file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(snappy.Encode(nil, raw)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write snapshot work file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close snapshot work file: %w", err)
	}

	key := snapshotKey(snap.LastLSN)
	if err := a.store.Upload(ctx, tmp.Name(), key); err != nil {
		return "", fmt.Errorf("failed to upload snapshot: %w", err)
	}

	return key, nil
}

// LatestKey returns the key of the most recent snapshot, or false if the
// archive is empty.
func (a *SnapshotArchive) LatestKey(ctx context.Context) (string, bool, error) {
	keys, err := a.store.ListObjects(ctx, snapshotPrefix)
	if err != nil {
		return "", false, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var candidates []string
	for _, key := range keys {
		if strings.HasSuffix(key, ".snap") {
			candidates = append(candidates, key)
		}
	}
	if len(candidates) == 0 {
		return "", false, nil
	}

	sort.Strings(candidates)
	return candidates[len(candidates)-1], true, nil
}

// Load downloads and decodes a snapshot by key.
func (a *SnapshotArchive) Load(ctx context.Context, key string) (*Snapshot, error) {
	tmp := filepath.Join(a.workDir, fmt.Sprintf("load-%d.tmp", time.Now().UnixNano()))
	defer os.Remove(tmp)

	if err := a.store.Download(ctx, key, tmp); err != nil {
		return nil, fmt.Errorf("failed to download snapshot %s: %w", key, err)
	}

	compressed, err := os.ReadFile(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot work file: %w", err)
	}

	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot %s: %w", key, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", key, err)
	}

	return &snap, nil
}

// Latest loads the most recent snapshot, or nil if the archive is empty.
func (a *SnapshotArchive) Latest(ctx context.Context) (*Snapshot, error) {
	key, ok, err := a.LatestKey(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return a.Load(ctx, key)
}

// Lookup finds one user's state in the most recent snapshot. The decoded
// snapshot is cached so repeated cold loads do not re-download it.
func (a *SnapshotArchive) Lookup(ctx context.Context, userID string) (*types.UserState, error) {
	key, ok, err := a.LatestKey(ctx)
	if err != nil {
		return nil, errors.NewStoreError(errors.CodeUnavailable, "snapshot archive unavailable", err)
	}
	if !ok {
		return nil, errors.NewStoreError(errors.CodeNotFound, fmt.Sprintf("no snapshot contains user %s", userID), nil)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if key != a.cacheKey {
		snap, err := a.Load(ctx, key)
		if err != nil {
			return nil, errors.NewStoreError(errors.CodeUnavailable, "snapshot archive unavailable", err)
		}
		idx := make(map[string]*types.UserState, len(snap.States))
		for _, state := range snap.States {
			idx[state.UserID] = state
		}
		a.cacheKey = key
		a.cacheIdx = idx
	}

	state, found := a.cacheIdx[userID]
	if !found {
		return nil, errors.NewStoreError(errors.CodeNotFound, fmt.Sprintf("user %s not in snapshot %s", userID, key), nil)
	}

	// Archived states are covered by a snapshot, never dirty.
	out := state.Clone()
	out.Dirty = false
	return out, nil
}

// Prune removes all snapshots older than keep most recent ones.
func (a *SnapshotArchive) Prune(ctx context.Context, keep int) (int, error) {
	keys, err := a.store.ListObjects(ctx, snapshotPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var candidates []string
	for _, key := range keys {
		if strings.HasSuffix(key, ".snap") {
			candidates = append(candidates, key)
		}
	}
	sort.Strings(candidates)

	if len(candidates) <= keep {
		return 0, nil
	}

	removed := 0
	for _, key := range candidates[:len(candidates)-keep] {
		if err := a.store.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
