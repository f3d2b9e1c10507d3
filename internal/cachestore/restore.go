package cachestore

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/syncbridge/syncbridge/pkg/types"
)

// Restore rebuilds the in-memory index after a restart: the most recent
// snapshot is installed first, then every log entry past the snapshot's
// LSN is replayed in append order.
//
// Corruption in the log body (not a torn tail) surfaces as a LogCorrupt
// error and must abort startup; continuing would silently serve states
// with acknowledged writes missing.
func (s *Store) Restore(ctx context.Context) error {
	start := time.Now()

	var snapLSN uint64
	var installed int
	if s.archive != nil {
		snap, err := s.archive.Latest(ctx)
		if err != nil {
			return fmt.Errorf("failed to load latest snapshot: %w", err)
		}
		if snap != nil {
			snapLSN = snap.LastLSN
			for _, state := range snap.States {
				state.Dirty = false
				if s.install(state) {
					installed++
				}
			}
		}
	}

	paths, err := s.log.SegmentPaths()
	if err != nil {
		return err
	}

	var replayed int
	for _, path := range paths {
		entries, err := ReadSegment(path)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.LSN <= snapLSN {
				continue
			}
			state := &types.UserState{
				UserID:       entry.UserID,
				Payload:      copyPayload(entry.Payload),
				LastEventSeq: entry.Seq,
				LastSeenAt:   time.Unix(0, entry.Timestamp).UTC(),
				Dirty:        true,
			}
			if s.install(state) {
				replayed++
			}
		}
	}

	log.Printf("Cache store restored: %d users from snapshot (LSN %d), %d log entries replayed in %v",
		installed, snapLSN, replayed, time.Since(start))

	return nil
}
