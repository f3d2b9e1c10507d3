package cachestore

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sberrors "github.com/syncbridge/syncbridge/internal/errors"
	"github.com/syncbridge/syncbridge/internal/storage"
	"github.com/syncbridge/syncbridge/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	l, err := NewDurableLog(t.TempDir(), 64*1024*1024)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return NewStore(l, nil)
}

func newArchivedStore(t *testing.T) *Store {
	t.Helper()
	l, err := NewDurableLog(t.TempDir(), 64*1024*1024)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	objStore, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	archive, err := NewSnapshotArchive(objStore, t.TempDir())
	require.NoError(t, err)

	return NewStore(l, archive)
}

func ev(userID string, seq uint64, ts time.Time) *types.NormalizedEvent {
	return &types.NormalizedEvent{
		UserID:    userID,
		Seq:       seq,
		Timestamp: ts,
		Payload:   map[string]interface{}{"seq_tag": fmt.Sprint(seq)},
	}
}

func TestStore_WriteThenRead(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	state, err := s.Write(ev("u1", 1, now))
	require.NoError(t, err)
	assert.True(t, state.Dirty)

	got, ok := s.Read("u1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.LastEventSeq)
	assert.Equal(t, now, got.LastSeenAt)
	assert.Equal(t, "1", got.Payload["seq_tag"])

	_, ok = s.Read("nobody")
	assert.False(t, ok)
}

func TestStore_StaleSequenceRejected(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	_, err := s.Write(ev("u1", 5, now))
	require.NoError(t, err)

	// An older event arriving late must not clobber the newer state.
	_, err = s.Write(ev("u1", 3, now.Add(time.Second)))
	require.Error(t, err)
	assert.Equal(t, sberrors.CodeStaleSequence, sberrors.GetCode(err))

	// Redelivery of the same event is dropped the same way.
	_, err = s.Write(ev("u1", 5, now))
	require.Error(t, err)
	assert.Equal(t, sberrors.CodeStaleSequence, sberrors.GetCode(err))

	got, ok := s.Read("u1")
	require.True(t, ok)
	assert.Equal(t, uint64(5), got.LastEventSeq)
	assert.Equal(t, "5", got.Payload["seq_tag"])
}

func TestStore_ReadNeverSeesPartialState(t *testing.T) {
	s := newTestStore(t)
	start := time.Now().UTC()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 200; i++ {
			_, err := s.Write(ev("u1", uint64(i), start.Add(time.Duration(i)*time.Millisecond)))
			if err != nil {
				panic(err)
			}
		}
	}()

	// Every observed snapshot must be internally consistent: the payload
	// tag always matches the sequence it was written with.
	for i := 0; i < 2000; i++ {
		if state, ok := s.Read("u1"); ok {
			assert.Equal(t, fmt.Sprint(state.LastEventSeq), state.Payload["seq_tag"])
		}
	}
	wg.Wait()
}

func TestStore_ConcurrentWritersDistinctUsers(t *testing.T) {
	s := newTestStore(t)
	start := time.Now().UTC()

	const users = 8
	const perUser = 50

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			userID := fmt.Sprintf("u%d", u)
			for i := 1; i <= perUser; i++ {
				_, err := s.Write(ev(userID, uint64(i), start.Add(time.Duration(i)*time.Millisecond)))
				assert.NoError(t, err)
			}
		}(u)
	}
	wg.Wait()

	assert.Equal(t, users, s.Len())
	for u := 0; u < users; u++ {
		state, ok := s.Read(fmt.Sprintf("u%d", u))
		require.True(t, ok)
		assert.Equal(t, uint64(perUser), state.LastEventSeq)
	}
}

func TestStore_EvictInactive(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().UTC().Add(-48 * time.Hour)

	_, err := s.Write(ev("stale-user", 1, old))
	require.NoError(t, err)
	_, err = s.Write(ev("fresh-user", 1, time.Now().UTC()))
	require.NoError(t, err)

	// Dirty states are pinned regardless of age: the snapshot archive does
	// not cover them yet.
	evicted := s.EvictInactive(time.Now().UTC(), 24*time.Hour)
	assert.Equal(t, 0, evicted)
	assert.True(t, s.Has("stale-user"))

	s.markClean("stale-user", 1)
	s.markClean("fresh-user", 1)

	evicted = s.EvictInactive(time.Now().UTC(), 24*time.Hour)
	assert.Equal(t, 1, evicted)
	assert.False(t, s.Has("stale-user"))
	assert.True(t, s.Has("fresh-user"))

	// An evicted user is writable again on the next event.
	_, err = s.Write(ev("stale-user", 2, time.Now().UTC()))
	require.NoError(t, err)
	assert.True(t, s.Has("stale-user"))
}

func TestStore_ColdLoadFromArchive(t *testing.T) {
	s := newArchivedStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	_, err := s.Write(ev("u1", 7, old))
	require.NoError(t, err)

	// Compact so the archive covers u1, then evict it.
	c := NewCompactor(s, time.Hour, 24*time.Hour)
	require.NoError(t, c.RunOnce(ctx))
	assert.False(t, s.Has("u1"))

	state, err := s.ColdLoad(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), state.LastEventSeq)
	assert.Equal(t, "7", state.Payload["seq_tag"])
	assert.False(t, state.Dirty)

	// The user is resident again after the cold load.
	assert.True(t, s.Has("u1"))
}

func TestStore_ColdLoadUnknownUser(t *testing.T) {
	s := newArchivedStore(t)

	_, err := s.ColdLoad(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, sberrors.CodeNotFound, sberrors.GetCode(err))
}

func TestStore_OutOfOrderDeliveryConverges(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("any arrival order converges to the max-seq state", prop.ForAll(
		func(n int, seed int64) bool {
			s := newTestStore(t)
			start := time.Now().UTC()

			seqs := make([]uint64, n)
			for i := range seqs {
				seqs[i] = uint64(i + 1)
			}
			rng := rand.New(rand.NewSource(seed))
			rng.Shuffle(n, func(i, j int) { seqs[i], seqs[j] = seqs[j], seqs[i] })

			for _, seq := range seqs {
				_, err := s.Write(ev("u1", seq, start.Add(time.Duration(seq)*time.Second)))
				if err != nil && sberrors.GetCode(err) != sberrors.CodeStaleSequence {
					return false
				}
			}

			state, ok := s.Read("u1")
			return ok &&
				state.LastEventSeq == uint64(n) &&
				state.Payload["seq_tag"] == fmt.Sprint(n)
		},
		gen.IntRange(1, 20),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
