package cachestore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sberrors "github.com/syncbridge/syncbridge/internal/errors"
	"github.com/syncbridge/syncbridge/internal/storage"
)

func TestRestore_ReplaysLog(t *testing.T) {
	logDir := t.TempDir()
	now := time.Now().UTC().Truncate(time.Microsecond)

	l, err := NewDurableLog(logDir, 64*1024*1024)
	require.NoError(t, err)
	s := NewStore(l, nil)

	_, err = s.Write(ev("u1", 1, now))
	require.NoError(t, err)
	_, err = s.Write(ev("u1", 2, now.Add(time.Second)))
	require.NoError(t, err)
	_, err = s.Write(ev("u2", 9, now))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Simulated restart: fresh store over the same log directory.
	l2, err := NewDurableLog(logDir, 64*1024*1024)
	require.NoError(t, err)
	defer l2.Close()
	s2 := NewStore(l2, nil)

	require.NoError(t, s2.Restore(context.Background()))

	u1, ok := s2.Read("u1")
	require.True(t, ok)
	assert.Equal(t, uint64(2), u1.LastEventSeq)
	assert.Equal(t, "2", u1.Payload["seq_tag"])
	assert.Equal(t, now.Add(time.Second), u1.LastSeenAt)
	assert.True(t, u1.Dirty)

	u2, ok := s2.Read("u2")
	require.True(t, ok)
	assert.Equal(t, uint64(9), u2.LastEventSeq)
}

func TestRestore_SnapshotPlusTail(t *testing.T) {
	logDir := t.TempDir()
	objDir := t.TempDir()
	workDir := t.TempDir()
	now := time.Now().UTC().Truncate(time.Microsecond)
	ctx := context.Background()

	objStore, err := storage.NewLocalStorage(objDir)
	require.NoError(t, err)
	archive, err := NewSnapshotArchive(objStore, workDir)
	require.NoError(t, err)

	l, err := NewDurableLog(logDir, 64*1024*1024)
	require.NoError(t, err)
	s := NewStore(l, archive)

	_, err = s.Write(ev("u1", 1, now))
	require.NoError(t, err)
	_, err = s.Write(ev("u2", 1, now))
	require.NoError(t, err)

	// Snapshot covers the first two writes and truncates their segments.
	c := NewCompactor(s, time.Hour, 365*24*time.Hour)
	require.NoError(t, c.RunOnce(ctx))

	// More writes land after the snapshot.
	_, err = s.Write(ev("u1", 2, now.Add(time.Minute)))
	require.NoError(t, err)
	_, err = s.Write(ev("u3", 4, now.Add(time.Minute)))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Restart over the same directories.
	l2, err := NewDurableLog(logDir, 64*1024*1024)
	require.NoError(t, err)
	defer l2.Close()
	archive2, err := NewSnapshotArchive(objStore, workDir)
	require.NoError(t, err)
	s2 := NewStore(l2, archive2)

	require.NoError(t, s2.Restore(ctx))

	u1, ok := s2.Read("u1")
	require.True(t, ok)
	assert.Equal(t, uint64(2), u1.LastEventSeq)
	assert.True(t, u1.Dirty)

	u2, ok := s2.Read("u2")
	require.True(t, ok)
	assert.Equal(t, uint64(1), u2.LastEventSeq)
	assert.False(t, u2.Dirty)

	u3, ok := s2.Read("u3")
	require.True(t, ok)
	assert.Equal(t, uint64(4), u3.LastEventSeq)
}

func TestRestore_WritesAfterCompactionSurviveRestart(t *testing.T) {
	logDir := t.TempDir()
	objDir := t.TempDir()
	workDir := t.TempDir()
	now := time.Now().UTC().Truncate(time.Microsecond)
	ctx := context.Background()

	objStore, err := storage.NewLocalStorage(objDir)
	require.NoError(t, err)
	archive, err := NewSnapshotArchive(objStore, workDir)
	require.NoError(t, err)

	// Tiny segments so compaction truncates every closed segment.
	l, err := NewDurableLog(logDir, 1)
	require.NoError(t, err)
	s := NewStore(l, archive)

	_, err = s.Write(ev("u1", 1, now))
	require.NoError(t, err)
	_, err = s.Write(ev("u1", 2, now.Add(time.Second)))
	require.NoError(t, err)

	c := NewCompactor(s, time.Hour, 365*24*time.Hour)
	require.NoError(t, c.RunOnce(ctx))
	require.NoError(t, l.Close())

	// First restart: a new write must land past the snapshot's LSN even
	// though truncation emptied the log.
	l2, err := NewDurableLog(logDir, 1)
	require.NoError(t, err)
	s2 := NewStore(l2, archive)
	require.NoError(t, s2.Restore(ctx))

	_, err = s2.Write(ev("u2", 1, now.Add(time.Minute)))
	require.NoError(t, err)
	require.NoError(t, l2.Close())

	// Second restart: the acknowledged u2 write must replay.
	l3, err := NewDurableLog(logDir, 1)
	require.NoError(t, err)
	defer l3.Close()
	s3 := NewStore(l3, archive)
	require.NoError(t, s3.Restore(ctx))

	u2, ok := s3.Read("u2")
	require.True(t, ok, "acknowledged write must survive restart after compaction")
	assert.Equal(t, uint64(1), u2.LastEventSeq)

	u1, ok := s3.Read("u1")
	require.True(t, ok)
	assert.Equal(t, uint64(2), u1.LastEventSeq)
}

func TestRestore_CorruptLogAbortsStartup(t *testing.T) {
	logDir := t.TempDir()
	now := time.Now().UTC()

	l, err := NewDurableLog(logDir, 64*1024*1024)
	require.NoError(t, err)
	s := NewStore(l, nil)
	for i := 1; i <= 3; i++ {
		_, err := s.Write(ev("u1", uint64(i), now))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	paths, err := l.SegmentPaths()
	require.NoError(t, err)
	file, err := os.OpenFile(paths[0], os.O_RDWR, 0644)
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = file.ReadAt(buf, 12)
	require.NoError(t, err)
	buf[0] ^= 0xFF
	_, err = file.WriteAt(buf, 12)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	// The corrupted segment still opens for append (recovery reads stop at
	// the bad frame) but Restore must refuse to serve from it.
	l2, err := NewDurableLog(logDir, 64*1024*1024)
	if err == nil {
		defer l2.Close()
		s2 := NewStore(l2, nil)
		err = s2.Restore(context.Background())
	}
	require.Error(t, err)
	assert.Equal(t, sberrors.CodeLogCorrupt, sberrors.GetCode(err))
}
