package cachestore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sberrors "github.com/syncbridge/syncbridge/internal/errors"
)

func testEntry(userID string, seq uint64) *LogEntry {
	return &LogEntry{
		UserID:    userID,
		Seq:       seq,
		Timestamp: time.Now().UnixNano(),
		Payload:   map[string]interface{}{"platform": "ios", "seq": fmt.Sprint(seq)},
	}
}

func TestDurableLog_AppendAndRead(t *testing.T) {
	dir := t.TempDir()
	l, err := NewDurableLog(dir, 64*1024*1024)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		lsn, err := l.Append(testEntry("u1", uint64(i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), lsn)
	}
	require.NoError(t, l.Close())

	paths, err := l.SegmentPaths()
	require.NoError(t, err)
	require.Len(t, paths, 1)

	entries, err := ReadSegment(paths[0])
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, uint64(1), entries[0].LSN)
	assert.Equal(t, uint64(5), entries[4].LSN)
	assert.Equal(t, "ios", entries[0].Payload["platform"])
}

func TestDurableLog_LSNSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := NewDurableLog(dir, 64*1024*1024)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := l.Append(testEntry("u1", uint64(i)))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	l2, err := NewDurableLog(dir, 64*1024*1024)
	require.NoError(t, err)
	defer l2.Close()

	assert.Equal(t, uint64(3), l2.CurrentLSN())

	lsn, err := l2.Append(testEntry("u1", 4))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), lsn)
}

func TestDurableLog_LSNSurvivesTruncation(t *testing.T) {
	dir := t.TempDir()

	// Every append rotates, so truncation can remove every closed segment
	// and leave only an empty active one. The high-water mark must still
	// survive the reopen: reused LSNs would make replay skip acknowledged
	// writes and snapshot keys sort backwards.
	l, err := NewDurableLog(dir, 1)
	require.NoError(t, err)
	for i := 1; i <= 2; i++ {
		lsn, err := l.Append(testEntry("u1", uint64(i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), lsn)
	}

	removed, err := l.TruncateThrough(2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	require.NoError(t, l.Close())

	l2, err := NewDurableLog(dir, 1)
	require.NoError(t, err)
	defer l2.Close()

	assert.Equal(t, uint64(2), l2.CurrentLSN())

	lsn, err := l2.Append(testEntry("u1", 3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), lsn)
}

func TestDurableLog_Rotation(t *testing.T) {
	dir := t.TempDir()

	// Tiny segment cap forces a rotation on every append.
	l, err := NewDurableLog(dir, 10)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := l.Append(testEntry("u1", uint64(i)))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	paths, err := l.SegmentPaths()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(paths), 3)

	var total int
	for _, path := range paths {
		entries, err := ReadSegment(path)
		require.NoError(t, err)
		total += len(entries)
	}
	assert.Equal(t, 3, total)
}

func TestReadSegment_TornTailIsDropped(t *testing.T) {
	dir := t.TempDir()
	l, err := NewDurableLog(dir, 64*1024*1024)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := l.Append(testEntry("u1", uint64(i)))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	paths, err := l.SegmentPaths()
	require.NoError(t, err)
	path := paths[0]

	// Chop bytes off the last frame to simulate a crash mid-append.
	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, stat.Size()-3))

	entries, err := ReadSegment(path)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Reopening after a torn tail must still work.
	l2, err := NewDurableLog(dir, 64*1024*1024)
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, uint64(2), l2.CurrentLSN())
}

func TestReadSegment_InteriorCorruptionIsFatal(t *testing.T) {
	dir := t.TempDir()
	l, err := NewDurableLog(dir, 64*1024*1024)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := l.Append(testEntry("u1", uint64(i)))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	paths, err := l.SegmentPaths()
	require.NoError(t, err)
	path := paths[0]

	// Flip a payload byte in the first frame. Entries follow it, so this is
	// real corruption, not a torn append.
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = file.ReadAt(buf, 12)
	require.NoError(t, err)
	buf[0] ^= 0xFF
	_, err = file.WriteAt(buf, 12)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	_, err = ReadSegment(path)
	require.Error(t, err)
	assert.Equal(t, sberrors.CodeLogCorrupt, sberrors.GetCode(err))
}

func TestReadSegment_UndecodableFrameIsFatal(t *testing.T) {
	path := t.TempDir() + "/log_0000000000000000.wal"

	// A frame whose CRC is valid but whose payload is not snappy data,
	// followed by a second frame so it cannot pass as a torn tail.
	file, err := os.Create(path)
	require.NoError(t, err)
	junk := []byte("definitely not snappy")
	for i := 0; i < 2; i++ {
		require.NoError(t, binary.Write(file, binary.LittleEndian, uint32(len(junk))))
		require.NoError(t, binary.Write(file, binary.LittleEndian, crc32.ChecksumIEEE(junk)))
		_, err = file.Write(junk)
		require.NoError(t, err)
	}
	require.NoError(t, file.Close())

	_, err = ReadSegment(path)
	require.Error(t, err)
	assert.Equal(t, sberrors.CodeLogCorrupt, sberrors.GetCode(err))
}

func TestDurableLog_TruncateThrough(t *testing.T) {
	dir := t.TempDir()
	l, err := NewDurableLog(dir, 10)
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		_, err := l.Append(testEntry("u1", uint64(i)))
		require.NoError(t, err)
	}

	before, err := l.SegmentPaths()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(before), 4)

	removed, err := l.TruncateThrough(l.CurrentLSN())
	require.NoError(t, err)
	assert.Greater(t, removed, 0)

	after, err := l.SegmentPaths()
	require.NoError(t, err)
	assert.Less(t, len(after), len(before))

	// The log still appends fine after truncation.
	_, err = l.Append(testEntry("u1", 5))
	require.NoError(t, err)
	require.NoError(t, l.Close())
}
