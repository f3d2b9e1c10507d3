// Package cachestore provides the durable, concurrently accessible per-user
// hot state store: an append-only durable log for write-ahead durability and
// an in-memory index of immutable user state snapshots.
package cachestore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/golang/snappy"

	"github.com/syncbridge/syncbridge/internal/errors"
)

// LogEntry is a single durable log record. Every user state mutation is
// appended (and fsynced) here before it becomes visible to readers.
type LogEntry struct {
	LSN       uint64                 `json:"lsn"`
	UserID    string                 `json:"user_id"`
	Seq       uint64                 `json:"seq"`
	Timestamp int64                  `json:"timestamp"` // Unix nanos
	Payload   map[string]interface{} `json:"payload"`
}

// DurableLog is an append-only, segment-rotated write-ahead log.
// Appends are globally ordered by a single LSN sequence so restart replay
// is deterministic across users.
type DurableLog struct {
	dir         string
	segment     *os.File
	segmentBase uint64 // LSN of the first entry the active segment may hold
	offset      int64
	maxSegSize  int64
	currentLSN  uint64
	mu          sync.Mutex
}

const segmentPrefix = "log_"

// segmentName encodes the segment's base LSN in the file name. An empty
// segment still carries the LSN high-water mark (base - 1), so recovery
// works even after truncation has removed every older segment.
func segmentName(base uint64) string {
	return fmt.Sprintf("%s%016x.wal", segmentPrefix, base)
}

// NewDurableLog opens (or creates) a durable log in dir.
func NewDurableLog(dir string, maxSegSize int64) (*DurableLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	l := &DurableLog{
		dir:         dir,
		segmentBase: 1,
		maxSegSize:  maxSegSize,
	}

	if err := l.findLastSegment(); err != nil {
		return nil, err
	}

	if err := l.openSegment(); err != nil {
		return nil, err
	}

	return l, nil
}

// findLastSegment locates the highest existing segment and recovers the
// current LSN from it. An empty tail segment recovers base - 1, which is
// exact regardless of how many older segments truncation removed.
func (l *DurableLog) findLastSegment() error {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read log directory: %w", err)
	}

	var lastBase uint64
	found := false
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		var base uint64
		if !parseSegmentName(file.Name(), &base) {
			continue
		}
		if !found || base > lastBase {
			lastBase = base
			found = true
		}
	}

	if !found {
		return nil
	}

	l.segmentBase = lastBase

	entries, err := ReadSegment(filepath.Join(l.dir, segmentName(lastBase)))
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		l.currentLSN = entries[len(entries)-1].LSN
	} else {
		l.currentLSN = lastBase - 1
	}

	return nil
}

func parseSegmentName(name string, base *uint64) bool {
	if len(name) != len(segmentPrefix)+16+4 || name[:len(segmentPrefix)] != segmentPrefix {
		return false
	}
	if filepath.Ext(name) != ".wal" {
		return false
	}
	_, err := fmt.Sscanf(name[len(segmentPrefix):len(segmentPrefix)+16], "%016x", base)
	return err == nil
}

// openSegment opens the current segment file for appending.
func (l *DurableLog) openSegment() error {
	path := filepath.Join(l.dir, segmentName(l.segmentBase))

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open segment file: %w", err)
	}

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to seek segment: %w", err)
	}

	l.segment = file
	l.offset = offset

	return nil
}

// Append adds an entry to the log, fsyncs it, and returns its LSN.
// The entry is durable before the caller publishes the matching in-memory
// snapshot (durability precedes visibility).
func (l *DurableLog) Append(entry *LogEntry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.currentLSN++
	entry.LSN = l.currentLSN

	raw, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize log entry: %w", err)
	}
	payload := snappy.Encode(nil, raw)

	crc := crc32.ChecksumIEEE(payload)

	// Frame: [length:4 LE][crc32:4 LE][snappy payload]
	if err := l.writeFrame(uint32(len(payload)), crc, payload); err != nil {
		return 0, err
	}

	return l.currentLSN, nil
}

func (l *DurableLog) writeFrame(length uint32, crc uint32, payload []byte) error {
	if err := binary.Write(l.segment, binary.LittleEndian, length); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}

	if err := binary.Write(l.segment, binary.LittleEndian, crc); err != nil {
		return fmt.Errorf("failed to write CRC: %w", err)
	}

	if _, err := l.segment.Write(payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}

	if err := l.segment.Sync(); err != nil {
		return fmt.Errorf("failed to fsync: %w", err)
	}

	l.offset += int64(8 + len(payload))

	if l.offset >= l.maxSegSize {
		if err := l.rotateSegment(); err != nil {
			return err
		}
	}

	return nil
}

// rotateSegment closes the current segment and opens the next one, based
// at the LSN after the most recent append.
func (l *DurableLog) rotateSegment() error {
	if l.segment != nil {
		if err := l.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
	}

	l.segmentBase = l.currentLSN + 1

	return l.openSegment()
}

// CurrentLSN returns the LSN of the most recent append.
func (l *DurableLog) CurrentLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentLSN
}

// Dir returns the log directory.
func (l *DurableLog) Dir() string {
	return l.dir
}

// SegmentPaths returns all segment file paths in append order.
func (l *DurableLog) SegmentPaths() ([]string, error) {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	var paths []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		var id uint64
		if parseSegmentName(file.Name(), &id) {
			paths = append(paths, filepath.Join(l.dir, file.Name()))
		}
	}

	// Lexicographic order is append order for the zero-padded naming scheme.
	sort.Strings(paths)
	return paths, nil
}

// TruncateThrough removes closed segments whose every entry has
// LSN <= upToLSN. The active segment is never removed. Used after a
// compacted snapshot has made those entries redundant.
func (l *DurableLog) TruncateThrough(upToLSN uint64) (int, error) {
	l.mu.Lock()
	activeBase := l.segmentBase
	l.mu.Unlock()

	paths, err := l.SegmentPaths()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, path := range paths {
		var base uint64
		if !parseSegmentName(filepath.Base(path), &base) || base >= activeBase {
			continue
		}

		entries, err := ReadSegment(path)
		if err != nil {
			return removed, err
		}
		if len(entries) > 0 && entries[len(entries)-1].LSN > upToLSN {
			continue
		}

		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("failed to remove segment %s: %w", path, err)
		}
		removed++
	}

	return removed, nil
}

// Close fsyncs and closes the active segment.
func (l *DurableLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.segment != nil {
		if err := l.segment.Sync(); err != nil {
			return fmt.Errorf("failed to fsync on close: %w", err)
		}
		if err := l.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
		l.segment = nil
	}

	return nil
}

// ReadSegment reads all entries from a segment file in append order.
//
// A torn frame at the very end of the file is treated as an interrupted
// append and silently dropped. A CRC mismatch or undecodable frame with more
// data after it is corruption no crashed append can explain, and is returned
// as ErrLogCorrupt so startup can halt instead of silently serving a hole.
func ReadSegment(path string) ([]*LogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat segment: %w", err)
	}
	size := stat.Size()

	var entries []*LogEntry
	var pos int64
	for {
		var length uint32
		if err := binary.Read(file, binary.LittleEndian, &length); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, errors.NewStoreError(errors.CodeLogCorrupt, fmt.Sprintf("unreadable frame header at offset %d in %s", pos, path), err)
		}

		var crc uint32
		if err := binary.Read(file, binary.LittleEndian, &crc); err != nil {
			// Header torn mid-write at the tail.
			break
		}

		if pos+8+int64(length) > size {
			// Payload torn mid-write at the tail.
			break
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			break
		}
		pos += 8 + int64(length)

		if crc32.ChecksumIEEE(payload) != crc {
			if pos >= size {
				// Torn final frame; drop it.
				break
			}
			return nil, errors.NewStoreError(errors.CodeLogCorrupt, fmt.Sprintf("CRC mismatch at offset %d in %s", pos-int64(length), path), nil)
		}

		raw, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, errors.NewStoreError(errors.CodeLogCorrupt, fmt.Sprintf("undecodable payload at offset %d in %s", pos-int64(length), path), err)
		}

		var entry LogEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, errors.NewStoreError(errors.CodeLogCorrupt, fmt.Sprintf("unparsable entry at offset %d in %s", pos-int64(length), path), err)
		}

		entries = append(entries, &entry)
	}

	return entries, nil
}
