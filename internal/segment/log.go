// Package segment implements the append-only hint segment log: the
// black-box writer/reader with replay positions that spec.md §1 carves out
// as an external collaborator, given a concrete on-disk form here.
package segment

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shardkv/hintedhandoff/internal/model"
	"github.com/shardkv/hintedhandoff/internal/util"
)

// FilenamePrefix is the fixed prefix of every segment file. The suffix is a
// zero-padded, strictly increasing sequence number, so filenames sort
// lexicographically in write order.
const FilenamePrefix = "HintsLog-"

const suffixWidth = 20

// Entry is one record appended to or read back from a segment.
type Entry struct {
	Table         string
	SchemaVersion string
	Mutation      []byte
	WrittenAt     time.Time
}

type wireEntry struct {
	Table         string `json:"table"`
	SchemaVersion string `json:"schema_version"`
	Mutation      []byte `json:"mutation"`
	WrittenAtUnix int64  `json:"written_at_unix_nano"`
}

// SealedFunc is invoked when a segment is sealed by rotation, with the
// sealed file's base name. The endpoint manager wires this to the sender's
// replay queue.
type SealedFunc func(filename string)

// Log is one endpoint's chain of segment files under a single directory.
// Only one Log should be open per directory at a time; the segment.Factory
// enforces that with reference counting.
type Log struct {
	mu              sync.Mutex
	dir             string
	maxSegmentBytes int64
	onSealed        SealedFunc
	ioLimiter       *rate.Limiter

	current     *os.File
	currentName string
	currentSize int64
	nextSeq     uint64
	nextRP      model.ReplayPosition
}

// Open creates or resumes the segment log rooted at dir. The sequence
// counter resumes from the highest suffix already on disk, so restart
// after a crash produces a strictly increasing sequence across the
// process's lifetime. ioLimitBytesPerSec throttles Append's write-path
// bytes; 0 means unlimited.
func Open(dir string, maxSegmentBytes int64, ioLimitBytesPerSec int64, onSealed SealedFunc) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create hints directory %s: %w", dir, err)
	}

	seq, err := nextSequence(dir)
	if err != nil {
		return nil, err
	}

	l := &Log{
		dir:             dir,
		maxSegmentBytes: maxSegmentBytes,
		onSealed:        onSealed,
		nextSeq:         seq,
	}
	if ioLimitBytesPerSec > 0 {
		l.ioLimiter = rate.NewLimiter(rate.Limit(ioLimitBytesPerSec), int(ioLimitBytesPerSec))
	}
	if err := l.openNewSegmentLocked(); err != nil {
		return nil, err
	}
	return l, nil
}

func nextSequence(dir string) (uint64, error) {
	names, err := ListSegmentFiles(dir)
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, n := range names {
		if seq, ok := parseSuffix(n); ok && seq >= max {
			max = seq + 1
		}
	}
	return max, nil
}

func parseSuffix(name string) (uint64, bool) {
	if !strings.HasPrefix(name, FilenamePrefix) {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimPrefix(name, FilenamePrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func segmentName(seq uint64) string {
	return fmt.Sprintf("%s%0*d", FilenamePrefix, suffixWidth, seq)
}

// openNewSegmentLocked opens the next segment file. Caller holds mu.
func (l *Log) openNewSegmentLocked() error {
	name := segmentName(l.nextSeq)
	l.nextSeq++

	path := filepath.Join(l.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}

	l.current = f
	l.currentName = name
	l.currentSize = 0
	l.nextRP = 0
	return nil
}

// sealCurrentLocked closes and seals the active segment, notifying the
// caller-supplied SealedFunc so it can be fed to the replay queue. Caller
// holds mu.
func (l *Log) sealCurrentLocked() error {
	if l.current == nil {
		return nil
	}
	sealedName := l.currentName
	if err := l.current.Close(); err != nil {
		return fmt.Errorf("close segment %s: %w", sealedName, err)
	}
	l.current = nil
	if l.onSealed != nil {
		l.onSealed(sealedName)
	}
	return nil
}

// Throttle blocks until the configured IO budget admits n more bytes on the
// write path. C2 calls it in its background append, after admission has
// already been decided. A nil limiter (unconfigured limit) never blocks.
func (l *Log) Throttle(ctx context.Context, n int) error {
	if l.ioLimiter == nil || n <= 0 {
		return nil
	}
	return l.ioLimiter.WaitN(ctx, n)
}

// Append writes one entry to the active segment, rotating first if the
// entry would overflow the configured segment size. Returns the entry's
// replay position within the segment it landed in.
func (l *Log) Append(entry Entry) (model.ReplayPosition, error) {
	writtenAt := entry.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = time.Now()
	}
	payload, err := json.Marshal(wireEntry{
		Table:         entry.Table,
		SchemaVersion: entry.SchemaVersion,
		Mutation:      entry.Mutation,
		WrittenAtUnix: writtenAt.UnixNano(),
	})
	if err != nil {
		return 0, fmt.Errorf("marshal hint entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	frameSize := int64(4 + 4 + 8 + len(payload))
	if l.currentSize > 0 && l.currentSize+frameSize > l.maxSegmentBytes {
		if err := l.sealCurrentLocked(); err != nil {
			return 0, err
		}
		if err := l.openNewSegmentLocked(); err != nil {
			return 0, err
		}
	}

	rp := l.nextRP
	if err := writeFrame(l.current, rp, payload); err != nil {
		return 0, fmt.Errorf("append to segment %s: %w", l.currentName, err)
	}

	l.nextRP++
	l.currentSize += frameSize
	return rp, nil
}

func writeFrame(w io.Writer, rp model.ReplayPosition, payload []byte) error {
	var header [16]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], util.ComputeChecksum(payload))
	binary.LittleEndian.PutUint64(header[8:16], uint64(rp))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Sync forces a durability barrier on the active segment.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil
	}
	return l.current.Sync()
}

// CurrentName returns the active segment's base name, so callers can
// exclude it from a directory scan of replayable (sealed) segments.
func (l *Log) CurrentName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentName
}

// Close seals and closes the active segment without further rotation. Used
// at endpoint manager shutdown once the last handle on this Log is
// released.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil
	}
	err := l.current.Close()
	l.current = nil
	return err
}

// ListSegmentFiles returns every segment file under dir in ascending
// (write) order.
func ListSegmentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list segment directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), FilenamePrefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// FileSize returns the size in bytes of a named segment under dir.
func FileSize(dir, name string) (int64, error) {
	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// DeleteSegment removes a named segment under dir. Called by the sender
// only after every hint it contained has been acknowledged or dropped.
func DeleteSegment(dir, name string) error {
	return os.Remove(filepath.Join(dir, name))
}

// Reader reads entries sequentially out of one sealed segment file.
type Reader struct {
	f  *os.File
	br *bufio.Reader
}

// OpenReader opens a segment file under dir for sequential replay.
func OpenReader(dir, name string) (*Reader, error) {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	return &Reader{f: f, br: bufio.NewReaderSize(f, 64*1024)}, nil
}

// Next returns the next entry in the file, or io.EOF when exhausted. A
// checksum mismatch is reported as an error rather than silently skipped,
// since a torn write at the tail of the active segment is expected only on
// the segment currently being appended to, never on a sealed one.
func (r *Reader) Next() (model.ReplayPosition, Entry, error) {
	var header [16]byte
	if _, err := io.ReadFull(r.br, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, Entry{}, io.EOF
		}
		return 0, Entry{}, err
	}

	size := binary.LittleEndian.Uint32(header[0:4])
	checksum := binary.LittleEndian.Uint32(header[4:8])
	rp := model.ReplayPosition(binary.LittleEndian.Uint64(header[8:16]))

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return 0, Entry{}, fmt.Errorf("truncated hint entry at rp %d: %w", rp, err)
	}

	if !util.ValidateChecksum(payload, checksum) {
		return 0, Entry{}, fmt.Errorf("checksum mismatch for hint entry at rp %d", rp)
	}

	var w wireEntry
	if err := json.Unmarshal(payload, &w); err != nil {
		return 0, Entry{}, fmt.Errorf("decode hint entry at rp %d: %w", rp, err)
	}

	return rp, Entry{
		Table:         w.Table,
		SchemaVersion: w.SchemaVersion,
		Mutation:      w.Mutation,
		WrittenAt:     time.Unix(0, w.WrittenAtUnix),
	}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}
