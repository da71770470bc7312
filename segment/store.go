package segment

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/crypto/sha3"

	"github.com/podcache/podcache/logger"
)

var chunkFileRe = regexp.MustCompile(`^(\d{12})-(\d{12})\.bin$`)

// mutexShards guards concurrent temp-file staging within the same entry
// directory. Sized and sharded the same way sourceproc's SortingManager
// shards its mutexes: hash the shard key, take it modulo the shard count.
const mutexShards = 4096

var shardLocks [mutexShards]sync.Mutex

func shardFor(dir string, start int64) *sync.Mutex {
	key := fmt.Sprintf("%s:%d", dir, start)
	h := xxhash.Sum64String(key)
	return &shardLocks[h%mutexShards]
}

// Store is the on-disk representation of one cache entry's segments.
type Store struct {
	Dir             string
	StrictIntegrity bool
	logger          logger.Logger
}

func New(dir string, strictIntegrity bool, log logger.Logger) *Store {
	if log == nil {
		log = logger.Default
	}
	return &Store{Dir: dir, StrictIntegrity: strictIntegrity, logger: log}
}

// LoadFromDisk scans the entry directory, matching chunk file names and
// keeping only files whose size matches the interval they claim, sorted
// by Start.
func (s *Store) LoadFromDisk() ([]Segment, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []Segment
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		m := chunkFileRe.FindStringSubmatch(de.Name())
		if m == nil {
			continue
		}
		start, err1 := strconv.ParseInt(m[1], 10, 64)
		end, err2 := strconv.ParseInt(m[2], 10, 64)
		if err1 != nil || err2 != nil || start > end {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.Size() != end-start+1 {
			s.logger.Debugf("segment store: size mismatch for %s, skipping", de.Name())
			continue
		}
		segments = append(segments, Segment{Start: start, End: end})
	}
	return sortSegments(segments), nil
}

// Path returns the absolute chunk file path for a segment.
func (s *Store) Path(seg Segment) string {
	return filepath.Join(s.Dir, seg.FileName())
}

// PruneInvalid removes entries whose file is missing or size-mismatched
// (and, in strict mode, whose digest sidecar fails to verify), returning
// the surviving segments. Best-effort deletes the offending file.
func (s *Store) PruneInvalid(segments []Segment) []Segment {
	survivors := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		path := s.Path(seg)
		info, err := os.Stat(path)
		if err != nil {
			s.logger.Debugf("segment store: pruning missing chunk %s", seg.FileName())
			continue
		}
		if info.Size() != seg.Len() {
			s.logger.Debugf("segment store: pruning size-mismatched chunk %s", seg.FileName())
			_ = os.Remove(path)
			continue
		}
		if s.StrictIntegrity {
			if ok := s.verifyDigest(seg); !ok {
				s.logger.Warnf("segment store: digest mismatch for %s, pruning", seg.FileName())
				_ = os.Remove(path)
				_ = os.Remove(filepath.Join(s.Dir, seg.DigestFileName()))
				continue
			}
		}
		survivors = append(survivors, seg)
	}
	return survivors
}

func (s *Store) verifyDigest(seg Segment) bool {
	want, err := os.ReadFile(filepath.Join(s.Dir, seg.DigestFileName()))
	if err != nil {
		// Missing sidecar is not an error in strict mode either: it just
		// means the segment predates strict mode being enabled.
		return true
	}

	f, err := os.Open(s.Path(seg))
	if err != nil {
		return false
	}
	defer f.Close()

	h := sha3.New224()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	got := fmt.Sprintf("%x", h.Sum(nil))
	return got == string(want)
}

// WriteChunk stages stream to a temp file in the entry directory and
// atomically renames it into place as start-end.bin. On any error or a
// short read (byte count != end-start+1), the temp file is removed and no
// segment is registered.
func (s *Store) WriteChunk(start, end int64, stream io.Reader) (Segment, error) {
	seg := Segment{Start: start, End: end}
	want := seg.Len()

	lock := shardFor(s.Dir, start)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return Segment{}, fmt.Errorf("segment store: creating entry dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, ".tmp-chunk-*")
	if err != nil {
		return Segment{}, fmt.Errorf("segment store: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	h := sha3.New224()
	w := io.MultiWriter(tmp, h)

	n, copyErr := io.CopyN(w, stream, want)
	closeErr := tmp.Close()

	if copyErr != nil || closeErr != nil || n != want {
		_ = os.Remove(tmpPath)
		if copyErr != nil && copyErr != io.EOF {
			return Segment{}, fmt.Errorf("segment store: short/failed write (%d/%d bytes): %w", n, want, copyErr)
		}
		return Segment{}, fmt.Errorf("segment store: short write (%d/%d bytes)", n, want)
	}

	finalPath := s.Path(seg)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return Segment{}, fmt.Errorf("segment store: rename: %w", err)
	}

	if s.StrictIntegrity {
		sum := fmt.Sprintf("%x", h.Sum(nil))
		_ = os.WriteFile(filepath.Join(s.Dir, seg.DigestFileName()), []byte(sum), 0o644)
	}

	return seg, nil
}

// Read returns exactly the bytes for [start,end], assuming the interval is
// fully covered by segments. It walks segments left-to-right, at each step
// choosing the segment covering the cursor with the farthest End (to
// minimize file opens), and reads via mmap where possible.
func (s *Store) Read(segments []Segment, start, end int64) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	merged := sortSegments(segments)
	cursor := start

	for cursor <= end {
		seg, ok := bestCoveringSegment(merged, cursor)
		if !ok {
			return nil, fmt.Errorf("segment store: [%d,%d] not fully covered at offset %d", start, end, cursor)
		}

		readEnd := seg.End
		if readEnd > end {
			readEnd = end
		}
		n := readEnd - cursor + 1
		offsetInFile := cursor - seg.Start

		chunk, err := s.readRange(seg, offsetInFile, n)
		if err != nil {
			return nil, err
		}
		if _, err := buf.Write(chunk); err != nil {
			return nil, err
		}
		cursor = readEnd + 1
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// bestCoveringSegment finds, among segments covering cursor, the one with
// the largest End.
func bestCoveringSegment(segments []Segment, cursor int64) (Segment, bool) {
	var best Segment
	found := false
	for _, seg := range segments {
		if seg.contains(cursor) {
			if !found || seg.End > best.End {
				best = seg
				found = true
			}
		}
	}
	return best, found
}

func (s *Store) readRange(seg Segment, offset, length int64) ([]byte, error) {
	path := s.Path(seg)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment store: opening %s: %w", seg.FileName(), err)
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		s.logger.Debugf("segment store: mmap failed for %s, falling back to seek+read: %v", seg.FileName(), err)
		return s.readRangeSeek(f, offset, length)
	}
	defer m.Unmap()

	if offset+length > int64(len(m)) {
		return nil, fmt.Errorf("segment store: range [%d,%d) out of bounds for %s", offset, offset+length, seg.FileName())
	}
	out := make([]byte, length)
	copy(out, m[offset:offset+length])
	return out, nil
}

func (s *Store) readRangeSeek(f *os.File, offset, length int64) ([]byte, error) {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(f, out); err != nil {
		return nil, err
	}
	return out, nil
}
