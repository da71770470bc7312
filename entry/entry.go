// Package entry implements the per-URL cache entry: total length,
// range-support flag, content type, segment list, locks, and origin
// session (spec component C3).
package entry

import (
	"context"
	"sync"
	"time"

	"github.com/podcache/podcache/config"
	"github.com/podcache/podcache/distlock"
	"github.com/podcache/podcache/fetcher"
	"github.com/podcache/podcache/logger"
	"github.com/podcache/podcache/origin"
	"github.com/podcache/podcache/prefetch"
	"github.com/podcache/podcache/segment"
)

// Entry is a thread-safe per-URL cache record. A single non-reentrant
// mutex guards the mutable fields; the call graph is structured so no
// locked method ever calls another method that re-acquires the lock —
// the same discipline the teacher applies to its ConcurrencyManager and
// StreamCoordinator, both of which use plain sync.Mutex rather than a
// reentrant lock.
type Entry struct {
	sid     string
	url     string
	headers map[string]string

	mu           sync.Mutex
	totalLength  int64 // -1 unknown
	rangeSupport origin.RangeSupport
	contentType  string
	segments     []segment.Segment
	lastAccess   time.Time
	probed       bool

	store        *segment.Store
	originClient *origin.Client
	cfg          *config.Config
	locker       distlock.Locker
	logger       logger.Logger

	worker        *prefetch.Worker
	workerCancel  context.CancelFunc
	workerRunning bool
}

// New constructs an Entry, rehydrating its segment metadata from disk (the
// on-disk chunk files are always the authoritative source; in-memory
// state is rebuilt from them, never persisted separately, per spec's
// invariant that no cache state survives a reinstall except the chunk
// files themselves).
func New(sid, url string, headers map[string]string, cfg *config.Config, locker distlock.Locker, log logger.Logger) *Entry {
	if log == nil {
		log = logger.Default
	}
	if locker == nil {
		locker = distlock.Noop{}
	}
	store := segment.New(config.EntryDirPath(cfg.CacheDir, contentHash(url, headers)), cfg.StrictIntegrity, log)

	e := &Entry{
		sid:          sid,
		url:          url,
		headers:      headers,
		totalLength:  -1,
		rangeSupport: origin.RangeUnknown,
		contentType:  "application/octet-stream",
		store:        store,
		originClient: origin.NewClient(log),
		cfg:          cfg,
		locker:       locker,
		logger:       log,
		lastAccess:   time.Now(),
	}

	if segs, err := store.LoadFromDisk(); err == nil {
		e.segments = store.PruneInvalid(segs)
	} else {
		log.Debugf("entry: failed to load segments for %s from disk: %v", sid, err)
	}

	return e
}

// Touch updates last_access.
func (e *Entry) Touch() {
	e.mu.Lock()
	e.lastAccess = time.Now()
	e.mu.Unlock()
}

func (e *Entry) IdleFor() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.lastAccess)
}

func (e *Entry) SID() string                  { return e.sid }
func (e *Entry) URL() string                  { return e.url }
func (e *Entry) Headers() map[string]string   { return e.headers }
func (e *Entry) Store() *segment.Store        { return e.store }
func (e *Entry) OriginClient() *origin.Client { return e.originClient }

func (e *Entry) RangeSupport() origin.RangeSupport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rangeSupport
}

// TotalLength returns the learned total length, or -1 if unknown.
func (e *Entry) TotalLength() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalLength
}

// ContentType returns the entry's content type, defaulting to
// application/octet-stream until a probe or fetch learns otherwise.
func (e *Entry) ContentType() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contentType
}

// Segments returns a snapshot of the current segment set. Callers take
// the lock only long enough to copy the slice header's backing data;
// file I/O always happens after the lock is released.
func (e *Entry) Segments() []segment.Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]segment.Segment, len(e.segments))
	copy(out, e.segments)
	return out
}

// setTotalLengthLocked enforces length monotonicity (Invariant 4): once known,
// total_length never decreases.
func (e *Entry) setTotalLengthLocked(n int64) {
	if n < 0 {
		return
	}
	if e.totalLength < 0 || n > e.totalLength {
		e.totalLength = n
	}
}

// RegisterFetchResult appends seg to the segment set and advances total
// length monotonically. Called by the fetcher after a successful,
// atomically-renamed chunk write — never before the write has completed.
func (e *Entry) RegisterFetchResult(seg segment.Segment, totalLength int64) {
	e.mu.Lock()
	e.segments = append(e.segments, seg)
	e.setTotalLengthLocked(totalLength)
	if e.rangeSupport == origin.RangeUnknown {
		e.rangeSupport = origin.RangeSupported
	}
	e.mu.Unlock()
}

// LatchRangeUnsupported permanently marks the entry as not supporting
// Range requests (Invariant 5: once set, never reverts).
func (e *Entry) LatchRangeUnsupported() {
	e.mu.Lock()
	e.rangeSupport = origin.RangeUnsupported
	e.mu.Unlock()
}

func (e *Entry) setContentType(ct string) {
	if ct == "" {
		return
	}
	e.mu.Lock()
	e.contentType = ct
	e.mu.Unlock()
}

// EnsureProbed runs the origin probe at most once. The probe itself runs
// outside the entry lock (it may take seconds on a high-latency link);
// only the result is recorded under the lock.
func (e *Entry) EnsureProbed(ctx context.Context) error {
	e.mu.Lock()
	alreadyProbed := e.probed
	e.mu.Unlock()
	if alreadyProbed {
		return nil
	}

	outcome, err := e.originClient.Probe(ctx, e.url, e.headers)

	e.mu.Lock()
	e.probed = true
	if err != nil {
		e.rangeSupport = origin.RangeUnsupported
	} else {
		e.rangeSupport = outcome.RangeSupport
		e.setTotalLengthLocked(outcome.TotalLength)
		if outcome.ContentType != "" {
			e.contentType = outcome.ContentType
		}
	}
	e.mu.Unlock()

	return err
}

// EnsureCached guarantees that at least [start, servedEnd] is on disk,
// where servedEnd >= start, or the sentinel start-1 if nothing could be
// fetched. This is the foreground, request-serving path: it never
// contends for the distributed fetch lock (distlock.Noop{}), since a
// player request must not stall behind another process's background
// prefetch holding a Redis-backed lock on the same gap. Only the
// background worker (StartBackgroundPrefetch) participates in the
// cross-process election.
func (e *Entry) EnsureCached(ctx context.Context, start, end int64) (int64, error) {
	e.Touch()
	return fetcher.Ensure(ctx, e, start, end, e.cfg, distlock.Noop{}, e.logger)
}

// ReadCached returns exactly the bytes for [start,end]. Precondition:
// the interval is fully covered. It prunes invalid segments and retries
// once if the first read fails (e.g. a chunk file vanished between the
// coverage check and the read).
func (e *Entry) ReadCached(start, end int64) ([]byte, error) {
	segs := e.Segments()
	data, err := e.store.Read(segs, start, end)
	if err == nil {
		return data, nil
	}

	e.logger.Debugf("entry: read failed for %s [%d,%d], pruning and retrying once: %v", e.sid, start, end, err)
	reloaded, loadErr := e.store.LoadFromDisk()
	if loadErr != nil {
		return nil, err
	}
	pruned := e.store.PruneInvalid(reloaded)

	e.mu.Lock()
	e.segments = pruned
	e.mu.Unlock()

	return e.store.Read(pruned, start, end)
}

// StartBackgroundPrefetch starts the C5 worker if background downloading
// is enabled and no worker is already running. Idempotent.
func (e *Entry) StartBackgroundPrefetch() {
	if !e.cfg.BackgroundDownload {
		return
	}
	e.mu.Lock()
	if e.workerRunning {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := prefetch.NewWorker(e.cfg, e.locker, e.logger)
	e.worker = w
	e.workerCancel = cancel
	e.workerRunning = true
	e.mu.Unlock()

	w.Start(ctx, e)
}

// StopBackgroundPrefetch signals the worker to stop and waits for it.
// Idempotent; safe to call even if no worker was started.
func (e *Entry) StopBackgroundPrefetch() {
	e.mu.Lock()
	w := e.worker
	cancel := e.workerCancel
	running := e.workerRunning
	e.workerRunning = false
	e.worker = nil
	e.workerCancel = nil
	e.mu.Unlock()

	if !running || w == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	w.Stop()
}
