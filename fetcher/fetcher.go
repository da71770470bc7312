// Package fetcher turns a requested byte interval into a sequence of
// origin fetches, writing results to the segment store (spec component
// C4). It operates against a Target interface rather than a concrete
// cache-entry type so the entry package can depend on fetcher without a
// import cycle.
package fetcher

import (
	"context"
	"fmt"
	"io"

	"github.com/podcache/podcache/config"
	"github.com/podcache/podcache/distlock"
	"github.com/podcache/podcache/logger"
	"github.com/podcache/podcache/origin"
	"github.com/podcache/podcache/segment"
)

// Target is the subset of cache-entry behavior the fetcher needs. entry.Entry
// implements this.
type Target interface {
	SID() string
	URL() string
	Headers() map[string]string

	// EnsureProbed runs the origin probe at most once, recording the
	// outcome on the target.
	EnsureProbed(ctx context.Context) error

	RangeSupport() origin.RangeSupport
	TotalLength() int64 // -1 if unknown
	Segments() []segment.Segment
	Store() *segment.Store
	OriginClient() *origin.Client

	// RegisterFetchResult appends seg to the segment set and advances
	// total length monotonically if totalLength >= 0.
	RegisterFetchResult(seg segment.Segment, totalLength int64)

	// LatchRangeUnsupported records that the origin ignored a Range
	// request; all further requests for this target passthrough.
	LatchRangeUnsupported()
}

// Ensure guarantees that at least [start, servedEnd] is on disk, where
// servedEnd >= start, or the sentinel start-1 if nothing could be
// fetched. It caps origin round-trips at config.MaxFetchesPerCall so a
// single player request cannot stall behind runaway prefetch.
func Ensure(ctx context.Context, t Target, start, end int64, cfg *config.Config, locker distlock.Locker, log logger.Logger) (int64, error) {
	if log == nil {
		log = logger.Default
	}
	if locker == nil {
		locker = distlock.Noop{}
	}

	if err := t.EnsureProbed(ctx); err != nil {
		log.Debugf("fetcher: probe failed for %s: %v", t.SID(), err)
	}
	if t.RangeSupport() == origin.RangeUnsupported {
		return start - 1, fmt.Errorf("fetcher: range not supported")
	}

	wantEnd := end + min(cfg.PrefetchBytes, config.InlineFetchCapBytes)
	if total := t.TotalLength(); total >= 0 && wantEnd > total-1 {
		wantEnd = total - 1
	}
	if wantEnd < end {
		wantEnd = end
	}

	gaps := segment.Missing(t.Segments(), start, wantEnd)

	fetched := 0
	for _, gap := range gaps {
		if fetched >= config.MaxFetchesPerCall {
			break
		}
		fetched++

		if err := fetchGap(ctx, t, gap.Start, gap.End, locker, log); err != nil {
			log.Debugf("fetcher: gap fetch [%d,%d] failed: %v", gap.Start, gap.End, err)
			break
		}
		if t.RangeSupport() == origin.RangeUnsupported {
			break
		}
	}

	servedEnd := segment.CoveredEnd(t.Segments(), start)
	if servedEnd < start {
		return servedEnd, fmt.Errorf("fetcher: unable to serve any bytes from %d", start)
	}
	return servedEnd, nil
}

// FetchOne performs a single origin fetch for exactly [start,end] and
// writes the result, without the inline cap or multi-gap looping that
// Ensure applies. Used directly by the background prefetcher, which
// manages its own pacing.
func FetchOne(ctx context.Context, t Target, start, end int64, locker distlock.Locker, log logger.Logger) error {
	if log == nil {
		log = logger.Default
	}
	if locker == nil {
		locker = distlock.Noop{}
	}
	return fetchGap(ctx, t, start, end, locker, log)
}

func fetchGap(ctx context.Context, t Target, gs, ge int64, locker distlock.Locker, log logger.Logger) error {
	lockKey := fmt.Sprintf("%s:%d-%d", t.SID(), gs, ge)
	release, ok := locker.Acquire(ctx, lockKey)
	defer release()
	if !ok {
		// Another process owns this gap; treat as already in progress
		// rather than a failure.
		return nil
	}

	// Re-check after acquiring the lock: another goroutine/process may
	// have filled this gap while we waited.
	if segment.FullyCovers(t.Segments(), gs, ge) {
		return nil
	}

	result, err := t.OriginClient().Fetch(ctx, t.URL(), t.Headers(), gs, ge)
	if err != nil {
		return err
	}
	defer result.Body.Close()

	if result.RangeSupport == origin.RangeUnsupported {
		t.LatchRangeUnsupported()
		_, _ = io.Copy(io.Discard, result.Body)
		return fmt.Errorf("fetcher: origin ignored range request")
	}

	servedStart, servedEnd := result.ServedStart, result.ServedEnd
	if servedEnd < servedStart {
		return fmt.Errorf("fetcher: origin served empty range")
	}

	seg, err := t.Store().WriteChunk(servedStart, servedEnd, result.Body)
	if err != nil {
		return err
	}

	t.RegisterFetchResult(seg, result.TotalLength)
	return nil
}
