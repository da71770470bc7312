// Package prefetch implements the per-entry background worker that grows
// contiguous coverage forward while an entry is warm (spec component C5).
// Its lifecycle state machine is grounded on the teacher's
// proxy/stream/buffer/coordinator.go StreamCoordinator (atomic
// active/stopped states, a stop channel, cooperative
// shutdown between iterations rather than mid-chunk).
package prefetch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/podcache/podcache/backoff"
	"github.com/podcache/podcache/config"
	"github.com/podcache/podcache/distlock"
	"github.com/podcache/podcache/fetcher"
	"github.com/podcache/podcache/logger"
	"github.com/podcache/podcache/origin"
	"github.com/podcache/podcache/segment"
)

// Target is the subset of cache-entry behavior the background prefetcher
// needs, beyond what the fetcher requires.
type Target interface {
	fetcher.Target
	IdleFor() time.Duration
}

const (
	stateActive int32 = iota
	stateStopped
)

// Worker grows an entry's coverage forward until it idles out, the entry
// becomes fully covered, or range support turns out to be unavailable.
type Worker struct {
	state  int32
	stopCh chan struct{}
	doneCh chan struct{}

	logger logger.Logger
	cfg    *config.Config
	locker distlock.Locker
}

func NewWorker(cfg *config.Config, locker distlock.Locker, log logger.Logger) *Worker {
	if log == nil {
		log = logger.Default
	}
	if locker == nil {
		locker = distlock.Noop{}
	}
	return &Worker{
		state:  stateActive,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: log,
		cfg:    cfg,
		locker: locker,
	}
}

// Start launches the worker loop in a new goroutine. It is safe to call
// Stop before the goroutine observes any work; Stop is idempotent.
func (w *Worker) Start(ctx context.Context, t Target) {
	go w.run(ctx, t)
}

// Stop signals the worker to exit at the next iteration boundary (never
// mid-chunk, since chunk sizes are small) and blocks until it has.
func (w *Worker) Stop() {
	if atomic.CompareAndSwapInt32(&w.state, stateActive, stateStopped) {
		close(w.stopCh)
	}
	<-w.doneCh
}

func (w *Worker) stopped() bool {
	return atomic.LoadInt32(&w.state) == stateStopped
}

func (w *Worker) run(ctx context.Context, t Target) {
	defer close(w.doneCh)

	bo := backoff.New(time.Second, 30*time.Second)
	idleTimeout := time.Duration(w.cfg.IdleTimeoutSeconds) * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		if t.IdleFor() >= idleTimeout {
			w.logger.Debugf("prefetch: stopping worker for %s, idle", t.SID())
			return
		}
		if t.RangeSupport() == origin.RangeUnsupported {
			return
		}

		total := t.TotalLength()
		curEnd, have := segment.MaxEnd(t.Segments())
		if !have {
			curEnd = -1
		}
		nextStart := curEnd + 1
		if total >= 0 && nextStart > total-1 {
			// Fully covered.
			return
		}

		nextEnd := nextStart + w.cfg.BackgroundChunkBytes - 1
		if total >= 0 && nextEnd > total-1 {
			nextEnd = total - 1
		}

		err := fetcher.FetchOne(ctx, t, nextStart, nextEnd, w.locker, w.logger)
		if err != nil {
			w.logger.Debugf("prefetch: fetch [%d,%d] failed for %s: %v", nextStart, nextEnd, t.SID(), err)
			bo.Sleep(ctx)
			continue
		}
		bo.Reset()

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}
