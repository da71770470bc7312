package prefetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podcache/podcache/config"
	"github.com/podcache/podcache/distlock"
	"github.com/podcache/podcache/logger"
	"github.com/podcache/podcache/origin"
	"github.com/podcache/podcache/segment"
)

type fakeTarget struct {
	mu           sync.Mutex
	sid          string
	url          string
	rangeSupport origin.RangeSupport
	totalLength  int64
	segments     []segment.Segment
	lastAccess   time.Time

	store  *segment.Store
	client *origin.Client
}

func newFakeTarget(t *testing.T, url string, total int64) *fakeTarget {
	return &fakeTarget{
		sid:          "test-sid",
		url:          url,
		rangeSupport: origin.RangeSupported,
		totalLength:  total,
		store:        segment.New(t.TempDir(), false, logger.Default),
		client:       origin.NewClient(logger.Default),
		lastAccess:   time.Now(),
	}
}

func (f *fakeTarget) SID() string                  { return f.sid }
func (f *fakeTarget) URL() string                  { return f.url }
func (f *fakeTarget) Headers() map[string]string   { return nil }
func (f *fakeTarget) Store() *segment.Store        { return f.store }
func (f *fakeTarget) OriginClient() *origin.Client { return f.client }
func (f *fakeTarget) EnsureProbed(ctx context.Context) error { return nil }

func (f *fakeTarget) RangeSupport() origin.RangeSupport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rangeSupport
}

func (f *fakeTarget) TotalLength() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalLength
}

func (f *fakeTarget) Segments() []segment.Segment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]segment.Segment, len(f.segments))
	copy(out, f.segments)
	return out
}

func (f *fakeTarget) RegisterFetchResult(seg segment.Segment, totalLength int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments = append(f.segments, seg)
}

func (f *fakeTarget) LatchRangeUnsupported() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeSupport = origin.RangeUnsupported
}

func (f *fakeTarget) IdleFor() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Since(f.lastAccess)
}

func (f *fakeTarget) setIdleSince(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAccess = time.Now().Add(-d)
}

func rangeServingHandler(body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start, end := int64(0), int64(len(body)-1)
		if rng := r.Header.Get("Range"); rng != "" {
			spec := strings.TrimPrefix(rng, "bytes=")
			parts := strings.SplitN(spec, "-", 2)
			if s, err := strconv.ParseInt(parts[0], 10, 64); err == nil {
				start = s
			}
			if len(parts) > 1 && parts[1] != "" {
				if e, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
					end = e
				}
			}
		}
		if end > int64(len(body)-1) {
			end = int64(len(body) - 1)
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body[start : end+1])
	}
}

func TestWorkerFillsToEndOfFile(t *testing.T) {
	body := make([]byte, 5*1024*1024)
	srv := httptest.NewServer(rangeServingHandler(body))
	defer srv.Close()

	target := newFakeTarget(t, srv.URL, int64(len(body)))
	cfg := config.GetConfig()
	cfg.BackgroundChunkBytes = 1024 * 1024

	w := NewWorker(cfg, distlock.NewLocal(), logger.Default)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w.Start(ctx, target)

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if end, ok := segment.MaxEnd(target.Segments()); ok && end >= int64(len(body))-1 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	w.Stop()

	end, ok := segment.MaxEnd(target.Segments())
	require.True(t, ok)
	assert.Equal(t, int64(len(body)-1), end)
}

func TestWorkerStopsWhenIdle(t *testing.T) {
	body := make([]byte, 1024*1024)
	srv := httptest.NewServer(rangeServingHandler(body))
	defer srv.Close()

	target := newFakeTarget(t, srv.URL, int64(len(body)))
	target.setIdleSince(10 * time.Minute)

	cfg := config.GetConfig()
	w := NewWorker(cfg, distlock.NewLocal(), logger.Default)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	w.Start(ctx, target)
	w.Stop()

	assert.Empty(t, target.Segments())
}

func TestWorkerStopsOnRangeUnsupported(t *testing.T) {
	target := newFakeTarget(t, "http://example.invalid", -1)
	target.LatchRangeUnsupported()

	cfg := config.GetConfig()
	w := NewWorker(cfg, distlock.NewLocal(), logger.Default)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	w.Start(ctx, target)
	w.Stop()
}
