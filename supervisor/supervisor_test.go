package supervisor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podcache/podcache/config"
	"github.com/podcache/podcache/entry"
)

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
		w.Header().Set("Content-Type", "audio/mpeg")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body[start : end+1])
	}
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		CacheDir:             t.TempDir(),
		PrefetchBytes:        config.DefaultPrefetchBytes,
		InlineWindowBytes:    config.DefaultInlineWindowBytes,
		BackgroundChunkBytes: config.DefaultBackgroundChunkBytes,
		IdleTimeoutSeconds:   config.DefaultIdleTimeoutSeconds,
	}
}

func TestStartStopLifecycle(t *testing.T) {
	sup, err := New(Options{Config: testConfig(t)})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)

	assert.NotEmpty(t, sup.BaseURL())
	assert.True(t, sup.IsReady(ctx))

	require.NoError(t, sup.Stop(ctx))
}

func TestProxifyThenFetchRoundTrips(t *testing.T) {
	body := make([]byte, 4096)
	for i := range body {
		body[i] = byte(i)
	}
	origin := httptest.NewServer(rangeServingHandler(body))
	defer origin.Close()

	sup, err := New(Options{Config: testConfig(t)})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)

	localURL, err := sup.Proxify(origin.URL, nil)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, localURL, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-1023")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, body[:1024], data)
}

func TestProxifyIsIdempotentForSameURL(t *testing.T) {
	sup, err := New(Options{Config: testConfig(t)})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)

	u1, err := sup.Proxify("http://example.invalid/a.mp3", nil)
	require.NoError(t, err)
	u2, err := sup.Proxify("http://example.invalid/a.mp3", nil)
	require.NoError(t, err)
	assert.Equal(t, u1, u2)
	assert.Equal(t, 1, sup.reg.Len())
}

func TestPruneWithNonPositiveIdleBoundKeepsEntries(t *testing.T) {
	sup, err := New(Options{Config: testConfig(t)})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)

	_, err = sup.Proxify("http://example.invalid/a.mp3", nil)
	require.NoError(t, err)
	require.Equal(t, 1, sup.reg.Len())

	time.Sleep(20 * time.Millisecond)
	sup.Prune(0, 0) // maxIdleSeconds<=0 disables idle eviction
	assert.Equal(t, 1, sup.reg.Len())

	sup.Prune(0, -1) // still disabled; sanity check negative is a no-op too
	assert.Equal(t, 1, sup.reg.Len())
}

func TestPruneEvictsBeyondMaxEntries(t *testing.T) {
	sup, err := New(Options{Config: testConfig(t)})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)

	_, err = sup.Proxify("http://example.invalid/a.mp3", nil)
	require.NoError(t, err)
	_, err = sup.Proxify("http://example.invalid/b.mp3", nil)
	require.NoError(t, err)
	require.Equal(t, 2, sup.reg.Len())

	sup.Prune(1, 0)
	assert.Equal(t, 1, sup.reg.Len())
}

func TestMappingsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)

	sup1, err := New(Options{Config: cfg})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sup1.Start(ctx))

	_, err = sup1.Proxify("http://example.invalid/a.mp3", nil)
	require.NoError(t, err)
	require.NoError(t, sup1.Stop(ctx))

	sup2, err := New(Options{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, sup2.Start(ctx))
	defer sup2.Stop(ctx)

	url, _, ok := sup2.Resolve(entry.ComputeSID("http://example.invalid/a.mp3", nil))
	assert.True(t, ok)
	assert.Equal(t, "http://example.invalid/a.mp3", url)
}
