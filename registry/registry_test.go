package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podcache/podcache/config"
	"github.com/podcache/podcache/entry"
)

func newTestEntry(sid, url string) *entry.Entry {
	cfg := &config.Config{
		CacheDir:             "", // unused directly; entry derives its own subdir
		BackgroundDownload:   false,
		IdleTimeoutSeconds:   config.DefaultIdleTimeoutSeconds,
		PrefetchBytes:        config.DefaultPrefetchBytes,
		InlineWindowBytes:    config.DefaultInlineWindowBytes,
		BackgroundChunkBytes: config.DefaultBackgroundChunkBytes,
	}
	return entry.New(sid, url, nil, cfg, nil, nil)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)

	calls := 0
	factory := func() *entry.Entry {
		calls++
		return newTestEntry("sid-1", "http://example.com/a.mp3")
	}

	e1 := reg.GetOrCreate("sid-1", factory)
	e2 := reg.GetOrCreate("sid-1", factory)
	assert.Same(t, e1, e2)
	assert.Equal(t, 1, calls)
}

func TestRemoveDeletesFromRegistry(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)

	reg.GetOrCreate("sid-1", func() *entry.Entry { return newTestEntry("sid-1", "http://example.com/a.mp3") })
	assert.Equal(t, 1, reg.Len())

	reg.Remove("sid-1")
	assert.Equal(t, 0, reg.Len())

	_, ok := reg.Get("sid-1")
	assert.False(t, ok)
}

func TestIdleSIDsOrdersOldestFirst(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)

	reg.Touch("old")
	time.Sleep(5 * time.Millisecond)
	reg.Touch("new")

	idle := reg.IdleSIDs(time.Now())
	require.Len(t, idle, 2)
	assert.Equal(t, "old", idle[0])
	assert.Equal(t, "new", idle[1])
}

func TestIdleSIDsRespectsCutoff(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)

	reg.Touch("recent")
	idle := reg.IdleSIDs(time.Now().Add(-time.Hour))
	assert.Empty(t, idle)
}
