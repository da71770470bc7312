package origin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podcache/podcache/logger"
)

func TestProbeRangeSupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-0", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 0-0/1000")
		w.Header().Set("Content-Type", "audio/mpeg")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("a"))
	}))
	defer srv.Close()

	c := NewClient(logger.Default)
	outcome, err := c.Probe(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, RangeSupported, outcome.RangeSupport)
	assert.Equal(t, int64(1000), outcome.TotalLength)
	assert.Equal(t, "audio/mpeg", outcome.ContentType)
}

func TestProbeRangeUnsupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "500")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(logger.Default)
	outcome, err := c.Probe(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, RangeUnsupported, outcome.RangeSupport)
	assert.Equal(t, int64(500), outcome.TotalLength)
}

func TestFetchParsesServedRangeFromContentRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 10-19/100")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Content-Type", "audio/mpeg")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	c := NewClient(logger.Default)
	result, err := c.Fetch(context.Background(), srv.URL, nil, 10, 19)
	require.NoError(t, err)
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(body))
	assert.Equal(t, int64(10), result.ServedStart)
	assert.Equal(t, int64(19), result.ServedEnd)
	assert.Equal(t, int64(100), result.TotalLength)
}

func TestFetchPropagatesCallerHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Range", "bytes 0-4/10")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := NewClient(logger.Default)
	result, err := c.Fetch(context.Background(), srv.URL, map[string]string{"Authorization": "secret-token"}, 0, 4)
	require.NoError(t, err)
	defer result.Body.Close()
}

func TestProbeNegativeCacheAvoidsRepeatedRoundTrip(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(logger.Default)
	_, err1 := c.Probe(context.Background(), srv.URL, nil)
	_, err2 := c.Probe(context.Background(), srv.URL, nil)
	assert.Error(t, err1)
	assert.Error(t, err2)
	assert.Equal(t, 1, hits)
}

func TestOriginIgnoringRangeReportsUnsupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "20")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("12345678901234567890"))
	}))
	defer srv.Close()

	c := NewClient(logger.Default)
	result, err := c.Fetch(context.Background(), srv.URL, nil, 5, 9)
	require.NoError(t, err)
	defer result.Body.Close()
	assert.Equal(t, RangeUnsupported, result.RangeSupport)
}
