// Package origin performs conditional and ranged GETs against a podcast
// origin and classifies the responses (spec component C2).
package origin

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/podcache/podcache/backoff"
	"github.com/podcache/podcache/logger"
)

// negativeProbeTTL bounds how long a failed probe is remembered, so a
// flapping or briefly-down origin doesn't get hammered by every
// player request in the meantime.
const negativeProbeTTL = 15 * time.Second

// Hop-by-hop headers are never relayed downstream, mirroring
// net/http's own hop-by-hop handling.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// RangeSupport is a three-valued flag: unknown until a probe or fetch
// tells us otherwise.
type RangeSupport int

const (
	RangeUnknown RangeSupport = iota
	RangeSupported
	RangeUnsupported
)

// ProbeOutcome is the result of a HEAD-equivalent Range probe.
type ProbeOutcome struct {
	RangeSupport RangeSupport
	TotalLength  int64 // -1 if unknown
	ContentType  string
}

// FetchResult is the result of a ranged GET. It is returned only with a
// nil error, and its Body is then non-nil; callers must close it.
type FetchResult struct {
	Body         io.ReadCloser
	Status       int
	ServedStart  int64
	ServedEnd    int64
	TotalLength  int64 // -1 if unknown
	ContentType  string
	RangeSupport RangeSupport // set to RangeUnsupported if origin ignored Range
}

// Client is a stateless helper around a reusable connection pool. One
// Client is typically shared by all fetches for a single cache entry, so
// that idle connections are reused across foreground and background
// fetches.
type Client struct {
	httpClient *http.Client
	logger     logger.Logger
	retries    int

	// negativeProbes remembers recently-failed probes per URL so a
	// flapping origin isn't re-probed on every request.
	negativeProbes *cache.Cache
}

func NewClient(log logger.Logger) *Client {
	if log == nil {
		log = logger.Default
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   60 * time.Second,
		},
		logger:         log,
		retries:        2,
		negativeProbes: cache.New(negativeProbeTTL, 2*negativeProbeTTL),
	}
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func (c *Client) newRequest(ctx context.Context, url string, headers map[string]string, rangeHeader string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept-Encoding", "identity")
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	return req, nil
}

// Probe sends a GET with Range: bytes=0-0 and classifies the response.
// A recently-failed probe for the same URL is reported directly from the
// negative cache, without a new round-trip.
func (c *Client) Probe(ctx context.Context, url string, headers map[string]string) (ProbeOutcome, error) {
	if v, ok := c.negativeProbes.Get(url); ok {
		return ProbeOutcome{RangeSupport: RangeUnsupported, TotalLength: -1}, v.(error)
	}

	req, err := c.newRequest(ctx, url, headers, "bytes=0-0")
	if err != nil {
		return ProbeOutcome{TotalLength: -1}, err
	}

	resp, err := c.doWithRetry(req)
	if err != nil {
		c.negativeProbes.SetDefault(url, err)
		return ProbeOutcome{RangeSupport: RangeUnsupported, TotalLength: -1}, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusPartialContent {
		total := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		return ProbeOutcome{
			RangeSupport: RangeSupported,
			TotalLength:  total,
			ContentType:  contentTypeOrDefault(resp.Header.Get("Content-Type")),
		}, nil
	}

	if resp.StatusCode == http.StatusOK {
		total := int64(-1)
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				total = n
			}
		}
		return ProbeOutcome{
			RangeSupport: RangeUnsupported,
			TotalLength:  total,
			ContentType:  contentTypeOrDefault(resp.Header.Get("Content-Type")),
		}, nil
	}

	probeErr := fmt.Errorf("origin: probe returned status %d", resp.StatusCode)
	c.negativeProbes.SetDefault(url, probeErr)
	return ProbeOutcome{RangeSupport: RangeUnsupported, TotalLength: -1}, probeErr
}

// Fetch sends a GET with Range: bytes=s-e.
func (c *Client) Fetch(ctx context.Context, url string, headers map[string]string, start, end int64) (*FetchResult, error) {
	req, err := c.newRequest(ctx, url, headers, fmt.Sprintf("bytes=%d-%d", start, end))
	if err != nil {
		return nil, err
	}

	resp, err := c.doWithRetry(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		servedStart, servedEnd, total := parseContentRange(resp.Header.Get("Content-Range"))
		if servedStart < 0 {
			servedStart = start
		}
		if servedEnd < 0 {
			servedEnd = end
		}
		stripHopByHop(resp.Header)
		return &FetchResult{
			Body:         resp.Body,
			Status:       resp.StatusCode,
			ServedStart:  servedStart,
			ServedEnd:    servedEnd,
			TotalLength:  total,
			ContentType:  contentTypeOrDefault(resp.Header.Get("Content-Type")),
			RangeSupport: RangeSupported,
		}, nil
	case http.StatusOK:
		// Origin ignored the Range header; caller must latch
		// range_supported=false and abandon the caching path.
		total := int64(-1)
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				total = n
			}
		}
		stripHopByHop(resp.Header)
		return &FetchResult{
			Body:         resp.Body,
			Status:       resp.StatusCode,
			ServedStart:  0,
			ServedEnd:    total - 1,
			TotalLength:  total,
			ContentType:  contentTypeOrDefault(resp.Header.Get("Content-Type")),
			RangeSupport: RangeUnsupported,
		}, nil
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("origin: fetch returned status %d", resp.StatusCode)
	}
}

// FetchPassthrough sends a plain unranged GET, for origins already
// latched as not supporting Range requests.
func (c *Client) FetchPassthrough(ctx context.Context, url string, headers map[string]string) (*FetchResult, error) {
	req, err := c.newRequest(ctx, url, headers, "")
	if err != nil {
		return nil, err
	}

	resp, err := c.doWithRetry(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("origin: passthrough fetch returned status %d", resp.StatusCode)
	}

	total := int64(-1)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			total = n
		}
	}
	stripHopByHop(resp.Header)
	return &FetchResult{
		Body:         resp.Body,
		Status:       resp.StatusCode,
		ServedStart:  0,
		ServedEnd:    total - 1,
		TotalLength:  total,
		ContentType:  contentTypeOrDefault(resp.Header.Get("Content-Type")),
		RangeSupport: RangeUnsupported,
	}, nil
}

func (c *Client) doWithRetry(req *http.Request) (*http.Response, error) {
	bo := backoff.New(200*time.Millisecond, 2*time.Second)
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		resp, err := c.httpClient.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		c.logger.Debugf("origin: transient error on attempt %d: %v", attempt, err)
		if attempt < c.retries {
			bo.Sleep(req.Context())
		}
	}
	return nil, lastErr
}

func contentTypeOrDefault(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

// parseContentRangeTotal parses "bytes A-B/T" and returns T, or -1 if "*"
// or unparseable.
func parseContentRangeTotal(header string) int64 {
	_, _, total := parseContentRange(header)
	return total
}

// parseContentRange parses a Content-Range header of the form
// "bytes A-B/T" (or "bytes A-B/*"). Returns (-1,-1,-1) components that
// could not be parsed.
func parseContentRange(header string) (start, end, total int64) {
	start, end, total = -1, -1, -1
	header = strings.TrimSpace(header)
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.SplitN(header, "/", 2)
	if len(parts) != 2 {
		return
	}
	rangePart := parts[0]
	totalPart := parts[1]

	rangeBounds := strings.SplitN(rangePart, "-", 2)
	if len(rangeBounds) == 2 {
		if s, err := strconv.ParseInt(rangeBounds[0], 10, 64); err == nil {
			start = s
		}
		if e, err := strconv.ParseInt(rangeBounds[1], 10, 64); err == nil {
			end = e
		}
	}
	if totalPart != "*" {
		if t, err := strconv.ParseInt(totalPart, 10, 64); err == nil {
			total = t
		}
	}
	return
}
