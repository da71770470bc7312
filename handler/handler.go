// Package handler implements the HTTP surface the local media player
// talks to: /health and /media (spec component C6). Request composition
// follows the teacher's stream_handler.go/mp4_handler.go shape (parse
// Range, serve from cache or passthrough, handle a client that hangs up
// mid-write) generalized from live-stream passthrough to range-cached
// playback.
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/podcache/podcache/auditlog"
	"github.com/podcache/podcache/config"
	"github.com/podcache/podcache/entry"
	"github.com/podcache/podcache/logger"
	"github.com/podcache/podcache/origin"
	"github.com/podcache/podcache/registry"
)

// Resolver resolves the (url, headers) a /media request's sid maps to.
// The supervisor supplies it so the handler never needs to know how
// proxied URLs are minted.
type Resolver interface {
	Resolve(sid string) (url string, headers map[string]string, ok bool)
}

type Handler struct {
	reg      *registry.Registry
	resolver Resolver
	cfg      *config.Config
	logger   logger.Logger
	audit    *auditlog.Log
}

func New(reg *registry.Registry, resolver Resolver, cfg *config.Config, audit *auditlog.Log, log logger.Logger) *Handler {
	if log == nil {
		log = logger.Default
	}
	return &Handler{reg: reg, resolver: resolver, cfg: cfg, audit: audit, logger: log}
}

func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/media", h.handleMedia)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleMedia(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		http.Error(w, "missing sid", http.StatusBadRequest)
		return
	}

	url, headers, ok := h.resolver.Resolve(sid)
	if !ok {
		http.NotFound(w, r)
		return
	}

	e := h.reg.GetOrCreate(sid, func() *entry.Entry {
		return entry.New(sid, url, headers, h.cfg, nil, h.logger)
	})
	h.reg.Touch(sid)
	e.Touch()

	switch r.Method {
	case http.MethodHead:
		h.serveHead(w, r, e, reqID)
	case http.MethodGet:
		h.serveGet(w, r, e, reqID)
	default:
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) serveHead(w http.ResponseWriter, r *http.Request, e *entry.Entry, reqID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := e.EnsureProbed(ctx); err != nil {
		h.logger.Debugf("handler[%s]: probe failed: %v", reqID, err)
	}

	w.Header().Set("Content-Type", e.ContentType())
	if total := e.TotalLength(); total >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(total, 10))
	}
	if e.RangeSupport() == origin.RangeSupported {
		w.Header().Set("Accept-Ranges", "bytes")
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) serveGet(w http.ResponseWriter, r *http.Request, e *entry.Entry, reqID string) {
	ctx := r.Context()

	if err := e.EnsureProbed(ctx); err != nil {
		h.logger.Debugf("handler[%s]: probe failed: %v", reqID, err)
	}

	if e.RangeSupport() == origin.RangeUnsupported {
		h.servePassthrough(w, r, e, reqID)
		return
	}

	total := e.TotalLength()
	start, end, hasRange, err := parseRange(r.Header.Get("Range"), total)
	if err != nil {
		// Missing or malformed Range: treat as a best-effort request for
		// (0, ...), exactly like the absent-header case below, rather
		// than rejecting the request.
		hasRange = false
	}
	if !hasRange {
		start = 0
		if total >= 0 {
			end = total - 1
		} else {
			end = start + h.cfg.InlineWindowBytes - 1
		}
	} else if end < 0 {
		// Open-ended range against an origin whose length isn't known
		// yet; resolve only as far as the inline window.
		end = start + h.cfg.InlineWindowBytes - 1
	}

	servedEnd, err := e.EnsureCached(ctx, start, end)
	if err != nil || servedEnd < start {
		h.logger.Debugf("handler[%s]: ensure_cached failed for [%d,%d]: %v", reqID, start, end, err)
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	if servedEnd > end {
		servedEnd = end
	}

	data, err := e.ReadCached(start, servedEnd)
	if err != nil {
		h.logger.Debugf("handler[%s]: read_cached failed for [%d,%d]: %v", reqID, start, servedEnd, err)
		http.Error(w, "cache read failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", e.ContentType())
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(servedEnd, 10)+"/"+lengthOrStar(total))
	w.Header().Set("Content-Length", strconv.FormatInt(int64(len(data)), 10))
	w.WriteHeader(http.StatusPartialContent)

	if h.audit != nil {
		h.audit.Record(e.SID(), start, servedEnd, true, int64(len(data)))
	}

	if _, err := w.Write(data); err != nil {
		if isBrokenPipe(err) {
			h.logger.Debugf("handler[%s]: client disconnected mid-write", reqID)
			return
		}
		h.logger.Warnf("handler[%s]: write failed: %v", reqID, err)
	}

	if h.cfg.BackgroundDownload {
		e.StartBackgroundPrefetch()
	}
}

// servePassthrough streams the origin response directly, for origins
// that have latched range-unsupported. No caching happens on this path.
func (h *Handler) servePassthrough(w http.ResponseWriter, r *http.Request, e *entry.Entry, reqID string) {
	result, err := e.OriginClient().FetchPassthrough(r.Context(), e.URL(), e.Headers())
	if err != nil {
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	defer result.Body.Close()

	w.Header().Set("Content-Type", result.ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, result.Body); err != nil && !isBrokenPipe(err) {
		h.logger.Warnf("handler[%s]: passthrough copy failed: %v", reqID, err)
	}
}

func lengthOrStar(total int64) string {
	if total < 0 {
		return "*"
	}
	return strconv.FormatInt(total, 10)
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset")
}

// parseRange parses a single-range "bytes=start-end" header. hasRange is
// false when the header is empty (caller then serves from offset 0: the
// whole file when total is known, else one inline window). A start past
// the end of a known-length file is reported as errInvalidRange.
// total<0 means the length is not yet known; an
// open-ended range then resolves only as far as the inline window, the
// same behavior as an unknown-length live source.
func parseRange(header string, total int64) (start, end int64, hasRange bool, err error) {
	if header == "" {
		return 0, 0, false, nil
	}
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, false, errInvalidRange
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		return 0, 0, false, errInvalidRange
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false, errInvalidRange
	}

	if parts[0] == "" {
		// Suffix range: last N bytes.
		if total < 0 {
			return 0, 0, false, errInvalidRange
		}
		n, perr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, false, errInvalidRange
		}
		start = total - n
		if start < 0 {
			start = 0
		}
		return start, total - 1, true, nil
	}

	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false, errInvalidRange
	}
	if total >= 0 && start > total-1 {
		// Start past the end of the file: handled like a malformed range.
		return 0, 0, false, errInvalidRange
	}

	if parts[1] == "" {
		if total >= 0 {
			end = max(start, total-1)
		} else {
			end = -1 // resolved by caller against the inline window
		}
		return start, end, true, nil
	}

	end, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false, errInvalidRange
	}
	if end < start {
		end = start
	}
	if total >= 0 {
		end = min(end, max(start, total-1))
	}
	return start, end, true, nil
}

var errInvalidRange = errors.New("invalid range")
