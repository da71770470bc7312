// Package supervisor owns the proxy process lifecycle: the listener
// bound to 127.0.0.1, the entry registry, the mappings directory, and
// the periodic prune sweep (spec component C7). The cron-scheduled
// sweep is grounded on the teacher's updater.go, which schedules its
// playlist refresh the same way via robfig/cron.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/podcache/podcache/auditlog"
	"github.com/podcache/podcache/config"
	"github.com/podcache/podcache/distlock"
	"github.com/podcache/podcache/entry"
	"github.com/podcache/podcache/handler"
	"github.com/podcache/podcache/logger"
	"github.com/podcache/podcache/registry"
)

// Options configures a Supervisor. PruneCron is a standard 5-field cron
// expression; an empty value disables the scheduled sweep (callers may
// still invoke Prune directly).
type Options struct {
	Addr            string // e.g. "127.0.0.1:0"; port 0 picks an ephemeral port
	Config          *config.Config
	PruneCron       string
	MaxEntries      int
	MaxIdleSeconds  int64
	DistributedLock bool
	RedisAddr       string
	AuditLogPath    string
	Logger          logger.Logger
}

// Supervisor is the caller-facing handle described by the spec's
// external API: start/stop, proxify, prune, is_ready.
type Supervisor struct {
	opts   Options
	logger logger.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	baseURL  string
	running  bool

	reg    *registry.Registry
	locker distlock.Locker
	audit  *auditlog.Log
	cron   *cron.Cron
}

func New(opts Options) (*Supervisor, error) {
	if opts.Config == nil {
		opts.Config = config.GetConfig()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default
	}
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.MaxIdleSeconds <= 0 {
		opts.MaxIdleSeconds = opts.Config.IdleTimeoutSeconds
	}
	if opts.RedisAddr == "" && opts.Config.RedisAddr != "" {
		opts.RedisAddr = opts.Config.RedisAddr
		opts.DistributedLock = true
	}
	if opts.AuditLogPath == "" {
		opts.AuditLogPath = opts.Config.SQLiteAuditPath
	}

	reg, err := registry.New()
	if err != nil {
		return nil, fmt.Errorf("supervisor: init registry: %w", err)
	}

	var locker distlock.Locker = distlock.NewLocal()
	if opts.DistributedLock && opts.RedisAddr != "" {
		locker = distlock.NewRedis(opts.RedisAddr, log)
	}

	audit, err := auditlog.Open(opts.AuditLogPath, log)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open audit log: %w", err)
	}

	return &Supervisor{
		opts:   opts,
		logger: log,
		reg:    reg,
		locker: locker,
		audit:  audit,
	}, nil
}

// Resolve implements handler.Resolver by looking up a previously proxied
// sid's identity, first in the live registry, falling back to the
// persisted mapping so a restart doesn't break URLs a player has cached.
func (s *Supervisor) Resolve(sid string) (string, map[string]string, bool) {
	if e, ok := s.reg.Get(sid); ok {
		return e.URL(), e.Headers(), true
	}
	if url, headers, ok := registry.LoadMapping(s.opts.Config.CacheDir, sid); ok {
		return url, headers, true
	}
	return "", nil, false
}

// Start binds the listener, brings up the HTTP server, and (if
// configured) schedules the periodic prune sweep. It blocks only long
// enough to confirm the listener is bound; serving happens in a
// background goroutine.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if err := s.restoreMappings(); err != nil {
		s.logger.Warnf("supervisor: restoring mappings: %v", err)
	}

	// Prefer the address bound by a previous Start so local URLs handed
	// out earlier stay valid; fall back to opts.Addr if it is taken.
	addr := s.opts.Addr
	if s.baseURL != "" {
		addr = s.baseURL[len("http://"):]
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil && addr != s.opts.Addr {
		ln, err = net.Listen("tcp", s.opts.Addr)
	}
	if err != nil {
		return fmt.Errorf("supervisor: listen: %w", err)
	}
	s.listener = ln
	s.baseURL = "http://" + ln.Addr().String()

	mux := http.NewServeMux()
	h := handler.New(s.reg, s, s.opts.Config, s.audit, s.logger)
	h.Routes(mux)

	s.server = &http.Server{Handler: mux}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("supervisor: serve: %v", err)
		}
	}()

	if s.opts.PruneCron != "" {
		s.cron = cron.New()
		_, err := s.cron.AddFunc(s.opts.PruneCron, func() {
			s.Prune(s.opts.MaxEntries, s.opts.MaxIdleSeconds)
		})
		if err != nil {
			s.logger.Warnf("supervisor: invalid prune cron %q: %v", s.opts.PruneCron, err)
		} else {
			s.cron.Start()
		}
	}

	s.running = true
	return nil
}

// Stop drains the HTTP server, stops the cron scheduler, and stops every
// entry's background prefetcher.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	if s.cron != nil {
		cctx := s.cron.Stop()
		<-cctx.Done()
	}

	for _, sid := range s.reg.All() {
		if e, ok := s.reg.Get(sid); ok {
			e.StopBackgroundPrefetch()
		}
	}

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	if s.audit != nil {
		_ = s.audit.Close()
	}

	s.running = false
	return err
}

// IsReady performs a real round-trip against /health rather than just
// checking internal state, so a caller can detect a wedged server.
func (s *Supervisor) IsReady(ctx context.Context) bool {
	s.mu.Lock()
	base := s.baseURL
	running := s.running
	s.mu.Unlock()
	if !running || base == "" {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// BaseURL returns the listener's base URL, valid after Start returns.
func (s *Supervisor) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL
}

// Proxify registers url (with optional headers) and returns a local
// URL the player can request instead. The sid is derived deterministically
// from (url, headers), so repeated calls for the same pair are idempotent
// and reuse the same on-disk cache directory.
func (s *Supervisor) Proxify(url string, headers map[string]string) (string, error) {
	sid := entry.ComputeSID(url, headers)

	s.reg.GetOrCreate(sid, func() *entry.Entry {
		e := entry.New(sid, url, headers, s.opts.Config, s.locker, s.logger)
		if err := registry.SaveMapping(s.opts.Config.CacheDir, sid, url, headers); err != nil {
			s.logger.Warnf("supervisor: persisting mapping for %s: %v", sid, err)
		}
		return e
	})
	s.reg.Touch(sid)

	base := s.BaseURL()
	return fmt.Sprintf("%s/media?sid=%s", base, sid), nil
}

// Prune evicts entries beyond maxEntries (oldest-accessed first) and any
// entry idle for more than maxIdleSeconds. A non-positive bound disables
// that criterion.
func (s *Supervisor) Prune(maxEntries int, maxIdleSeconds int64) {
	if maxIdleSeconds > 0 {
		cutoff := time.Now().Add(-time.Duration(maxIdleSeconds) * time.Second)
		for _, sid := range s.reg.IdleSIDs(cutoff) {
			s.evict(sid)
		}
	}

	if maxEntries > 0 {
		for s.reg.Len() > maxEntries {
			victims := s.reg.IdleSIDs(time.Now())
			if len(victims) == 0 {
				break
			}
			s.evict(victims[0])
		}
	}
}

func (s *Supervisor) evict(sid string) {
	s.reg.Remove(sid)
	registry.RemoveMapping(s.opts.Config.CacheDir, sid)
}

func (s *Supervisor) restoreMappings() error {
	records, err := registry.LoadAllMappings(s.opts.Config.CacheDir)
	if err != nil {
		return err
	}
	for _, rec := range records {
		s.reg.Touch(rec.SID)
	}
	return nil
}
