package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/podcache/podcache/config"
	"github.com/podcache/podcache/logger"
	"github.com/podcache/podcache/supervisor"
)

func envOr(key, fallback string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func envInt64Or(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := logger.Default

	cfg := config.GetConfig()
	cfg.CacheDir = envOr("PODCACHE_DIR", cfg.CacheDir)
	cfg.PrefetchBytes = envInt64Or("PODCACHE_PREFETCH_BYTES", cfg.PrefetchBytes)
	cfg.InlineWindowBytes = envInt64Or("PODCACHE_INLINE_WINDOW_BYTES", cfg.InlineWindowBytes)
	cfg.BackgroundChunkBytes = envInt64Or("PODCACHE_BACKGROUND_CHUNK_BYTES", cfg.BackgroundChunkBytes)
	cfg.IdleTimeoutSeconds = envInt64Or("PODCACHE_IDLE_TIMEOUT_SECONDS", cfg.IdleTimeoutSeconds)
	cfg.StrictIntegrity = envOr("PODCACHE_STRICT_INTEGRITY", "false") == "true"
	config.SetConfig(cfg)

	pruneCron := envOr("PODCACHE_PRUNE_CRON", "0 * * * *")

	maxEntries, _ := strconv.Atoi(envOr("PODCACHE_MAX_ENTRIES", "256"))

	opts := supervisor.Options{
		Addr:            envOr("PODCACHE_ADDR", "127.0.0.1:0"),
		Config:          cfg,
		PruneCron:       pruneCron,
		MaxEntries:      maxEntries,
		MaxIdleSeconds:  cfg.IdleTimeoutSeconds,
		DistributedLock: envOr("PODCACHE_REDIS_ADDR", "") != "",
		RedisAddr:       envOr("PODCACHE_REDIS_ADDR", ""),
		AuditLogPath:    envOr("PODCACHE_AUDIT_LOG_PATH", ""),
		Logger:          log,
	}

	sup, err := supervisor.New(opts)
	if err != nil {
		log.Fatalf("podcache: failed to initialize supervisor: %v", err)
	}

	if err := sup.Start(ctx); err != nil {
		log.Fatalf("podcache: failed to start: %v", err)
	}
	log.Logf("podcache: listening on %s", sup.BaseURL())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Log("podcache: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := sup.Stop(shutdownCtx); err != nil {
		log.Errorf("podcache: shutdown error: %v", err)
	}
}
