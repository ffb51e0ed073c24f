// Command cachestatd wires up the server-side half of the content
// cache as a standalone process: it loads configuration, builds a
// catalog and a disk-backed client cache sized from that
// configuration, and serves the spec.md §7 statistics over HTTP. It
// exists to exercise the full ambient stack (config, logging, tracing,
// metrics, debugserver) end to end; the actual RFB connection handling
// lives in internal/cache/encode and internal/cache/decode and is
// driven by the server/viewer process embedding this module, not by
// this binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/catalog"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/client"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/cache/diskstore"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/config"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/util/debugserver"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/util/log"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/util/metrics"
	"github.com/nickcrabtree/tigervnc-contentcache/internal/util/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file (defaults baked in if empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cachestatd: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(levelFromString(cfg.Logging.Level))

	shutdownTracer, err := tracing.SetTracer(tracing.TracerImplementations[cfg.Tracing.Implementation], cfg.Tracing.CollectorURL)
	if err != nil {
		logger.Warn("tracer setup failed, continuing without tracing", log.Pairs{"error": err.Error()})
		shutdownTracer = func() {}
	}
	defer shutdownTracer()

	reg := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(reg, "tigervnc_contentcache")

	cat := catalog.New(catalog.Options{
		MaxBytes:    int64(cfg.ContentCache.SizeMB) * 1 << 20,
		MinRectSize: cfg.Cache.MinRectSize,
		Instance:    "catalog",
		Metrics:     collectors,
	})

	var disk *diskstore.Store
	if cfg.PersistentCache.Enabled {
		disk, err = diskstore.Open(diskstore.Options{
			Dir:          cfg.PersistentCache.Path,
			MaxDiskBytes: int64(cfg.PersistentCache.DiskMB) * 1 << 20,
			ShardBytes:   int64(cfg.PersistentCache.ShardMB) * 1 << 20,
			Logger:       logger,
			Metrics:      collectors,
		})
		if err != nil {
			logger.Warn("persistent cache disk store unavailable, falling back to session-only", log.Pairs{"error": err.Error()})
			disk = nil
		}
	}

	memBytes := int64(cfg.ContentCache.SizeMB) * 1 << 20
	if cfg.PersistentCache.Enabled {
		memBytes = int64(cfg.PersistentCache.MemMB) * 1 << 20
	}
	pixelCache := client.New(client.Options{
		MemBytes: memBytes,
		Disk:     disk,
		Instance: "pixelcache",
		Logger:   logger,
		Metrics:  collectors,
	})

	provider := func() debugserver.Snapshot {
		stats := pixelCache.Stats()
		var hitRate float64
		if total := stats.Hits + stats.Misses; total > 0 {
			hitRate = float64(stats.Hits) / float64(total)
		}
		return debugserver.Snapshot{
			HitRate:          hitRate,
			EntriesFromDisk:  stats.DiskEntries,
			PendingEvictions: stats.PendingEvictions,
			Broken:           stats.Broken,
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/", debugserver.New(provider, logger))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", cfg.Debug.ListenAddress, cfg.Debug.ListenPort)
	srv := &http.Server{Addr: addr, Handler: mux}

	cat.Stats() // keep the catalog reachable for the catalog stats the debug server will grow into

	go func() {
		logger.Info("cachestatd listening", log.Pairs{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", log.Pairs{"error": err.Error()})
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down", nil)
	if disk != nil {
		pixelCache.FlushDirtyEntries()
		if err := pixelCache.SaveIndex(); err != nil {
			logger.Warn("saving persistent cache index failed", log.Pairs{"error": err.Error()})
		}
		disk.Close()
	}
	_ = srv.Shutdown(context.Background())
}

func levelFromString(s string) log.Level {
	switch s {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}
