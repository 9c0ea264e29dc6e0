package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"live-relay/internal/coordinator"
	"live-relay/internal/encoder"
	"live-relay/internal/events"
	"live-relay/internal/history"
	"live-relay/internal/platform/config"
	"live-relay/internal/platform/logger"
	"live-relay/internal/platform/metrics"
	"live-relay/internal/relay"
	"live-relay/internal/segments"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	if path, err := encoder.LookPath(cfg.FFmpegPath); err != nil {
		log.Warn("ffmpeg not found, producer connections will fail until it is installed",
			"ffmpeg", cfg.FFmpegPath, "error", err)
	} else {
		log.Info("using ffmpeg", "path", path)
	}

	met := metrics.New()

	var queue events.Queue = events.NewMemoryQueue(128)
	if cfg.RedisAddr != "" {
		rq, err := events.NewRedisQueue(events.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Channel:  cfg.RedisChannel,
			Logger:   log,
		}, queue)
		if err != nil {
			log.Error("redis events", "error", err)
			os.Exit(1)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rq.Ping(pingCtx); err != nil {
			log.Warn("redis unreachable, events stay local until it recovers", "addr", cfg.RedisAddr, "error", err)
		}
		cancel()
		defer rq.Close()
		queue = rq
	}

	store := segments.NewStore(segments.Options{
		Dir:           cfg.HLSDir,
		DeleteRetries: cfg.DeleteRetries,
		DeleteBackoff: cfg.DeleteBackoff,
		Logger:        log,
	})
	if err := store.Initialize(); err != nil {
		log.Error("segment directory", "dir", cfg.HLSDir, "error", err)
		os.Exit(1)
	}

	mgr := relay.NewManager(relay.Options{
		Store:           store,
		Encoders:        encoder.NewFFmpegFactory(cfg.FFmpegPath, nil, cfg.EncoderGrace, log),
		SegmentSeconds:  cfg.SegmentSeconds,
		ListSize:        cfg.PlaylistSize,
		RetentionWindow: cfg.RetentionWindow,
		SweepInterval:   cfg.SweepInterval,
		HandoffDelay:    cfg.HandoffDelay,
		CleanupDelay:    cfg.CleanupDelay,
		Events:          queue,
		Metrics:         met,
		Logger:          log,
	})

	catalog, err := coordinator.LoadCatalog(cfg.SourcesFile)
	if err != nil {
		log.Error("source catalog", "file", cfg.SourcesFile, "error", err)
		os.Exit(1)
	}
	var fallback *coordinator.Source
	if cfg.FallbackSource != "" {
		if src, ok := catalog.Lookup(cfg.FallbackSource); ok {
			fallback = &src
		} else {
			log.Warn("fallback source not in catalog", "name", cfg.FallbackSource)
		}
	}

	coord := coordinator.New(coordinator.Options{
		Relay:    mgr,
		Acquirer: &coordinator.FFmpegAcquirer{Binary: cfg.FFmpegPath, Logger: log},
		Prober:   coordinator.FFmpegProber{Binary: cfg.FFmpegPath},
		Dial: coordinator.DialOptions{
			URL:              cfg.RelayURL,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		Fallback: fallback,
		Events:   queue,
		Metrics:  met,
		Logger:   log,
	})

	journal := history.NewInMemoryRepository(cfg.HistoryLimit)
	recorder := history.NewRecorder(journal, queue, log)

	relayHandler := relay.NewHandler(mgr, log)
	controlHandler := coordinator.NewHandler(coord, catalog, queue, log)

	var quiet []string
	if !cfg.LogPolling {
		quiet = []string{"/hls/", "/stream/status", "/control/status", "/metrics"}
	}

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log, quiet...))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetSegmentsOnDisk(mgr.SegmentCount())
			met.SetSessionsRecorded(journal.Counts())
		}).ServeHTTP(w, r)
	})
	relayHandler.Routes(r)
	controlHandler.Routes(r)
	history.NewHandler(journal, log).Routes(r)

	ingest := chi.NewRouter()
	ingest.Use(logger.RequestLogger(log))
	relayHandler.IngestRoutes(ingest)

	servers := []*http.Server{
		{Addr: ":" + cfg.HTTPPort, Handler: r},
		{Addr: ":" + cfg.IngestPort, Handler: ingest},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return recorder.Run(gctx) })

	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := coord.Shutdown(sctx); err != nil {
			log.Warn("coordinator shutdown", "error", err)
		}
		report := mgr.Shutdown(sctx)
		if err := report.Err(); err != nil {
			log.Warn("segments left behind", "files", report.Failed)
		}

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(sctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	log.Info("server starting",
		"http_port", cfg.HTTPPort,
		"ingest_port", cfg.IngestPort,
		"hls_dir", cfg.HLSDir,
		"segment_seconds", cfg.SegmentSeconds,
		"playlist_size", cfg.PlaylistSize,
		"retention_window", cfg.RetentionWindow,
		"sources", len(catalog.Sources),
		"log_level", cfg.LogLevel,
	)

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
