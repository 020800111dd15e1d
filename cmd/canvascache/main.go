package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"canvascache/internal/cache"
	"canvascache/internal/canvas"
	"canvascache/internal/config"
	"canvascache/internal/handlers"
	"canvascache/internal/httpserver"
	"canvascache/internal/imageproc"
	"canvascache/internal/llm"
	"canvascache/internal/metrics"
	"canvascache/internal/scheduler"
	"canvascache/internal/stats"
	"canvascache/pkg/logging/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("canvascache exited with error: %v", err)
	}
}

func run() error {
	// ----- Config -----
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// ----- Logger -----
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logging.SetDefault(logger)

	// ----- Metrics -----
	metrics.Register()

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("cache_backend", cfg.CacheBackend),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.String("hash_algorithm", cfg.HashAlgorithm),
		zap.Int("hash_size", cfg.HashSize),
		zap.Float64("similarity_threshold", cfg.SimilarityThreshold),
		zap.String("llm_base_url", cfg.LLM.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ----- Redis client (only if needed) -----
	var redisClient redis.UniversalClient
	if cfg.CacheBackend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.Timeout,
			ReadTimeout:  cfg.Redis.Timeout,
			WriteTimeout: cfg.Redis.Timeout,
		})
		defer client.Close()
		redisClient = client
	}

	// ----- Change cache -----
	// An unreachable Redis does not stop startup; the cache serves from
	// memory until the janitor's probe sees Redis again.
	backend := cache.NewLoggingBackend(cache.NewBackend(ctx, cache.Config{
		Backend:    cfg.CacheBackend,
		Prefix:     cfg.CachePrefix,
		OpTimeout:  cfg.Redis.Timeout,
		MaxEntries: cfg.MemoryMaxEntries,
	}, redisClient, logger))

	hasher, err := imageproc.NewHasher(imageproc.HasherConfig{
		Size:      cfg.HashSize,
		Algorithm: imageproc.Algorithm(cfg.HashAlgorithm),
	})
	if err != nil {
		return err
	}

	changeCache := cache.New(backend, hasher, cache.WithLogger(logger))
	reporter := stats.NewReporter(changeCache, stats.Config{MaxEntries: cfg.MemoryMaxEntries})

	optimizer := imageproc.NewOptimizer(hasher, imageproc.NewAnalyzer(logger), imageproc.NewCropper(logger), logger)
	processor := canvas.NewProcessor(changeCache, optimizer, reporter, canvas.Config{
		Timeout: cfg.ProcessTimeout,
		Defaults: canvas.Options{
			SimilarityThreshold: cfg.SimilarityThreshold,
			MaxDimensions:       cfg.Dimensions(),
		},
		TTLs: map[cache.Kind]time.Duration{
			cache.KindCanvas: cfg.CanvasTTL,
			cache.KindImage:  cfg.ImageTTL,
		},
	})

	// ----- LLM client (optional) -----
	var llmClient llm.Client
	if cfg.LLM.APIKey != "" {
		c, err := llm.NewClient(llm.Config{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
		}, logger)
		if err != nil {
			return err
		}
		if closer, ok := c.(interface{ Close() error }); ok {
			defer closer.Close()
		}
		llmClient = c
	} else {
		logger.Warn("LLM_API_KEY not set, feedback endpoint disabled")
	}

	// ----- Janitor -----
	var prober scheduler.Prober
	if cfg.CacheBackend == "redis" {
		prober = backend
	}
	janitor, err := scheduler.New(scheduler.Config{
		EvictSchedule: cfg.EvictSchedule,
		ProbeSchedule: cfg.ProbeSchedule,
	}, changeCache, prober, logger)
	if err != nil {
		return err
	}
	janitorDone := make(chan error, 1)
	go func() { janitorDone <- janitor.Run(ctx) }()

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger,
		handlers.NewCanvasHandler(processor, changeCache, llmClient, cfg.MaxUploadBytes),
		handlers.NewCacheHandler(changeCache, reporter),
		httpserver.Options{
			RequestTimeout: cfg.ProcessTimeout + 30*time.Second,
			MaxBodyBytes:   cfg.MaxUploadBytes + 64<<10,
		},
	)

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.ProcessTimeout + 60*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting canvascache",
		zap.String("addr", srv.Addr),
		zap.String("cache_backend", backend.Name()),
		zap.Int("janitor_jobs", janitor.Jobs()),
	)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// ----- Graceful shutdown -----
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			stop()
			<-janitorDone
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}
	if err := <-janitorDone; err != nil {
		logger.Warn("janitor stop", zap.Error(err))
	}

	logger.Info("server shutdown complete")
	return nil
}
