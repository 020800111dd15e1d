package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"canvascache/internal/handlers"
	"canvascache/internal/metrics"
	"canvascache/internal/middleware"
)

type Options struct {
	// RequestTimeout bounds every request. Defaults to 30s.
	RequestTimeout time.Duration
	// MaxBodyBytes caps request bodies. Defaults to 10 MiB plus multipart overhead.
	MaxBodyBytes int64
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, canvasHandler *handlers.CanvasHandler, cacheHandler *handlers.CacheHandler, opts Options) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10<<20 + 64<<10
	}

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(middleware.MaxBodySize(opts.MaxBodyBytes))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/images", func(r chi.Router) {
			r.Post("/check", canvasHandler.Check)
			r.Post("/feedback", canvasHandler.Feedback)
			r.Post("/similar", canvasHandler.Similar)
		})
		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", cacheHandler.Stats)
			r.Get("/users", cacheHandler.Users)
			r.Get("/users/{userID}", cacheHandler.UserStats)
			r.Post("/evict", cacheHandler.Evict)
		})
	})

	// health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
