// Package admin implements the minimal operator HTTP surface (component V):
// liveness/readiness probes and a Prometheus scrape endpoint. Status pages
// and the historical web UI are out of scope, per the specification's
// Non-goals; this mirrors only the health/metrics slice of the teacher's
// router.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ebusgw/ebusd/internal/logger"
)

// Healthchecker is implemented by collaborators the readiness probe
// depends on (the persistence bridge and the bus handler's engagement
// state).
type Healthchecker interface {
	Healthcheck() error
}

// Router builds the admin HTTP handler. registry may be nil, in which case
// /metrics responds 404 rather than serving an empty scrape.
func Router(backend Healthchecker, busReady func() bool, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/healthz", http.StatusTemporaryRedirect)
	})

	r.Get("/healthz", liveness)
	r.Get("/readyz", readiness(backend, busReady))

	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	return r
}

func liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "healthy"})
}

func readiness(backend Healthchecker, busReady func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if busReady != nil && !busReady() {
			writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "unhealthy", Error: "bus handler not engaged"})
			return
		}
		if backend != nil {
			if err := backend.Healthcheck(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "unhealthy", Error: err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, statusResponse{Status: "healthy"})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debug("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}

// Serve runs the admin HTTP server until ctx is canceled, then shuts it down
// within a bounded grace period.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
