// Package server exposes the HTTP surface: platform OAuth callbacks, liveness
// and readiness probes, and Prometheus metrics. Every request gets a
// correlation id and a tracing span.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/stream-alerts/platform"
)

// Onboarding reports whether every queued platform has been handled.
type Onboarding interface {
	Drained() bool
}

// NewMux adds the probe and metrics routes to mux, which also carries the
// platform callback routes, and wraps it with the request middleware.
// ctx bounds the rate limiter's cleanup goroutine.
func NewMux(ctx context.Context, mux *http.ServeMux, onboarding Onboarding, platforms *platform.Registry) http.Handler {
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		handleReadyz(w, r, onboarding, platforms)
	})

	// Probes and metrics are scraped constantly; only callbacks are limited.
	selective := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			mux.ServeHTTP(w, r)
		default:
			rateLimitMiddleware(mux, limiter).ServeHTTP(w, r)
		}
	})
	return withCorrelation(withTracing(selective))
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readinessCheck struct {
	name string
	fn   func() error
}

// handleReadyz reports 200 once onboarding drained and every available
// platform can deliver alerts.
func handleReadyz(w http.ResponseWriter, _ *http.Request, onboarding Onboarding, platforms *platform.Registry) {
	checks := []readinessCheck{
		{"onboarding", func() error {
			if onboarding == nil || !onboarding.Drained() {
				return errors.New("platforms still onboarding")
			}
			return nil
		}},
	}
	for _, p := range platforms.All() {
		checks = append(checks, readinessCheck{p.Name(), p.Ready})
	}

	w.Header().Set("Content-Type", "application/json")
	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
