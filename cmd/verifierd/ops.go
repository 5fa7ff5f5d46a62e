package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"meshtrust/pkg/auth"
	"meshtrust/pkg/config"
	"meshtrust/pkg/filestore"
	"meshtrust/pkg/httpx"
	"meshtrust/pkg/metrics"
	"meshtrust/pkg/telemetry"
)

// opsRoutes serves liveness and the bearer guarded metrics page.
func opsRoutes(cfg config.Config, reg *metrics.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware(cfg.Service))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": cfg.Service})
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.BearerMiddleware(auth.ParseBearerTokens(cfg.HTTP.StatusTokens)))
		r.Get("/metrics", reg.PrometheusHandler())
	})
	return r
}

func openMinIO(ctx context.Context, cfg config.S3Config, name string) (bucket, error) {
	c, err := filestore.NewMinIO(filestore.Options{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseTLS:    cfg.UseTLS,
		Bucket:    name,
	})
	if err != nil {
		return nil, err
	}
	if err := c.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", name, err)
	}
	return c, nil
}

// listenAndServe serves until ctx ends, then drains in-flight requests.
func listenAndServe(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
