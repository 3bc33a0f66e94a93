package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Morditux/sqlsession"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func serveCmd(opts *options) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a demo server backed by the session table",
		Long: `Run an HTTP server that counts visits per session. It exposes
Prometheus metrics on /metrics and ends the session on /logout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, addr)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "listen address")

	return cmd
}

func serve(ctx context.Context, opts *options, addr string) error {
	env, logger := opts.env, opts.logger

	lifetime, err := sqlsession.ParseLifetime(env.Lifetime)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := sqlsession.NewMetrics(sqlsession.MetricsConfig{Registry: registry})

	store, err := env.OpenStore()
	if err != nil {
		return err
	}

	mgr, err := sqlsession.NewManager(sqlsession.Config{
		Handler: sqlsession.NewHandler(sqlsession.HandlerConfig{
			Store:      store,
			CloseStore: true,
			Logger:     logger,
			Metrics:    metrics,
		}),
		Name:            env.CookieName,
		Lifetime:        lifetime,
		AutoRefresh:     env.AutoRefresh,
		Settings:        env.Settings(),
		Locker:          env.Locker(logger),
		CleanupInterval: env.CleanupInterval,
		StoreTimeout:    env.StoreTimeout,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		store.Close()
		return err
	}
	defer mgr.Close()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(mgr.Middleware)

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			sess := sqlsession.FromContext(r.Context())
			fmt.Fprintf(w, "visits: %d\n", sess.Inc("visits", 1))
		})

		r.Post("/login", func(w http.ResponseWriter, r *http.Request) {
			if err := mgr.Regenerate(w, r); err != nil {
				http.Error(w, "session unavailable", http.StatusServiceUnavailable)
				return
			}
			sqlsession.FromContext(r.Context()).Set("user", r.FormValue("user"))
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/logout", func(w http.ResponseWriter, r *http.Request) {
			if err := mgr.Destroy(w, r); err != nil {
				logger.WarnContext(r.Context(), "logout left a stored session", "error", err)
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "driver", env.Driver, "table", store.Table())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
