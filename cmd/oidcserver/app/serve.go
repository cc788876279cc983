// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/oidcserver/pkg/authserver"
	"github.com/stacklok/oidcserver/pkg/authserver/runconfig"
	"github.com/stacklok/oidcserver/pkg/authserver/server/handlers"
	"github.com/stacklok/oidcserver/pkg/authserver/storage"
	"github.com/stacklok/oidcserver/pkg/logger"
	"github.com/stacklok/oidcserver/pkg/telemetry"
)

const (
	healthPath          = "/healthz"
	metricsPath         = "/metrics"
	healthCheckTimeout  = 2 * time.Second
	serverHeaderTimeout = 5 * time.Second
)

type serveOptions struct {
	subjectHeader string
	emailHeader   string
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server.

The server reads the configuration file specified by --config, loads its
signing keys and registers the configured clients. SIGHUP reloads the signing
keys; SIGINT and SIGTERM shut the server down gracefully.

The server does not authenticate users itself. With --trusted-subject-header
it accepts the user identity from a header set by an authenticating proxy;
without it every authorization request is denied.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v, opts)
		},
	}

	cmd.Flags().String("address", runconfig.DefaultAddress, "Address to listen on")
	if err := v.BindPFlag("server.address", cmd.Flags().Lookup("address")); err != nil {
		logger.Errorw("error binding address flag", "error", err)
	}
	cmd.Flags().String("otel-custom-attributes", "",
		"Telemetry resource attributes as key=value pairs separated by commas")
	if err := v.BindPFlag("telemetry.attributes", cmd.Flags().Lookup("otel-custom-attributes")); err != nil {
		logger.Errorw("error binding otel-custom-attributes flag", "error", err)
	}
	cmd.Flags().StringVar(&opts.subjectHeader, "trusted-subject-header", "",
		"Request header carrying the authenticated user (only behind an authenticating proxy)")
	cmd.Flags().StringVar(&opts.emailHeader, "trusted-email-header", "",
		"Request header carrying the authenticated user's email")
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper, opts serveOptions) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Address, err)
	}
	port := 0
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}

	authCfg, err := runconfig.BuildConfig(cfg, port)
	if err != nil {
		_ = ln.Close()
		return err
	}

	telemetryCfg, err := runconfig.BuildTelemetryConfig(cfg.Telemetry)
	if err != nil {
		_ = ln.Close()
		return err
	}
	tp, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to create telemetry provider: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warnw("failed to shut down telemetry", "error", err)
		}
	}()

	storageCfg, err := runconfig.BuildStorageConfig(cfg.Storage)
	if err != nil {
		_ = ln.Close()
		return err
	}
	store, err := storage.New(ctx, storageCfg)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnw("failed to close storage", "error", err)
		}
	}()

	srv, err := authserver.New(ctx, *authCfg,
		authserver.WithStorage(store),
		authserver.WithLogger(logger.Component("authserver")),
		authserver.WithMeterProvider(tp.MeterProvider()),
		authserver.WithTracerProvider(tp.TracerProvider()),
	)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() { _ = srv.Close() }()

	var handlerOpts []handlers.Option
	if opts.subjectHeader != "" {
		handlerOpts = append(handlerOpts,
			handlers.WithConsent(handlers.TrustedHeaderConsent(opts.subjectHeader, opts.emailHeader)))
	} else {
		logger.Warnw("no trusted subject header configured; authorization requests will be denied")
	}

	router, err := newRouter(srv, handlers.NewHandler(srv, handlerOpts...), tp)
	if err != nil {
		_ = ln.Close()
		return err
	}

	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: serverHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("server listening", "address", ln.Addr().String(), "issuer", authCfg.Issuer)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		reloadKeysOnSignal(gctx, srv)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infow("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		logger.Infow("server shutdown complete")
		return nil
	})
	return g.Wait()
}

// newRouter mounts the protocol endpoints under the issuer path, plus the
// health and metrics endpoints at the root.
func newRouter(srv *authserver.Server, h *handlers.Handler, tp *telemetry.Provider) (http.Handler, error) {
	issuer, err := url.Parse(srv.Config().Issuer)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer: %w", err)
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		tp.Middleware(),
	)

	if issuer.Path == "" {
		h.OAuthRoutes(r)
		h.WellKnownRoutes(r)
	} else {
		r.Route(issuer.Path, func(sr chi.Router) {
			h.OAuthRoutes(sr)
			h.WellKnownRoutes(sr)
		})
	}

	r.Get(healthPath, healthHandler(srv))
	if ph := tp.PrometheusHandler(); ph != nil {
		r.Handle(metricsPath, ph)
	}
	return r, nil
}

func healthHandler(srv *authserver.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		w.Header().Set("Cache-Control", "no-store")
		if err := srv.Health(ctx); err != nil {
			logger.Warnw("health check failed", "error", err)
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}
}

// reloadKeysOnSignal reloads the signing keys on every SIGHUP until ctx is done.
// A failed reload keeps the current key set.
func reloadKeysOnSignal(ctx context.Context, srv *authserver.Server) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := srv.ReloadKeys(ctx); err != nil {
				logger.Errorw("failed to reload signing keys", "error", err)
				continue
			}
			logger.Infow("signing keys reloaded", "keys", len(srv.KeyManager().Keys()))
		}
	}
}
