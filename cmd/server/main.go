package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gitea.jw6.us/james/calsched/internal/app"
	"gitea.jw6.us/james/calsched/internal/auth"
	"gitea.jw6.us/james/calsched/internal/config"
	httpserver "gitea.jw6.us/james/calsched/internal/http"
	"gitea.jw6.us/james/calsched/internal/http/admission"
	httperrors "gitea.jw6.us/james/calsched/internal/http/errors"
	"gitea.jw6.us/james/calsched/internal/logging"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		logging.New(os.Stderr, "text", "info").Error(context.Background(), "failed to load config", "error", err)
		return err
	}

	logger := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	httperrors.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Info(ctx, "starting calsched server")

	a, err := app.Build(ctx, cfg, logger, true)
	if err != nil {
		logger.Error(ctx, "failed to initialize", "error", err)
		return err
	}
	defer a.Close()
	// Workers outlive the signal so pending deliveries can drain on shutdown.
	a.Start(context.Background())

	var tokens auth.TokenVerifier
	if cfg.OIDC.IssuerURL != "" {
		if tokens, err = auth.NewOIDCVerifier(ctx, cfg.OIDC.IssuerURL, cfg.OIDC.ClientID); err != nil {
			logger.Error(ctx, "failed to initialize oidc", "error", err)
			return err
		}
	}
	authService := auth.NewService(cfg.AdminUsers, tokens, logger)
	if !authService.Configured() {
		logger.Warn(ctx, "no admin users or oidc issuer configured; authenticated endpoints reject every request")
	}

	deps := httpserver.Deps{
		Config:   cfg,
		Store:    a.Store,
		Health:   a.Store,
		Importer: a.Importer,
		Auth:     authService,
		Logger:   logger,
	}
	if a.Queue != nil {
		deps.Queue = a.Queue
	}

	srv := &http.Server{
		Handler:      httpserver.NewRouter(deps),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	inner, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error(ctx, "failed to listen", "addr", cfg.ListenAddr, "error", err)
		return err
	}
	ln := admission.NewListener(inner, cfg.HTTP.MaxRequests, cfg.HTTP.RetryAfter, logger.With("component", "admission"))

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(ctx, "server listening", "addr", ln.Addr().String(), "max_connections", cfg.HTTP.MaxRequests)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error(ctx, "server error", "error", err)
			return err
		}
	}
	logger.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "graceful shutdown failed", "error", err)
	}
	if err := a.Drain(shutdownCtx, 5*time.Second); err != nil {
		logger.Warn(shutdownCtx, "deliveries still pending at shutdown", "error", err)
	}
	return nil
}
