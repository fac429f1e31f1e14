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

	"github.com/23skdu/quiver/internal/logging"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	base, err := logging.NewLogger(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Output: os.Stdout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Component(base, "quiver")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("quiver exited with error")
		os.Exit(1)
	}
}

// run serves metrics and health until ctx is cancelled, then shuts down
// and snapshots the index.
func run(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	srv, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	srv.monitor.Start()
	if srv.tuner != nil {
		srv.tuner.Start()
	}

	httpServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", cfg.MetricsAddr).Msg("Starting metrics server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info().
		Str("backend", srv.index.Kind().String()).
		Int("dimension", srv.index.Dimension()).
		Int("vectors", srv.index.Len()).
		Bool("gpu", srv.gpu != nil).
		Msg("quiver started")

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case serveErr = <-errCh:
		logger.Error().Err(serveErr).Msg("metrics server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown incomplete")
	}
	return errors.Join(serveErr, srv.Close())
}
