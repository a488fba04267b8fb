// Command offline-proxy is a caching GET proxy that keeps serving upstream
// data from its cache while the upstream is unreachable.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("offline-proxy failed")
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(cfg.LogLevel)
	logCfg.Pretty = cfg.LogPretty
	if cfg.LogFile != "" {
		logCfg.File = &logging.FileConfig{Path: cfg.LogFile, MaxBackups: 5, Compress: true}
	}
	logger, logCloser := logging.Setup(logCfg)
	defer logCloser.Close()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	srv, err := newServer(cfg, store, logger)
	if err != nil {
		store.Close()
		return err
	}
	defer srv.close()

	srv.startSweeper(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("upstream", cfg.UpstreamURL).
			Str("store", cfg.Store).
			Str("mode", cfg.Mode.String()).
			Msg("Starting offline proxy")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	return shutdown(httpServer, logger)
}

func shutdown(httpServer *http.Server, logger zerolog.Logger) error {
	logger.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}
