// The api binary serves the HTTP surface: ingestion, retrieval queries,
// job polling, health and metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"lattice-backend/internal/config"
	"lattice-backend/internal/di"
)

func main() {
	cfg := config.MustLoad()

	logger := newLogger(cfg)
	defer logger.Sync()

	container, err := di.NewContainer(cfg, logger)
	if err != nil {
		logger.Fatal("container initialization failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container.Start(ctx)

	verifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := container.Graph.VerifyConnectivity(verifyCtx); err != nil {
		logger.Warn("graph database unreachable at startup", zap.Error(err))
	}
	cancel()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      container.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api listening",
			zap.String("addr", server.Addr), zap.String("mode", string(cfg.Mode)))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", zap.Error(err))
	}
	container.Shutdown(shutdownCtx)
	logger.Info("api stopped")
}

func newLogger(cfg *config.Config) *zap.Logger {
	var logger *zap.Logger
	var err error
	if cfg.Mode == config.ModeProduction {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	return logger
}
