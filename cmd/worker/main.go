// The worker binary consumes ingestion documents from Kafka and drains
// the durable vector-sync outbox.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"lattice-backend/internal/config"
	"lattice-backend/internal/di"
	"lattice-backend/internal/ingest"
	"lattice-backend/internal/kafka"
)

const drainInterval = 10 * time.Second

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

	handler := func(ctx context.Context, tenantID string, doc ingest.Document) {
		stats, err := container.Orchestrator.Run(ctx, tenantID, []ingest.Document{doc})
		if err != nil {
			logger.Error("document ingestion failed",
				zap.String("tenant_id", tenantID),
				zap.String("file_path", doc.FilePath),
				zap.Error(err))
			container.Collector.IngestDocuments.WithLabelValues(string(doc.SourceType), "error").Inc()
			return
		}
		container.Collector.IngestDocuments.WithLabelValues(string(doc.SourceType), "ok").Inc()
		container.Collector.IngestTombstones.Add(float64(stats.Tombstoned))
	}

	consumer, err := kafka.NewConsumer(kafka.Config{
		Brokers:       cfg.Kafka.Brokers,
		Topic:         cfg.Kafka.Topic,
		GroupID:       cfg.Kafka.GroupID,
		DefaultTenant: cfg.Auth.DefaultTenant,
		OnMalformed:   container.Collector.KafkaMalformed.Inc,
	}, handler, logger)
	if err != nil {
		logger.Fatal("kafka consumer initialization failed", zap.Error(err))
	}

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.Run(ctx)
	}()

	// Recover events a previous process persisted but never synced. The
	// lock keeps replicas from draining the same backlog concurrently; a
	// contended cycle is skipped, the holder is already doing the work.
	if container.Drainer != nil {
		go func() {
			ticker := time.NewTicker(drainInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					release, err := container.DrainLock.Acquire(ctx, "outbox:drain")
					if err != nil {
						logger.Debug("outbox drain skipped", zap.Error(err))
						continue
					}
					if n := container.Drainer.DrainPending(ctx); n > 0 {
						logger.Info("outbox backlog drained", zap.Int("events", n))
						container.Collector.OutboxDrained.Add(float64(n))
					}
					if err := release(ctx); err != nil {
						logger.Warn("outbox drain lock release failed", zap.Error(err))
					}
				}
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	<-consumerDone
	consumer.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	container.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
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
