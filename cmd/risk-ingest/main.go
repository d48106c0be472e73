// Package main is the entry point for the risk ingest gateway.
//
// In local mode events are normalized at the gateway, queued in-process and
// scored by a worker pool. In kafka mode normalized events are published to
// the input topic for risk-scorer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"secureops/internal/config"
	"secureops/internal/consumer"
	"secureops/internal/ingest"
	"secureops/internal/kafka"
	"secureops/internal/logging"
	"secureops/internal/queue"
	"secureops/internal/service"
	"secureops/internal/startup"
)

var version = "dev"

func main() {
	skipDiagnostics := flag.Bool("skip-diagnostics", false, "skip startup diagnostics")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	startup.PrintBanner("ingest", version)
	if !*skipDiagnostics {
		diag := startup.NewDiagnostics(cfg, logger)
		diag.RunAll(context.Background())
		if diag.HasErrors() {
			logger.Error("startup diagnostics failed")
			os.Exit(1)
		}
	}

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"ingest_mode", cfg.Ingest.Mode,
		"auth_enabled", cfg.Auth.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := service.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	var (
		publisher     ingest.Publisher
		eventQueue    *queue.RingBuffer
		queueConsumer *consumer.Consumer
		eventProducer *kafka.EventPublisher
	)

	switch cfg.Ingest.Mode {
	case config.IngestModeKafka:
		if err := rt.EnsureTopics(ctx); err != nil {
			logger.Error("failed to ensure topics", "error", err)
			os.Exit(1)
		}
		producer, err := kafka.NewProducer(kafka.FromAppConfig(cfg.Kafka), logger)
		if err != nil {
			logger.Error("failed to create producer", "error", err)
			os.Exit(1)
		}
		eventProducer = kafka.NewEventPublisher(producer)
		publisher = eventProducer

		// Rejections still go to storage when it is enabled.
		if err := rt.OpenOutputs(ctx, false); err != nil {
			logger.Error("failed to open outputs", "error", err)
			os.Exit(1)
		}
	default:
		if err := rt.OpenOutputs(ctx, true); err != nil {
			logger.Error("failed to open outputs", "error", err)
			os.Exit(1)
		}
		eventQueue = queue.NewRingBuffer(cfg.Queue.Size)
		queueConsumer = consumer.New(eventQueue, rt.Pipeline, rt.Sink, consumer.Config{
			Workers:      cfg.Consumer.Workers,
			PollInterval: cfg.Consumer.PollInterval,
			ShutdownWait: cfg.Consumer.ShutdownWait,
		}, rt.Metrics, logger)
		queueConsumer.Start(ctx)
		publisher = eventQueue
	}

	handler := ingest.NewHandler(rt.Pipeline, publisher, logger).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize).
		WithTrustForwardedFor(cfg.Ingest.TrustForwardedFor).
		WithObserver(rt.Metrics)
	if rt.Rejections != nil {
		handler = handler.WithRejectionStore(rt.Rejections)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      ingest.NewRouter(handler, rt.Metrics.Handler(), cfg, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting ingest server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new requests
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	if queueConsumer != nil {
		queueConsumer.Stop()
	}
	cancel()

	if eventProducer != nil {
		if err := eventProducer.Close(); err != nil {
			logger.Error("producer close error", "error", err)
		}
	}
	if err := rt.Close(); err != nil {
		logger.Error("shutdown close error", "error", err)
	}

	if eventQueue != nil {
		qm := eventQueue.Metrics()
		cm := queueConsumer.Metrics()
		logger.Info("shutdown complete",
			"events_pushed", qm.Pushed,
			"events_popped", qm.Popped,
			"events_dropped", qm.Dropped,
			"events_scored", cm.Consumed,
			"consumer_errors", cm.Errors,
		)
		return
	}
	logger.Info("shutdown complete")
}
