// Package main is the entry point for the Kafka scoring worker.
//
// risk-scorer reads normalized events from the input topic, scores them and
// writes the results to the configured outputs.
package main

import (
	"context"
	"encoding/json"
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
	"secureops/internal/ingest"
	"secureops/internal/kafka"
	"secureops/internal/logging"
	"secureops/internal/service"
	"secureops/internal/startup"
)

var version = "dev"

func main() {
	skipDiagnostics := flag.Bool("skip-diagnostics", false, "skip startup diagnostics")
	consumers := flag.Int("consumers", 0, "number of group members (defaults to consumer.workers)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	slog.SetDefault(logger)

	// The scorer always reads from Kafka regardless of the gateway mode.
	cfg.Ingest.Mode = config.IngestModeKafka
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	startup.PrintBanner("scorer", version)
	if !*skipDiagnostics {
		diag := startup.NewDiagnostics(cfg, logger)
		diag.RunAll(context.Background())
		if diag.HasErrors() {
			logger.Error("startup diagnostics failed")
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := service.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	if err := rt.EnsureTopics(ctx); err != nil {
		logger.Error("failed to ensure topics", "error", err)
		os.Exit(1)
	}
	if err := rt.OpenOutputs(ctx, true); err != nil {
		logger.Error("failed to open outputs", "error", err)
		os.Exit(1)
	}

	n := *consumers
	if n <= 0 {
		n = cfg.Consumer.Workers
	}
	group, err := kafka.NewConsumerGroup(kafka.FromAppConfig(cfg.Kafka), n,
		kafka.NewScoringHandler(rt.Pipeline, rt.Sink, logger), logger)
	if err != nil {
		logger.Error("failed to create consumer group", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.Server.MetricsPath, rt.Metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		stats := group.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"version":  rt.Pipeline.Version(),
			"messages": stats.Messages,
			"errors":   stats.Errors,
		})
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      ingest.WithMiddleware(mux, cfg, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("starting metrics server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	logger.Info("scorer started",
		"topic", cfg.Kafka.InputTopic,
		"group", cfg.Kafka.ConsumerGroup,
		"consumers", n)

	if err := group.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer group stopped", "error", err)
	}

	logger.Info("shutting down scorer")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}

	if err := group.Close(); err != nil {
		logger.Error("consumer group close error", "error", err)
	}
	if err := rt.Close(); err != nil {
		logger.Error("shutdown close error", "error", err)
	}

	stats := group.Stats()
	logger.Info("shutdown complete",
		"messages", stats.Messages,
		"errors", stats.Errors,
		"last_error", stats.LastError)
}
