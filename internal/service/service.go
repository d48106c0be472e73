// Package service assembles the scoring pipeline and its outputs from
// configuration. The commands share it so that the gateway and the scorer
// wire storage, archive and transport the same way.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"secureops/internal/config"
	"secureops/internal/kafka"
	"secureops/internal/metrics"
	"secureops/internal/pipeline"
	"secureops/internal/providers"
	"secureops/internal/sink"
	"secureops/internal/storage"
	"secureops/internal/storage/s3"
)

// Runtime holds the long-lived components of a scoring process.
type Runtime struct {
	Config   *config.Config
	Metrics  *metrics.Metrics
	Pipeline *pipeline.Pipeline

	// Sink fans out to every configured output. Nil until OpenOutputs.
	Sink *sink.Multi
	// Storage is nil when ClickHouse storage is disabled.
	Storage *storage.ClickHouseClient
	// Rejections is nil when ClickHouse storage is disabled.
	Rejections *storage.RejectedWriter

	logger    *slog.Logger
	providers *providers.Set
	closers   []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// New builds the provider set, the metrics registry and the pipeline.
func New(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	set, err := providers.Build(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}

	m := metrics.New()
	p, err := pipeline.New(PipelineConfig(cfg), set.Providers,
		pipeline.WithLogger(logger),
		pipeline.WithObserver(m),
	)
	if err != nil {
		set.Close()
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	logger.Info("pipeline ready",
		"version", p.Version(),
		"provider_mode", cfg.Providers.Mode,
		"cache", cfg.Providers.Cache.Enabled)

	return &Runtime{
		Config:    cfg,
		Metrics:   m,
		Pipeline:  p,
		logger:    logger,
		providers: set,
	}, nil
}

// PipelineConfig maps the application pipeline section onto pipeline.Config.
func PipelineConfig(cfg *config.Config) pipeline.Config {
	pc := pipeline.DefaultConfig()
	if cfg.Pipeline.Version != "" {
		pc.Version = cfg.Pipeline.Version
	}
	if cfg.Pipeline.LookupTimeout > 0 {
		pc.LookupTimeout = cfg.Pipeline.LookupTimeout
	}
	if cfg.Pipeline.Concurrency > 0 {
		pc.Concurrency = cfg.Pipeline.Concurrency
	}
	if cfg.Pipeline.Timezone != "" {
		pc.Timezone = cfg.Pipeline.Timezone
	}
	pc.RulesPath = cfg.Pipeline.RulesPath
	pc.WeightsPath = cfg.Pipeline.WeightsPath
	return pc
}

// OpenOutputs connects every enabled output and builds the fan-out sink.
// The log sink is always present. When publishScored is set and Kafka is
// configured, scored events are also published to the output topic.
func (r *Runtime) OpenOutputs(ctx context.Context, publishScored bool) error {
	cfg := r.Config
	outputs := []sink.Sink{sink.NewLog(r.logger)}

	if cfg.Storage.Enabled {
		client, err := storage.NewClickHouseClient(cfg.Storage.ClickHouse)
		if err != nil {
			return fmt.Errorf("connect clickhouse: %w", err)
		}
		r.addCloser("clickhouse", client.Close)
		r.logger.Info("connected to ClickHouse", "hosts", cfg.Storage.ClickHouse.Hosts)

		if err := client.EnsureDatabase(ctx); err != nil {
			return fmt.Errorf("ensure database: %w", err)
		}
		if err := storage.NewMigrator(client, r.logger).Run(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}

		retention := storage.NewRetentionManager(client,
			storage.RetentionDays(cfg.Storage.ClickHouse.RetentionDays, 30), r.logger)
		if err := retention.ApplyTTLs(ctx); err != nil {
			r.logger.Warn("failed to apply retention TTLs", "error", err)
		}

		writer := storage.NewBatchWriter(client, cfg.Storage.BatchWriter, r.logger)
		outputs = append(outputs, writer)
		r.Storage = client
		r.Rejections = storage.NewRejectedWriter(client)
	}

	if cfg.Archive.Enabled {
		client, err := s3.NewClient(ctx, s3.FromAppConfig(cfg.Archive), r.logger)
		if err != nil {
			return fmt.Errorf("connect archive: %w", err)
		}
		archiver := s3.NewArchiver(client, s3.ArchiverConfig{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
		}, r.logger)
		outputs = append(outputs, archiver)
		r.logger.Info("scored event archive enabled", "bucket", cfg.Archive.Bucket)
	}

	if publishScored && len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.OutputTopic != "" {
		kc := kafka.FromAppConfig(cfg.Kafka).WithTopic(cfg.Kafka.OutputTopic)
		producer, err := kafka.NewProducer(kc, r.logger)
		if err != nil {
			return fmt.Errorf("create scored producer: %w", err)
		}
		outputs = append(outputs, kafka.NewScoredPublisher(producer))
		r.logger.Info("publishing scored events", "topic", cfg.Kafka.OutputTopic)
	}

	r.Sink = sink.NewMulti(r.Metrics, r.logger, outputs...)
	return nil
}

// EnsureTopics creates the input and output topics when configured to.
func (r *Runtime) EnsureTopics(ctx context.Context) error {
	kcfg := r.Config.Kafka
	if !kcfg.EnsureTopics {
		return nil
	}
	kc := kafka.FromAppConfig(kcfg)
	admin, err := kafka.NewAdmin(kc, r.logger)
	if err != nil {
		return fmt.Errorf("create kafka admin: %w", err)
	}
	for _, topic := range []string{kcfg.InputTopic, kcfg.OutputTopic} {
		if topic == "" {
			continue
		}
		if err := admin.EnsureTopic(ctx, kc.TopicConfigFor(topic)); err != nil {
			return fmt.Errorf("ensure topic %s: %w", topic, err)
		}
	}
	return nil
}

func (r *Runtime) addCloser(name string, fn func() error) {
	r.closers = append(r.closers, namedCloser{name: name, close: fn})
}

// Close flushes the outputs and releases every connection, newest first.
func (r *Runtime) Close() error {
	var errs []error
	if r.Sink != nil {
		if err := r.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sinks: %w", err))
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	if err := r.providers.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close providers: %w", err))
	}
	return errors.Join(errs...)
}
