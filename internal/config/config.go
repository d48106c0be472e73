// Package config handles configuration loading for the risk pipeline services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is read when SECUREOPS_CONFIG_PATH is unset.
const DefaultConfigPath = "configs/config.yaml"

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Auth      AuthConfig      `yaml:"auth"`
	Queue     QueueConfig     `yaml:"queue"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	Logging   LoggingConfig   `yaml:"logging"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Providers ProvidersConfig `yaml:"providers"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Storage   StorageConfig   `yaml:"storage"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Triage    TriageConfig    `yaml:"triage"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MetricsPath  string        `yaml:"metrics_path"`
}

// Ingest modes.
const (
	IngestModeLocal = "local"
	IngestModeKafka = "kafka"
)

// IngestConfig holds gateway settings.
type IngestConfig struct {
	// Mode is "local" (score in-process) or "kafka" (publish normalized events).
	Mode              string `yaml:"mode"`
	MaxBatchSize      int    `yaml:"max_batch_size"`
	MaxPayloadSize    int    `yaml:"max_payload_size"`
	TrustForwardedFor bool   `yaml:"trust_forwarded_for"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-source-IP request limits for the gateway.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	BurstSize     int           `yaml:"burst_size"`
	Window        time.Duration `yaml:"window"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
}

// AuthConfig holds gateway API key settings.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
}

// QueueConfig holds in-process queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// ConsumerConfig holds queue worker settings.
type ConsumerConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PipelineConfig holds enrichment and scoring settings.
type PipelineConfig struct {
	Version       string        `yaml:"version"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	Concurrency   int           `yaml:"concurrency"`
	Timezone      string        `yaml:"timezone"`
	RulesPath     string        `yaml:"rules_path"`
	WeightsPath   string        `yaml:"weights_path"`
}

// Provider modes.
const (
	ProviderModeStatic     = "static"
	ProviderModeHTTP       = "http"
	ProviderModeIndicators = "indicators"
)

// ProvidersConfig selects and configures the enrichment backends.
type ProvidersConfig struct {
	Mode              string             `yaml:"mode"`
	ThreatIntel       HTTPProviderConfig `yaml:"threat_intel"`
	Geo               HTTPProviderConfig `yaml:"geo"`
	Asset             HTTPProviderConfig `yaml:"asset"`
	IndicatorFeedPath string             `yaml:"indicator_feed_path"`
	Cache             CacheConfig        `yaml:"cache"`
}

// HTTPProviderConfig configures one JSON-over-HTTP provider.
type HTTPProviderConfig struct {
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// CacheConfig configures provider response caching.
type CacheConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Backend        string        `yaml:"backend"`
	ThreatIntelTTL time.Duration `yaml:"threat_intel_ttl"`
	GeoTTL         time.Duration `yaml:"geo_ttl"`
	AssetTTL       time.Duration `yaml:"asset_ttl"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// KafkaConfig holds stream settings.
type KafkaConfig struct {
	Brokers           []string `yaml:"brokers"`
	InputTopic        string   `yaml:"input_topic"`
	OutputTopic       string   `yaml:"output_topic"`
	ConsumerGroup     string   `yaml:"consumer_group"`
	Partitions        int      `yaml:"partitions"`
	ReplicationFactor int      `yaml:"replication_factor"`
	EnsureTopics      bool     `yaml:"ensure_topics"`
	CompressionType   string   `yaml:"compression_type"`
	SecurityProtocol  string   `yaml:"security_protocol"`
	SASLMechanism     string   `yaml:"sasl_mechanism"`
	SASLUsername      string   `yaml:"sasl_username"`
	SASLPassword      string   `yaml:"sasl_password"`
	TLSCAFile         string   `yaml:"tls_ca_file"`
	TLSSkipVerify     bool     `yaml:"tls_skip_verify"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter BatchWriterConfig `yaml:"batch_writer"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	RetentionDays   int           `yaml:"retention_days"`
}

// BatchWriterConfig holds batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// ArchiveConfig holds S3 archive settings.
type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// TriageConfig holds triage TUI settings.
type TriageConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Limit           int           `yaml:"limit"`
	MinScore        int           `yaml:"min_score"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			MetricsPath:  "/metrics",
		},
		Ingest: IngestConfig{
			Mode:           IngestModeLocal,
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024, // 10MB
			RateLimit: RateLimitConfig{
				RequestsPerIP: 1000,
				BurstSize:     100,
				Window:        time.Minute,
				CleanupPeriod: 5 * time.Minute,
			},
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
		},
		Queue: QueueConfig{
			Size: 100000,
		},
		Consumer: ConsumerConfig{
			Workers:      4,
			PollInterval: 10 * time.Millisecond,
			ShutdownWait: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Pipeline: PipelineConfig{
			Version:       "1.0.0",
			LookupTimeout: 500 * time.Millisecond,
			Concurrency:   16,
			Timezone:      "UTC",
		},
		Providers: ProvidersConfig{
			Mode: ProviderModeStatic,
			ThreatIntel: HTTPProviderConfig{
				Timeout:      400 * time.Millisecond,
				MaxRetries:   1,
				RetryBackoff: 50 * time.Millisecond,
			},
			Geo: HTTPProviderConfig{
				Timeout:      400 * time.Millisecond,
				MaxRetries:   1,
				RetryBackoff: 50 * time.Millisecond,
			},
			Asset: HTTPProviderConfig{
				Timeout:      400 * time.Millisecond,
				MaxRetries:   1,
				RetryBackoff: 50 * time.Millisecond,
			},
			Cache: CacheConfig{
				Enabled:        false,
				Backend:        CacheBackendMemory,
				ThreatIntelTTL: time.Hour,
				GeoTTL:         24 * time.Hour,
				AssetTTL:       15 * time.Minute,
			},
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
		},
		Kafka: KafkaConfig{
			Brokers:           []string{"localhost:9092"},
			InputTopic:        "secureops-events",
			OutputTopic:       "secureops-scored",
			ConsumerGroup:     "secureops-scorer",
			Partitions:        12,
			ReplicationFactor: 3,
			CompressionType:   "lz4",
			SecurityProtocol:  "PLAINTEXT",
		},
		Storage: StorageConfig{
			Enabled: false, // Disabled by default for development without ClickHouse
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "secureops",
				Username:        "default",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				DialTimeout:     10 * time.Second,
				RetentionDays:   90,
			},
			BatchWriter: BatchWriterConfig{
				BatchSize:     1000,
				FlushInterval: 5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
		},
		Archive: ArchiveConfig{
			Region:        "us-east-1",
			Prefix:        "scored",
			BatchSize:     500,
			FlushInterval: time.Minute,
		},
		Triage: TriageConfig{
			RefreshInterval: 5 * time.Second,
			Limit:           50,
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("SECUREOPS_CONFIG_PATH")
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("SECUREOPS_HTTP_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = n
		}
	}

	if level := os.Getenv("SECUREOPS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if mode := os.Getenv("SECUREOPS_INGEST_MODE"); mode != "" {
		c.Ingest.Mode = mode
	}

	if apiKey := os.Getenv("SECUREOPS_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if mode := os.Getenv("SECUREOPS_PROVIDER_MODE"); mode != "" {
		c.Providers.Mode = mode
	}

	if brokers := os.Getenv("SECUREOPS_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	if enabled := os.Getenv("SECUREOPS_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("SECUREOPS_CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}

	if pass := os.Getenv("SECUREOPS_CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if addr := os.Getenv("SECUREOPS_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}

	if pass := os.Getenv("SECUREOPS_REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}

	if bucket := os.Getenv("SECUREOPS_S3_BUCKET"); bucket != "" {
		c.Archive.Bucket = bucket
		c.Archive.Enabled = true
	}
}

// splitAndTrim splits s by sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	switch c.Ingest.Mode {
	case IngestModeLocal, IngestModeKafka:
	default:
		return fmt.Errorf("invalid ingest mode: %s", c.Ingest.Mode)
	}

	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if rl := c.Ingest.RateLimit; rl.Enabled && (rl.RequestsPerIP <= 0 || rl.Window <= 0) {
		return fmt.Errorf("rate_limit requires positive requests_per_ip and window")
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.Consumer.Workers <= 0 {
		return fmt.Errorf("consumer workers must be positive")
	}

	if c.Pipeline.LookupTimeout <= 0 {
		return fmt.Errorf("pipeline lookup_timeout must be positive")
	}

	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline concurrency must be positive")
	}

	if _, err := time.LoadLocation(c.Pipeline.Timezone); err != nil {
		return fmt.Errorf("invalid pipeline timezone %q: %w", c.Pipeline.Timezone, err)
	}

	switch c.Providers.Mode {
	case ProviderModeStatic:
	case ProviderModeHTTP:
		if c.Providers.ThreatIntel.URL == "" && c.Providers.Geo.URL == "" && c.Providers.Asset.URL == "" {
			return fmt.Errorf("http provider mode requires at least one provider url")
		}
	case ProviderModeIndicators:
		if c.Providers.IndicatorFeedPath == "" {
			return fmt.Errorf("indicators provider mode requires indicator_feed_path")
		}
	default:
		return fmt.Errorf("invalid provider mode: %s", c.Providers.Mode)
	}

	if c.Providers.Cache.Enabled {
		switch c.Providers.Cache.Backend {
		case CacheBackendMemory, CacheBackendRedis:
		default:
			return fmt.Errorf("invalid cache backend: %s", c.Providers.Cache.Backend)
		}
	}

	if c.Ingest.Mode == IngestModeKafka {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka mode requires at least one broker")
		}
		if c.Kafka.InputTopic == "" {
			return fmt.Errorf("kafka input_topic is required")
		}
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive bucket is required when archive is enabled")
	}

	return nil
}
