package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("Server.HTTPPort = %d, want 8080", cfg.Server.HTTPPort)
	}
	if cfg.Ingest.Mode != IngestModeLocal {
		t.Errorf("Ingest.Mode = %s, want %s", cfg.Ingest.Mode, IngestModeLocal)
	}
	if cfg.Pipeline.LookupTimeout != 500*time.Millisecond {
		t.Errorf("Pipeline.LookupTimeout = %v, want 500ms", cfg.Pipeline.LookupTimeout)
	}
	if cfg.Pipeline.Timezone != "UTC" {
		t.Errorf("Pipeline.Timezone = %s, want UTC", cfg.Pipeline.Timezone)
	}
	if cfg.Providers.Mode != ProviderModeStatic {
		t.Errorf("Providers.Mode = %s, want %s", cfg.Providers.Mode, ProviderModeStatic)
	}
	if cfg.Storage.Enabled {
		t.Error("Storage.Enabled should default to false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"port zero", func(c *Config) { c.Server.HTTPPort = 0 }, true},
		{"port too high", func(c *Config) { c.Server.HTTPPort = 70000 }, true},
		{"bad ingest mode", func(c *Config) { c.Ingest.Mode = "carrier-pigeon" }, true},
		{"zero batch", func(c *Config) { c.Ingest.MaxBatchSize = 0 }, true},
		{"rate limit without window", func(c *Config) {
			c.Ingest.RateLimit.Enabled = true
			c.Ingest.RateLimit.Window = 0
		}, true},
		{"zero queue", func(c *Config) { c.Queue.Size = 0 }, true},
		{"zero workers", func(c *Config) { c.Consumer.Workers = 0 }, true},
		{"zero lookup timeout", func(c *Config) { c.Pipeline.LookupTimeout = 0 }, true},
		{"zero concurrency", func(c *Config) { c.Pipeline.Concurrency = 0 }, true},
		{"bad timezone", func(c *Config) { c.Pipeline.Timezone = "Mars/Olympus" }, true},
		{"http without urls", func(c *Config) { c.Providers.Mode = ProviderModeHTTP }, true},
		{"http with url", func(c *Config) {
			c.Providers.Mode = ProviderModeHTTP
			c.Providers.Geo.URL = "http://geo.local"
		}, false},
		{"indicators without path", func(c *Config) { c.Providers.Mode = ProviderModeIndicators }, true},
		{"unknown provider mode", func(c *Config) { c.Providers.Mode = "oracle" }, true},
		{"bad cache backend", func(c *Config) {
			c.Providers.Cache.Enabled = true
			c.Providers.Cache.Backend = "memcached"
		}, true},
		{"kafka without brokers", func(c *Config) {
			c.Ingest.Mode = IngestModeKafka
			c.Kafka.Brokers = nil
		}, true},
		{"kafka without topic", func(c *Config) {
			c.Ingest.Mode = IngestModeKafka
			c.Kafka.InputTopic = ""
		}, true},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSplitAndTrim(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{"a, b, c", []string{"a", "b", "c"}},
		{" a , b , c ", []string{"a", "b", "c"}},
		{"a,,b", []string{"a", "b"}},
		{"", []string{}},
		{"single", []string{"single"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := splitAndTrim(tt.input, ",")
			if len(got) != len(tt.want) {
				t.Fatalf("splitAndTrim(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("splitAndTrim(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SECUREOPS_HTTP_PORT", "9090")
	t.Setenv("SECUREOPS_LOG_LEVEL", "debug")
	t.Setenv("SECUREOPS_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("SECUREOPS_CLICKHOUSE_HOST", "ch:9000")
	t.Setenv("SECUREOPS_REDIS_ADDR", "redis:6379")
	t.Setenv("SECUREOPS_S3_BUCKET", "scored-archive")
	t.Setenv("SECUREOPS_PROVIDER_MODE", "http")
	t.Setenv("SECUREOPS_API_KEY", "k-123")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("Kafka.Brokers = %v, want [k1:9092 k2:9092]", cfg.Kafka.Brokers)
	}
	if cfg.Storage.ClickHouse.Hosts[0] != "ch:9000" {
		t.Errorf("ClickHouse.Hosts = %v, want [ch:9000]", cfg.Storage.ClickHouse.Hosts)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Redis.Addr = %s, want redis:6379", cfg.Redis.Addr)
	}
	if !cfg.Archive.Enabled || cfg.Archive.Bucket != "scored-archive" {
		t.Errorf("Archive = %+v, want enabled with bucket", cfg.Archive)
	}
	if cfg.Providers.Mode != ProviderModeHTTP {
		t.Errorf("Providers.Mode = %s, want http", cfg.Providers.Mode)
	}
	if !cfg.Auth.Enabled || len(cfg.Auth.APIKeys) != 1 {
		t.Errorf("Auth = %+v, want one key enabled", cfg.Auth)
	}
}

func TestApplyEnvOverrides_InvalidPortIgnored(t *testing.T) {
	t.Setenv("SECUREOPS_HTTP_PORT", "not-a-port")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want default 8080", cfg.Server.HTTPPort)
	}
}

func TestLoad(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		t.Setenv("SECUREOPS_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.HTTPPort != 8080 {
			t.Errorf("HTTPPort = %d, want 8080", cfg.Server.HTTPPort)
		}
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := []byte("server:\n  http_port: 7000\npipeline:\n  lookup_timeout: 250ms\n  timezone: Europe/Berlin\n")
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("SECUREOPS_CONFIG_PATH", path)

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.HTTPPort != 7000 {
			t.Errorf("HTTPPort = %d, want 7000", cfg.Server.HTTPPort)
		}
		if cfg.Pipeline.LookupTimeout != 250*time.Millisecond {
			t.Errorf("LookupTimeout = %v, want 250ms", cfg.Pipeline.LookupTimeout)
		}
		if cfg.Pipeline.Timezone != "Europe/Berlin" {
			t.Errorf("Timezone = %s, want Europe/Berlin", cfg.Pipeline.Timezone)
		}
		if cfg.Queue.Size != 100000 {
			t.Errorf("Queue.Size = %d, want default kept", cfg.Queue.Size)
		}
	})

	t.Run("malformed file errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("server: [unclosed"), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("SECUREOPS_CONFIG_PATH", path)
		if _, err := Load(); err == nil {
			t.Error("Load() error = nil, want parse error")
		}
	})
}
