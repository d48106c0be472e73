// Package kafka streams normalized and scored events through Kafka topics.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"secureops/internal/config"
)

// Config holds Kafka connection and behavior configuration for one topic.
type Config struct {
	Brokers           []string
	Topic             string
	ConsumerGroup     string
	Partitions        int
	ReplicationFactor int
	RetentionMs       int64
	MaxMessageBytes   int

	// CompressionType: none, gzip, snappy, lz4, zstd.
	CompressionType string

	// SecurityProtocol: PLAINTEXT, SSL, SASL_PLAINTEXT, SASL_SSL.
	SecurityProtocol string
	SASLMechanism    string
	SASLUsername     string
	SASLPassword     string
	TLSCAFile        string
	TLSSkipVerify    bool

	ProducerBatchSize    int
	ProducerBatchTimeout time.Duration
	ProducerMaxRetries   int
	ProducerRetryBackoff time.Duration
	RequiredAcks         int // -1=all, 0=none, 1=leader

	ConsumerMinBytes int
	ConsumerMaxBytes int
	ConsumerMaxWait  time.Duration
	StartOffset      int64 // -1=latest, -2=earliest
	HandlerTimeout   time.Duration

	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns a Config for the normalized event topic.
func DefaultConfig() *Config {
	return &Config{
		Brokers:              []string{"localhost:9092"},
		Topic:                "secureops-events",
		ConsumerGroup:        "secureops-scorer",
		Partitions:           12,
		ReplicationFactor:    3,
		RetentionMs:          7 * 24 * 60 * 60 * 1000, // 7 days
		MaxMessageBytes:      1048576,                 // 1MB
		CompressionType:      "lz4",
		SecurityProtocol:     "PLAINTEXT",
		ProducerBatchSize:    100,
		ProducerBatchTimeout: 10 * time.Millisecond,
		ProducerMaxRetries:   3,
		ProducerRetryBackoff: 100 * time.Millisecond,
		RequiredAcks:         -1,
		ConsumerMinBytes:     1,
		ConsumerMaxBytes:     10 * 1024 * 1024, // 10MB
		ConsumerMaxWait:      500 * time.Millisecond,
		StartOffset:          kafka.FirstOffset,
		HandlerTimeout:       30 * time.Second,
		DialTimeout:          10 * time.Second,
		WriteTimeout:         30 * time.Second,
	}
}

// FromAppConfig builds a Config bound to the input topic from the
// application's kafka section.
func FromAppConfig(kc config.KafkaConfig) *Config {
	c := DefaultConfig()
	if len(kc.Brokers) > 0 {
		c.Brokers = append([]string(nil), kc.Brokers...)
	}
	if kc.InputTopic != "" {
		c.Topic = kc.InputTopic
	}
	if kc.ConsumerGroup != "" {
		c.ConsumerGroup = kc.ConsumerGroup
	}
	if kc.Partitions > 0 {
		c.Partitions = kc.Partitions
	}
	if kc.ReplicationFactor > 0 {
		c.ReplicationFactor = kc.ReplicationFactor
	}
	if kc.CompressionType != "" {
		c.CompressionType = kc.CompressionType
	}
	if kc.SecurityProtocol != "" {
		c.SecurityProtocol = kc.SecurityProtocol
	}
	c.SASLMechanism = kc.SASLMechanism
	c.SASLUsername = kc.SASLUsername
	c.SASLPassword = kc.SASLPassword
	c.TLSCAFile = kc.TLSCAFile
	c.TLSSkipVerify = kc.TLSSkipVerify
	return c
}

// WithTopic returns a copy of c bound to topic.
func (c *Config) WithTopic(topic string) *Config {
	out := *c
	out.Brokers = append([]string(nil), c.Brokers...)
	out.Topic = topic
	return &out
}

var (
	validProtocols = map[string]bool{
		"PLAINTEXT": true, "SSL": true, "SASL_PLAINTEXT": true, "SASL_SSL": true,
	}
	validMechanisms = map[string]bool{
		"PLAIN": true, "SCRAM-SHA-256": true, "SCRAM-SHA-512": true,
	}
)

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	if c.Partitions < 1 {
		return errors.New("kafka: partitions must be at least 1")
	}
	if c.ReplicationFactor < 1 {
		return errors.New("kafka: replication factor must be at least 1")
	}
	if !validProtocols[c.SecurityProtocol] {
		return fmt.Errorf("kafka: invalid security protocol: %s", c.SecurityProtocol)
	}
	if c.usesSASL() {
		if !validMechanisms[c.SASLMechanism] {
			return fmt.Errorf("kafka: invalid SASL mechanism: %s", c.SASLMechanism)
		}
		if c.SASLUsername == "" || c.SASLPassword == "" {
			return errors.New("kafka: SASL username and password required for SASL authentication")
		}
	}
	return nil
}

func (c *Config) usesSASL() bool {
	return c.SecurityProtocol == "SASL_PLAINTEXT" || c.SecurityProtocol == "SASL_SSL"
}

func (c *Config) usesTLS() bool {
	return c.SecurityProtocol == "SSL" || c.SecurityProtocol == "SASL_SSL"
}

// Compression returns the kafka-go compression codec.
func (c *Config) Compression() kafka.Compression {
	switch c.CompressionType {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

// Dialer returns a kafka.Dialer with TLS and SASL applied.
func (c *Config) Dialer() (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{
		Timeout:   c.DialTimeout,
		DualStack: true,
	}

	if c.usesTLS() {
		tlsConfig, err := c.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to configure TLS: %w", err)
		}
		dialer.TLS = tlsConfig
	}

	if c.usesSASL() {
		mechanism, err := c.saslMechanism()
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to configure SASL: %w", err)
		}
		dialer.SASLMechanism = mechanism
	}

	return dialer, nil
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.TLSSkipVerify {
		slog.Warn("TLS certificate verification is disabled for Kafka")
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if c.TLSCAFile != "" {
		caCert, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

func (c *Config) saslMechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", c.SASLMechanism)
	}
}

// Stats counts messages moved by a producer or consumer.
type Stats struct {
	Messages      int64
	Bytes         int64
	Errors        int64
	Retries       int64
	LastError     string
	LastErrorTime time.Time
}

// Common errors
var (
	ErrProducerClosed = errors.New("kafka: producer is closed")
	ErrConsumerClosed = errors.New("kafka: consumer is closed")
)
