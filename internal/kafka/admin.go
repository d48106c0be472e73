package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Admin creates and inspects the pipeline topics.
type Admin struct {
	config *Config
	logger *slog.Logger
}

// NewAdmin creates an admin client.
func NewAdmin(config *Config, logger *slog.Logger) (*Admin, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{config: config, logger: logger}, nil
}

// TopicConfig describes a topic to create.
type TopicConfig struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	RetentionMs       int64
	MaxMessageBytes   int
}

// TopicConfigFor builds a TopicConfig from c for topic name.
func (c *Config) TopicConfigFor(name string) TopicConfig {
	return TopicConfig{
		Name:              name,
		Partitions:        c.Partitions,
		ReplicationFactor: c.ReplicationFactor,
		RetentionMs:       c.RetentionMs,
		MaxMessageBytes:   c.MaxMessageBytes,
	}
}

func (a *Admin) dial(ctx context.Context) (*kafka.Conn, error) {
	dialer, err := a.config.Dialer()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to create dialer: %w", err)
	}
	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	return conn, nil
}

// CreateTopic creates a topic on the cluster controller.
func (a *Admin) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: failed to get controller: %w", err)
	}

	dialer, err := a.config.Dialer()
	if err != nil {
		return err
	}
	controllerConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to controller: %w", err)
	}
	defer controllerConn.Close()

	entries := []kafka.ConfigEntry{
		{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(cfg.RetentionMs, 10)},
	}
	if cfg.MaxMessageBytes > 0 {
		entries = append(entries, kafka.ConfigEntry{
			ConfigName:  "max.message.bytes",
			ConfigValue: strconv.Itoa(cfg.MaxMessageBytes),
		})
	}

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             cfg.Name,
		NumPartitions:     cfg.Partitions,
		ReplicationFactor: cfg.ReplicationFactor,
		ConfigEntries:     entries,
	})
	if err != nil {
		return fmt.Errorf("kafka: failed to create topic %s: %w", cfg.Name, err)
	}

	a.logger.Info("kafka topic created",
		"topic", cfg.Name,
		"partitions", cfg.Partitions,
		"replication_factor", cfg.ReplicationFactor)
	return nil
}

// ListTopics returns all topic names in the cluster.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	conn, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to read partitions: %w", err)
	}
	return topicNames(partitions), nil
}

func topicNames(partitions []kafka.Partition) []string {
	seen := make(map[string]bool)
	topics := make([]string, 0)
	for _, p := range partitions {
		if !seen[p.Topic] {
			seen[p.Topic] = true
			topics = append(topics, p.Topic)
		}
	}
	return topics
}

// EnsureTopic creates the topic if it does not exist.
func (a *Admin) EnsureTopic(ctx context.Context, cfg TopicConfig) error {
	topics, err := a.ListTopics(ctx)
	if err != nil {
		return err
	}
	for _, t := range topics {
		if t == cfg.Name {
			a.logger.Debug("topic already exists", "topic", cfg.Name)
			return nil
		}
	}
	return a.CreateTopic(ctx, cfg)
}

// HealthStatus is the result of a broker connectivity check.
type HealthStatus struct {
	Healthy     bool          `json:"healthy"`
	LastCheck   time.Time     `json:"last_check"`
	Latency     time.Duration `json:"latency"`
	Error       string        `json:"error,omitempty"`
	BrokerCount int           `json:"broker_count"`
}

// HealthCheck reports whether the cluster is reachable.
func (a *Admin) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{LastCheck: time.Now()}
	start := time.Now()

	conn, err := a.dial(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer conn.Close()

	brokers, err := conn.Brokers()
	if err != nil {
		status.Error = fmt.Sprintf("failed to get brokers: %v", err)
		return status
	}

	status.Latency = time.Since(start)
	status.Healthy = len(brokers) > 0
	status.BrokerCount = len(brokers)
	return status
}
