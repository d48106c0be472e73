// Package s3 archives scored events to S3 or an S3-compatible store.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"secureops/internal/config"
)

// Config holds S3 connection settings.
type Config struct {
	Region          string
	Bucket          string
	Prefix          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// StorageClass for uploaded objects (STANDARD, INTELLIGENT_TIERING, GLACIER, ...).
	StorageClass string

	// UsePathStyle forces path-style addressing (MinIO, LocalStack).
	UsePathStyle bool

	RetryMaxAttempts int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Region:           "us-east-1",
		Bucket:           "secureops-archive",
		Prefix:           "scored/",
		StorageClass:     "STANDARD",
		RetryMaxAttempts: 3,
	}
}

// FromAppConfig maps the archive section of the application config.
func FromAppConfig(ac config.ArchiveConfig) *Config {
	cfg := DefaultConfig()
	if ac.Region != "" {
		cfg.Region = ac.Region
	}
	cfg.Bucket = ac.Bucket
	cfg.Prefix = ac.Prefix
	cfg.Endpoint = ac.Endpoint
	cfg.AccessKeyID = ac.AccessKeyID
	cfg.SecretAccessKey = ac.SecretAccessKey
	cfg.UsePathStyle = ac.UsePathStyle
	return cfg
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	return nil
}

// keyPrefix returns Prefix with exactly one trailing slash, or "".
func (c *Config) keyPrefix() string {
	p := strings.Trim(c.Prefix, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// GetStorageClass returns the S3 storage class type.
func (c *Config) GetStorageClass() types.StorageClass {
	switch strings.ToUpper(c.StorageClass) {
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "ONEZONE_IA":
		return types.StorageClassOnezoneIa
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	case "GLACIER":
		return types.StorageClassGlacier
	case "GLACIER_IR":
		return types.StorageClassGlacierIr
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	default:
		return types.StorageClassStandard
	}
}

// objectAPI is the subset of the S3 client the archive uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	s3.ListObjectsV2APIClient
}

// Client is an S3 client scoped to one bucket and key prefix.
type Client struct {
	api     objectAPI
	config  *Config
	logger  *slog.Logger
	metrics clientMetrics
}

type clientMetrics struct {
	bytesUploaded   atomic.Int64
	bytesDownloaded atomic.Int64
	objectsUploaded atomic.Int64
	errors          atomic.Int64
}

// NewClient creates an S3 client from the default AWS credential chain, or
// from static credentials when both key fields are set.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger = orDefault(logger)
	logger.Info("s3 client initialized", "bucket", cfg.Bucket, "region", cfg.Region)
	return newClient(api, cfg, logger), nil
}

func newClient(api objectAPI, cfg *Config, logger *slog.Logger) *Client {
	return &Client{api: api, config: cfg, logger: orDefault(logger)}
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// Upload stores body under Prefix+key and returns the full key.
func (c *Client) Upload(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) (string, error) {
	fullKey := c.config.keyPrefix() + key

	in := &s3.PutObjectInput{
		Bucket:       aws.String(c.config.Bucket),
		Key:          aws.String(fullKey),
		Body:         bytes.NewReader(body),
		StorageClass: c.config.GetStorageClass(),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if len(metadata) > 0 {
		in.Metadata = metadata
	}

	if _, err := c.api.PutObject(ctx, in); err != nil {
		c.metrics.errors.Add(1)
		return "", fmt.Errorf("s3: failed to upload object %s: %w", fullKey, err)
	}

	c.metrics.bytesUploaded.Add(int64(len(body)))
	c.metrics.objectsUploaded.Add(1)
	c.logger.Debug("uploaded object", "key", fullKey, "size", len(body))
	return fullKey, nil
}

// Download reads the object stored under the full key.
func (c *Client) Download(ctx context.Context, fullKey string) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		c.metrics.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to download object %s: %w", fullKey, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		c.metrics.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to read object %s: %w", fullKey, err)
	}
	c.metrics.bytesDownloaded.Add(int64(len(data)))
	return data, nil
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// List returns objects under Prefix+prefix, up to maxKeys when positive.
func (c *Client) List(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.config.Bucket),
		Prefix: aws.String(c.config.keyPrefix() + prefix),
	}

	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(c.api, in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			c.metrics.errors.Add(1)
			return nil, fmt.Errorf("s3: failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		if maxKeys > 0 && len(objects) >= maxKeys {
			return objects[:maxKeys], nil
		}
	}
	return objects, nil
}

// HealthStatus is the result of a bucket check.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// HealthCheck verifies the bucket is reachable.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.config.Bucket)})
	status := HealthStatus{Latency: time.Since(start)}
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Healthy = true
	return status
}

// Metrics contains S3 client counters.
type Metrics struct {
	BytesUploaded   int64
	BytesDownloaded int64
	ObjectsUploaded int64
	Errors          int64
}

// GetMetrics returns current client metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		BytesUploaded:   c.metrics.bytesUploaded.Load(),
		BytesDownloaded: c.metrics.bytesDownloaded.Load(),
		ObjectsUploaded: c.metrics.objectsUploaded.Load(),
		Errors:          c.metrics.errors.Load(),
	}
}
