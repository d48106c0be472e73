package providers

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"secureops/internal/config"
	"secureops/internal/enrichment"
	"secureops/internal/schema"
)

// Cache key prefixes.
const (
	ThreatIntelKeyPrefix = "secureops:intel:"
	GeoKeyPrefix         = "secureops:geo:"
	AssetKeyPrefix       = "secureops:asset:"
)

// ErrCacheMiss is returned by Cache.Get for an absent or expired key.
var ErrCacheMiss = errors.New("cache miss")

// Cache stores provider responses.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// GoRedisCache is a Cache backed by Redis.
type GoRedisCache struct {
	client *redis.Client
}

// NewGoRedisCache connects to Redis and verifies the connection.
func NewGoRedisCache(cfg config.RedisConfig) (*GoRedisCache, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &GoRedisCache{client: client}, nil
}

// Get retrieves a value.
func (g *GoRedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := g.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	return val, nil
}

// Set stores a value with TTL.
func (g *GoRedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.client.Set(ctx, key, value, ttl).Err()
}

// Close closes the Redis connection.
func (g *GoRedisCache) Close() error {
	return g.client.Close()
}

// MemoryCache is an in-process Cache with per-key expiry.
type MemoryCache struct {
	mu     sync.RWMutex
	data   map[string][]byte
	expiry map[string]time.Time
	now    func() time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		data:   make(map[string][]byte),
		expiry: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Get retrieves a value.
func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if exp, ok := m.expiry[key]; ok && m.now().After(exp) {
		return nil, ErrCacheMiss
	}
	val, ok := m.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return val, nil
}

// Set stores a value. A non-positive ttl never expires.
func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), value...)
	if ttl > 0 {
		m.expiry[key] = m.now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

// Len returns the number of stored keys, expired or not.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// cached runs the read-through protocol shared by the decorators. Cache
// failures are logged and fall through to fetch; fetch errors are not cached.
func cached[T any](ctx context.Context, c Cache, logger *slog.Logger, key string, ttl time.Duration, fetch func() (*T, error)) (*T, error) {
	if data, err := c.Get(ctx, key); err == nil {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			return &v, nil
		}
		logger.Debug("discarding undecodable cache entry", "key", key)
	} else if !errors.Is(err, ErrCacheMiss) {
		logger.Debug("cache get failed", "key", key, "error", err)
	}

	v, err := fetch()
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(v); err == nil {
		if err := c.Set(ctx, key, data, ttl); err != nil {
			logger.Debug("cache set failed", "key", key, "error", err)
		}
	}
	return v, nil
}

// CachedThreatIntel caches reputation lookups.
type CachedThreatIntel struct {
	inner  enrichment.ThreatIntelProvider
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedThreatIntel wraps inner.
func NewCachedThreatIntel(inner enrichment.ThreatIntelProvider, c Cache, ttl time.Duration, logger *slog.Logger) *CachedThreatIntel {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedThreatIntel{inner: inner, cache: c, ttl: ttl, logger: logger}
}

// LookupReputation serves from cache or the wrapped provider.
func (p *CachedThreatIntel) LookupReputation(ctx context.Context, ip string) (*schema.ThreatIntel, error) {
	return cached(ctx, p.cache, p.logger, ThreatIntelKeyPrefix+ip, p.ttl, func() (*schema.ThreatIntel, error) {
		return p.inner.LookupReputation(ctx, ip)
	})
}

// CachedGeo caches geolocation lookups.
type CachedGeo struct {
	inner  enrichment.GeoProvider
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedGeo wraps inner.
func NewCachedGeo(inner enrichment.GeoProvider, c Cache, ttl time.Duration, logger *slog.Logger) *CachedGeo {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedGeo{inner: inner, cache: c, ttl: ttl, logger: logger}
}

// LookupLocation serves from cache or the wrapped provider.
func (p *CachedGeo) LookupLocation(ctx context.Context, ip string) (*schema.Geo, error) {
	return cached(ctx, p.cache, p.logger, GeoKeyPrefix+ip, p.ttl, func() (*schema.Geo, error) {
		return p.inner.LookupLocation(ctx, ip)
	})
}

// CachedAsset caches asset context lookups.
type CachedAsset struct {
	inner  enrichment.AssetProvider
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedAsset wraps inner.
func NewCachedAsset(inner enrichment.AssetProvider, c Cache, ttl time.Duration, logger *slog.Logger) *CachedAsset {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedAsset{inner: inner, cache: c, ttl: ttl, logger: logger}
}

// LookupContext serves from cache or the wrapped provider.
func (p *CachedAsset) LookupContext(ctx context.Context, resourceID, resourceType string) (*schema.AssetContext, error) {
	key := AssetKeyPrefix + resourceType + ":" + resourceID
	return cached(ctx, p.cache, p.logger, key, p.ttl, func() (*schema.AssetContext, error) {
		return p.inner.LookupContext(ctx, resourceID, resourceType)
	})
}
