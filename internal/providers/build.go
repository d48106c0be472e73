package providers

import (
	"fmt"
	"log/slog"

	"secureops/internal/config"
	"secureops/internal/pipeline"
)

// Set is the built provider bundle and any resources it holds.
type Set struct {
	Providers pipeline.Providers
	closers   []func() error
}

// Close releases provider resources.
func (s *Set) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build constructs the providers selected by cfg.Providers, wrapped in the
// configured cache.
func Build(cfg *config.Config, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pc := cfg.Providers
	set := &Set{}

	switch pc.Mode {
	case config.ProviderModeStatic, "":
		set.Providers = pipeline.Providers{
			ThreatIntel: NewStaticThreatIntel(),
			Geo:         NewStaticGeo(),
			Asset:       NewStaticAsset(),
		}

	case config.ProviderModeHTTP:
		if pc.ThreatIntel.URL != "" {
			p, err := NewHTTPThreatIntel(pc.ThreatIntel)
			if err != nil {
				return nil, fmt.Errorf("threat intel provider: %w", err)
			}
			set.Providers.ThreatIntel = p
		}
		if pc.Geo.URL != "" {
			p, err := NewHTTPGeo(pc.Geo)
			if err != nil {
				return nil, fmt.Errorf("geo provider: %w", err)
			}
			set.Providers.Geo = p
		}
		if pc.Asset.URL != "" {
			p, err := NewHTTPAsset(pc.Asset)
			if err != nil {
				return nil, fmt.Errorf("asset provider: %w", err)
			}
			set.Providers.Asset = p
		}

	case config.ProviderModeIndicators:
		feed, err := LoadIndicatorFeed(pc.IndicatorFeedPath)
		if err != nil {
			return nil, err
		}
		intel, err := NewIndicatorThreatIntel(feed)
		if err != nil {
			return nil, err
		}
		logger.Info("indicator feed loaded",
			"path", pc.IndicatorFeedPath,
			"indicators", intel.Len())
		set.Providers = pipeline.Providers{
			ThreatIntel: intel,
			Geo:         NewStaticGeo(),
			Asset:       NewStaticAsset(),
		}

	default:
		return nil, fmt.Errorf("unknown provider mode: %s", pc.Mode)
	}

	if !pc.Cache.Enabled {
		return set, nil
	}

	var cache Cache
	switch pc.Cache.Backend {
	case config.CacheBackendRedis:
		rc, err := NewGoRedisCache(cfg.Redis)
		if err != nil {
			return nil, err
		}
		set.closers = append(set.closers, rc.Close)
		cache = rc
	default:
		cache = NewMemoryCache()
	}

	if set.Providers.ThreatIntel != nil {
		set.Providers.ThreatIntel = NewCachedThreatIntel(set.Providers.ThreatIntel, cache, pc.Cache.ThreatIntelTTL, logger)
	}
	if set.Providers.Geo != nil {
		set.Providers.Geo = NewCachedGeo(set.Providers.Geo, cache, pc.Cache.GeoTTL, logger)
	}
	if set.Providers.Asset != nil {
		set.Providers.Asset = NewCachedAsset(set.Providers.Asset, cache, pc.Cache.AssetTTL, logger)
	}

	logger.Info("provider cache enabled", "backend", pc.Cache.Backend)
	return set, nil
}
