// Package enrichment attaches threat intelligence, geolocation and asset
// context to normalized events.
package enrichment

import (
	"context"
	"fmt"

	"secureops/internal/schema"
)

// Lookup names used in metadata, logs and metrics.
const (
	LookupThreatIntel = "threat_intel"
	LookupGeo         = "geo"
	LookupAsset       = "asset_context"
)

// ThreatIntelProvider looks up the reputation of an IP address.
type ThreatIntelProvider interface {
	LookupReputation(ctx context.Context, ip string) (*schema.ThreatIntel, error)
}

// GeoProvider looks up the location of an IP address.
type GeoProvider interface {
	LookupLocation(ctx context.Context, ip string) (*schema.Geo, error)
}

// AssetProvider looks up inventory context for a resource.
type AssetProvider interface {
	LookupContext(ctx context.Context, resourceID, resourceType string) (*schema.AssetContext, error)
}

// ThreatIntelFunc adapts a function to ThreatIntelProvider.
type ThreatIntelFunc func(ctx context.Context, ip string) (*schema.ThreatIntel, error)

func (f ThreatIntelFunc) LookupReputation(ctx context.Context, ip string) (*schema.ThreatIntel, error) {
	return f(ctx, ip)
}

// GeoFunc adapts a function to GeoProvider.
type GeoFunc func(ctx context.Context, ip string) (*schema.Geo, error)

func (f GeoFunc) LookupLocation(ctx context.Context, ip string) (*schema.Geo, error) {
	return f(ctx, ip)
}

// AssetFunc adapts a function to AssetProvider.
type AssetFunc func(ctx context.Context, resourceID, resourceType string) (*schema.AssetContext, error)

func (f AssetFunc) LookupContext(ctx context.Context, resourceID, resourceType string) (*schema.AssetContext, error) {
	return f(ctx, resourceID, resourceType)
}

// ProviderError wraps any failure of a single lookup.
type ProviderError struct {
	Lookup string
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s lookup failed: %v", e.Lookup, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// FallbackThreatIntel is used when a reputation lookup fails.
func FallbackThreatIntel() *schema.ThreatIntel {
	return &schema.ThreatIntel{
		IPReputation:    schema.ReputationUnknown,
		ReputationScore: 50,
		Feeds:           []string{},
	}
}

// FallbackGeo is used when a location lookup fails.
func FallbackGeo() *schema.Geo {
	return &schema.Geo{
		CountryCode: "XX",
		ASN:         0,
		Org:         "unknown",
	}
}

// FallbackAssetContext is used when an asset lookup fails.
func FallbackAssetContext() *schema.AssetContext {
	return &schema.AssetContext{
		Environment: schema.EnvironmentUnknown,
		Criticality: 1,
		Owner:       "unknown",
		Tags:        map[string]string{},
	}
}
