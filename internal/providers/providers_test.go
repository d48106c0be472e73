package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"secureops/internal/config"
	"secureops/internal/enrichment"
	"secureops/internal/schema"
)

func TestStaticThreatIntel(t *testing.T) {
	p := NewStaticThreatIntel()

	tests := []struct {
		ip    string
		rep   schema.Reputation
		score int
	}{
		{"10.0.0.1", schema.ReputationClean, 10},
		{"192.168.1.20", schema.ReputationClean, 10},
		{"127.0.0.1", schema.ReputationSuspicious, 60},
		{"0.0.0.0", schema.ReputationSuspicious, 60},
		{"198.51.100.7", schema.ReputationMalicious, 90},
		{"203.0.113.5", schema.ReputationSuspicious, 60},
		{"1.2.3.4", schema.ReputationClean, 15},
		{"8.8.8.8", schema.ReputationClean, 15},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			got, err := p.LookupReputation(context.Background(), tt.ip)
			if err != nil {
				t.Fatalf("LookupReputation() error = %v", err)
			}
			if got.IPReputation != tt.rep || got.ReputationScore != tt.score {
				t.Errorf("LookupReputation(%s) = %s/%d, want %s/%d",
					tt.ip, got.IPReputation, got.ReputationScore, tt.rep, tt.score)
			}
			if len(got.Feeds) != 1 || got.Feeds[0] != StaticFeedName {
				t.Errorf("Feeds = %v, want [%s]", got.Feeds, StaticFeedName)
			}
		})
	}
}

func TestStaticGeo(t *testing.T) {
	p := NewStaticGeo()

	tests := []struct {
		ip   string
		code string
		asn  int
		org  string
	}{
		{"10.1.2.3", "US", 13335, "Private Network"},
		{"100.64.1.1", "US", 13335, "ISP-US"},
		{"8.8.8.8", "IN", 13238, "ISP-IN"},
		{"5.5.5.5", "GB", 12345, "ISP-GB"},
		{"203.0.113.1", "DE", 54321, "ISP-DE"},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			got, err := p.LookupLocation(context.Background(), tt.ip)
			if err != nil {
				t.Fatalf("LookupLocation() error = %v", err)
			}
			if got.CountryCode != tt.code || got.ASN != tt.asn || got.Org != tt.org {
				t.Errorf("LookupLocation(%s) = %+v, want %s/%d/%s", tt.ip, got, tt.code, tt.asn, tt.org)
			}
		})
	}
}

func TestStaticAsset(t *testing.T) {
	p := NewStaticAsset()

	tests := []struct {
		id, typ     string
		env         schema.Environment
		criticality int
	}{
		{"orders-db", "database", schema.EnvironmentProd, 3},
		{"dev-bucket", "s3", schema.EnvironmentDev, 3},
		{"test-vm", "ec2", schema.EnvironmentDev, 1},
		{"web-1", "ec2", schema.EnvironmentProd, 1},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := p.LookupContext(context.Background(), tt.id, tt.typ)
			if err != nil {
				t.Fatalf("LookupContext() error = %v", err)
			}
			if got.Environment != tt.env || got.Criticality != tt.criticality {
				t.Errorf("LookupContext(%s, %s) = %s/%d, want %s/%d",
					tt.id, tt.typ, got.Environment, got.Criticality, tt.env, tt.criticality)
			}
			if got.Owner != "security-team" || got.Tags["managed_by"] != "terraform" {
				t.Errorf("owner/tags = %s/%v", got.Owner, got.Tags)
			}
		})
	}
}

func TestStatic_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewStaticGeo().LookupLocation(ctx, "8.8.8.8"); !errors.Is(err, context.Canceled) {
		t.Errorf("LookupLocation() error = %v, want context.Canceled", err)
	}
}

func TestHTTPThreatIntel(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.Header.Get("X-API-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Query().Get("ip") {
		case "198.51.100.7":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"ip_reputation":    "malicious",
				"reputation_score": 95,
				"feeds":            []string{"abuse"},
			})
		case "203.0.113.9":
			if n%2 == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"ip_reputation": "clean", "reputation_score": 5})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p, err := NewHTTPThreatIntel(config.HTTPProviderConfig{
		URL:          srv.URL,
		APIKey:       "k",
		Timeout:      time.Second,
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHTTPThreatIntel() error = %v", err)
	}

	t.Run("decodes response", func(t *testing.T) {
		got, err := p.LookupReputation(context.Background(), "198.51.100.7")
		if err != nil {
			t.Fatalf("LookupReputation() error = %v", err)
		}
		if got.IPReputation != schema.ReputationMalicious || got.ReputationScore != 95 {
			t.Errorf("got %+v, want malicious/95", got)
		}
	})

	t.Run("retries 5xx", func(t *testing.T) {
		calls.Store(0)
		got, err := p.LookupReputation(context.Background(), "203.0.113.9")
		if err != nil {
			t.Fatalf("LookupReputation() error = %v", err)
		}
		if got.IPReputation != schema.ReputationClean {
			t.Errorf("got %s, want clean", got.IPReputation)
		}
		if calls.Load() != 2 {
			t.Errorf("calls = %d, want 2", calls.Load())
		}
	})

	t.Run("not found", func(t *testing.T) {
		calls.Store(0)
		_, err := p.LookupReputation(context.Background(), "8.8.8.8")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1 (no retry)", calls.Load())
		}
	})
}

func TestHTTPClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad id"))
	}))
	defer srv.Close()

	p, _ := NewHTTPAsset(config.HTTPProviderConfig{URL: srv.URL, MaxRetries: 3, RetryBackoff: time.Millisecond})
	_, err := p.LookupContext(context.Background(), "x", "s3")

	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Errorf("error = %v, want StatusError 400", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestHTTPGeo_QueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(schema.Geo{CountryCode: "NL", ASN: 1136, Org: r.URL.Query().Get("ip")})
	}))
	defer srv.Close()

	p, _ := NewHTTPGeo(config.HTTPProviderConfig{URL: srv.URL})
	got, err := p.LookupLocation(context.Background(), "2001:db8::1")
	if err != nil {
		t.Fatalf("LookupLocation() error = %v", err)
	}
	if got.CountryCode != "NL" || got.Org != "2001:db8::1" {
		t.Errorf("got %+v", got)
	}
}

func TestNewHTTPClient_RequiresURL(t *testing.T) {
	if _, err := NewHTTPGeo(config.HTTPProviderConfig{}); err == nil {
		t.Error("NewHTTPGeo() error = nil, want url required")
	}
}

const testFeed = `
feed: corp_blocklist
indicators:
  - value: 203.0.113.0/24
    reputation: suspicious
    score: 60
  - value: 203.0.113.66
    reputation: malicious
    score: 95
    feed: honeypot
  - value: 2001:db8::/32
    reputation: malicious
    score: 80
`

func TestIndicatorThreatIntel(t *testing.T) {
	feed, err := ParseIndicatorFeed([]byte(testFeed))
	if err != nil {
		t.Fatalf("ParseIndicatorFeed() error = %v", err)
	}
	p, err := NewIndicatorThreatIntel(feed)
	if err != nil {
		t.Fatalf("NewIndicatorThreatIntel() error = %v", err)
	}

	tests := []struct {
		ip    string
		rep   schema.Reputation
		score int
		feeds []string
	}{
		{"203.0.113.66", schema.ReputationMalicious, 95, []string{"honeypot"}},
		{"203.0.113.7", schema.ReputationSuspicious, 60, []string{"corp_blocklist"}},
		{"2001:db8::9", schema.ReputationMalicious, 80, []string{"corp_blocklist"}},
		{"8.8.8.8", schema.ReputationClean, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			got, err := p.LookupReputation(context.Background(), tt.ip)
			if err != nil {
				t.Fatalf("LookupReputation() error = %v", err)
			}
			if got.IPReputation != tt.rep || got.ReputationScore != tt.score {
				t.Errorf("got %s/%d, want %s/%d", got.IPReputation, got.ReputationScore, tt.rep, tt.score)
			}
			if len(got.Feeds) != len(tt.feeds) {
				t.Fatalf("Feeds = %v, want %v", got.Feeds, tt.feeds)
			}
			for i := range tt.feeds {
				if got.Feeds[i] != tt.feeds[i] {
					t.Errorf("Feeds[%d] = %s, want %s", i, got.Feeds[i], tt.feeds[i])
				}
			}
		})
	}

	if _, err := p.LookupReputation(context.Background(), "not-an-ip"); err == nil {
		t.Error("LookupReputation(not-an-ip) error = nil")
	}
}

func TestNewIndicatorThreatIntel_Invalid(t *testing.T) {
	tests := []struct {
		name string
		ind  Indicator
	}{
		{"bad value", Indicator{Value: "nope", Reputation: schema.ReputationMalicious}},
		{"bad reputation", Indicator{Value: "1.1.1.1", Reputation: "evil"}},
		{"bad score", Indicator{Value: "1.1.1.1", Reputation: schema.ReputationMalicious, Score: 101}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewIndicatorThreatIntel(&IndicatorFeed{Indicators: []Indicator{tt.ind}}); err == nil {
				t.Error("NewIndicatorThreatIntel() error = nil")
			}
		})
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2024, 3, 6, 2, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	_ = c.Set(ctx, "k", []byte("v"), time.Minute)

	if got, err := c.Get(ctx, "k"); err != nil || string(got) != "v" {
		t.Errorf("Get() = %q, %v, want v", got, err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after expiry error = %v, want ErrCacheMiss", err)
	}
	if _, err := c.Get(ctx, "absent"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get(absent) error = %v, want ErrCacheMiss", err)
	}
}

type failingCache struct{}

func (failingCache) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("redis down")
}

func (failingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("redis down")
}

func TestCachedThreatIntel(t *testing.T) {
	var calls int
	inner := enrichment.ThreatIntelFunc(func(ctx context.Context, ip string) (*schema.ThreatIntel, error) {
		calls++
		if ip == "0.0.0.1" {
			return nil, errors.New("upstream")
		}
		return &schema.ThreatIntel{IPReputation: schema.ReputationSuspicious, ReputationScore: 60}, nil
	})

	cache := NewMemoryCache()
	p := NewCachedThreatIntel(inner, cache, time.Hour, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := p.LookupReputation(ctx, "203.0.113.5")
		if err != nil || got.ReputationScore != 60 {
			t.Fatalf("LookupReputation() = %+v, %v", got, err)
		}
	}
	if calls != 1 {
		t.Errorf("inner calls = %d, want 1", calls)
	}
	if _, err := cache.Get(ctx, ThreatIntelKeyPrefix+"203.0.113.5"); err != nil {
		t.Errorf("cache entry missing: %v", err)
	}

	if _, err := p.LookupReputation(ctx, "0.0.0.1"); err == nil {
		t.Error("expected upstream error")
	}
	if cache.Len() != 1 {
		t.Errorf("cache.Len() = %d, want 1 (errors not cached)", cache.Len())
	}
}

func TestCachedDecorators_CacheFailureFallsThrough(t *testing.T) {
	geo := NewCachedGeo(NewStaticGeo(), failingCache{}, time.Hour, nil)
	got, err := geo.LookupLocation(context.Background(), "10.0.0.1")
	if err != nil || got.CountryCode != "US" {
		t.Errorf("LookupLocation() = %+v, %v, want US", got, err)
	}

	asset := NewCachedAsset(NewStaticAsset(), failingCache{}, time.Hour, nil)
	ac, err := asset.LookupContext(context.Background(), "orders-db", "database")
	if err != nil || ac.Criticality != 3 {
		t.Errorf("LookupContext() = %+v, %v, want criticality 3", ac, err)
	}
}

func TestCachedAsset_KeyIncludesType(t *testing.T) {
	cache := NewMemoryCache()
	p := NewCachedAsset(NewStaticAsset(), cache, time.Hour, nil)
	ctx := context.Background()

	_, _ = p.LookupContext(ctx, "x", "database")
	_, _ = p.LookupContext(ctx, "x", "ec2")

	if _, err := cache.Get(ctx, AssetKeyPrefix+"database:x"); err != nil {
		t.Errorf("missing database key: %v", err)
	}
	if cache.Len() != 2 {
		t.Errorf("cache.Len() = %d, want 2", cache.Len())
	}
}

func TestNewGoRedisCache_Unreachable(t *testing.T) {
	cfg := config.DefaultConfig().Redis
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 100 * time.Millisecond
	cfg.MaxRetries = -1

	if _, err := NewGoRedisCache(cfg); err == nil {
		t.Error("NewGoRedisCache() error = nil, want connection error")
	}
}

func TestBuild(t *testing.T) {
	t.Run("static", func(t *testing.T) {
		set, err := Build(config.DefaultConfig(), nil)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		defer set.Close()
		if _, ok := set.Providers.ThreatIntel.(*StaticThreatIntel); !ok {
			t.Errorf("ThreatIntel = %T, want *StaticThreatIntel", set.Providers.ThreatIntel)
		}
	})

	t.Run("indicators with memory cache", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "feed.yaml")
		if err := os.WriteFile(path, []byte(testFeed), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg := config.DefaultConfig()
		cfg.Providers.Mode = config.ProviderModeIndicators
		cfg.Providers.IndicatorFeedPath = path
		cfg.Providers.Cache.Enabled = true

		set, err := Build(cfg, nil)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if _, ok := set.Providers.ThreatIntel.(*CachedThreatIntel); !ok {
			t.Errorf("ThreatIntel = %T, want *CachedThreatIntel", set.Providers.ThreatIntel)
		}
		ti, err := set.Providers.ThreatIntel.LookupReputation(context.Background(), "203.0.113.66")
		if err != nil || ti.ReputationScore != 95 {
			t.Errorf("LookupReputation() = %+v, %v", ti, err)
		}
	})

	t.Run("http only configured lookups", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Providers.Mode = config.ProviderModeHTTP
		cfg.Providers.Geo.URL = "http://geo.invalid/lookup"

		set, err := Build(cfg, nil)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if set.Providers.ThreatIntel != nil || set.Providers.Asset != nil {
			t.Error("unconfigured lookups should be nil")
		}
		if _, ok := set.Providers.Geo.(*HTTPGeo); !ok {
			t.Errorf("Geo = %T, want *HTTPGeo", set.Providers.Geo)
		}
	})

	t.Run("unknown mode", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Providers.Mode = "oracle"
		if _, err := Build(cfg, nil); err == nil {
			t.Error("Build() error = nil")
		}
	})
}
