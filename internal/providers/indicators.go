package providers

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"secureops/internal/schema"
)

// Indicator is one entry of an indicator feed. Value is an address or a
// CIDR prefix.
type Indicator struct {
	Value      string            `yaml:"value"`
	Reputation schema.Reputation `yaml:"reputation"`
	Score      int               `yaml:"score"`
	Feed       string            `yaml:"feed"`
}

// IndicatorFeed is the YAML document listing known-bad addresses.
type IndicatorFeed struct {
	// Feed is the default feed name for indicators that do not set one.
	Feed       string      `yaml:"feed"`
	Indicators []Indicator `yaml:"indicators"`
}

// LoadIndicatorFeed reads and parses a feed file.
func LoadIndicatorFeed(path string) (*IndicatorFeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read indicator feed: %w", err)
	}
	return ParseIndicatorFeed(data)
}

// ParseIndicatorFeed parses a feed document.
func ParseIndicatorFeed(data []byte) (*IndicatorFeed, error) {
	var feed IndicatorFeed
	if err := yaml.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("failed to parse indicator feed: %w", err)
	}
	return &feed, nil
}

type indicatorEntry struct {
	prefix     netip.Prefix
	reputation schema.Reputation
	score      int
	feed       string
}

// IndicatorThreatIntel answers reputation lookups from an indicator feed.
// The most specific matching prefix wins.
type IndicatorThreatIntel struct {
	entries []indicatorEntry
	loaded  time.Time
}

// NewIndicatorThreatIntel compiles feed. Any invalid indicator is an error.
func NewIndicatorThreatIntel(feed *IndicatorFeed) (*IndicatorThreatIntel, error) {
	entries := make([]indicatorEntry, 0, len(feed.Indicators))
	for i, ind := range feed.Indicators {
		prefix, err := parsePrefix(ind.Value)
		if err != nil {
			return nil, fmt.Errorf("indicator %d: %w", i, err)
		}
		if !ind.Reputation.IsValid() {
			return nil, fmt.Errorf("indicator %d: invalid reputation %q", i, ind.Reputation)
		}
		if ind.Score < 0 || ind.Score > 100 {
			return nil, fmt.Errorf("indicator %d: score %d out of range", i, ind.Score)
		}
		name := ind.Feed
		if name == "" {
			name = feed.Feed
		}
		entries = append(entries, indicatorEntry{
			prefix:     prefix,
			reputation: ind.Reputation,
			score:      ind.Score,
			feed:       name,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].prefix.Bits() > entries[j].prefix.Bits()
	})

	return &IndicatorThreatIntel{entries: entries, loaded: time.Now().UTC()}, nil
}

func parsePrefix(value string) (netip.Prefix, error) {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "/") {
		p, err := netip.ParsePrefix(value)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Len returns the number of compiled indicators.
func (t *IndicatorThreatIntel) Len() int {
	return len(t.entries)
}

// LookupReputation returns the reputation of the most specific matching
// indicator, or clean with score 0 when nothing matches. Unparseable
// addresses are errors.
func (t *IndicatorThreatIntel) LookupReputation(ctx context.Context, ip string) (*schema.ThreatIntel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("invalid ip %q: %w", ip, err)
	}
	addr = addr.Unmap()

	for _, e := range t.entries {
		if e.prefix.Contains(addr) {
			feeds := []string{}
			if e.feed != "" {
				feeds = append(feeds, e.feed)
			}
			return &schema.ThreatIntel{
				IPReputation:    e.reputation,
				ReputationScore: e.score,
				Feeds:           feeds,
				LastUpdated:     t.loaded,
			}, nil
		}
	}

	return &schema.ThreatIntel{
		IPReputation:    schema.ReputationClean,
		ReputationScore: 0,
		Feeds:           []string{},
		LastUpdated:     t.loaded,
	}, nil
}
