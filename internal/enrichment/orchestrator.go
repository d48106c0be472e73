package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"secureops/internal/schema"
)

// ErrNoProvider is reported when a lookup is attempted without a configured provider.
var ErrNoProvider = errors.New("provider not configured")

// Config holds orchestrator configuration.
type Config struct {
	LookupTimeout   time.Duration
	PipelineVersion string
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		LookupTimeout:   500 * time.Millisecond,
		PipelineVersion: "1.0.0",
	}
}

// Orchestrator fans out enrichment lookups for a single event.
type Orchestrator struct {
	config    Config
	intel     ThreatIntelProvider
	geo       GeoProvider
	asset     AssetProvider
	validator *schema.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithClock sets the clock used for the enrichment timestamp.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// NewOrchestrator creates an orchestrator. Any provider may be nil, in which
// case its lookup falls back whenever it is attempted.
func NewOrchestrator(cfg Config, intel ThreatIntelProvider, geo GeoProvider, asset AssetProvider, opts ...Option) *Orchestrator {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultConfig().LookupTimeout
	}
	o := &Orchestrator{
		config:    cfg,
		intel:     intel,
		geo:       geo,
		asset:     asset,
		validator: schema.NewValidator(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enrich looks up every applicable sub-bundle concurrently and waits for all
// of them. It never fails: lookup errors, timeouts and invalid responses are
// replaced with the fixed fallback for that lookup.
func (o *Orchestrator) Enrich(ctx context.Context, event *schema.NormalizedEvent) schema.Enrichment {
	var (
		enr      schema.Enrichment
		wg       sync.WaitGroup
		outcomes [3]schema.LookupOutcome
	)

	ip := event.ActorIP()
	resourceID, resourceType := event.ResourceID(), event.ResourceType()

	if ip != "" {
		wg.Add(2)
		go func() {
			defer wg.Done()
			enr.ThreatIntel, outcomes[0] = o.lookupThreatIntel(ctx, event.EventID, ip)
		}()
		go func() {
			defer wg.Done()
			enr.Geo, outcomes[1] = o.lookupGeo(ctx, event.EventID, ip)
		}()
	} else {
		outcomes[0] = schema.LookupOutcome{Lookup: LookupThreatIntel, Status: schema.LookupSkipped}
		outcomes[1] = schema.LookupOutcome{Lookup: LookupGeo, Status: schema.LookupSkipped}
	}

	if resourceID != "" && resourceType != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			enr.AssetContext, outcomes[2] = o.lookupAsset(ctx, event.EventID, resourceID, resourceType)
		}()
	} else {
		outcomes[2] = schema.LookupOutcome{Lookup: LookupAsset, Status: schema.LookupSkipped}
	}

	wg.Wait()

	populated := 0
	if enr.ThreatIntel != nil {
		populated++
	}
	if enr.Geo != nil {
		populated++
	}
	if enr.AssetContext != nil {
		populated++
	}

	enr.Metadata = schema.EnrichmentMetadata{
		EnrichedAt:      o.now().UTC(),
		PipelineVersion: o.config.PipelineVersion,
		Populated:       populated,
		Lookups:         outcomes[:],
	}
	return enr
}

func (o *Orchestrator) lookupThreatIntel(ctx context.Context, eventID, ip string) (*schema.ThreatIntel, schema.LookupOutcome) {
	start := time.Now()
	ti, err := callWithTimeout(ctx, o.config.LookupTimeout, func(ctx context.Context) (*schema.ThreatIntel, error) {
		if o.intel == nil {
			return nil, ErrNoProvider
		}
		return o.intel.LookupReputation(ctx, ip)
	})
	if err == nil {
		err = o.validator.ValidateThreatIntel(ti)
	}
	if err != nil {
		return FallbackThreatIntel(), o.fallback(eventID, LookupThreatIntel, start, err)
	}
	out := *ti
	if out.Feeds == nil {
		out.Feeds = []string{}
	}
	return &out, succeeded(LookupThreatIntel, start)
}

func (o *Orchestrator) lookupGeo(ctx context.Context, eventID, ip string) (*schema.Geo, schema.LookupOutcome) {
	start := time.Now()
	geo, err := callWithTimeout(ctx, o.config.LookupTimeout, func(ctx context.Context) (*schema.Geo, error) {
		if o.geo == nil {
			return nil, ErrNoProvider
		}
		return o.geo.LookupLocation(ctx, ip)
	})
	var out schema.Geo
	if err == nil && geo != nil {
		// Providers disagree on case; the validator and risk lists use upper case.
		out = *geo
		out.CountryCode = strings.ToUpper(strings.TrimSpace(out.CountryCode))
		geo = &out
	}
	if err == nil {
		err = o.validator.ValidateGeo(geo)
	}
	if err != nil {
		return FallbackGeo(), o.fallback(eventID, LookupGeo, start, err)
	}
	return &out, succeeded(LookupGeo, start)
}

func (o *Orchestrator) lookupAsset(ctx context.Context, eventID, resourceID, resourceType string) (*schema.AssetContext, schema.LookupOutcome) {
	start := time.Now()
	ac, err := callWithTimeout(ctx, o.config.LookupTimeout, func(ctx context.Context) (*schema.AssetContext, error) {
		if o.asset == nil {
			return nil, ErrNoProvider
		}
		return o.asset.LookupContext(ctx, resourceID, resourceType)
	})
	if err == nil {
		err = o.validator.ValidateAssetContext(ac)
	}
	if err != nil {
		return FallbackAssetContext(), o.fallback(eventID, LookupAsset, start, err)
	}
	out := *ac
	if out.Tags == nil {
		out.Tags = map[string]string{}
	}
	return &out, succeeded(LookupAsset, start)
}

func (o *Orchestrator) fallback(eventID, lookup string, start time.Time, err error) schema.LookupOutcome {
	perr := &ProviderError{Lookup: lookup, Err: err}
	o.logger.Warn("enrichment lookup fell back",
		"event_id", eventID,
		"lookup", lookup,
		"error", perr,
	)
	return schema.LookupOutcome{
		Lookup:   lookup,
		Status:   schema.LookupFallback,
		Duration: time.Since(start),
		Error:    err.Error(),
	}
}

func succeeded(lookup string, start time.Time) schema.LookupOutcome {
	return schema.LookupOutcome{
		Lookup:   lookup,
		Status:   schema.LookupOK,
		Duration: time.Since(start),
	}
}

type result[T any] struct {
	val T
	err error
}

// callWithTimeout runs fn with a bounded deadline derived from ctx. A timeout
// or cancellation is returned as an error even if fn ignores its context.
// Panics inside fn are returned as errors.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		var r result[T]
		defer func() {
			if p := recover(); p != nil {
				r.err = fmt.Errorf("provider panic: %v", p)
			}
			done <- r
		}()
		r.val, r.err = fn(ctx)
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
