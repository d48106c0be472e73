// Package pipeline runs raw events through normalization, enrichment and
// scoring.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"secureops/internal/enrichment"
	"secureops/internal/features"
	"secureops/internal/model"
	"secureops/internal/normalize"
	"secureops/internal/rules"
	"secureops/internal/schema"
	"secureops/internal/scoring"
)

// Config holds pipeline configuration.
type Config struct {
	Version       string
	LookupTimeout time.Duration
	Concurrency   int
	Timezone      string
	RulesPath     string
	WeightsPath   string
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Version:       "1.0.0",
		LookupTimeout: 500 * time.Millisecond,
		Concurrency:   16,
		Timezone:      "UTC",
	}
}

// Providers are the enrichment backends. Any of them may be nil.
type Providers struct {
	ThreatIntel enrichment.ThreatIntelProvider
	Geo         enrichment.GeoProvider
	Asset       enrichment.AssetProvider
}

// Observer receives per-event outcomes.
type Observer interface {
	ObserveScored(event *schema.ScoredEvent, elapsed time.Duration)
	ObserveRejected(err error)
}

// Input is one raw event and its transport source IP.
type Input struct {
	Raw      schema.RawEvent
	SourceIP string
}

// Result is the outcome of processing one Input. Exactly one of Event and Err is set.
type Result struct {
	Event *schema.ScoredEvent
	Err   error
}

// Pipeline turns raw events into scored events. It keeps no per-event state
// and is safe for concurrent use.
type Pipeline struct {
	config     Config
	normalizer *normalize.Normalizer
	enricher   *enrichment.Orchestrator
	scorer     *scoring.Scorer
	engine     *rules.Engine
	model      model.Model
	location   *time.Location
	observer   Observer
	logger     *slog.Logger
}

type options struct {
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
	model    model.Model
}

// Option configures a Pipeline.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithObserver sets the outcome observer.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithClock sets the clock shared by every stage.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithModel replaces the weight-table model.
func WithModel(m model.Model) Option {
	return func(o *options) {
		o.model = m
	}
}

// New builds a pipeline, loading the rule and weight tables named in cfg or
// the built-in tables when the paths are empty.
func New(cfg Config, providers Providers, opts ...Option) (*Pipeline, error) {
	o := options{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid pipeline timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	rs, err := rules.LoadRuleSet(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	engine, err := rules.NewEngine(rs, o.logger)
	if err != nil {
		return nil, err
	}

	m := o.model
	if m == nil {
		wt, err := model.LoadWeightTable(cfg.WeightsPath)
		if err != nil {
			return nil, err
		}
		if m, err = model.NewLinearModel(wt); err != nil {
			return nil, err
		}
	}

	enricher := enrichment.NewOrchestrator(
		enrichment.Config{LookupTimeout: cfg.LookupTimeout, PipelineVersion: cfg.Version},
		providers.ThreatIntel, providers.Geo, providers.Asset,
		enrichment.WithLogger(o.logger),
		enrichment.WithClock(o.now),
	)

	extractor := features.NewExtractor(features.WithClock(o.now), features.WithLocation(loc))
	scorer := scoring.NewScorer(extractor, engine, m,
		scoring.WithLogger(o.logger),
		scoring.WithClock(o.now),
	)

	return &Pipeline{
		config:     cfg,
		normalizer: normalize.NewNormalizer(normalize.WithClock(o.now)),
		enricher:   enricher,
		scorer:     scorer,
		engine:     engine,
		model:      m,
		location:   loc,
		observer:   o.observer,
		logger:     o.logger,
	}, nil
}

// Normalize validates a raw event without enriching or scoring it.
func (p *Pipeline) Normalize(raw schema.RawEvent, sourceIP string) (*schema.NormalizedEvent, error) {
	event, err := p.normalizer.Normalize(raw, sourceIP)
	if err != nil {
		if p.observer != nil {
			p.observer.ObserveRejected(err)
		}
		return nil, err
	}
	return event, nil
}

// Process normalizes, enriches and scores one raw event. The only error it
// returns is a *schema.ValidationError.
func (p *Pipeline) Process(ctx context.Context, raw schema.RawEvent, sourceIP string) (*schema.ScoredEvent, error) {
	event, err := p.Normalize(raw, sourceIP)
	if err != nil {
		return nil, err
	}
	return p.ProcessNormalized(ctx, event), nil
}

// ProcessNormalized enriches and scores an already normalized event.
func (p *Pipeline) ProcessNormalized(ctx context.Context, event *schema.NormalizedEvent) *schema.ScoredEvent {
	start := time.Now()

	enr := p.enricher.Enrich(ctx, event)
	result := p.scorer.Score(event, &enr)

	scored := &schema.ScoredEvent{
		Event:      *event,
		Enrichment: enr,
		Scoring:    result,
	}

	elapsed := time.Since(start)
	if p.observer != nil {
		p.observer.ObserveScored(scored, elapsed)
	}
	p.logger.Debug("event scored",
		"event_id", event.EventID,
		"final_score", result.FinalScore,
		"rule_score", result.RuleScore,
		"model_score", result.ModelScore,
		"triggered", result.TriggeredRules,
		"duration", elapsed,
	)
	return scored
}

// ProcessBatch processes inputs concurrently, bounded by the configured
// concurrency. Results are returned in input order; a rejected event never
// affects its siblings.
func (p *Pipeline) ProcessBatch(ctx context.Context, inputs []Input) []Result {
	results := make([]Result, len(inputs))

	var g errgroup.Group
	g.SetLimit(p.config.Concurrency)

	for i, in := range inputs {
		g.Go(func() error {
			ev, err := p.Process(ctx, in.Raw, in.SourceIP)
			results[i] = Result{Event: ev, Err: err}
			return nil
		})
	}
	g.Wait()

	return results
}

// Rescore scores a previously scored event again with this pipeline's rule
// and weight tables. The stored enrichment is reused and temporal features
// are read at the original scoring time, so only table changes move the
// score. Providers are not called.
func (p *Pipeline) Rescore(prev *schema.ScoredEvent) schema.ScoringResult {
	at := prev.Scoring.ScoredAt
	if at.IsZero() {
		at = prev.Event.ReceivedAt
	}
	pinned := func() time.Time { return at }
	scorer := scoring.NewScorer(
		features.NewExtractor(features.WithClock(pinned), features.WithLocation(p.location)),
		p.engine, p.model,
		scoring.WithLogger(p.logger),
		scoring.WithClock(pinned),
	)
	event, enr := prev.Event, prev.Enrichment
	return scorer.Score(&event, &enr)
}

// Version returns the pipeline version stamped on enrichment metadata.
func (p *Pipeline) Version() string {
	return p.config.Version
}
