package scoring

import (
	"fmt"
	"log/slog"
	"time"

	"secureops/internal/features"
	"secureops/internal/model"
	"secureops/internal/rules"
	"secureops/internal/schema"
)

// Values used when feature extraction or prediction cannot complete.
const (
	DegradedModelScore = 50.0
	DegradedConfidence = 0.1
)

// Scorer produces a ScoringResult for an enriched event. It is stateless and
// safe for concurrent use.
type Scorer struct {
	extractor *features.Extractor
	engine    *rules.Engine
	model     model.Model
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scorer) {
		s.logger = logger
	}
}

// WithClock sets the clock used for scored_at.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) {
		s.now = now
	}
}

// NewScorer creates a scorer.
func NewScorer(extractor *features.Extractor, engine *rules.Engine, m model.Model, opts ...Option) *Scorer {
	s := &Scorer{
		extractor: extractor,
		engine:    engine,
		model:     m,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score extracts features, evaluates rules and the model, and fuses them.
// If extraction or prediction fails the model contribution falls back to
// neutral values and the rules run on an empty feature set.
func (s *Scorer) Score(event *schema.NormalizedEvent, enr *schema.Enrichment) schema.ScoringResult {
	degraded := false

	fv, err := s.extract(event, enr)
	var pred model.Prediction
	if err == nil {
		pred, err = s.predict(fv)
	}
	if err != nil {
		degraded = true
		fv = features.FeatureVector{}
		pred = model.Prediction{Score: DegradedModelScore, Confidence: DegradedConfidence}
		s.logger.Warn("scoring degraded", "event_id", eventID(event), "error", err)
	}

	eval := s.engine.Evaluate(fv)

	return schema.ScoringResult{
		ModelScore:     pred.Score,
		RuleScore:      eval.Score,
		FinalScore:     Fuse(pred.Score, eval.Score),
		Confidence:     pred.Confidence,
		TriggeredRules: eval.Triggered,
		ModelVersion:   s.model.Version(),
		RulesVersion:   s.engine.Version(),
		DegradedRules:  eval.Degraded,
		Degraded:       degraded,
		ScoredAt:       s.now().UTC(),
	}
}

func (s *Scorer) extract(event *schema.NormalizedEvent, enr *schema.Enrichment) (fv features.FeatureVector, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("feature extraction panic: %v", p)
		}
	}()
	return s.extractor.Extract(event, enr), nil
}

func (s *Scorer) predict(fv features.FeatureVector) (pred model.Prediction, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("model panic: %v", p)
		}
	}()
	pred, err = s.model.Predict(fv)
	if err != nil {
		return model.Prediction{}, fmt.Errorf("model prediction failed: %w", err)
	}
	return pred, nil
}

func eventID(event *schema.NormalizedEvent) string {
	if event == nil {
		return ""
	}
	return event.EventID
}
