package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"secureops/internal/features"
)

var (
	// ErrNonFinite is reported when a condition reads a NaN or infinite feature.
	ErrNonFinite = errors.New("non-finite feature value")
	// ErrUnknownOperator is reported for an operator the engine cannot evaluate.
	ErrUnknownOperator = errors.New("unknown operator")
)

// EvaluationError reports a rule that could not be evaluated.
type EvaluationError struct {
	Rule string
	Err  error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.Rule, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Evaluation is the outcome of running the rule table once.
type Evaluation struct {
	Score     int
	Triggered []string
	Degraded  int
	Errors    []error
}

// Engine evaluates a rule set. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	version string
	rules   []Rule
	logger  *slog.Logger
}

// NewEngine creates an engine over a validated copy of rs.
func NewEngine(rs *RuleSet, logger *slog.Logger) (*Engine, error) {
	if rs == nil {
		return nil, fmt.Errorf("rule set is required")
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	rules := make([]Rule, len(rs.Rules))
	for i, r := range rs.Rules {
		r.Conditions = append([]Condition(nil), r.Conditions...)
		rules[i] = r
	}

	return &Engine{
		version: rs.Version,
		rules:   rules,
		logger:  logger,
	}, nil
}

// Version returns the rule set version.
func (e *Engine) Version() string {
	return e.version
}

// Rules returns a copy of the rule table in evaluation order.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate runs every rule in order. Rules are independent: one that fails to
// evaluate is skipped and counted in Degraded, and the others still score.
func (e *Engine) Evaluate(fv features.FeatureVector) Evaluation {
	eval := Evaluation{Triggered: []string{}}
	total := 0

	for i := range e.rules {
		r := &e.rules[i]
		matched, err := e.match(r, fv)
		if err != nil {
			eval.Degraded++
			eval.Errors = append(eval.Errors, err)
			e.logger.Warn("rule evaluation failed", "rule", r.Name, "error", err)
			continue
		}
		if matched {
			total += r.Points
			eval.Triggered = append(eval.Triggered, r.Name)
		}
	}

	eval.Score = min(total, MaxScore)
	return eval
}

func (e *Engine) match(r *Rule, fv features.FeatureVector) (matched bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			matched = false
			err = &EvaluationError{Rule: r.Name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	for _, c := range r.Conditions {
		ok, err := c.Match(fv[c.Feature])
		if err != nil {
			return false, &EvaluationError{Rule: r.Name, Err: fmt.Errorf("%s: %w", c.Feature, err)}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Match compares v against the condition. Absent features read as 0.
func (c *Condition) Match(v float64) (bool, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false, ErrNonFinite
	}
	switch c.Op {
	case OpEq:
		return v == c.Value, nil
	case OpNe:
		return v != c.Value, nil
	case OpGt:
		return v > c.Value, nil
	case OpGte:
		return v >= c.Value, nil
	case OpLt:
		return v < c.Value, nil
	case OpLte:
		return v <= c.Value, nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnknownOperator, c.Op)
}
