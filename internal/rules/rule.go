// Package rules evaluates the ordered, versioned rule table over a feature vector.
package rules

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MaxScore caps the sum of triggered rule points.
const MaxScore = 100

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// Operator compares a feature value with a condition value.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNe  Operator = "ne"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
)

var validOps = map[Operator]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
}

// Condition is one comparison over a named feature.
type Condition struct {
	Feature string   `yaml:"feature" json:"feature"`
	Op      Operator `yaml:"op" json:"op"`
	Value   float64  `yaml:"value" json:"value"`
}

// Rule awards Points when all of its conditions hold.
type Rule struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Points      int         `yaml:"points" json:"points"`
	Conditions  []Condition `yaml:"conditions" json:"conditions"`
}

// RuleSet is a versioned, ordered rule table. Order is evaluation order.
type RuleSet struct {
	Version string `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// Validate validates a condition.
func (c *Condition) Validate() error {
	if c.Feature == "" {
		return fmt.Errorf("feature is required")
	}
	if c.Op == "" {
		return fmt.Errorf("op is required")
	}
	if !validOps[c.Op] {
		return fmt.Errorf("invalid op: %s", c.Op)
	}
	return nil
}

// Validate validates the rule.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Points < 0 || r.Points > MaxScore {
		return fmt.Errorf("rule %s: points must be between 0 and %d", r.Name, MaxScore)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %s: at least one condition is required", r.Name)
	}
	for i := range r.Conditions {
		if err := r.Conditions[i].Validate(); err != nil {
			return fmt.Errorf("rule %s: condition %d: %w", r.Name, i, err)
		}
	}
	return nil
}

// Validate validates the rule set.
func (rs *RuleSet) Validate() error {
	if rs.Version == "" {
		return fmt.Errorf("rule set version is required")
	}
	if len(rs.Rules) == 0 {
		return fmt.Errorf("rule set has no rules")
	}
	seen := make(map[string]bool, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate rule name: %s", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// ParseRuleSet parses and validates a rule set from YAML bytes.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rule set: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule set: %w", err)
	}
	return &rs, nil
}

// LoadRuleSet reads a rule set from path. An empty path returns the built-in table.
func LoadRuleSet(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRuleSet()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule set: %w", err)
	}
	return ParseRuleSet(data)
}

// DefaultRuleSet returns the built-in rule table.
func DefaultRuleSet() (*RuleSet, error) {
	return ParseRuleSet(defaultRulesYAML)
}
