// Package model provides the pluggable statistical scoring strategy and the
// default fixed-weight linear model.
package model

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"secureops/internal/features"
)

// ErrNonFiniteFeature is returned when a weighted feature is NaN or infinite.
var ErrNonFiniteFeature = errors.New("non-finite feature value")

// Neutral values used when nothing can be said about an event.
const (
	NeutralProbability = 0.5
	baseConfidence     = 0.3
	completenessWeight = 0.7
)

//go:embed default_weights.yaml
var defaultWeightsYAML []byte

// Prediction is a model output. Score is in [0,100]; Confidence in [0,1] is a
// feature-completeness heuristic, not a statistical interval.
type Prediction struct {
	Score      float64
	Confidence float64
}

// Model scores a feature vector.
type Model interface {
	Predict(fv features.FeatureVector) (Prediction, error)
	Version() string
}

// Weight is one entry of the weight table.
type Weight struct {
	Feature string  `yaml:"feature" json:"feature"`
	Weight  float64 `yaml:"weight" json:"weight"`
}

// WeightTable is a versioned list of feature weights.
type WeightTable struct {
	Version string   `yaml:"version" json:"version"`
	Weights []Weight `yaml:"weights" json:"weights"`
}

// Validate validates the weight table.
func (wt *WeightTable) Validate() error {
	if wt.Version == "" {
		return fmt.Errorf("weight table version is required")
	}
	if len(wt.Weights) == 0 {
		return fmt.Errorf("weight table has no weights")
	}
	seen := make(map[string]bool, len(wt.Weights))
	for i, w := range wt.Weights {
		if w.Feature == "" {
			return fmt.Errorf("weight %d: feature is required", i)
		}
		if math.IsNaN(w.Weight) || math.IsInf(w.Weight, 0) {
			return fmt.Errorf("weight %s: must be finite", w.Feature)
		}
		if seen[w.Feature] {
			return fmt.Errorf("duplicate weight for feature: %s", w.Feature)
		}
		seen[w.Feature] = true
	}
	return nil
}

// ParseWeightTable parses and validates a weight table from YAML bytes.
func ParseWeightTable(data []byte) (*WeightTable, error) {
	var wt WeightTable
	if err := yaml.Unmarshal(data, &wt); err != nil {
		return nil, fmt.Errorf("failed to parse weight table: %w", err)
	}
	if err := wt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid weight table: %w", err)
	}
	return &wt, nil
}

// LoadWeightTable reads a weight table from path. An empty path returns the
// built-in table.
func LoadWeightTable(path string) (*WeightTable, error) {
	if path == "" {
		return DefaultWeightTable()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weight table: %w", err)
	}
	return ParseWeightTable(data)
}

// DefaultWeightTable returns the built-in weight table.
func DefaultWeightTable() (*WeightTable, error) {
	return ParseWeightTable(defaultWeightsYAML)
}

// LinearModel is a fixed linear combination of features passed through a sigmoid.
type LinearModel struct {
	version string
	weights []Weight
}

// NewLinearModel creates a model over a copy of wt.
func NewLinearModel(wt *WeightTable) (*LinearModel, error) {
	if wt == nil {
		return nil, fmt.Errorf("weight table is required")
	}
	if err := wt.Validate(); err != nil {
		return nil, err
	}
	return &LinearModel{
		version: wt.Version,
		weights: append([]Weight(nil), wt.Weights...),
	}, nil
}

// Version returns the weight table version.
func (m *LinearModel) Version() string {
	return m.version
}

// Weights returns a copy of the weight table in evaluation order.
func (m *LinearModel) Weights() []Weight {
	return append([]Weight(nil), m.weights...)
}

// Predict sums value*weight over the weighted features present in fv, scales
// the sum by the number of matched weights and maps it through a sigmoid.
// With no matched weight the probability is exactly 0.5.
func (m *LinearModel) Predict(fv features.FeatureVector) (Prediction, error) {
	var (
		raw  float64
		used int
	)
	for _, w := range m.weights {
		v, ok := fv[w.Feature]
		if !ok {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Prediction{}, fmt.Errorf("%w: %s", ErrNonFiniteFeature, w.Feature)
		}
		raw += v * w.Weight
		used++
	}

	p := NeutralProbability
	if used > 0 {
		normalized := raw / math.Max(float64(used)*0.1, 1.0)
		p = sigmoid(normalized)
	}

	return Prediction{
		Score:      p * 100,
		Confidence: Confidence(fv),
	}, nil
}

// Confidence is 0.3 plus 0.7 times the share of non-zero features, capped at 1.
func Confidence(fv features.FeatureVector) float64 {
	if len(fv) == 0 {
		return baseConfidence
	}
	nonZero := 0
	for _, v := range fv {
		if v != 0 {
			nonZero++
		}
	}
	return math.Min(baseConfidence+completenessWeight*float64(nonZero)/float64(len(fv)), 1.0)
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
