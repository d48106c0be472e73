package model

import (
	"errors"
	"math"
	"testing"

	"secureops/internal/features"
)

func newDefaultModel(t *testing.T) *LinearModel {
	t.Helper()
	wt, err := DefaultWeightTable()
	if err != nil {
		t.Fatalf("DefaultWeightTable() error = %v", err)
	}
	m, err := NewLinearModel(wt)
	if err != nil {
		t.Fatalf("NewLinearModel() error = %v", err)
	}
	return m
}

func scenarioFeatures() features.FeatureVector {
	return features.FeatureVector{
		features.ASN:                13335,
		features.IsHighRiskCountry:  0,
		features.RepScore:           0.9,
		features.IsMalicious:        1,
		features.IsSuspicious:       0,
		features.AssetCriticality:   1,
		features.IsProdEnvironment:  1,
		features.HourOfDay:          2.0 / 24,
		features.DayOfWeek:          2.0 / 7,
		features.IsWeekend:          0,
		features.IsBusinessHours:    0,
		features.IsLoginAction:      1,
		features.IsFailedAction:     1,
		features.IsAdminAction:      1,
		features.IsCriticalResource: 1,
		features.SeverityHint:       1,
	}
}

func TestDefaultWeightTable(t *testing.T) {
	m := newDefaultModel(t)

	if m.Version() != "1.0.0" {
		t.Errorf("Version() = %s, want 1.0.0", m.Version())
	}
	weights := m.Weights()
	if len(weights) != 11 {
		t.Fatalf("len(Weights) = %d, want 11", len(weights))
	}
	for _, w := range weights {
		if w.Feature == features.IsBusinessHours && w.Weight >= 0 {
			t.Errorf("is_business_hours weight = %v, want negative", w.Weight)
		}
	}
}

func TestLinearModel_Predict(t *testing.T) {
	m := newDefaultModel(t)

	p, err := m.Predict(scenarioFeatures())
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}

	want := 100 / (1 + math.Exp(-2.07/1.1))
	if math.Abs(p.Score-want) > 1e-9 {
		t.Errorf("Score = %v, want %v", p.Score, want)
	}
	if math.Abs(p.Confidence-0.825) > 1e-9 {
		t.Errorf("Confidence = %v, want 0.825", p.Confidence)
	}
}

func TestLinearModel_NeutralPrior(t *testing.T) {
	m := newDefaultModel(t)

	tests := []struct {
		name string
		fv   features.FeatureVector
	}{
		{"empty", features.FeatureVector{}},
		{"only unweighted", features.FeatureVector{features.ASN: 64512, features.HourOfDay: 0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := m.Predict(tt.fv)
			if err != nil {
				t.Fatalf("Predict() error = %v", err)
			}
			if p.Score != 50 {
				t.Errorf("Score = %v, want exactly 50", p.Score)
			}
		})
	}

	p, _ := m.Predict(features.FeatureVector{})
	if p.Confidence != 0.3 {
		t.Errorf("Confidence(empty) = %v, want 0.3", p.Confidence)
	}
}

func TestLinearModel_BusinessHoursLowersScore(t *testing.T) {
	m := newDefaultModel(t)

	p, err := m.Predict(features.FeatureVector{features.IsBusinessHours: 1})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if p.Score >= 50 {
		t.Errorf("Score = %v, want below 50", p.Score)
	}
}

func TestLinearModel_MonotonicInReputation(t *testing.T) {
	m := newDefaultModel(t)

	prev := -1.0
	for rep := 0.0; rep <= 1.0; rep += 0.05 {
		fv := scenarioFeatures()
		fv[features.RepScore] = rep

		p, err := m.Predict(fv)
		if err != nil {
			t.Fatalf("Predict() error = %v", err)
		}
		if p.Score < prev {
			t.Errorf("Score decreased from %v to %v at rep_score %v", prev, p.Score, rep)
		}
		prev = p.Score
	}
}

func TestLinearModel_Bounds(t *testing.T) {
	m := newDefaultModel(t)

	worst := features.FeatureVector{}
	for _, name := range features.Names {
		worst[name] = 1
	}
	worst[features.ASN] = 1e9

	p, err := m.Predict(worst)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if p.Score < 0 || p.Score > 100 {
		t.Errorf("Score = %v, want within [0,100]", p.Score)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		t.Errorf("Confidence = %v, want within [0,1]", p.Confidence)
	}
}

func TestLinearModel_NonFinite(t *testing.T) {
	m := newDefaultModel(t)

	_, err := m.Predict(features.FeatureVector{features.RepScore: math.NaN()})
	if !errors.Is(err, ErrNonFiniteFeature) {
		t.Errorf("Predict() error = %v, want ErrNonFiniteFeature", err)
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name string
		fv   features.FeatureVector
		want float64
	}{
		{"empty", features.FeatureVector{}, 0.3},
		{"all zero", features.FeatureVector{"a": 0, "b": 0}, 0.3},
		{"half", features.FeatureVector{"a": 1, "b": 0}, 0.65},
		{"all set", features.FeatureVector{"a": 1, "b": -1}, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Confidence(tt.fv); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Confidence() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseWeightTable_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing version", "weights:\n  - {feature: a, weight: 1}\n"},
		{"empty", "version: \"1\"\nweights: []\n"},
		{"duplicate", "version: \"1\"\nweights:\n  - {feature: a, weight: 1}\n  - {feature: a, weight: 2}\n"},
		{"missing feature", "version: \"1\"\nweights:\n  - {weight: 1}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseWeightTable([]byte(tt.yaml)); err == nil {
				t.Error("ParseWeightTable() expected error")
			}
		})
	}
}
