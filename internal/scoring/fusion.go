// Package scoring combines feature extraction, the rule engine and the model
// into a single scoring result per event.
package scoring

import "math"

// Fusion weights.
const (
	ModelWeight = 0.7
	RuleWeight  = 0.3
)

// Fuse blends the model and rule scores into the final integer risk score in
// [0,100]. It is the only place the two signals are combined.
func Fuse(modelScore float64, ruleScore int) int {
	s := math.Min(modelScore*ModelWeight+float64(ruleScore)*RuleWeight, 100)
	if math.IsNaN(s) || s < 0 {
		return 0
	}
	return int(math.Floor(s))
}
