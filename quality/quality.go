// Package quality computes composite quality scores for stored code
// patterns from weighted sub-metrics, and derives cheap static metrics
// (cyclomatic complexity, documentation coverage) from raw code text.
package quality

// Sub-metric weights. They sum to 1.0 so a fully-specified input maps
// [0,10] sub-metrics onto a [0,10] composite.
const (
	weightCorrectness     = 0.25
	weightPerformance     = 0.20
	weightCodeQuality     = 0.20
	weightDocumentation   = 0.15
	weightMaintainability = 0.20
)

// Neutral is the score assumed for a sub-metric that was not supplied.
// Partial metadata is expected at storage time, so missing values must
// not fail scoring.
const Neutral = 5.0

// Metrics holds the sub-metric inputs for a composite score.
// Each field is optional; nil means "not measured" and scores as Neutral.
type Metrics struct {
	Correctness     *float64 `json:"correctness,omitempty"`
	Performance     *float64 `json:"performance,omitempty"`
	CodeQuality     *float64 `json:"code_quality,omitempty"`
	Documentation   *float64 `json:"documentation,omitempty"`
	Maintainability *float64 `json:"maintainability,omitempty"`
}

// Empty reports whether no sub-metric was supplied at all.
func (m Metrics) Empty() bool {
	return m.Correctness == nil && m.Performance == nil && m.CodeQuality == nil &&
		m.Documentation == nil && m.Maintainability == nil
}

// Score computes the weighted composite quality score.
// Every sub-metric is clamped to [0,10] before weighting and the
// result is clamped to [0,10].
func Score(m Metrics) float64 {
	score := weightCorrectness*metric(m.Correctness) +
		weightPerformance*metric(m.Performance) +
		weightCodeQuality*metric(m.CodeQuality) +
		weightDocumentation*metric(m.Documentation) +
		weightMaintainability*metric(m.Maintainability)
	return clamp(score, 0, 10)
}

// F is a convenience for building Metrics literals.
func F(v float64) *float64 { return &v }

func metric(v *float64) float64 {
	if v == nil {
		return Neutral
	}
	return clamp(*v, 0, 10)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
