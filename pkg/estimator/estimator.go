// Package estimator attaches confidence intervals to sketch estimates.
package estimator

import (
	"math"
)

// CIResult contains confidence interval metadata.
type CIResult struct {
	Estimate        float64 `json:"estimate"`
	StdError        float64 `json:"std_error"`
	ConfidenceLevel float64 `json:"confidence_level"`
	Lower           float64 `json:"ci_low"`
	Upper           float64 `json:"ci_high"`
	RelativeError   float64 `json:"relative_error"`
}

// ZScore returns z for a two-sided confidence level (e.g., 0.95 -> ~1.96).
func ZScore(confidence float64) float64 {
	switch {
	case math.Abs(confidence-0.90) < 1e-9:
		return 1.6448536269514722
	case math.Abs(confidence-0.95) < 1e-9:
		return 1.959963984540054
	case math.Abs(confidence-0.99) < 1e-9:
		return 2.5758293035489004
	default:
		// default to 95%
		return 1.959963984540054
	}
}

// CardinalityCI builds a normal-approximation interval around a distinct
// count estimate whose relative standard error is relStdErr. The lower
// bound never drops below zero.
func CardinalityCI(estimate, relStdErr, confidence float64) CIResult {
	se := estimate * relStdErr
	z := ZScore(confidence)
	return CIResult{
		Estimate:        estimate,
		StdError:        se,
		ConfidenceLevel: confidence,
		Lower:           math.Max(0, estimate-z*se),
		Upper:           estimate + z*se,
		RelativeError:   z * relStdErr,
	}
}
