// Package classifier assigns signal_strength/is_signal to a raw method
// result against a Thresholds table, and merges per-method strengths into
// an entity's overall signal_type. It never computes a statistic itself —
// that split mirrors the boundary between C4 (pure math) and C5
// (classification) the rest of the engine relies on.
package classifier

import "github.com/signaldetect/maude/internal/types"

// ClassifyZScore applies the documented zscore/rolling cutoffs: high above
// the high threshold, elevated above the elevated threshold, else normal.
// A nil value (not enough data, or zero variance) is never a signal.
func ClassifyZScore(value *float64, t types.Thresholds) (isSignal bool, strength types.SignalStrength) {
	return classifyAboveThreshold(value, t.ZScoreElevated, t.ZScoreHigh)
}

// ClassifyCUSUM applies the fixed cutoffs spec'd for the cumulative-sum
// value itself: elevated above 3.0, high above 5.0.
func ClassifyCUSUM(value *float64) (isSignal bool, strength types.SignalStrength) {
	return classifyAboveThreshold(value, 3.0, 5.0)
}

// ClassifyChangePct applies the documented percentage-change cutoffs,
// gated on the current period's count clearing minEvents — a single-month
// spike below the noise floor is never classified as a signal regardless
// of its percentage.
func ClassifyChangePct(value *float64, currentPeriod, minEvents int, t types.Thresholds) (isSignal bool, strength types.SignalStrength) {
	if currentPeriod < minEvents {
		return false, types.StrengthNormal
	}
	return classifyAboveThreshold(value, t.ChangePctElevated, t.ChangePctHigh)
}

// ClassifyRatio applies the PRR/ROR gating rule: high at >= 3.0, elevated
// at >= the request's threshold (default 2.0), both additionally gated on
// lowerCI >= 1.0 and the observed count a >= 3 — an elevated point
// estimate whose interval still straddles 1.0, or that rests on fewer
// than 3 observed events, is never a signal.
func ClassifyRatio(value, lowerCI *float64, a int, threshold float64, ok bool) (isSignal bool, strength types.SignalStrength) {
	if !ok || value == nil || lowerCI == nil {
		return false, types.StrengthNormal
	}
	if a < 3 || *lowerCI < 1.0 {
		return false, types.StrengthNormal
	}
	switch {
	case *value >= 3.0:
		return true, types.StrengthHigh
	case *value >= threshold:
		return true, types.StrengthElevated
	default:
		return false, types.StrengthNormal
	}
}

// ClassifyEBGM applies the same shape as ClassifyRatio but gated on
// EB05 >= 1.0 rather than a log-normal lower CI: high at EBGM >= 3.0,
// elevated at EBGM >= 2.0, both requiring the shrinkage estimate's 5th
// percentile to clear 1.0.
func ClassifyEBGM(value, eb05 *float64, ok bool) (isSignal bool, strength types.SignalStrength) {
	if !ok || value == nil || eb05 == nil || *eb05 < 1.0 {
		return false, types.StrengthNormal
	}
	switch {
	case *value >= 3.0:
		return true, types.StrengthHigh
	case *value >= 2.0:
		return true, types.StrengthElevated
	default:
		return false, types.StrengthNormal
	}
}

// classifyAboveThreshold is the shared two-tier cutoff used by every
// method whose strength is driven by a single scalar value.
func classifyAboveThreshold(value *float64, elevated, high float64) (bool, types.SignalStrength) {
	if value == nil {
		return false, types.StrengthNormal
	}
	switch {
	case *value > high:
		return true, types.StrengthHigh
	case *value > elevated:
		return true, types.StrengthElevated
	default:
		return false, types.StrengthNormal
	}
}

// OverallStrength merges the per-method signal strengths of one entity
// into a single signal_type, using SignalStrength.Max — high beats
// elevated beats normal — mirroring the original analyzer's
// _determine_overall_signal.
func OverallStrength(results []types.MethodResult) types.SignalStrength {
	overall := types.StrengthNormal
	for _, r := range results {
		overall = overall.Max(r.SignalStrength)
	}
	return overall
}
