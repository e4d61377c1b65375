// Package methods implements the eight pure statistical detection
// functions. Each is a pure function over an aggregated input (a monthly
// series or a 2x2 contingency table) and never touches the store, the
// clock, or request thresholds — classification against thresholds is
// internal/classifier's job, kept separate per the "method polymorphism"
// design note: one function per method, keyed by types.SignalMethod, not
// an inheritance hierarchy.
package methods

import "math"

// MonthlyCount is one zero-filled bucket of a contiguous monthly series,
// as produced by internal/aggregator.
type MonthlyCount struct {
	Month string
	Count int
}

// meanStd computes the sample mean and Bessel-corrected sample standard
// deviation of xs via Welford's online algorithm, grounded on the
// inter-arrival-time variance accumulator in leitfader-RFGuard's
// internal/engine/window.go, adapted here from a time-delta series to a
// monthly count series and corrected for sample (n-1) rather than
// population (n) variance.
func meanStd(xs []int) (mean, std float64) {
	var n int
	var m2 float64
	for _, x := range xs {
		n++
		v := float64(x)
		diff := v - mean
		mean += diff / float64(n)
		m2 += diff * (v - mean)
	}
	if n < 2 {
		return mean, 0
	}
	return mean, math.Sqrt(m2 / float64(n-1))
}

// ZScoreDetails is the raw (pre-classification) output of ZScore.
type ZScoreDetails struct {
	AvgMonthly  float64
	StdMonthly  float64
	LatestMonth string
	Series      []MonthlyCount
}

// ZScore computes (x_target - mean) / std over the baseline, where the
// baseline is every month except the target month. comparisonMonth, if
// non-empty, names the target month ("YYYY-MM"); otherwise the target is
// the last bucket in series. Returns a nil value when std is zero or the
// series has fewer than 3 months — the caller (classifier) treats that as
// "not a signal", never as an error.
func ZScore(series []MonthlyCount, comparisonMonth string) (*float64, ZScoreDetails) {
	details := ZScoreDetails{Series: series}
	if len(series) == 0 {
		return nil, details
	}
	details.LatestMonth = series[len(series)-1].Month

	targetIdx := len(series) - 1
	if comparisonMonth != "" {
		for i, m := range series {
			if m.Month == comparisonMonth {
				targetIdx = i
				break
			}
		}
	}

	if len(series) < 3 {
		return nil, details
	}

	baseline := make([]int, 0, len(series)-1)
	for i, m := range series {
		if i == targetIdx {
			continue
		}
		baseline = append(baseline, m.Count)
	}

	mean, std := meanStd(baseline)
	details.AvgMonthly = mean
	details.StdMonthly = std
	if std == 0 {
		return nil, details
	}

	value := (float64(series[targetIdx].Count) - mean) / std
	return &value, details
}

// RollingDetails is the raw output of Rolling.
type RollingDetails struct {
	RollingAvg   float64
	RollingStd   float64
	Latest       float64
	WindowMonths int
	Series       []MonthlyCount
}

// Rolling computes deviation of the latest month from the mean/std of the
// `window` months immediately preceding it. Requires at least window+1
// months of history.
func Rolling(series []MonthlyCount, window int) (*float64, RollingDetails) {
	details := RollingDetails{WindowMonths: window, Series: series}
	if len(series) < window+1 {
		return nil, details
	}

	latest := series[len(series)-1]
	details.Latest = float64(latest.Count)

	baseline := series[len(series)-1-window : len(series)-1]
	counts := make([]int, len(baseline))
	for i, m := range baseline {
		counts[i] = m.Count
	}
	mean, std := meanStd(counts)
	details.RollingAvg = mean
	details.RollingStd = std
	if std == 0 {
		return nil, details
	}

	value := (details.Latest - mean) / std
	return &value, details
}

// CUSUMDetails is the raw output of CUSUM.
type CUSUMDetails struct {
	Mean         float64
	Std          float64
	ControlLimit float64
	Series       []CUSUMPoint
}

// CUSUMPoint is one bucket of the cumulative-sum series.
type CUSUMPoint struct {
	Month string
	CUSUM float64
	Count int
}

// CUSUM implements the one-sided cumulative sum control procedure: target
// mean is the mean of all but the last month, slack k = 0.5*std, control
// limit h = 4*std (both computed over the same baseline). Returns the
// running maximum of S_t as the reported value.
func CUSUM(series []MonthlyCount) (*float64, CUSUMDetails) {
	details := CUSUMDetails{}
	if len(series) < 3 {
		return nil, details
	}

	baseline := make([]int, len(series)-1)
	for i := 0; i < len(series)-1; i++ {
		baseline[i] = series[i].Count
	}
	mean, std := meanStd(baseline)
	details.Mean = mean
	details.Std = std
	if std == 0 {
		zero := 0.0
		return &zero, details
	}

	k := 0.5 * std
	controlLimit := 4 * std
	details.ControlLimit = controlLimit

	var s, maxS float64
	points := make([]CUSUMPoint, 0, len(series))
	for _, m := range series {
		s = math.Max(0, s+float64(m.Count)-mean-k)
		if s > maxS {
			maxS = s
		}
		points = append(points, CUSUMPoint{Month: m.Month, CUSUM: s, Count: m.Count})
	}
	details.Series = points

	return &maxS, details
}

// ChangeDetails is the raw output of ChangePct.
type ChangeDetails struct {
	CurrentPeriod    int
	ComparisonPeriod int
}

// ChangePct computes the percentage change used by both YoY and PoP:
// 100*(current-comparison)/max(comparison,1). Returns nil when the
// comparison period is empty but the current period is not — an undefined
// ratio, not a signal — per spec.
func ChangePct(current, comparison int) (*float64, ChangeDetails) {
	details := ChangeDetails{CurrentPeriod: current, ComparisonPeriod: comparison}
	if comparison == 0 && current > 0 {
		return nil, details
	}
	denom := comparison
	if denom < 1 {
		denom = 1
	}
	value := 100 * float64(current-comparison) / float64(denom)
	return &value, details
}

// DisproportionalityDetails is the raw 2x2 table behind PRR/ROR/EBGM.
type DisproportionalityDetails struct {
	A, B, C, D int
}

// logCI95 returns the 95% confidence interval for a log-transformed ratio
// given its point estimate and the standard error of its log.
func logCI95(ratio, seLog float64) (lower, upper float64) {
	logRatio := math.Log(ratio)
	lower = math.Exp(logRatio - 1.96*seLog)
	upper = math.Exp(logRatio + 1.96*seLog)
	return lower, upper
}

// PRR computes the Proportional Reporting Ratio and its 95% CI. Returns
// ok=false when a < 3 or either marginal is zero — the contract requires
// the classifier to treat that as "not computable", not a signal.
func PRR(a, b, c, d int) (value, lowerCI, upperCI *float64, details DisproportionalityDetails, ok bool) {
	details = DisproportionalityDetails{A: a, B: b, C: c, D: d}
	if a < 3 || (a+b) == 0 || (c+d) == 0 {
		return nil, nil, nil, details, false
	}
	pEntity := float64(a) / float64(a+b)
	pOthers := float64(c) / float64(c+d)
	if pOthers == 0 {
		return nil, nil, nil, details, false
	}
	prr := pEntity / pOthers
	seLog := math.Sqrt(1/float64(a) - 1/float64(a+b) + 1/float64(c) - 1/float64(c+d))
	lower, upper := logCI95(prr, seLog)
	return &prr, &lower, &upper, details, true
}

// ROR computes the Reporting Odds Ratio and its 95% CI. Returns ok=false
// when a < 3 or any of b, c, d is zero.
func ROR(a, b, c, d int) (value, lowerCI, upperCI *float64, details DisproportionalityDetails, ok bool) {
	details = DisproportionalityDetails{A: a, B: b, C: c, D: d}
	if a < 3 || b == 0 || c == 0 || d == 0 {
		return nil, nil, nil, details, false
	}
	ror := float64(a*d) / float64(b*c)
	seLog := math.Sqrt(1/float64(a) + 1/float64(b) + 1/float64(c) + 1/float64(d))
	lower, upper := logCI95(ror, seLog)
	return &ror, &lower, &upper, details, true
}

// EBGMDetails is the raw output of EBGM.
type EBGMDetails struct {
	Observed int
	Expected float64
	RR       float64
}

// EBGM computes the simplified Empirical Bayes Geometric Mean
// shrinkage estimate and its EB05 lower bound. The lower bound is the 5th
// percentile of a Gamma(shape=a+0.5, rate=expected+0.5) distribution,
// approximated via the Wilson-Hilferty cube-root normal approximation —
// see wilsonHilferty below. Returns ok=false when the expected count is
// undefined (empty population or empty marginal).
func EBGM(a, b, c, d int) (value, eb05 *float64, details EBGMDetails, ok bool) {
	total := a + b + c + d
	if total == 0 || (a+b) == 0 || (a+c) == 0 {
		return nil, nil, EBGMDetails{}, false
	}
	expected := float64(a+b) * float64(a+c) / float64(total)
	if expected == 0 {
		return nil, nil, EBGMDetails{}, false
	}
	rr := float64(a) / expected
	ebgm := (float64(a) + 0.5) / (expected + 0.5)
	lower := wilsonHilferty(0.05, float64(a)+0.5, expected+0.5)
	details = EBGMDetails{Observed: a, Expected: expected, RR: rr}
	return &ebgm, &lower, details, true
}

// wilsonHilferty approximates the quantile function of a Gamma(shape,
// rate) distribution at probability p, using the classic cube-root normal
// (Wilson-Hilferty) approximation: for X ~ Gamma(k, theta=1/rate),
// (rate*X/k)^(1/3) is approximately normal with mean 1 - 1/(9k) and variance
// 1/(9k). This is the standard non-scipy substitute for gamma.ppf and is
// accurate to within a few percent for the shape values this engine sees
// (a+0.5 >= 0.5).
func wilsonHilferty(p, shape, rate float64) float64 {
	z := probitApprox(p)
	g := 1 - 1/(9*shape) + z*math.Sqrt(1/(9*shape))
	if g < 0 {
		g = 0
	}
	x := shape * g * g * g
	return x / rate
}

// probitApprox returns the standard normal quantile (inverse CDF) at p,
// computed as sqrt(2)*erfinv(2p-1) with Go's math.Erfinv.
func probitApprox(p float64) float64 {
	return math.Sqrt2 * math.Erfinv(2*p-1)
}
