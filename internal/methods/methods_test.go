package methods

import (
	"math"
	"testing"
)

func series(counts ...int) []MonthlyCount {
	out := make([]MonthlyCount, len(counts))
	for i, c := range counts {
		out[i] = MonthlyCount{Month: monthName(i), Count: c}
	}
	return out
}

func monthName(i int) string {
	return []string{"2025-01", "2025-02", "2025-03", "2025-04", "2025-05", "2025-06",
		"2025-07", "2025-08", "2025-09", "2025-10", "2025-11", "2025-12"}[i%12]
}

func TestZScoreTooShort(t *testing.T) {
	value, _ := ZScore(series(1, 2), "")
	if value != nil {
		t.Fatalf("expected nil value for series shorter than 3 months, got %v", *value)
	}
}

func TestZScoreFlatSeriesIsNotASignal(t *testing.T) {
	value, details := ZScore(series(5, 5, 5, 5), "")
	if value != nil {
		t.Fatalf("expected nil value for zero-variance baseline, got %v", *value)
	}
	if details.StdMonthly != 0 {
		t.Fatalf("expected zero std, got %v", details.StdMonthly)
	}
}

func TestZScoreSpike(t *testing.T) {
	value, details := ZScore(series(2, 3, 2, 3, 20), "")
	if value == nil {
		t.Fatal("expected a value for a clear spike")
	}
	if *value <= 2 {
		t.Fatalf("expected a strongly positive z-score, got %v", *value)
	}
	if details.LatestMonth != "2025-05" {
		t.Fatalf("expected latest month to be the last bucket, got %v", details.LatestMonth)
	}
}

func TestRollingRequiresFullWindow(t *testing.T) {
	value, _ := Rolling(series(1, 2, 3), 3)
	if value != nil {
		t.Fatalf("expected nil when history shorter than window+1, got %v", *value)
	}
}

func TestRollingSpike(t *testing.T) {
	value, details := Rolling(series(4, 5, 4, 5, 30), 4)
	if value == nil {
		t.Fatal("expected a value")
	}
	if *value <= 0 {
		t.Fatalf("expected a positive deviation, got %v", *value)
	}
	if details.Latest != 30 {
		t.Fatalf("expected latest=30, got %v", details.Latest)
	}
}

func TestCUSUMDetectsSustainedDrift(t *testing.T) {
	value, details := CUSUM(series(5, 5, 5, 5, 5, 15, 15, 15))
	if value == nil {
		t.Fatal("expected a value")
	}
	if *value <= 0 {
		t.Fatalf("expected a positive cumulative sum, got %v", *value)
	}
	if details.ControlLimit <= 0 {
		t.Fatalf("expected a positive control limit, got %v", details.ControlLimit)
	}
}

func TestChangePctUndefinedWhenComparisonZero(t *testing.T) {
	value, _ := ChangePct(5, 0)
	if value != nil {
		t.Fatalf("expected nil when comparison is zero and current is positive, got %v", *value)
	}
}

func TestChangePctBothZero(t *testing.T) {
	value, _ := ChangePct(0, 0)
	if value == nil {
		t.Fatal("expected a defined value when both periods are zero")
	}
	if *value != 0 {
		t.Fatalf("expected 0, got %v", *value)
	}
}

func TestChangePctDoubling(t *testing.T) {
	value, _ := ChangePct(20, 10)
	if value == nil || *value != 100 {
		t.Fatalf("expected 100%% increase, got %v", value)
	}
}

func TestPRRRequiresMinimumCount(t *testing.T) {
	_, _, _, _, ok := PRR(2, 100, 50, 5000)
	if ok {
		t.Fatal("expected PRR to refuse a < 3")
	}
}

func TestPRRElevated(t *testing.T) {
	value, lower, upper, _, ok := PRR(10, 90, 20, 4000)
	if !ok {
		t.Fatal("expected PRR to be computable")
	}
	if *value <= 1 {
		t.Fatalf("expected an elevated PRR, got %v", *value)
	}
	if *lower > *value || *upper < *value {
		t.Fatalf("expected point estimate inside CI, got [%v, %v] around %v", *lower, *upper, *value)
	}
}

func TestRORZeroCellUndefined(t *testing.T) {
	_, _, _, _, ok := ROR(5, 0, 10, 100)
	if ok {
		t.Fatal("expected ROR to refuse a zero cell")
	}
}

func TestRORComputable(t *testing.T) {
	value, _, _, _, ok := ROR(10, 90, 20, 4000)
	if !ok || value == nil {
		t.Fatal("expected ROR to be computable")
	}
	if *value <= 1 {
		t.Fatalf("expected an elevated ROR, got %v", *value)
	}
}

func TestEBGMShrinksTowardOneForSmallCounts(t *testing.T) {
	value, eb05, details, ok := EBGM(1, 99, 10, 9890)
	if !ok {
		t.Fatal("expected EBGM to be computable")
	}
	if *value <= 0 {
		t.Fatalf("expected a positive EBGM, got %v", *value)
	}
	if eb05 == nil || *eb05 > *value {
		t.Fatalf("expected eb05 lower bound <= point estimate, got eb05=%v value=%v", eb05, *value)
	}
	if details.Observed != 1 {
		t.Fatalf("expected observed=1, got %v", details.Observed)
	}
	if *value >= details.RR {
		t.Fatalf("expected EBGM %v to be shrunk below the raw ratio %v", *value, details.RR)
	}
}

func TestEBGMUndefinedWhenPopulationEmpty(t *testing.T) {
	_, _, _, ok := EBGM(0, 0, 0, 0)
	if ok {
		t.Fatal("expected EBGM to refuse an empty population")
	}
}

func TestWilsonHilfertyMonotonicInP(t *testing.T) {
	low := wilsonHilferty(0.05, 5.5, 10.5)
	mid := wilsonHilferty(0.5, 5.5, 10.5)
	high := wilsonHilferty(0.95, 5.5, 10.5)
	if !(low < mid && mid < high) {
		t.Fatalf("expected quantiles to increase with p, got %v %v %v", low, mid, high)
	}
}

func TestProbitApproxSymmetric(t *testing.T) {
	if math.Abs(probitApprox(0.5)) > 1e-9 {
		t.Fatalf("expected probit(0.5) ~ 0, got %v", probitApprox(0.5))
	}
	if probitApprox(0.1) >= 0 {
		t.Fatal("expected probit(0.1) < 0")
	}
	if probitApprox(0.9) <= 0 {
		t.Fatal("expected probit(0.9) > 0")
	}
}
