package types

import "testing"

func TestNormalizeUsesConfiguredDefaultsWhenRequestOmitsThem(t *testing.T) {
	defaults := RequestDefaults{
		MinEvents:  5,
		Limit:      50,
		Thresholds: Thresholds{ZScoreHigh: 3.5, PRRThreshold: 1.5},
	}
	r := SignalRequest{}.Normalize(defaults)

	if r.MinEvents != 5 {
		t.Fatalf("expected configured min_events default 5, got %d", r.MinEvents)
	}
	if r.Limit != 50 {
		t.Fatalf("expected configured limit default 50, got %d", r.Limit)
	}
	if r.Thresholds.ZScoreHigh != 3.5 {
		t.Fatalf("expected configured zscore_high_threshold 3.5, got %v", r.Thresholds.ZScoreHigh)
	}
	if r.Thresholds.PRRThreshold != 1.5 {
		t.Fatalf("expected configured prr_threshold 1.5, got %v", r.Thresholds.PRRThreshold)
	}
	// Fields the config didn't override fall back to the documented
	// classifier defaults, not zero.
	if r.Thresholds.RORThreshold != DefaultThresholds().RORThreshold {
		t.Fatalf("expected ror_threshold to fall back to the documented default, got %v", r.Thresholds.RORThreshold)
	}
}

func TestNormalizePerRequestOverrideWinsOverConfiguredDefault(t *testing.T) {
	defaults := RequestDefaults{MinEvents: 5, Limit: 50, Thresholds: Thresholds{ZScoreHigh: 3.5}}
	r := SignalRequest{MinEvents: 2, Limit: 10, Thresholds: Thresholds{ZScoreHigh: 9.0}}.Normalize(defaults)

	if r.MinEvents != 2 {
		t.Fatalf("expected the request's own min_events to win, got %d", r.MinEvents)
	}
	if r.Limit != 10 {
		t.Fatalf("expected the request's own limit to win, got %d", r.Limit)
	}
	if r.Thresholds.ZScoreHigh != 9.0 {
		t.Fatalf("expected the request's own threshold override to win, got %v", r.Thresholds.ZScoreHigh)
	}
}

func TestNormalizeZeroRequestDefaultsFallsBackToDocumentedValues(t *testing.T) {
	r := SignalRequest{}.Normalize(RequestDefaults{})
	if r.MinEvents != 10 {
		t.Fatalf("expected the documented min_events fallback of 10, got %d", r.MinEvents)
	}
	if r.Limit != 20 {
		t.Fatalf("expected the documented limit fallback of 20, got %d", r.Limit)
	}
	if r.Thresholds != DefaultThresholds() {
		t.Fatalf("expected the documented threshold defaults, got %+v", r.Thresholds)
	}
}
