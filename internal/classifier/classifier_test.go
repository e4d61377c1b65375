package classifier

import (
	"testing"

	"github.com/signaldetect/maude/internal/types"
)

func f(v float64) *float64 { return &v }

func TestClassifyZScoreTiers(t *testing.T) {
	thresholds := types.DefaultThresholds()

	if signal, strength := ClassifyZScore(nil, thresholds); signal || strength != types.StrengthNormal {
		t.Fatalf("expected nil value to never be a signal, got %v %v", signal, strength)
	}
	if signal, strength := ClassifyZScore(f(0.5), thresholds); signal || strength != types.StrengthNormal {
		t.Fatalf("expected 0.5 to be normal, got %v %v", signal, strength)
	}
	if signal, strength := ClassifyZScore(f(1.5), thresholds); !signal || strength != types.StrengthElevated {
		t.Fatalf("expected 1.5 to be elevated, got %v %v", signal, strength)
	}
	if signal, strength := ClassifyZScore(f(3.0), thresholds); !signal || strength != types.StrengthHigh {
		t.Fatalf("expected 3.0 to be high, got %v %v", signal, strength)
	}
}

func TestClassifyCUSUMTiers(t *testing.T) {
	if signal, strength := ClassifyCUSUM(f(2.0)); signal || strength != types.StrengthNormal {
		t.Fatalf("expected 2.0 to be normal, got %v %v", signal, strength)
	}
	if signal, strength := ClassifyCUSUM(f(4.0)); !signal || strength != types.StrengthElevated {
		t.Fatalf("expected 4.0 to be elevated, got %v %v", signal, strength)
	}
	if signal, strength := ClassifyCUSUM(f(6.0)); !signal || strength != types.StrengthHigh {
		t.Fatalf("expected 6.0 to be high, got %v %v", signal, strength)
	}
}

func TestClassifyChangePctIgnoresDecreases(t *testing.T) {
	thresholds := types.DefaultThresholds()
	if signal, strength := ClassifyChangePct(f(-90), 50, 10, thresholds); signal || strength != types.StrengthNormal {
		t.Fatalf("expected a large decrease to not be a signal, got %v %v", signal, strength)
	}
	if signal, strength := ClassifyChangePct(f(150), 50, 10, thresholds); !signal || strength != types.StrengthHigh {
		t.Fatalf("expected 150%% increase to be high, got %v %v", signal, strength)
	}
}

func TestClassifyChangePctGatedByMinEvents(t *testing.T) {
	thresholds := types.DefaultThresholds()
	if signal, strength := ClassifyChangePct(f(150), 5, 10, thresholds); signal || strength != types.StrengthNormal {
		t.Fatalf("expected a current period below min_events to never be a signal, got %v %v", signal, strength)
	}
}

func TestClassifyRatioRequiresOkAndGates(t *testing.T) {
	if signal, _ := ClassifyRatio(f(5), f(1.5), 10, 2.0, false); signal {
		t.Fatal("expected an undefined ratio to never be a signal")
	}
	if signal, _ := ClassifyRatio(f(5), nil, 10, 2.0, true); signal {
		t.Fatal("expected a missing lower_ci to never be a signal")
	}
	if signal, strength := ClassifyRatio(f(2.5), f(1.2), 10, 2.0, true); !signal || strength != types.StrengthElevated {
		t.Fatalf("expected 2.5 above threshold 2.0 with lower_ci>=1.0 to be elevated, got %v %v", signal, strength)
	}
	if signal, strength := ClassifyRatio(f(4.0), f(1.2), 10, 2.0, true); !signal || strength != types.StrengthHigh {
		t.Fatalf("expected 4.0 above 3.0 to be high, got %v %v", signal, strength)
	}
}

func TestClassifyRatioSuppressedWhenLowerCIStraddlesOne(t *testing.T) {
	if signal, strength := ClassifyRatio(f(4.0), f(0.8), 10, 2.0, true); signal || strength != types.StrengthNormal {
		t.Fatalf("expected a lower_ci below 1.0 to suppress the signal despite a high point estimate, got %v %v", signal, strength)
	}
}

func TestClassifyRatioSuppressedWhenACountTooSmall(t *testing.T) {
	if signal, strength := ClassifyRatio(f(4.0), f(1.5), 2, 2.0, true); signal || strength != types.StrengthNormal {
		t.Fatalf("expected a<3 to suppress the signal despite a high point estimate and lower_ci, got %v %v", signal, strength)
	}
}

func TestClassifyEBGM(t *testing.T) {
	if signal, _ := ClassifyEBGM(f(1.5), f(1.2), true); signal {
		t.Fatal("expected a value below 2.0 to not be a signal")
	}
	if signal, strength := ClassifyEBGM(f(2.5), f(1.2), true); !signal || strength != types.StrengthElevated {
		t.Fatalf("expected value above 2.0 with eb05>=1.0 to be elevated, got %v %v", signal, strength)
	}
	if signal, strength := ClassifyEBGM(f(3.5), f(1.2), true); !signal || strength != types.StrengthHigh {
		t.Fatalf("expected value above 3.0 to be high, got %v %v", signal, strength)
	}
}

func TestClassifyEBGMSuppressedWhenEB05BelowOne(t *testing.T) {
	if signal, strength := ClassifyEBGM(f(3.5), f(0.9), true); signal || strength != types.StrengthNormal {
		t.Fatalf("expected eb05 below 1.0 to suppress the signal despite a high value, got %v %v", signal, strength)
	}
}

func TestOverallStrengthTakesMax(t *testing.T) {
	results := []types.MethodResult{
		{Method: types.MethodZScore, SignalStrength: types.StrengthNormal},
		{Method: types.MethodPRR, SignalStrength: types.StrengthElevated},
		{Method: types.MethodCUSUM, SignalStrength: types.StrengthHigh},
	}
	if got := OverallStrength(results); got != types.StrengthHigh {
		t.Fatalf("expected high to win, got %v", got)
	}
}

func TestOverallStrengthEmpty(t *testing.T) {
	if got := OverallStrength(nil); got != types.StrengthNormal {
		t.Fatalf("expected normal for no methods, got %v", got)
	}
}
