// Package timewindow resolves a TimeComparisonConfig into concrete
// analysis/comparison windows and reports data completeness, given an
// injected "today" clock so resolution stays deterministic for tests.
package timewindow

import (
	"fmt"
	"time"

	"github.com/signaldetect/maude/internal/types"
)

// Resolved is what C2 hands to the rest of the pipeline: the concrete
// windows plus a note for anything the caller should know about (period
// length mismatch in custom mode, etc).
type Resolved struct {
	Info types.TimeInfo
	Note string
}

// Resolve converts cfg into concrete dates relative to today, mirroring
// the mode dispatch in the original analyzer's _resolve_time_range.
func Resolve(cfg types.TimeComparisonConfig, today time.Time) (Resolved, *types.APIError) {
	switch cfg.Mode {
	case types.TimeModeLookback, "":
		months := cfg.LookbackMonths
		if months == 0 {
			months = 12
		}
		if months < 1 || months > 120 {
			return Resolved{}, types.NewBadRequest("lookback_months must be in [1, 120]", "time_config.lookback_months")
		}
		start := today.AddDate(0, -months, 0)
		return Resolved{Info: types.TimeInfo{Mode: types.TimeModeLookback, AnalysisStart: start, AnalysisEnd: today}}, nil

	case types.TimeModeCustom:
		if cfg.PeriodA == nil || cfg.PeriodB == nil {
			return Resolved{}, types.NewBadRequest("custom mode requires period_a and period_b", "time_config.period_a")
		}
		lenA := cfg.PeriodA.EndDate.Sub(cfg.PeriodA.StartDate)
		lenB := cfg.PeriodB.EndDate.Sub(cfg.PeriodB.StartDate)
		note := ""
		if lenA > 0 && lenB > 0 {
			ratio := float64(lenA) / float64(lenB)
			if ratio > 1.2 || ratio < 0.8 {
				note = "comparison periods differ in length by more than 20%"
			}
		}
		return Resolved{
			Info: types.TimeInfo{
				Mode:            types.TimeModeCustom,
				AnalysisStart:   cfg.PeriodA.StartDate,
				AnalysisEnd:     cfg.PeriodA.EndDate,
				ComparisonStart: &cfg.PeriodB.StartDate,
				ComparisonEnd:   &cfg.PeriodB.EndDate,
			},
			Note: note,
		}, nil

	case types.TimeModeYoY:
		currentYear := cfg.CurrentYear
		if currentYear == 0 {
			currentYear = today.Year()
		}
		comparisonYear := cfg.ComparisonYear
		if comparisonYear == 0 {
			comparisonYear = currentYear - 1
		}
		if cfg.Quarter != nil {
			q := *cfg.Quarter
			if q < 1 || q > 4 {
				return Resolved{}, types.NewBadRequest("quarter must be in [1, 4]", "time_config.quarter")
			}
			startMonth := time.Month((q-1)*3 + 1)
			analysisStart := time.Date(currentYear, startMonth, 1, 0, 0, 0, 0, time.UTC)
			analysisEnd := analysisStart.AddDate(0, 3, -1)
			comparisonStart := time.Date(comparisonYear, startMonth, 1, 0, 0, 0, 0, time.UTC)
			comparisonEnd := comparisonStart.AddDate(0, 3, -1)
			return Resolved{Info: types.TimeInfo{
				Mode: types.TimeModeYoY, AnalysisStart: analysisStart, AnalysisEnd: analysisEnd,
				ComparisonStart: &comparisonStart, ComparisonEnd: &comparisonEnd,
			}}, nil
		}
		analysisStart := time.Date(currentYear, 1, 1, 0, 0, 0, 0, time.UTC)
		analysisEnd := time.Date(currentYear, 12, 31, 0, 0, 0, 0, time.UTC)
		comparisonStart := time.Date(comparisonYear, 1, 1, 0, 0, 0, 0, time.UTC)
		comparisonEnd := time.Date(comparisonYear, 12, 31, 0, 0, 0, 0, time.UTC)
		return Resolved{Info: types.TimeInfo{
			Mode: types.TimeModeYoY, AnalysisStart: analysisStart, AnalysisEnd: analysisEnd,
			ComparisonStart: &comparisonStart, ComparisonEnd: &comparisonEnd,
		}}, nil

	case types.TimeModeRolling:
		months := cfg.LookbackMonths
		if months == 0 {
			months = 12
		}
		window := cfg.RollingWindowMonths
		if window == 0 {
			window = 3
		}
		if window < 1 || window > 24 {
			return Resolved{}, types.NewBadRequest("rolling_window_months must be in [1, 24]", "time_config.rolling_window_months")
		}
		start := today.AddDate(0, -months, 0)
		return Resolved{Info: types.TimeInfo{
			Mode: types.TimeModeRolling, AnalysisStart: start, AnalysisEnd: today, RollingWindow: &window,
		}}, nil

	default:
		return Resolved{}, types.NewBadRequest(fmt.Sprintf("unknown time_config mode: %s", cfg.Mode), "time_config.mode")
	}
}

// Completeness marks months whose end falls within lagMonths of today as
// incomplete, and reports the last fully-complete month.
func Completeness(today time.Time, lagMonths int) types.DataCompleteness {
	cutoff := today.AddDate(0, -lagMonths, 0)
	// The month containing cutoff ends after cutoff, i.e. within the lag,
	// so the last complete month is the one before it.
	lastComplete := time.Date(cutoff.Year(), cutoff.Month()-1, 1, 0, 0, 0, 0, time.UTC)
	return types.DataCompleteness{
		LastCompleteMonth:  lastComplete.Format("2006-01"),
		EstimatedLagMonths: lagMonths,
	}
}

// IncompleteMonthsInRange lists, in "YYYY-MM" form, every month within
// [start, end] that falls after the last complete month.
func IncompleteMonthsInRange(start, end time.Time, completeness types.DataCompleteness) []string {
	lastComplete, err := time.Parse("2006-01", completeness.LastCompleteMonth)
	if err != nil {
		return nil
	}
	var months []string
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	endMonth := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(endMonth) {
		if cur.After(lastComplete) {
			months = append(months, cur.Format("2006-01"))
		}
		cur = cur.AddDate(0, 1, 0)
	}
	return months
}

// OverlapsIncomplete reports whether the analysis window touches any month
// later than the last complete month — the trigger for a completeness
// warning in data_note.
func OverlapsIncomplete(analysisEnd time.Time, completeness types.DataCompleteness) bool {
	lastComplete, err := time.Parse("2006-01", completeness.LastCompleteMonth)
	if err != nil {
		return false
	}
	endMonth := time.Date(analysisEnd.Year(), analysisEnd.Month(), 1, 0, 0, 0, 0, time.UTC)
	return endMonth.After(lastComplete)
}
