// Package aggregator turns raw per-entity monthly counts from the store
// into zero-filled, contiguous series ready for the statistical methods,
// and separately totals a comparison window for YoY/PoP change. Gap
// filling is done here rather than in the store because only the caller
// knows the full requested month range — the store only ever returns the
// months that actually had rows.
package aggregator

import (
	"context"
	"time"

	"github.com/signaldetect/maude/internal/methods"
	"github.com/signaldetect/maude/internal/querybuilder"
	"github.com/signaldetect/maude/internal/store"
)

// EntityData is one entity's analysis-window series plus totals, and
// (when a comparison window was requested) its comparison-window total.
type EntityData struct {
	Entity       string
	Series       []methods.MonthlyCount
	TotalEvents  int
	Deaths       int
	Injuries     int
	Malfunctions int

	ComparisonTotalEvents *int
}

// Collect fetches and zero-fills the analysis-window series for every
// entity matching pred/expr that clears minEvents.
func Collect(ctx context.Context, st store.Store, pred querybuilder.Predicate, expr querybuilder.EntityExpression, dateField string, start, end time.Time, minEvents int) ([]EntityData, error) {
	raw, err := st.AggregateMonthly(ctx, store.AggregateQuery{
		Predicate:  pred,
		Expression: expr,
		DateField:  dateField,
		Start:      start,
		End:        end,
		MinEvents:  minEvents,
	})
	if err != nil {
		return nil, err
	}

	out := make([]EntityData, 0, len(raw))
	for _, em := range raw {
		out = append(out, EntityData{
			Entity:       em.Entity,
			Series:       ZeroFill(start, end, em.Series),
			TotalEvents:  em.TotalEvents,
			Deaths:       em.Deaths,
			Injuries:     em.Injuries,
			Malfunctions: em.Malfunctions,
		})
	}
	return out, nil
}

// AttachComparisonTotals fetches the comparison window's totals (with no
// min_events gate — an entity absent from the comparison window legitimately
// has zero events there) and attaches them to the already-collected
// analysis-window entities by name.
func AttachComparisonTotals(ctx context.Context, st store.Store, entities []EntityData, pred querybuilder.Predicate, expr querybuilder.EntityExpression, dateField string, start, end time.Time) ([]EntityData, error) {
	raw, err := st.AggregateMonthly(ctx, store.AggregateQuery{
		Predicate:  pred,
		Expression: expr,
		DateField:  dateField,
		Start:      start,
		End:        end,
		MinEvents:  0,
	})
	if err != nil {
		return nil, err
	}
	totals := make(map[string]int, len(raw))
	for _, em := range raw {
		totals[em.Entity] = em.TotalEvents
	}
	for i := range entities {
		total := totals[entities[i].Entity] // zero when absent
		entities[i].ComparisonTotalEvents = &total
	}
	return entities, nil
}

// ZeroFill expands a sparse list of monthly counts into every month in
// [start, end], inserting zero-count buckets for months the store had no
// rows for.
func ZeroFill(start, end time.Time, raw []store.MonthCount) []methods.MonthlyCount {
	byMonth := make(map[string]int, len(raw))
	for _, r := range raw {
		byMonth[r.Month] = r.Count
	}

	var out []methods.MonthlyCount
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(last) {
		month := cur.Format("2006-01")
		out = append(out, methods.MonthlyCount{Month: month, Count: byMonth[month]})
		cur = cur.AddDate(0, 1, 0)
	}
	return out
}
