package store

import (
	"context"
	"testing"
	"time"

	"github.com/signaldetect/maude/internal/querybuilder"
	"github.com/signaldetect/maude/internal/types"
)

func seeded(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	if err := SeedDemoData(context.Background(), s); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	return s
}

func TestAggregateMonthlyAppliesMinEventsGate(t *testing.T) {
	s := seeded(t)
	spec := querybuilder.FilterSpec{}
	result, apiErr := querybuilder.Build(types.LevelManufacturer, "", nil, spec, nil)
	if apiErr != nil {
		t.Fatalf("building predicate: %v", apiErr)
	}

	entities, err := s.AggregateMonthly(context.Background(), AggregateQuery{
		Predicate:  result.Predicate,
		Expression: result.Expression,
		DateField:  "date_received",
		Start:      time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
		MinEvents:  1000,
	})
	if err != nil {
		t.Fatalf("aggregating: %v", err)
	}
	if len(entities) != 0 {
		t.Fatalf("expected no entities to pass an unreachable min_events gate, got %d", len(entities))
	}
}

func TestAggregateMonthlyReturnsZeroFillableSeries(t *testing.T) {
	s := seeded(t)
	result, apiErr := querybuilder.Build(types.LevelManufacturer, "", nil, querybuilder.FilterSpec{}, nil)
	if apiErr != nil {
		t.Fatalf("building predicate: %v", apiErr)
	}

	entities, err := s.AggregateMonthly(context.Background(), AggregateQuery{
		Predicate:  result.Predicate,
		Expression: result.Expression,
		DateField:  "date_received",
		Start:      time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
		MinEvents:  1,
	})
	if err != nil {
		t.Fatalf("aggregating: %v", err)
	}
	if len(entities) != 3 {
		t.Fatalf("expected 3 seeded manufacturers, got %d", len(entities))
	}
	for _, e := range entities {
		if e.TotalEvents == 0 {
			t.Fatalf("entity %s has zero total events", e.Entity)
		}
	}
}

func TestAggregateMonthlyScopesByParentValue(t *testing.T) {
	s := seeded(t)
	result, apiErr := querybuilder.Build(types.LevelBrand, "ACME MEDICAL INC", nil, querybuilder.FilterSpec{}, nil)
	if apiErr != nil {
		t.Fatalf("building predicate: %v", apiErr)
	}

	entities, err := s.AggregateMonthly(context.Background(), AggregateQuery{
		Predicate:  result.Predicate,
		Expression: result.Expression,
		DateField:  "date_received",
		Start:      time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
		MinEvents:  1,
	})
	if err != nil {
		t.Fatalf("aggregating: %v", err)
	}
	if len(entities) != 1 || entities[0].Entity != "PULSEGUARD" {
		t.Fatalf("expected exactly PULSEGUARD scoped to ACME, got %+v", entities)
	}
}

func TestHasChildrenIsABoundedProbeNotAlwaysTrue(t *testing.T) {
	s := seeded(t)
	has, err := s.HasChildren(context.Background(), "d.brand_name", "m.manufacturer_clean", "ACME MEDICAL INC", true)
	if err != nil {
		t.Fatalf("probing: %v", err)
	}
	if !has {
		t.Fatal("expected ACME to have a child brand")
	}

	has, err = s.HasChildren(context.Background(), "d.brand_name", "m.manufacturer_clean", "NONEXISTENT MFR", true)
	if err != nil {
		t.Fatalf("probing: %v", err)
	}
	if has {
		t.Fatal("expected a nonexistent manufacturer to report no children")
	}
}

func TestAvailableEntitiesOrdersByCount(t *testing.T) {
	s := seeded(t)
	entities, err := s.AvailableEntities(context.Background(), types.LevelManufacturer, 10)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(entities) != 3 {
		t.Fatalf("expected 3 manufacturers, got %d", len(entities))
	}
	for i := 1; i < len(entities); i++ {
		if entities[i].EventCount > entities[i-1].EventCount {
			t.Fatal("expected entities ordered by descending event count")
		}
	}
}

func TestStatsReportsExtent(t *testing.T) {
	s := seeded(t)
	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEvents == 0 {
		t.Fatal("expected seeded events to be counted")
	}
	if stats.EarliestReceived.After(stats.LatestReceived) {
		t.Fatal("expected earliest <= latest")
	}
}

func TestTargetVsOtherCounts(t *testing.T) {
	s := seeded(t)
	result, apiErr := querybuilder.Build(types.LevelManufacturer, "", nil, querybuilder.FilterSpec{}, nil)
	if apiErr != nil {
		t.Fatalf("building predicate: %v", apiErr)
	}

	entityTotals, comparisonTotals, err := s.TargetVsOtherCounts(
		context.Background(), result.Predicate, result.Predicate, result.Expression,
		"ACME MEDICAL INC", "D", "date_received",
		time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
	)
	if err != nil {
		t.Fatalf("counting: %v", err)
	}
	if entityTotals.TargetCount == 0 {
		t.Fatal("expected ACME to have at least one death event seeded")
	}
	if comparisonTotals.TargetCount == 0 {
		t.Fatal("expected Northwind's seeded deaths to appear in the comparison population")
	}
	// The comparison population must exclude ACME's own rows entirely —
	// a disjoint 2x2 table, not ACME double-counted into its own
	// comparator.
	total, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	acmeTotal := entityTotals.TargetCount + entityTotals.OtherCount
	comparisonTotal := comparisonTotals.TargetCount + comparisonTotals.OtherCount
	if comparisonTotal != total.TotalEvents-acmeTotal {
		t.Fatalf("expected comparison population to be every non-ACME event (%d), got %d", total.TotalEvents-acmeTotal, comparisonTotal)
	}
}
