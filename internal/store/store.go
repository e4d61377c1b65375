// Package store provides the event store interface and implementations
// for raw MDR event/device data, mirroring the dual Postgres/Memory store
// split in the teacher's internal/activity package: one interface, a
// SQL-backed implementation for production, and an in-memory twin for
// tests and demos.
package store

import (
	"context"
	"time"

	"github.com/signaldetect/maude/internal/querybuilder"
	"github.com/signaldetect/maude/internal/types"
)

// Event is one row of the master event table.
type Event struct {
	MDRReportKey      string
	DateReceived      time.Time
	DateOfEvent       *time.Time
	EventType         string // store codes: D, IN, M, O
	ManufacturerClean string
	ProductCode       string
}

// Device is one row of the device table, joined to Event by
// MDRReportKey. An event can have more than one device.
type Device struct {
	MDRReportKey           string
	BrandName              string
	GenericName            string
	ModelNumber            string
	ManufacturerDClean     string
	DeviceReportProductCode string
	ImplantFlag            bool
}

// AggregateQuery is everything the store needs to compute monthly, zero-
// fillable counts per entity for one window.
type AggregateQuery struct {
	Predicate  querybuilder.Predicate
	Expression querybuilder.EntityExpression
	DateField  string // "date_received" | "date_of_event"
	Start      time.Time
	End        time.Time
	MinEvents  int
}

// EntityMonthly is one entity's raw (not zero-filled) monthly series plus
// its window totals, as consumed by internal/aggregator.
type EntityMonthly struct {
	Entity       string
	Series       []MonthCount
	TotalEvents  int
	Deaths       int
	Injuries     int
	Malfunctions int
}

// MonthCount is one non-zero-filled bucket returned by the store; the
// aggregator is responsible for filling gaps, since only it knows the
// requested window's full month range.
type MonthCount struct {
	Month string // "YYYY-MM"
	Count int
}

// EntityTotals is the 2x2-table input for disproportionality analysis:
// counts of the target event type ("A"/"C" cell numerators) against all
// other event types, for one entity vs. the comparison population.
type EntityTotals struct {
	TargetCount int
	OtherCount  int
}

// Store is the interface C3's aggregator and C6's orchestrator depend on.
type Store interface {
	// AggregateMonthly returns, for every entity matching q's predicate
	// within [Start, End], its raw (non-zero-filled) monthly counts and
	// window totals, excluding entities with fewer than MinEvents events
	// in the window.
	AggregateMonthly(ctx context.Context, q AggregateQuery) ([]EntityMonthly, error)

	// TargetVsOtherCounts returns, for one entity, the count of events
	// matching eventTypeFilter ("A" cell) vs. every other event type
	// ("B" cell) within the predicate's scope, plus the same split across
	// the comparison population (rows matching comparisonPredicate, with
	// the entity itself always excluded) for "C"/"D".
	TargetVsOtherCounts(ctx context.Context, entityPredicate, comparisonPredicate querybuilder.Predicate, expression querybuilder.EntityExpression, entity, eventTypeFilter, dateField string, start, end time.Time) (entityTotals, comparisonTotals EntityTotals, err error)

	// HasChildren probes whether at least one row exists at childLevel
	// scoped to parentValue — a bounded existence check, never an
	// optimistic "always true" shortcut.
	HasChildren(ctx context.Context, childColumn, parentColumn, parentValue string, needsDeviceJoin bool) (bool, error)

	// AvailableEntities lists distinct raw entity values at a level with
	// their event counts, for registry suggest-name and group membership
	// pickers.
	AvailableEntities(ctx context.Context, level types.DrillLevel, limit int) ([]types.AvailableEntity, error)

	// Stats reports the store's overall extent.
	Stats(ctx context.Context) (types.StoreStats, error)
}
