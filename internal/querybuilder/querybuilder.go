// Package querybuilder turns a filter specification and a set of active
// entity groups into a structured predicate plus an entity_expression — a
// derived column describing how a raw entity value should be rewritten for
// display. Neither type knows anything about SQL; the store adapter is the
// only place that renders them, preserving the "predicate as data" split
// the rest of the engine relies on.
package querybuilder

import (
	"strings"
	"time"

	"github.com/signaldetect/maude/internal/types"
)

// Op names a condition's comparison operator. The store adapter maps each
// to its dialect's SQL fragment.
type Op string

const (
	OpEq         Op = "="
	OpIn         Op = "IN"
	OpGte        Op = ">="
	OpLte        Op = "<="
	OpLike       Op = "LIKE"
	OpIsNotNull  Op = "IS NOT NULL"
)

// Condition is one leaf of the predicate's condition tree: a column, an
// operator, and (for everything but IsNotNull) a value.
type Condition struct {
	Column string
	Op     Op
	Value  any
}

// Predicate is the structured WHERE clause C1 hands to the aggregator. It
// carries NeedsDeviceJoin so the store adapter knows whether to join the
// devices table, without C1 ever mentioning SQL syntax.
type Predicate struct {
	Conditions      []Condition
	NeedsDeviceJoin bool
}

// GroupCase is one WHEN arm of a group-rewrite CASE expression: raw values
// that map to a single display name.
type GroupCase struct {
	Members     []string
	DisplayName string
}

// EntityExpression describes how a raw entity column should be read back:
// either as itself (Identity) or rewritten through a CASE-like mapping
// (GroupRewrite). The store adapter renders GroupRewrite as
// `CASE WHEN col IN (...) THEN '...' ... ELSE col END`.
type EntityExpression struct {
	Column string
	Cases  []GroupCase
}

// IsIdentity reports whether the expression performs no rewriting.
func (e EntityExpression) IsIdentity() bool { return len(e.Cases) == 0 }

// FilterSpec is the set of filter fields C1 recognizes, spanning both
// event-level and device-level predicates.
type FilterSpec struct {
	Manufacturers []string
	ProductCodes  []string
	EventTypes    []string
	DateFrom      *time.Time
	DateTo        *time.Time
	FreeText      string

	BrandNames          []string
	GenericNames        []string
	DeviceManufacturers []string
	ModelNumbers        []string
	DeviceProductCodes  []string
	ImplantFlag         *bool
}

// levelColumns maps a drill level to the column that identifies an entity
// at that level, mirroring the original analyzer's LEVEL_COLUMNS table.
var levelColumns = map[types.DrillLevel]string{
	types.LevelManufacturer: "m.manufacturer_clean",
	types.LevelBrand:        "d.brand_name",
	types.LevelGeneric:      "d.generic_name",
	types.LevelModel:        "d.model_number",
}

// parentColumns maps a drill level to the column that scopes it to its
// parent during drill-down.
var parentColumns = map[types.DrillLevel]string{
	types.LevelBrand:   "m.manufacturer_clean",
	types.LevelGeneric:  "d.brand_name",
	types.LevelModel:    "d.generic_name",
}

// LevelColumn returns the entity column for a drill level.
func LevelColumn(level types.DrillLevel) string {
	return levelColumns[level]
}

// ParentColumn returns the column used to scope a drill level to its
// parent's value, or "" for manufacturer (which has no parent).
func ParentColumn(level types.DrillLevel) string {
	return parentColumns[level]
}

// NeedsDeviceJoin reports whether a drill level requires the devices join.
func NeedsDeviceJoin(level types.DrillLevel) bool {
	return level != types.LevelManufacturer
}

// eventTypeFilterToStore translates an external filter code to the store's
// code: D->D, I->IN, M->M, O->O. The "*" code is reserved and never a
// selectable filter value.
func eventTypeFilterToStore(code string) (string, *types.APIError) {
	switch code {
	case "D":
		return "D", nil
	case "I":
		return "IN", nil
	case "M":
		return "M", nil
	case "O":
		return "O", nil
	case "*":
		return "", types.NewBadFilter("event type '*' is reserved and cannot be used as a filter value", "event_types")
	default:
		return "", types.NewBadFilter("unknown event type code: "+code, "event_types")
	}
}

// TranslateEventTypes converts a list of external event-type filter codes
// to store codes, in order.
func TranslateEventTypes(codes []string) ([]string, *types.APIError) {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		store, err := eventTypeFilterToStore(c)
		if err != nil {
			return nil, err
		}
		out = append(out, store)
	}
	return out, nil
}

// Result bundles everything C1 produces for one request: the predicate,
// the entity expression, and a warning to surface in data_note if active
// groups for this level overlapped.
type Result struct {
	Predicate  Predicate
	Expression EntityExpression
	Warning    string
}

// Build constructs the predicate and entity expression for the given drill
// level, parent scoping, filter spec, and the active groups applicable to
// this level's entity type.
//
// parentMembers, when non-empty, is the member list of the active group
// whose display name equals parentValue — drilling into a grouped entity
// scopes by "IN (group.members)" rather than a single raw equality, per
// the drill-down semantics in the orchestrator's contract.
func Build(level types.DrillLevel, parentValue string, parentMembers []string, spec FilterSpec, activeGroups []types.EntityGroup) (Result, *types.APIError) {
	if spec.DateFrom != nil && spec.DateTo != nil && spec.DateFrom.After(*spec.DateTo) {
		return Result{}, types.NewBadFilter("dateFrom must not be after dateTo", "dateTo")
	}

	col := LevelColumn(level)
	if col == "" {
		return Result{}, types.NewBadFilter("unknown drill level: "+string(level), "level")
	}

	pred := Predicate{NeedsDeviceJoin: NeedsDeviceJoin(level)}
	pred.Conditions = append(pred.Conditions, Condition{Column: col, Op: OpIsNotNull})

	if parentValue != "" {
		if pc := ParentColumn(level); pc != "" {
			if len(parentMembers) > 0 {
				pred.Conditions = append(pred.Conditions, Condition{Column: pc, Op: OpIn, Value: parentMembers})
			} else {
				pred.Conditions = append(pred.Conditions, Condition{Column: pc, Op: OpEq, Value: parentValue})
			}
		}
	}

	if len(spec.Manufacturers) > 0 {
		pred.Conditions = append(pred.Conditions, Condition{Column: "m.manufacturer_clean", Op: OpIn, Value: spec.Manufacturers})
	}
	if len(spec.ProductCodes) > 0 {
		pred.Conditions = append(pred.Conditions, Condition{Column: "m.product_code", Op: OpIn, Value: spec.ProductCodes})
	}
	if len(spec.EventTypes) > 0 {
		storeCodes, err := TranslateEventTypes(spec.EventTypes)
		if err != nil {
			return Result{}, err
		}
		pred.Conditions = append(pred.Conditions, Condition{Column: "m.event_type", Op: OpIn, Value: storeCodes})
	}
	if spec.DateFrom != nil {
		pred.Conditions = append(pred.Conditions, Condition{Column: "m.date_received", Op: OpGte, Value: *spec.DateFrom})
	}
	if spec.DateTo != nil {
		pred.Conditions = append(pred.Conditions, Condition{Column: "m.date_received", Op: OpLte, Value: *spec.DateTo})
	}
	if spec.FreeText != "" {
		pred.Conditions = append(pred.Conditions, Condition{Column: "m.manufacturer_clean", Op: OpLike, Value: "%" + strings.ToLower(spec.FreeText) + "%"})
	}

	// Device-level filters always enforce the device join, even at the
	// manufacturer level, since they are existence predicates over the
	// devices relation joined by mdr_report_key.
	if len(spec.BrandNames) > 0 {
		pred.Conditions = append(pred.Conditions, Condition{Column: "d.brand_name", Op: OpIn, Value: spec.BrandNames})
		pred.NeedsDeviceJoin = true
	}
	if len(spec.GenericNames) > 0 {
		pred.Conditions = append(pred.Conditions, Condition{Column: "d.generic_name", Op: OpIn, Value: spec.GenericNames})
		pred.NeedsDeviceJoin = true
	}
	if len(spec.DeviceManufacturers) > 0 {
		pred.Conditions = append(pred.Conditions, Condition{Column: "d.manufacturer_d_clean", Op: OpIn, Value: spec.DeviceManufacturers})
		pred.NeedsDeviceJoin = true
	}
	if len(spec.ModelNumbers) > 0 {
		pred.Conditions = append(pred.Conditions, Condition{Column: "d.model_number", Op: OpIn, Value: spec.ModelNumbers})
		pred.NeedsDeviceJoin = true
	}
	if len(spec.DeviceProductCodes) > 0 {
		pred.Conditions = append(pred.Conditions, Condition{Column: "d.device_report_product_code", Op: OpIn, Value: spec.DeviceProductCodes})
		pred.NeedsDeviceJoin = true
	}
	if spec.ImplantFlag != nil {
		pred.Conditions = append(pred.Conditions, Condition{Column: "d.implant_flag", Op: OpEq, Value: *spec.ImplantFlag})
		pred.NeedsDeviceJoin = true
	}

	expr, warning := buildEntityExpression(level, col, activeGroups)

	return Result{Predicate: pred, Expression: expr, Warning: warning}, nil
}

// EntityTypeForLevel maps a drill level to the EntityGroup entity type it
// can be rewritten by. Model has no grouping concept in spec.md.
func EntityTypeForLevel(level types.DrillLevel) (types.EntityType, bool) {
	switch level {
	case types.LevelManufacturer:
		return types.EntityManufacturer, true
	case types.LevelBrand:
		return types.EntityBrand, true
	case types.LevelGeneric:
		return types.EntityGenericName, true
	default:
		return "", false
	}
}

// buildEntityExpression implements the group rewrite semantics: for each
// active group whose entity_type matches this level, raw members rewrite to
// the group's display name. If a raw value would be claimed by more than
// one active group (the registry's own invariant normally prevents this),
// the first group in insertion order wins and a warning is returned for
// data_note.
func buildEntityExpression(level types.DrillLevel, column string, activeGroups []types.EntityGroup) (EntityExpression, string) {
	entityType, ok := EntityTypeForLevel(level)
	if !ok || len(activeGroups) == 0 {
		return EntityExpression{Column: column}, ""
	}

	seen := make(map[string]string) // member (lowercased) -> display name that already claimed it
	var cases []GroupCase
	var warning string

	for _, g := range activeGroups {
		if g.EntityType != entityType || !g.IsActive {
			continue
		}
		var members []string
		for _, m := range g.Members {
			key := strings.ToLower(strings.TrimSpace(m))
			if claimedBy, already := seen[key]; already {
				if warning == "" {
					warning = "entity \"" + m + "\" is claimed by multiple active groups; \"" + claimedBy + "\" wins"
				}
				continue
			}
			seen[key] = g.DisplayName
			members = append(members, m)
		}
		if len(members) == 0 {
			continue
		}
		cases = append(cases, GroupCase{Members: members, DisplayName: g.DisplayName})
	}

	return EntityExpression{Column: column, Cases: cases}, warning
}
