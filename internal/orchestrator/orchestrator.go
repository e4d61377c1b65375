// Package orchestrator sequences C1-C5 into the single public detect
// operation: resolve windows, fetch active groups, build a predicate,
// aggregate, run the requested statistical methods, classify, sort and
// paginate, and attach has_children/data_note. It is the only package
// that calls more than one of querybuilder/timewindow/aggregator/methods/
// classifier/registry/store in the same request.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/signaldetect/maude/internal/aggregator"
	"github.com/signaldetect/maude/internal/classifier"
	"github.com/signaldetect/maude/internal/methods"
	"github.com/signaldetect/maude/internal/querybuilder"
	"github.com/signaldetect/maude/internal/registry"
	"github.com/signaldetect/maude/internal/store"
	"github.com/signaldetect/maude/internal/timewindow"
	"github.com/signaldetect/maude/internal/types"
)

// deathEventType is the target event-type code used as the "a"/"c" cell of
// every disproportionality method's 2x2 table, per the documented PRR
// contract ("2x2 over deaths vs other outcomes").
const deathEventType = "D"

// Orchestrator holds the dependencies one detect call needs. Clock and
// LagMonths are overridable so tests can pin "today" and the ingestion-lag
// assumption; production wiring uses time.Now and the configured default.
type Orchestrator struct {
	Store     store.Store
	Registry  *registry.Registry
	Clock     func() time.Time
	LagMonths int
	// Defaults is the config-sourced min_events/limit/thresholds baseline
	// every request normalizes against before its own overrides apply.
	Defaults types.RequestDefaults

	childrenCache *lru.Cache[string, bool]
}

// New builds an Orchestrator with an LRU cache for the has_children bounded
// existence probe, sized per the registry.existence_probe_cache config
// value, and defaults sourced from config.ThresholdsConfig so an operator's
// YAML file actually governs request-default behavior rather than only
// being validated and then discarded.
func New(st store.Store, reg *registry.Registry, cacheSize, lagMonths int, defaults types.RequestDefaults) (*Orchestrator, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, bool](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("building has_children cache: %w", err)
	}
	return &Orchestrator{
		Store:         st,
		Registry:      reg,
		Clock:         time.Now,
		LagMonths:     lagMonths,
		Defaults:      defaults,
		childrenCache: cache,
	}, nil
}

// Detect implements the C6 public operation.
func (o *Orchestrator) Detect(ctx context.Context, req types.SignalRequest) (*types.SignalResponse, *types.APIError) {
	req = req.Normalize(o.Defaults)
	if req.MinEvents < 1 {
		return nil, types.NewBadRequest("min_events must be >= 1", "min_events")
	}
	if querybuilder.LevelColumn(req.Level) == "" {
		return nil, types.NewBadRequest("unknown level: "+string(req.Level), "level")
	}

	now := o.Clock()
	if !req.Deadline.IsZero() && now.After(req.Deadline) {
		return nil, types.NewTimeout("request deadline already elapsed")
	}

	resolved, apiErr := timewindow.Resolve(req.TimeConfig, now)
	if apiErr != nil {
		return nil, apiErr
	}
	completeness := timewindow.Completeness(now, o.effectiveLagMonths())
	completeness.IncompleteMonths = timewindow.IncompleteMonthsInRange(resolved.Info.AnalysisStart, resolved.Info.AnalysisEnd, completeness)

	var notes []string
	if resolved.Note != "" {
		notes = append(notes, resolved.Note)
	}
	if timewindow.OverlapsIncomplete(resolved.Info.AnalysisEnd, completeness) {
		notes = append(notes, fmt.Sprintf("analysis window extends past the last complete month (%s); recent counts may rise as more reports arrive", completeness.LastCompleteMonth))
	}

	activeGroups, err := o.mergedActiveGroups(ctx, req)
	if err != nil {
		return nil, types.NewStoreUnavailable("fetching active entity groups: " + err.Error())
	}

	var parentGroups []types.EntityGroup
	if req.ParentValue != "" {
		parentGroups, err = o.mergedActiveGroups(ctx, types.SignalRequest{Level: req.Level.ParentLevel(), ActiveGroups: req.ActiveGroups})
		if err != nil {
			return nil, types.NewStoreUnavailable("fetching parent entity groups: " + err.Error())
		}
	}
	parentMembers := o.parentMembers(req, parentGroups)

	result, apiErr := querybuilder.Build(req.Level, req.ParentValue, parentMembers, filterSpecFor(req), activeGroups)
	if apiErr != nil {
		return nil, apiErr
	}
	if result.Warning != "" {
		notes = append(notes, result.Warning)
	}

	entities, err := aggregator.Collect(ctx, o.Store, result.Predicate, result.Expression, req.DateField, resolved.Info.AnalysisStart, resolved.Info.AnalysisEnd, req.MinEvents)
	if err != nil {
		return nil, types.NewStoreUnavailable("aggregating events: " + err.Error())
	}

	resp := &types.SignalResponse{
		Level:          req.Level,
		ParentValue:    req.ParentValue,
		MethodsApplied: req.Methods,
		TimeInfo:       resolved.Info,
	}

	if len(entities) == 0 {
		notes = append(notes, "no events matched filters")
		resp.DataNote = strings.Join(notes, "; ")
		resp.DataCompleteness = &completeness
		return resp, nil
	}

	if resolved.Info.ComparisonStart != nil && resolved.Info.ComparisonEnd != nil {
		entities, err = aggregator.AttachComparisonTotals(ctx, o.Store, entities, result.Predicate, result.Expression, req.DateField, *resolved.Info.ComparisonStart, *resolved.Info.ComparisonEnd)
		if err != nil {
			return nil, types.NewStoreUnavailable("aggregating comparison window: " + err.Error())
		}
	}

	comparisonPredicate, apiErr := o.comparisonPredicate(req, activeGroups)
	if apiErr != nil {
		return nil, apiErr
	}

	methodHadData := make(map[types.SignalMethod]bool, len(req.Methods))
	signals := make([]types.SignalResult, 0, len(entities))

	for _, entity := range entities {
		signal, apiErr := o.evaluateEntity(ctx, req, entity, result, comparisonPredicate, resolved, methodHadData, activeGroups)
		if apiErr != nil {
			return nil, apiErr
		}
		if signal == nil {
			continue // every method null for this entity: insufficient data across the board
		}
		signals = append(signals, *signal)
	}

	for _, m := range req.Methods {
		if !methodHadData[m] {
			notes = append(notes, fmt.Sprintf("method %q produced no computable result for any entity in this window", m))
		}
	}

	sortSignals(signals)
	resp.TotalEntitiesAnalyzed = len(signals)
	if len(signals) > req.Limit {
		signals = signals[:req.Limit]
	}

	childLevel := req.Level.ChildLevel()
	for i := range signals {
		if childLevel == "" {
			continue
		}
		has, err := o.hasChildren(ctx, req.Level, childLevel, signals[i].Entity, activeGroups)
		if err != nil {
			return nil, types.NewStoreUnavailable("probing for children: " + err.Error())
		}
		signals[i].HasChildren = has
		if has {
			cl := childLevel
			signals[i].ChildLevel = &cl
		}
	}

	for _, s := range signals {
		switch s.SignalType {
		case types.StrengthHigh:
			resp.HighSignalCount++
		case types.StrengthElevated:
			resp.ElevatedSignalCount++
		default:
			resp.NormalCount++
		}
	}

	resp.Signals = signals
	resp.DataNote = strings.Join(notes, "; ")
	resp.DataCompleteness = &completeness
	return resp, nil
}

func (o *Orchestrator) effectiveLagMonths() int {
	if o.LagMonths <= 0 {
		return 2
	}
	return o.LagMonths
}

// mergedActiveGroups fetches the registry's active groups for this level's
// entity type and prepends any inline active_groups from the request, so
// that querybuilder's "first group wins" rewrite rule makes the request's
// groups win on member overlap, per the documented merge policy.
func (o *Orchestrator) mergedActiveGroups(ctx context.Context, req types.SignalRequest) ([]types.EntityGroup, error) {
	entityType, ok := querybuilder.EntityTypeForLevel(req.Level)
	if !ok {
		return nil, nil
	}

	var merged []types.EntityGroup
	for _, g := range req.ActiveGroups {
		if g.EntityType != entityType {
			continue
		}
		merged = append(merged, types.EntityGroup{
			ID: g.ID, DisplayName: g.DisplayName, Members: g.Members,
			EntityType: g.EntityType, IsActive: true,
		})
	}

	if o.Registry != nil {
		registryGroups, err := o.Registry.ActiveGroups(ctx, entityType)
		if err != nil {
			return nil, err
		}
		merged = append(merged, registryGroups...)
	}
	return merged, nil
}

// parentMembers resolves parent_value against the active groups of the
// *parent* level's entity type — drilling into a grouped display name
// scopes the predicate to "IN (group.members)" rather than a single raw
// equality.
func (o *Orchestrator) parentMembers(req types.SignalRequest, activeGroups []types.EntityGroup) []string {
	if req.ParentValue == "" {
		return nil
	}
	parentEntityType, ok := querybuilder.EntityTypeForLevel(req.Level.ParentLevel())
	if !ok {
		return nil
	}
	for _, g := range activeGroups {
		if g.EntityType == parentEntityType && g.DisplayName == req.ParentValue {
			return g.Members
		}
	}
	return nil
}

func filterSpecFor(req types.SignalRequest) querybuilder.FilterSpec {
	return querybuilder.FilterSpec{
		ProductCodes: req.ProductCodes,
		EventTypes:   req.EventTypes,
	}
}

// comparisonPredicate builds the denominator predicate for PRR/ROR/EBGM
// per comparison_population. "same_product_code" builds exactly the same
// predicate as "all" (the request's own filters); the comparison is not
// restricted to the entity's own product codes.
func (o *Orchestrator) comparisonPredicate(req types.SignalRequest, activeGroups []types.EntityGroup) (querybuilder.Predicate, *types.APIError) {
	spec := filterSpecFor(req)
	switch req.ComparisonPopulation {
	case types.ComparisonCustom:
		spec = applyComparisonFilters(spec, req.ComparisonFilters)
	case types.ComparisonSameProductCode, types.ComparisonAll, "":
		// same predicate for both: the request's own filters.
	}
	result, apiErr := querybuilder.Build(req.Level, "", nil, spec, activeGroups)
	if apiErr != nil {
		return querybuilder.Predicate{}, apiErr
	}
	return result.Predicate, nil
}

func applyComparisonFilters(spec querybuilder.FilterSpec, filters map[string]any) querybuilder.FilterSpec {
	if v, ok := filters["product_codes"].([]any); ok {
		spec.ProductCodes = toStringSlice(v)
	}
	if v, ok := filters["event_types"].([]any); ok {
		spec.EventTypes = toStringSlice(v)
	}
	if v, ok := filters["manufacturers"].([]any); ok {
		spec.Manufacturers = toStringSlice(v)
	}
	return spec
}

func toStringSlice(v []any) []string {
	out := make([]string, 0, len(v))
	for _, e := range v {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// evaluateEntity computes every requested method for one entity, classifies
// each, and returns nil if every method came back with a null value.
func (o *Orchestrator) evaluateEntity(ctx context.Context, req types.SignalRequest, entity aggregator.EntityData, built querybuilder.Result, comparisonPredicate querybuilder.Predicate, resolved timewindow.Resolved, methodHadData map[types.SignalMethod]bool, activeGroups []types.EntityGroup) (*types.SignalResult, *types.APIError) {
	var (
		results          []types.MethodResult
		disproportionate *disproportionalityCounts
	)

	needsDisproportionality := false
	for _, m := range req.Methods {
		if m == types.MethodPRR || m == types.MethodROR || m == types.MethodEBGM {
			needsDisproportionality = true
			break
		}
	}
	if needsDisproportionality {
		counts, err := o.fetchDisproportionality(ctx, entity.Entity, req.DateField, resolved.Info.AnalysisStart, resolved.Info.AnalysisEnd, built, comparisonPredicate)
		if err != nil {
			return nil, types.NewStoreUnavailable("counting disproportionality cells: " + err.Error())
		}
		disproportionate = counts
	}

	for _, m := range req.Methods {
		var result types.MethodResult
		switch m {
		case types.MethodZScore:
			comparisonMonth := ""
			if req.TimeConfig.ComparisonMonth != nil {
				comparisonMonth = req.TimeConfig.ComparisonMonth.Format("2006-01")
			}
			value, details := methods.ZScore(entity.Series, comparisonMonth)
			signal, strength := classifier.ClassifyZScore(value, req.Thresholds)
			result = types.MethodResult{Method: m, Value: value, IsSignal: signal, SignalStrength: strength, Details: types.ZScoreDetails{
				AvgMonthly: details.AvgMonthly, StdMonthly: details.StdMonthly, LatestMonth: details.LatestMonth, MonthlySeries: toMonthlyPoints(details.Series),
			}}

		case types.MethodRolling:
			window := 3
			if resolved.Info.RollingWindow != nil {
				window = *resolved.Info.RollingWindow
			}
			value, details := methods.Rolling(entity.Series, window)
			signal, strength := classifier.ClassifyZScore(value, req.Thresholds)
			result = types.MethodResult{Method: m, Value: value, IsSignal: signal, SignalStrength: strength, Details: types.RollingDetails{
				RollingAvg: details.RollingAvg, RollingStd: details.RollingStd, Latest: details.Latest, WindowMonths: details.WindowMonths, MonthlySeries: toMonthlyPoints(details.Series),
			}}

		case types.MethodCUSUM:
			value, details := methods.CUSUM(entity.Series)
			signal, strength := classifier.ClassifyCUSUM(value)
			result = types.MethodResult{Method: m, Value: value, IsSignal: signal, SignalStrength: strength, Details: types.CUSUMDetails{
				Mean: details.Mean, Std: details.Std, ControlLimit: details.ControlLimit, CUSUMSeries: toCUSUMPoints(details.Series),
			}}

		case types.MethodYoY, types.MethodPoP:
			if entity.ComparisonTotalEvents == nil {
				result = types.MethodResult{Method: m, SignalStrength: types.StrengthNormal}
				break
			}
			value, details := methods.ChangePct(entity.TotalEvents, *entity.ComparisonTotalEvents)
			signal, strength := classifier.ClassifyChangePct(value, entity.TotalEvents, req.MinEvents, req.Thresholds)
			result = types.MethodResult{Method: m, Value: value, IsSignal: signal, SignalStrength: strength, Details: types.ChangeDetails{
				CurrentPeriod: details.CurrentPeriod, ComparisonPeriod: details.ComparisonPeriod,
			}}

		case types.MethodPRR:
			value, lower, upper, details, ok := methods.PRR(disproportionate.a, disproportionate.b, disproportionate.c, disproportionate.d)
			signal, strength := classifier.ClassifyRatio(value, lower, disproportionate.a, req.Thresholds.PRRThreshold, ok)
			result = types.MethodResult{Method: m, Value: value, LowerCI: lower, UpperCI: upper, IsSignal: signal, SignalStrength: strength, Details: types.DisproportionalityDetails{
				A: details.A, B: details.B, C: details.C, D: details.D,
			}}

		case types.MethodROR:
			value, lower, upper, details, ok := methods.ROR(disproportionate.a, disproportionate.b, disproportionate.c, disproportionate.d)
			signal, strength := classifier.ClassifyRatio(value, lower, disproportionate.a, req.Thresholds.RORThreshold, ok)
			result = types.MethodResult{Method: m, Value: value, LowerCI: lower, UpperCI: upper, IsSignal: signal, SignalStrength: strength, Details: types.DisproportionalityDetails{
				A: details.A, B: details.B, C: details.C, D: details.D,
			}}

		case types.MethodEBGM:
			value, eb05, details, ok := methods.EBGM(disproportionate.a, disproportionate.b, disproportionate.c, disproportionate.d)
			signal, strength := classifier.ClassifyEBGM(value, eb05, ok)
			result = types.MethodResult{Method: m, Value: value, LowerCI: eb05, IsSignal: signal, SignalStrength: strength, Details: types.EBGMDetails{
				Observed: details.Observed, Expected: details.Expected, RR: details.RR,
			}}

		default:
			continue
		}

		if result.Value != nil {
			methodHadData[m] = true
		}
		results = append(results, result)
	}

	if allNull(results) {
		return nil, nil
	}

	signal := types.SignalResult{
		Entity:       entity.Entity,
		EntityLevel:  req.Level,
		TotalEvents:  entity.TotalEvents,
		Deaths:       entity.Deaths,
		Injuries:     entity.Injuries,
		Malfunctions: entity.Malfunctions,
		MethodResults: results,
		SignalType:   classifier.OverallStrength(results),
	}
	if entity.ComparisonTotalEvents != nil {
		current := entity.TotalEvents
		signal.CurrentPeriodEvents = &current
		signal.ComparisonPeriodEvents = entity.ComparisonTotalEvents
		if value, _ := methods.ChangePct(current, *entity.ComparisonTotalEvents); value != nil {
			signal.ChangePct = value
		}
	}
	if entityType, ok := querybuilder.EntityTypeForLevel(req.Level); ok {
		if members, ok := registry.MembersOf(activeGroups, entityType, entity.Entity); ok {
			signal.GroupMembers = members
		}
	}
	return &signal, nil
}

func allNull(results []types.MethodResult) bool {
	for _, r := range results {
		if r.Value != nil {
			return false
		}
	}
	return true
}

type disproportionalityCounts struct{ a, b, c, d int }

func (o *Orchestrator) fetchDisproportionality(ctx context.Context, entity, dateField string, start, end time.Time, built querybuilder.Result, comparisonPredicate querybuilder.Predicate) (*disproportionalityCounts, error) {
	entityTotals, comparisonTotals, err := o.Store.TargetVsOtherCounts(ctx, built.Predicate, comparisonPredicate, built.Expression, entity, deathEventType, dateField, start, end)
	if err != nil {
		return nil, err
	}
	return &disproportionalityCounts{
		a: entityTotals.TargetCount, b: entityTotals.OtherCount,
		c: comparisonTotals.TargetCount, d: comparisonTotals.OtherCount,
	}, nil
}

// hasChildren implements the bounded existence probe, cached by
// (childLevel, parentColumn, parentValue) — grouped parents probe each
// member in turn and short-circuit on the first hit, since the probe
// itself is already LIMIT-1 bounded per member.
func (o *Orchestrator) hasChildren(ctx context.Context, level, childLevel types.DrillLevel, entity string, activeGroups []types.EntityGroup) (bool, error) {
	childColumn := querybuilder.LevelColumn(childLevel)
	parentColumn := querybuilder.ParentColumn(childLevel)
	needsJoin := querybuilder.NeedsDeviceJoin(childLevel)

	members := []string{entity}
	if entityType, ok := querybuilder.EntityTypeForLevel(level); ok {
		if groupMembers, ok := registry.MembersOf(activeGroups, entityType, entity); ok {
			members = groupMembers
		}
	}

	for _, m := range members {
		key := string(childLevel) + "|" + parentColumn + "|" + m
		if cached, ok := o.childrenCache.Get(key); ok {
			if cached {
				return true, nil
			}
			continue
		}
		has, err := o.Store.HasChildren(ctx, childColumn, parentColumn, m, needsJoin)
		if err != nil {
			return false, err
		}
		o.childrenCache.Add(key, has)
		if has {
			return true, nil
		}
	}
	return false, nil
}

func sortSignals(signals []types.SignalResult) {
	rank := func(s types.SignalStrength) int {
		switch s {
		case types.StrengthHigh:
			return 2
		case types.StrengthElevated:
			return 1
		default:
			return 0
		}
	}
	sort.SliceStable(signals, func(i, j int) bool {
		if rank(signals[i].SignalType) != rank(signals[j].SignalType) {
			return rank(signals[i].SignalType) > rank(signals[j].SignalType)
		}
		if signals[i].TotalEvents != signals[j].TotalEvents {
			return signals[i].TotalEvents > signals[j].TotalEvents
		}
		return signals[i].Entity < signals[j].Entity
	})
}

func toMonthlyPoints(series []methods.MonthlyCount) []types.MonthlyPoint {
	out := make([]types.MonthlyPoint, len(series))
	for i, m := range series {
		out[i] = types.MonthlyPoint{Month: m.Month, Count: m.Count}
	}
	return out
}

func toCUSUMPoints(series []methods.CUSUMPoint) []types.CUSUMPoint {
	out := make([]types.CUSUMPoint, len(series))
	for i, p := range series {
		out[i] = types.CUSUMPoint{Month: p.Month, CUSUM: p.CUSUM, Count: p.Count}
	}
	return out
}
