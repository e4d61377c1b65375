package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/signaldetect/maude/internal/querybuilder"
	"github.com/signaldetect/maude/internal/types"
)

// MemoryStore implements Store over in-memory slices, for tests and
// demos — no database required, mirroring the teacher's own
// activity.MemoryStore.
type MemoryStore struct {
	mu      sync.RWMutex
	events  []Event
	devices map[string][]Device // keyed by MDRReportKey
}

// NewMemoryStore creates a new empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string][]Device)}
}

// InsertEvent adds an event row.
func (s *MemoryStore) InsertEvent(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// InsertDevice adds a device row.
func (s *MemoryStore) InsertDevice(_ context.Context, d Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.MDRReportKey] = append(s.devices[d.MDRReportKey], d)
	return nil
}

// row is a flattened event/device pair, matching the SQL store's implicit
// join, so the in-memory predicate evaluator can stay column-name-driven
// like renderConditions rather than duplicating FilterSpec logic.
type row struct {
	event  Event
	device Device // zero value when the query doesn't need the join or the event has no devices
}

func (s *MemoryStore) rows(needsDeviceJoin bool) []row {
	var out []row
	for _, e := range s.events {
		devices := s.devices[e.MDRReportKey]
		if !needsDeviceJoin || len(devices) == 0 {
			out = append(out, row{event: e})
			continue
		}
		for _, d := range devices {
			out = append(out, row{event: e, device: d})
		}
	}
	return out
}

func columnValue(r row, column string) any {
	switch column {
	case "m.manufacturer_clean":
		return r.event.ManufacturerClean
	case "m.product_code":
		return r.event.ProductCode
	case "m.event_type":
		return r.event.EventType
	case "m.date_received":
		return r.event.DateReceived
	case "m.date_of_event":
		if r.event.DateOfEvent == nil {
			return nil
		}
		return *r.event.DateOfEvent
	case "d.brand_name":
		return r.device.BrandName
	case "d.generic_name":
		return r.device.GenericName
	case "d.model_number":
		return r.device.ModelNumber
	case "d.manufacturer_d_clean":
		return r.device.ManufacturerDClean
	case "d.device_report_product_code":
		return r.device.DeviceReportProductCode
	case "d.implant_flag":
		return r.device.ImplantFlag
	default:
		return nil
	}
}

func matches(r row, conditions []querybuilder.Condition) bool {
	for _, c := range conditions {
		v := columnValue(r, c.Column)
		switch c.Op {
		case querybuilder.OpIsNotNull:
			if v == nil || v == "" {
				return false
			}
		case querybuilder.OpIn:
			values, _ := c.Value.([]string)
			s, ok := v.(string)
			if !ok || !containsString(values, s) {
				return false
			}
		case querybuilder.OpEq:
			if !equalValue(v, c.Value) {
				return false
			}
		case querybuilder.OpGte:
			t, ok := v.(time.Time)
			want, ok2 := c.Value.(time.Time)
			if !ok || !ok2 || t.Before(want) {
				return false
			}
		case querybuilder.OpLte:
			t, ok := v.(time.Time)
			want, ok2 := c.Value.(time.Time)
			if !ok || !ok2 || t.After(want) {
				return false
			}
		case querybuilder.OpLike:
			s, ok := v.(string)
			pattern, ok2 := c.Value.(string)
			if !ok || !ok2 {
				return false
			}
			needle := strings.Trim(pattern, "%")
			if !strings.Contains(strings.ToLower(s), needle) {
				return false
			}
		}
	}
	return true
}

func equalValue(a, b any) bool {
	if ab, ok := a.(bool); ok {
		bb, ok2 := b.(bool)
		return ok2 && ab == bb
	}
	as, ok := a.(string)
	bs, ok2 := b.(string)
	return ok && ok2 && as == bs
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func entityValue(r row, expr querybuilder.EntityExpression) string {
	raw, _ := columnValue(r, expr.Column).(string)
	if expr.IsIdentity() {
		return raw
	}
	key := strings.ToLower(strings.TrimSpace(raw))
	for _, c := range expr.Cases {
		for _, m := range c.Members {
			if strings.ToLower(strings.TrimSpace(m)) == key {
				return c.DisplayName
			}
		}
	}
	return raw
}

func dateFieldValue(r row, dateField string) (time.Time, bool) {
	if dateField == "date_of_event" {
		if r.event.DateOfEvent == nil {
			return time.Time{}, false
		}
		return *r.event.DateOfEvent, true
	}
	return r.event.DateReceived, true
}

// AggregateMonthly implements Store.
func (s *MemoryStore) AggregateMonthly(_ context.Context, q AggregateQuery) ([]EntityMonthly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type bucket struct {
		month                           string
		count, deaths, injuries, malf int
	}
	byEntity := make(map[string]map[string]*bucket)
	var order []string

	for _, r := range s.rows(q.Predicate.NeedsDeviceJoin) {
		if !matches(r, q.Predicate.Conditions) {
			continue
		}
		d, ok := dateFieldValue(r, q.DateField)
		if !ok || d.Before(q.Start) || d.After(q.End) {
			continue
		}
		entity := entityValue(r, q.Expression)
		if entity == "" {
			continue
		}
		months, ok := byEntity[entity]
		if !ok {
			months = make(map[string]*bucket)
			byEntity[entity] = months
			order = append(order, entity)
		}
		month := d.Format("2006-01")
		b, ok := months[month]
		if !ok {
			b = &bucket{month: month}
			months[month] = b
		}
		b.count++
		switch r.event.EventType {
		case "D":
			b.deaths++
		case "IN":
			b.injuries++
		case "M":
			b.malf++
		}
	}

	sort.Strings(order)
	out := make([]EntityMonthly, 0, len(order))
	for _, entity := range order {
		em := EntityMonthly{Entity: entity}
		monthKeys := make([]string, 0, len(byEntity[entity]))
		for m := range byEntity[entity] {
			monthKeys = append(monthKeys, m)
		}
		sort.Strings(monthKeys)
		for _, m := range monthKeys {
			b := byEntity[entity][m]
			em.Series = append(em.Series, MonthCount{Month: m, Count: b.count})
			em.TotalEvents += b.count
			em.Deaths += b.deaths
			em.Injuries += b.injuries
			em.Malfunctions += b.malf
		}
		if em.TotalEvents < q.MinEvents {
			continue
		}
		out = append(out, em)
	}
	return out, nil
}

// TargetVsOtherCounts implements Store.
func (s *MemoryStore) TargetVsOtherCounts(_ context.Context, entityPredicate, comparisonPredicate querybuilder.Predicate, expression querybuilder.EntityExpression, entity, eventTypeFilter, dateField string, start, end time.Time) (EntityTotals, EntityTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := func(pred querybuilder.Predicate, scopeToEntity bool) EntityTotals {
		var totals EntityTotals
		for _, r := range s.rows(pred.NeedsDeviceJoin) {
			if !matches(r, pred.Conditions) {
				continue
			}
			d, ok := dateFieldValue(r, dateField)
			if !ok || d.Before(start) || d.After(end) {
				continue
			}
			// The comparison side excludes the target entity's own
			// rows entirely, so the "other" marginals never double-
			// count the entity into its own comparison population.
			ev := entityValue(r, expression)
			if scopeToEntity {
				if ev != entity {
					continue
				}
			} else if ev == entity {
				continue
			}
			if r.event.EventType == eventTypeFilter {
				totals.TargetCount++
			} else {
				totals.OtherCount++
			}
		}
		return totals
	}

	return count(entityPredicate, true), count(comparisonPredicate, false), nil
}

// HasChildren implements Store via a bounded linear scan — still an
// existence probe, never an optimistic shortcut, just backed by a slice
// instead of an index.
func (s *MemoryStore) HasChildren(_ context.Context, childColumn, parentColumn, parentValue string, needsDeviceJoin bool) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rows(needsDeviceJoin) {
		child, _ := columnValue(r, childColumn).(string)
		parent, _ := columnValue(r, parentColumn).(string)
		if child != "" && parent == parentValue {
			return true, nil
		}
	}
	return false, nil
}

// AvailableEntities implements Store.
func (s *MemoryStore) AvailableEntities(_ context.Context, level types.DrillLevel, limit int) ([]types.AvailableEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col := querybuilder.LevelColumn(level)
	counts := make(map[string]int)
	for _, r := range s.rows(querybuilder.NeedsDeviceJoin(level)) {
		v, _ := columnValue(r, col).(string)
		if v == "" {
			continue
		}
		counts[v]++
	}
	values := make([]string, 0, len(counts))
	for v := range counts {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return counts[values[i]] > counts[values[j]] })
	if len(values) > limit {
		values = values[:limit]
	}
	out := make([]types.AvailableEntity, 0, len(values))
	for _, v := range values {
		out = append(out, types.AvailableEntity{Value: v, EventCount: counts[v]})
	}
	return out, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(_ context.Context) (types.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := types.StoreStats{TotalEvents: len(s.events)}
	for _, e := range s.events {
		if stats.EarliestReceived.IsZero() || e.DateReceived.Before(stats.EarliestReceived) {
			stats.EarliestReceived = e.DateReceived
		}
		if stats.LatestReceived.IsZero() || e.DateReceived.After(stats.LatestReceived) {
			stats.LatestReceived = e.DateReceived
		}
	}
	return stats, nil
}
