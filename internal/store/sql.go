package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/signaldetect/maude/internal/querybuilder"
	"github.com/signaldetect/maude/internal/types"
)

// SQLStore implements Store over database/sql, using Postgres-style
// numbered placeholders ($1, $2, ...) the way the teacher's activity
// store built its queries, even though the driver underneath is
// modernc.org/sqlite — SQLite accepts named "$N" placeholders and binds
// them positionally in first-appearance order, so the convention carries
// over unchanged.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an already-open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the events and devices tables and their indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			mdr_report_key      TEXT PRIMARY KEY,
			date_received       DATE NOT NULL,
			date_of_event       DATE,
			event_type          TEXT NOT NULL,
			manufacturer_clean  TEXT,
			product_code        TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_manufacturer ON events (manufacturer_clean);
		CREATE INDEX IF NOT EXISTS idx_events_date_received ON events (date_received);
		CREATE INDEX IF NOT EXISTS idx_events_product_code ON events (product_code);

		CREATE TABLE IF NOT EXISTS devices (
			mdr_report_key             TEXT NOT NULL,
			brand_name                 TEXT,
			generic_name                TEXT,
			model_number                TEXT,
			manufacturer_d_clean        TEXT,
			device_report_product_code  TEXT,
			implant_flag                 BOOLEAN,
			FOREIGN KEY (mdr_report_key) REFERENCES events (mdr_report_key)
		);
		CREATE INDEX IF NOT EXISTS idx_devices_report ON devices (mdr_report_key);
		CREATE INDEX IF NOT EXISTS idx_devices_brand ON devices (brand_name);
		CREATE INDEX IF NOT EXISTS idx_devices_generic ON devices (generic_name);
		CREATE INDEX IF NOT EXISTS idx_devices_model ON devices (model_number);
	`)
	return err
}

// placeholders assigns sequential "$N" placeholders and collects bound
// values, so SELECT and WHERE fragments built in sequence share one
// consistent numbering.
type placeholders struct {
	args []any
}

func (p *placeholders) next(v any) string {
	p.args = append(p.args, v)
	return fmt.Sprintf("$%d", len(p.args))
}

// renderEntityExpr turns an EntityExpression into a SQL scalar
// expression: either the bare column, or a CASE WHEN col IN (...) THEN
// 'display' ... ELSE col END chain for group rewriting.
func renderEntityExpr(expr querybuilder.EntityExpression, ph *placeholders) string {
	if expr.IsIdentity() {
		return expr.Column
	}
	var b strings.Builder
	b.WriteString("CASE")
	for _, c := range expr.Cases {
		marks := make([]string, len(c.Members))
		for i, m := range c.Members {
			marks[i] = ph.next(m)
		}
		fmt.Fprintf(&b, " WHEN %s IN (%s) THEN %s", expr.Column, strings.Join(marks, ", "), ph.next(c.DisplayName))
	}
	fmt.Fprintf(&b, " ELSE %s END", expr.Column)
	return b.String()
}

// renderConditions turns a Predicate's conditions into a SQL WHERE
// fragment (without the leading "WHERE"), sharing ph's numbering with
// whatever was already rendered.
func renderConditions(conditions []querybuilder.Condition, ph *placeholders) string {
	if len(conditions) == 0 {
		return "1=1"
	}
	parts := make([]string, 0, len(conditions))
	for _, c := range conditions {
		switch c.Op {
		case querybuilder.OpIsNotNull:
			parts = append(parts, fmt.Sprintf("%s IS NOT NULL", c.Column))
		case querybuilder.OpIn:
			values, ok := c.Value.([]string)
			if !ok || len(values) == 0 {
				parts = append(parts, "1=0")
				continue
			}
			marks := make([]string, len(values))
			for i, v := range values {
				marks[i] = ph.next(v)
			}
			parts = append(parts, fmt.Sprintf("%s IN (%s)", c.Column, strings.Join(marks, ", ")))
		case querybuilder.OpLike:
			parts = append(parts, fmt.Sprintf("LOWER(%s) LIKE %s", c.Column, ph.next(c.Value)))
		default:
			parts = append(parts, fmt.Sprintf("%s %s %s", c.Column, c.Op, ph.next(c.Value)))
		}
	}
	return strings.Join(parts, " AND ")
}

func joinClause(needsDeviceJoin bool) string {
	if needsDeviceJoin {
		return " JOIN devices d ON m.mdr_report_key = d.mdr_report_key"
	}
	return ""
}

// AggregateMonthly implements Store.
func (s *SQLStore) AggregateMonthly(ctx context.Context, q AggregateQuery) ([]EntityMonthly, error) {
	ph := &placeholders{}
	entityExpr := renderEntityExpr(q.Expression, ph)
	where := renderConditions(q.Predicate.Conditions, ph)
	dateCol := "m." + q.DateField

	query := fmt.Sprintf(`
		SELECT %s AS entity, strftime('%%Y-%%m', %s) AS month,
			COUNT(*) AS cnt,
			SUM(CASE WHEN m.event_type = 'D' THEN 1 ELSE 0 END) AS deaths,
			SUM(CASE WHEN m.event_type = 'IN' THEN 1 ELSE 0 END) AS injuries,
			SUM(CASE WHEN m.event_type = 'M' THEN 1 ELSE 0 END) AS malfunctions
		FROM events m%s
		WHERE %s AND %s >= %s AND %s <= %s
		GROUP BY entity, month
		ORDER BY entity, month
	`, entityExpr, dateCol, joinClause(q.Predicate.NeedsDeviceJoin), where,
		dateCol, ph.next(q.Start), dateCol, ph.next(q.End))

	rows, err := s.db.QueryContext(ctx, query, ph.args...)
	if err != nil {
		return nil, fmt.Errorf("aggregating monthly counts: %w", err)
	}
	defer rows.Close()

	byEntity := make(map[string]*EntityMonthly)
	var order []string
	for rows.Next() {
		var entity, month string
		var cnt, deaths, injuries, malfunctions int
		if err := rows.Scan(&entity, &month, &cnt, &deaths, &injuries, &malfunctions); err != nil {
			return nil, fmt.Errorf("scanning monthly row: %w", err)
		}
		em, ok := byEntity[entity]
		if !ok {
			em = &EntityMonthly{Entity: entity}
			byEntity[entity] = em
			order = append(order, entity)
		}
		em.Series = append(em.Series, MonthCount{Month: month, Count: cnt})
		em.TotalEvents += cnt
		em.Deaths += deaths
		em.Injuries += injuries
		em.Malfunctions += malfunctions
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]EntityMonthly, 0, len(order))
	for _, entity := range order {
		em := byEntity[entity]
		if em.TotalEvents < q.MinEvents {
			continue
		}
		out = append(out, *em)
	}
	return out, nil
}

// TargetVsOtherCounts implements Store.
func (s *SQLStore) TargetVsOtherCounts(ctx context.Context, entityPredicate, comparisonPredicate querybuilder.Predicate, expression querybuilder.EntityExpression, entity, eventTypeFilter, dateField string, start, end time.Time) (EntityTotals, EntityTotals, error) {
	entityTotals, err := s.targetVsOther(ctx, entityPredicate, expression, entity, eventTypeFilter, dateField, start, end, true)
	if err != nil {
		return EntityTotals{}, EntityTotals{}, err
	}
	comparisonTotals, err := s.targetVsOther(ctx, comparisonPredicate, expression, entity, eventTypeFilter, dateField, start, end, false)
	if err != nil {
		return EntityTotals{}, EntityTotals{}, err
	}
	return entityTotals, comparisonTotals, nil
}

func (s *SQLStore) targetVsOther(ctx context.Context, pred querybuilder.Predicate, expression querybuilder.EntityExpression, entity, eventTypeFilter, dateField string, start, end time.Time, scopeToEntity bool) (EntityTotals, error) {
	ph := &placeholders{}
	entityExpr := renderEntityExpr(expression, ph)
	where := renderConditions(pred.Conditions, ph)
	dateCol := "m." + dateField

	// The comparison side must exclude the target entity's own rows —
	// a strictly disjoint entity/other split, not a whole-population
	// denominator with the entity double-counted into it.
	entityScope := fmt.Sprintf("%s != %s", entityExpr, ph.next(entity))
	if scopeToEntity {
		entityScope = fmt.Sprintf("%s = %s", entityExpr, ph.next(entity))
	}

	query := fmt.Sprintf(`
		SELECT
			SUM(CASE WHEN m.event_type = %s THEN 1 ELSE 0 END) AS target,
			SUM(CASE WHEN m.event_type != %s THEN 1 ELSE 0 END) AS other
		FROM events m%s
		WHERE %s AND %s AND %s >= %s AND %s <= %s
	`, ph.next(eventTypeFilter), ph.next(eventTypeFilter), joinClause(pred.NeedsDeviceJoin),
		where, entityScope, dateCol, ph.next(start), dateCol, ph.next(end))

	var totals EntityTotals
	row := s.db.QueryRowContext(ctx, query, ph.args...)
	if err := row.Scan(&totals.TargetCount, &totals.OtherCount); err != nil {
		return EntityTotals{}, fmt.Errorf("counting target/other events: %w", err)
	}
	return totals, nil
}

// HasChildren implements Store. It issues a bounded existence probe —
// LIMIT 1 — rather than assuming non-model levels always have children.
func (s *SQLStore) HasChildren(ctx context.Context, childColumn, parentColumn, parentValue string, needsDeviceJoin bool) (bool, error) {
	ph := &placeholders{}
	query := fmt.Sprintf(`
		SELECT 1 FROM events m%s
		WHERE %s IS NOT NULL AND %s = %s
		LIMIT 1
	`, joinClause(needsDeviceJoin), childColumn, parentColumn, ph.next(parentValue))

	var dummy int
	err := s.db.QueryRowContext(ctx, query, ph.args...).Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probing for children: %w", err)
	}
	return true, nil
}

// AvailableEntities implements Store.
func (s *SQLStore) AvailableEntities(ctx context.Context, level types.DrillLevel, limit int) ([]types.AvailableEntity, error) {
	col := querybuilder.LevelColumn(level)
	if col == "" {
		return nil, fmt.Errorf("unknown drill level: %s", level)
	}
	ph := &placeholders{}
	query := fmt.Sprintf(`
		SELECT %s AS entity, COUNT(*) AS cnt
		FROM events m%s
		WHERE %s IS NOT NULL
		GROUP BY entity
		ORDER BY cnt DESC
		LIMIT %s
	`, col, joinClause(querybuilder.NeedsDeviceJoin(level)), col, ph.next(limit))

	rows, err := s.db.QueryContext(ctx, query, ph.args...)
	if err != nil {
		return nil, fmt.Errorf("listing available entities: %w", err)
	}
	defer rows.Close()

	var out []types.AvailableEntity
	for rows.Next() {
		var e types.AvailableEntity
		if err := rows.Scan(&e.Value, &e.EventCount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats implements Store.
func (s *SQLStore) Stats(ctx context.Context) (types.StoreStats, error) {
	var stats types.StoreStats
	var total int
	var earliest, latest sql.NullTime
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(date_received), MAX(date_received) FROM events
	`)
	if err := row.Scan(&total, &earliest, &latest); err != nil {
		return stats, fmt.Errorf("reading store stats: %w", err)
	}
	stats.TotalEvents = total
	if earliest.Valid {
		stats.EarliestReceived = earliest.Time
	}
	if latest.Valid {
		stats.LatestReceived = latest.Time
	}
	return stats, nil
}

// InsertEvent writes a single event row; used by the demo seeder.
func (s *SQLStore) InsertEvent(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (mdr_report_key, date_received, date_of_event, event_type, manufacturer_clean, product_code)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (mdr_report_key) DO NOTHING
	`, e.MDRReportKey, e.DateReceived, e.DateOfEvent, e.EventType, e.ManufacturerClean, e.ProductCode)
	return err
}

// InsertDevice writes a single device row; used by the demo seeder.
func (s *SQLStore) InsertDevice(ctx context.Context, d Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (mdr_report_key, brand_name, generic_name, model_number, manufacturer_d_clean, device_report_product_code, implant_flag)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.MDRReportKey, d.BrandName, d.GenericName, d.ModelNumber, d.ManufacturerDClean, d.DeviceReportProductCode, d.ImplantFlag)
	return err
}
