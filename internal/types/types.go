// Package types holds the shared value types for the signal detection
// engine. These are plain structs passed between components; none of them
// own behavior that requires a store handle or a clock.
package types

import (
	"encoding/json"
	"time"
)

// Event is an immutable adverse-event report row (an FDA MAUDE "MDR").
// Attributes beyond those the core reads (patient demographics, narrative
// text) live in the store layer and are not modeled here.
type Event struct {
	MDRReportKey      string     `json:"mdr_report_key"`
	DateReceived      time.Time  `json:"date_received"`
	DateOfEvent       *time.Time `json:"date_of_event,omitempty"`
	EventType         string     `json:"event_type"` // D, IN, M, O, *
	ManufacturerClean string     `json:"manufacturer_clean"`
	ProductCode       string     `json:"product_code"`
}

// Device is a device row joined to an Event by MDRReportKey. One event may
// carry zero or more device rows.
type Device struct {
	MDRReportKey             string `json:"mdr_report_key"`
	BrandName                string `json:"brand_name"`
	GenericName              string `json:"generic_name"`
	ModelNumber              string `json:"model_number"`
	ManufacturerDClean       string `json:"manufacturer_d_clean"`
	DeviceReportProductCode  string `json:"device_report_product_code"`
	ImplantFlag              bool   `json:"implant_flag"`
}

// EntityType enumerates the dimensions an EntityGroup can alias.
type EntityType string

const (
	EntityManufacturer EntityType = "manufacturer"
	EntityBrand        EntityType = "brand"
	EntityGenericName  EntityType = "generic_name"
)

// DrillLevel enumerates the hierarchical aggregation granularity.
type DrillLevel string

const (
	LevelManufacturer DrillLevel = "manufacturer"
	LevelBrand        DrillLevel = "brand"
	LevelGeneric       DrillLevel = "generic"
	LevelModel         DrillLevel = "model"
)

// ChildLevel returns the next finer drill level, or "" at the leaf.
func (l DrillLevel) ChildLevel() DrillLevel {
	switch l {
	case LevelManufacturer:
		return LevelBrand
	case LevelBrand:
		return LevelGeneric
	case LevelGeneric:
		return LevelModel
	default:
		return ""
	}
}

// ParentLevel returns the next coarser drill level, or "" at the root.
func (l DrillLevel) ParentLevel() DrillLevel {
	switch l {
	case LevelBrand:
		return LevelManufacturer
	case LevelGeneric:
		return LevelBrand
	case LevelModel:
		return LevelGeneric
	default:
		return ""
	}
}

// EntityGroup is a user-defined (or seeded) alias collapsing several raw
// entity names into one logical entity for aggregation purposes.
type EntityGroup struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	EntityType  EntityType `json:"entity_type"`
	Members     []string   `json:"members"`
	DisplayName string     `json:"display_name"`
	IsActive    bool       `json:"is_active"`
	IsBuiltIn   bool       `json:"is_built_in"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TimeComparisonMode discriminates TimeComparisonConfig's variant fields.
type TimeComparisonMode string

const (
	TimeModeLookback TimeComparisonMode = "lookback"
	TimeModeCustom   TimeComparisonMode = "custom"
	TimeModeYoY      TimeComparisonMode = "yoy"
	TimeModeRolling  TimeComparisonMode = "rolling"
)

// TimePeriod is an inclusive calendar-date span used by custom-mode
// comparisons.
type TimePeriod struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// TimeComparisonConfig is a tagged record: only the fields relevant to
// Mode are meaningful. C2 reads the tag before touching mode-specific
// fields, matching the sum-type discipline spec'd for this type.
type TimeComparisonConfig struct {
	Mode TimeComparisonMode `json:"mode"`

	// lookback mode
	LookbackMonths int `json:"lookback_months,omitempty"`

	// custom mode
	PeriodA *TimePeriod `json:"period_a,omitempty"`
	PeriodB *TimePeriod `json:"period_b,omitempty"`

	// yoy mode
	CurrentYear    int  `json:"current_year,omitempty"`
	ComparisonYear int  `json:"comparison_year,omitempty"`
	Quarter        *int `json:"quarter,omitempty"`

	// rolling mode
	RollingWindowMonths int `json:"rolling_window_months,omitempty"`

	// zscore: explicit month to analyze (first of month); defaults to latest.
	ComparisonMonth *time.Time `json:"comparison_month,omitempty"`
}

// DefaultTimeComparisonConfig mirrors the lookback-12-months default used
// when a request omits time_config entirely.
func DefaultTimeComparisonConfig() TimeComparisonConfig {
	return TimeComparisonConfig{Mode: TimeModeLookback, LookbackMonths: 12}
}

// SignalMethod enumerates the eight detection methods.
type SignalMethod string

const (
	MethodZScore  SignalMethod = "zscore"
	MethodPRR     SignalMethod = "prr"
	MethodROR     SignalMethod = "ror"
	MethodEBGM    SignalMethod = "ebgm"
	MethodCUSUM   SignalMethod = "cusum"
	MethodYoY     SignalMethod = "yoy"
	MethodPoP     SignalMethod = "pop"
	MethodRolling SignalMethod = "rolling"
)

// ComparisonPopulation selects the denominator population for
// disproportionality methods.
type ComparisonPopulation string

const (
	ComparisonAll             ComparisonPopulation = "all"
	ComparisonSameProductCode ComparisonPopulation = "same_product_code"
	ComparisonCustom          ComparisonPopulation = "custom"
)

// SignalStrength is the three-level classification emitted by C5.
type SignalStrength string

const (
	StrengthHigh     SignalStrength = "high"
	StrengthElevated SignalStrength = "elevated"
	StrengthNormal   SignalStrength = "normal"
)

// rank orders strengths for the high > elevated > normal merge.
func (s SignalStrength) rank() int {
	switch s {
	case StrengthHigh:
		return 2
	case StrengthElevated:
		return 1
	default:
		return 0
	}
}

// Max returns the higher-ranked of two strengths.
func (s SignalStrength) Max(other SignalStrength) SignalStrength {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// ActiveEntityGroup is the wire-shape a caller may pass inline in a
// SignalRequest to apply a group without it being registered.
type ActiveEntityGroup struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Members     []string   `json:"members"`
	EntityType  EntityType `json:"entity_type"`
}

// Thresholds carries the per-method overridable classification cutoffs.
// Zero values are treated as "not overridden": SignalRequest.Normalize
// (via WithOverrides) fills them from the defaults before the classifier
// sees them.
type Thresholds struct {
	ZScoreHigh     float64 `json:"zscore_high_threshold,omitempty"`
	ZScoreElevated float64 `json:"zscore_elevated_threshold,omitempty"`
	PRRThreshold   float64 `json:"prr_threshold,omitempty"`
	RORThreshold   float64 `json:"ror_threshold,omitempty"`
	ChangePctHigh     float64 `json:"change_pct_high,omitempty"`
	ChangePctElevated float64 `json:"change_pct_elevated,omitempty"`
}

// DefaultThresholds returns the documented defaults from the classifier
// contract.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ZScoreHigh:        2.0,
		ZScoreElevated:    1.0,
		PRRThreshold:      2.0,
		RORThreshold:      2.0,
		ChangePctHigh:     100.0,
		ChangePctElevated: 50.0,
	}
}

// WithOverrides returns a copy of d with any non-zero field of o applied.
func (d Thresholds) WithOverrides(o Thresholds) Thresholds {
	if o.ZScoreHigh != 0 {
		d.ZScoreHigh = o.ZScoreHigh
	}
	if o.ZScoreElevated != 0 {
		d.ZScoreElevated = o.ZScoreElevated
	}
	if o.PRRThreshold != 0 {
		d.PRRThreshold = o.PRRThreshold
	}
	if o.RORThreshold != 0 {
		d.RORThreshold = o.RORThreshold
	}
	if o.ChangePctHigh != 0 {
		d.ChangePctHigh = o.ChangePctHigh
	}
	if o.ChangePctElevated != 0 {
		d.ChangePctElevated = o.ChangePctElevated
	}
	return d
}

// RequestDefaults carries the operator-configured baseline a request's
// min_events, limit, and thresholds fall back to when the request omits
// them, sourced from config.ThresholdsConfig rather than hardcoded here —
// a config file can shift what "no override given" means.
type RequestDefaults struct {
	MinEvents  int
	Limit      int
	Thresholds Thresholds
}

// DefaultRequestDefaults returns the documented defaults, used wherever no
// config-sourced RequestDefaults is supplied (e.g. tests constructing a
// SignalRequest directly).
func DefaultRequestDefaults() RequestDefaults {
	return RequestDefaults{MinEvents: 10, Limit: 20, Thresholds: DefaultThresholds()}
}

// SignalRequest is the canonical input to the orchestrator's detect
// operation.
type SignalRequest struct {
	Methods    []SignalMethod        `json:"methods"`
	TimeConfig TimeComparisonConfig  `json:"time_config"`

	Level       DrillLevel `json:"level"`
	ParentValue string     `json:"parent_value,omitempty"`

	ProductCodes []string `json:"product_codes,omitempty"`
	EventTypes   []string `json:"event_types,omitempty"`

	ComparisonPopulation ComparisonPopulation   `json:"comparison_population,omitempty"`
	ComparisonFilters    map[string]any         `json:"comparison_filters,omitempty"`

	ActiveGroups []ActiveEntityGroup `json:"active_groups,omitempty"`

	DateField string `json:"date_field,omitempty"` // "date_received" | "date_of_event"

	MinEvents int `json:"min_events,omitempty"`
	Limit     int `json:"limit,omitempty"`

	Thresholds Thresholds `json:"-"`

	Deadline time.Time `json:"-"`
}

// Normalize fills in request defaults the way the documented contract
// specifies them, returning a new value. defaults is the operator's
// configured baseline (zero fields fall back to DefaultRequestDefaults'
// values); a per-request override always wins over both.
func (r SignalRequest) Normalize(defaults RequestDefaults) SignalRequest {
	if defaults.MinEvents <= 0 {
		defaults.MinEvents = 10
	}
	if defaults.Limit <= 0 {
		defaults.Limit = 20
	}
	baseline := DefaultThresholds().WithOverrides(defaults.Thresholds)

	if len(r.Methods) == 0 {
		r.Methods = []SignalMethod{MethodZScore}
	}
	if r.TimeConfig.Mode == "" {
		r.TimeConfig = DefaultTimeComparisonConfig()
	}
	if r.Level == "" {
		r.Level = LevelManufacturer
	}
	if r.ComparisonPopulation == "" {
		r.ComparisonPopulation = ComparisonAll
	}
	if r.DateField == "" {
		r.DateField = "date_received"
	}
	if r.MinEvents == 0 {
		r.MinEvents = defaults.MinEvents
	}
	if r.Limit == 0 {
		r.Limit = defaults.Limit
	}
	r.Thresholds = baseline.WithOverrides(r.Thresholds)
	return r
}

// MethodResult is the tagged output of a single method's computation for
// one entity. Details is discriminated by Method; see the per-method
// Details* types below.
type MethodResult struct {
	Method         SignalMethod   `json:"method"`
	Value          *float64       `json:"value,omitempty"`
	LowerCI        *float64       `json:"lower_ci,omitempty"`
	UpperCI        *float64       `json:"upper_ci,omitempty"`
	IsSignal       bool           `json:"is_signal"`
	SignalStrength SignalStrength `json:"signal_strength"`
	Details        any            `json:"details,omitempty"`
}

// ZScoreDetails backs MethodResult.Details for zscore.
type ZScoreDetails struct {
	AvgMonthly    float64         `json:"avg_monthly"`
	StdMonthly    float64         `json:"std_monthly"`
	LatestMonth   string          `json:"latest_month"`
	MonthlySeries []MonthlyPoint  `json:"monthly_series"`
}

// RollingDetails backs MethodResult.Details for rolling.
type RollingDetails struct {
	RollingAvg    float64        `json:"rolling_avg"`
	RollingStd    float64        `json:"rolling_std"`
	Latest        float64        `json:"latest"`
	WindowMonths  int            `json:"window_months"`
	MonthlySeries []MonthlyPoint `json:"monthly_series"`
}

// CUSUMDetails backs MethodResult.Details for cusum.
type CUSUMDetails struct {
	Mean          float64          `json:"mean"`
	Std           float64          `json:"std"`
	ControlLimit  float64          `json:"control_limit"`
	CUSUMSeries   []CUSUMPoint     `json:"cusum_series"`
}

// ChangeDetails backs MethodResult.Details for yoy and pop.
type ChangeDetails struct {
	CurrentPeriod    int `json:"current_period"`
	ComparisonPeriod int `json:"comparison_period"`
}

// DisproportionalityDetails backs MethodResult.Details for prr and ror.
type DisproportionalityDetails struct {
	A int `json:"a"`
	B int `json:"b"`
	C int `json:"c"`
	D int `json:"d"`
}

// EBGMDetails backs MethodResult.Details for ebgm.
type EBGMDetails struct {
	Observed int     `json:"observed"`
	Expected float64 `json:"expected"`
	RR       float64 `json:"rr"`
}

// MonthlyPoint is a single bucket in a zero-filled monthly series.
type MonthlyPoint struct {
	Month string `json:"month"`
	Count int    `json:"count"`
}

// CUSUMPoint is a single bucket in a CUSUM series.
type CUSUMPoint struct {
	Month string  `json:"month"`
	CUSUM float64 `json:"cusum"`
	Count int     `json:"count"`
}

// SignalResult is the per-entity record returned in a SignalResponse.
type SignalResult struct {
	Entity      string     `json:"entity"`
	EntityLevel DrillLevel `json:"entity_level"`

	TotalEvents  int `json:"total_events"`
	Deaths       int `json:"deaths"`
	Injuries     int `json:"injuries"`
	Malfunctions int `json:"malfunctions"`

	CurrentPeriodEvents    *int     `json:"current_period_events,omitempty"`
	ComparisonPeriodEvents *int     `json:"comparison_period_events,omitempty"`
	ChangePct              *float64 `json:"change_pct,omitempty"`

	MethodResults []MethodResult `json:"method_results"`

	SignalType SignalStrength `json:"signal_type"`

	HasChildren bool        `json:"has_children"`
	ChildLevel  *DrillLevel `json:"child_level,omitempty"`

	// GroupMembers lists the raw values folded into this entity when it is
	// a registry display name rather than a raw value, so the drill-down
	// UI can show what it aggregates. Omitted for an entity that isn't
	// currently a grouped display name.
	GroupMembers []string `json:"group_members,omitempty"`
}

// TimeInfo describes the concrete windows C2 resolved for the request.
type TimeInfo struct {
	Mode             TimeComparisonMode `json:"mode"`
	AnalysisStart    time.Time          `json:"analysis_start"`
	AnalysisEnd      time.Time          `json:"analysis_end"`
	ComparisonStart  *time.Time         `json:"comparison_start,omitempty"`
	ComparisonEnd    *time.Time         `json:"comparison_end,omitempty"`
	RollingWindow    *int               `json:"rolling_window,omitempty"`
}

// DataCompleteness reports reporting-lag-affected months in the analysis
// window.
type DataCompleteness struct {
	LastCompleteMonth  string   `json:"last_complete_month"`
	IncompleteMonths   []string `json:"incomplete_months"`
	EstimatedLagMonths int      `json:"estimated_lag_months"`
}

// SignalResponse is the output of the orchestrator's detect operation.
type SignalResponse struct {
	Level          DrillLevel     `json:"level"`
	ParentValue    string         `json:"parent_value,omitempty"`
	MethodsApplied []SignalMethod `json:"methods_applied"`

	TimeInfo TimeInfo `json:"time_info"`

	Signals              []SignalResult `json:"signals"`
	TotalEntitiesAnalyzed int           `json:"total_entities_analyzed"`

	HighSignalCount     int `json:"high_signal_count"`
	ElevatedSignalCount int `json:"elevated_signal_count"`
	NormalCount         int `json:"normal_count"`

	DataNote         string            `json:"data_note,omitempty"`
	DataCompleteness *DataCompleteness `json:"data_completeness,omitempty"`
}

// DisproportionalityInput is the 2x2 contingency table behind PRR, ROR,
// and EBGM; the methods package takes the four cells as separate ints.
type DisproportionalityInput struct {
	A int // target-event count for the entity
	B int // other-event count for the entity
	C int // target-event count for the rest of the population
	D int // other-event count for the rest of the population
}

// EntityTotals is a per-entity event-count tuple; C3 itself carries these
// totals in aggregator.EntityData.
type EntityTotals struct {
	Total        int
	Deaths       int
	Injuries     int
	Malfunctions int
}

// RawMessage re-exports json.RawMessage so store adapters can defer
// narrative/payload decoding without importing encoding/json directly.
type RawMessage = json.RawMessage

// AvailableEntity is one row of the registry's available-entities listing:
// a raw (ungrouped) or grouped entity value together with its event count
// and current group assignment, if any.
type AvailableEntity struct {
	Value        string `json:"value"`
	EventCount   int    `json:"event_count"`
	GroupID      string `json:"group_id,omitempty"`
	GroupName    string `json:"group_name,omitempty"`
	IsGrouped    bool   `json:"is_grouped"`
}

// StoreStats summarizes the event store's current generation, surfaced by
// the supplemented Stats operation.
type StoreStats struct {
	TotalEvents      int       `json:"total_events"`
	EarliestReceived time.Time `json:"earliest_received"`
	LatestReceived   time.Time `json:"latest_received"`
}

// ─── Error taxonomy ─────────────────────────────────────────────────────

// ErrorCode names the stable, client-visible error kinds.
type ErrorCode string

const (
	ErrBadRequest      ErrorCode = "BAD_REQUEST"
	ErrBadFilter       ErrorCode = "BAD_FILTER"
	ErrGroupConflict   ErrorCode = "GROUP_CONFLICT"
	ErrTimeout         ErrorCode = "TIMEOUT"
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

// APIError is the typed error returned by every component that can fail in
// a way the caller needs to distinguish. It implements error.
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Field   string    `json:"field,omitempty"`
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return string(e.Code) + ": " + e.Message + " (field: " + e.Field + ")"
	}
	return string(e.Code) + ": " + e.Message
}

// HTTPStatus maps the error taxonomy to the propagation policy in the
// error handling design: BadRequest/BadFilter/GroupConflict are 4xx,
// Timeout/StoreUnavailable are 5xx.
func (e *APIError) HTTPStatus() int {
	switch e.Code {
	case ErrBadRequest:
		return 400
	case ErrBadFilter:
		return 422
	case ErrGroupConflict:
		return 409
	case ErrTimeout:
		return 504
	case ErrStoreUnavailable:
		return 503
	default:
		return 500
	}
}

func NewBadRequest(msg, field string) *APIError {
	return &APIError{Code: ErrBadRequest, Message: msg, Field: field}
}

func NewBadFilter(msg, field string) *APIError {
	return &APIError{Code: ErrBadFilter, Message: msg, Field: field}
}

func NewGroupConflict(msg string) *APIError {
	return &APIError{Code: ErrGroupConflict, Message: msg}
}

func NewTimeout(msg string) *APIError {
	return &APIError{Code: ErrTimeout, Message: msg}
}

func NewStoreUnavailable(msg string) *APIError {
	return &APIError{Code: ErrStoreUnavailable, Message: msg}
}
