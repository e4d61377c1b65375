package orchestrator

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signaldetect/maude/internal/registry"
	"github.com/signaldetect/maude/internal/store"
	"github.com/signaldetect/maude/internal/types"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	st := store.NewMemoryStore()
	if err := store.SeedDemoData(context.Background(), st); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("opening registry db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	reg := registry.New(db, st)
	if err := reg.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating registry: %v", err)
	}

	o, err := New(st, reg, 128, 2, types.DefaultRequestDefaults())
	if err != nil {
		t.Fatalf("building orchestrator: %v", err)
	}
	o.Clock = func() time.Time { return time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC) }
	return o
}

func customWindow(start, end time.Time) types.TimeComparisonConfig {
	return types.TimeComparisonConfig{
		Mode: types.TimeModeCustom,
		PeriodA: &types.TimePeriod{
			StartDate: start, EndDate: end,
		},
		PeriodB: &types.TimePeriod{
			StartDate: start, EndDate: end,
		},
	}
}

func TestDetectFlagsTheZScoreSpike(t *testing.T) {
	o := newTestOrchestrator(t)
	req := types.SignalRequest{
		Methods:    []types.SignalMethod{types.MethodZScore},
		TimeConfig: customWindow(time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)),
		Level:      types.LevelManufacturer,
		MinEvents:  1,
	}

	resp, apiErr := o.Detect(context.Background(), req)
	if apiErr != nil {
		t.Fatalf("detect: %v", apiErr)
	}
	// Harbor's flat baseline has zero variance, so its only requested
	// method (zscore) returns a null value — discarded entirely per the
	// "every method null" rule, leaving ACME's spike and Northwind's drift.
	if len(resp.Signals) != 2 {
		t.Fatalf("expected 2 entities with a computable zscore, got %d: %+v", len(resp.Signals), resp.Signals)
	}

	var acme *types.SignalResult
	for i := range resp.Signals {
		if resp.Signals[i].Entity == "ACME MEDICAL INC" {
			acme = &resp.Signals[i]
		}
	}
	if acme == nil {
		t.Fatal("expected ACME MEDICAL INC in results")
	}
	if acme.SignalType != types.StrengthHigh {
		t.Fatalf("expected ACME's spike to classify high, got %v", acme.SignalType)
	}
	if !acme.HasChildren || acme.ChildLevel == nil || *acme.ChildLevel != types.LevelBrand {
		t.Fatalf("expected ACME to report a brand child level, got has_children=%v child_level=%v", acme.HasChildren, acme.ChildLevel)
	}

	for _, s := range resp.Signals {
		if s.Entity == "HARBOR SURGICAL CO" {
			t.Fatal("expected Harbor's flat baseline to be discarded, not reported")
		}
	}
}

func TestDetectAppliesMinEventsGate(t *testing.T) {
	o := newTestOrchestrator(t)
	req := types.SignalRequest{
		Methods:    []types.SignalMethod{types.MethodZScore},
		TimeConfig: customWindow(time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)),
		Level:      types.LevelManufacturer,
		MinEvents:  1000,
	}
	resp, apiErr := o.Detect(context.Background(), req)
	if apiErr != nil {
		t.Fatalf("detect: %v", apiErr)
	}
	if resp.DataNote != "analysis window extends past the last complete month (2025-11); recent counts may rise as more reports arrive; no events matched filters" {
		t.Fatalf("expected the unreachable min_events gate to empty the response, got note %q and %d signals", resp.DataNote, len(resp.Signals))
	}
}

func TestDetectDrillsDownIntoBrandLevel(t *testing.T) {
	o := newTestOrchestrator(t)
	req := types.SignalRequest{
		Methods:     []types.SignalMethod{types.MethodZScore},
		TimeConfig:  customWindow(time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)),
		Level:       types.LevelBrand,
		ParentValue: "ACME MEDICAL INC",
		MinEvents:   1,
	}
	resp, apiErr := o.Detect(context.Background(), req)
	if apiErr != nil {
		t.Fatalf("detect: %v", apiErr)
	}
	if len(resp.Signals) != 1 || resp.Signals[0].Entity != "PULSEGUARD" {
		t.Fatalf("expected exactly PULSEGUARD scoped under ACME, got %+v", resp.Signals)
	}
}

func TestDetectComputesDisproportionalityMethods(t *testing.T) {
	o := newTestOrchestrator(t)
	req := types.SignalRequest{
		Methods:    []types.SignalMethod{types.MethodPRR, types.MethodROR, types.MethodEBGM},
		TimeConfig: customWindow(time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)),
		Level:      types.LevelManufacturer,
		MinEvents:  1,
	}
	resp, apiErr := o.Detect(context.Background(), req)
	if apiErr != nil {
		t.Fatalf("detect: %v", apiErr)
	}

	var acme *types.SignalResult
	for i := range resp.Signals {
		if resp.Signals[i].Entity == "ACME MEDICAL INC" {
			acme = &resp.Signals[i]
		}
	}
	if acme == nil {
		t.Fatal("expected ACME in results")
	}
	for _, r := range acme.MethodResults {
		if r.Value == nil {
			t.Fatalf("expected %s to be computable for ACME (a>=3 deaths seeded), got null", r.Method)
		}
		if (r.Method == types.MethodPRR || r.Method == types.MethodROR) && r.IsSignal && (r.LowerCI == nil || *r.LowerCI < 1.0) {
			t.Fatalf("invariant violated: %s reported is_signal=true with lower_ci %v", r.Method, r.LowerCI)
		}
	}
}

func TestDetectExposesGroupMembersForAGroupedEntity(t *testing.T) {
	o := newTestOrchestrator(t)
	req := types.SignalRequest{
		Methods:    []types.SignalMethod{types.MethodZScore},
		TimeConfig: customWindow(time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)),
		Level:      types.LevelManufacturer,
		MinEvents:  1,
		ActiveGroups: []types.ActiveEntityGroup{
			{
				ID:          "inline-group",
				DisplayName: "ACME MEDICAL INC",
				Members:     []string{"ACME MEDICAL INC", "ACME DEVICES LLC"},
				EntityType:  types.EntityManufacturer,
			},
		},
	}

	resp, apiErr := o.Detect(context.Background(), req)
	if apiErr != nil {
		t.Fatalf("detect: %v", apiErr)
	}

	var acme *types.SignalResult
	for i := range resp.Signals {
		if resp.Signals[i].Entity == "ACME MEDICAL INC" {
			acme = &resp.Signals[i]
		}
	}
	if acme == nil {
		t.Fatal("expected ACME MEDICAL INC in results")
	}
	if len(acme.GroupMembers) != 2 {
		t.Fatalf("expected the grouped display name to expose its 2 members, got %v", acme.GroupMembers)
	}

	for _, s := range resp.Signals {
		if s.Entity != "ACME MEDICAL INC" && len(s.GroupMembers) != 0 {
			t.Fatalf("expected an ungrouped entity %q to have no group_members, got %v", s.Entity, s.GroupMembers)
		}
	}
}

func TestDetectRejectsUnknownLevel(t *testing.T) {
	o := newTestOrchestrator(t)
	_, apiErr := o.Detect(context.Background(), types.SignalRequest{Level: "bogus"})
	if apiErr == nil || apiErr.Code != types.ErrBadRequest {
		t.Fatalf("expected BadRequest for an unknown level, got %v", apiErr)
	}
}

func TestDetectRejectsNegativeMinEvents(t *testing.T) {
	o := newTestOrchestrator(t)
	req := types.SignalRequest{MinEvents: -1}
	_, apiErr := o.Detect(context.Background(), req)
	if apiErr == nil || apiErr.Code != types.ErrBadRequest {
		t.Fatalf("expected BadRequest for a negative min_events, got %v", apiErr)
	}
}
