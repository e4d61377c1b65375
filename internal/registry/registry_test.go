package registry

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signaldetect/maude/internal/store"
	"github.com/signaldetect/maude/internal/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return newTestRegistryWithStore(t, store.NewMemoryStore())
}

func newTestRegistryWithStore(t *testing.T, st store.Store) *Registry {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("opening in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	r := New(db, st)
	if err := r.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return r
}

func TestCreateDerivesDisplayNameFromCommonPrefix(t *testing.T) {
	r := newTestRegistry(t)
	g, apiErr := r.Create(context.Background(), types.EntityGroup{
		Name:       "acme-family",
		EntityType: types.EntityManufacturer,
		Members:    []string{"ACME MEDICAL DEVICES INC", "ACME MEDICAL SUPPLIES LLC"},
	})
	if apiErr != nil {
		t.Fatalf("create: %v", apiErr)
	}
	if g.DisplayName != "ACME MEDICAL" {
		t.Fatalf("expected derived prefix 'ACME MEDICAL', got %q", g.DisplayName)
	}
}

func TestCreateFallsBackToAlphabeticalWhenNoCommonPrefix(t *testing.T) {
	r := newTestRegistry(t)
	g, apiErr := r.Create(context.Background(), types.EntityGroup{
		Name:       "mixed",
		EntityType: types.EntityManufacturer,
		Members:    []string{"ZEBRA CORP", "ACME INC"},
	})
	if apiErr != nil {
		t.Fatalf("create: %v", apiErr)
	}
	if g.DisplayName != "ACME INC" {
		t.Fatalf("expected alphabetically-first fallback, got %q", g.DisplayName)
	}
}

func TestCreateRejectsEmptyMembers(t *testing.T) {
	r := newTestRegistry(t)
	_, apiErr := r.Create(context.Background(), types.EntityGroup{
		Name: "empty", EntityType: types.EntityManufacturer, Members: []string{"  ", ""},
	})
	if apiErr == nil {
		t.Fatal("expected an error for an empty member set")
	}
	if apiErr.Code != types.ErrBadRequest {
		t.Fatalf("expected BadRequest, got %v", apiErr.Code)
	}
}

func TestUpdateConflictsWithExistingActiveGroup(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first, apiErr := r.Create(ctx, types.EntityGroup{
		Name: "first", EntityType: types.EntityManufacturer, Members: []string{"ACME INC"},
	})
	if apiErr != nil {
		t.Fatalf("create first: %v", apiErr)
	}
	_ = first

	second, apiErr := r.Create(ctx, types.EntityGroup{
		Name: "second", EntityType: types.EntityManufacturer, Members: []string{"ZEBRA CORP"}, IsActive: false,
	})
	if apiErr != nil {
		t.Fatalf("create second: %v", apiErr)
	}

	_, apiErr = r.Update(ctx, second.ID, types.EntityGroup{Members: []string{"ACME INC"}})
	if apiErr == nil {
		t.Fatal("expected a conflict when claiming an already-active member")
	}
	if apiErr.Code != types.ErrGroupConflict {
		t.Fatalf("expected GroupConflict, got %v", apiErr.Code)
	}
}

func TestBuiltInGroupsAreImmutable(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	if err := r.SeedBuiltIns(ctx); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	groups, err := r.List(ctx, types.EntityManufacturer, true, false)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(groups) == 0 {
		t.Fatal("expected seeded built-in groups")
	}

	_, apiErr := r.Update(ctx, groups[0].ID, types.EntityGroup{Description: "changed"})
	if apiErr == nil || apiErr.Code != types.ErrGroupConflict {
		t.Fatalf("expected GroupConflict updating a built-in group, got %v", apiErr)
	}

	apiErr = r.Delete(ctx, groups[0].ID)
	if apiErr == nil || apiErr.Code != types.ErrGroupConflict {
		t.Fatalf("expected GroupConflict deleting a built-in group, got %v", apiErr)
	}
}

func TestSuggestName(t *testing.T) {
	r := newTestRegistry(t)
	name, count, apiErr := r.SuggestName(context.Background(), []string{"Acme Devices Inc", "Acme Devices LLC", "acme devices corp"}, types.EntityManufacturer)
	if apiErr != nil {
		t.Fatalf("suggest: %v", apiErr)
	}
	if count != 3 {
		t.Fatalf("expected 3 distinct members, got %d", count)
	}
	if name != "Acme Devices" {
		t.Fatalf("expected common prefix 'Acme Devices', got %q", name)
	}
}

func TestSuggestNameDeduplicatesCaseInsensitively(t *testing.T) {
	r := newTestRegistry(t)
	_, count, apiErr := r.SuggestName(context.Background(), []string{"Acme Inc", "ACME INC", "acme inc"}, types.EntityManufacturer)
	if apiErr != nil {
		t.Fatalf("suggest: %v", apiErr)
	}
	if count != 1 {
		t.Fatalf("expected deduplication down to 1 member, got %d", count)
	}
}

func TestCreateDerivesDisplayNameFromHighestEventCount(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	received := time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)
	// ZEBRA comes second alphabetically, so a correct result here can only
	// come from the event-count tier, not an accidental alphabetical match.
	for i := 0; i < 9; i++ {
		if err := st.InsertEvent(ctx, store.Event{
			MDRReportKey: "zebra-" + string(rune('a'+i)), DateReceived: received, EventType: "M",
			ManufacturerClean: "ZEBRA CORP",
		}); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := st.InsertEvent(ctx, store.Event{
			MDRReportKey: "wolf-" + string(rune('a'+i)), DateReceived: received, EventType: "M",
			ManufacturerClean: "WOLF INDUSTRIES",
		}); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}

	r := newTestRegistryWithStore(t, st)
	g, apiErr := r.Create(ctx, types.EntityGroup{
		Name:       "mixed",
		EntityType: types.EntityManufacturer,
		Members:    []string{"ZEBRA CORP", "WOLF INDUSTRIES"},
	})
	if apiErr != nil {
		t.Fatalf("create: %v", apiErr)
	}
	if g.DisplayName != "ZEBRA CORP" {
		t.Fatalf("expected the higher-event-count member 'ZEBRA CORP' (9 events vs 3), got %q", g.DisplayName)
	}
}
