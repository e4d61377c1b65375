// Package registry manages the EntityGroup catalog: CRUD, activation
// uniqueness, and display-name derivation. Display names are computed
// from the longest common token prefix across members, falling back to
// the highest-event-count member, then the first member alphabetically —
// NOT the original service's truncate-and-concatenate heuristic
// ("members[0][:20] + ' + N more'"), which the detection engine's own
// design explicitly supersedes. Writes take the exclusive side of an
// RWMutex; reads take the shared side and query the table directly (no
// copy-on-write snapshot is kept).
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/signaldetect/maude/internal/querybuilder"
	"github.com/signaldetect/maude/internal/store"
	"github.com/signaldetect/maude/internal/types"
)

// Registry is the entity-group catalog, backed by a SQL table and guarded
// by an in-process RWMutex for the uniqueness invariant — multiple
// processes would need a DB-level constraint instead, out of scope here.
type Registry struct {
	mu    sync.RWMutex
	db    *sql.DB
	store store.Store
}

// New wraps a database handle; Migrate creates the table. st supplies the
// per-member event counts deriveDisplayName's middle tier consults; it
// may be nil (e.g. before the event store is wired up), in which case
// that tier is skipped and derivation falls through to alphabetical.
func New(db *sql.DB, st store.Store) *Registry {
	return &Registry{db: db, store: st}
}

// Migrate creates the entity_groups table.
func (r *Registry) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS entity_groups (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			description  TEXT,
			entity_type  TEXT NOT NULL,
			members      TEXT NOT NULL,
			display_name TEXT,
			is_active    BOOLEAN NOT NULL DEFAULT 1,
			is_built_in  BOOLEAN NOT NULL DEFAULT 0,
			created_at   TIMESTAMP NOT NULL,
			updated_at   TIMESTAMP NOT NULL
		);
	`)
	return err
}

// List returns groups matching the given filters.
func (r *Registry) List(ctx context.Context, entityType types.EntityType, includeBuiltIn, activeOnly bool) ([]types.EntityGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	groups, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.EntityGroup, 0, len(groups))
	for _, g := range groups {
		if entityType != "" && g.EntityType != entityType {
			continue
		}
		if !includeBuiltIn && g.IsBuiltIn {
			continue
		}
		if activeOnly && !g.IsActive {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// Get returns a single group by id.
func (r *Registry) Get(ctx context.Context, id string) (types.EntityGroup, *types.APIError) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	groups, err := r.all(ctx)
	if err != nil {
		return types.EntityGroup{}, types.NewStoreUnavailable("reading entity groups: " + err.Error())
	}
	for _, g := range groups {
		if g.ID == id {
			return g, nil
		}
	}
	return types.EntityGroup{}, types.NewBadRequest("entity group not found: "+id, "id")
}

// ActiveGroups returns the currently active groups of entityType, the
// shape C1's querybuilder consumes directly.
func (r *Registry) ActiveGroups(ctx context.Context, entityType types.EntityType) ([]types.EntityGroup, error) {
	return r.List(ctx, entityType, true, true)
}

// Create inserts a new group, validating members and deriving
// display_name when omitted.
func (r *Registry) Create(ctx context.Context, g types.EntityGroup) (types.EntityGroup, *types.APIError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, apiErr := normalizeMembers(g.Members)
	if apiErr != nil {
		return types.EntityGroup{}, apiErr
	}
	g.Members = members
	if g.DisplayName == "" {
		g.DisplayName = deriveDisplayName(members, r.eventCountsFor(ctx, g.EntityType, members))
	}
	g.ID = uuid.NewString()
	now := time.Now()
	g.CreatedAt, g.UpdatedAt = now, now
	g.IsBuiltIn = false
	if !g.IsActive {
		g.IsActive = true
	}

	if g.IsActive {
		if conflict, err := r.conflictsWithActive(ctx, g.EntityType, g.ID, members); err != nil {
			return types.EntityGroup{}, types.NewStoreUnavailable(err.Error())
		} else if conflict != "" {
			return types.EntityGroup{}, types.NewGroupConflict(fmt.Sprintf("%q is already claimed by an active group", conflict))
		}
	}

	if err := r.insert(ctx, g); err != nil {
		return types.EntityGroup{}, types.NewStoreUnavailable(err.Error())
	}
	return g, nil
}

// Update mutates a non-built-in group's members/description/display_name.
func (r *Registry) Update(ctx context.Context, id string, patch types.EntityGroup) (types.EntityGroup, *types.APIError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, apiErr := r.getLocked(ctx, id)
	if apiErr != nil {
		return types.EntityGroup{}, apiErr
	}
	if existing.IsBuiltIn {
		return types.EntityGroup{}, types.NewGroupConflict("built-in groups cannot be updated")
	}

	if patch.Description != "" {
		existing.Description = patch.Description
	}
	if len(patch.Members) > 0 {
		members, apiErr := normalizeMembers(patch.Members)
		if apiErr != nil {
			return types.EntityGroup{}, apiErr
		}
		existing.Members = members
	}
	if patch.DisplayName != "" {
		existing.DisplayName = patch.DisplayName
	}

	if existing.IsActive {
		if conflict, err := r.conflictsWithActive(ctx, existing.EntityType, existing.ID, existing.Members); err != nil {
			return types.EntityGroup{}, types.NewStoreUnavailable(err.Error())
		} else if conflict != "" {
			return types.EntityGroup{}, types.NewGroupConflict(fmt.Sprintf("%q is already claimed by an active group", conflict))
		}
	}

	existing.UpdatedAt = time.Now()
	if err := r.update(ctx, existing); err != nil {
		return types.EntityGroup{}, types.NewStoreUnavailable(err.Error())
	}
	return existing, nil
}

// Delete removes a non-built-in group.
func (r *Registry) Delete(ctx context.Context, id string) *types.APIError {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, apiErr := r.getLocked(ctx, id)
	if apiErr != nil {
		return apiErr
	}
	if existing.IsBuiltIn {
		return types.NewGroupConflict("built-in groups cannot be deleted")
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM entity_groups WHERE id = $1`, id); err != nil {
		return types.NewStoreUnavailable(err.Error())
	}
	return nil
}

// Activate turns a group on, failing with GroupConflict if any member
// would then belong to two active groups of the same entity_type.
func (r *Registry) Activate(ctx context.Context, id string) (types.EntityGroup, *types.APIError) {
	return r.setActive(ctx, id, true)
}

// Deactivate turns a group off. Always permitted, even for built-ins —
// only mutation of membership is blocked for built-ins, not lifecycle.
func (r *Registry) Deactivate(ctx context.Context, id string) (types.EntityGroup, *types.APIError) {
	return r.setActive(ctx, id, false)
}

func (r *Registry) setActive(ctx context.Context, id string, active bool) (types.EntityGroup, *types.APIError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, apiErr := r.getLocked(ctx, id)
	if apiErr != nil {
		return types.EntityGroup{}, apiErr
	}
	if active {
		if conflict, err := r.conflictsWithActive(ctx, existing.EntityType, existing.ID, existing.Members); err != nil {
			return types.EntityGroup{}, types.NewStoreUnavailable(err.Error())
		} else if conflict != "" {
			return types.EntityGroup{}, types.NewGroupConflict(fmt.Sprintf("%q is already claimed by an active group", conflict))
		}
	}
	existing.IsActive = active
	existing.UpdatedAt = time.Now()
	if err := r.update(ctx, existing); err != nil {
		return types.EntityGroup{}, types.NewStoreUnavailable(err.Error())
	}
	return existing, nil
}

// SuggestName runs the same derivation algorithm Create uses when
// display_name is omitted, for the suggest-name endpoint. entityType
// scopes the event-count lookup deriveDisplayName's middle tier uses when
// the members share no common token prefix; it may be "", in which case
// that tier is skipped.
func (r *Registry) SuggestName(ctx context.Context, members []string, entityType types.EntityType) (name string, memberCount int, apiErr *types.APIError) {
	normalized, apiErr := normalizeMembers(members)
	if apiErr != nil {
		return "", 0, apiErr
	}
	return deriveDisplayName(normalized, r.eventCountsFor(ctx, entityType, normalized)), len(normalized), nil
}

// maxEventCountLookup bounds the AvailableEntities scan deriveDisplayName's
// middle tier runs against — generous enough to cover any real member
// list without an unbounded query.
const maxEventCountLookup = 10000

// eventCountsFor looks up each member's raw event count at the drill
// level matching entityType, for deriveDisplayName's middle tier. Returns
// nil (skipping that tier) when no store is wired, entityType doesn't map
// to a drill level, or the lookup fails — a best-effort tie-breaker, not
// a correctness-critical path.
func (r *Registry) eventCountsFor(ctx context.Context, entityType types.EntityType, members []string) map[string]int {
	if r.store == nil {
		return nil
	}
	level, ok := levelForEntityType(entityType)
	if !ok {
		return nil
	}
	available, err := r.store.AvailableEntities(ctx, level, maxEventCountLookup)
	if err != nil {
		return nil
	}
	want := make(map[string]string, len(members))
	for _, m := range members {
		want[strings.ToLower(strings.TrimSpace(m))] = m
	}
	counts := make(map[string]int, len(members))
	for _, e := range available {
		if m, ok := want[strings.ToLower(strings.TrimSpace(e.Value))]; ok {
			counts[m] = e.EventCount
		}
	}
	return counts
}

// levelForEntityType maps the EntityType enum to the DrillLevel the
// event store keys aggregation by.
func levelForEntityType(entityType types.EntityType) (types.DrillLevel, bool) {
	switch entityType {
	case types.EntityManufacturer:
		return types.LevelManufacturer, true
	case types.EntityBrand:
		return types.LevelBrand, true
	case types.EntityGenericName:
		return types.LevelGeneric, true
	default:
		return "", false
	}
}

// MemberSummary renders a human-readable member count, e.g. "1 member" or
// "12 members", for suggest-name responses.
func MemberSummary(count int) string {
	word := "members"
	if count == 1 {
		word = "member"
	}
	return humanize.Comma(int64(count)) + " " + word
}

// AvailableEntities merges the store's raw entity listing with current
// group assignment, for the available-entities endpoint.
func (r *Registry) AvailableEntities(ctx context.Context, st store.Store, level types.DrillLevel, limit int) ([]types.AvailableEntity, error) {
	raw, err := st.AvailableEntities(ctx, level, limit)
	if err != nil {
		return nil, err
	}
	entityType, ok := querybuilder.EntityTypeForLevel(level)
	if !ok {
		return raw, nil
	}
	groups, err := r.ActiveGroups(ctx, entityType)
	if err != nil {
		return nil, err
	}
	membership := make(map[string]types.EntityGroup)
	for _, g := range groups {
		for _, m := range g.Members {
			membership[strings.ToLower(strings.TrimSpace(m))] = g
		}
	}
	for i, e := range raw {
		if g, ok := membership[strings.ToLower(strings.TrimSpace(e.Value))]; ok {
			raw[i].GroupID = g.ID
			raw[i].GroupName = g.DisplayName
			raw[i].IsGrouped = true
		}
	}
	return raw, nil
}

// MembersOf returns the member list of the group in activeGroups whose
// entity type and display name match entity, if entity is currently a
// grouped display name rather than a raw value. Callers that have already
// fetched the request's active groups (the orchestrator's drill-down and
// signal evaluation both do) pass that slice directly instead of this
// re-querying the registry per entity. Used to decide whether a
// drill-down predicate, or a signal result's exposed member list, should
// expand into the group's members or stay a single raw value.
func MembersOf(activeGroups []types.EntityGroup, entityType types.EntityType, entity string) ([]string, bool) {
	for _, g := range activeGroups {
		if g.EntityType == entityType && g.DisplayName == entity {
			return g.Members, true
		}
	}
	return nil, false
}

// normalizeMembers trims, deduplicates case-insensitively (keeping the
// first-seen casing), and rejects an empty result.
func normalizeMembers(members []string) ([]string, *types.APIError) {
	seen := make(map[string]bool)
	var out []string
	for _, m := range members {
		trimmed := strings.TrimSpace(m)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return nil, types.NewBadRequest("members must be a non-empty set of strings", "members")
	}
	return out, nil
}

// deriveDisplayName implements the documented algorithm: longest common
// token prefix across members; else the member with the highest event
// count (from eventCounts, if supplied); else the first member
// alphabetically.
func deriveDisplayName(members []string, eventCounts map[string]int) string {
	if len(members) == 1 {
		return members[0]
	}
	if prefix := longestCommonTokenPrefix(members); prefix != "" {
		return prefix
	}
	if len(eventCounts) > 0 {
		best := members[0]
		bestCount := -1
		for _, m := range members {
			if c := eventCounts[m]; c > bestCount {
				bestCount = c
				best = m
			}
		}
		return best
	}
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	return sorted[0]
}

// longestCommonTokenPrefix returns the longest sequence of whitespace-
// separated tokens shared by every member's start, or "" if none.
func longestCommonTokenPrefix(members []string) string {
	if len(members) == 0 {
		return ""
	}
	tokenized := make([][]string, len(members))
	for i, m := range members {
		tokenized[i] = strings.Fields(m)
	}
	shortest := tokenized[0]
	for _, t := range tokenized[1:] {
		if len(t) < len(shortest) {
			shortest = t
		}
	}
	var prefix []string
	for i := range shortest {
		token := strings.ToLower(shortest[i])
		for _, t := range tokenized {
			if strings.ToLower(t[i]) != token {
				return strings.Join(prefix, " ")
			}
		}
		prefix = append(prefix, shortest[i])
	}
	return strings.Join(prefix, " ")
}

// conflictsWithActive returns the display name of an active group that
// already claims one of members, if any, excluding excludeID.
func (r *Registry) conflictsWithActive(ctx context.Context, entityType types.EntityType, excludeID string, members []string) (string, error) {
	groups, err := r.all(ctx)
	if err != nil {
		return "", err
	}
	want := make(map[string]bool, len(members))
	for _, m := range members {
		want[strings.ToLower(strings.TrimSpace(m))] = true
	}
	for _, g := range groups {
		if g.ID == excludeID || !g.IsActive || g.EntityType != entityType {
			continue
		}
		for _, m := range g.Members {
			if want[strings.ToLower(strings.TrimSpace(m))] {
				return g.DisplayName, nil
			}
		}
	}
	return "", nil
}

func (r *Registry) getLocked(ctx context.Context, id string) (types.EntityGroup, *types.APIError) {
	groups, err := r.all(ctx)
	if err != nil {
		return types.EntityGroup{}, types.NewStoreUnavailable(err.Error())
	}
	for _, g := range groups {
		if g.ID == id {
			return g, nil
		}
	}
	return types.EntityGroup{}, types.NewBadRequest("entity group not found: "+id, "id")
}

func (r *Registry) all(ctx context.Context) ([]types.EntityGroup, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, description, entity_type, members, display_name, is_active, is_built_in, created_at, updated_at
		FROM entity_groups
	`)
	if err != nil {
		return nil, fmt.Errorf("listing entity groups: %w", err)
	}
	defer rows.Close()

	var out []types.EntityGroup
	for rows.Next() {
		var g types.EntityGroup
		var membersJSON string
		var description, displayName sql.NullString
		if err := rows.Scan(&g.ID, &g.Name, &description, &g.EntityType, &membersJSON, &displayName, &g.IsActive, &g.IsBuiltIn, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning entity group: %w", err)
		}
		g.Description = description.String
		g.DisplayName = displayName.String
		if err := json.Unmarshal([]byte(membersJSON), &g.Members); err != nil {
			return nil, fmt.Errorf("decoding members for group %s: %w", g.ID, err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *Registry) insert(ctx context.Context, g types.EntityGroup) error {
	membersJSON, err := json.Marshal(g.Members)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO entity_groups (id, name, description, entity_type, members, display_name, is_active, is_built_in, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, g.ID, g.Name, g.Description, g.EntityType, string(membersJSON), g.DisplayName, g.IsActive, g.IsBuiltIn, g.CreatedAt, g.UpdatedAt)
	return err
}

func (r *Registry) update(ctx context.Context, g types.EntityGroup) error {
	membersJSON, err := json.Marshal(g.Members)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE entity_groups SET name=$1, description=$2, members=$3, display_name=$4, is_active=$5, updated_at=$6
		WHERE id=$7
	`, g.Name, g.Description, string(membersJSON), g.DisplayName, g.IsActive, g.UpdatedAt, g.ID)
	return err
}

// SeedBuiltIns inserts the built-in starter groups if the table is empty,
// idempotently — safe to call on every startup.
func (r *Registry) SeedBuiltIns(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups, err := r.all(ctx)
	if err != nil {
		return err
	}
	if len(groups) > 0 {
		return nil
	}

	now := time.Now()
	builtins := []types.EntityGroup{
		{
			ID: uuid.NewString(), Name: "pfizer-family", EntityType: types.EntityManufacturer,
			Members: []string{"PFIZER INC", "PFIZER PHARMACEUTICALS", "PFIZER LABORATORIES"},
			IsActive: true, IsBuiltIn: true, CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: uuid.NewString(), Name: "medtronic-family", EntityType: types.EntityManufacturer,
			Members: []string{"MEDTRONIC INC", "MEDTRONIC MINIMED", "MEDTRONIC PLC"},
			IsActive: true, IsBuiltIn: true, CreatedAt: now, UpdatedAt: now,
		},
	}
	for i := range builtins {
		builtins[i].DisplayName = deriveDisplayName(builtins[i].Members, nil)
		if err := r.insert(ctx, builtins[i]); err != nil {
			return fmt.Errorf("seeding built-in group %s: %w", builtins[i].Name, err)
		}
	}
	return nil
}
